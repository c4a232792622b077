// Package main provides FFI exports for mobile platforms (Android/iOS).
// Build with -buildmode=c-shared. Every function returns a JSON envelope
// {"ok":bool,"data":...,"error":{"code","message"}} that must be released with FreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

//export SyncInit
func SyncInit(options *C.char) *C.char {
	return C.CString(syncInit(goString(options)))
}

//export SyncQueueRequest
func SyncQueueRequest(request *C.char) *C.char {
	return C.CString(syncQueueRequest(goString(request)))
}

//export SyncStoreOfflineData
func SyncStoreOfflineData(entityType, entityID, data *C.char) *C.char {
	return C.CString(syncStoreOfflineData(goString(entityType), goString(entityID), goString(data)))
}

//export SyncGetOfflineData
func SyncGetOfflineData(entityType, entityID *C.char) *C.char {
	return C.CString(syncGetOfflineData(goString(entityType), goString(entityID)))
}

//export SyncForce
func SyncForce() *C.char {
	return C.CString(syncForce())
}

//export SyncStats
func SyncStats() *C.char {
	return C.CString(syncStats())
}

//export SyncSetOnline
func SyncSetOnline(online C.int) *C.char {
	return C.CString(syncSetOnline(online != 0))
}

//export SyncSetForeground
func SyncSetForeground(foreground C.int) *C.char {
	return C.CString(syncSetForeground(foreground != 0))
}

//export SyncSetDeviceState
func SyncSetDeviceState(batteryLow, storagePressure C.int) *C.char {
	return C.CString(syncSetDeviceState(batteryLow != 0, storagePressure != 0))
}

//export SyncReset
func SyncReset() *C.char {
	return C.CString(syncReset())
}

//export SyncShutdown
func SyncShutdown() *C.char {
	return C.CString(syncShutdown())
}

//export SyncGetLastError
func SyncGetLastError() *C.char {
	return C.CString(getLastError())
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func goString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

func main() {
	// Required for c-shared build mode; not executed when loaded as a library.
}
