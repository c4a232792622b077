// Package db tests for database connection management and the key-value table.
package db

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='kv_store'").Scan(&name); err != nil {
		t.Errorf("kv_store table not created: %v", err)
	}
}

// TestOpen_reopen verifies migrations are not re-applied on a second open.
func TestOpen_reopen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	db.Close()

	db, err = Open(tmpDir)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer db.Close()

	v, ok, err := db.Get(context.Background(), "k")
	if err != nil || !ok || string(v) != "v" {
		t.Errorf("Get() after reopen = %q, %v, %v", v, ok, err)
	}
}

// TestKV verifies get/set/remove semantics.
func TestKV(t *testing.T) {
	db, err := OpenPath(":memory:")
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	if _, ok, err := db.Get(ctx, "missing"); err != nil || ok {
		t.Errorf("Get(missing) ok=%v err=%v, want false nil", ok, err)
	}

	if err := db.Set(ctx, "queue", []byte(`[1]`)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := db.Set(ctx, "queue", []byte(`[1,2]`)); err != nil {
		t.Fatalf("Set() overwrite failed: %v", err)
	}
	v, ok, err := db.Get(ctx, "queue")
	if err != nil || !ok || !bytes.Equal(v, []byte(`[1,2]`)) {
		t.Errorf("Get() = %q, %v, %v", v, ok, err)
	}

	if err := db.Remove(ctx, "queue"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if err := db.Remove(ctx, "queue"); err != nil {
		t.Errorf("Remove() of absent key should not fail: %v", err)
	}
	if _, ok, _ := db.Get(ctx, "queue"); ok {
		t.Error("key still present after Remove()")
	}
}

// TestUpdate verifies the transactional read-modify-write.
func TestUpdate(t *testing.T) {
	db, err := OpenPath(":memory:")
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	err = db.Update(ctx, "queue", func(v []byte) ([]byte, error) {
		if v != nil {
			t.Errorf("Update() on absent key passed %q, want nil", v)
		}
		return []byte(`[1]`), nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	wantErr := errors.New("abort")
	err = db.Update(ctx, "queue", func(v []byte) ([]byte, error) {
		return []byte(`[1,2]`), wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Update() error = %v, want %v", err, wantErr)
	}

	v, _, err := db.Get(ctx, "queue")
	if err != nil || !bytes.Equal(v, []byte(`[1]`)) {
		t.Errorf("Get() after aborted Update() = %q, %v", v, err)
	}

	// The connection must be usable again after a rollback.
	if err := db.Set(ctx, "other", []byte("x")); err != nil {
		t.Errorf("Set() after aborted Update() failed: %v", err)
	}
}

// TestUpdate_twoHandles verifies a second handle on the same file waits for an open update.
func TestUpdate_twoHandles(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer first.Close()
	second, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer second.Close()
	ctx := context.Background()

	done := make(chan error, 1)
	err = first.Update(ctx, "n", func(v []byte) ([]byte, error) {
		go func() {
			done <- second.Update(ctx, "n", func(v []byte) ([]byte, error) {
				return append(v, 'b'), nil
			})
		}()
		time.Sleep(150 * time.Millisecond)
		return append(v, 'a'), nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("second Update() failed: %v", err)
	}

	v, _, err := first.Get(ctx, "n")
	if err != nil || string(v) != "ab" {
		t.Errorf("Get() = %q, %v, want \"ab\"", v, err)
	}
}

// TestKV_closed verifies errors surface once the connection is closed.
func TestKV_closed(t *testing.T) {
	db, err := OpenPath(":memory:")
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	db.Close()

	if err := db.Set(context.Background(), "k", []byte("v")); err == nil {
		t.Error("Set() on closed db should fail")
	}
	if _, _, err := db.Get(context.Background(), "k"); err == nil {
		t.Error("Get() on closed db should fail")
	}
}
