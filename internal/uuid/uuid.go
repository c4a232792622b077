// Package uuid generates and validates the identifiers used for queue items and conflicts.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New generates a new random (v4) identifier.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a canonical, dashed RFC 4122 UUID.
func IsValid(s string) bool {
	return Validate(s) == nil
}

// Validate returns an error if s is not a canonical, dashed RFC 4122 UUID.
// Upper-case hex is accepted; braces, urn: prefixes and undashed forms are not.
func Validate(s string) error {
	if len(s) != 36 || strings.HasPrefix(s, "urn:") {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid UUID format: %q: %w", s, err)
	}
	if id.Variant() != uuid.RFC4122 {
		return fmt.Errorf("invalid UUID variant: %q", s)
	}
	return nil
}

// ValidateAll validates every id and reports the first offender.
func ValidateAll(ids []string) error {
	for _, id := range ids {
		if err := Validate(id); err != nil {
			return err
		}
	}
	return nil
}
