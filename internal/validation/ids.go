// Package validation provides shared validation utilities.
package validation

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxIDLength bounds worker, request, job and group identifiers.
const MaxIDLength = 256

// ValidateID checks an identifier received from a client. IDs end up in log
// attributes, Valkey keys and admin URL paths, so they must be printable and
// must not contain '/' or whitespace.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s must not exceed %d characters", field, MaxIDLength)
	}
	if strings.ContainsRune(id, '/') {
		return fmt.Errorf("%s must not contain '/', got %q", field, id)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%s must not contain whitespace or control characters, got %q", field, id)
		}
	}
	return nil
}
