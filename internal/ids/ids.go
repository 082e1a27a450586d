// Package ids generates and checks record identifiers.
package ids

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
)

// MaxLength bounds client-supplied IDs.
const MaxLength = 128

// Record IDs become one path segment of a remote object key.
var recordIDRegex = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z._:-]*$`)

// New generates a UUID v4 for records created without an ID.
func New() string {
	return uuid.New().String()
}

// IsUUID reports whether s is a canonical UUID v4.
func IsUUID(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4 && id.String() == s
}

// IsValid reports whether s can identify a record.
func IsValid(s string) bool {
	return len(s) <= MaxLength && recordIDRegex.MatchString(s)
}

// Validate returns INVALID_INPUT when s cannot identify a record.
func Validate(s string) error {
	if !IsValid(s) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid record id %q", s))
	}
	return nil
}
