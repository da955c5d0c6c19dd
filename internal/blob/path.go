package blob

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidID is returned before any store call when a tenant or document
// identifier fails the allow-list. Path construction never proceeds from
// unvalidated input.
var ErrInvalidID = errors.New("invalid identifier")

const snapshotExtension = ".bin"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID accepts alphanumeric identifiers plus hyphen and underscore,
// nothing else. Separators, dots, and control bytes all fail.
func ValidateID(id string) error {
	if id == "" || !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// SnapshotPath builds the tenant-scoped object key for a document snapshot.
func SnapshotPath(teamID, documentID string) (string, error) {
	if err := ValidateID(teamID); err != nil {
		return "", err
	}
	if err := ValidateID(documentID); err != nil {
		return "", err
	}
	return teamID + "/" + documentID + snapshotExtension, nil
}
