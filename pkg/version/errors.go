package version

import (
	"errors"
	"fmt"

	"github.com/arbor-db/arbor/pkg/types"
)

var (
	// ErrNotFound is returned when a history or frozen record does not
	// resolve in the backend.
	ErrNotFound = errors.New("version: not found")
	// ErrNotSelectable is returned when a selector returned nothing and no
	// fallback content existed beyond the root.
	ErrNotSelectable = errors.New("version: no version selectable")
	// ErrNotVersionable is returned when a versioning operation targets a
	// node without a history.
	ErrNotVersionable = errors.New("version: node is not versionable")
	// ErrCheckedIn is returned when a checkin targets an item that is
	// already checked in.
	ErrCheckedIn = errors.New("version: item is checked in")
)

// ConflictError reports a checkin that lost against a concurrent checkin on
// the same predecessor. The caller must re-read the current version and
// retry if desired.
type ConflictError struct {
	History     types.HistoryID
	Predecessor types.VersionID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version: checkin conflict in history %s: predecessor %s already has a successor",
		e.History, e.Predecessor)
}

// ConstraintViolationError reports a mutation attempted on protected
// content. The path names the offending item.
type ConstraintViolationError struct {
	Path string
	Op   string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("version: %s on protected item %s", e.Op, e.Path)
}

func protected(path, op string) error {
	return &ConstraintViolationError{Path: path, Op: op}
}
