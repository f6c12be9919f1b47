package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once the catalog has been torn down by Close.
	ErrClosed = errors.New("catalog closed")

	// ErrUnknownDatabase is returned for a database name that is not attached.
	ErrUnknownDatabase = errors.New("unknown database")

	// ErrDuplicateDatabase is returned when attaching a name twice.
	ErrDuplicateDatabase = errors.New("database already attached")

	// ErrHandleReleased is returned when a Handle is used after its callback returned.
	ErrHandleReleased = errors.New("handle used after release")

	// errEpochChanged aborts a rebuild whose attachment set changed underneath it.
	errEpochChanged = errors.New("attached databases changed during rebuild")
)

// ReadOnlyViolation reports a statement that would modify data or schema.
type ReadOnlyViolation struct {
	Statement string
	Reason    string
}

func (e *ReadOnlyViolation) Error() string {
	return fmt.Sprintf("read-only violation: %s", e.Reason)
}
