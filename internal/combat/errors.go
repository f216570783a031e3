package combat

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores and managers when a combat does not exist.
var ErrNotFound = errors.New("combat not found")

// InvalidStateError reports an operation that is illegal in the combat's
// current status or turn position. It is always returned to the caller and
// never retried automatically.
type InvalidStateError struct {
	Op     string
	Status Status
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: invalid in status %s: %s", e.Op, e.Status, e.Reason)
}

// ValidationError reports malformed input, such as negative damage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError reports a failure of the persistence collaborator. The
// in-memory mutation has been rolled back; the caller may retry the whole
// operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
