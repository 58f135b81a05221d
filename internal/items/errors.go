package items

import (
	"errors"
	"fmt"

	"github.com/erazemk/najdeno/internal/model"
)

// Errors returned by Service. Compare with errors.Is.
var (
	ErrNotFound          = errors.New("item not found")
	ErrForbidden         = errors.New("admin role required")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStorage           = errors.New("storage failure")
)

// TransitionError is returned when an item is not in the status a
// transition requires. Current is the status observed at the time of the
// attempt.
type TransitionError struct {
	ItemID  int64
	From    model.ItemStatus
	To      model.ItemStatus
	Current model.ItemStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("item %d: cannot move %s -> %s, item is %s", e.ItemID, e.From, e.To, e.Current)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// StorageError wraps a repository failure. It matches both ErrStorage and
// the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// InputError lists the fields of a report that failed validation.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return e.Err.Error()
}

func (e *InputError) Unwrap() []error {
	return []error{ErrInvalidInput, e.Err}
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
