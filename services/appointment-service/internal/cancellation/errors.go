package cancellation

import (
	"errors"
	"fmt"
)

// ErrNotFound means there is no confirmed appointment with that id visible to
// the requester. It is also what the loser of a concurrent cancel receives.
var ErrNotFound = errors.New("confirmed appointment not found")

// NotAllowedError rejects a cancellation outside the refund window.
type NotAllowedError struct {
	DaysSinceCreated float64
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("cancellation window elapsed: appointment created %.2f days ago", e.DaysSinceCreated)
}

// StoreError wraps a persistence failure. Nothing after it ran.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "cancellation store: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
