package rdm

import (
	"errors"
	"fmt"
)

// Sentinel errors making up the taxonomy consumers can distinguish with
// errors.Is. Network and Disk errors are built as "%w: %s" over the
// sentinel and the cause: they carry the cause's text, but the cause
// itself is not reachable through errors.Is/As. The rest are
// precondition/outcome markers on their own.
var (
	// ErrNetwork wraps a transport-level failure (connect, send, or a
	// mid-stream read that never recovered within the retry budget).
	ErrNetwork = errors.New("rdm: network error")
	// ErrDisk wraps a filesystem I/O failure (scratch file open/write/
	// flush, or output assembly).
	ErrDisk = errors.New("rdm: disk error")
	// ErrInvalidState marks a precondition violation (missing config,
	// calling a phase out of order, a range missing at assembly time).
	ErrInvalidState = errors.New("rdm: invalid state")
	// ErrMaxRetry marks a range that exhausted its retry budget.
	ErrMaxRetry = errors.New("rdm: retry budget exhausted")
	// ErrNonResumable marks a resume-only operation requested against a
	// non-resumable origin.
	ErrNonResumable = errors.New("rdm: origin is not resumable")
	// ErrCancelled marks cooperative cancellation observed at a
	// suspension point. Never coerced into ErrMaxRetry.
	ErrCancelled = errors.New("rdm: cancelled")
)

// RangeError is a task-level failure tagged with the range that produced
// it, satisfying the spec's RangeFailed(text) kind. It wraps the
// underlying cause so errors.Is/As still see through to it.
type RangeError struct {
	RangeID string
	Err     error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range %s: %s", e.RangeID, e.Err)
}

func (e *RangeError) Unwrap() error {
	return e.Err
}

func newRangeError(id string, err error) *RangeError {
	return &RangeError{RangeID: id, Err: err}
}
