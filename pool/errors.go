package pool

import "github.com/pkg/errors"

// ConcurrencyError distinguishes coordination failures (pool timeouts,
// reentrancy violations, shutdown races) from engine errors raised during
// statement execution. Callers may retry busy conditions, but never
// constraint or other engine errors.
type ConcurrencyError struct {
	reason string
}

func (e *ConcurrencyError) Error() string { return e.reason }

var (
	// ErrBusy is returned when a bounded write queue is at its watermark.
	ErrBusy = &ConcurrencyError{reason: "write queue is full"}
	// ErrPoolTimeout is returned when no reader connection became
	// available within the acquisition deadline.
	ErrPoolTimeout = &ConcurrencyError{reason: "timed out waiting for a reader connection"}
	// ErrReentrantWrite is returned by a Write issued from within
	// another Write of the same DB.
	ErrReentrantWrite = &ConcurrencyError{reason: "reentrant write within a write"}
	// ErrClosed is returned once the DB has been closed.
	ErrClosed = &ConcurrencyError{reason: "database pool is closed"}
	// ErrTxDone is returned by use of a WriteTx or ReadTx after its
	// unit of work returned.
	ErrTxDone = &ConcurrencyError{reason: "transaction has already completed"}
)

// IsConcurrencyError is true if |err| is (or wraps) a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}
