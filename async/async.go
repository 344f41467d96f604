// Package async implements small primitives for awaiting the completion
// of operations which execute in the background.
package async

// OpFuture represents an operation which is executing in the background.
// The operation has completed when Done selects. Err may be invoked to
// determine whether the operation succeeded or failed.
type OpFuture interface {
	// Done selects when operation background execution has finished.
	Done() <-chan struct{}
	// Err blocks until Done() and returns the final error of the OpFuture.
	Err() error
}

// Operation is a simple, minimal implementation of the OpFuture interface.
type Operation struct {
	doneCh chan struct{} // Closed to signal operation has completed.
	err    error         // Error on operation completion.
}

// NewOperation returns a new, unresolved Operation.
func NewOperation() *Operation { return &Operation{doneCh: make(chan struct{})} }

// Done selects when Resolve is called.
func (o *Operation) Done() <-chan struct{} { return o.doneCh }

// Err blocks until Resolve is called, then returns its error.
func (o *Operation) Err() error {
	<-o.Done()
	return o.err
}

// Resolve marks the Operation as completed with the given error.
// Resolve must be called exactly once.
func (o *Operation) Resolve(err error) {
	o.err = err
	close(o.doneCh)
}

// FinishedOperation is a convenience that returns an already-resolved OpFuture.
func FinishedOperation(err error) OpFuture {
	var op = NewOperation()
	op.Resolve(err)
	return op
}
