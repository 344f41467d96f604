// Package observation turns commit broadcasts into refreshed query results.
// An Observation runs a caller-supplied fetch against the database, tracks
// the region of tables, columns and rows the fetch depends on, and re-runs
// the fetch whenever a committed write overlaps that region, delivering each
// fresh value to the caller's handler.
package observation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"go.litepool.dev/core/metrics"
	"go.litepool.dev/core/pool"
	"go.litepool.dev/core/region"
	"go.litepool.dev/core/sqlite"
)

// State of an Observation.
type State int

const (
	// Idle: constructed but not yet started.
	Idle State = iota
	// Starting: the initial fetch is running.
	Starting
	// Delivering: the initial value was delivered; commit broadcasts
	// overlapping the tracked region schedule re-fetches.
	Delivering
	// Failed: a fetch error stopped the observation. It does not retry.
	Failed
	// Cancelled: the caller cancelled the observation.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Delivering:
		return "Delivering"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "invalid"
	}
}

// ObservationError wraps an error encountered by a scheduled fetch. It is
// delivered to the observation's error handler as the observation
// transitions to Failed.
type ObservationError struct {
	Err error
}

func (e ObservationError) Error() string { return "observation failed: " + e.Err.Error() }
func (e ObservationError) Unwrap() error { return e.Err }

// Options of an Observation.
type Options[T any] struct {
	// Region declares the database region the fetch depends on. If nil,
	// the region is inferred from the statements the initial fetch
	// actually executes.
	Region *region.Region
	// Equal, if non-nil, suppresses deliveries of values equal to the
	// last-delivered one.
	Equal func(a, b T) bool
}

// Observation re-fetches and re-delivers the result of |fetch| as committed
// writes overlap its tracked region.
type Observation[T any] struct {
	db       *pool.DB
	fetch    func(context.Context, *pool.ReadTx) (T, error)
	onChange func(T)
	onError  func(error)
	opts     Options[T]

	// wake is the scheduling mailbox: a commit overlapping the tracked
	// region enqueues at most one pending re-fetch, coalescing bursts.
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	token  pool.ObserverToken

	// tracked is read lock-free by OnCommit on the writer loop: handlers
	// may themselves issue writes, so commit broadcasts must never wait
	// on a handler.
	tracked atomic.Pointer[region.Region]

	// mu guards state and last, and is held while a handler runs:
	// Cancel acquires it, so no handler fires after Cancel returns.
	mu    sync.Mutex
	state State
	has   bool
	last  T
}

// Handle cancels an Observation.
type Handle[T any] struct {
	o *Observation[T]
}

// Start begins observing |fetch| over |db|. The initial fetch runs
// asynchronously; its value is delivered to |onChange| once complete, and
// every overlapping commit thereafter schedules a re-fetch whose value is
// delivered the same way. A fetch error is delivered to |onError| as an
// ObservationError, stopping the observation.
//
// Handlers are invoked from the observation's own goroutine, never
// concurrently with themselves or each other.
func Start[T any](
	db *pool.DB,
	opts Options[T],
	fetch func(context.Context, *pool.ReadTx) (T, error),
	onChange func(T),
	onError func(error),
) (*Handle[T], error) {

	var ctx, cancel = context.WithCancel(context.Background())
	var o = &Observation[T]{
		db:       db,
		fetch:    fetch,
		onChange: onChange,
		onError:  onError,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		state:    Starting,
	}
	if opts.Region != nil {
		o.tracked.Store(opts.Region)
	} else {
		// Until the initial fetch infers the real region, any commit
		// is treated as overlapping.
		var full = region.Full()
		o.tracked.Store(&full)
	}

	// Register before the initial fetch so that a commit landing between
	// the two schedules a re-fetch rather than being missed.
	var token, err = db.AddObserver(ctx, (*regionWatcher[T])(o), sqlite.ExtentObserving)
	if err != nil {
		cancel()
		return nil, errors.WithMessage(err, "registering observation")
	}
	o.token = token

	go o.loop()
	return &Handle[T]{o: o}, nil
}

// State returns the observation's current state.
func (h *Handle[T]) State() State {
	h.o.mu.Lock()
	defer h.o.mu.Unlock()
	return h.o.state
}

// Cancel stops the observation. Once Cancel returns no further handler
// fires; the result of a fetch already in flight is discarded. Cancel is
// irreversible and must not be called from within a handler.
func (h *Handle[T]) Cancel() {
	var o = h.o

	o.mu.Lock()
	var done = o.state == Cancelled
	o.state = Cancelled
	o.mu.Unlock()
	if done {
		return
	}

	o.cancel()
	_ = o.db.RemoveObserver(context.Background(), o.token)
}

func (o *Observation[T]) loop() {
	if err := o.start(); err != nil {
		o.fail(err)
		return
	}

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.wake:
		}

		var value, err = o.runFetch()
		if err != nil {
			metrics.ObservationFetchesTotal.WithLabelValues(metrics.Fail).Inc()
			if o.ctx.Err() == nil {
				o.fail(err)
			}
			return
		}
		metrics.ObservationFetchesTotal.WithLabelValues(metrics.Ok).Inc()
		o.deliver(value)
	}
}

// start runs the initial fetch, inferring the tracked region when one was
// not declared, and delivers the initial value.
func (o *Observation[T]) start() error {
	var value T
	var err error

	if o.opts.Region != nil {
		err = o.db.Read(o.ctx, func(ctx context.Context, tx *pool.ReadTx) error {
			var ferr error
			value, ferr = o.fetch(ctx, tx)
			return ferr
		})
	} else {
		var inferred region.Region
		inferred, err = o.db.ReadTracked(o.ctx, func(ctx context.Context, tx *pool.ReadTx) error {
			var ferr error
			value, ferr = o.fetch(ctx, tx)
			return ferr
		})
		if err == nil {
			o.tracked.Store(&inferred)
		}
	}

	if err != nil {
		metrics.ObservationFetchesTotal.WithLabelValues(metrics.Fail).Inc()
		return err
	}
	metrics.ObservationFetchesTotal.WithLabelValues(metrics.Ok).Inc()
	o.deliver(value)
	return nil
}

func (o *Observation[T]) runFetch() (T, error) {
	var value T
	var err = o.db.Read(o.ctx, func(ctx context.Context, tx *pool.ReadTx) error {
		var ferr error
		value, ferr = o.fetch(ctx, tx)
		return ferr
	})
	return value, err
}

// deliver invokes onChange with |value| unless the observation was
// cancelled or the value duplicates the last delivery.
func (o *Observation[T]) deliver(value T) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == Cancelled {
		return
	}
	if o.opts.Equal != nil && o.has && o.opts.Equal(o.last, value) {
		o.state = Delivering
		return
	}
	o.state = Delivering
	o.last, o.has = value, true

	metrics.ObservationDeliveriesTotal.Inc()
	o.onChange(value)
}

func (o *Observation[T]) fail(err error) {
	_ = o.db.RemoveObserver(context.Background(), o.token)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == Cancelled {
		return
	}
	o.state = Failed
	if o.onError != nil {
		o.onError(ObservationError{Err: err})
	}
}

// regionWatcher adapts an Observation into a transaction observer which
// ignores row-level change events and reacts only to commit broadcasts.
// OnCommit runs on the writer loop, so it must only compare and signal.
type regionWatcher[T any] Observation[T]

func (w *regionWatcher[T]) Observes(sqlite.ChangeKind, string) bool { return false }
func (w *regionWatcher[T]) OnChange(sqlite.ChangeEvent) error       { return nil }
func (w *regionWatcher[T]) OnWillCommit() error                     { return nil }
func (w *regionWatcher[T]) OnRollback()                             {}

func (w *regionWatcher[T]) OnCommit(committed region.Region) {
	var o = (*Observation[T])(w)

	if !committed.Intersects(*o.tracked.Load()) {
		return
	}
	select {
	case o.wake <- struct{}{}:
	default:
		// A re-fetch is already pending; this trigger coalesces into it.
		metrics.ObservationTriggersCoalescedTotal.Inc()
	}
}
