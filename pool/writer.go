package pool

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.litepool.dev/core/async"
	"go.litepool.dev/core/metrics"
	"go.litepool.dev/core/sqlite"
)

// ObserverToken identifies an observer registration made through a DB.
// Unlike sqlite.Token, it remains valid across transparent replacement
// of the writer connection.
type ObserverToken uint64

// writeOp is one queued unit of work for the writer loop.
type writeOp struct {
	ctx   context.Context
	serve func(*sqlite.Conn) error
	done  *async.Operation
}

// writer serializes all mutating access to the database through a single
// connection, owned exclusively by its loop goroutine. Units of work are
// admitted in FIFO submission order, which is also commit order.
type writer struct {
	path string
	opts sqlite.Options

	ch      chan writeOp
	bounded bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Fields below are owned by the loop goroutine.
	conn      *sqlite.Conn
	observers map[ObserverToken]*observerEntry
	nextToken ObserverToken
}

// observerEntry mirrors an ExtentObserving registration so it can be
// re-registered if the writer connection is replaced after failure.
type observerEntry struct {
	obs       sqlite.TransactionObserver
	connToken sqlite.Token
}

func newWriter(path string, opts sqlite.Options, queueDepth int) (*writer, error) {
	var conn, err = sqlite.Open(path, opts)
	if err != nil {
		return nil, errors.WithMessage(err, "opening writer connection")
	}
	var w = &writer{
		path:      path,
		opts:      opts,
		ch:        make(chan writeOp, queueDepth),
		bounded:   queueDepth > 0,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		conn:      conn,
		observers: make(map[ObserverToken]*observerEntry),
	}
	go w.loop()
	return w, nil
}

// submit queues |serve| for execution on the writer loop and blocks the
// caller until it completes, returning its error. Submissions are admitted
// strictly in FIFO order.
func (w *writer) submit(ctx context.Context, serve func(*sqlite.Conn) error) error {
	var op = writeOp{ctx: ctx, serve: serve, done: async.NewOperation()}

	if w.bounded {
		select {
		case <-w.stopCh:
			return ErrClosed
		default:
		}
		select {
		case w.ch <- op:
		default:
			metrics.WriteQueueRejectedTotal.Inc()
			return ErrBusy
		}
	} else {
		select {
		case w.ch <- op:
		case <-w.stopCh:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// A bounded submission can race shutdown: its op may land in the queue
	// buffer after the loop drained it. Fall back to ErrClosed in that case.
	select {
	case <-op.done.Done():
		return op.done.Err()
	case <-w.doneCh:
		select {
		case <-op.done.Done():
			return op.done.Err()
		default:
			return ErrClosed
		}
	}
}

func (w *writer) loop() {
	defer close(w.doneCh)
	for {
		select {
		case op := <-w.ch:
			op.done.Resolve(w.serve(op))
		case <-w.stopCh:
			w.drain()
			return
		}
	}
}

// drain fails queued submissions and closes the connection at shutdown.
func (w *writer) drain() {
	for {
		select {
		case op := <-w.ch:
			op.done.Resolve(ErrClosed)
		default:
			if w.conn != nil {
				if err := w.conn.Close(); err != nil {
					log.WithField("err", err).Warn("failed to close writer connection")
				}
				w.conn = nil
			}
			return
		}
	}
}

func (w *writer) serve(op writeOp) error {
	if err := op.ctx.Err(); err != nil {
		return err
	}
	if err := w.ensureConn(); err != nil {
		return err
	}
	return op.serve(w.conn)
}

// ensureConn transparently replaces a poisoned writer connection before the
// next unit of work, re-registering mirrored observers. If the database
// file itself is unusable, the open error surfaces to each waiting caller.
func (w *writer) ensureConn() error {
	if w.conn != nil && !w.conn.Poisoned() {
		return nil
	}
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			log.WithField("err", err).Warn("failed to close poisoned writer connection")
		}
		w.conn = nil
	}
	var conn, err = sqlite.Open(w.path, w.opts)
	if err != nil {
		return errors.WithMessage(err, "replacing writer connection")
	}
	for _, e := range w.observers {
		e.connToken = conn.AddObserver(e.obs, sqlite.ExtentObserving)
	}
	w.conn = conn
	log.WithField("conn", conn.ID()).Info("replaced writer connection")
	return nil
}

// register and remove run on the writer loop, which owns the registry.
// Only ExtentObserving registrations are mirrored for re-registration:
// an ExtentNextTransaction registration does not survive replacement of
// the writer connection.
func (w *writer) register(conn *sqlite.Conn, obs sqlite.TransactionObserver, extent sqlite.Extent) ObserverToken {
	w.nextToken++
	var connToken = conn.AddObserver(obs, extent)
	if extent == sqlite.ExtentObserving {
		w.observers[w.nextToken] = &observerEntry{obs: obs, connToken: connToken}
	}
	return w.nextToken
}

func (w *writer) remove(conn *sqlite.Conn, token ObserverToken) {
	if e, ok := w.observers[token]; ok {
		conn.RemoveObserver(e.connToken)
		delete(w.observers, token)
	}
}

func (w *writer) stop() {
	close(w.stopCh)
	<-w.doneCh
}
