package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"go.litepool.dev/core/metrics"
	"go.litepool.dev/core/sqlite"
)

// readerPool hands out read-only connections against the database file,
// at most |max| concurrently. Connections are opened lazily, recycled
// across reads, and replaced with fresh ones after failure.
type readerPool struct {
	path           string
	opts           sqlite.Options
	acquireTimeout time.Duration

	sem      *semaphore.Weighted
	closeCtx context.Context
	closeFn  context.CancelFunc

	mu     sync.Mutex
	idle   []*sqlite.Conn
	closed bool
}

func newReaderPool(path string, opts sqlite.Options, max int, acquireTimeout time.Duration) *readerPool {
	var closeCtx, closeFn = context.WithCancel(context.Background())
	return &readerPool{
		path:           path,
		opts:           opts,
		acquireTimeout: acquireTimeout,
		sem:            semaphore.NewWeighted(int64(max)),
		closeCtx:       closeCtx,
		closeFn:        closeFn,
	}
}

// acquire returns an idle reader connection, blocking while all are in use.
// It fails with ErrPoolTimeout past the configured or context deadline,
// and with ErrClosed if the pool shuts down while the caller waits.
func (p *readerPool) acquire(ctx context.Context) (*sqlite.Conn, error) {
	if p.acquireTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
			defer cancel()
		}
	}
	// Pool closure must wake blocked waiters.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(p.closeCtx, cancel)()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		switch {
		case p.closeCtx.Err() != nil:
			return nil, ErrClosed
		case errors.Is(err, context.DeadlineExceeded):
			metrics.ReaderAcquireTimeoutsTotal.Inc()
			return nil, ErrPoolTimeout
		default:
			return nil, err
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	if n := len(p.idle); n != 0 {
		var conn = p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	var conn, err = sqlite.Open(p.path, p.opts)
	if err != nil {
		p.sem.Release(1)
		return nil, errors.WithMessage(err, "opening reader connection")
	}
	return conn, nil
}

// release reclaims a reader after use, resetting any leftover transaction
// state so the next caller starts clean. A poisoned or unresettable reader
// is dropped; its replacement opens lazily on a future acquire.
func (p *readerPool) release(conn *sqlite.Conn) {
	defer p.sem.Release(1)

	var drop = conn.Poisoned()
	if !drop && conn.Depth() != 0 {
		if _, err := conn.Exec("ROLLBACK"); err != nil {
			log.WithFields(log.Fields{"conn": conn.ID(), "err": err}).
				Warn("failed to reset reader connection")
			drop = true
		}
	}

	p.mu.Lock()
	if p.closed || drop {
		p.mu.Unlock()
		if drop {
			metrics.ReaderReplacedTotal.Inc()
		}
		if err := conn.Close(); err != nil {
			log.WithFields(log.Fields{"conn": conn.ID(), "err": err}).
				Warn("failed to close reader connection")
		}
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

func (p *readerPool) close() {
	p.closeFn()

	p.mu.Lock()
	var idle = p.idle
	p.idle, p.closed = nil, true
	p.mu.Unlock()

	for _, conn := range idle {
		if err := conn.Close(); err != nil {
			log.WithFields(log.Fields{"conn": conn.ID(), "err": err}).
				Warn("failed to close reader connection")
		}
	}
}
