// Package pool provides managed, concurrency-safe access to a single
// SQLite database file: a writer coordinator which serializes all mutating
// units of work in FIFO order, and a pool of read-only connections serving
// concurrent snapshot reads. DB is the single entry surface; work routed
// through Read and Write executes on a coordinated connection while the
// caller blocks for its result.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"go.litepool.dev/core/metrics"
	"go.litepool.dev/core/region"
	"go.litepool.dev/core/sqlite"
)

// Config of a DB.
type Config struct {
	// MaxReaders bounds concurrently executing reads. Zero selects the
	// default of 5. A negative value disables the reader pool entirely:
	// reads are then serialized with writes through the writer coordinator.
	MaxReaders int
	// AcquireTimeout bounds how long a Read waits for an idle reader
	// connection before failing with ErrPoolTimeout. Zero means no
	// default timeout; a deadline on the Read context still applies.
	AcquireTimeout time.Duration
	// MaxQueueDepth bounds queued write submissions. Zero means unbounded;
	// past the watermark, Write fails fast with ErrBusy.
	MaxQueueDepth int
	// BusyTimeout of the underlying SQLite busy handler.
	BusyTimeout time.Duration
	// StmtCacheSize bounds each connection's prepared-statement cache.
	StmtCacheSize int
}

// DefaultMaxReaders applies when Config.MaxReaders is zero.
const DefaultMaxReaders = 5

// DB provides coordinated access to one SQLite database file.
type DB struct {
	path    string
	cfg     Config
	writer  *writer
	readers *readerPool
	closed  atomic.Bool
}

// Open a DB against the database file at |path|, creating it if absent.
func Open(path string, cfg Config) (*DB, error) {
	if cfg.MaxReaders == 0 {
		cfg.MaxReaders = DefaultMaxReaders
	}
	var opts = sqlite.Options{
		BusyTimeout:   cfg.BusyTimeout,
		StmtCacheSize: cfg.StmtCacheSize,
	}

	var w, err = newWriter(path, opts, cfg.MaxQueueDepth)
	if err != nil {
		return nil, err
	}
	var db = &DB{path: path, cfg: cfg, writer: w}

	if cfg.MaxReaders > 0 {
		var roOpts = opts
		roOpts.Mode = sqlite.ReadOnly
		db.readers = newReaderPool(path, roOpts, cfg.MaxReaders, cfg.AcquireTimeout)
	}

	log.WithFields(log.Fields{"path": path, "maxReaders": cfg.MaxReaders}).
		Info("opened database pool")
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close the DB: the writer loop stops after in-flight work completes, and
// reader connections are closed. Callers blocked in Read or Write fail
// with ErrClosed.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	db.writer.stop()
	if db.readers != nil {
		db.readers.close()
	}
	log.WithField("path", db.path).Info("closed database pool")
	return nil
}

// writeMarker marks a context as executing within a Write of a given DB,
// for reentrancy detection and for reads issued from within that write.
type writeMarkerKey struct{}

type writeMarker struct {
	w    *writer
	conn *sqlite.Conn
}

// Write submits |fn| to the writer coordinator and blocks until it
// completes. |fn| runs wrapped in an immediate transaction which commits
// if it returns nil and rolls back on any error or context cancellation;
// its error is rethrown verbatim. Submissions are admitted in FIFO order.
// A Write issued from within another Write of the same DB fails with
// ErrReentrantWrite rather than deadlocking.
func (db *DB) Write(ctx context.Context, fn func(context.Context, *WriteTx) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if m, ok := ctx.Value(writeMarkerKey{}).(*writeMarker); ok && m.w == db.writer {
		return ErrReentrantWrite
	}

	var began = time.Now()
	var err = db.writer.submit(ctx, func(conn *sqlite.Conn) error {
		return serveWrite(ctx, conn, db.writer, fn)
	})

	metrics.WriteDurationTotal.Add(time.Since(began).Seconds())
	if err != nil {
		metrics.WriteCountTotal.WithLabelValues(metrics.Fail).Inc()
	} else {
		metrics.WriteCountTotal.WithLabelValues(metrics.Ok).Inc()
	}
	return err
}

func serveWrite(ctx context.Context, conn *sqlite.Conn, w *writer, fn func(context.Context, *WriteTx) error) error {
	if _, err := conn.Exec("BEGIN IMMEDIATE"); err != nil {
		return err
	}
	var tx = &WriteTx{ReadTx: ReadTx{conn: conn}}
	var inner = context.WithValue(ctx, writeMarkerKey{}, &writeMarker{w: w, conn: conn})

	var err = fn(inner, tx)
	tx.conn = nil

	if err == nil {
		err = ctx.Err() // A cancelled write rolls back rather than commits.
	}
	if err == nil {
		if _, cerr := conn.Exec("COMMIT"); cerr != nil {
			err = cerr
		}
	}
	if err != nil && conn.Depth() != 0 {
		if _, rerr := conn.Exec("ROLLBACK"); rerr != nil {
			log.WithFields(log.Fields{"conn": conn.ID(), "err": rerr}).
				Error("failed to roll back write transaction")
		}
	}
	return err
}

// Read executes |fn| against a consistent snapshot of the database and
// blocks until it completes, returning its error verbatim. The snapshot
// is fixed at the first statement |fn| executes and ignores writes
// committed afterward, for the duration of the read.
//
// A Read issued from within a Write of the same DB executes directly on
// the writer's connection, inside the write's transaction. With a negative
// Config.MaxReaders, reads are serialized with writes instead of running
// concurrently, and that serialization rather than a pinned snapshot
// isolates them.
func (db *DB) Read(ctx context.Context, fn func(context.Context, *ReadTx) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if m, ok := ctx.Value(writeMarkerKey{}).(*writeMarker); ok && m.w == db.writer {
		return readOnConn(ctx, m.conn, fn)
	}

	var began = time.Now()
	var err error

	if db.readers == nil {
		err = db.writer.submit(ctx, func(conn *sqlite.Conn) error {
			return readOnConn(ctx, conn, fn)
		})
	} else {
		var conn *sqlite.Conn
		if conn, err = db.readers.acquire(ctx); err == nil {
			err = readSnapshot(ctx, conn, fn)
			db.readers.release(conn)
		}
	}

	metrics.ReadDurationTotal.Add(time.Since(began).Seconds())
	if err != nil {
		metrics.ReadCountTotal.WithLabelValues(metrics.Fail).Inc()
	} else {
		metrics.ReadCountTotal.WithLabelValues(metrics.Ok).Inc()
	}
	return err
}

// ReadTracked executes |fn| as Read does, and additionally infers the
// database region its statements touch, reported through the engine's
// authorizer. With the reader pool disabled the region cannot be inferred
// and a full-database region is returned instead, which over-approximates
// every possible read.
func (db *DB) ReadTracked(ctx context.Context, fn func(context.Context, *ReadTx) error) (region.Region, error) {
	if db.closed.Load() {
		return region.Empty(), ErrClosed
	}
	if db.readers == nil {
		return region.Full(), db.Read(ctx, fn)
	}

	var began = time.Now()
	var reg region.Region
	var conn, err = db.readers.acquire(ctx)
	if err == nil {
		reg, err = conn.TrackReads(func() error {
			return readSnapshot(ctx, conn, fn)
		})
		db.readers.release(conn)
	}

	metrics.ReadDurationTotal.Add(time.Since(began).Seconds())
	if err != nil {
		metrics.ReadCountTotal.WithLabelValues(metrics.Fail).Inc()
		return region.Empty(), err
	}
	metrics.ReadCountTotal.WithLabelValues(metrics.Ok).Inc()
	return reg, nil
}

// readSnapshot runs |fn| on a pooled read-only connection, inside a
// deferred transaction which pins its snapshot.
func readSnapshot(ctx context.Context, conn *sqlite.Conn, fn func(context.Context, *ReadTx) error) error {
	if _, err := conn.Exec("BEGIN"); err != nil {
		return err
	}
	var tx = &ReadTx{conn: conn}
	var err = fn(ctx, tx)
	tx.conn = nil

	// A read has no effects to commit; always unwind the snapshot.
	if _, rerr := conn.Exec("ROLLBACK"); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// readOnConn runs |fn| on the writer's read-write connection. The engine
// is switched to query-only mode for the duration, so mutating statements
// fail even though the capability restriction of ReadTx is bypassed with
// raw SQL. No transaction is opened: the read is either already inside
// the surrounding write's transaction, or serialized with all mutating
// work by the writer loop. A begin/rollback cycle on this connection
// would spuriously notify its transaction observers of a rollback.
func readOnConn(ctx context.Context, conn *sqlite.Conn, fn func(context.Context, *ReadTx) error) error {
	if _, err := conn.Exec("PRAGMA query_only = ON"); err != nil {
		return err
	}
	defer func() {
		if _, err := conn.Exec("PRAGMA query_only = OFF"); err != nil {
			log.WithFields(log.Fields{"conn": conn.ID(), "err": err}).
				Error("failed to restore query_only mode")
		}
	}()

	var tx = &ReadTx{conn: conn}
	defer func() { tx.conn = nil }()
	return fn(ctx, tx)
}

// AddObserver registers |obs| with the writer connection. Registration is
// serialized with statement execution by running on the writer loop. An
// ExtentObserving registration survives transparent replacement of the
// writer connection; an ExtentNextTransaction registration does not.
func (db *DB) AddObserver(ctx context.Context, obs sqlite.TransactionObserver, extent sqlite.Extent) (ObserverToken, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	var token ObserverToken
	var err = db.writer.submit(ctx, func(conn *sqlite.Conn) error {
		token = db.writer.register(conn, obs, extent)
		return nil
	})
	return token, err
}

// RemoveObserver removes a registration made with AddObserver.
func (db *DB) RemoveObserver(ctx context.Context, token ObserverToken) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.writer.submit(ctx, func(conn *sqlite.Conn) error {
		db.writer.remove(conn, token)
		return nil
	})
}
