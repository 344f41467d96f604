package sqlite

import (
	"database/sql/driver"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.litepool.dev/core/region"
)

// Mode of a Conn.
type Mode int

const (
	// ReadWrite connections may mutate the database, and fire change
	// notifications to registered observers.
	ReadWrite Mode = iota
	// ReadOnly connections reject mutating statements at the engine level,
	// and additionally support read tracking for region inference.
	ReadOnly
)

// Options configure a Conn at Open.
type Options struct {
	// Mode of the connection. Defaults to ReadWrite.
	Mode Mode
	// BusyTimeout applied via SQLite's busy handler. Defaults to one second.
	BusyTimeout time.Duration
	// StmtCacheSize bounds the prepared-statement LRU cache.
	// Defaults to 64 statements.
	StmtCacheSize int
	// URIValues are additional SQLite URI parameters, merged over this
	// package's defaults (WAL journal mode, NORMAL synchronous).
	URIValues url.Values
}

// ErrNoRows is returned by QueryRow when the query matches no row.
var ErrNoRows = errors.New("no rows in result set")

// ErrPoisoned is returned by operations on a Conn which previously
// encountered an unrecoverable engine error. The Conn's owner must
// discard it and open a replacement.
var ErrPoisoned = errors.New("connection poisoned by a prior unrecoverable error")

// Conn wraps one native SQLite connection handle. See the package
// documentation for its (single execution context) usage contract.
type Conn struct {
	id   string // Short identity used in log fields.
	mode Mode
	sc   *sqlite3.SQLiteConn
	// Prepared statements cached by SQL text. Evicted statements are closed.
	stmts *lru.Cache

	inTxn    bool             // An explicit BEGIN transaction is open.
	frames   []savepointFrame // Open savepoints, oldest first.
	poisoned bool

	registry  []*registration
	nextToken Token

	// Rowids touched by delivered change events of the current transaction.
	touched map[string]map[int64]struct{}

	changeErr       error // First observer error of the current statement.
	vetoErr         error // Observer error which vetoed the commit.
	commitPending   bool  // Commit hook fired during the current statement.
	rollbackPending bool  // Rollback hook fired during the current statement.

	// When non-nil, the authorizer reports each (table, column) read.
	readTracker func(table, column string)
}

// Open a Conn against the database file at |path|.
func Open(path string, opt Options) (*Conn, error) {
	if opt.BusyTimeout == 0 {
		opt.BusyTimeout = time.Second
	}
	if opt.StmtCacheSize == 0 {
		opt.StmtCacheSize = 64
	}

	var v = url.Values{
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
		"_busy_timeout": {strconv.FormatInt(opt.BusyTimeout.Milliseconds(), 10)},
	}
	for k, vals := range opt.URIValues {
		v[k] = vals
	}
	if opt.Mode == ReadOnly {
		v.Set("mode", "ro")
	}

	var d sqlite3.SQLiteDriver
	var dc, err = d.Open("file:" + path + "?" + v.Encode())
	if err != nil {
		return nil, errors.WithMessagef(err, "opening SQLite database %q", path)
	}

	var c = &Conn{
		id:   uuid.NewString()[:8],
		mode: opt.Mode,
		sc:   dc.(*sqlite3.SQLiteConn),
	}
	c.stmts, err = lru.NewWithEvict(opt.StmtCacheSize, c.onStmtEvict)
	if err != nil {
		_ = c.sc.Close()
		return nil, err
	}

	if opt.Mode == ReadWrite {
		c.sc.RegisterUpdateHook(c.onUpdateHook)
		c.sc.RegisterCommitHook(c.onCommitHook)
		c.sc.RegisterRollbackHook(c.onRollbackHook)
	} else {
		// The authorizer is registered once and consults |readTracker|,
		// so that enabling and disabling tracking never re-registers.
		c.sc.RegisterAuthorizer(c.onAuthorize)
	}

	log.WithFields(log.Fields{"conn": c.id, "path": path, "mode": opt.Mode}).
		Debug("opened SQLite connection")
	return c, nil
}

// ID returns a short, unique identity of this Conn, suitable for log fields.
func (c *Conn) ID() string { return c.id }

// Mode returns the Conn's mode.
func (c *Conn) Mode() Mode { return c.mode }

// Poisoned is true if the Conn encountered an unrecoverable engine error.
// A poisoned Conn must be discarded by its owner, never reused.
func (c *Conn) Poisoned() bool { return c.poisoned }

// Poison marks the Conn as having failed unrecoverably, as an engine
// corruption or I/O error would. It exists for tests of connection
// replacement strategies.
func (c *Conn) Poison() { c.poisoned = true }

// Depth returns the current transaction depth: zero in autocommit mode,
// otherwise one for an open BEGIN plus one per open savepoint.
func (c *Conn) Depth() int {
	var d = len(c.frames)
	if c.inTxn {
		d++
	}
	return d
}

// Close the Conn, releasing cached statements and the native handle.
func (c *Conn) Close() error {
	c.stmts.Purge()
	var err = c.sc.Close()
	log.WithFields(log.Fields{"conn": c.id, "err": err}).Debug("closed SQLite connection")
	return err
}

// Exec executes a single statement, returning the number of affected rows.
// Transaction-control statements (BEGIN, COMMIT, ROLLBACK, SAVEPOINT,
// RELEASE, ROLLBACK TO) must be issued standalone, not within multi-statement
// scripts, so that the Conn can track transaction state. A statement with no
// arguments may contain multiple ';'-separated statements (eg, schema
// bootstrap), provided none is transaction control.
func (c *Conn) Exec(query string, args ...interface{}) (int64, error) {
	if c.poisoned {
		return 0, ErrPoisoned
	}
	var kind, name = parseTxnControl(query)

	// A RELEASE replays events held back by the released savepoint frames
	// just before the engine releases them: they now have a chance of
	// surviving to commit. An observer error aborts before the engine
	// ever sees the RELEASE. COMMIT implicitly releases all outstanding
	// savepoints and replays every frame.
	if kind == stmtRelease && c.frameIndex(name) != -1 {
		if err := c.replayFrames(c.frameIndex(name)); err != nil {
			return 0, err
		}
	} else if kind == stmtCommit && len(c.frames) != 0 {
		if err := c.replayFrames(0); err != nil {
			return 0, err
		}
	}

	var res driver.Result
	var err error

	if len(args) == 0 {
		res, err = c.sc.Exec(query, nil)
	} else {
		var dv []driver.Value
		if dv, err = normalizeArgs(args); err == nil {
			var stmt *cachedStmt
			if stmt, err = c.prepare(query); err == nil {
				res, err = stmt.st.Exec(dv)
				c.release(stmt)
			}
		}
	}
	return c.finishStatement(res, err, kind, name)
}

// finishStatement applies post-execution bookkeeping common to Exec and
// Query: transaction state tracking, surfacing of observer errors, and
// commit/rollback broadcasts queued by engine hooks.
func (c *Conn) finishStatement(res driver.Result, err error, kind stmtKind, name string) (int64, error) {
	if err == nil {
		switch kind {
		case stmtBegin:
			c.inTxn = true
		case stmtCommit:
			c.inTxn = false
			c.frames = nil
		case stmtRollback:
			c.inTxn = false
			c.frames = nil
		case stmtSavepoint:
			c.frames = append(c.frames, savepointFrame{name: name})
		case stmtRelease:
			if i := c.frameIndex(name); i != -1 {
				c.frames = c.frames[:i]
			}
		case stmtRollbackTo:
			// Discard events buffered at and below the savepoint:
			// they can no longer survive. The frame itself stays open.
			if i := c.frameIndex(name); i != -1 {
				c.frames = c.frames[:i+1]
				c.frames[i].events = nil
			}
		}
	}

	// An observer error raised during change notification aborts the
	// statement, and thereby the surrounding transaction. An autocommit
	// statement fails at the engine with a vetoed implicit commit; the
	// observer's error takes precedence over that generic engine error.
	if c.changeErr != nil {
		err = c.changeErr
	}
	c.changeErr = nil

	// A commit vetoed by an observer surfaces the observer's error rather
	// than the engine's generic constraint failure.
	if err != nil && c.vetoErr != nil {
		err = errors.WithMessage(c.vetoErr, "commit vetoed by transaction observer")
	}
	c.vetoErr = nil

	if err != nil && isUnrecoverable(err) {
		c.poisoned = true
		log.WithFields(log.Fields{"conn": c.id, "err": err}).
			Error("SQLite connection poisoned by unrecoverable error")
	}

	if c.commitPending {
		c.commitPending = false
		c.broadcastCommit()
	}
	if c.rollbackPending {
		c.rollbackPending = false
		c.broadcastRollback()
	}

	if err != nil {
		return 0, err
	}
	var n int64
	if res != nil {
		n, _ = res.RowsAffected()
	}
	return n, nil
}

// Query executes a statement and returns a Rows iterator over its results.
// The returned Rows must be closed before the next statement executes.
func (c *Conn) Query(query string, args ...interface{}) (*Rows, error) {
	if c.poisoned {
		return nil, ErrPoisoned
	}
	var dv, err = normalizeArgs(args)
	if err != nil {
		return nil, err
	}
	stmt, err := c.prepare(query)
	if err != nil {
		return nil, err
	}
	dr, err := stmt.st.Query(dv)
	if err != nil {
		c.release(stmt)
		if isUnrecoverable(err) {
			c.poisoned = true
		}
		return nil, err
	}
	return &Rows{conn: c, stmt: stmt, dr: dr, cols: dr.Columns()}, nil
}

// QueryRow executes a statement expected to return at most one row, scanning
// it into |dests|. It returns ErrNoRows if the query matches no row.
func (c *Conn) QueryRow(query string, args []interface{}, dests ...interface{}) error {
	var rows, err = c.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return rows.Err()
		}
		return ErrNoRows
	}
	return rows.Scan(dests...)
}

// TrackReads invokes |fn| while recording every (table, column) read by
// statements executed on this Conn, and returns the union of reads as a
// Region. It requires a ReadOnly Conn.
func (c *Conn) TrackReads(fn func() error) (region.Region, error) {
	if c.mode != ReadOnly {
		return region.Empty(), errors.New("read tracking requires a read-only connection")
	}
	// Authorizer callbacks fire as statements are prepared, so cached
	// statements must be re-prepared to be tracked.
	c.stmts.Purge()

	var reg = region.Empty()
	c.readTracker = func(table, column string) {
		if column == "" {
			reg = reg.Union(region.Table(table))
		} else {
			reg = reg.Union(region.Columns(table, column))
		}
	}
	defer func() { c.readTracker = nil }()

	var err = fn()
	return reg, err
}

// cachedStmt pairs a prepared statement with an in-use flag: statements with
// open result rows must not be closed by LRU eviction or handed out twice.
type cachedStmt struct {
	sql   string
	st    driver.Stmt
	inUse bool
}

func (c *Conn) prepare(query string) (*cachedStmt, error) {
	if v, ok := c.stmts.Get(query); ok {
		var stmt = v.(*cachedStmt)
		if !stmt.inUse {
			stmt.inUse = true
			return stmt, nil
		}
		// The cached statement is busy (eg, Exec within Query iteration).
		// Fall through to prepare an uncached duplicate.
	}
	var st, err = c.sc.Prepare(query)
	if err != nil {
		return nil, errors.WithMessagef(err, "preparing statement %q", query)
	}
	var stmt = &cachedStmt{sql: query, st: st, inUse: true}
	c.stmts.ContainsOrAdd(query, stmt)
	return stmt, nil
}

// release returns a statement to the cache, or closes it if it was never
// admitted (a duplicate of a busy cached statement).
func (c *Conn) release(stmt *cachedStmt) {
	if v, ok := c.stmts.Peek(stmt.sql); ok && v.(*cachedStmt) == stmt {
		stmt.inUse = false
		return
	}
	if err := stmt.st.Close(); err != nil {
		log.WithFields(log.Fields{"conn": c.id, "err": err}).
			Warn("failed to close SQLite statement")
	}
}

func (c *Conn) onStmtEvict(_, v interface{}) {
	var stmt = v.(*cachedStmt)
	if stmt.inUse {
		// Let release() close it once iteration completes.
		return
	}
	if err := stmt.st.Close(); err != nil {
		log.WithFields(log.Fields{"conn": c.id, "err": err}).
			Warn("failed to close evicted SQLite statement")
	}
}

// Rows iterates the result rows of a Query.
type Rows struct {
	conn *Conn
	stmt *cachedStmt
	dr   driver.Rows
	cols []string
	vals []driver.Value
	err  error
	done bool
}

// Columns returns the result column names.
func (r *Rows) Columns() []string { return r.cols }

// Next advances to the next row, returning false at the end of the result
// set or on error (consult Err to distinguish).
func (r *Rows) Next() bool {
	if r.done {
		return false
	}
	if r.vals == nil {
		r.vals = make([]driver.Value, len(r.cols))
	}
	switch err := r.dr.Next(r.vals); err {
	case nil:
		return true
	case io.EOF:
		r.done = true
		return false
	default:
		r.err, r.done = err, true
		if isUnrecoverable(err) {
			r.conn.poisoned = true
		}
		return false
	}
}

// Err returns the error which terminated iteration, if any.
func (r *Rows) Err() error { return r.err }

// Scan copies the current row's values into |dests|.
func (r *Rows) Scan(dests ...interface{}) error {
	if len(dests) != len(r.vals) {
		return errors.Errorf("expected %d scan destinations, got %d", len(r.vals), len(dests))
	}
	for i, d := range dests {
		if err := scanValue(r.vals[i], d); err != nil {
			return errors.WithMessagef(err, "scanning column %q", r.cols[i])
		}
	}
	return nil
}

// Close releases the iterator and returns its statement to the cache.
// Statements with a RETURNING clause mutate rows during iteration; Close
// additionally surfaces any observer error and fires broadcasts queued by
// engine hooks during such a query.
func (r *Rows) Close() error {
	if r.stmt == nil {
		return nil
	}
	var err = r.dr.Close()
	r.conn.release(r.stmt)
	r.stmt = nil

	_, err = r.conn.finishStatement(nil, err, stmtOther, "")
	return err
}

func normalizeArgs(args []interface{}) ([]driver.Value, error) {
	var out = make([]driver.Value, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case nil:
			out[i] = nil
		case bool:
			out[i] = v
		case int:
			out[i] = int64(v)
		case int32:
			out[i] = int64(v)
		case int64:
			out[i] = v
		case uint32:
			out[i] = int64(v)
		case float64:
			out[i] = v
		case string:
			out[i] = v
		case []byte:
			out[i] = v
		case time.Time:
			out[i] = v
		default:
			return nil, errors.Errorf("unsupported argument type %T at index %d", a, i)
		}
	}
	return out, nil
}

func scanValue(src driver.Value, dest interface{}) error {
	switch d := dest.(type) {
	case *interface{}:
		*d = src
		return nil
	case *int64:
		if v, ok := src.(int64); ok {
			*d = v
			return nil
		}
	case *int:
		if v, ok := src.(int64); ok {
			*d = int(v)
			return nil
		}
	case *float64:
		switch v := src.(type) {
		case float64:
			*d = v
			return nil
		case int64:
			*d = float64(v)
			return nil
		}
	case *bool:
		if v, ok := src.(int64); ok {
			*d = v != 0
			return nil
		}
	case *string:
		switch v := src.(type) {
		case string:
			*d = v
			return nil
		case []byte:
			*d = string(v)
			return nil
		}
	case *[]byte:
		switch v := src.(type) {
		case []byte:
			*d = append([]byte(nil), v...)
			return nil
		case string:
			*d = []byte(v)
			return nil
		}
	case *time.Time:
		if v, ok := src.(time.Time); ok {
			*d = v
			return nil
		}
	default:
		return errors.Errorf("unsupported scan destination type %T", dest)
	}
	return fmt.Errorf("cannot scan %T into %T", src, dest)
}

// isUnrecoverable classifies engine errors which poison the Conn.
// Constraint violations and busy conditions are recoverable at the
// transaction level; corruption and I/O failures are not.
func isUnrecoverable(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrNomem:
		return true
	}
	return false
}

// IsEngineError is true if |err| originated from the SQLite engine.
func IsEngineError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se)
}
