package sqlite

import (
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"go.litepool.dev/core/region"
)

// ChangeKind is the kind of a row mutation.
type ChangeKind int

const (
	// Insert of a new row.
	Insert ChangeKind = iota
	// Update of an existing row.
	Update
	// Delete of an existing row.
	Delete
)

// String returns "insert", "update" or "delete".
func (k ChangeKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	default:
		return "delete"
	}
}

// ChangeEvent describes one row mutation. Events are ephemeral: they are
// valid only for the duration of the OnChange callback which receives them,
// and a consumer needing an event later must copy it.
type ChangeEvent struct {
	Kind  ChangeKind
	Table string
	Rowid int64
}

// TransactionObserver is notified of row mutations and transaction outcomes
// of the Conn it's registered with.
//
// OnChange and OnWillCommit run before the transaction commits: an error
// from either aborts the transaction (OnChange by failing the mutating
// statement, OnWillCommit by vetoing the commit itself). OnCommit and
// OnRollback run after the transaction's outcome is decided and must not
// fail; a panic from either is logged and suppressed, never propagated.
type TransactionObserver interface {
	// Observes filters which change events are delivered to OnChange.
	Observes(kind ChangeKind, table string) bool
	// OnChange is invoked synchronously for each matched row mutation,
	// before the mutating statement returns. Events held back by an open
	// savepoint are delivered only when the savepoint releases.
	OnChange(ChangeEvent) error
	// OnWillCommit is invoked as the transaction is about to commit.
	// A returned error vetoes the commit, rolling the transaction back.
	OnWillCommit() error
	// OnCommit is invoked after the transaction committed, with the region
	// touched by its delivered change events.
	OnCommit(region.Region)
	// OnRollback is invoked after the transaction rolled back.
	OnRollback()
}

// Extent bounds the lifetime of an observer registration.
type Extent int

const (
	// ExtentObserving registrations last until explicitly removed
	// or the Conn is closed.
	ExtentObserving Extent = iota
	// ExtentNextTransaction registrations are removed automatically
	// after the next commit or rollback.
	ExtentNextTransaction
)

// Token identifies an observer registration for later removal.
type Token uint64

// registration is a registry entry. Removed entries are tombstoned and
// pruned lazily at the next broadcast, so that removal during dispatch
// never reorders or skips live entries.
type registration struct {
	token   Token
	obs     TransactionObserver
	extent  Extent
	removed bool
}

// AddObserver registers |obs| with the given lifetime extent, returning a
// Token for removal. Registration must not run concurrently with statement
// execution on this Conn.
func (c *Conn) AddObserver(obs TransactionObserver, extent Extent) Token {
	c.nextToken++
	c.registry = append(c.registry, &registration{
		token:  c.nextToken,
		obs:    obs,
		extent: extent,
	})
	return c.nextToken
}

// RemoveObserver removes the registration identified by |token|.
// Removal of an unknown or already-removed token is a no-op.
func (c *Conn) RemoveObserver(token Token) {
	for _, r := range c.registry {
		if r.token == token {
			r.removed = true
			return
		}
	}
}

// savepointFrame buffers change events of one open savepoint. Events are
// delivered only when the savepoint releases, and are discarded by a
// rollback to the savepoint: only events with a chance of surviving to
// commit are ever broadcast.
type savepointFrame struct {
	name   string
	events []ChangeEvent
}

// frameIndex returns the index of the open savepoint |name|, or -1.
// SQLite resolves an ambiguous name to the most recent matching savepoint.
func (c *Conn) frameIndex(name string) int {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if strings.EqualFold(c.frames[i].name, name) {
			return i
		}
	}
	return -1
}

// replayFrames delivers events buffered by frames at and above |idx|,
// in their original execution order.
func (c *Conn) replayFrames(idx int) error {
	for i := idx; i != len(c.frames); i++ {
		for _, ev := range c.frames[i].events {
			c.deliver(ev)
		}
		c.frames[i].events = nil
	}
	if err := c.changeErr; err != nil {
		c.changeErr = nil
		return err
	}
	return nil
}

// onUpdateHook receives each row mutation from the engine. Events buffer
// under an open savepoint, and deliver immediately otherwise.
func (c *Conn) onUpdateHook(op int, _, table string, rowid int64) {
	var kind ChangeKind
	switch op {
	case sqlite3.SQLITE_INSERT:
		kind = Insert
	case sqlite3.SQLITE_UPDATE:
		kind = Update
	case sqlite3.SQLITE_DELETE:
		kind = Delete
	default:
		return
	}
	var ev = ChangeEvent{Kind: kind, Table: table, Rowid: rowid}

	if n := len(c.frames); n != 0 {
		c.frames[n-1].events = append(c.frames[n-1].events, ev)
		return
	}
	c.deliver(ev)
}

// deliver accumulates |ev| into the transaction's touched region and
// dispatches it to matching observers. The first observer error is
// retained, to fail the executing statement.
func (c *Conn) deliver(ev ChangeEvent) {
	if c.touched == nil {
		c.touched = make(map[string]map[int64]struct{})
	}
	var rows = c.touched[ev.Table]
	if rows == nil {
		rows = make(map[int64]struct{})
		c.touched[ev.Table] = rows
	}
	rows[ev.Rowid] = struct{}{}

	for _, r := range c.registry {
		if r.removed || !r.obs.Observes(ev.Kind, ev.Table) {
			continue
		}
		if err := r.obs.OnChange(ev); err != nil && c.changeErr == nil {
			c.changeErr = err
		}
	}
}

// onCommitHook runs as the engine is about to commit. A non-zero return
// vetoes the commit, converting it into a rollback.
func (c *Conn) onCommitHook() int {
	// A change of this transaction was already rejected by an observer.
	// Without a veto here an autocommit statement would commit its
	// rejected row before the statement error could surface.
	if c.changeErr != nil {
		return 1
	}
	for _, r := range c.registry {
		if r.removed {
			continue
		}
		if err := r.obs.OnWillCommit(); err != nil {
			c.vetoErr = err
			return 1
		}
	}
	c.commitPending = true
	return 0
}

func (c *Conn) onRollbackHook() {
	c.rollbackPending = true
}

// Authorizer action code and result, per sqlite3.h.
const (
	authRead = 20 // SQLITE_READ: arg1 is the table, arg2 the column.
	authOK   = 0  // SQLITE_OK: allow the action.
)

func (c *Conn) onAuthorize(op int, arg1, arg2, _ string) int {
	if op == authRead && c.readTracker != nil && arg1 != "" {
		c.readTracker(arg1, arg2)
	}
	return authOK
}

// txnRegion builds the Region of delivered change events of the current
// transaction, and resets the accumulator.
func (c *Conn) txnRegion() region.Region {
	var reg = region.Empty()
	for table, rows := range c.touched {
		var ids = make([]int64, 0, len(rows))
		for id := range rows {
			ids = append(ids, id)
		}
		reg = reg.Union(region.Rows(table, ids...))
	}
	c.touched = nil
	return reg
}

// broadcastCommit notifies observers of a committed transaction, then
// prunes removed and next-transaction registrations.
func (c *Conn) broadcastCommit() {
	var reg = c.txnRegion()
	for _, r := range c.registry {
		if !r.removed {
			safeNotify(c.id, "OnCommit", func() { r.obs.OnCommit(reg) })
		}
	}
	c.pruneRegistry()
}

// broadcastRollback notifies observers of a rolled-back transaction and
// resets all transaction state: buffered savepoint events are discarded
// and never observed downstream.
func (c *Conn) broadcastRollback() {
	c.inTxn = false
	c.frames = nil
	c.touched = nil

	for _, r := range c.registry {
		if !r.removed {
			safeNotify(c.id, "OnRollback", func() { r.obs.OnRollback() })
		}
	}
	c.pruneRegistry()
}

func (c *Conn) pruneRegistry() {
	var live = c.registry[:0]
	for _, r := range c.registry {
		if r.extent == ExtentNextTransaction {
			r.removed = true
		}
		if !r.removed {
			live = append(live, r)
		}
	}
	c.registry = live
}

// safeNotify suppresses observer panics raised after the transaction's
// outcome is already decided: they're reported out-of-band and must not
// affect that outcome.
func safeNotify(connID, callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"conn":     connID,
				"callback": callback,
				"panic":    r,
			}).Error("transaction observer panicked after transaction finished")
		}
	}()
	fn()
}

// stmtKind classifies transaction-control statements.
type stmtKind int

const (
	stmtOther stmtKind = iota
	stmtBegin
	stmtCommit
	stmtRollback
	stmtSavepoint
	stmtRelease
	stmtRollbackTo
)

// parseTxnControl classifies |query| as a transaction-control statement,
// returning its kind and savepoint name (if any). Statements are matched
// on leading keywords only; callers must issue transaction control as
// standalone statements.
func parseTxnControl(query string) (stmtKind, string) {
	var fields = strings.Fields(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if len(fields) == 0 {
		return stmtOther, ""
	}
	// Re-trim a trailing ';' attached to the last token.
	fields[len(fields)-1] = strings.TrimSuffix(fields[len(fields)-1], ";")

	switch {
	case strings.EqualFold(fields[0], "BEGIN"):
		return stmtBegin, ""
	case strings.EqualFold(fields[0], "COMMIT"), strings.EqualFold(fields[0], "END"):
		return stmtCommit, ""
	case strings.EqualFold(fields[0], "SAVEPOINT") && len(fields) == 2:
		return stmtSavepoint, unquoteIdent(fields[1])
	case strings.EqualFold(fields[0], "RELEASE"):
		return stmtRelease, unquoteIdent(fields[len(fields)-1])
	case strings.EqualFold(fields[0], "ROLLBACK"):
		for _, f := range fields[1:] {
			if strings.EqualFold(f, "TO") {
				return stmtRollbackTo, unquoteIdent(fields[len(fields)-1])
			}
		}
		return stmtRollback, ""
	}
	return stmtOther, ""
}

// IsTransactionControl is true for statements which begin, commit or roll
// back a transaction outright. Savepoint statements are not included: they
// nest within a managed transaction.
func IsTransactionControl(query string) bool {
	switch kind, _ := parseTxnControl(query); kind {
	case stmtBegin, stmtCommit, stmtRollback:
		return true
	}
	return false
}

func unquoteIdent(s string) string {
	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"',
			s[0] == '\'' && s[len(s)-1] == '\'',
			s[0] == '`' && s[len(s)-1] == '`':
			return s[1 : len(s)-1]
		}
	}
	return s
}
