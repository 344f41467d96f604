package pool

import (
	"strings"

	"go.litepool.dev/core/sqlite"
)

// ReadTx is the capability handle passed to a unit of read work. It
// deliberately exposes no Exec: read work cannot issue mutating statements
// by construction. A ReadTx is valid only until its unit of work returns.
type ReadTx struct {
	conn *sqlite.Conn
}

// Query executes a SELECT and returns an iterator over its result rows.
func (tx *ReadTx) Query(query string, args ...interface{}) (*sqlite.Rows, error) {
	if tx.conn == nil {
		return nil, ErrTxDone
	}
	return tx.conn.Query(query, args...)
}

// QueryRow executes a SELECT expected to return at most one row, scanning
// it into |dests|. It returns sqlite.ErrNoRows if no row matched.
func (tx *ReadTx) QueryRow(query string, args []interface{}, dests ...interface{}) error {
	if tx.conn == nil {
		return ErrTxDone
	}
	return tx.conn.QueryRow(query, args, dests...)
}

// WriteTx is the capability handle passed to a unit of write work. It
// extends ReadTx with mutation and savepoint control. The surrounding
// transaction is managed by the writer coordinator: statements which would
// begin, commit or roll it back are rejected.
type WriteTx struct {
	ReadTx
}

// Exec executes a mutating statement, returning its affected row count.
func (tx *WriteTx) Exec(query string, args ...interface{}) (int64, error) {
	if tx.conn == nil {
		return 0, ErrTxDone
	}
	if sqlite.IsTransactionControl(query) {
		return 0, &ConcurrencyError{reason: "transaction control is managed by the coordinator"}
	}
	return tx.conn.Exec(query, args...)
}

// Savepoint opens a named savepoint within the write's transaction.
func (tx *WriteTx) Savepoint(name string) error {
	return tx.execSavepoint(`SAVEPOINT `, name)
}

// Release releases a named savepoint, replaying its held-back change
// events to transaction observers.
func (tx *WriteTx) Release(name string) error {
	return tx.execSavepoint(`RELEASE SAVEPOINT `, name)
}

// RollbackTo rolls back to a named savepoint, discarding its held-back
// change events. The savepoint remains open.
func (tx *WriteTx) RollbackTo(name string) error {
	return tx.execSavepoint(`ROLLBACK TO SAVEPOINT `, name)
}

func (tx *WriteTx) execSavepoint(prefix, name string) error {
	if tx.conn == nil {
		return ErrTxDone
	}
	var quoted = `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	var _, err = tx.conn.Exec(prefix + quoted)
	return err
}
