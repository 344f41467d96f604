package sqlite

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go.litepool.dev/core/region"
)

// recordingObserver records the notification protocol for assertions.
type recordingObserver struct {
	table string // Restrict Observes to this table, or "" for all.

	events      []ChangeEvent
	willCommits int
	commits     []region.Region
	rollbacks   int

	changeErr     error // Returned by OnChange.
	willCommitErr error // Returned by OnWillCommit.
}

func (o *recordingObserver) Observes(_ ChangeKind, table string) bool {
	return o.table == "" || o.table == table
}
func (o *recordingObserver) OnChange(ev ChangeEvent) error {
	o.events = append(o.events, ev)
	return o.changeErr
}
func (o *recordingObserver) OnWillCommit() error {
	o.willCommits++
	return o.willCommitErr
}
func (o *recordingObserver) OnCommit(r region.Region) { o.commits = append(o.commits, r) }
func (o *recordingObserver) OnRollback()              { o.rollbacks++ }

func newObservedConn(t *testing.T) (*Conn, *recordingObserver) {
	t.Helper()
	var c = newTestConn(t, ReadWrite)
	var _, err = c.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v INTEGER)`)
	require.NoError(t, err)

	var obs = &recordingObserver{}
	c.AddObserver(obs, ExtentObserving)
	return c, obs
}

func TestChangeEventsAndCommitBroadcast(t *testing.T) {
	var c, obs = newObservedConn(t)

	var _, err = c.Exec(`BEGIN IMMEDIATE`)
	require.NoError(t, err)
	_, err = c.Exec(`INSERT INTO t (id, v) VALUES (1, 10)`)
	require.NoError(t, err)
	_, err = c.Exec(`UPDATE t SET v = 11 WHERE id = 1`)
	require.NoError(t, err)
	_, err = c.Exec(`DELETE FROM t WHERE id = 1`)
	require.NoError(t, err)

	// Events are delivered in statement execution order, before commit.
	require.Equal(t, []ChangeEvent{
		{Kind: Insert, Table: "t", Rowid: 1},
		{Kind: Update, Table: "t", Rowid: 1},
		{Kind: Delete, Table: "t", Rowid: 1},
	}, obs.events)
	require.Zero(t, obs.willCommits)
	require.Empty(t, obs.commits)

	_, err = c.Exec(`COMMIT`)
	require.NoError(t, err)

	require.Equal(t, 1, obs.willCommits)
	require.Len(t, obs.commits, 1)
	require.Zero(t, obs.rollbacks)

	// The broadcast region covers the touched (table, rowid).
	require.True(t, obs.commits[0].Intersects(region.Rows("t", 1)))
	require.False(t, obs.commits[0].Intersects(region.Rows("t", 2)))
	require.False(t, obs.commits[0].Intersects(region.Table("other")))
}

func TestAutocommitStatementBroadcasts(t *testing.T) {
	var c, obs = newObservedConn(t)

	var _, err = c.Exec(`INSERT INTO t (id, v) VALUES (7, 1)`)
	require.NoError(t, err)

	require.Len(t, obs.events, 1)
	require.Equal(t, 1, obs.willCommits)
	require.Len(t, obs.commits, 1)
	require.True(t, obs.commits[0].Intersects(region.Rows("t", 7)))
}

func TestObserverPredicateFiltersEvents(t *testing.T) {
	var c, _ = newObservedConn(t)
	var _, err = c.Exec(`CREATE TABLE other (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	var scoped = &recordingObserver{table: "other"}
	c.AddObserver(scoped, ExtentObserving)

	_, err = c.Exec(`INSERT INTO t (id, v) VALUES (1, 1)`)
	require.NoError(t, err)
	_, err = c.Exec(`INSERT INTO other (id) VALUES (2)`)
	require.NoError(t, err)

	require.Len(t, scoped.events, 1)
	require.Equal(t, "other", scoped.events[0].Table)
	// Commit broadcasts are not filtered by the predicate.
	require.Len(t, scoped.commits, 2)
}

func TestObserverErrorAbortsStatement(t *testing.T) {
	var c, obs = newObservedConn(t)
	obs.changeErr = errors.New("observer says no")

	var _, err = c.Exec(`BEGIN IMMEDIATE`)
	require.NoError(t, err)
	_, err = c.Exec(`INSERT INTO t (id, v) VALUES (1, 1)`)
	require.EqualError(t, err, "observer says no")

	// The caller rolls back in response; no commit broadcast ever fires.
	_, err = c.Exec(`ROLLBACK`)
	require.NoError(t, err)
	require.Empty(t, obs.commits)
	require.Equal(t, 1, obs.rollbacks)

	var count int64
	require.NoError(t, c.QueryRow(`SELECT count(*) FROM t`, nil, &count))
	require.Zero(t, count)
}

func TestObserverErrorAbortsAutocommitStatement(t *testing.T) {
	var c, obs = newObservedConn(t)
	obs.changeErr = errors.New("observer says no")

	// The implicit transaction of a bare statement is vetoed outright:
	// the rejected row never persists and no commit broadcast fires.
	var _, err = c.Exec(`INSERT INTO t (id, v) VALUES (1, 1)`)
	require.EqualError(t, err, "observer says no")

	require.Empty(t, obs.commits)
	require.Zero(t, obs.willCommits)
	require.Equal(t, 1, obs.rollbacks)
	require.Equal(t, 0, c.Depth())

	var count int64
	obs.changeErr = nil
	require.NoError(t, c.QueryRow(`SELECT count(*) FROM t`, nil, &count))
	require.Zero(t, count)
}

func TestWillCommitVeto(t *testing.T) {
	var c, obs = newObservedConn(t)
	obs.willCommitErr = errors.New("veto")

	var _, err = c.Exec(`BEGIN IMMEDIATE`)
	require.NoError(t, err)
	_, err = c.Exec(`INSERT INTO t (id, v) VALUES (1, 1)`)
	require.NoError(t, err)

	_, err = c.Exec(`COMMIT`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "commit vetoed by transaction observer")
	require.Contains(t, err.Error(), "veto")

	// The veto converted the commit into a rollback.
	require.Empty(t, obs.commits)
	require.Equal(t, 1, obs.rollbacks)
	require.Equal(t, 0, c.Depth())

	var count int64
	require.NoError(t, c.QueryRow(`SELECT count(*) FROM t`, nil, &count))
	require.Zero(t, count)
}

func TestRollbackInvisibility(t *testing.T) {
	var c, obs = newObservedConn(t)

	var _, err = c.Exec(`BEGIN IMMEDIATE`)
	require.NoError(t, err)
	_, err = c.Exec(`INSERT INTO t (id, v) VALUES (1, 1)`)
	require.NoError(t, err)
	_, err = c.Exec(`ROLLBACK`)
	require.NoError(t, err)

	require.Empty(t, obs.commits)
	require.Zero(t, obs.willCommits)
	require.Equal(t, 1, obs.rollbacks)
}

func TestSavepointEventsHeldBackUntilRelease(t *testing.T) {
	var c, obs = newObservedConn(t)

	var _, err = c.Exec(`BEGIN IMMEDIATE`)
	require.NoError(t, err)
	_, err = c.Exec(`SAVEPOINT sp1`)
	require.NoError(t, err)
	_, err = c.Exec(`INSERT INTO t (id, v) VALUES (1, 1)`)
	require.NoError(t, err)

	// The event is held back while the savepoint is open.
	require.Empty(t, obs.events)

	_, err = c.Exec(`RELEASE sp1`)
	require.NoError(t, err)
	require.Equal(t, []ChangeEvent{{Kind: Insert, Table: "t", Rowid: 1}}, obs.events)

	_, err = c.Exec(`COMMIT`)
	require.NoError(t, err)
	require.Len(t, obs.commits, 1)
	require.True(t, obs.commits[0].Intersects(region.Rows("t", 1)))
}

func TestSavepointRollbackDiscardsEvents(t *testing.T) {
	var c, obs = newObservedConn(t)

	var _, err = c.Exec(`BEGIN IMMEDIATE`)
	require.NoError(t, err)
	_, err = c.Exec(`SAVEPOINT sp1`)
	require.NoError(t, err)
	_, err = c.Exec(`INSERT INTO t (id, v) VALUES (1, 1)`)
	require.NoError(t, err)
	_, err = c.Exec(`ROLLBACK TO sp1`)
	require.NoError(t, err)

	// Rolled-back savepoint events are never delivered.
	_, err = c.Exec(`INSERT INTO t (id, v) VALUES (2, 2)`)
	require.NoError(t, err)
	_, err = c.Exec(`RELEASE sp1`)
	require.NoError(t, err)
	_, err = c.Exec(`COMMIT`)
	require.NoError(t, err)

	require.Equal(t, []ChangeEvent{{Kind: Insert, Table: "t", Rowid: 2}}, obs.events)
	require.Len(t, obs.commits, 1)
	require.True(t, obs.commits[0].Intersects(region.Rows("t", 2)))
	require.False(t, obs.commits[0].Intersects(region.Rows("t", 1)))
}

func TestCommitReplaysOutstandingSavepoints(t *testing.T) {
	var c, obs = newObservedConn(t)

	var _, err = c.Exec(`BEGIN IMMEDIATE`)
	require.NoError(t, err)
	_, err = c.Exec(`SAVEPOINT sp1`)
	require.NoError(t, err)
	_, err = c.Exec(`INSERT INTO t (id, v) VALUES (1, 1)`)
	require.NoError(t, err)

	// COMMIT implicitly releases sp1, replaying its events first.
	_, err = c.Exec(`COMMIT`)
	require.NoError(t, err)

	require.Len(t, obs.events, 1)
	require.Len(t, obs.commits, 1)
	require.True(t, obs.commits[0].Intersects(region.Rows("t", 1)))
}

func TestExtentNextTransaction(t *testing.T) {
	var c, _ = newObservedConn(t)

	var once = &recordingObserver{}
	c.AddObserver(once, ExtentNextTransaction)

	var _, err = c.Exec(`INSERT INTO t (id, v) VALUES (1, 1)`)
	require.NoError(t, err)
	require.Len(t, once.commits, 1)

	// The registration did not survive its first transaction.
	_, err = c.Exec(`INSERT INTO t (id, v) VALUES (2, 2)`)
	require.NoError(t, err)
	require.Len(t, once.events, 1)
	require.Len(t, once.commits, 1)
}

func TestRemoveObserver(t *testing.T) {
	var c = newTestConn(t, ReadWrite)
	var _, err = c.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	var obs = &recordingObserver{}
	var token = c.AddObserver(obs, ExtentObserving)
	c.RemoveObserver(token)

	_, err = c.Exec(`INSERT INTO t (id) VALUES (1)`)
	require.NoError(t, err)
	require.Empty(t, obs.events)
	require.Empty(t, obs.commits)

	// Double removal is a no-op.
	c.RemoveObserver(token)
}

func TestTrackReads(t *testing.T) {
	var path = t.TempDir() + "/test.db"
	var rw, err = Open(path, Options{})
	require.NoError(t, err)
	_, err = rw.Exec(`CREATE TABLE player (id INTEGER PRIMARY KEY, name TEXT, score INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro, err := Open(path, Options{Mode: ReadOnly})
	require.NoError(t, err)
	defer ro.Close()

	reg, err := ro.TrackReads(func() error {
		var count int64
		return ro.QueryRow(`SELECT count(name) FROM player`, nil, &count)
	})
	require.NoError(t, err)

	require.True(t, reg.Intersects(region.Columns("player", "name")))
	require.True(t, reg.Intersects(region.Rows("player", 42)))
	require.False(t, reg.Intersects(region.Table("other")))

	// Tracking is disabled again outside TrackReads.
	var count int64
	require.NoError(t, ro.QueryRow(`SELECT count(*) FROM player`, nil, &count))
}

func TestEmptyRegionOfReadOnlyCommit(t *testing.T) {
	var c, obs = newObservedConn(t)

	// A transaction which writes nothing broadcasts nothing observable:
	// its region (if any commit fires at all) intersects no other region.
	var _, err = c.Exec(`BEGIN`)
	require.NoError(t, err)
	var count int64
	require.NoError(t, c.QueryRow(`SELECT count(*) FROM t`, nil, &count))
	_, err = c.Exec(`COMMIT`)
	require.NoError(t, err)

	for _, r := range obs.commits {
		require.False(t, r.Intersects(region.Table("t")))
	}
	require.Empty(t, obs.events)
}
