package observation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSharedFanOutServesAllSubscribers(t *testing.T) {
	var db = newTestDB(t)
	var shared = NewShared(db, Options[int64]{}, countPlayers)

	var ch1, cancel1, err = shared.Subscribe()
	require.NoError(t, err)
	var ch2, cancel2, err2 = shared.Subscribe()
	require.NoError(t, err2)

	expectValue(t, ch1, 0)
	expectValue(t, ch2, 0)

	insertPlayer(t, db, "alice", 1)
	expectValue(t, ch1, 1)
	expectValue(t, ch2, 1)

	// The first unsubscribe closes only its own channel; the remaining
	// subscriber keeps receiving.
	cancel1()
	select {
	case _, ok := <-ch1:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected closed channel after unsubscribe")
	}

	insertPlayer(t, db, "bob", 2)
	expectValue(t, ch2, 2)

	// The last unsubscribe cancels the upstream observation.
	cancel2()
	insertPlayer(t, db, "carol", 3)
	expectNoValue(t, ch2)
}

func TestSharedSeedsLateSubscriberWithLastValue(t *testing.T) {
	var db = newTestDB(t)
	insertPlayer(t, db, "alice", 1)

	var shared = NewShared(db, Options[int64]{}, countPlayers)

	var ch1, cancel1, err = shared.Subscribe()
	require.NoError(t, err)
	defer cancel1()
	expectValue(t, ch1, 1)

	// A subscriber joining after a delivery observes the current value
	// without waiting for a write.
	var ch2, cancel2, err2 = shared.Subscribe()
	require.NoError(t, err2)
	defer cancel2()
	expectValue(t, ch2, 1)
}

func TestSharedSlowSubscriberObservesLatestValue(t *testing.T) {
	var db = newTestDB(t)
	var shared = NewShared(db, Options[int64]{}, countPlayers)

	var ch, cancel, err = shared.Subscribe()
	require.NoError(t, err)
	defer cancel()
	expectValue(t, ch, 0)

	// Deliveries replace an unconsumed value rather than blocking the
	// observation: a slow subscriber skips to the latest.
	insertPlayer(t, db, "alice", 1)
	insertPlayer(t, db, "bob", 2)

	var last int64
	for deadline := time.After(5 * time.Second); last != 2; {
		select {
		case v := <-ch:
			require.Greater(t, v, last)
			last = v
		case <-deadline:
			t.Fatal("timed out awaiting final value")
		}
	}

	// A restarted subscription after the last unsubscribe fetches anew.
	cancel()
	var ch2, cancel2, err2 = shared.Subscribe()
	require.NoError(t, err2)
	defer cancel2()
	expectValue(t, ch2, 2)
}
