package observation

import (
	"context"
	"sync"

	"go.litepool.dev/core/pool"
)

// Shared multiplexes one Observation across many subscribers, so a single
// write-triggered re-fetch serves all of them. The underlying observation
// starts with the first subscription and is cancelled when the last
// subscriber unsubscribes; a later subscription starts it anew.
type Shared[T any] struct {
	db    *pool.DB
	opts  Options[T]
	fetch func(context.Context, *pool.ReadTx) (T, error)

	mu     sync.Mutex
	handle *Handle[T]
	subs   map[int]chan T
	nextID int
	has    bool
	last   T
	err    error
}

// NewShared builds a Shared observation. It performs no work until the
// first subscription.
func NewShared[T any](
	db *pool.DB,
	opts Options[T],
	fetch func(context.Context, *pool.ReadTx) (T, error),
) *Shared[T] {
	return &Shared[T]{
		db:    db,
		opts:  opts,
		fetch: fetch,
		subs:  make(map[int]chan T),
	}
}

// Subscribe attaches to the shared observation, returning a channel of
// delivered values and a function which detaches and closes it. The channel
// holds the single most recent value: a subscriber which falls behind
// observes the latest delivery rather than every intermediate one. A
// subscriber joining after a delivery receives the last value immediately.
//
// If the underlying observation has failed, Subscribe returns its error.
func (s *Shared[T]) Subscribe() (<-chan T, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, nil, s.err
	}

	var ch = make(chan T, 1)
	var id = s.nextID
	s.nextID++
	s.subs[id] = ch

	if s.has {
		ch <- s.last
	}
	if s.handle == nil {
		var handle, err = Start(s.db, s.opts, s.fetch, s.fanOut, s.fanErr)
		if err != nil {
			delete(s.subs, id)
			return nil, nil, err
		}
		s.handle = handle
	}
	return ch, func() { s.unsubscribe(id) }, nil
}

func (s *Shared[T]) unsubscribe(id int) {
	s.mu.Lock()
	var ch, ok = s.subs[id]
	if ok {
		delete(s.subs, id)
		close(ch)
	}
	var handle *Handle[T]
	if ok && len(s.subs) == 0 {
		handle, s.handle = s.handle, nil
		s.has = false
	}
	s.mu.Unlock()

	// Cancel outside the lock: fanOut may be holding it.
	if handle != nil {
		handle.Cancel()
	}
}

// fanOut relays a delivery to every subscriber, replacing an unconsumed
// previous value. It runs on the observation's goroutine, the only sender
// on subscriber channels.
func (s *Shared[T]) fanOut(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.has, s.last = true, value
	for _, ch := range s.subs {
		select {
		case ch <- value:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- value
		}
	}
}

// fanErr records the failure and closes all subscriber channels. Later
// subscriptions fail with the recorded error.
func (s *Shared[T]) fanErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
	s.handle = nil
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
