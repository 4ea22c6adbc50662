package sqlpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type fakeSession struct {
	id     int
	broken atomic.Bool
	closed atomic.Bool
	pings  atomic.Int32

	// stall makes Ping block until its context is done.
	stall atomic.Bool
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.pings.Add(1)
	if s.stall.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.broken.Load() {
		return errors.New("connection reset by peer")
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeOpener struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (o *fakeOpener) Open(context.Context) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	s := &fakeSession{id: len(o.sessions) + 1}
	o.sessions = append(o.sessions, s)
	return s, nil
}

func (o *fakeOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (o *fakeOpener) live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.sessions {
		if !s.closed.Load() {
			n++
		}
	}
	return n
}

type fakeLimiter struct {
	mu       sync.Mutex
	max      int
	held     int
	released int
}

var errNoSlot = errors.New("no slot available")

func (l *fakeLimiter) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held >= l.max {
		return errNoSlot
	}
	l.held++
	return nil
}

func (l *fakeLimiter) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held--
	l.released++
	return nil
}

func (l *fakeLimiter) counts() (held, released int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held, l.released
}
