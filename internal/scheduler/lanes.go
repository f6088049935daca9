// Package scheduler admits planner runs: a global slot limit plus one lane
// per session, so runs sharing a history and notepad never interleave.
package scheduler

import (
	"context"
	"sync"
)

// Lanes admits at most Cap runs at once and at most one run per session.
type Lanes struct {
	slots chan struct{}

	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	busy chan struct{}
	refs int
}

// NewLanes creates a scheduler. Non-positive limits are treated as 1.
func NewLanes(limit int) *Lanes {
	if limit <= 0 {
		limit = 1
	}
	return &Lanes{slots: make(chan struct{}, limit), lanes: make(map[string]*lane)}
}

// Acquire waits until the session's lane is free and a global slot is
// available. The returned release func frees both and is safe to call twice.
func (l *Lanes) Acquire(ctx context.Context, session string) (func(), error) {
	ln := l.join(session)
	select {
	case ln.busy <- struct{}{}:
	case <-ctx.Done():
		l.leave(session, ln)
		return nil, ctx.Err()
	}
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		<-ln.busy
		l.leave(session, ln)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.slots
			<-ln.busy
			l.leave(session, ln)
		})
	}, nil
}

// Running returns the number of held slots.
func (l *Lanes) Running() int { return len(l.slots) }

// Cap returns the global slot limit.
func (l *Lanes) Cap() int { return cap(l.slots) }

// Sessions returns how many sessions have a run holding or waiting for a lane.
func (l *Lanes) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

func (l *Lanes) join(session string) *lane {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[session]
	if !ok {
		ln = &lane{busy: make(chan struct{}, 1)}
		l.lanes[session] = ln
	}
	ln.refs++
	return ln
}

func (l *Lanes) leave(session string, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.lanes, session)
	}
}
