package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter caps how many jobs complete within a rolling window.
//
// Acquire reserves a slot before a job runs and the returned release records
// the completion. A slot is granted only while completions inside the window
// plus reservations still in flight stay below the maximum, which bounds the
// completions of any window even when jobs finish out of order.
type Limiter interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// maxPoll bounds how long a blocked Acquire sleeps before re-checking.
const maxPoll = time.Second

// LocalWindow is an in-process sliding-window log.
type LocalWindow struct {
	mu          sync.Mutex
	max         int
	window      time.Duration
	completions []time.Time // ascending
	inflight    int
	released    chan struct{}

	now func() time.Time
}

func NewLocalWindow(max int, window time.Duration) *LocalWindow {
	return &LocalWindow{
		max:      max,
		window:   window,
		released: make(chan struct{}),
		now:      time.Now,
	}
}

// TryAcquire grants a slot without blocking. When it cannot, it returns how
// long until the oldest completion leaves the window.
func (l *LocalWindow) TryAcquire() (release func(), ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.completions)+l.inflight < l.max {
		l.inflight++
		var once sync.Once
		return func() { once.Do(l.release) }, true, 0
	}

	if len(l.completions) == 0 {
		return nil, false, maxPoll
	}
	return nil, false, l.completions[0].Add(l.window).Sub(now)
}

func (l *LocalWindow) Acquire(ctx context.Context) (func(), error) {
	for {
		release, ok, wait := l.TryAcquire()
		if ok {
			return release, nil
		}

		l.mu.Lock()
		released := l.released
		l.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		if wait > maxPoll {
			wait = maxPoll
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-released:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Count returns completions inside the window plus reservations in flight.
func (l *LocalWindow) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.completions) + l.inflight
}

func (l *LocalWindow) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight--
	l.completions = append(l.completions, l.now())
	close(l.released)
	l.released = make(chan struct{})
}

func (l *LocalWindow) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.completions) && !l.completions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.completions = append(l.completions[:0], l.completions[i:]...)
	}
}
