package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisWindow(t *testing.T, max int, window time.Duration) (*RedisWindow, *miniredis.Miniredis, *fakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { rdb.Close() })

	clock := newFakeClock()
	w := NewRedisWindow(rdb, "ratelimit:send", max, window)
	w.now = clock.Now
	return w, mr, clock
}

func TestRedisWindow_AdmitsUpToMax(t *testing.T) {
	w, mr, _ := newTestRedisWindow(t, 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		release, _, err := w.TryAcquire(ctx)
		if err != nil {
			t.Fatalf("TryAcquire() error: %v", err)
		}
		if release == nil {
			t.Fatalf("acquire %d should be admitted", i+1)
		}
	}

	release, wait, err := w.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire() error: %v", err)
	}
	if release != nil {
		t.Fatalf("fourth acquire should be refused")
	}
	if wait <= 0 {
		t.Fatalf("expected a positive wait, got %v", wait)
	}

	members, err := mr.ZMembers("ratelimit:send")
	if err != nil {
		t.Fatalf("ZMembers() error: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 reservations, got %d", len(members))
	}
}

func TestRedisWindow_CompletionsAgeOut(t *testing.T) {
	w, _, clock := newTestRedisWindow(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		release, _, err := w.TryAcquire(ctx)
		if err != nil || release == nil {
			t.Fatalf("acquire %d failed: release=%v err=%v", i+1, release != nil, err)
		}
		release()
	}

	release, wait, err := w.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire() error: %v", err)
	}
	if release != nil {
		t.Fatalf("expected refusal while both completions are in the window")
	}
	if wait != time.Minute {
		t.Fatalf("expected wait of one window, got %v", wait)
	}

	clock.Advance(time.Minute)
	release, _, err = w.TryAcquire(ctx)
	if err != nil || release == nil {
		t.Fatalf("expected admission after the window slid, err=%v", err)
	}
}

func TestRedisWindow_StaleReservationExpires(t *testing.T) {
	w, _, clock := newTestRedisWindow(t, 1, time.Minute)
	ctx := context.Background()

	// a reservation that is never released, as after a worker crash
	if release, _, err := w.TryAcquire(ctx); err != nil || release == nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if release, _, _ := w.TryAcquire(ctx); release != nil {
		t.Fatalf("second acquire should be refused")
	}

	clock.Advance(w.lease + w.window)
	if release, _, err := w.TryAcquire(ctx); err != nil || release == nil {
		t.Fatalf("expected stale reservation to age out, err=%v", err)
	}
}

func TestRedisWindow_AcquireHonoursContext(t *testing.T) {
	w, _, _ := newTestRedisWindow(t, 1, time.Hour)

	if _, err := w.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := w.Acquire(ctx); err == nil {
		t.Fatalf("expected context error, got nil")
	}
}
