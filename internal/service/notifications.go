package service

import (
	"sync"

	"github.com/unclebandit/mailstorm-backend/internal/model"
)

const DefaultNotificationCapacity = 100

// NotificationSink is a bounded ring of recent first-open events for
// dashboard polling. It is not durable; the open ledger is the record.
type NotificationSink struct {
	mu    sync.Mutex
	buf   []model.OpenNotification
	head  int // index of the next write
	count int
}

func NewNotificationSink(capacity int) *NotificationSink {
	if capacity <= 0 {
		capacity = DefaultNotificationCapacity
	}
	return &NotificationSink{buf: make([]model.OpenNotification, capacity)}
}

// Add stores n, evicting the oldest entry when full.
func (s *NotificationSink) Add(n model.OpenNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf[s.head] = n
	s.head = (s.head + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
}

// List returns up to limit of the owner's notifications, newest first.
// A limit <= 0 returns all of them.
func (s *NotificationSink) List(ownerID int64, limit int) []model.OpenNotification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.OpenNotification{}
	for i := 0; i < s.count; i++ {
		n := s.buf[s.index(i)]
		if n.OwnerID != ownerID {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Clear drops every notification belonging to ownerID and returns how many were removed.
func (s *NotificationSink) Clear(ownerID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]model.OpenNotification, 0, s.count)
	for i := s.count - 1; i >= 0; i-- { // oldest first
		if n := s.buf[s.index(i)]; n.OwnerID != ownerID {
			kept = append(kept, n)
		}
	}

	removed := s.count - len(kept)
	clear(s.buf)
	copy(s.buf, kept)
	s.count = len(kept)
	s.head = len(kept) % len(s.buf)
	return removed
}

func (s *NotificationSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// index maps the i-th newest entry to its slot.
func (s *NotificationSink) index(i int) int {
	return (s.head - 1 - i + 2*len(s.buf)) % len(s.buf)
}
