package service_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/unclebandit/mailstorm-backend/internal/model"
	"github.com/unclebandit/mailstorm-backend/internal/service"
)

func note(owner, recipient int64) model.OpenNotification {
	return model.OpenNotification{ID: fmt.Sprintf("%d-%d", owner, recipient), OwnerID: owner, RecipientID: recipient}
}

func TestNotificationSink_BoundedMostRecentFirst(t *testing.T) {
	sink := service.NewNotificationSink(100)
	for i := int64(1); i <= 150; i++ {
		sink.Add(note(1, i))
	}

	if sink.Len() != 100 {
		t.Fatalf("expected 100 entries, got %d", sink.Len())
	}
	got := sink.List(1, 0)
	if len(got) != 100 {
		t.Fatalf("expected 100 listed, got %d", len(got))
	}
	if got[0].RecipientID != 150 || got[99].RecipientID != 51 {
		t.Fatalf("expected newest 150 first and oldest 51 last, got %d and %d", got[0].RecipientID, got[99].RecipientID)
	}
}

func TestNotificationSink_PerOwnerListAndClear(t *testing.T) {
	sink := service.NewNotificationSink(10)
	sink.Add(note(1, 1))
	sink.Add(note(2, 2))
	sink.Add(note(1, 3))
	sink.Add(note(2, 4))
	sink.Add(note(1, 5))

	got := sink.List(1, 2)
	if len(got) != 2 || got[0].RecipientID != 5 || got[1].RecipientID != 3 {
		t.Fatalf("unexpected owner 1 list: %+v", got)
	}

	if removed := sink.Clear(1); removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if got := sink.List(1, 0); len(got) != 0 {
		t.Fatalf("expected owner 1 cleared, got %+v", got)
	}

	rest := sink.List(2, 0)
	if len(rest) != 2 || rest[0].RecipientID != 4 || rest[1].RecipientID != 2 {
		t.Fatalf("owner 2 entries must survive in order, got %+v", rest)
	}

	// ring keeps working after compaction
	sink.Add(note(2, 6))
	if got := sink.List(2, 1); got[0].RecipientID != 6 {
		t.Fatalf("expected newest 6, got %+v", got)
	}
}

func TestNotificationSink_ConcurrentAdds(t *testing.T) {
	sink := service.NewNotificationSink(100)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sink.Add(note(int64(g%2), int64(i)))
				_ = sink.List(int64(g%2), 5)
			}
		}(g)
	}
	wg.Wait()

	if sink.Len() != 100 {
		t.Fatalf("expected sink to stay at capacity, got %d", sink.Len())
	}
}
