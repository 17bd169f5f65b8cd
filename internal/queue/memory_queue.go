package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue. Jobs survive retries but not a restart,
// so it serves development and tests; production runs AMQPQueue.
type MemoryQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	ready       []Delivery
	capacity    int
	concurrency int
	outstanding int // enqueued jobs not yet acked or dropped
	closed      bool

	after func(time.Duration) <-chan time.Time
}

type MemoryOptions struct {
	// Capacity bounds the backlog admitted by EnqueueBatch. Zero means unbounded.
	Capacity    int
	Concurrency int
	// After schedules retries; defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

func NewMemoryQueue(opts MemoryOptions) *MemoryQueue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.After == nil {
		opts.After = time.After
	}
	q := &MemoryQueue{
		capacity:    opts.Capacity,
		concurrency: opts.Concurrency,
		after:       opts.After,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemoryQueue) EnqueueBatch(ctx context.Context, jobs []Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && q.outstanding+len(jobs) > q.capacity {
		return fmt.Errorf("%w: %d outstanding, batch of %d, capacity %d", ErrQueueFull, q.outstanding, len(jobs), q.capacity)
	}

	for _, j := range jobs {
		q.ready = append(q.ready, Delivery{Job: j, Attempt: 1})
	}
	q.outstanding += len(jobs)
	q.cond.Broadcast()
	return nil
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, ok := q.next(ctx)
				if !ok {
					return
				}
				q.finish(d, runHandler(ctx, handler, d))
			}
		}()
	}
	wg.Wait()
	return nil
}

// WaitIdle blocks until every enqueued job has been acked or dropped.
func (q *MemoryQueue) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.outstanding > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Len returns the number of jobs not yet settled.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *MemoryQueue) next(ctx context.Context) (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ready) == 0 {
		if q.closed || ctx.Err() != nil {
			return Delivery{}, false
		}
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		return Delivery{}, false
	}
	d := q.ready[0]
	q.ready = q.ready[1:]
	return d, true
}

func (q *MemoryQueue) finish(d Delivery, err error) {
	out, delay := settle(d, err)
	if out == outcomeRetry || out == outcomeDefer {
		if out == outcomeRetry {
			d.Attempt++
		}
		go func() {
			<-q.after(delay)
			q.mu.Lock()
			defer q.mu.Unlock()
			if q.closed {
				q.outstanding--
				q.cond.Broadcast()
				return
			}
			q.ready = append(q.ready, d)
			q.cond.Broadcast()
		}()
		return
	}

	q.mu.Lock()
	q.outstanding--
	q.cond.Broadcast()
	q.mu.Unlock()
}

func runHandler(ctx context.Context, handler Handler, d Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("job handler panic", "campaign_id", d.Job.Data.CampaignID, "recipient_id", d.Job.Data.RecipientID, "panic", rec)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, d)
}
