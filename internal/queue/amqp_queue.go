package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	appErrors "github.com/unclebandit/mailstorm-backend/internal/errors"
)

const attemptHeader = "x-attempt"

// publisher is the part of *amqp.Channel used to park retried and deferred jobs.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// declarer is the part of *amqp.Channel used to declare the queue topology.
type declarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// AMQPQueue keeps send jobs in a durable RabbitMQ queue. Retries are parked
// in per-attempt retry queues whose expired messages dead-letter back to the
// main queue, so a delayed job never blocks the consumer. Throttled jobs are
// parked the same way in a throttle queue and keep their attempt number.
type AMQPQueue struct {
	conn        *amqp.Connection
	name        string
	concurrency int
	maxAttempts int

	pubMu sync.Mutex
	pubCh *amqp.Channel // transactional, for batches

	retryMu sync.Mutex
	retryCh publisher
}

type AMQPOptions struct {
	URL         string
	Name        string
	Concurrency int
	// MaxAttempts sizes the retry queue topology; jobs may ask for fewer.
	MaxAttempts int
}

func DialAMQP(opts AMQPOptions) (*AMQPQueue, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultJobOptions().Attempts
	}

	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	q := &AMQPQueue{
		conn:        conn,
		name:        opts.Name,
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
	}
	if err := q.setup(); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) retryQueueName(attempt int) string {
	return q.name + ".retry." + strconv.Itoa(attempt)
}

func (q *AMQPQueue) throttleQueueName() string {
	return q.name + ".throttle"
}

// declareTopology declares the main queue, one retry queue per retryable
// attempt and the throttle queue. Parking queues dead-letter back to main.
func (q *AMQPQueue) declareTopology(ch declarer) error {
	if _, err := ch.QueueDeclare(
		q.name, // name
		true,   // durable
		false,  // delete when unused
		false,  // exclusive
		false,  // no-wait
		nil,    // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
	}

	parked := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.name,
	}
	for attempt := 1; attempt < q.maxAttempts; attempt++ {
		if _, err := ch.QueueDeclare(q.retryQueueName(attempt), true, false, false, false, parked); err != nil {
			return fmt.Errorf("failed to declare retry queue %d: %w", attempt, err)
		}
	}
	if _, err := ch.QueueDeclare(q.throttleQueueName(), true, false, false, false, parked); err != nil {
		return fmt.Errorf("failed to declare throttle queue: %w", err)
	}
	return nil
}

func (q *AMQPQueue) setup() error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := q.declareTopology(ch); err != nil {
		ch.Close()
		return err
	}

	if err := ch.Tx(); err != nil {
		ch.Close()
		return fmt.Errorf("failed to enable tx mode: %w", err)
	}
	q.pubCh = ch

	retryCh, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open retry channel: %w", err)
	}
	q.retryCh = retryCh
	return nil
}

// EnqueueBatch publishes every job inside one channel transaction. A failed
// publish or commit rolls the whole batch back.
func (q *AMQPQueue) EnqueueBatch(ctx context.Context, jobs []Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	for _, j := range jobs {
		msg, err := q.message(j, 1)
		if err != nil {
			_ = q.pubCh.TxRollback()
			return err
		}
		if err := q.pubCh.Publish("", q.name, false, false, msg); err != nil {
			_ = q.pubCh.TxRollback()
			return fmt.Errorf("publish job for recipient %d: %w", j.Data.RecipientID, err)
		}
	}

	if err := q.pubCh.TxCommit(); err != nil {
		_ = q.pubCh.TxRollback()
		return fmt.Errorf("commit batch of %d jobs: %w", len(jobs), err)
	}
	return nil
}

func (q *AMQPQueue) message(j Job, attempt int) (amqp.Publishing, error) {
	body, err := json.Marshal(j)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode job: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Type:         j.Name,
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Body:         body,
	}, nil
}

// Consume registers a manual-ack consumer and processes deliveries on
// `concurrency` goroutines. It returns nil when ctx ends and an error when the
// broker closes the delivery channel.
func (q *AMQPQueue) Consume(ctx context.Context, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(q.concurrency, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	tag := "worker-" + uuid.NewString()
	msgs, err := ch.Consume(
		q.name,
		tag,
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	var wg sync.WaitGroup
	var lost sync.Once
	var lostErr error
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-msgs:
					if !ok {
						lost.Do(func() { lostErr = errors.New("delivery channel closed by broker") })
						return
					}
					q.handle(ctx, handler, m)
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		_ = ch.Cancel(tag, false)
		<-done
		return nil
	case <-done:
		return lostErr
	}
}

func (q *AMQPQueue) handle(ctx context.Context, handler Handler, m amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(m.Body, &job); err != nil {
		slog.Error("dropping undecodable job", "message_id", m.MessageId, "err", appErrors.NewMalformedJob())
		_ = m.Ack(false)
		return
	}

	d := Delivery{Job: job, Attempt: attemptOf(m.Headers)}
	out, delay := settle(d, runHandler(ctx, handler, d))

	var err error
	switch out {
	case outcomeRetry:
		err = q.scheduleRetry(d, delay)
	case outcomeDefer:
		err = q.scheduleDeferred(d, delay)
	}
	if err != nil {
		// requeue the original so the job is not lost
		slog.Error("failed to park job, requeueing", "recipient_id", job.Data.RecipientID, "err", err)
		_ = m.Nack(false, true)
		return
	}
	_ = m.Ack(false)
}

func (q *AMQPQueue) scheduleRetry(d Delivery, delay time.Duration) error {
	if q.maxAttempts < 2 {
		return errors.New("no retry queues declared")
	}
	retryQueue := q.retryQueueName(d.Attempt)
	if d.Attempt >= q.maxAttempts {
		// topology was declared for fewer attempts than this job wants
		retryQueue = q.retryQueueName(q.maxAttempts - 1)
	}

	msg, err := q.message(d.Job, d.Attempt+1)
	if err != nil {
		return err
	}
	return q.park(retryQueue, msg, delay)
}

// scheduleDeferred parks a throttled job without spending an attempt.
func (q *AMQPQueue) scheduleDeferred(d Delivery, delay time.Duration) error {
	msg, err := q.message(d.Job, d.Attempt)
	if err != nil {
		return err
	}
	return q.park(q.throttleQueueName(), msg, delay)
}

func (q *AMQPQueue) park(queue string, msg amqp.Publishing, delay time.Duration) error {
	msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)

	q.retryMu.Lock()
	defer q.retryMu.Unlock()
	return q.retryCh.Publish("", queue, false, false, msg)
}

func attemptOf(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	}
	return 1
}

func (q *AMQPQueue) Close() error {
	if ch, ok := q.retryCh.(*amqp.Channel); ok && ch != nil {
		ch.Close()
	}
	if q.pubCh != nil {
		q.pubCh.Close()
	}
	return q.conn.Close()
}
