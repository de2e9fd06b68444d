// Package queue implements the at-least-once delivery channel between the
// webhook ingress and the sync engine, backed by Redis lists.
//
// Semantics:
//   - Send LPUSHes a JSON envelope onto the named queue.
//   - A Consumer BLMOVEs each message onto a per-queue processing list before
//     invoking the handler, LREMs it on success, and re-queues it with an
//     incremented attempt counter on failure. After MaxAttempts the message
//     is parked on a dead-letter list instead.
//   - Delivery is at-least-once and not ordered; consumers must be
//     idempotent. The sync engine guarantees that via deterministic
//     idempotency keys and the event-receipt ledger.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	// sentTotal counts messages enqueued per queue.
	sentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_sent_total",
			Help: "Total number of messages enqueued.",
		},
		[]string{"queue"},
	)

	// retriedTotal counts handler failures that led to a re-queue.
	retriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_retried_total",
			Help: "Total number of messages re-queued after a handler failure.",
		},
		[]string{"queue"},
	)

	// deadTotal counts messages parked on the dead-letter list.
	deadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_dead_total",
			Help: "Total number of messages moved to the dead-letter list.",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(sentTotal, retriedTotal, deadTotal)
}

// Envelope wraps a queued payload with delivery bookkeeping.
type Envelope struct {
	ID       string          `json:"id"`
	Queue    string          `json:"queue"`
	Body     json.RawMessage `json:"body"`
	Attempts int             `json:"attempts"`
	SentAt   time.Time       `json:"sent_at"`
}

// Handler processes one delivered message body. A non-nil error triggers a
// transport-level retry; the handler must therefore be idempotent.
type Handler func(ctx context.Context, body []byte) error

// Sender is the narrow enqueue contract services depend on.
type Sender interface {
	Send(ctx context.Context, queueName string, body any) error
}

// Queue is a Redis-list-backed transport. Safe for concurrent use.
type Queue struct {
	rdb         redis.UniversalClient
	prefix      string
	maxAttempts int

	// blockTimeout bounds each BLMOVE so consumers notice ctx cancellation.
	blockTimeout time.Duration

	// onDead, when set, is invoked after a message is parked on the
	// dead-letter list. Callbacks run on the consumer goroutine and must not
	// block for long.
	onDead func(ctx context.Context, queueName string, env *Envelope)
}

// Options tunes queue behavior; zero values get defaults.
type Options struct {
	Prefix      string // key prefix, default "tbq"
	MaxAttempts int    // per-message delivery attempts, default 5

	// OnDead is called with the final envelope after dead-lettering, e.g. to
	// notify the originating thread that its message was not delivered.
	OnDead func(ctx context.Context, queueName string, env *Envelope)
}

// New builds a Queue over an existing Redis client.
func New(rdb redis.UniversalClient, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = "tbq"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Queue{
		rdb:          rdb,
		prefix:       opts.Prefix,
		maxAttempts:  opts.MaxAttempts,
		blockTimeout: 2 * time.Second,
		onDead:       opts.OnDead,
	}
}

// Connect dials Redis from a URL and verifies the connection.
func Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func (q *Queue) key(name string) string        { return q.prefix + ":" + name }
func (q *Queue) processing(name string) string { return q.prefix + ":" + name + ":processing" }
func (q *Queue) dead(name string) string       { return q.prefix + ":" + name + ":dead" }

// Send enqueues body (JSON-marshaled) onto the named queue.
func (q *Queue) Send(ctx context.Context, queueName string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("queue send: marshal body: %w", err)
	}
	env := Envelope{
		ID:     uuid.NewString(),
		Queue:  queueName,
		Body:   raw,
		SentAt: time.Now().UTC(),
	}
	packed, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("queue send: marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key(queueName), packed).Err(); err != nil {
		return fmt.Errorf("queue send: %w", err)
	}
	sentTotal.WithLabelValues(queueName).Inc()
	return nil
}

// Depth returns the number of messages waiting on the named queue.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	return q.rdb.LLen(ctx, q.key(queueName)).Result()
}

// Consume runs a blocking delivery loop until ctx is canceled. Each message
// is handed to h; see the package comment for retry semantics. Run one
// Consume goroutine per queue (or several for parallelism - ordering is not
// guaranteed either way).
func (q *Queue) Consume(ctx context.Context, queueName string, h Handler) error {
	src, proc := q.key(queueName), q.processing(queueName)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := q.rdb.BLMove(ctx, src, proc, "right", "left", q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("queue", queueName).Msg("queue receive failed")
			// Transient Redis trouble; back off briefly instead of spinning.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		q.dispatch(ctx, queueName, raw, h)
	}
}

// dispatch invokes the handler for one raw envelope and settles the
// processing-list entry according to the outcome.
func (q *Queue) dispatch(ctx context.Context, queueName, raw string, h Handler) {
	proc := q.processing(queueName)

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Unparseable payloads can never succeed; park them.
		log.Error().Err(err).Str("queue", queueName).Msg("dropping malformed queue message")
		q.rdb.LPush(ctx, q.dead(queueName), raw)
		q.rdb.LRem(ctx, proc, 1, raw)
		deadTotal.WithLabelValues(queueName).Inc()
		return
	}

	err := h(ctx, env.Body)
	if err == nil {
		q.rdb.LRem(ctx, proc, 1, raw)
		return
	}

	env.Attempts++
	repacked, merr := json.Marshal(&env)
	if merr != nil {
		repacked = []byte(raw)
	}
	if env.Attempts >= q.maxAttempts {
		log.Error().Err(err).
			Str("queue", queueName).
			Str("message_id", env.ID).
			Int("attempts", env.Attempts).
			Msg("message exhausted retries")
		q.rdb.LPush(ctx, q.dead(queueName), repacked)
		deadTotal.WithLabelValues(queueName).Inc()
		if q.onDead != nil {
			q.onDead(ctx, queueName, &env)
		}
	} else {
		log.Warn().Err(err).
			Str("queue", queueName).
			Str("message_id", env.ID).
			Int("attempts", env.Attempts).
			Msg("message requeued")
		q.rdb.LPush(ctx, q.key(queueName), repacked)
		retriedTotal.WithLabelValues(queueName).Inc()
	}
	q.rdb.LRem(ctx, proc, 1, raw)
}
