// Package delivery provides an at-least-once outbound queue with bounded,
// exponentially backed-off retries. The queue is persisted through a
// kvstore.Store after every mutation and can be restored with attempt
// counters intact.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/quiz-buzzer/internal/kvstore"
	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/protocol"
)

var (
	ErrDeliveryExhausted = errors.New("delivery exhausted")
	// ErrDeliveryCleared marks an item dropped by Clear before it was acknowledged.
	ErrDeliveryCleared = errors.New("delivery cleared")
)

// ExhaustedError reports one message that was dropped without an ack.
// Reason is ErrDeliveryExhausted unless set.
type ExhaustedError struct {
	ID       string
	Type     protocol.Type
	Attempts int
	Reason   error
}

func (e *ExhaustedError) Error() string {
	if errors.Is(e.Reason, ErrDeliveryCleared) {
		return fmt.Sprintf("%s %s cleared after %d attempts", e.Type, e.ID, e.Attempts)
	}
	return fmt.Sprintf("%s %s after %d attempts", e.Type, e.ID, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error {
	if e.Reason != nil {
		return e.Reason
	}
	return ErrDeliveryExhausted
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Item is a QueuedMessage.
type Item struct {
	ID            string           `json:"id"`
	Message       protocol.Message `json:"message"`
	Attempts      int              `json:"attempts"`
	MaxAttempts   int              `json:"maxAttempts"`
	EnqueuedAt    time.Time        `json:"enqueuedAt"`
	LastAttemptAt time.Time        `json:"lastAttemptAt"`
	Priority      Priority         `json:"priority"`

	inFlight bool
}

type Options struct {
	StorageKey  string
	Tick        time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Clock       clockwork.Clock
	OnExhausted func(*ExhaustedError)
}

func (o *Options) withDefaults() {
	if o.StorageKey == "" {
		o.StorageKey = "pending_queue"
	}
	if o.Tick <= 0 {
		o.Tick = 2 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Sender pushes one message to the current channel; false means not delivered.
type Sender func(protocol.Message) bool

type Queue struct {
	opts  Options
	store kvstore.Store
	log   *zap.Logger

	mu     sync.Mutex
	items  []*Item
	sender Sender
}

func New(store kvstore.Store, opts Options) *Queue {
	opts.withDefaults()
	return &Queue{opts: opts, store: store, log: obslog.Named("queue")}
}

// Backoff returns min(base*2^n, max).
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// SetSender attaches the live channel. A nil sender pauses retries.
func (q *Queue) SetSender(s Sender) {
	q.mu.Lock()
	q.sender = s
	q.mu.Unlock()
}

// Enqueue assigns an id, inserts by priority and makes the first attempt immediately.
func (q *Queue) Enqueue(ctx context.Context, msg protocol.Message, prio Priority) (string, error) {
	if prio == "" {
		prio = PriorityNormal
	}
	now := q.opts.Clock.Now()
	it := &Item{
		ID:          uuid.NewString(),
		Message:     msg,
		MaxAttempts: q.opts.MaxAttempts,
		EnqueuedAt:  now,
		Priority:    prio,
	}
	it.Message.ID = it.ID

	q.mu.Lock()
	q.insert(it)
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return it.ID, err
	}

	q.attempt(ctx, it, now)
	return it.ID, nil
}

func (q *Queue) insert(it *Item) {
	switch it.Priority {
	case PriorityHigh:
		q.items = append([]*Item{it}, q.items...)
	case PriorityLow:
		q.items = append(q.items, it)
	default:
		idx := len(q.items)
		for i, cur := range q.items {
			if cur.Priority == PriorityLow {
				idx = i
				break
			}
		}
		q.items = append(q.items, nil)
		copy(q.items[idx+1:], q.items[idx:])
		q.items[idx] = it
	}
}

// Acknowledge removes id. Unknown ids are ignored.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return q.persistLocked(ctx)
		}
	}
	return nil
}

// Tick resends due items and drops those past their last backoff window.
func (q *Queue) Tick(ctx context.Context) {
	now := q.opts.Clock.Now()
	var due []*Item
	var dead []*ExhaustedError

	q.mu.Lock()
	if q.sender == nil {
		q.mu.Unlock()
		return
	}
	kept := q.items[:0]
	for _, it := range q.items {
		if it.inFlight {
			kept = append(kept, it)
			continue
		}
		delay := Backoff(it.Attempts, q.opts.BaseDelay, q.opts.MaxDelay)
		if now.Sub(it.LastAttemptAt) < delay {
			kept = append(kept, it)
			continue
		}
		if it.Attempts >= it.MaxAttempts {
			dead = append(dead, &ExhaustedError{ID: it.ID, Type: it.Message.Type, Attempts: it.Attempts})
			continue
		}
		kept = append(kept, it)
		due = append(due, it)
	}
	q.items = kept
	if len(dead) > 0 {
		if err := q.persistLocked(ctx); err != nil {
			q.log.Warn("queue_persist_failed", zap.Error(err))
		}
	}
	q.mu.Unlock()

	for _, e := range dead {
		q.log.Warn("queue_exhausted", zap.String("id", e.ID), zap.String("type", string(e.Type)), zap.Int("attempts", e.Attempts))
		if q.opts.OnExhausted != nil {
			q.opts.OnExhausted(e)
		}
	}
	for _, it := range due {
		q.attempt(ctx, it, now)
	}
}

func (q *Queue) attempt(ctx context.Context, it *Item, now time.Time) {
	q.mu.Lock()
	send := q.sender
	if send == nil || it.inFlight || !q.containsLocked(it) {
		q.mu.Unlock()
		return
	}
	it.inFlight = true
	it.Attempts++
	it.LastAttemptAt = now
	msg := it.Message
	if err := q.persistLocked(ctx); err != nil {
		q.log.Warn("queue_persist_failed", zap.Error(err))
	}
	q.mu.Unlock()

	ok := send(msg)

	q.mu.Lock()
	it.inFlight = false
	q.mu.Unlock()
	if !ok {
		q.log.Debug("queue_send_unavailable", zap.String("id", it.ID), zap.Int("attempt", it.Attempts))
	}
}

func (q *Queue) containsLocked(it *Item) bool {
	for _, cur := range q.items {
		if cur == it {
			return true
		}
	}
	return false
}

// Run ticks until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	t := q.opts.Clock.NewTicker(q.opts.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			q.Tick(ctx)
		}
	}
}

// Restore loads the persisted queue, keeping attempt counters and timestamps.
func (q *Queue) Restore(ctx context.Context) error {
	raw, ok, err := q.store.Get(ctx, q.opts.StorageKey)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}
	var items []*Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.log.Warn("queue_restore_corrupt", zap.Error(err))
		return nil
	}
	q.mu.Lock()
	q.items = q.items[:0]
	for _, it := range items {
		if it == nil || it.ID == "" {
			continue
		}
		if it.MaxAttempts <= 0 {
			it.MaxAttempts = q.opts.MaxAttempts
		}
		it.Message.ID = it.ID
		q.items = append(q.items, it)
	}
	n := len(q.items)
	q.mu.Unlock()
	q.log.Info("queue_restored", zap.Int("items", n))
	return nil
}

// Clear drops every pending item and reports each one to OnExhausted
// with ErrDeliveryCleared.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	dropped := q.items
	q.items = nil
	err := q.persistLocked(ctx)
	q.mu.Unlock()

	for _, it := range dropped {
		e := &ExhaustedError{ID: it.ID, Type: it.Message.Type, Attempts: it.Attempts, Reason: ErrDeliveryCleared}
		q.log.Info("queue_cleared_item", zap.String("id", e.ID), zap.String("type", string(e.Type)))
		if q.opts.OnExhausted != nil {
			q.opts.OnExhausted(e)
		}
	}
	return err
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns copies in queue order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	raw, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Set(ctx, q.opts.StorageKey, string(raw)); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}
