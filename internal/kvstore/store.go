package kvstore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrClosed = errors.New("kvstore: closed")

// Store is the local key-value collaborator. SetWithTTL records a write
// timestamp under ttlKey; IsExpired compares that timestamp against ttl.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetWithTTL(ctx context.Context, key, ttlKey, value string) error
	Remove(ctx context.Context, key string) error
	IsExpired(ctx context.Context, ttlKey string, ttl time.Duration) (bool, error)
}

// Memory is a process-local Store.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	clock  clockwork.Clock
	closed bool
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{data: make(map[string]string), clock: clock}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = value
	return nil
}

func (m *Memory) SetWithTTL(_ context.Context, key, ttlKey, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = value
	m.data[ttlKey] = strconv.FormatInt(m.clock.Now().UnixMilli(), 10)
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) IsExpired(_ context.Context, ttlKey string, ttl time.Duration) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[ttlKey]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return false, ErrClosed
	}
	return expired(raw, ok, ttl, m.clock.Now()), nil
}

// Close makes every further call fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Keys returns a copy of stored keys; for diagnostics.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	return out
}

// missing or unparsable stamps count as expired
func expired(raw string, ok bool, ttl time.Duration, now time.Time) bool {
	if !ok {
		return true
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return now.Sub(time.UnixMilli(ms)) >= ttl
}
