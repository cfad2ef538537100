package kv

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero: never
}

// Memory is an in-process Store. Expiry follows the injected clock.
type Memory struct {
	mu    sync.Mutex
	clock clockwork.Clock
	items map[string]memoryEntry
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{clock: clock, items: make(map[string]memoryEntry)}
}

// live returns the entry for key, dropping it when expired. Caller holds mu.
func (m *Memory) live(key string) (memoryEntry, bool) {
	e, ok := m.items[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.items, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *Memory) entry(value string, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	return e
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	return e.value, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = m.entry(value, ttl)
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.items[key] = m.entry(value, ttl)
	return true, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *Memory) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	m.items[key] = m.entry(value, ttl)
	return true, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}
