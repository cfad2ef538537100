package kv

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clock)

	require.NoError(t, m.Set(ctx, "a", "1", time.Minute))
	v, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	clock.Advance(59 * time.Second)
	ok, err = m.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Second)
	ok, err = m.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySetNXAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	ok, err := m.SetNX(ctx, "k", "owner-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", "owner-2", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := m.CompareAndDelete(ctx, "k", "owner-2")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = m.CompareAndDelete(ctx, "k", "owner-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory(nil)
	require.ErrorIs(t, m.Set(ctx, "a", "b", 0), context.Canceled)
}

func TestLockerExclusive(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewMemory(clock)
	a := NewLocker(store, "node-a", time.Minute)
	b := NewLocker(store, "node-b", time.Minute)

	lock, err := a.Lock(ctx, "pipeline")
	require.NoError(t, err)

	_, err = b.Lock(ctx, "pipeline")
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Unlock(ctx))
	lockB, err := b.Lock(ctx, "pipeline")
	require.NoError(t, err)

	// a stale unlock from a must not release b's lock
	require.NoError(t, lock.Unlock(ctx))
	_, err = a.Lock(ctx, "pipeline")
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lockB.Unlock(ctx))
}

func TestLockerExpires(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewMemory(clock)
	l := NewLocker(store, "node", time.Minute)

	_, err := l.Lock(ctx, "job")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = l.Lock(ctx, "job")
	require.NoError(t, err)
}

func TestLeaseExtendKeepsLockPastTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewMemory(clock)
	a := NewLocker(store, "node-a", time.Minute)
	b := NewLocker(store, "node-b", time.Minute)

	lock, err := a.Lock(ctx, "pipeline")
	require.NoError(t, err)
	lease, ok := lock.(Lease)
	require.True(t, ok)
	assert.Equal(t, time.Minute, lease.TTL())

	clock.Advance(40 * time.Second)
	require.NoError(t, lease.Extend(ctx))
	clock.Advance(40 * time.Second)
	_, err = b.Lock(ctx, "pipeline")
	require.ErrorIs(t, err, ErrLockHeld)

	clock.Advance(time.Minute)
	assert.ErrorIs(t, lease.Extend(ctx), ErrLockLost)

	// Once b holds it, a's extend must not touch b's lock.
	lockB, err := b.Lock(ctx, "pipeline")
	require.NoError(t, err)
	assert.ErrorIs(t, lease.Extend(ctx), ErrLockLost)
	require.NoError(t, lockB.Unlock(ctx))
}
