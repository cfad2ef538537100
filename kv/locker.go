package kv

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

var (
	// ErrLockHeld is returned when another holder owns the lock.
	ErrLockHeld = errors.New("kv: lock held by another instance")
	// ErrLockLost is returned by Extend once the lock expired or changed hands.
	ErrLockLost = errors.New("kv: lock no longer held")
)

// Lease is a held lock that must be extended before its ttl runs out.
type Lease interface {
	gocron.Lock
	Extend(ctx context.Context) error
	TTL() time.Duration
}

// Locker is a distributed lock over a Store. It satisfies gocron.Locker so
// scheduled jobs run on one instance at a time.
type Locker struct {
	store Store
	ttl   time.Duration
	owner string
}

var _ gocron.Locker = (*Locker)(nil)

func NewLocker(store Store, owner string, ttl time.Duration) *Locker {
	return &Locker{store: store, ttl: ttl, owner: owner}
}

func (l *Locker) Lock(ctx context.Context, key string) (gocron.Lock, error) {
	token := l.owner + ":" + uuid.NewString()
	ok, err := l.store.SetNX(ctx, "lock:"+key, token, l.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &heldLock{store: l.store, key: "lock:" + key, token: token, ttl: l.ttl}, nil
}

type heldLock struct {
	store Store
	key   string
	token string
	ttl   time.Duration
}

var _ Lease = (*heldLock)(nil)

func (h *heldLock) TTL() time.Duration { return h.ttl }

func (h *heldLock) Extend(ctx context.Context) error {
	ok, err := h.store.CompareAndExpire(ctx, h.key, h.token, h.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockLost
	}
	return nil
}

func (h *heldLock) Unlock(ctx context.Context) error {
	_, err := h.store.CompareAndDelete(ctx, h.key, h.token)
	return err
}
