// Package kv is the narrow expiring key-value interface used for cooldown
// timers, synthetic-win suppression windows and distributed job locks.
package kv

import (
	"context"
	"time"
)

// Store is an expiring string key-value store. A zero ttl means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// CompareAndExpire resets key's ttl only while it still holds value.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
}
