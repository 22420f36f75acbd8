// Package cache stores phase results keyed by fingerprint, with TTL expiry,
// explicit invalidation and single-flight deduplication of concurrent misses.
package cache

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
)

// Entry is one cached phase result
type Entry struct {
	Fingerprint fingerprint.Fingerprint `msgpack:"fp"`
	Payload     []byte                  `msgpack:"payload"`
	InsertedAt  time.Time               `msgpack:"inserted_at"`
	TTL         time.Duration           `msgpack:"ttl"`
	Provider    string                  `msgpack:"provider"`
}

// ExpiresAt returns the instant the entry stops being served
func (e *Entry) ExpiresAt() time.Time {
	return e.InsertedAt.Add(e.TTL)
}

// Expired reports whether the entry is past its TTL at now
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Remaining returns the time left before expiry, never negative
func (e *Entry) Remaining(now time.Time) time.Duration {
	d := e.ExpiresAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}

// Backend persists entries. Get returns (nil, nil) for an absent key.
// Put must replace any previous entry atomically.
type Backend interface {
	Get(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, fp fingerprint.Fingerprint) error
}

// Sweeper is implemented by backends that need expired entries purged explicitly
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Marshal encodes a payload value for storage
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes a payload produced by Marshal
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
