package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
)

// RedisClient is the subset of redis.Cmdable the backend uses
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisBackend stores msgpack-encoded entries in Redis with native expiry.
// The caller owns the client lifecycle.
type RedisBackend struct {
	client RedisClient
	prefix string
}

// NewRedisBackend creates a backend using keys of the form prefix+fingerprint
func NewRedisBackend(client RedisClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "trend:cache:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

type redisEntry struct {
	Payload    []byte `msgpack:"p"`
	Provider   string `msgpack:"v"`
	InsertedAt int64  `msgpack:"i"`
	TTL        int64  `msgpack:"t"`
}

func (b *RedisBackend) key(fp fingerprint.Fingerprint) string {
	return b.prefix + fp.String()
}

func (b *RedisBackend) Get(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, error) {
	data, err := b.client.Get(ctx, b.key(fp)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var re redisEntry
	if err := msgpack.Unmarshal(data, &re); err != nil {
		return nil, err
	}
	return &Entry{
		Fingerprint: fp,
		Payload:     re.Payload,
		InsertedAt:  time.Unix(0, re.InsertedAt),
		TTL:         time.Duration(re.TTL),
		Provider:    re.Provider,
	}, nil
}

func (b *RedisBackend) Put(ctx context.Context, e *Entry) error {
	data, err := msgpack.Marshal(redisEntry{
		Payload:    e.Payload,
		Provider:   e.Provider,
		InsertedAt: e.InsertedAt.UnixNano(),
		TTL:        int64(e.TTL),
	})
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.key(e.Fingerprint), data, e.TTL).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	return b.client.Del(ctx, b.key(fp)).Err()
}
