package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	inserted := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	fp := testFP("ai")

	got, err := b.Get(ctx, fp)
	if err != nil || got != nil {
		t.Fatalf("Get(absent) = %v, %v; want nil, nil", got, err)
	}

	e := &Entry{Fingerprint: fp, Payload: []byte{1, 2, 3}, InsertedAt: inserted, TTL: 6 * time.Hour, Provider: "tavily"}
	if err := b.Put(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.Payload = []byte{9}
	e.Provider = "tavily-backup"
	if err := b.Put(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err = b.Get(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if got.Provider != "tavily-backup" || len(got.Payload) != 1 || got.Payload[0] != 9 {
		t.Errorf("Get = %+v, want the replaced entry", got)
	}
	if !got.InsertedAt.Equal(inserted) {
		t.Errorf("InsertedAt = %v, want %v", got.InsertedAt, inserted)
	}
	if got.TTL != 6*time.Hour {
		t.Errorf("TTL = %v, want 6h", got.TTL)
	}

	n, err := b.Sweep(ctx, inserted.Add(7*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
}

func TestSQLiteBackend_Delete(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	fp := testFP("ai")
	_ = b.Put(ctx, &Entry{Fingerprint: fp, Payload: []byte("x"), InsertedAt: time.Now(), TTL: time.Hour})

	if err := b.Delete(ctx, fp); err != nil {
		t.Fatal(err)
	}
	if got, _ := b.Get(ctx, fp); got != nil {
		t.Errorf("Get after Delete = %+v, want nil", got)
	}
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttl  map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttl: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = string(value.([]byte))
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	client := newFakeRedis()
	b := NewRedisBackend(client, "")
	ctx := context.Background()
	fp := testFP("ai")
	inserted := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	if got, err := b.Get(ctx, fp); err != nil || got != nil {
		t.Fatalf("Get(absent) = %v, %v; want nil, nil", got, err)
	}

	if err := b.Put(ctx, &Entry{Fingerprint: fp, Payload: []byte("findings"), InsertedAt: inserted, TTL: 6 * time.Hour, Provider: "tavily"}); err != nil {
		t.Fatal(err)
	}
	if ttl := client.ttl["trend:cache:"+fp.String()]; ttl != 6*time.Hour {
		t.Errorf("redis expiration = %v, want 6h", ttl)
	}

	got, err := b.Get(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != "findings" || got.Provider != "tavily" {
		t.Errorf("Get = %+v, want stored entry", got)
	}
	if !got.InsertedAt.Equal(inserted) {
		t.Errorf("InsertedAt = %v, want %v", got.InsertedAt, inserted)
	}

	if err := b.Delete(ctx, fp); err != nil {
		t.Fatal(err)
	}
	if got, _ := b.Get(ctx, fp); got != nil {
		t.Error("entry should be gone after Delete")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	type payload struct {
		Titles []string
		Score  float64
	}
	data, err := Marshal(payload{Titles: []string{"a", "b"}, Score: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	var got payload
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Titles) != 2 || got.Score != 0.5 {
		t.Errorf("Unmarshal = %+v", got)
	}
}
