package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
)

// ErrInvalidTTL is returned by Put for a non-positive TTL
var ErrInvalidTTL = errors.New("cache ttl must be positive")

// Value is what a Do callback produces
type Value struct {
	Payload  []byte
	Provider string
	// NoStore shares the value with concurrent waiters but keeps it out of the backend
	NoStore bool
}

// Outcome describes how Do satisfied a request
type Outcome struct {
	Entry *Entry
	// Hit is true when the entry came from the backend without calling fn
	Hit bool
	// Shared is true when this caller received another caller's in-flight result
	Shared bool
}

// Stats is a snapshot of store counters
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Shared int64 `json:"shared"`
	Stores int64 `json:"stores"`
}

// Store wraps a Backend with TTL semantics and single-flight
type Store struct {
	backend Backend
	group   singleflight.Group
	now     func() time.Time
	logger  *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	shared atomic.Int64
	stores atomic.Int64
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over backend
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Lookup returns the live entry for fp. Expired entries are reported absent.
func (s *Store) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, bool, error) {
	e, err := s.backend.Get(ctx, fp)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	if e.Expired(s.now()) {
		if err := s.backend.Delete(ctx, fp); err != nil {
			s.logger.Debug("cache: failed to drop expired entry", zap.String("fingerprint", fp.Short()), zap.Error(err))
		}
		return nil, false, nil
	}
	return e, true, nil
}

// Fetch is Lookup for callers that manage the flight themselves; it counts
// the hit or miss in Stats
func (s *Store) Fetch(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, bool, error) {
	e, ok, err := s.Lookup(ctx, fp)
	if err != nil {
		return nil, false, err
	}
	if ok {
		s.hits.Add(1)
		return e.clone(), true, nil
	}
	s.misses.Add(1)
	return nil, false, nil
}

// Put stores payload under fp for ttl
func (s *Store) Put(ctx context.Context, fp fingerprint.Fingerprint, payload []byte, ttl time.Duration, provider string) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	e := &Entry{
		Fingerprint: fp,
		Payload:     append([]byte(nil), payload...),
		InsertedAt:  s.now(),
		TTL:         ttl,
		Provider:    provider,
	}
	if err := s.backend.Put(ctx, e); err != nil {
		return err
	}
	s.stores.Add(1)
	return nil
}

// Invalidate removes the entry for fp
func (s *Store) Invalidate(ctx context.Context, fp fingerprint.Fingerprint) error {
	return s.backend.Delete(ctx, fp)
}

type flightResult struct {
	entry *Entry
	hit   bool
}

// Do returns the cached entry for fp or runs fn to produce it. At most one fn
// runs per fingerprint at a time; concurrent callers wait for it and receive
// the same result. Errors are returned to every waiter and never stored.
// A ttl <= 0 only deduplicates the in-flight call.
//
// fn runs detached from the leader's cancellation so that waiters are not
// failed by another caller's cancel. Each caller's own ctx still bounds its wait.
func (s *Store) Do(ctx context.Context, fp fingerprint.Fingerprint, ttl time.Duration, fn func(context.Context) (Value, error)) (Outcome, error) {
	if ttl > 0 {
		e, ok, err := s.Lookup(ctx, fp)
		if err != nil {
			s.logger.Warn("cache: lookup failed, treating as miss", zap.String("fingerprint", fp.Short()), zap.Error(err))
		} else if ok {
			s.hits.Add(1)
			return Outcome{Entry: e, Hit: true}, nil
		}
	}

	flightCtx := context.WithoutCancel(ctx)
	// only the caller whose fn runs the flight sets ran
	var ran atomic.Bool
	ch := s.group.DoChan(string(fp), func() (any, error) {
		ran.Store(true)
		if ttl > 0 {
			// a previous flight may have stored the entry between our lookup and now
			if e, ok, err := s.Lookup(flightCtx, fp); err == nil && ok {
				return flightResult{entry: e, hit: true}, nil
			}
		}
		s.misses.Add(1)

		v, err := fn(flightCtx)
		if err != nil {
			return nil, err
		}
		e := &Entry{
			Fingerprint: fp,
			Payload:     v.Payload,
			InsertedAt:  s.now(),
			TTL:         ttl,
			Provider:    v.Provider,
		}
		if ttl > 0 && !v.NoStore {
			if err := s.backend.Put(flightCtx, e); err != nil {
				s.logger.Warn("cache: store failed", zap.String("fingerprint", fp.Short()), zap.Error(err))
			} else {
				s.stores.Add(1)
			}
		}
		return flightResult{entry: e}, nil
	})

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Outcome{}, res.Err
		}
		fr := res.Val.(flightResult)
		shared := res.Shared && !ran.Load()
		if shared {
			s.shared.Add(1)
		}
		if fr.hit {
			s.hits.Add(1)
		}
		return Outcome{Entry: fr.entry.clone(), Hit: fr.hit, Shared: shared}, nil
	}
}

// Stats returns a snapshot of the store counters
func (s *Store) Stats() Stats {
	return Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Shared: s.shared.Load(),
		Stores: s.stores.Load(),
	}
}

// RunSweeper purges expired entries every interval until ctx is done.
// It returns immediately when the backend expires entries on its own.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	sw, ok := s.backend.(Sweeper)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sw.Sweep(ctx, s.now())
			if err != nil {
				s.logger.Warn("cache: sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("cache: swept expired entries", zap.Int("count", n))
			}
		}
	}
}
