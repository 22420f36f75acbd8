// Package executor runs one phase's unit of work against an ordered chain of
// providers, retrying each with backoff and falling over to the next one.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

const instrumentationName = "github.com/hochfrequenz/trend-orchestrator/executor"

// ProviderSpec is one member of a provider chain
type ProviderSpec struct {
	ID     string
	Policy RetryPolicy
	// RateLimit is the sustained calls per second, zero disables limiting
	RateLimit float64
	Burst     int
}

// CallSpec is the ordered provider chain for one phase
type CallSpec struct {
	Phase string
	Chain []ProviderSpec
}

// IDs returns the provider IDs in chain order
func (s CallSpec) IDs() []string {
	ids := make([]string, len(s.Chain))
	for i, p := range s.Chain {
		ids[i] = p.ID
	}
	return ids
}

// Call performs one attempt against the named provider
type Call[T any] func(ctx context.Context, providerID string) (T, error)

// Result is a successful phase outcome
type Result[T any] struct {
	Value    T
	Provider string
	// Attempts counts every call made across the chain, including failed ones
	Attempts int
	Failures []AttemptFailure
}

// AttemptFailure records one failed attempt
type AttemptFailure struct {
	Provider  string           `json:"provider"`
	Attempt   int              `json:"attempt"`
	Kind      domain.ErrorKind `json:"kind"`
	Transient bool             `json:"transient"`
	Message   string           `json:"message"`
}

// PhaseFailure is returned when every provider in a chain is exhausted
type PhaseFailure struct {
	Phase    string
	Failures []AttemptFailure
}

func (f *PhaseFailure) Error() string {
	return fmt.Sprintf("%s: all providers exhausted: %s", f.Phase, f.Summary())
}

// Unwrap makes errors.Is(err, domain.ErrProviderExhausted) hold
func (f *PhaseFailure) Unwrap() error { return domain.ErrProviderExhausted }

// Summary aggregates failures per provider, e.g. "tavily: timeout x3; backup: auth-error"
func (f *PhaseFailure) Summary() string {
	type tally struct {
		kinds []domain.ErrorKind
		count map[domain.ErrorKind]int
	}
	var order []string
	byProvider := make(map[string]*tally)
	for _, a := range f.Failures {
		t, ok := byProvider[a.Provider]
		if !ok {
			t = &tally{count: make(map[domain.ErrorKind]int)}
			byProvider[a.Provider] = t
			order = append(order, a.Provider)
		}
		if t.count[a.Kind] == 0 {
			t.kinds = append(t.kinds, a.Kind)
		}
		t.count[a.Kind]++
	}

	parts := make([]string, 0, len(order))
	for _, p := range order {
		t := byProvider[p]
		kinds := make([]string, 0, len(t.kinds))
		for _, k := range t.kinds {
			if n := t.count[k]; n > 1 {
				kinds = append(kinds, fmt.Sprintf("%s x%d", k, n))
			} else {
				kinds = append(kinds, string(k))
			}
		}
		parts = append(parts, p+": "+strings.Join(kinds, ", "))
	}
	if len(parts) == 0 {
		return "no providers configured"
	}
	return strings.Join(parts, "; ")
}

// Executor holds the cross-run state of provider calls: rate limiters and telemetry
type Executor struct {
	logger   *zap.Logger
	tracer   trace.Tracer
	attempts metric.Int64Counter
	sleep    func(context.Context, time.Duration) error
	rand     func() float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithTracer sets the tracer used for phase and attempt spans
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithMeter sets the meter used for the attempt counter
func WithMeter(m metric.Meter) Option {
	return func(e *Executor) { e.attempts = newAttemptCounter(m) }
}

// WithSleep replaces the backoff sleep, mainly for tests
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRand replaces the jitter source
func WithRand(fn func() float64) Option {
	return func(e *Executor) { e.rand = fn }
}

// New creates an Executor. Without options it uses the global OTel providers.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		attempts: newAttemptCounter(otel.Meter(instrumentationName)),
		sleep:    sleepCtx,
		rand:     rand.Float64,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func newAttemptCounter(m metric.Meter) metric.Int64Counter {
	c, _ := m.Int64Counter(
		"trend.provider.attempts",
		metric.WithDescription("Provider call attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	return c
}

func (e *Executor) limiter(p ProviderSpec) *rate.Limiter {
	if p.RateLimit <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[p.ID]
	if !ok {
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(p.RateLimit), burst)
		e.limiters[p.ID] = l
	}
	return l
}

// Execute runs call against each provider of spec in order. Transient failures
// are retried on the same provider with backoff; permanent ones move straight to
// the next provider. Cancellation of ctx aborts with ctx's error.
func Execute[T any](ctx context.Context, e *Executor, spec CallSpec, call Call[T]) (Result[T], error) {
	var res Result[T]

	ctx, span := e.tracer.Start(ctx, "phase.execute",
		trace.WithAttributes(
			attribute.String("trend.phase", spec.Phase),
			attribute.StringSlice("trend.chain", spec.IDs()),
		),
	)
	defer span.End()

	log := e.logger.With(zap.String("phase", spec.Phase))

	for _, p := range spec.Chain {
		policy := p.Policy.withDefaults()
		limiter := e.limiter(p)

		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				span.SetStatus(codes.Error, "cancelled")
				return res, err
			}
			if attempt > 1 {
				if err := e.sleep(ctx, policy.Backoff(attempt-1, e.rand)); err != nil {
					return res, err
				}
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					if ctx.Err() != nil {
						return res, ctx.Err()
					}
					return res, fmt.Errorf("rate limiter for %s: %w", p.ID, err)
				}
			}

			res.Attempts++
			v, err := attemptCall(ctx, e, spec.Phase, p.ID, attempt, policy, call)
			if err == nil {
				res.Value = v
				res.Provider = p.ID
				span.SetAttributes(attribute.String("trend.provider", p.ID), attribute.Int("trend.attempts", res.Attempts))
				span.SetStatus(codes.Ok, "")
				if len(res.Failures) > 0 {
					log.Info("executor: succeeded after failures",
						zap.String("provider", p.ID),
						zap.Int("attempts", res.Attempts),
					)
				}
				return res, nil
			}
			if ctx.Err() != nil {
				span.SetStatus(codes.Error, "cancelled")
				return res, ctx.Err()
			}

			kind, transient := Classify(err)
			res.Failures = append(res.Failures, AttemptFailure{
				Provider:  p.ID,
				Attempt:   attempt,
				Kind:      kind,
				Transient: transient,
				Message:   err.Error(),
			})
			log.Warn("executor: attempt failed",
				zap.String("provider", p.ID),
				zap.Int("attempt", attempt),
				zap.String("kind", string(kind)),
				zap.Bool("transient", transient),
				zap.Error(err),
			)
			if !transient {
				break
			}
		}
		log.Warn("executor: provider exhausted, falling back", zap.String("provider", p.ID))
	}

	failure := &PhaseFailure{Phase: spec.Phase, Failures: res.Failures}
	span.RecordError(failure)
	span.SetStatus(codes.Error, "provider chain exhausted")
	log.Error("executor: provider chain exhausted", zap.String("reason", failure.Summary()))
	return res, failure
}

// attemptCall makes one call bounded by the policy timeout. The call runs in
// its own goroutine so a provider that ignores its context cannot hold the run
// past the timeout; a late result is discarded.
func attemptCall[T any](ctx context.Context, e *Executor, phase, providerID string, n int, policy RetryPolicy, call Call[T]) (T, error) {
	ctx, span := e.tracer.Start(ctx, "provider.call",
		trace.WithAttributes(
			attribute.String("trend.phase", phase),
			attribute.String("trend.provider", providerID),
			attribute.Int("trend.attempt", n),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if policy.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
	}
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := call(callCtx, providerID)
		done <- outcome{v: v, err: err}
	}()

	var (
		v   T
		err error
	)
	select {
	case o := <-done:
		v, err = o.v, o.err
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = domain.NewProviderError(providerID, domain.KindTimeout, fmt.Errorf("no response within %s: %w", policy.Timeout, err))
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = domain.NewProviderError(providerID, domain.KindTimeout, fmt.Errorf("no response within %s", policy.Timeout))
		}
	}

	outcomeAttr := "ok"
	if err != nil {
		if _, transient := Classify(err); transient {
			outcomeAttr = "transient"
		} else {
			outcomeAttr = "permanent"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if e.attempts != nil {
		e.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", phase),
			attribute.String("provider", providerID),
			attribute.String("outcome", outcomeAttr),
		))
	}
	return v, err
}

// Classify maps an error to a failure kind and whether it may be retried.
// Unclassified errors are treated as transient.
func Classify(err error) (domain.ErrorKind, bool) {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, pe.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTimeout, true
	}
	return domain.KindUnknown, true
}

// SpecFromConfig builds the call spec for a chain of provider IDs
func SpecFromConfig(cfg *config.Config, phase string, chain []string) (CallSpec, error) {
	spec := CallSpec{Phase: phase}
	for _, id := range chain {
		p, ok := cfg.Provider(id)
		if !ok {
			return CallSpec{}, fmt.Errorf("%s: unknown provider %q", phase, id)
		}
		spec.Chain = append(spec.Chain, ProviderSpec{
			ID: p.ID,
			Policy: RetryPolicy{
				MaxAttempts:    p.MaxAttempts,
				InitialBackoff: p.InitialBackoff.Duration,
				MaxBackoff:     p.MaxBackoff.Duration,
				Timeout:        p.Timeout.Duration,
				Jitter:         p.Jitter,
			},
			RateLimit: p.RateLimit,
			Burst:     p.Burst,
		})
	}
	return spec, nil
}
