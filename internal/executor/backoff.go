package executor

import (
	"context"
	"time"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	backoffFactor         = 2
)

// RetryPolicy bounds the attempts made against one provider
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout is the hard limit for a single call, zero means only the run context applies
	Timeout time.Duration
	// Jitter applies full jitter: the delay is drawn uniformly from [0, backoff]
	Jitter bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	return p
}

// Backoff returns the delay before retry n (1-indexed, the first retry after the
// initial failure is 1). rnd returns values in [0, 1) and is only used with Jitter.
func (p RetryPolicy) Backoff(retry int, rnd func() float64) time.Duration {
	p = p.withDefaults()
	delay := p.InitialBackoff
	for i := 1; i < retry; i++ {
		delay *= backoffFactor
		if delay > p.MaxBackoff {
			delay = p.MaxBackoff
			break
		}
	}
	if delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	if p.Jitter && rnd != nil {
		return time.Duration(rnd() * float64(delay))
	}
	return delay
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
