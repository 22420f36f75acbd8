// Package observer aggregates run outcomes into metrics.
package observer

import (
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/pipeline"
)

// Observer monitors runs and collects metrics. It is a pipeline.Listener.
type Observer struct {
	stuckThreshold time.Duration
	now            func() time.Time

	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	RunID       string
	Status      domain.RunStatus
	Reason      domain.FailureReason
	Degraded    bool
	Duration    time.Duration
	CacheHits   int
	Attempts    int
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int
	TotalTextOnly  int
	TotalFailed    int
	// TotalDegraded counts text-only runs that asked for a video
	TotalDegraded    int
	FailuresByReason map[domain.FailureReason]int
	CacheHits        int
	ProviderAttempts int
	AvgDuration      time.Duration
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		now:            time.Now,
	}
}

// IsStuck returns true if a run has been active longer than the threshold
func (o *Observer) IsStuck(run *domain.Run) bool {
	if run.Status.IsTerminal() {
		return false
	}
	return o.now().Sub(run.CreatedAt) > o.stuckThreshold
}

// OnEvent records finished runs
func (o *Observer) OnEvent(e pipeline.Event) {
	if e.Type == pipeline.EventRunFinished && e.Run != nil {
		o.RecordRun(e.Run)
	}
}

// RecordRun records a finished run
func (o *Observer) RecordRun(run *domain.Run) {
	c := completion{
		RunID:       run.ID,
		Status:      run.Status,
		Reason:      run.FailureReason,
		Duration:    run.Duration(o.now()),
		CompletedAt: o.now(),
	}
	for _, w := range run.Warnings {
		if strings.HasPrefix(w, domain.WarnVideoDegraded) {
			c.Degraded = true
		}
	}
	for _, p := range run.Phases {
		if p.FromCache {
			c.CacheHits++
		}
		c.Attempts += p.Attempts
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.completions = append(o.completions, c)
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{FailuresByReason: make(map[domain.FailureReason]int)}
	var totalDuration time.Duration

	for _, c := range o.completions {
		switch c.Status {
		case domain.RunCompleted:
			metrics.TotalCompleted++
		case domain.RunTextOnlyCompleted:
			metrics.TotalTextOnly++
		case domain.RunFailed:
			metrics.TotalFailed++
			metrics.FailuresByReason[c.Reason]++
		}
		if c.Degraded {
			metrics.TotalDegraded++
		}
		metrics.CacheHits += c.CacheHits
		metrics.ProviderAttempts += c.Attempts
		totalDuration += c.Duration
	}

	if n := len(o.completions); n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
	}

	return metrics
}

// GetRecentCompletions returns the IDs of runs finished within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.RunID)
		}
	}

	return result
}
