package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Trigger starts the work of one scheduled occurrence and returns when it is done
type Trigger func(ctx context.Context, s Schedule) error

// Scheduler manages scheduled runs
type Scheduler struct {
	schedules map[string]Schedule
	parser    cron.Parser
	lastRun   map[string]time.Time
	running   map[string]bool
	started   time.Time
	now       func() time.Time
	tick      time.Duration
	logger    *zap.Logger
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTick sets how often schedules are checked
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// NewScheduler creates a new scheduler
func NewScheduler(schedules []Schedule, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		schedules: make(map[string]Schedule),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
		now:       time.Now,
		tick:      time.Minute,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()

	if err := s.Reload(schedules); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Reload replaces the schedule set. Last-run times survive for schedules that
// keep their name; a running occurrence is not interrupted.
func (s *Scheduler) Reload(schedules []Schedule) error {
	next := make(map[string]Schedule, len(schedules))
	for _, sc := range schedules {
		if err := sc.Validate(); err != nil {
			return err
		}
		next[sc.Name] = sc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = next
	for name := range s.lastRun {
		if _, ok := next[name]; !ok {
			delete(s.lastRun, name)
		}
	}
	return nil
}

// NextRun returns the next scheduled run time for a schedule
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schedules[name]
	if !ok || sc.Disabled {
		return time.Time{}
	}

	sched, err := s.parser.Parse(sc.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(s.now())
}

// ShouldRun returns true if a schedule is due. A schedule that never ran is
// due at its first occurrence after the scheduler started.
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schedules[name]
	if !ok || sc.Disabled {
		return false
	}

	if s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(sc.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = s.started
	}

	nextRun := sched.Next(lastRun)
	return !s.now().Before(nextRun)
}

// MarkRunning marks a schedule as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a schedule as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = s.now()
}

// GetSchedule returns a schedule by name
func (s *Scheduler) GetSchedule(name string) (Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[name]
	return sc, ok
}

// ListSchedules returns all schedule names, sorted
func (s *Scheduler) ListSchedules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.schedules))
	for name := range s.schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunDue triggers every due schedule in the background
func (s *Scheduler) RunDue(ctx context.Context, trigger Trigger) {
	for _, name := range s.ListSchedules() {
		if !s.ShouldRun(name) {
			continue
		}
		sc, _ := s.GetSchedule(name)
		s.MarkRunning(name)
		s.wg.Add(1)
		go func(sc Schedule) {
			defer s.wg.Done()
			defer s.MarkComplete(sc.Name)

			runCtx, cancel := context.WithTimeout(ctx, sc.MaxDuration.Duration)
			defer cancel()

			s.logger.Info("batch: schedule triggered", zap.String("schedule", sc.Name), zap.Strings("query", sc.Query))
			if err := trigger(runCtx, sc); err != nil {
				s.logger.Error("batch: schedule failed", zap.String("schedule", sc.Name), zap.Error(err))
			}
		}(sc)
	}
}

// Start runs the scheduler loop until ctx is cancelled, then waits for
// running occurrences to return
func (s *Scheduler) Start(ctx context.Context, trigger Trigger) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx, trigger)
		}
	}
}

// Wait blocks until all triggered occurrences have returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
