// Package pipeline drives runs through research, impact evaluation, content
// transformation and optional video synthesis.
//
// Each run is owned by one goroutine that moves it through the state machine
// in domain. Phases never overlap within a run; the cache and the executor
// are shared across runs so identical concurrent work is done once.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hochfrequenz/trend-orchestrator/internal/cache"
	"github.com/hochfrequenz/trend-orchestrator/internal/config"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/executor"
	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
	"github.com/hochfrequenz/trend-orchestrator/internal/guardrail"
	"github.com/hochfrequenz/trend-orchestrator/internal/prompts"
	"github.com/hochfrequenz/trend-orchestrator/internal/providers"
)

const instrumentationName = "github.com/hochfrequenz/trend-orchestrator/pipeline"

var (
	ErrEmptyQuery    = eris.New("pipeline: query has no terms")
	ErrVideoDisabled = eris.New("pipeline: video synthesis is not configured")
	ErrShuttingDown  = eris.New("pipeline: controller is shutting down")
	ErrCancelled     = eris.New("pipeline: run cancelled")
	ErrRunActive     = eris.New("pipeline: run has not finished")
)

// Controller owns every run it starts
type Controller struct {
	cfg       *config.Config
	registry  *providers.Registry
	cache     *cache.Store
	exec      *executor.Executor
	validator *guardrail.Validator
	prompts   *prompts.Loader
	sink      providers.OutputSink
	store     RunStore
	listeners []Listener
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string

	specs phaseSpecs
	slots chan struct{}

	mu     sync.RWMutex
	runs   map[string]*runHandle
	closed bool
	wg     sync.WaitGroup
}

type phaseSpecs struct {
	research executor.CallSpec
	impact   executor.CallSpec
	content  executor.CallSpec
	script   executor.CallSpec
	render   executor.CallSpec
	voice    executor.CallSpec
}

type runHandle struct {
	run    *domain.Run // guarded by Controller.mu
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRunStore persists run snapshots on every change
func WithRunStore(s RunStore) Option {
	return func(c *Controller) { c.store = s }
}

// WithListener registers a listener for run events
func WithListener(l Listener) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, l) }
}

// WithSink sets the output sink that receives finished artifact sets
func WithSink(s providers.OutputSink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDGen overrides run ID generation
func WithIDGen(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// WithExecutor sets the phase executor shared by all runs
func WithExecutor(e *executor.Executor) Option {
	return func(c *Controller) { c.exec = e }
}

// WithValidator sets the guardrail validator
func WithValidator(v *guardrail.Validator) Option {
	return func(c *Controller) { c.validator = v }
}

// WithPrompts sets the prompt template loader
func WithPrompts(l *prompts.Loader) Option {
	return func(c *Controller) { c.prompts = l }
}

// WithTracer sets the tracer for run and phase spans
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

type discardSink struct{}

func (discardSink) Emit(context.Context, domain.ArtifactSet) error { return nil }

// New creates a Controller. Every provider named in a configured chain must be
// present in registry.
func New(cfg *config.Config, registry *providers.Registry, store *cache.Store, opts ...Option) (*Controller, error) {
	c := &Controller{
		cfg:      cfg,
		registry: registry,
		cache:    store,
		sink:     discardSink{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
		newID:    uuid.NewString,
		runs:     make(map[string]*runHandle),
	}
	for _, o := range opts {
		o(c)
	}
	if c.exec == nil {
		c.exec = executor.New(executor.WithLogger(c.logger))
	}
	if c.validator == nil {
		v, err := guardrail.FromConfig(cfg.Guardrail)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: guardrail")
		}
		c.validator = v
	}
	if c.prompts == nil {
		c.prompts = prompts.NewLoader(cfg.General.PromptDirs...)
	}
	if c.cache == nil {
		c.cache = cache.New(cache.NewMemoryBackend(), cache.WithLogger(c.logger), cache.WithClock(c.now))
	}
	if n := cfg.General.MaxConcurrent; n > 0 {
		c.slots = make(chan struct{}, n)
	}

	if err := c.buildSpecs(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) buildSpecs() error {
	scriptChain := c.cfg.Video.ScriptChain
	if len(scriptChain) == 0 {
		scriptChain = c.cfg.Content.Chain
	}

	type chainDef struct {
		phase  string
		chain  []string
		into   *executor.CallSpec
		lookup func(string) error
	}
	search := func(id string) error { _, err := c.registry.Search(id); return err }
	reasoning := func(id string) error { _, err := c.registry.Reasoning(id); return err }
	defs := []chainDef{
		{"research", c.cfg.Research.Chain, &c.specs.research, search},
		{"impact", c.cfg.Impact.Chain, &c.specs.impact, reasoning},
		{"content", c.cfg.Content.Chain, &c.specs.content, reasoning},
	}
	if c.cfg.VideoEnabled() {
		defs = append(defs,
			chainDef{"video-script", scriptChain, &c.specs.script, reasoning},
			chainDef{"video-render", c.cfg.Video.RenderChain, &c.specs.render, func(id string) error { _, err := c.registry.Video(id); return err }},
			chainDef{"video-voice", c.cfg.Video.VoiceChain, &c.specs.voice, func(id string) error { _, err := c.registry.Voice(id); return err }},
		)
	}

	for _, d := range defs {
		if len(d.chain) == 0 {
			return eris.Errorf("pipeline: %s chain is empty", d.phase)
		}
		spec, err := executor.SpecFromConfig(c.cfg, d.phase, d.chain)
		if err != nil {
			return eris.Wrap(err, "pipeline")
		}
		for _, id := range d.chain {
			if err := d.lookup(id); err != nil {
				return eris.Wrapf(err, "pipeline: %s chain", d.phase)
			}
		}
		*d.into = spec
	}
	return nil
}

// Cache returns the store shared by all runs
func (c *Controller) Cache() *cache.Store { return c.cache }

// StartRun creates a run for query and starts it in the background.
// The run outlives ctx; use Cancel to stop it.
func (c *Controller) StartRun(ctx context.Context, query []string, wantVideo bool) (string, error) {
	terms := normalizeQuery(query)
	if len(terms) == 0 {
		return "", ErrEmptyQuery
	}
	if wantVideo && !c.cfg.VideoEnabled() {
		return "", ErrVideoDisabled
	}
	run := domain.NewRun(c.newID(), terms, wantVideo, c.now())
	return c.launch(ctx, run, c.drive)
}

func (c *Controller) launch(ctx context.Context, run *domain.Run, body func(context.Context, *runHandle)) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrShuttingDown
	}
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	h := &runHandle{run: run, cancel: cancel, done: make(chan struct{})}
	c.runs[run.ID] = h
	c.wg.Add(1)
	snap := run.Clone()
	c.mu.Unlock()

	c.persist(snap)
	c.emit(EventRunCreated, snap)
	c.logger.Info("pipeline: run created",
		zap.String("run_id", run.ID),
		zap.Strings("query", run.Query),
		zap.Bool("video", run.WantVideo),
		zap.String("parent_run_id", run.ParentRunID),
	)

	go func() {
		defer c.wg.Done()
		defer c.forget(run.ID)
		defer close(h.done)
		defer cancel(nil)

		runCtx, span := c.tracer.Start(runCtx, "pipeline.run",
			trace.WithAttributes(
				attribute.String("trend.run_id", run.ID),
				attribute.StringSlice("trend.query", run.Query),
			),
		)
		defer span.End()

		if err := c.acquire(runCtx); err != nil {
			c.fail(runCtx, h, "", err)
			return
		}
		defer c.release()
		body(runCtx, h)
	}()
	return run.ID, nil
}

// forget drops a finished run from memory once the store holds its final snapshot
func (c *Controller) forget(id string) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	delete(c.runs, id)
	c.mu.Unlock()
}

func (c *Controller) acquire(ctx context.Context) error {
	if c.slots == nil {
		return ctx.Err()
	}
	select {
	case c.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) release() {
	if c.slots != nil {
		<-c.slots
	}
}

// drive runs the full pipeline for h
func (c *Controller) drive(ctx context.Context, h *runHandle) {
	snap := c.snapshot(h)

	if !c.enter(ctx, h, domain.StateResearching) {
		return
	}
	research, err := c.research(ctx, h, snap.Query)
	if err != nil {
		c.fail(ctx, h, domain.PhaseResearch, err)
		return
	}

	if !c.enter(ctx, h, domain.StateEvaluatingImpact) {
		return
	}
	impact, err := c.impact(ctx, h, snap.Query, research)
	if err != nil {
		c.fail(ctx, h, domain.PhaseImpact, err)
		return
	}

	if !c.enter(ctx, h, domain.StateTransformingContent) {
		return
	}
	blog, social, err := c.content(ctx, h, snap.Query, research.findings, impact)
	if err != nil {
		c.fail(ctx, h, domain.PhaseContent, err)
		return
	}

	set := domain.ArtifactSet{
		Query:      snap.Query,
		Findings:   research.findings,
		Impact:     impact,
		Blog:       blog,
		SocialPost: social,
	}

	if !c.enter(ctx, h, domain.StateDecidingVideo) {
		return
	}
	if !snap.WantVideo {
		c.complete(ctx, h, set, domain.StateTextOnlyCompleted, "")
		return
	}
	c.synthesize(ctx, h, set)
}

// synthesize runs the video phase from the synthesizing_video state onward
func (c *Controller) synthesize(ctx context.Context, h *runHandle, set domain.ArtifactSet) {
	if !c.enter(ctx, h, domain.StateSynthesizingVideo) {
		return
	}
	ref, warning, err := c.video(ctx, h, set)
	if err != nil {
		c.fail(ctx, h, domain.PhaseVideo, err)
		return
	}
	if warning != "" {
		c.complete(ctx, h, set, domain.StateTextOnlyCompleted, warning)
		return
	}
	set.Video = ref
	c.complete(ctx, h, set, domain.StateCompleted, "")
}

// enter moves h to state, failing the run instead when ctx is cancelled
func (c *Controller) enter(ctx context.Context, h *runHandle, state domain.RunState) bool {
	if err := ctx.Err(); err != nil {
		c.fail(ctx, h, "", err)
		return false
	}
	if err := c.transition(h, state, nil); err != nil {
		c.fail(ctx, h, "", err)
		return false
	}
	return true
}

// transition validates and applies a state change, running mutate under the lock
func (c *Controller) transition(h *runHandle, to domain.RunState, mutate func(*domain.Run)) error {
	var err error
	c.mu.Lock()
	r := h.run
	if !domain.CanTransition(r.State, to) {
		err = eris.Wrapf(domain.ErrInvalidTransition, "%s -> %s", r.State, to)
	} else {
		now := c.now()
		if mutate != nil {
			mutate(r)
		}
		r.State = to
		r.Status = to.Status()
		r.UpdatedAt = now
		if to.IsTerminal() {
			r.FinishedAt = &now
		}
	}
	snap := r.Clone()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.persist(snap)
	if to.IsTerminal() {
		c.emit(EventRunFinished, snap)
	} else {
		c.emit(EventStateChanged, snap)
	}
	return nil
}

// complete emits the artifact set exactly once and finishes the run
func (c *Controller) complete(ctx context.Context, h *runHandle, set domain.ArtifactSet, to domain.RunState, warning string) {
	set.RunID = h.run.ID
	set.CreatedAt = c.now()

	var warnings []string
	if warning != "" {
		warnings = append(warnings, warning)
	}
	if err := c.sink.Emit(context.WithoutCancel(ctx), set.Clone()); err != nil {
		c.logger.Error("pipeline: output sink failed", zap.String("run_id", set.RunID), zap.Error(err))
		warnings = append(warnings, "output-failed: "+err.Error())
	}

	err := c.transition(h, to, func(r *domain.Run) {
		a := set.Clone()
		r.Artifacts = &a
		r.Warnings = append(r.Warnings, warnings...)
	})
	if err != nil {
		c.logger.Error("pipeline: could not finish run", zap.String("run_id", set.RunID), zap.Error(err))
		return
	}
	c.logger.Info("pipeline: run finished",
		zap.String("run_id", set.RunID),
		zap.String("status", string(to.Status())),
		zap.Strings("warnings", warnings),
	)
}

// fail moves h to failed with a reason derived from err
func (c *Controller) fail(ctx context.Context, h *runHandle, phase domain.PhaseName, err error) {
	reason := failureReason(ctx, err)
	detail := failureDetail(ctx, err)
	terr := c.transition(h, domain.StateFailed, func(r *domain.Run) {
		r.FailedPhase = phase
		r.FailureReason = reason
		r.FailureDetail = detail
	})
	if terr != nil {
		c.logger.Error("pipeline: could not fail run", zap.String("run_id", h.run.ID), zap.Error(terr))
		return
	}
	c.logger.Warn("pipeline: run failed",
		zap.String("run_id", h.run.ID),
		zap.String("phase", string(phase)),
		zap.String("reason", string(reason)),
		zap.String("detail", detail),
	)
}

// recordPhase appends a phase result to the run
func (c *Controller) recordPhase(h *runHandle, pr domain.PhaseResult) {
	c.mu.Lock()
	h.run.Phases = append(h.run.Phases, pr)
	h.run.UpdatedAt = c.now()
	snap := h.run.Clone()
	c.mu.Unlock()

	c.persist(snap)
	c.emit(EventPhaseFinished, snap)
}

func (c *Controller) addWarning(h *runHandle, w string) {
	c.mu.Lock()
	h.run.Warnings = append(h.run.Warnings, w)
	c.mu.Unlock()
}

func (c *Controller) snapshot(h *runHandle) *domain.Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return h.run.Clone()
}

func (c *Controller) persist(run *domain.Run) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SaveRun(ctx, run); err != nil {
		c.logger.Warn("pipeline: failed to persist run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (c *Controller) emit(t EventType, run *domain.Run) {
	if len(c.listeners) == 0 {
		return
	}
	e := Event{Type: t, RunID: run.ID, State: run.State, Run: run, At: c.now()}
	for _, l := range c.listeners {
		l.OnEvent(e)
	}
}

// GetRunStatus returns a snapshot of the run
func (c *Controller) GetRunStatus(ctx context.Context, id string) (*domain.Run, error) {
	c.mu.RLock()
	h, ok := c.runs[id]
	var snap *domain.Run
	if ok {
		snap = h.run.Clone()
	}
	c.mu.RUnlock()
	if ok {
		return snap, nil
	}

	if c.store != nil {
		run, err := c.store.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		return run, nil
	}
	return nil, eris.Wrapf(domain.ErrRunNotFound, "run %s", id)
}

// Wait blocks until the run reaches a terminal state or ctx is done
func (c *Controller) Wait(ctx context.Context, id string) (*domain.Run, error) {
	c.mu.RLock()
	h, ok := c.runs[id]
	c.mu.RUnlock()
	if !ok {
		return c.GetRunStatus(ctx, id)
	}

	select {
	case <-h.done:
		return c.GetRunStatus(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops a running run. Finished and unknown runs give ErrRunNotFound.
func (c *Controller) Cancel(id string) error {
	c.mu.RLock()
	h, ok := c.runs[id]
	active := ok && !h.run.Status.IsTerminal()
	c.mu.RUnlock()
	if active {
		h.cancel(ErrCancelled)
		return nil
	}
	return eris.Wrapf(domain.ErrRunNotFound, "run %s is not active", id)
}

// ListRuns returns the most recent runs first, up to limit (0 for all)
func (c *Controller) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	c.mu.RLock()
	runs := make([]*domain.Run, 0, len(c.runs))
	seen := make(map[string]bool, len(c.runs))
	for id, h := range c.runs {
		runs = append(runs, h.run.Clone())
		seen[id] = true
	}
	c.mu.RUnlock()

	if c.store != nil {
		stored, err := c.store.ListRuns(ctx, limit)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: list runs")
		}
		for _, r := range stored {
			if !seen[r.ID] {
				runs = append(runs, r)
			}
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Shutdown stops accepting runs and waits for active ones. When ctx expires
// first, the remaining runs are cancelled and awaited.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.mu.RLock()
		for _, h := range c.runs {
			h.cancel(ErrShuttingDown)
		}
		c.mu.RUnlock()
		<-done
		return ctx.Err()
	}
}

// normalizeQuery trims terms and drops empty and repeated ones, keeping the first spelling
func normalizeQuery(query []string) []string {
	seen := make(map[string]bool, len(query))
	var out []string
	for _, q := range query {
		q = strings.Join(strings.Fields(q), " ")
		key := fingerprint.NormalizeTerm(q)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

// failureReason maps a phase error to the machine-readable failure reason
func failureReason(ctx context.Context, err error) domain.FailureReason {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return domain.ReasonCancelled
	}
	var rejected *guardrail.RejectedError
	switch {
	case errors.As(err, &rejected):
		switch rejected.Class {
		case guardrail.ClassImpactSummary:
			return domain.ReasonGuardrailImpact
		case guardrail.ClassBlog:
			return domain.ReasonGuardrailBlog
		case guardrail.ClassSocialPost:
			return domain.ReasonGuardrailSocial
		}
	case errors.Is(err, domain.ErrNoFindings):
		return domain.ReasonNoFindings
	case errors.Is(err, domain.ErrProviderExhausted):
		return domain.ReasonProviderExhausted
	}
	return domain.ReasonInternal
}

// failureDetail is the aggregated, human-readable cause of a failure
func failureDetail(ctx context.Context, err error) string {
	if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
		return cause.Error()
	}
	var failure *executor.PhaseFailure
	if errors.As(err, &failure) {
		return failure.Summary()
	}
	var rejected *guardrail.RejectedError
	if errors.As(err, &rejected) {
		return rejected.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
