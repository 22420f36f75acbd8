package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/trend-orchestrator/internal/cache"
	"github.com/hochfrequenz/trend-orchestrator/internal/config"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/executor"
	"github.com/hochfrequenz/trend-orchestrator/internal/providers"
)

const (
	impactText = "New AI models unlock faster research. Teams gain efficient tools."
	blogText   = "# Research gets faster\n\nNew AI models help labs test ideas sooner.\n\nThe progress opens new opportunities for small teams."
	socialText = "Did you know AI now writes code?\n\nNew models help small teams ship faster and build better products.\n\nShare your thoughts below!"
	scriptText = "AI models are improving fast. Teams gain new tools.\n\nFollow us for more updates."

	// scores below the default floor of 0
	gloomyText = "The crisis deepens. Layoffs and losses mount as fear spreads."
	// a negative sentence with no pivot in its paragraph
	unpivotedText = "AI adoption brings growth to many sectors.\n\nAutomation could cause layoffs in call centers."
	// no closing call to action
	flatScript = "AI models are improving fast. Teams gain new tools.\n\nThat is the story for today."
)

type fakeSearch struct {
	id   string
	fn   func(terms []string) ([]providers.SearchResult, error)
	gate chan struct{}

	mu    sync.Mutex
	calls int
	terms [][]string
}

func (f *fakeSearch) ID() string { return f.id }

func (f *fakeSearch) Search(ctx context.Context, terms []string, _ providers.SearchOptions) ([]providers.SearchResult, error) {
	f.mu.Lock()
	f.calls++
	f.terms = append(f.terms, terms)
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fn(terms)
}

func (f *fakeSearch) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func twoFindings(terms []string) ([]providers.SearchResult, error) {
	return []providers.SearchResult{
		{URL: "https://example.com/models?utm_source=feed", Title: "New models released", Snippet: "Labs ship new models.", Score: 0.9},
		{URL: "https://news.example.org/ai", Title: "AI adoption grows", Snippet: "Companies adopt AI.", Score: 0.7},
	}, nil
}

func failingSearch(kind domain.ErrorKind) func([]string) ([]providers.SearchResult, error) {
	return func([]string) ([]providers.SearchResult, error) {
		return nil, domain.NewProviderError("search", kind, errors.New("search failed"))
	}
}

// fakeWriter answers reasoning prompts by the kind of text they ask for.
// Each kind returns its scripted texts in order, repeating the last one.
type fakeWriter struct {
	id    string
	texts map[string][]string

	// revisionGate holds every impact revision request until it is closed
	revisionGate chan struct{}

	mu       sync.Mutex
	calls    map[string]int
	feedback map[string][]string
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		id: "writer",
		texts: map[string][]string{
			"impact": {impactText},
			"blog":   {blogText},
			"social": {socialText},
			"script": {scriptText},
		},
		calls:    make(map[string]int),
		feedback: make(map[string][]string),
	}
}

func promptKind(user string) string {
	switch {
	case strings.Contains(user, "narrated video script"):
		return "script"
	case strings.Contains(user, "socio-economic impact"):
		return "impact"
	case strings.Contains(user, "Write a blog article"):
		return "blog"
	case strings.Contains(user, "Write one social post"):
		return "social"
	default:
		return "unknown"
	}
}

func (w *fakeWriter) ID() string { return w.id }

func (w *fakeWriter) Complete(ctx context.Context, p providers.Prompt) (string, error) {
	kind := promptKind(p.User)

	w.mu.Lock()
	n := w.calls[kind]
	w.calls[kind]++
	w.feedback[kind] = p.Feedback
	gate := w.revisionGate
	w.mu.Unlock()

	if gate != nil && kind == "impact" && len(p.Feedback) > 0 {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	texts := w.texts[kind]
	if len(texts) == 0 {
		return "", domain.NewProviderError(w.id, domain.KindMalformed, errors.New("no text for "+kind))
	}
	if n >= len(texts) {
		n = len(texts) - 1
	}
	return texts[n], nil
}

func (w *fakeWriter) Calls(kind string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[kind]
}

func (w *fakeWriter) Feedback(kind string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.feedback[kind]
}

type fakeVideo struct {
	id     string
	failed bool

	// pending is the number of polls answered with pending, one when unset
	pending int

	mu      sync.Mutex
	renders int
	polls   map[string]int
}

func (v *fakeVideo) ID() string { return v.id }

func (v *fakeVideo) Render(_ context.Context, script string, _ providers.VisualHints) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.renders++
	if v.polls == nil {
		v.polls = make(map[string]int)
	}
	return "job-1", nil
}

func (v *fakeVideo) PollStatus(_ context.Context, handle string) (providers.RenderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.polls[handle]++
	if v.failed {
		return providers.RenderStatus{State: providers.RenderFailed, Reason: "encoder crashed"}, nil
	}
	pending := v.pending
	if pending == 0 {
		pending = 1
	}
	if v.polls[handle] <= pending {
		return providers.RenderStatus{State: providers.RenderPending}, nil
	}
	return providers.RenderStatus{State: providers.RenderReady, URL: "https://cdn.example.com/" + handle + ".mp4"}, nil
}

func (v *fakeVideo) Renders() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.renders
}

type fakeVoice struct {
	id  string
	err error

	mu    sync.Mutex
	calls int
}

func (v *fakeVoice) ID() string { return v.id }

func (v *fakeVoice) Synthesize(_ context.Context, narration string) (string, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.err != nil {
		return "", v.err
	}
	return "audio-" + v.id, nil
}

type recordingSink struct {
	mu   sync.Mutex
	sets []domain.ArtifactSet
}

func (s *recordingSink) Emit(_ context.Context, set domain.ArtifactSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = append(s.sets, set)
	return nil
}

func (s *recordingSink) Sets() []domain.ArtifactSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ArtifactSet(nil), s.sets...)
}

type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) OnEvent(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *recordingListener) Events(runID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// harness bundles a controller with its fakes
type harness struct {
	cfg       *config.Config
	ctrl      *Controller
	primary   *fakeSearch
	secondary *fakeSearch
	writer    *fakeWriter
	video     *fakeVideo
	narrator  *fakeVoice
	backup    *fakeVoice
	sink      *recordingSink
	listener  *recordingListener
	store     *memRunStore
}

// memRunStore keeps the latest snapshot of every run
type memRunStore struct {
	mu   sync.Mutex
	runs map[string]*domain.Run
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[string]*domain.Run)}
}

func (s *memRunStore) SaveRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *memRunStore) GetRun(_ context.Context, id string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return run.Clone(), nil
}

func (s *memRunStore) ListRuns(_ context.Context, limit int) ([]*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []*domain.Run
	for _, r := range s.runs {
		runs = append(runs, r.Clone())
	}
	return runs, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{
		{ID: "provider-1", Kind: "search", Type: "tavily", MaxAttempts: 3},
		{ID: "provider-2", Kind: "search", Type: "tavily", MaxAttempts: 3},
		{ID: "writer", Kind: "reasoning", Type: "openai", MaxAttempts: 2},
		{ID: "renderer", Kind: "video", Type: "http-video", MaxAttempts: 2},
		{ID: "narrator", Kind: "voice", Type: "http-voice", MaxAttempts: 2},
		{ID: "narrator-backup", Kind: "voice", Type: "http-voice", MaxAttempts: 2},
	}
	cfg.Research.Chain = []string{"provider-1", "provider-2"}
	cfg.Impact.Chain = []string{"writer"}
	cfg.Content.Chain = []string{"writer"}
	cfg.Video.ScriptChain = []string{"writer"}
	cfg.Video.RenderChain = []string{"renderer"}
	cfg.Video.VoiceChain = []string{"narrator", "narrator-backup"}
	cfg.Video.PollInterval = config.D(time.Millisecond)
	cfg.Video.RenderWait = config.D(5 * time.Second)
	return cfg
}

func newHarness(t *testing.T, mutate func(*harness)) *harness {
	t.Helper()
	h := &harness{
		cfg:       testConfig(),
		primary:   &fakeSearch{id: "provider-1", fn: twoFindings},
		secondary: &fakeSearch{id: "provider-2", fn: twoFindings},
		writer:    newFakeWriter(),
		video:     &fakeVideo{id: "renderer"},
		narrator:  &fakeVoice{id: "narrator"},
		backup:    &fakeVoice{id: "narrator-backup"},
		sink:      &recordingSink{},
		listener:  &recordingListener{},
	}
	if mutate != nil {
		mutate(h)
	}

	reg := providers.NewRegistry()
	reg.RegisterSearch(h.primary)
	reg.RegisterSearch(h.secondary)
	reg.RegisterReasoning(h.writer)
	reg.RegisterVideo(h.video)
	reg.RegisterVoice(h.narrator)
	reg.RegisterVoice(h.backup)

	ex := executor.New(executor.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	opts := []Option{
		WithExecutor(ex),
		WithSink(h.sink),
		WithListener(h.listener),
	}
	if h.store != nil {
		opts = append(opts, WithRunStore(h.store))
	}
	ctrl, err := New(h.cfg, reg, cache.New(cache.NewMemoryBackend()), opts...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})
	return h
}

// run starts a run and waits for it to finish
func (h *harness) run(t *testing.T, query []string, wantVideo bool) *domain.Run {
	t.Helper()
	id, err := h.ctrl.StartRun(context.Background(), query, wantVideo)
	if err != nil {
		t.Fatalf("StartRun() = %v", err)
	}
	return h.wait(t, id)
}

func (h *harness) wait(t *testing.T, id string) *domain.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := h.ctrl.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) = %v", id, err)
	}
	return run
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
