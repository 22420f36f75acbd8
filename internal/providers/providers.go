// Package providers defines the external collaborators of the pipeline and
// HTTP adapters for them. Every adapter reports failures as *domain.ProviderError.
package providers

import (
	"context"
	"time"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

// SearchOptions tunes a search call
type SearchOptions struct {
	Depth          string
	MaxResults     int
	IncludeAnswer  bool
	IncludeDomains []string
	ExcludeDomains []string
}

// SearchResult is one raw hit from a search provider
type SearchResult struct {
	URL         string    `msgpack:"url"`
	Title       string    `msgpack:"title"`
	Snippet     string    `msgpack:"snippet"`
	PublishedAt time.Time `msgpack:"published_at"`
	Score       float64   `msgpack:"score"`
}

// SearchProvider executes news searches
type SearchProvider interface {
	ID() string
	Search(ctx context.Context, terms []string, opts SearchOptions) ([]SearchResult, error)
}

// Prompt is the context handed to a reasoning provider
type Prompt struct {
	System string
	User   string
	// Feedback holds refinement instructions from earlier guardrail verdicts
	Feedback []string
}

// ReasoningProvider produces text from a prompt
type ReasoningProvider interface {
	ID() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// VisualHints guide a video render
type VisualHints struct {
	Title       string   `json:"title,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
}

// RenderState is the state of a render job
type RenderState string

const (
	RenderPending RenderState = "pending"
	RenderReady   RenderState = "ready"
	RenderFailed  RenderState = "failed"
)

// RenderStatus is the result of polling a render job
type RenderStatus struct {
	State  RenderState
	URL    string
	Reason string
}

// VideoProvider renders scripts into videos asynchronously
type VideoProvider interface {
	ID() string
	Render(ctx context.Context, script string, hints VisualHints) (string, error)
	PollStatus(ctx context.Context, jobHandle string) (RenderStatus, error)
}

// VoiceProvider synthesizes narration audio
type VoiceProvider interface {
	ID() string
	Synthesize(ctx context.Context, narration string) (string, error)
}

// OutputSink receives each finished artifact set exactly once
type OutputSink interface {
	Emit(ctx context.Context, set domain.ArtifactSet) error
}
