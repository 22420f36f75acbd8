package providers

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
)

// Registry maps provider IDs from configuration to implementations
type Registry struct {
	mu        sync.RWMutex
	search    map[string]SearchProvider
	reasoning map[string]ReasoningProvider
	video     map[string]VideoProvider
	voice     map[string]VoiceProvider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		search:    make(map[string]SearchProvider),
		reasoning: make(map[string]ReasoningProvider),
		video:     make(map[string]VideoProvider),
		voice:     make(map[string]VoiceProvider),
	}
}

// RegisterSearch adds a search provider
func (r *Registry) RegisterSearch(p SearchProvider) {
	r.mu.Lock()
	r.search[p.ID()] = p
	r.mu.Unlock()
}

// RegisterReasoning adds a reasoning provider
func (r *Registry) RegisterReasoning(p ReasoningProvider) {
	r.mu.Lock()
	r.reasoning[p.ID()] = p
	r.mu.Unlock()
}

// RegisterVideo adds a video provider
func (r *Registry) RegisterVideo(p VideoProvider) {
	r.mu.Lock()
	r.video[p.ID()] = p
	r.mu.Unlock()
}

// RegisterVoice adds a voice provider
func (r *Registry) RegisterVoice(p VoiceProvider) {
	r.mu.Lock()
	r.voice[p.ID()] = p
	r.mu.Unlock()
}

// Search returns the search provider with the given ID
func (r *Registry) Search(id string) (SearchProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.search[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no search provider %q registered", id)
}

// Reasoning returns the reasoning provider with the given ID
func (r *Registry) Reasoning(id string) (ReasoningProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.reasoning[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no reasoning provider %q registered", id)
}

// Video returns the video provider with the given ID
func (r *Registry) Video(id string) (VideoProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.video[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no video provider %q registered", id)
}

// Voice returns the voice provider with the given ID
func (r *Registry) Voice(id string) (VoiceProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.voice[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no voice provider %q registered", id)
}

// FromConfig builds a registry with an HTTP adapter for every configured provider
func FromConfig(cfg *config.Config, client *http.Client) (*Registry, error) {
	if client == nil {
		client = &http.Client{}
	}
	r := NewRegistry()
	for _, p := range cfg.Providers {
		switch p.Type {
		case "tavily":
			r.RegisterSearch(NewTavily(p, client))
		case "openai":
			r.RegisterReasoning(NewChat(p, client))
		case "http-video":
			r.RegisterVideo(NewHTTPVideo(p, client))
		case "http-voice":
			r.RegisterVoice(NewHTTPVoice(p, client))
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
	}
	return r, nil
}
