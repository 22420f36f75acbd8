package providers

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

// HTTPVoice calls a speech service exposing POST /speech
type HTTPVoice struct {
	id      string
	baseURL string
	voice   string
	model   string
	http    *jsonClient
}

// NewHTTPVoice creates a speech adapter from provider settings
func NewHTTPVoice(p config.ProviderConfig, client *http.Client) *HTTPVoice {
	return &HTTPVoice{id: p.ID, baseURL: p.BaseURL, voice: p.Voice, model: p.Model, http: newJSONClient(p.ID, client, p.APIKey)}
}

func (v *HTTPVoice) ID() string { return v.id }

type speechRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
	Model string `json:"model,omitempty"`
}

type speechResponse struct {
	AudioID string `json:"audio_id"`
	URL     string `json:"url"`
}

// Synthesize returns a handle to the narration audio, preferring a URL when the service returns one
func (v *HTTPVoice) Synthesize(ctx context.Context, narration string) (string, error) {
	var resp speechResponse
	if err := v.http.do(ctx, http.MethodPost, joinURL(v.baseURL, "speech"), speechRequest{Text: narration, Voice: v.voice, Model: v.model}, &resp); err != nil {
		return "", err
	}
	if resp.URL != "" {
		return resp.URL, nil
	}
	if resp.AudioID != "" {
		return resp.AudioID, nil
	}
	return "", domain.NewProviderError(v.id, domain.KindServerError, eris.New("speech response has no audio handle"))
}
