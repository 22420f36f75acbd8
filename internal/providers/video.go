package providers

import (
	"context"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

// HTTPVideo drives a render service exposing POST /renders and GET /renders/{id}
type HTTPVideo struct {
	id      string
	baseURL string
	http    *jsonClient
}

// NewHTTPVideo creates a render adapter from provider settings
func NewHTTPVideo(p config.ProviderConfig, client *http.Client) *HTTPVideo {
	return &HTTPVideo{id: p.ID, baseURL: p.BaseURL, http: newJSONClient(p.ID, client, p.APIKey)}
}

func (v *HTTPVideo) ID() string { return v.id }

type renderRequest struct {
	Script string      `json:"script"`
	Hints  VisualHints `json:"hints"`
}

type renderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url"`
	Error  string `json:"error"`
}

// Render submits a script and returns the job handle
func (v *HTTPVideo) Render(ctx context.Context, script string, hints VisualHints) (string, error) {
	var resp renderResponse
	if err := v.http.do(ctx, http.MethodPost, joinURL(v.baseURL, "renders"), renderRequest{Script: script, Hints: hints}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", domain.NewProviderError(v.id, domain.KindServerError, eris.New("render accepted without job id"))
	}
	return resp.ID, nil
}

// PollStatus reports the state of a render job
func (v *HTTPVideo) PollStatus(ctx context.Context, jobHandle string) (RenderStatus, error) {
	var resp renderResponse
	if err := v.http.do(ctx, http.MethodGet, joinURL(v.baseURL, "renders/"+url.PathEscape(jobHandle)), nil, &resp); err != nil {
		return RenderStatus{}, err
	}
	switch RenderState(resp.Status) {
	case RenderPending, "queued", "processing":
		return RenderStatus{State: RenderPending}, nil
	case RenderReady, "done", "completed":
		if resp.URL == "" {
			return RenderStatus{}, domain.NewProviderError(v.id, domain.KindServerError, eris.New("render ready without url"))
		}
		return RenderStatus{State: RenderReady, URL: resp.URL}, nil
	case RenderFailed:
		return RenderStatus{State: RenderFailed, Reason: resp.Error}, nil
	default:
		return RenderStatus{}, domain.NewProviderError(v.id, domain.KindServerError, eris.Errorf("unknown render status %q", resp.Status))
	}
}
