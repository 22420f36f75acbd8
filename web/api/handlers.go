package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/trend-orchestrator/internal/cache"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
	"github.com/hochfrequenz/trend-orchestrator/internal/observer"
	"github.com/hochfrequenz/trend-orchestrator/internal/pipeline"
)

const defaultListLimit = 50

// RunResponse is the API response for a run
type RunResponse struct {
	*domain.Run
	Duration string `json:"duration"`
}

// StartRunRequest is the body of POST /api/runs
type StartRunRequest struct {
	Query []string `json:"query"`
	Video bool     `json:"video"`
}

// StartRunResponse is returned when a run was accepted
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Running   int               `json:"running"`
	Completed int               `json:"completed"`
	TextOnly  int               `json:"text_only_completed"`
	Failed    int               `json:"failed"`
	Cache     cache.Stats       `json:"cache"`
	Metrics   *observer.Metrics `json:"metrics,omitempty"`
}

// SearchResponse is the API response for a quick search
type SearchResponse struct {
	Query    []string         `json:"query"`
	Findings []domain.Finding `json:"findings"`
}

func runToResponse(r *domain.Run, now time.Time) RunResponse {
	return RunResponse{
		Run:      r,
		Duration: r.Duration(now).Round(time.Second).String(),
	}
}

// statusForError maps pipeline errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrEmptyQuery), errors.Is(err, pipeline.ErrVideoDisabled):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrRunActive), errors.Is(err, domain.ErrArtifactsIncomplete):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNoFindings):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrProviderExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	code := statusForError(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("api: request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.pipeline.ListRuns(r.Context(), 0)
		if err != nil {
			s.writePipelineError(w, err)
			return
		}

		var status StatusResponse
		for _, run := range runs {
			switch run.Status {
			case domain.RunRunning:
				status.Running++
			case domain.RunCompleted:
				status.Completed++
			case domain.RunTextOnlyCompleted:
				status.TextOnly++
			case domain.RunFailed:
				status.Failed++
			}
		}
		if s.cache != nil {
			status.Cache = s.cache.Stats()
		}
		if s.metrics != nil {
			m := s.metrics.GetMetrics()
			status.Metrics = &m
		}

		writeJSON(w, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		// a status filter applies before the limit, so fetch everything
		statusFilter := domain.RunStatus(r.URL.Query().Get("status"))
		fetch := limit
		if statusFilter != "" {
			fetch = 0
		}
		runs, err := s.pipeline.ListRuns(r.Context(), fetch)
		if err != nil {
			s.writePipelineError(w, err)
			return
		}

		now := time.Now()
		resp := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			if statusFilter != "" && run.Status != statusFilter {
				continue
			}
			if limit > 0 && len(resp) == limit {
				break
			}
			resp = append(resp, runToResponse(run, now))
		}

		writeJSON(w, resp)
	}
}

func (s *Server) startRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		id, err := s.pipeline.StartRun(r.Context(), req.Query, req.Video)
		if err != nil {
			s.writePipelineError(w, err)
			return
		}

		writeJSONStatus(w, http.StatusAccepted, StartRunResponse{RunID: id})
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.pipeline.GetRunStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writePipelineError(w, err)
			return
		}
		writeJSON(w, runToResponse(run, time.Now()))
	}
}

func (s *Server) cancelRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.pipeline.Cancel(id); err != nil {
			s.writePipelineError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
	}
}

func (s *Server) retryVideoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.pipeline.RetryVideo(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writePipelineError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, StartRunResponse{RunID: id})
	}
}

func (s *Server) invalidateCacheHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cache == nil {
			writeError(w, http.StatusNotFound, "cache not available")
			return
		}
		fp := fingerprint.Fingerprint(r.PathValue("fingerprint"))
		if err := s.cache.Invalidate(r.Context(), fp); err != nil {
			s.writePipelineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// searchHandler runs the research phase alone: GET /api/search?q=a&q=b or ?q=a,b
func (s *Server) searchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var query []string
		for _, q := range r.URL.Query()["q"] {
			for _, term := range strings.Split(q, ",") {
				if term = strings.TrimSpace(term); term != "" {
					query = append(query, term)
				}
			}
		}
		if len(query) == 0 {
			writeError(w, http.StatusBadRequest, "missing query parameter q")
			return
		}

		findings, err := s.pipeline.Search(r.Context(), query)
		if err != nil {
			s.writePipelineError(w, err)
			return
		}
		writeJSON(w, SearchResponse{Query: query, Findings: findings})
	}
}
