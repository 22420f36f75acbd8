package domain

import "time"

// Run represents one end-to-end execution of the pipeline
type Run struct {
	ID            string        `json:"id"`
	ParentRunID   string        `json:"parent_run_id,omitempty"`
	Query         []string      `json:"query"`
	WantVideo     bool          `json:"want_video"`
	State         RunState      `json:"state"`
	Status        RunStatus     `json:"status"`
	Phases        []PhaseResult `json:"phases"`
	FailedPhase   PhaseName     `json:"failed_phase,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
	Artifacts     *ArtifactSet  `json:"artifacts,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// NewRun creates a run in the created state
func NewRun(id string, query []string, wantVideo bool, now time.Time) *Run {
	q := make([]string, len(query))
	copy(q, query)
	return &Run{
		ID:        id,
		Query:     q,
		WantVideo: wantVideo,
		State:     StateCreated,
		Status:    RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Duration returns how long the run took, or has taken so far
func (r *Run) Duration(now time.Time) time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.CreatedAt)
	}
	return now.Sub(r.CreatedAt)
}

// Clone returns a deep copy safe to hand to callers
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Query = append([]string(nil), r.Query...)
	c.Warnings = append([]string(nil), r.Warnings...)
	c.Phases = make([]PhaseResult, len(r.Phases))
	copy(c.Phases, r.Phases)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.Artifacts != nil {
		a := r.Artifacts.Clone()
		c.Artifacts = &a
	}
	return &c
}

// PhaseResult records the outcome of one executed phase
type PhaseResult struct {
	Phase       PhaseName `json:"phase"`
	Provider    string    `json:"provider,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	FromCache   bool      `json:"from_cache"`
	Shared      bool      `json:"shared,omitempty"`
	Attempts    int       `json:"attempts"`
	Revisions   int       `json:"revisions"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Error       string    `json:"error,omitempty"`
}

