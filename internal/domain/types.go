package domain

// RunStatus represents the externally visible outcome of a run
type RunStatus string

const (
	RunRunning           RunStatus = "running"
	RunCompleted         RunStatus = "completed"
	RunFailed            RunStatus = "failed"
	RunTextOnlyCompleted RunStatus = "text-only-completed"
)

// IsTerminal reports whether the status is final
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunTextOnlyCompleted
}

// RunState is a state of the run state machine
type RunState string

const (
	StateCreated             RunState = "created"
	StateResearching         RunState = "researching"
	StateEvaluatingImpact    RunState = "evaluating_impact"
	StateTransformingContent RunState = "transforming_content"
	StateDecidingVideo       RunState = "deciding_video"
	StateSynthesizingVideo   RunState = "synthesizing_video"
	StateCompleted           RunState = "completed"
	StateTextOnlyCompleted   RunState = "text_only_completed"
	StateFailed              RunState = "failed"
)

var allowedTransitions = map[RunState]map[RunState]struct{}{
	StateCreated: {
		StateResearching:       {},
		StateSynthesizingVideo: {}, // video re-trigger from an existing artifact set
		StateFailed:            {},
	},
	StateResearching: {
		StateEvaluatingImpact: {},
		StateFailed:           {},
	},
	StateEvaluatingImpact: {
		StateTransformingContent: {},
		StateFailed:              {},
	},
	StateTransformingContent: {
		StateDecidingVideo: {},
		StateFailed:        {},
	},
	StateDecidingVideo: {
		StateSynthesizingVideo: {},
		StateTextOnlyCompleted: {},
		StateFailed:            {},
	},
	StateSynthesizingVideo: {
		StateCompleted:         {},
		StateTextOnlyCompleted: {},
		StateFailed:            {},
	},
}

// CanTransition reports whether the state machine allows moving from one state to another
func CanTransition(from, to RunState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether no further transitions are possible
func (s RunState) IsTerminal() bool {
	return s == StateCompleted || s == StateTextOnlyCompleted || s == StateFailed
}

// Status maps a state machine state to the run status exposed to callers
func (s RunState) Status() RunStatus {
	switch s {
	case StateCompleted:
		return RunCompleted
	case StateTextOnlyCompleted:
		return RunTextOnlyCompleted
	case StateFailed:
		return RunFailed
	default:
		return RunRunning
	}
}

// PhaseName identifies one of the four ordered pipeline stages
type PhaseName string

const (
	PhaseResearch PhaseName = "research"
	PhaseImpact   PhaseName = "impact"
	PhaseContent  PhaseName = "content"
	PhaseVideo    PhaseName = "video"
)

// Phase is the static definition of a pipeline stage
type Phase struct {
	Name      PhaseName
	State     RunState
	Consumes  string
	Produces  string
	Cacheable bool
}

// Phases lists the pipeline stages in execution order
var Phases = []Phase{
	{Name: PhaseResearch, State: StateResearching, Consumes: "query set", Produces: "news findings", Cacheable: true},
	{Name: PhaseImpact, State: StateEvaluatingImpact, Consumes: "news findings", Produces: "impact assessment", Cacheable: true},
	{Name: PhaseContent, State: StateTransformingContent, Consumes: "findings, impact assessment", Produces: "blog, social post", Cacheable: false},
	{Name: PhaseVideo, State: StateSynthesizingVideo, Consumes: "text artifact set", Produces: "video reference", Cacheable: false},
}

// PhaseByName returns the static definition for a phase
func PhaseByName(name PhaseName) (Phase, bool) {
	for _, p := range Phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}

// FailureReason is the machine-readable cause of a failed run
type FailureReason string

const (
	ReasonNoFindings        FailureReason = "no-findings"
	ReasonProviderExhausted FailureReason = "provider-exhausted"
	ReasonGuardrailImpact   FailureReason = "guardrail-impact"
	ReasonGuardrailBlog     FailureReason = "guardrail-blog"
	ReasonGuardrailSocial   FailureReason = "guardrail-social"
	ReasonCancelled         FailureReason = "cancelled"
	ReasonInternal          FailureReason = "internal"
)

// Warning prefixes recorded on degraded runs
const (
	WarnVideoDegraded = "video-degraded"
)
