package pipeline

import (
	"context"
	"time"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

// EventType identifies what changed on a run
type EventType string

const (
	EventRunCreated    EventType = "run.created"
	EventStateChanged  EventType = "run.state"
	EventPhaseFinished EventType = "phase.finished"
	EventRunFinished   EventType = "run.finished"
)

// Event describes a change to a run. Run is a snapshot owned by the receiver.
type Event struct {
	Type  EventType       `json:"type"`
	RunID string          `json:"run_id"`
	State domain.RunState `json:"state"`
	Run   *domain.Run     `json:"run"`
	At    time.Time       `json:"at"`
}

// Listener receives run events. OnEvent is called synchronously from the run
// goroutine and must not block.
type Listener interface {
	OnEvent(e Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(Event)

// OnEvent calls f(e)
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// RunStore persists run snapshots beyond the controller's memory
type RunStore interface {
	SaveRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.Run, error)
}
