package notify

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/pipeline"
)

// RunListener sends a notification when a run reaches a terminal state
type RunListener struct {
	notifier     Notifier
	failuresOnly bool
	logger       *zap.Logger
	// send delivers a notification; sends run in the background by default
	send func(Notification)
}

// NewRunListener creates a listener that notifies through n
func NewRunListener(n Notifier, failuresOnly bool, logger *zap.Logger) *RunListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &RunListener{notifier: n, failuresOnly: failuresOnly, logger: logger}
	l.send = func(note Notification) {
		go l.deliver(note)
	}
	return l
}

func (l *RunListener) deliver(n Notification) {
	if err := l.notifier.Send(n); err != nil {
		l.logger.Warn("notify: send failed", zap.String("run_id", n.RunID), zap.Error(err))
	}
}

// OnEvent implements pipeline.Listener
func (l *RunListener) OnEvent(e pipeline.Event) {
	if e.Type != pipeline.EventRunFinished || e.Run == nil {
		return
	}
	n := ForRun(e.Run)
	if l.failuresOnly && n.Type != NotifyError {
		return
	}
	l.send(n)
}

// ForRun builds the notification for a finished run
func ForRun(run *domain.Run) Notification {
	query := strings.Join(run.Query, ", ")
	n := Notification{
		RunID:    run.ID,
		Query:    run.Query,
		Status:   string(run.Status),
		Warnings: run.Warnings,
	}
	if run.FinishedAt != nil {
		n.At = *run.FinishedAt
	}

	switch run.Status {
	case domain.RunCompleted:
		n.Type = NotifySuccess
		n.Title = "Run completed: " + query
		n.Message = "Blog, social post and video are ready."
		if run.Artifacts != nil && run.Artifacts.Video != nil {
			n.URL = run.Artifacts.Video.VideoURL
		}
	case domain.RunTextOnlyCompleted:
		n.Type = NotifySuccess
		n.Title = "Run completed (text only): " + query
		n.Message = "Blog and social post are ready."
		if len(run.Warnings) > 0 {
			n.Type = NotifyWarning
		}
	default:
		n.Type = NotifyError
		n.Title = "Run failed: " + query
		n.Message = fmt.Sprintf("%s failed (%s): %s", run.FailedPhase, run.FailureReason, run.FailureDetail)
		if run.FailedPhase == "" {
			n.Message = fmt.Sprintf("%s: %s", run.FailureReason, run.FailureDetail)
		}
	}
	return n
}
