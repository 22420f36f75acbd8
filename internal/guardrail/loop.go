package guardrail

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

// Generate produces a candidate text. revision is 0 for the first draft;
// feedback carries the accumulated instructions of every earlier verdict.
type Generate func(ctx context.Context, revision int, feedback []string) (string, error)

// RejectedError is returned when a text still fails after the last allowed revision
type RejectedError struct {
	Class     ContentClass
	Verdict   Verdict
	Revisions int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("guardrail rejected %s after %d revisions: %s", e.Class, e.Revisions, e.Verdict.Summary())
}

func (e *RejectedError) Unwrap() error { return domain.ErrGuardrailRejected }

// LoopResult is the accepted text with its validation history
type LoopResult struct {
	Text      string
	Verdict   Verdict
	Revisions int
	History   []Verdict
}

// Loop runs bounded generate/validate cycles
type Loop struct {
	Validator    *Validator
	MaxRevisions int
	Logger       *zap.Logger
}

// Run generates text for class until it is accepted. Any non-accept verdict
// triggers a revision while revisions remain, so at most 1+MaxRevisions
// drafts are generated. Generation errors are returned unchanged.
func (l *Loop) Run(ctx context.Context, class ContentClass, gen Generate) (LoopResult, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		res      LoopResult
		feedback []string
		seen     = make(map[string]bool)
	)
	for revision := 0; revision <= l.MaxRevisions; revision++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		text, err := gen(ctx, revision, append([]string(nil), feedback...))
		if err != nil {
			return res, err
		}

		verdict := l.Validator.Validate(text, class)
		res.History = append(res.History, verdict)
		res.Text = text
		res.Verdict = verdict
		res.Revisions = revision

		if verdict.Accepted() {
			return res, nil
		}

		logger.Info("guardrail: draft not accepted",
			zap.String("class", string(class)),
			zap.Int("revision", revision),
			zap.String("decision", string(verdict.Decision)),
			zap.Float64("score", verdict.Score),
			zap.Int("issues", len(verdict.Issues)),
		)

		for _, ins := range verdict.Instructions() {
			if !seen[ins] {
				seen[ins] = true
				feedback = append(feedback, ins)
			}
		}
	}

	return res, &RejectedError{Class: class, Verdict: res.Verdict, Revisions: res.Revisions}
}
