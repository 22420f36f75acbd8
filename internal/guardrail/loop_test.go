package guardrail

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

func TestLoop_AcceptsAfterRevision(t *testing.T) {
	loop := &Loop{Validator: New(Options{PositivityFloor: -1}), MaxRevisions: 2}
	drafts := []string{
		"Automation could cause layoffs in call centers.",
		"Automation could cause layoffs in call centers. However, retraining creates new roles.",
	}

	var gotFeedback [][]string
	res, err := loop.Run(context.Background(), ClassBlog, func(_ context.Context, revision int, feedback []string) (string, error) {
		gotFeedback = append(gotFeedback, feedback)
		return drafts[revision], nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Revisions != 1 {
		t.Errorf("Revisions = %d, want 1", res.Revisions)
	}
	if res.Text != drafts[1] {
		t.Errorf("Text = %q, want second draft", res.Text)
	}
	if len(res.History) != 2 {
		t.Errorf("History = %d verdicts, want 2", len(res.History))
	}
	if len(gotFeedback[0]) != 0 {
		t.Errorf("first draft feedback = %v, want none", gotFeedback[0])
	}
	if len(gotFeedback[1]) != 1 || !strings.Contains(gotFeedback[1][0], RulePivot) {
		t.Errorf("second draft feedback = %v, want the pivot instruction", gotFeedback[1])
	}
}

func TestLoop_RejectsAfterMaxRevisions(t *testing.T) {
	loop := &Loop{Validator: New(Options{PositivityFloor: 0}), MaxRevisions: 2}

	calls := 0
	_, err := loop.Run(context.Background(), ClassImpactSummary, func(context.Context, int, []string) (string, error) {
		calls++
		return "The crisis deepens and losses mount.", nil
	})

	if calls != 3 {
		t.Errorf("generations = %d, want 3", calls)
	}
	if !errors.Is(err, domain.ErrGuardrailRejected) {
		t.Fatalf("error = %v, want ErrGuardrailRejected", err)
	}
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatal("error should be a *RejectedError")
	}
	if rej.Revisions != 2 || rej.Verdict.Decision != Reject {
		t.Errorf("RejectedError = %+v, want 2 revisions and a reject verdict", rej)
	}
}

func TestLoop_GenerationErrorPassesThrough(t *testing.T) {
	loop := &Loop{Validator: New(Options{}), MaxRevisions: 2}
	boom := errors.New("provider chain exhausted")

	_, err := loop.Run(context.Background(), ClassBlog, func(context.Context, int, []string) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}

func TestLoop_StopsOnCancel(t *testing.T) {
	loop := &Loop{Validator: New(Options{}), MaxRevisions: 5}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := loop.Run(ctx, ClassBlog, func(context.Context, int, []string) (string, error) {
		calls++
		cancel()
		return "Layoffs hit call centers.", nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("generations = %d, want 1", calls)
	}
}
