package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/pipeline"
)

func TestSlackMessage_Build(t *testing.T) {
	msg := SlackMessage{
		Text: "Run completed: solar storage",
		Attachments: []SlackAttachment{
			{
				Color: "good",
				Title: "run-1",
				Text:  "Blog and social post are ready.",
			},
		},
	}

	payload, err := msg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}

	if len(payload) == 0 {
		t.Error("Payload should not be empty")
	}
}

func TestSlackNotifier_Send(t *testing.T) {
	// Mock Slack server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		var msg SlackMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if len(msg.Attachments) != 1 || msg.Attachments[0].Title != "run-1" || msg.Attachments[0].TitleLink != "https://cdn.example.com/v.mp4" {
			t.Errorf("Attachments = %+v", msg.Attachments)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:   "Test",
		Message: "Test message",
		Type:    NotifyInfo,
		RunID:   "run-1",
		URL:     "https://cdn.example.com/v.mp4",
	})

	if err != nil {
		t.Errorf("Send failed: %v", err)
	}
}

func TestSlackMessageFor_RunFields(t *testing.T) {
	finished := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	n := ForRun(&domain.Run{
		ID:         "run-2",
		Query:      []string{"solar", "storage"},
		Status:     domain.RunTextOnlyCompleted,
		Warnings:   []string{"video-degraded: render-exhausted: renderer: timeout"},
		FinishedAt: &finished,
	})

	msg := SlackMessageFor(n)
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments = %d, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	want := []SlackField{
		{Title: "Query", Value: "solar, storage", Short: true},
		{Title: "Status", Value: "text-only-completed", Short: true},
		{Title: "Warnings", Value: "video-degraded: render-exhausted: renderer: timeout"},
	}
	if !reflect.DeepEqual(att.Fields, want) {
		t.Errorf("Fields = %+v, want %+v", att.Fields, want)
	}
	if att.Color != "warning" {
		t.Errorf("Color = %q, want warning", att.Color)
	}
	if att.Timestamp != finished.Unix() {
		t.Errorf("Timestamp = %d, want %d", att.Timestamp, finished.Unix())
	}
	if att.Text != "Blog and social post are ready." {
		t.Errorf("Text = %q, want warnings kept out of the text", att.Text)
	}
	if !strings.HasSuffix(n.Body(), "\nvideo-degraded: render-exhausted: renderer: timeout") {
		t.Errorf("Body() = %q, want the warning appended", n.Body())
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return nil
}

func TestSlackNotifier_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"}); err == nil {
		t.Error("Send should fail on a 500 response")
	}
}

func TestForRun(t *testing.T) {
	tests := []struct {
		name string
		run  *domain.Run
		typ  NotificationType
		want string
	}{
		{
			name: "completed with video",
			run: &domain.Run{ID: "r1", Query: []string{"ai"}, Status: domain.RunCompleted,
				Artifacts: &domain.ArtifactSet{Video: &domain.VideoRef{VideoURL: "https://cdn.example.com/v.mp4"}}},
			typ:  NotifySuccess,
			want: "Run completed: ai",
		},
		{
			name: "degraded",
			run: &domain.Run{ID: "r2", Query: []string{"ai"}, Status: domain.RunTextOnlyCompleted,
				Warnings: []string{"video-degraded: render-exhausted: renderer: timeout x3"}},
			typ:  NotifyWarning,
			want: "Run completed (text only): ai",
		},
		{
			name: "failed",
			run: &domain.Run{ID: "r3", Query: []string{"ai", "jobs"}, Status: domain.RunFailed,
				FailedPhase: domain.PhaseImpact, FailureReason: domain.ReasonGuardrailImpact, FailureDetail: "tone-floor"},
			typ:  NotifyError,
			want: "Run failed: ai, jobs",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := ForRun(tt.run)
			if n.Type != tt.typ {
				t.Errorf("Type = %v, want %v", n.Type, tt.typ)
			}
			if n.Title != tt.want {
				t.Errorf("Title = %q, want %q", n.Title, tt.want)
			}
			if n.RunID != tt.run.ID {
				t.Errorf("RunID = %q, want %q", n.RunID, tt.run.ID)
			}
		})
	}

	failed := ForRun(tests[2].run)
	if !strings.Contains(failed.Message, "impact failed (guardrail-impact): tone-floor") {
		t.Errorf("Message = %q", failed.Message)
	}
	if ForRun(tests[0].run).URL != "https://cdn.example.com/v.mp4" {
		t.Error("completed run should link its video")
	}
}

func TestRunListener(t *testing.T) {
	var sent []Notification
	l := NewRunListener(NoopNotifier{}, true, nil)
	l.send = func(n Notification) { sent = append(sent, n) }

	ok := &domain.Run{ID: "ok", Status: domain.RunTextOnlyCompleted}
	bad := &domain.Run{ID: "bad", Status: domain.RunFailed, FailureReason: domain.ReasonCancelled}

	l.OnEvent(pipeline.Event{Type: pipeline.EventStateChanged, RunID: "bad", Run: bad})
	l.OnEvent(pipeline.Event{Type: pipeline.EventRunFinished, RunID: "ok", Run: ok})
	l.OnEvent(pipeline.Event{Type: pipeline.EventRunFinished, RunID: "bad", Run: bad})

	if len(sent) != 1 || sent[0].RunID != "bad" {
		t.Errorf("sent = %+v, want only the failed run", sent)
	}
}

func TestFromConfig(t *testing.T) {
	if _, ok := FromConfig(config.NotificationsConfig{}).(NoopNotifier); !ok {
		t.Error("no channels should give NoopNotifier")
	}
	if _, ok := FromConfig(config.NotificationsConfig{SlackWebhook: "http://x"}).(*SlackNotifier); !ok {
		t.Error("webhook only should give SlackNotifier")
	}
	if _, ok := FromConfig(config.NotificationsConfig{SlackWebhook: "http://x", Desktop: true}).(*MultiNotifier); !ok {
		t.Error("two channels should give MultiNotifier")
	}
}

func TestDesktopNotifier(t *testing.T) {
	var gotName string
	var gotArgs []string
	d := NewDesktopNotifier(true)
	d.run = func(name string, args ...string) error {
		gotName, gotArgs = name, args
		return nil
	}

	name, args := desktopCommand("linux", Notification{Title: "T", Message: "M", Type: NotifyError})
	if name != "notify-send" || len(args) != 4 || args[1] != "dialog-error" {
		t.Errorf("desktopCommand(linux) = %s %v", name, args)
	}
	name, args = desktopCommand("darwin", Notification{
		Title:   `Run failed: ai" & (do shell script "touch /tmp/x") & "`,
		Message: `C:\runs\`,
	})
	wantScript := `display notification "C:\\runs\\" with title "Run failed: ai\" & (do shell script \"touch /tmp/x\") & \""`
	if name != "osascript" || len(args) != 2 || args[1] != wantScript {
		t.Errorf("desktopCommand(darwin) = %s %v, want script %s", name, args, wantScript)
	}
	if name, _ := desktopCommand("plan9", Notification{}); name != "" {
		t.Errorf("desktopCommand(plan9) = %q, want unsupported", name)
	}

	if err := NewDesktopNotifier(false).Send(Notification{Title: "x"}); err != nil {
		t.Errorf("disabled Send() = %v", err)
	}
	if err := d.Send(Notification{Title: "T", Message: "M"}); err != nil {
		t.Fatal(err)
	}
	wantName, _ := desktopCommand(runtime.GOOS, Notification{})
	if gotName != wantName {
		t.Errorf("ran %q %v, want %q", gotName, gotArgs, wantName)
	}
}
