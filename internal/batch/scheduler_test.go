package batch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 7 * * *", false},    // 7 AM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"*/5 * * * *", false},  // every 5 minutes
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestSchedule_Validate(t *testing.T) {
	sc := Schedule{
		Name:  "morning",
		Cron:  "0 7 * * *",
		Query: []string{" ai models ", ""},
	}

	if err := sc.Validate(); err != nil {
		t.Errorf("Valid schedule should not error: %v", err)
	}
	if len(sc.Query) != 1 || sc.Query[0] != "ai models" {
		t.Errorf("Query = %q, want trimmed single term", sc.Query)
	}
	if sc.MaxDuration.Duration != time.Hour {
		t.Errorf("MaxDuration = %v, want default 1h", sc.MaxDuration)
	}

	sc.Name = ""
	if err := sc.Validate(); err == nil {
		t.Error("Empty name should error")
	}

	noQuery := Schedule{Name: "x", Cron: "0 7 * * *"}
	if err := noQuery.Validate(); err == nil {
		t.Error("Empty query should error")
	}
}

func TestLoadScheduleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.toml")

	cfg, err := LoadScheduleConfig(path)
	if err != nil || len(cfg.Schedules) != 0 {
		t.Fatalf("missing file = %v, %v, want empty config", cfg, err)
	}

	content := `
[[schedule]]
name = "morning"
cron = "0 7 * * *"
query = ["generative ai", "ai regulation"]
video = true
max_duration = "30m"

[[schedule]]
name = "evening"
cron = "0 19 * * 1-5"
query = ["energy storage"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err = LoadScheduleConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Schedules) != 2 {
		t.Fatalf("Schedules count = %d, want 2", len(cfg.Schedules))
	}
	morning := cfg.Schedules[0]
	if !morning.Video || len(morning.Query) != 2 || morning.MaxDuration.Duration != 30*time.Minute {
		t.Errorf("morning = %+v", morning)
	}

	dup := content + `
[[schedule]]
name = "morning"
cron = "0 8 * * *"
query = ["x"]
`
	if err := os.WriteFile(path, []byte(dup), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadScheduleConfig(path); err == nil {
		t.Error("duplicate schedule names should error")
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestScheduler_NextRun(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 6, 30, 0, 0, time.Local)}
	sched, err := NewScheduler([]Schedule{{Name: "morning", Cron: "0 7 * * *", Query: []string{"ai"}}}, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}

	want := time.Date(2025, 6, 1, 7, 0, 0, 0, time.Local)
	if next := sched.NextRun("morning"); !next.Equal(want) {
		t.Errorf("NextRun() = %v, want %v", next, want)
	}
	if next := sched.NextRun("missing"); !next.IsZero() {
		t.Errorf("NextRun(missing) = %v, want zero", next)
	}
}

func TestScheduler_ShouldRun(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 6, 30, 0, 0, time.Local)}
	sched, err := NewScheduler([]Schedule{
		{Name: "morning", Cron: "0 7 * * *", Query: []string{"ai"}},
		{Name: "off", Cron: "* * * * *", Query: []string{"ai"}, Disabled: true},
	}, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}

	if sched.ShouldRun("morning") {
		t.Error("Should not run before the first occurrence")
	}

	clock.Advance(31 * time.Minute)
	if !sched.ShouldRun("morning") {
		t.Error("Should run after the occurrence passed")
	}
	if sched.ShouldRun("off") {
		t.Error("Disabled schedule should never run")
	}

	sched.MarkRunning("morning")
	if sched.ShouldRun("morning") {
		t.Error("Running schedule should not run again")
	}
	sched.MarkComplete("morning")
	if sched.ShouldRun("morning") {
		t.Error("Should not run again before the next occurrence")
	}
}

func TestScheduler_RunDue(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 6, 59, 0, 0, time.Local)}
	sched, err := NewScheduler([]Schedule{
		{Name: "morning", Cron: "0 7 * * *", Query: []string{"ai"}, Video: true},
		{Name: "evening", Cron: "0 19 * * *", Query: []string{"energy"}},
	}, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)

	var mu sync.Mutex
	var triggered []Schedule
	sched.RunDue(context.Background(), func(ctx context.Context, s Schedule) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("trigger context should carry the schedule's max duration")
		}
		mu.Lock()
		triggered = append(triggered, s)
		mu.Unlock()
		return nil
	})
	sched.Wait()

	if len(triggered) != 1 || triggered[0].Name != "morning" || !triggered[0].Video {
		t.Errorf("triggered = %+v, want only morning", triggered)
	}
	if sched.ShouldRun("morning") {
		t.Error("morning should be marked complete after its trigger returned")
	}
}

func TestScheduler_Reload(t *testing.T) {
	sched, err := NewScheduler([]Schedule{{Name: "a", Cron: "0 7 * * *", Query: []string{"ai"}}})
	if err != nil {
		t.Fatal(err)
	}

	if err := sched.Reload([]Schedule{{Name: "b", Cron: "bad", Query: []string{"x"}}}); err == nil {
		t.Error("Reload with invalid cron should error")
	}
	if got := sched.ListSchedules(); len(got) != 1 || got[0] != "a" {
		t.Errorf("failed reload changed schedules: %v", got)
	}

	if err := sched.Reload([]Schedule{
		{Name: "c", Cron: "0 9 * * *", Query: []string{"x"}},
		{Name: "b", Cron: "0 8 * * *", Query: []string{"y"}},
	}); err != nil {
		t.Fatal(err)
	}
	if got := sched.ListSchedules(); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("ListSchedules() = %v, want [b c]", got)
	}
}

func TestWatchSchedules_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.toml")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("[[schedule]]\nname = \"a\"\ncron = \"0 7 * * *\"\nquery = [\"ai\"]\n")

	cfg, err := LoadScheduleConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	sched, err := NewScheduler(cfg.Schedules)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw, err := WatchSchedules(ctx, sched, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Stop()
	fw.SetDebounce(10 * time.Millisecond)

	write("[[schedule]]\nname = \"b\"\ncron = \"0 8 * * *\"\nquery = [\"energy\"]\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sched.GetSchedule("b"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("schedules after edit = %v, want [b]", sched.ListSchedules())
}

func TestScheduleMaxDurationType(t *testing.T) {
	sc := Schedule{Name: "x", Cron: "0 7 * * *", Query: []string{"ai"}, MaxDuration: config.D(time.Minute)}
	if err := sc.Validate(); err != nil {
		t.Fatal(err)
	}
	if sc.MaxDuration.Duration != time.Minute {
		t.Errorf("MaxDuration = %v, want explicit 1m kept", sc.MaxDuration)
	}
}
