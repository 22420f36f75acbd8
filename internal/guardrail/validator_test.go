package guardrail

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestValidate_Accept(t *testing.T) {
	v := New(Options{})
	verdict := v.Validate("New AI models unlock faster research. Teams gain efficient tools.", ClassImpactSummary)

	if verdict.Decision != Accept {
		t.Errorf("Decision = %s, want accept (issues: %v)", verdict.Decision, verdict.Issues)
	}
	if verdict.Score != 1 {
		t.Errorf("Score = %v, want 1", verdict.Score)
	}
}

func TestValidate_NegativeWithoutPivot(t *testing.T) {
	v := New(Options{})
	text := "AI adoption brings growth to many sectors.\n\nAutomation could cause layoffs in call centers."

	verdict := v.Validate(text, ClassBlog)
	if verdict.Decision != Revise {
		t.Fatalf("Decision = %s, want revise", verdict.Decision)
	}
	if len(verdict.Issues) != 1 {
		t.Fatalf("Issues = %v, want exactly one", verdict.Issues)
	}
	is := verdict.Issues[0]
	if is.Rule != RulePivot {
		t.Errorf("Rule = %s, want %s", is.Rule, RulePivot)
	}
	if is.Paragraph != 1 || is.Sentence != 0 {
		t.Errorf("location = (%d, %d), want (1, 0)", is.Paragraph, is.Sentence)
	}
	if is.Text != "Automation could cause layoffs in call centers." {
		t.Errorf("Text = %q", is.Text)
	}
}

func TestValidate_PivotRules(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		distance int
		want     Decision
	}{
		{
			name: "pivot in next sentence",
			text: "Automation could cause layoffs in call centers. However, retraining programs create new roles.",
			want: Accept,
		},
		{
			name: "pivot in another paragraph",
			text: "Layoffs hit call centers.\n\nHowever, new roles emerge.",
			want: Revise,
		},
		{
			name:     "pivot beyond distance",
			text:     "Layoffs hit call centers. Demand fell sharply. Budgets shrank this year. Retraining creates new roles, however.",
			distance: 2,
			want:     Revise,
		},
		{
			name:     "pivot within distance",
			text:     "Layoffs hit call centers. Demand fell sharply. Budgets shrank this year. Retraining creates new roles, however.",
			distance: 3,
			want:     Accept,
		},
		{
			name: "pivot inside the sentence",
			text: "Layoffs are a risk, but retraining is planned.\n\nNew programs help workers grow.",
			want: Accept,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(Options{PivotDistance: tt.distance})
			got := v.Validate(tt.text, ClassBlog)
			if got.Decision != tt.want {
				t.Errorf("Decision = %s, want %s (issues: %v)", got.Decision, tt.want, got.Issues)
			}
		})
	}
}

func TestValidate_ToneFloorRejectsFirst(t *testing.T) {
	v := New(Options{PositivityFloor: 0})
	verdict := v.Validate("The crisis deepens. Layoffs and losses mount as fear spreads.", ClassImpactSummary)

	if verdict.Decision != Reject {
		t.Fatalf("Decision = %s, want reject", verdict.Decision)
	}
	if verdict.Score != -1 {
		t.Errorf("Score = %v, want -1", verdict.Score)
	}
	if verdict.Issues[0].Rule != RuleTone {
		t.Errorf("first issue = %s, want %s", verdict.Issues[0].Rule, RuleTone)
	}
	if len(verdict.Issues) < 2 {
		t.Error("pivot issues should be reported alongside the tone issue")
	}
}

func TestValidate_SocialPostStructure(t *testing.T) {
	v := New(Options{})

	good := "Did you know AI now writes code?\n\nNew models help small teams ship faster and build better products.\n\nShare your thoughts below!"
	if got := v.Validate(good, ClassSocialPost); got.Decision != Accept {
		t.Errorf("good post: Decision = %s, want accept (issues: %v)", got.Decision, got.Issues)
	}

	noCTA := "Big news: AI models got faster! They help teams build better products every day."
	got := v.Validate(noCTA, ClassSocialPost)
	if got.Decision != Reject {
		t.Fatalf("no CTA: Decision = %s, want reject", got.Decision)
	}
	if len(got.Issues) != 1 || got.Issues[0].Rule != RuleCTA {
		t.Errorf("no CTA: Issues = %v, want only %s", got.Issues, RuleCTA)
	}

	flat := "AI models are being released by several labs this quarter and analysts are watching closely to see results."
	got = v.Validate(flat, ClassSocialPost)
	rules := map[string]bool{}
	for _, is := range got.Issues {
		rules[is.Rule] = true
	}
	for _, want := range []string{RuleHook, RuleValue, RuleCTA} {
		if !rules[want] {
			t.Errorf("flat post: missing issue %s in %v", want, got.Issues)
		}
	}
}

func TestValidate_VideoScriptClosing(t *testing.T) {
	v := New(Options{})

	missing := "AI models are improving fast. Teams gain new tools.\n\nThat is the story for today."
	got := v.Validate(missing, ClassVideoScript)
	if got.Decision != Reject || got.Issues[0].Rule != RuleClosingCTA {
		t.Errorf("missing closing: verdict = %+v, want reject with %s", got, RuleClosingCTA)
	}

	closing := "AI models are improving fast. Teams gain new tools.\n\nFollow us for more updates."
	if got := v.Validate(closing, ClassVideoScript); got.Decision != Accept {
		t.Errorf("closing: Decision = %s, want accept (issues: %v)", got.Decision, got.Issues)
	}
}

func TestValidate_Empty(t *testing.T) {
	got := New(Options{}).Validate("   \n\n ", ClassBlog)
	if got.Decision != Reject || got.Issues[0].Rule != RuleEmpty {
		t.Errorf("verdict = %+v, want reject with %s", got, RuleEmpty)
	}
}

func TestValidate_Deterministic(t *testing.T) {
	v := New(Options{})
	text := "AI adoption brings growth.\n\nAutomation could cause layoffs. Budgets shrank. Prices fell."

	first := v.Validate(text, ClassBlog)
	for i := 0; i < 10; i++ {
		if got := v.Validate(text, ClassBlog); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d verdict differs:\n got %+v\nwant %+v", i, got, first)
		}
	}
	if first.Decision != Revise {
		t.Errorf("Decision = %s, want revise", first.Decision)
	}
}

func TestVerdict_Instructions(t *testing.T) {
	v := New(Options{PositivityFloor: -1})
	got := v.Validate("Layoffs hit call centers.", ClassBlog).Instructions()

	if len(got) != 1 {
		t.Fatalf("Instructions = %v, want one line", got)
	}
	want := "[negative-without-pivot] paragraph 1, sentence 1 states a negative without a pivot; follow it within the same paragraph with an opportunity or reframe: \"Layoffs hit call centers.\""
	if got[0] != want {
		t.Errorf("Instructions()[0] = %q, want %q", got[0], want)
	}
}

func TestSegment(t *testing.T) {
	text := "# Title\nFirst line continues\nhere. Second.\n- bullet item\n\nVersion 2.5 is out. Really?"
	paragraphs := segment(text)

	if len(paragraphs) != 2 {
		t.Fatalf("paragraphs = %d, want 2", len(paragraphs))
	}
	var got []string
	for _, s := range paragraphs[0] {
		got = append(got, s.Text)
	}
	want := []string{"Title", "First line continues here.", "Second.", "bullet item"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("paragraph 0 = %q, want %q", got, want)
	}
	if len(paragraphs[1]) != 2 || paragraphs[1][0].Text != "Version 2.5 is out." {
		t.Errorf("paragraph 1 = %+v", paragraphs[1])
	}
}

func TestLoadLexicon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.yaml")
	content := "negative:\n  - Meltdown\ncta:\n  - Vote now\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	lex, err := LoadLexicon(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := lex.Negative["meltdown"]; !ok {
		t.Error("override negative word missing")
	}
	if _, ok := lex.Negative["crisis"]; !ok {
		t.Error("built-in negative word lost after merge")
	}

	v := New(Options{Lexicon: lex})
	got := v.Validate("AI changes elections!\n\nNew tools help voters compare candidate plans quickly.\n\nVote now.", ClassSocialPost)
	if got.Decision != Accept {
		t.Errorf("Decision = %s, want accept with custom CTA (issues: %v)", got.Decision, got.Issues)
	}
}
