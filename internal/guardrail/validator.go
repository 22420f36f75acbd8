// Package guardrail gates generated text on tone and structure.
//
// Rules run in a fixed order and the first failing rule decides the verdict:
// the overall sentiment floor (reject), negative sentences without a nearby
// pivot (revise), then missing structural elements for the content class
// (reject). Every issue found is reported so it can be fed back to the
// generating provider.
package guardrail

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
)

// ContentClass selects the structural rules applied to a text
type ContentClass string

const (
	ClassImpactSummary ContentClass = "impact-summary"
	ClassBlog          ContentClass = "blog"
	ClassSocialPost    ContentClass = "social-post"
	ClassVideoScript   ContentClass = "video-script"
)

// Decision is the outcome of a validation
type Decision string

const (
	Accept Decision = "accept"
	Revise Decision = "revise"
	Reject Decision = "reject"
)

// Rule names reported on issues
const (
	RuleEmpty      = "empty"
	RuleTone       = "tone-floor"
	RulePivot      = "negative-without-pivot"
	RuleHook       = "missing-hook"
	RuleValue      = "missing-value"
	RuleCTA        = "missing-call-to-action"
	RuleClosingCTA = "missing-closing-action"
)

// Issue is one flagged problem. Paragraph and Sentence are zero-based, -1 when
// the issue concerns the whole text.
type Issue struct {
	Rule        string `json:"rule"`
	Paragraph   int    `json:"paragraph"`
	Sentence    int    `json:"sentence"`
	Text        string `json:"text,omitempty"`
	Instruction string `json:"instruction"`
}

// Verdict is the result of validating one text
type Verdict struct {
	Class    ContentClass `json:"class"`
	Decision Decision     `json:"decision"`
	Score    float64      `json:"score"`
	Issues   []Issue      `json:"issues,omitempty"`
}

// Accepted reports whether the text passed every rule
func (v Verdict) Accepted() bool { return v.Decision == Accept }

// Instructions renders the issues as refinement instructions for a content provider
func (v Verdict) Instructions() []string {
	out := make([]string, 0, len(v.Issues))
	for _, is := range v.Issues {
		out = append(out, fmt.Sprintf("[%s] %s", is.Rule, is.Instruction))
	}
	return out
}

// Summary is a one-line description of the verdict for logs and run failures
func (v Verdict) Summary() string {
	if len(v.Issues) == 0 {
		return fmt.Sprintf("%s (score %.2f)", v.Decision, v.Score)
	}
	rules := make([]string, 0, len(v.Issues))
	seen := make(map[string]bool)
	for _, is := range v.Issues {
		if !seen[is.Rule] {
			seen[is.Rule] = true
			rules = append(rules, is.Rule)
		}
	}
	return fmt.Sprintf("%s (score %.2f): %s", v.Decision, v.Score, strings.Join(rules, ", "))
}

// Options configures a Validator
type Options struct {
	PositivityFloor float64
	// PivotDistance is how many sentences away, within the same paragraph,
	// a pivot may sit from the negative sentence it answers
	PivotDistance int
	Lexicon       *Lexicon
}

// Validator scores texts. It holds no mutable state and is safe for concurrent use.
type Validator struct {
	floor    float64
	distance int
	lex      *Lexicon
}

// New creates a Validator
func New(opts Options) *Validator {
	lex := opts.Lexicon
	if lex == nil {
		lex = DefaultLexicon()
	}
	distance := opts.PivotDistance
	if distance <= 0 {
		distance = 2
	}
	return &Validator{floor: opts.PositivityFloor, distance: distance, lex: lex}
}

// FromConfig creates a Validator from guardrail settings, loading the lexicon override if set
func FromConfig(cfg config.GuardrailConfig) (*Validator, error) {
	opts := Options{PositivityFloor: cfg.PositivityFloor, PivotDistance: cfg.PivotDistance}
	if cfg.LexiconPath != "" {
		lex, err := LoadLexicon(cfg.LexiconPath)
		if err != nil {
			return nil, err
		}
		opts.Lexicon = lex
	}
	return New(opts), nil
}

// Validate scores text for the given content class
func (v *Validator) Validate(text string, class ContentClass) Verdict {
	verdict := Verdict{Class: class, Decision: Accept}

	paragraphs := segment(text)
	if len(paragraphs) == 0 {
		verdict.Decision = Reject
		verdict.Issues = []Issue{{
			Rule: RuleEmpty, Paragraph: -1, Sentence: -1,
			Instruction: "produce non-empty text",
		}}
		return verdict
	}

	verdict.Score = v.score(paragraphs)

	var decided bool
	if verdict.Score < v.floor {
		verdict.Decision = Reject
		decided = true
		verdict.Issues = append(verdict.Issues, Issue{
			Rule: RuleTone, Paragraph: -1, Sentence: -1,
			Instruction: fmt.Sprintf("overall tone score %.2f is below the floor %.2f; frame developments around opportunities and solutions", verdict.Score, v.floor),
		})
	}

	if pivots := v.pivotIssues(paragraphs); len(pivots) > 0 {
		verdict.Issues = append(verdict.Issues, pivots...)
		if !decided {
			verdict.Decision = Revise
			decided = true
		}
	}

	if structural := v.structureIssues(paragraphs, class); len(structural) > 0 {
		verdict.Issues = append(verdict.Issues, structural...)
		if !decided {
			verdict.Decision = Reject
		}
	}

	return verdict
}

// score returns (pos - neg) / (pos + neg) over all tokens, 0 for neutral text
func (v *Validator) score(paragraphs [][]sentence) float64 {
	var pos, neg int
	for _, p := range paragraphs {
		for _, s := range p {
			sp, sn := v.polarity(s.Tokens)
			pos += sp
			neg += sn
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func (v *Validator) polarity(tokens []string) (pos, neg int) {
	for _, t := range tokens {
		if _, ok := v.lex.Positive[t]; ok {
			pos++
		}
		if _, ok := v.lex.Negative[t]; ok {
			neg++
		}
	}
	return pos, neg
}

func (v *Validator) isPivot(s sentence) bool {
	if containsAny(s.Tokens, v.lex.Pivot) {
		return true
	}
	pos, neg := v.polarity(s.Tokens)
	return pos > neg
}

func (v *Validator) purelyNegative(s sentence) bool {
	pos, neg := v.polarity(s.Tokens)
	return neg > 0 && pos == 0 && !containsAny(s.Tokens, v.lex.Pivot)
}

func (v *Validator) pivotIssues(paragraphs [][]sentence) []Issue {
	var issues []Issue
	for _, p := range paragraphs {
		for i, s := range p {
			if !v.purelyNegative(s) {
				continue
			}
			paired := false
			for j := max(0, i-v.distance); j <= min(len(p)-1, i+v.distance); j++ {
				if j != i && v.isPivot(p[j]) {
					paired = true
					break
				}
			}
			if paired {
				continue
			}
			instruction := fmt.Sprintf("paragraph %d, sentence %d states a negative without a pivot; follow it within the same paragraph with an opportunity or reframe: %q",
				s.Paragraph+1, s.Index+1, s.Text)
			issues = append(issues, Issue{
				Rule:        RulePivot,
				Paragraph:   s.Paragraph,
				Sentence:    s.Index,
				Text:        s.Text,
				Instruction: instruction,
			})
		}
	}
	return issues
}

func (v *Validator) structureIssues(paragraphs [][]sentence, class ContentClass) []Issue {
	switch class {
	case ClassSocialPost:
		return v.socialPostIssues(paragraphs)
	case ClassVideoScript:
		return v.videoScriptIssues(paragraphs)
	default:
		return nil
	}
}

const (
	maxHookWords  = 20
	minValueWords = 5
)

func (v *Validator) socialPostIssues(paragraphs [][]sentence) []Issue {
	var all []sentence
	for _, p := range paragraphs {
		all = append(all, p...)
	}

	var issues []Issue
	first := all[0]
	trimmed := strings.TrimRight(first.Text, `"')`)
	punchy := strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "!")
	if len(first.Tokens) > maxHookWords || !(punchy || containsAny(first.Tokens, v.lex.Hook)) {
		issues = append(issues, Issue{
			Rule: RuleHook, Paragraph: first.Paragraph, Sentence: first.Index, Text: first.Text,
			Instruction: fmt.Sprintf("open with a hook: a first sentence of at most %d words that asks a question, exclaims, or teases the news", maxHookWords),
		})
	}

	hasValue := false
	for _, s := range all[1:] {
		if len(s.Tokens) >= minValueWords && !containsAny(s.Tokens, v.lex.CTA) {
			hasValue = true
			break
		}
	}
	if !hasValue {
		issues = append(issues, Issue{
			Rule: RuleValue, Paragraph: -1, Sentence: -1,
			Instruction: fmt.Sprintf("after the hook add at least one sentence of %d or more words explaining why the news matters", minValueWords),
		})
	}

	hasCTA := false
	for _, s := range all {
		if containsAny(s.Tokens, v.lex.CTA) {
			hasCTA = true
			break
		}
	}
	if !hasCTA {
		issues = append(issues, Issue{
			Rule: RuleCTA, Paragraph: -1, Sentence: -1,
			Instruction: "end with a call to action such as inviting readers to share, comment or read more",
		})
	}
	return issues
}

func (v *Validator) videoScriptIssues(paragraphs [][]sentence) []Issue {
	last := paragraphs[len(paragraphs)-1]
	for _, s := range last {
		if containsAny(s.Tokens, v.lex.CTA) {
			return nil
		}
	}
	tail := last[len(last)-1]
	return []Issue{{
		Rule: RuleClosingCTA, Paragraph: tail.Paragraph, Sentence: tail.Index, Text: tail.Text,
		Instruction: "close the script with an actionable segment telling viewers what to do next",
	}}
}
