package guardrail

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lexicon holds the word lists the validator scores against.
// Positive and Negative hold single words, the other lists hold phrases.
type Lexicon struct {
	Positive map[string]struct{}
	Negative map[string]struct{}
	Pivot    []string
	CTA      []string
	Hook     []string
}

// lexiconFile is the YAML layout of a lexicon override file
type lexiconFile struct {
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`
	Pivot    []string `yaml:"pivot"`
	CTA      []string `yaml:"cta"`
	Hook     []string `yaml:"hook"`
}

// DefaultLexicon returns the built-in lexicon
func DefaultLexicon() *Lexicon {
	return &Lexicon{
		Positive: wordSet(
			"advance", "advances", "benefit", "benefits", "better", "boost", "boosts",
			"breakthrough", "empower", "empowers", "efficient", "efficiency", "exciting",
			"gain", "gains", "growth", "grow", "grows", "help", "helps", "improve",
			"improves", "improved", "improvement", "innovation", "innovative", "inspiring",
			"new", "opportunity", "opportunities", "optimistic", "positive", "potential",
			"progress", "promising", "resilient", "solution", "solutions", "strong",
			"success", "successful", "thrive", "thriving", "unlock", "unlocks", "valuable",
			"win", "wins", "accessible", "affordable", "faster", "safer", "creative",
		),
		Negative: wordSet(
			"bad", "collapse", "concern", "concerns", "crash", "crisis", "damage",
			"danger", "dangerous", "decline", "declines", "disaster", "displace",
			"displaced", "disrupt", "disrupts", "fail", "fails", "failure", "fear",
			"fears", "harm", "harmful", "layoffs", "lose", "loses", "loss", "losses",
			"negative", "problem", "problems", "risk", "risks", "threat", "threatens",
			"unemployment", "worse", "worst", "worry", "worries", "struggle", "struggles",
			"shortage", "downturn", "fraud", "misinformation", "bias", "scandal",
		),
		Pivot: []string{
			"opportunity", "opportunities", "however", "but", "yet", "on the other hand",
			"the upside", "silver lining", "can help", "could help", "a chance to",
			"the good news", "reframe", "instead", "solution", "solutions", "by contrast",
			"this opens", "room to", "path forward",
		},
		CTA: []string{
			"read more", "learn more", "find out", "share", "follow", "comment",
			"subscribe", "join", "sign up", "check out", "tell us", "let us know",
			"discover", "try", "start", "explore", "click", "link in bio", "get started",
			"what do you think",
		},
		Hook: []string{
			"did you know", "imagine", "here's", "here is", "breaking", "what if",
			"big news", "just in", "meet", "why",
		},
	}
}

// LoadLexicon reads a YAML override file and merges it into the default lexicon
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lexicon: %w", err)
	}
	var f lexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing lexicon %s: %w", path, err)
	}

	lex := DefaultLexicon()
	for _, w := range f.Positive {
		lex.Positive[normalizeWord(w)] = struct{}{}
	}
	for _, w := range f.Negative {
		lex.Negative[normalizeWord(w)] = struct{}{}
	}
	lex.Pivot = mergePhrases(lex.Pivot, f.Pivot)
	lex.CTA = mergePhrases(lex.CTA, f.CTA)
	lex.Hook = mergePhrases(lex.Hook, f.Hook)
	return lex, nil
}

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func mergePhrases(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, p := range append(append([]string(nil), base...), extra...) {
		p = strings.Join(tokenize(p), " ")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func normalizeWord(w string) string {
	toks := tokenize(w)
	if len(toks) == 0 {
		return ""
	}
	return toks[0]
}
