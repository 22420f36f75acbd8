package guardrail

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
	blockLine      = regexp.MustCompile(`^\s*(#{1,6}\s+|[-*+]\s+|\d+[.)]\s+|>\s*)`)
)

// sentence is one scored segment of a text
type sentence struct {
	Text      string
	Tokens    []string
	Paragraph int
	Index     int
}

// segment splits text into paragraphs of sentences. Headings and list items
// become sentences of their own.
func segment(text string) [][]sentence {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var paragraphs [][]sentence
	for _, block := range paragraphSplit.Split(strings.TrimSpace(text), -1) {
		var raw []string
		var buf strings.Builder
		flush := func() {
			raw = append(raw, splitSentences(buf.String())...)
			buf.Reset()
		}
		for _, line := range strings.Split(block, "\n") {
			if blockLine.MatchString(line) {
				flush()
				raw = append(raw, splitSentences(blockLine.ReplaceAllString(line, ""))...)
				continue
			}
			buf.WriteString(line)
			buf.WriteByte(' ')
		}
		flush()

		p := len(paragraphs)
		var sentences []sentence
		for _, s := range raw {
			toks := tokenize(s)
			if len(toks) == 0 {
				continue
			}
			sentences = append(sentences, sentence{Text: s, Tokens: toks, Paragraph: p, Index: len(sentences)})
		}
		if len(sentences) > 0 {
			paragraphs = append(paragraphs, sentences)
		}
	}
	return paragraphs
}

// splitSentences cuts at runs of . ! ? followed by whitespace or end of text
func splitSentences(s string) []string {
	runes := []rune(s)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && (isTerminator(runes[j+1]) || runes[j+1] == '"' || runes[j+1] == '\'' || runes[j+1] == ')') {
			j++
		}
		if j+1 == len(runes) || unicode.IsSpace(runes[j+1]) {
			if t := strings.TrimSpace(string(runes[start : j+1])); t != "" {
				out = append(out, t)
			}
			start = j + 1
		}
		i = j
	}
	if t := strings.TrimSpace(string(runes[start:])); t != "" {
		out = append(out, t)
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// tokenize lower-cases s and splits it into words of letters, digits and inner apostrophes
func tokenize(s string) []string {
	s = strings.ReplaceAll(strings.ToLower(s), "’", "'")
	var out []string
	var cur []rune
	flush := func() {
		w := strings.Trim(string(cur), "'")
		if w != "" {
			out = append(out, w)
		}
		cur = cur[:0]
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			cur = append(cur, r)
			continue
		}
		flush()
	}
	flush()
	return out
}

// containsPhrase reports whether the token sequence contains phrase as whole words
func containsPhrase(tokens []string, phrase string) bool {
	if phrase == "" {
		return false
	}
	hay := " " + strings.Join(tokens, " ") + " "
	return strings.Contains(hay, " "+phrase+" ")
}

func containsAny(tokens []string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(tokens, p) {
			return true
		}
	}
	return false
}
