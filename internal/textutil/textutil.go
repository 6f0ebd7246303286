// Package textutil holds the text primitives shared by indexing and answering:
// Unicode-aware tokenization with diacritic folding, stopwords, sentence
// splitting, snippet shaping and HTML rendering.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SnippetMaxChars bounds citation snippets, ellipsis included.
const SnippetMaxChars = 220

const ellipsis = "..."

// Fold lowercases s and strips combining marks, so "Přihlášení" becomes "prihlaseni".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Tokenize splits folded text into runs of letters and digits.
func Tokenize(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// WordTokens splits on whitespace, lowercases, and trims surrounding punctuation.
// Empty tokens are dropped.
func WordTokens(s string) []string {
	var out []string
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// TermSet is a set of folded terms.
type TermSet map[string]struct{}

// Has reports membership.
func (s TermSet) Has(t string) bool {
	_, ok := s[t]
	return ok
}

// Intersects reports whether s and o share at least one term.
func (s TermSet) Intersects(o TermSet) bool {
	a, b := s, o
	if len(b) < len(a) {
		a, b = b, a
	}
	for t := range a {
		if b.Has(t) {
			return true
		}
	}
	return false
}

// Union adds every term of o to s and returns s.
func (s TermSet) Union(o TermSet) TermSet {
	for t := range o {
		s[t] = struct{}{}
	}
	return s
}

// Count returns how many terms of o are in s.
func (s TermSet) Count(o TermSet) int {
	n := 0
	for t := range o {
		if s.Has(t) {
			n++
		}
	}
	return n
}

// Analyzer extracts significant terms with a configurable stopword list.
type Analyzer struct {
	stop TermSet
}

// NewAnalyzer returns an analyzer over the default stopwords plus extra.
func NewAnalyzer(extra ...string) *Analyzer {
	stop := make(TermSet, len(defaultStopwords)+len(extra))
	for _, w := range defaultStopwords {
		stop[w] = struct{}{}
	}
	for _, w := range extra {
		if w = Fold(strings.TrimSpace(w)); w != "" {
			stop[w] = struct{}{}
		}
	}
	return &Analyzer{stop: stop}
}

// IsStopword reports whether the folded token is a stopword.
func (a *Analyzer) IsStopword(tok string) bool { return a.stop.Has(tok) }

// SignificantTerms returns folded tokens of at least two characters that
// are not stopwords.
func (a *Analyzer) SignificantTerms(text string) TermSet {
	out := TermSet{}
	for _, t := range Tokenize(text) {
		if utf8.RuneCountInString(t) < 2 || a.stop.Has(t) {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

// SplitSentences splits on '.', '!' and '?' followed by whitespace or end of
// text. Returned sentences are trimmed and non-empty.
func SplitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	rs := []rune(text)
	for i, r := range rs {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(rs) && !unicode.IsSpace(rs[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(rs[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(rs[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// SingleLine collapses all whitespace runs into single spaces.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Snippet renders text as a single line of at most SnippetMaxChars runes,
// ending in an ellipsis when cut.
func Snippet(text string) string {
	return Truncate(SingleLine(StripHTML(text)), SnippetMaxChars)
}

// Truncate cuts s to max runes including the ellipsis, preferring a word boundary.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	rs := []rune(s)
	cut := max - len(ellipsis)
	if cut <= 0 {
		return string(rs[:max])
	}
	head := string(rs[:cut])
	if i := strings.LastIndexByte(head, ' '); i > cut/2 {
		head = head[:i]
	}
	return strings.TrimRight(head, " ,;:") + ellipsis
}
