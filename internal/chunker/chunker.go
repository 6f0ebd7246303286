// Package chunker cuts canonical source text into fixed-size overlapping windows.
package chunker

import (
	"errors"
	"iter"
	"strings"
	"unicode"
)

var ErrInvalidWindow = errors.New("chunker: target must be > 0 and overlap >= 0")

// Chunker holds a window configuration. The zero value is not usable.
type Chunker struct {
	Target  int
	Overlap int
}

// New validates the window sizes.
func New(target, overlap int) (Chunker, error) {
	if target <= 0 || overlap < 0 {
		return Chunker{}, ErrInvalidWindow
	}
	return Chunker{Target: target, Overlap: overlap}, nil
}

// Step is the advance between window starts, never below one.
func (c Chunker) Step() int {
	return max(c.Target-c.Overlap, 1)
}

// All yields trimmed, non-empty windows of at most Target runes. Each call
// to the returned sequence starts over from the beginning of text.
func (c Chunker) All(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if c.Target <= 0 || strings.TrimSpace(text) == "" {
			return
		}
		rs := []rune(text)
		step := c.Step()
		for start := 0; start < len(rs); start += step {
			end := min(start+c.Target, len(rs))
			w := strings.TrimFunc(string(rs[start:end]), unicode.IsSpace)
			if w != "" && !yield(w) {
				return
			}
			if end == len(rs) {
				return
			}
		}
	}
}

// Split collects All into a slice.
func (c Chunker) Split(text string) []string {
	var out []string
	for w := range c.All(text) {
		out = append(out, w)
	}
	return out
}

// Split is a convenience over New(target, overlap).Split(text). Invalid
// sizes yield no chunks.
func Split(text string, target, overlap int) []string {
	c, err := New(target, overlap)
	if err != nil {
		return nil
	}
	return c.Split(text)
}
