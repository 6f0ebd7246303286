package chunker

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplit_LongUniformText(t *testing.T) {
	chunks := Split(strings.Repeat("A", 2600), 1000, 100)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want >= 3", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 1000 || n == 0 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
}

func TestSplit_OverlapMatches(t *testing.T) {
	chunks := Split(strings.Repeat("0123456789", 40), 100, 20)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if chunks[0][len(chunks[0])-20:] != chunks[1][:20] {
		t.Fatalf("overlap mismatch: %q vs %q", chunks[0][len(chunks[0])-20:], chunks[1][:20])
	}
}

func TestSplit_ReconstructsInput(t *testing.T) {
	text := strings.Repeat("0123456789", 40)
	const overlap = 20
	chunks := Split(text, 100, overlap)
	var b strings.Builder
	b.WriteString(chunks[0])
	for _, c := range chunks[1:] {
		b.WriteString(c[overlap:])
	}
	if b.String() != text {
		t.Fatalf("reconstruction mismatch: %d vs %d chars", b.Len(), len(text))
	}
}

func TestSplit_EmptyAndBlank(t *testing.T) {
	for _, in := range []string{"", "   \n\t "} {
		if got := Split(in, 100, 10); len(got) != 0 {
			t.Fatalf("Split(%q) = %v", in, got)
		}
	}
}

func TestSplit_ShortText(t *testing.T) {
	got := Split("  hello world  ", 100, 10)
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestSplit_OverlapLargerThanTarget(t *testing.T) {
	c, err := New(5, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Step() != 1 {
		t.Fatalf("step = %d", c.Step())
	}
	if got := c.Split("abcdefg"); len(got) != 3 || got[2] != "cdefg" {
		t.Fatalf("got %q", got)
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(0, 0); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
	if _, err := New(10, -1); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
}

func TestAll_Restartable(t *testing.T) {
	c, _ := New(10, 2)
	seq := c.All(strings.Repeat("x", 35))
	var first, second int
	for range seq {
		first++
	}
	for range seq {
		second++
	}
	if first == 0 || first != second {
		t.Fatalf("first=%d second=%d", first, second)
	}
}

func TestAll_EarlyStop(t *testing.T) {
	c, _ := New(10, 0)
	n := 0
	for range c.All(strings.Repeat("y", 100)) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("n=%d", n)
	}
}
