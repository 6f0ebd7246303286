package textutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFold(t *testing.T) {
	if got := Fold("Jednotné PŘIHLÁŠENÍ"); got != "jednotne prihlaseni" {
		t.Fatalf("Fold = %q", got)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("OAuth callback-timeout, on Safari (v17.2)!")
	want := []string{"oauth", "callback", "timeout", "on", "safari", "v17", "2"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
}

func TestWordTokens(t *testing.T) {
	got := WordTokens(`  "OAuth"   callback?  --  `)
	if strings.Join(got, "|") != "oauth|callback" {
		t.Fatalf("WordTokens = %v", got)
	}
}

func TestSignificantTerms(t *testing.T) {
	a := NewAnalyzer("feature")
	terms := a.SignificantTerms("Jaké vlastnosti má feature jednotné přihlášení?")
	for _, w := range []string{"vlastnosti", "jednotne", "prihlaseni"} {
		if !terms.Has(w) {
			t.Errorf("missing term %q in %v", w, terms)
		}
	}
	for _, w := range []string{"jake", "ma", "feature"} {
		if terms.Has(w) {
			t.Errorf("stopword %q kept", w)
		}
	}
	if NewAnalyzer().SignificantTerms("a I x").Has("x") {
		t.Fatal("single-char token kept")
	}
}

func TestTermSetOps(t *testing.T) {
	a := TermSet{"oauth": {}, "callback": {}}
	b := TermSet{"callback": {}, "safari": {}}
	if !a.Intersects(b) || a.Count(b) != 1 {
		t.Fatal("expected overlap of one")
	}
	if a.Intersects(TermSet{"runbook": {}}) {
		t.Fatal("unexpected overlap")
	}
	u := TermSet{}.Union(a).Union(b)
	if len(u) != 3 {
		t.Fatalf("union size %d", len(u))
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Login fails on Safari. Version 17.2 only! Why? trailing")
	want := []string{"Login fails on Safari.", "Version 17.2 only!", "Why?", "trailing"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("SplitSentences = %q", got)
	}
	if len(SplitSentences("   ")) != 0 {
		t.Fatal("blank input should yield nothing")
	}
}

func TestSnippet(t *testing.T) {
	short := Snippet("line one\n\n  line   two")
	if short != "line one line two" {
		t.Fatalf("Snippet = %q", short)
	}
	long := Snippet(strings.Repeat("word ", 100))
	if n := utf8.RuneCountInString(long); n > SnippetMaxChars {
		t.Fatalf("snippet has %d runes", n)
	}
	if !strings.HasSuffix(long, "...") {
		t.Fatalf("missing ellipsis: %q", long)
	}
	czech := Snippet(strings.Repeat("přihlášení ", 40))
	if n := utf8.RuneCountInString(czech); n > SnippetMaxChars {
		t.Fatalf("snippet has %d runes", n)
	}
}

func TestStripHTML(t *testing.T) {
	got := StripHTML("<p>Use <b>rollback</b> &amp; restart</p>")
	if got != "Use rollback & restart" {
		t.Fatalf("StripHTML = %q", got)
	}
	if StripHTML("a < b") != "a < b" {
		t.Fatal("plain text changed")
	}
}

func TestToMarkdown(t *testing.T) {
	got := ToMarkdown("<h2>Runbook</h2><ul><li>drain</li><li>rollback</li></ul>")
	if !strings.Contains(got, "## Runbook") || !strings.Contains(got, "rollback") {
		t.Fatalf("ToMarkdown = %q", got)
	}
	if ToMarkdown("h2. Textile stays") != "h2. Textile stays" {
		t.Fatal("plain text changed")
	}
}
