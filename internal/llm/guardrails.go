package llm

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Guardrail counter names.
const (
	CounterPromptInjection = "prompt_injection"
	CounterUnsafeContent   = "unsafe_content"
	CounterSchemaViolation = "schema_violation"
	CounterUngroundedClaim = "ungrounded_claim"
)

var defaultInjectionPatterns = []string{
	`ignore\s+(all\s+|any\s+)?(the\s+)?(previous|prior|above)\s+instructions`,
	`disregard\s+(the\s+|all\s+)?(system|previous|prior)\s+(prompt|instructions)`,
	`reveal\s+(your|the)\s+(system\s+)?prompt`,
	`you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)`,
	`<\s*/?\s*(system|assistant)\s*>`,
	`begin\s+system\s+prompt`,
}

var defaultUnsafeCommands = []string{
	"rm -rf /",
	"rm -rf ~",
	"mkfs",
	"dd if=/dev/zero",
	":(){ :|:& };:",
	"chmod -r 777 /",
	"drop database",
	"drop table",
	"shutdown -h now",
	"curl | sh",
	"wget | sh",
}

// Guardrails screens generated text and counts rejections.
type Guardrails struct {
	injection []*regexp.Regexp
	unsafe    []string

	mu       sync.Mutex
	counters map[string]int
}

// NewGuardrails compiles the default patterns plus extra ones.
func NewGuardrails(extraInjection, extraUnsafe []string) (*Guardrails, error) {
	g := &Guardrails{counters: map[string]int{}}
	for _, p := range append(append([]string(nil), defaultInjectionPatterns...), extraInjection...) {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compile injection pattern %q: %w", p, err)
		}
		g.injection = append(g.injection, re)
	}
	for _, c := range append(append([]string(nil), defaultUnsafeCommands...), extraUnsafe...) {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			g.unsafe = append(g.unsafe, c)
		}
	}
	return g, nil
}

// Inspect returns the bucket that text violates, or "" when it is clean.
func (g *Guardrails) Inspect(text string) string {
	for _, re := range g.injection {
		if re.MatchString(text) {
			return BucketPromptInjection
		}
	}
	lower := strings.ToLower(text)
	for _, c := range g.unsafe {
		if strings.Contains(lower, c) {
			return BucketUnsafeContent
		}
	}
	return ""
}

// Check inspects text and counts a violation. It returns the bucket or "".
func (g *Guardrails) Check(text string) string {
	b := g.Inspect(text)
	if b != "" {
		g.Increment(b)
	}
	return b
}

func (g *Guardrails) Increment(counter string) {
	g.mu.Lock()
	g.counters[counter]++
	g.mu.Unlock()
}

// Counters returns a copy of the rejection counters, every known name included.
func (g *Guardrails) Counters() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string]int{
		CounterPromptInjection: 0,
		CounterUnsafeContent:   0,
		CounterSchemaViolation: 0,
		CounterUngroundedClaim: 0,
	}
	for k, v := range g.counters {
		out[k] = v
	}
	return out
}

func (g *Guardrails) Reset() {
	g.mu.Lock()
	g.counters = map[string]int{}
	g.mu.Unlock()
}
