// Package evalgate compares evaluation metrics against a baseline and fails
// when any metric drops by more than it is allowed to.
package evalgate

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// DefaultAllowedDrop applies to metrics without an explicit allowance.
const DefaultAllowedDrop = 0.0

// Check is the outcome for one metric.
type Check struct {
	Metric      string  `json:"metric"`
	Baseline    float64 `json:"baseline"`
	Current     float64 `json:"current"`
	Drop        float64 `json:"drop"`
	AllowedDrop float64 `json:"allowed_drop"`
	Passed      bool    `json:"passed"`
	Missing     bool    `json:"missing,omitempty"`
}

// Report is the outcome for all baseline metrics, ordered by metric name.
type Report struct {
	Checks []Check `json:"checks"`
	Passed bool    `json:"passed"`
}

// Failed returns the checks that did not pass.
func (r Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

func (r Report) String() string {
	var b strings.Builder
	for _, c := range r.Checks {
		state := "ok"
		if !c.Passed {
			state = "FAIL"
		}
		fmt.Fprintf(&b, "%-4s %s baseline=%.4f current=%.4f drop=%.4f allowed=%.4f\n",
			state, c.Metric, c.Baseline, c.Current, c.Drop, c.AllowedDrop)
	}
	if r.Passed {
		b.WriteString("regression gate passed\n")
	} else {
		b.WriteString("regression gate failed\n")
	}
	return b.String()
}

// eps absorbs float noise so a drop equal to the allowance passes.
const eps = 1e-9

// Compare checks every baseline metric. Higher is better for all metrics; a
// metric absent from current fails.
func Compare(baseline, current, allowedDrop map[string]float64) Report {
	names := make([]string, 0, len(baseline))
	for k := range baseline {
		names = append(names, k)
	}
	slices.Sort(names)

	rep := Report{Checks: make([]Check, 0, len(names)), Passed: true}
	for _, name := range names {
		allowed, ok := allowedDrop[name]
		if !ok {
			allowed = DefaultAllowedDrop
		}
		c := Check{Metric: name, Baseline: baseline[name], AllowedDrop: allowed}
		cur, ok := current[name]
		if !ok {
			c.Missing = true
		} else {
			c.Current = cur
			c.Drop = round(math.Max(0, c.Baseline-cur))
			c.Passed = c.Drop <= allowed+eps
		}
		if !c.Passed {
			rep.Passed = false
		}
		rep.Checks = append(rep.Checks, c)
	}
	return rep
}

func round(v float64) float64 { return math.Round(v*1e6) / 1e6 }
