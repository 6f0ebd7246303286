package llm

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Circuit states.
const (
	CircuitClosed = "closed"
	CircuitOpen   = "open"
)

// TelemetryConfig holds the circuit thresholds and the cost budget.
type TelemetryConfig struct {
	FailureThreshold int     `yaml:"failures" json:"failures"`
	SlowMS           int64   `yaml:"slow_ms" json:"slow_ms"`
	SlowHits         int     `yaml:"slow_hits" json:"slow_hits"`
	OpenSeconds      int     `yaml:"open_seconds" json:"open_seconds"`
	Window           int     `yaml:"window" json:"window"`
	BudgetUSD        float64 `yaml:"budget_usd" json:"budget_usd"`
}

// Snapshot is a point-in-time copy of the telemetry counters.
type Snapshot struct {
	Circuit             string         `json:"circuit"`
	OpenedAt            *time.Time     `json:"opened_at,omitempty"`
	Calls               int            `json:"calls"`
	Successes           int            `json:"successes"`
	Failures            int            `json:"failures"`
	SuccessRate         float64        `json:"success_rate"`
	P95LatencyMS        int64          `json:"p95_latency_ms"`
	InputTokens         int64          `json:"input_tokens"`
	OutputTokens        int64          `json:"output_tokens"`
	CostUSD             float64        `json:"cost_usd"`
	BudgetUSD           float64        `json:"budget_usd"`
	BudgetRemainingUSD  float64        `json:"budget_remaining_usd"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	ConsecutiveSlow     int            `json:"consecutive_slow"`
	Denials             map[string]int `json:"denials"`
	ErrorBuckets        map[string]int `json:"error_buckets"`
}

// Telemetry aggregates call outcomes and drives the circuit breaker. It is
// safe for concurrent use; one instance is shared by every model caller.
type Telemetry struct {
	mu  sync.Mutex
	cfg TelemetryConfig
	now func() time.Time

	successes, failures   int
	consecFail, consecSlw int
	inTokens, outTokens   int64
	cost                  float64
	latencies             []int64
	openedAt              *time.Time
	buckets               map[string]int
	denials               map[string]int
}

func NewTelemetry(cfg TelemetryConfig) *Telemetry {
	if cfg.Window <= 0 {
		cfg.Window = 200
	}
	t := &Telemetry{cfg: cfg, now: time.Now}
	t.resetLocked()
	return t
}

func (t *Telemetry) resetLocked() {
	t.successes, t.failures = 0, 0
	t.consecFail, t.consecSlw = 0, 0
	t.inTokens, t.outTokens = 0, 0
	t.cost = 0
	t.latencies = make([]int64, 0, t.cfg.Window)
	t.openedAt = nil
	t.buckets = map[string]int{}
	t.denials = map[string]int{}
}

// Reset clears every counter and closes the circuit.
func (t *Telemetry) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

// closeIfExpiredLocked closes an open circuit once OpenSeconds have passed.
func (t *Telemetry) closeIfExpiredLocked() {
	if t.openedAt == nil {
		return
	}
	if t.now().Sub(*t.openedAt) >= time.Duration(t.cfg.OpenSeconds)*time.Second {
		t.openedAt = nil
		t.consecFail, t.consecSlw = 0, 0
		logger.Info("llm: circuit closed")
	}
}

func (t *Telemetry) openLocked(reason string) {
	if t.openedAt != nil {
		return
	}
	at := t.now()
	t.openedAt = &at
	logger.Warn("llm: circuit opened", "reason", reason, "open_seconds", t.cfg.OpenSeconds)
}

// AllowExecution reports whether a call with the given estimated cost may
// proceed. The reason is ReasonCircuitOpen or ReasonBudgetExceeded on denial.
func (t *Telemetry) AllowExecution(estimatedCost float64) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeIfExpiredLocked()
	if t.openedAt != nil {
		t.denials[ReasonCircuitOpen]++
		return false, ReasonCircuitOpen
	}
	if t.cfg.BudgetUSD > 0 && t.cost+math.Max(estimatedCost, 0) > t.cfg.BudgetUSD {
		t.denials[ReasonBudgetExceeded]++
		return false, ReasonBudgetExceeded
	}
	return true, ""
}

func (t *Telemetry) observeLatencyLocked(ms int64) {
	if len(t.latencies) == t.cfg.Window {
		copy(t.latencies, t.latencies[1:])
		t.latencies = t.latencies[:len(t.latencies)-1]
	}
	t.latencies = append(t.latencies, ms)
}

// RecordSuccess records a completed call.
func (t *Telemetry) RecordSuccess(latencyMS int64, inputTokens, outputTokens int, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes++
	t.observeLatencyLocked(latencyMS)
	t.inTokens += int64(inputTokens)
	t.outTokens += int64(outputTokens)
	t.cost += math.Max(cost, 0)
	t.consecFail = 0
	if t.cfg.SlowMS > 0 && latencyMS >= t.cfg.SlowMS {
		t.consecSlw++
		if t.cfg.SlowHits > 0 && t.consecSlw >= t.cfg.SlowHits {
			t.openLocked("slow")
		}
		return
	}
	t.consecSlw = 0
}

// RecordFailure records a failed call under bucket. Spend already incurred
// by the call is still charged. Timeouts also count toward the slow-call run.
func (t *Telemetry) RecordFailure(bucket string, latencyMS int64, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	t.buckets[bucket]++
	t.observeLatencyLocked(latencyMS)
	t.cost += math.Max(cost, 0)
	t.consecFail++
	if t.cfg.FailureThreshold > 0 && t.consecFail >= t.cfg.FailureThreshold {
		t.openLocked("failures")
	}
	// a timeout is also a slow call
	if bucket == BucketTimeout {
		t.consecSlw++
		if t.cfg.SlowHits > 0 && t.consecSlw >= t.cfg.SlowHits {
			t.openLocked("slow")
		}
	}
}

// CircuitState returns CircuitOpen or CircuitClosed.
func (t *Telemetry) CircuitState() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeIfExpiredLocked()
	if t.openedAt != nil {
		return CircuitOpen
	}
	return CircuitClosed
}

func (t *Telemetry) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeIfExpiredLocked()

	s := Snapshot{
		Circuit:             CircuitClosed,
		Calls:               t.successes + t.failures,
		Successes:           t.successes,
		Failures:            t.failures,
		InputTokens:         t.inTokens,
		OutputTokens:        t.outTokens,
		CostUSD:             t.cost,
		BudgetUSD:           t.cfg.BudgetUSD,
		ConsecutiveFailures: t.consecFail,
		ConsecutiveSlow:     t.consecSlw,
		Denials:             make(map[string]int, len(t.denials)),
		ErrorBuckets:        make(map[string]int, len(t.buckets)),
	}
	if t.openedAt != nil {
		s.Circuit = CircuitOpen
		at := *t.openedAt
		s.OpenedAt = &at
	}
	if s.Calls > 0 {
		s.SuccessRate = float64(t.successes) / float64(s.Calls)
	}
	s.P95LatencyMS = p95(t.latencies)
	if t.cfg.BudgetUSD > 0 {
		s.BudgetRemainingUSD = math.Max(t.cfg.BudgetUSD-t.cost, 0)
	}
	for k, v := range t.buckets {
		s.ErrorBuckets[k] = v
	}
	for k, v := range t.denials {
		s.Denials[k] = v
	}
	return s
}

// p95 returns the sample at index ceil(0.95*n)-1 of the sorted window.
func p95(window []int64) int64 {
	if len(window) == 0 {
		return 0
	}
	sorted := append([]int64(nil), window...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
