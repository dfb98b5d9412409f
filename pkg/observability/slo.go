package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Operation names used with TrackOperation across the pipeline. SLO targets
// and SLIs are keyed by these.
const (
	OpSecurityScan         = "pipeline.security_scan"
	OpMetadataExtraction   = "pipeline.metadata_extraction"
	OpSourceVerification   = "pipeline.source_verification"
	OpDeepfakeAnalysis     = "pipeline.deepfake_analysis"
	OpTrustScoring         = "pipeline.trust_scoring"
	OpDiscrepancyDetection = "pipeline.discrepancy_detection"
	OpReviewCompletion     = "review.completion"
	OpThreatProcessing     = "threatintel.process_decision"
)

// maxObservationsPerOp bounds tracker memory in long-running processes.
const maxObservationsPerOp = 4096

// SLOTarget defines a service level objective for one operation.
type SLOTarget struct {
	SLOID       string        `json:"sloId"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latencyP99"`
	SuccessRate float64       `json:"successRate"` // target success rate (0-1)
	WindowHours int           `json:"windowHours"` // evaluation window
}

// DefaultSLOTargets returns the objectives for the core verification
// operations. Ensemble analysis gets a generous latency budget: long video
// sweeps dominate its p99.
func DefaultSLOTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-metadata-extraction", Name: "Metadata extraction", Operation: OpMetadataExtraction, LatencyP99: 5 * time.Second, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-source-verification", Name: "Source verification", Operation: OpSourceVerification, LatencyP99: 10 * time.Second, SuccessRate: 0.995, WindowHours: 24},
		{SLOID: "slo-deepfake-analysis", Name: "Deepfake ensemble analysis", Operation: OpDeepfakeAnalysis, LatencyP99: 5 * time.Minute, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-trust-scoring", Name: "Trust score calculation", Operation: OpTrustScoring, LatencyP99: 2 * time.Second, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-review-completion", Name: "Review decision processing", Operation: OpReviewCompletion, LatencyP99: 2 * time.Second, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-threat-processing", Name: "Threat intelligence processing", Operation: OpThreatProcessing, LatencyP99: 10 * time.Second, SuccessRate: 0.995, WindowHours: 24},
	}
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance for one operation.
type SLOStatus struct {
	SLOID            string  `json:"sloId"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"currentP99Ms"`
	CurrentSuccess   float64 `json:"currentSuccessRate"`
	InCompliance     bool    `json:"inCompliance"`
	BurnRate         float64 `json:"burnRate"`        // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64 `json:"errorBudgetLeft"` // percentage remaining
	ObservationCount int     `json:"observationCount"`
}

// SLOTracker monitors objectives across operations.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates an empty tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets the objective for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Targets lists the registered objectives sorted by operation.
func (t *SLOTracker) Targets() []*SLOTarget {
	t.mu.Lock()
	defer t.mu.Unlock()

	targets := make([]*SLOTarget, 0, len(t.targets))
	for _, target := range t.targets {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Operation < targets[j].Operation })
	return targets
}

// Record appends an observation, stamping the timestamp when unset.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	list := append(t.observations[obs.Operation], obs)
	if len(list) > maxObservationsPerOp {
		trimmed := make([]SLOObservation, maxObservationsPerOp)
		copy(trimmed, list[len(list)-maxObservationsPerOp:])
		list = trimmed
	}
	t.observations[obs.Operation] = list
}

// Status computes current compliance for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	now := t.clock()
	windowStart := now.Add(-time.Duration(target.WindowHours) * time.Hour)

	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate, budgetLeft float64
	switch {
	case errorBudget > 0:
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	case errorRate == 0:
		budgetLeft = 100.0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
