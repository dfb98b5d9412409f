package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sloBase = time.Date(2025, 7, 14, 12, 0, 0, 0, time.UTC)

func scoringTracker() *SLOTracker {
	tracker := NewSLOTracker().WithClock(func() time.Time { return sloBase })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-trust-scoring",
		Name:        "Trust score calculation",
		Operation:   OpTrustScoring,
		LatencyP99:  2 * time.Second,
		SuccessRate: 0.99,
		WindowHours: 1,
	})
	return tracker
}

func TestSLOCompliantWithNoObservations(t *testing.T) {
	tracker := scoringTracker()

	status, err := tracker.Status(OpTrustScoring)
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Equal(t, 100.0, status.ErrorBudgetLeft)
	assert.Zero(t, status.ObservationCount)
}

func TestSLOInCompliance(t *testing.T) {
	tracker := scoringTracker()

	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: OpTrustScoring, Latency: 40 * time.Millisecond, Success: true})
	}

	status, err := tracker.Status(OpTrustScoring)
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Equal(t, 1.0, status.CurrentSuccess)
	assert.Equal(t, 100.0, status.ErrorBudgetLeft)
	assert.Equal(t, 100, status.ObservationCount)
}

func TestSLOLatencyBreach(t *testing.T) {
	tracker := scoringTracker()

	// Every call succeeds but the tail is far over the 2s target.
	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: OpTrustScoring, Latency: 9 * time.Second, Success: true})
	}

	status, err := tracker.Status(OpTrustScoring)
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
	assert.Equal(t, 1.0, status.CurrentSuccess)
	assert.Equal(t, 9000.0, status.CurrentP99)
}

func TestSLOBurnRate(t *testing.T) {
	tracker := scoringTracker()

	// 10% error rate against a 1% budget burns at 10x.
	for i := 0; i < 90; i++ {
		tracker.Record(SLOObservation{Operation: OpTrustScoring, Latency: 40 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: OpTrustScoring, Latency: 40 * time.Millisecond, Success: false})
	}

	status, err := tracker.Status(OpTrustScoring)
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
	assert.InDelta(t, 10.0, status.BurnRate, 1e-9)
	assert.Equal(t, 0.0, status.ErrorBudgetLeft)
}

func TestSLOWindowExcludesStaleObservations(t *testing.T) {
	tracker := scoringTracker()

	tracker.Record(SLOObservation{
		Operation: OpTrustScoring,
		Latency:   10 * time.Second,
		Success:   false,
		Timestamp: sloBase.Add(-2 * time.Hour),
	})
	tracker.Record(SLOObservation{
		Operation: OpTrustScoring,
		Latency:   40 * time.Millisecond,
		Success:   true,
		Timestamp: sloBase.Add(-10 * time.Minute),
	})

	status, err := tracker.Status(OpTrustScoring)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ObservationCount)
	assert.True(t, status.InCompliance)
}

func TestSLOPerfectTargetHasNoBudget(t *testing.T) {
	tracker := NewSLOTracker().WithClock(func() time.Time { return sloBase })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-exact",
		Operation:   OpReviewCompletion,
		LatencyP99:  time.Second,
		SuccessRate: 1.0,
		WindowHours: 1,
	})

	tracker.Record(SLOObservation{Operation: OpReviewCompletion, Latency: time.Millisecond, Success: true})
	status, err := tracker.Status(OpReviewCompletion)
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Equal(t, 100.0, status.ErrorBudgetLeft)
	assert.Equal(t, 0.0, status.BurnRate)

	tracker.Record(SLOObservation{Operation: OpReviewCompletion, Latency: time.Millisecond, Success: false})
	status, err = tracker.Status(OpReviewCompletion)
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
	assert.Equal(t, 0.0, status.ErrorBudgetLeft)
}

func TestSLOHistoryIsBounded(t *testing.T) {
	tracker := scoringTracker()

	for i := 0; i < maxObservationsPerOp+100; i++ {
		tracker.Record(SLOObservation{Operation: OpTrustScoring, Latency: time.Millisecond, Success: true})
	}

	status, err := tracker.Status(OpTrustScoring)
	require.NoError(t, err)
	assert.Equal(t, maxObservationsPerOp, status.ObservationCount)
}

func TestSLOUnknownOperation(t *testing.T) {
	tracker := NewSLOTracker()
	_, err := tracker.Status("pipeline.transcoding")
	require.Error(t, err)
}

func TestDefaultSLOTargetsCoverPipeline(t *testing.T) {
	targets := DefaultSLOTargets()
	require.Len(t, targets, 6)

	byOp := make(map[string]*SLOTarget, len(targets))
	for _, target := range targets {
		byOp[target.Operation] = target
	}
	require.Contains(t, byOp, OpMetadataExtraction)
	require.Contains(t, byOp, OpDeepfakeAnalysis)
	require.Contains(t, byOp, OpThreatProcessing)

	assert.Equal(t, 5*time.Minute, byOp[OpDeepfakeAnalysis].LatencyP99)
	for _, target := range targets {
		assert.Equal(t, 24, target.WindowHours)
		assert.NotEmpty(t, target.SLOID)
	}
}
