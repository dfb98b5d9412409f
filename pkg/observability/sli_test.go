package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSLIRegisterAndGet(t *testing.T) {
	r := NewSLIRegistry()
	err := r.Register(&SLI{
		SLIID:     "sli-scoring-latency",
		Name:      "Trust scoring latency",
		Operation: OpTrustScoring,
		Signal:    "latency",
		Source:    SLISourceMetric,
		Unit:      "ms",
	})
	require.NoError(t, err)
	require.Equal(t, 1, r.Count())

	sli, err := r.Get("sli-scoring-latency")
	require.NoError(t, err)
	assert.Equal(t, OpTrustScoring, sli.Operation)

	_, err = r.Get("sli-ghost")
	require.Error(t, err)
}

func TestSLIRegisterValidation(t *testing.T) {
	r := NewSLIRegistry()

	require.Error(t, r.Register(&SLI{SLIID: "sli-1"}))

	sli := &SLI{SLIID: "sli-1", Name: "Scoring", Operation: OpTrustScoring}
	require.NoError(t, r.Register(sli))
	require.Error(t, r.Register(sli), "duplicate IDs are rejected")
}

func TestSLIByOperation(t *testing.T) {
	r := NewSLIRegistry()
	require.NoError(t, r.Register(&SLI{SLIID: "sli-a", Name: "Analysis availability", Operation: OpDeepfakeAnalysis, Signal: "availability"}))
	require.NoError(t, r.Register(&SLI{SLIID: "sli-b", Name: "Analysis latency", Operation: OpDeepfakeAnalysis, Signal: "latency"}))
	require.NoError(t, r.Register(&SLI{SLIID: "sli-c", Name: "Scoring latency", Operation: OpTrustScoring, Signal: "latency"}))

	analysis := r.ByOperation(OpDeepfakeAnalysis)
	require.Len(t, analysis, 2)
	assert.Empty(t, r.ByOperation("pipeline.transcoding"))
}

func TestSLILinkToSLO(t *testing.T) {
	r := NewSLIRegistry()
	require.NoError(t, r.Register(&SLI{SLIID: "sli-a", Name: "Analysis availability", Operation: OpDeepfakeAnalysis}))

	require.NoError(t, r.LinkToSLO("sli-a", "slo-deepfake-analysis"))
	sli, err := r.Get("sli-a")
	require.NoError(t, err)
	assert.Equal(t, "slo-deepfake-analysis", sli.LinkedSLOID)

	require.Error(t, r.LinkToSLO("sli-ghost", "slo-deepfake-analysis"))
}

func TestDefaultSLIsMatchObjectives(t *testing.T) {
	targets := make(map[string]bool)
	for _, target := range DefaultSLOTargets() {
		targets[target.SLOID] = true
	}

	slis := DefaultSLIs()
	require.Len(t, slis, 6)
	for _, sli := range slis {
		assert.True(t, targets[sli.LinkedSLOID], "SLI %s links to unknown SLO %s", sli.SLIID, sli.LinkedSLOID)
		assert.Equal(t, SLISourceMetric, sli.Source)
		assert.Contains(t, sli.TotalEventQuery, "Hlekkr/Operations")
		assert.Contains(t, sli.GoodEventQuery, sli.Operation)
	}

	r := NewSLIRegistry()
	for _, sli := range slis {
		require.NoError(t, r.Register(sli))
	}
	all := r.All()
	require.Len(t, all, 6)
	assert.Equal(t, "sli-deepfake-analysis-availability", all[0].SLIID)
}
