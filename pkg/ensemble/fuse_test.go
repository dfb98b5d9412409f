package ensemble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vote builds a valid standard-depth result with a neutral processing time.
func vote(id string, prio Priority, conf float64, techniques ...string) ModelResult {
	if techniques == nil {
		techniques = []string{}
	}
	return ModelResult{
		ModelID:        id,
		ModelPriority:  prio,
		Confidence:     conf,
		Techniques:     techniques,
		AnalysisDepth:  DepthStandard,
		ProcessingTime: 2 * time.Second,
	}
}

func TestFuseTightConsensus(t *testing.T) {
	results := []ModelResult{
		vote("sonnet", PriorityHigh, 0.75, "face_swap"),
		vote("haiku", PriorityStandard, 0.73, "face_swap"),
		vote("titan", PrioritySupplementary, 0.77, "face_swap"),
	}

	out := fuse("media-1", results)

	require.InDelta(t, 0.86, out.DeepfakeConfidence, 0.02)
	assert.Equal(t, AgreementVeryHigh, out.Consensus.Agreement)
	assert.Equal(t, []string{"face_swap"}, out.DetectedTechniques)
	assert.Equal(t, 3, out.Consensus.ModelsCount)
	assert.InDelta(t, 0.75, out.Consensus.MeanConfidence, 1e-9)
	assert.InDelta(t, 1.0, out.Consensus.TechniqueJaccard, 1e-9)
}

func TestFuseScatteredVotes(t *testing.T) {
	results := []ModelResult{
		vote("sonnet", PriorityHigh, 0.8, "face_swap"),
		vote("haiku", PriorityStandard, 0.2, "speech_synthesis"),
		vote("titan", PrioritySupplementary, 0.5, "traditional_editing"),
	}

	out := fuse("media-2", results)

	assert.LessOrEqual(t, out.DeepfakeConfidence, 0.52)
	assert.Equal(t, AgreementVeryLow, out.Consensus.Agreement)
	assert.Zero(t, out.Consensus.TechniqueJaccard)
	assert.ElementsMatch(t,
		[]string{"face_swap", "speech_synthesis", "traditional_editing"},
		out.DetectedTechniques)
}

func TestFuseIdenticalConfidencesBoosted(t *testing.T) {
	results := []ModelResult{
		vote("a", PriorityStandard, 0.6, "face_swap"),
		vote("b", PriorityStandard, 0.6, "face_swap"),
	}

	out := fuse("media-3", results)

	// Zero spread earns the full consensus boost.
	require.InDelta(t, 0.6*1.15, out.DeepfakeConfidence, 1e-9)
	assert.Equal(t, AgreementVeryHigh, out.Consensus.Agreement)
	assert.Zero(t, out.Consensus.StdDev)
}

func TestFuseNoValidVotes(t *testing.T) {
	results := []ModelResult{
		{ModelID: "down", ModelPriority: PriorityHigh, Confidence: 0.5, AnalysisDepth: DepthFailed, Error: "model timed out"},
		{ModelID: "wild", ModelPriority: PriorityStandard, Confidence: 1.7},
	}

	out := fuse("media-4", results)

	assert.InDelta(t, 0.5, out.DeepfakeConfidence, 1e-9)
	assert.Equal(t, AgreementVeryLow, out.Consensus.Agreement)
	assert.Zero(t, out.Consensus.ModelsCount)
	assert.Empty(t, out.DetectedTechniques)
	assert.Len(t, out.PerModelResults, 2)
}

func TestFuseFailedVoteCarriesNoWeight(t *testing.T) {
	results := []ModelResult{
		vote("a", PriorityStandard, 0.8, "face_swap"),
		vote("b", PriorityStandard, 0.8, "face_swap"),
		{ModelID: "down", ModelPriority: PriorityHigh, Confidence: 0.5, AnalysisDepth: DepthFailed, Techniques: []string{}, Error: "throttled"},
	}

	out := fuse("media-5", results)

	// The failure neither drags the mean nor dilutes the overlap.
	assert.InDelta(t, 0.8*1.15, out.DeepfakeConfidence, 1e-9)
	assert.Equal(t, 2, out.Consensus.ModelsCount)
	assert.InDelta(t, 1.0, out.Consensus.TechniqueJaccard, 1e-9)
	assert.Equal(t, AgreementVeryHigh, out.Consensus.Agreement)
}

func TestFuseClampsAtOne(t *testing.T) {
	results := []ModelResult{
		vote("a", PriorityStandard, 0.95, "face_swap"),
		vote("b", PriorityStandard, 0.95, "face_swap"),
	}

	out := fuse("media-6", results)

	assert.InDelta(t, 1.0, out.DeepfakeConfidence, 1e-9)
}

func TestResultWeight(t *testing.T) {
	cases := []struct {
		name   string
		result ModelResult
		want   float64
	}{
		{"standard baseline", vote("m", PriorityStandard, 0.5), 1.0},
		{"high priority detailed", ModelResult{ModelPriority: PriorityHigh, Confidence: 0.5, AnalysisDepth: DepthDetailed, ProcessingTime: 2 * time.Second}, 1.5 * 1.3},
		{"slow invocation", ModelResult{ModelPriority: PriorityStandard, Confidence: 0.5, ProcessingTime: 4 * time.Second}, 1.1},
		{"fast invocation", ModelResult{ModelPriority: PriorityStandard, Confidence: 0.5, ProcessingTime: 500 * time.Millisecond}, 0.9},
		{"self-reported certainty", ModelResult{ModelPriority: PriorityStandard, Confidence: 0.5, ProcessingTime: 2 * time.Second, Certainty: "very_high"}, 1.2},
		{"hesitant fallback basic", ModelResult{ModelPriority: PriorityFallback, Confidence: 0.5, AnalysisDepth: DepthBasic, ProcessingTime: 2 * time.Second, Certainty: "low"}, 0.6 * 0.9 * 0.8},
		{"errored result", ModelResult{ModelPriority: PriorityHigh, Confidence: 0.5, Error: "boom"}, 0},
		{"confidence out of range", ModelResult{ModelPriority: PriorityHigh, Confidence: 1.2}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, resultWeight(tc.result), 1e-9)
		})
	}
}

func TestConsensusFactor(t *testing.T) {
	cases := []struct {
		stdDev float64
		want   float64
	}{
		{0.0, 1.15},
		{0.049, 1.15},
		{0.05, 1.10},
		{0.12, 1.0},
		{0.2, 0.9},
		{0.3, 0.8},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, consensusFactor(tc.stdDev), 1e-9, "stdDev=%v", tc.stdDev)
	}
}

func TestAgreementBucket(t *testing.T) {
	cases := []struct {
		stdDev  float64
		jaccard float64
		want    Agreement
	}{
		{0.01, 0.9, AgreementVeryHigh},
		{0.01, 0.7, AgreementHigh},     // overlap misses the top bucket
		{0.08, 0.9, AgreementHigh},     // spread misses the top bucket
		{0.12, 0.5, AgreementMedium},
		{0.18, 0.3, AgreementLow},
		{0.18, 0.1, AgreementVeryLow},
		{0.25, 0.9, AgreementVeryLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, agreementBucket(tc.stdDev, tc.jaccard), "stdDev=%v jaccard=%v", tc.stdDev, tc.jaccard)
	}
}

func TestTechniqueJaccard(t *testing.T) {
	t.Run("partial overlap", func(t *testing.T) {
		j := techniqueJaccard([]ModelResult{
			vote("a", PriorityStandard, 0.5, "face_swap", "lighting_mismatch"),
			vote("b", PriorityStandard, 0.5, "face_swap"),
		})
		assert.InDelta(t, 0.5, j, 1e-9)
	})
	t.Run("unanimously empty sets are perfect overlap", func(t *testing.T) {
		j := techniqueJaccard([]ModelResult{
			vote("a", PriorityStandard, 0.1),
			vote("b", PriorityStandard, 0.15),
		})
		assert.InDelta(t, 1.0, j, 1e-9)
	})
	t.Run("invalid votes do not count", func(t *testing.T) {
		j := techniqueJaccard([]ModelResult{
			vote("a", PriorityStandard, 0.5, "face_swap"),
			{ModelID: "down", Confidence: 0.5, Techniques: []string{"speech_synthesis"}, Error: "boom"},
		})
		assert.InDelta(t, 1.0, j, 1e-9)
	})
	t.Run("no valid voters", func(t *testing.T) {
		j := techniqueJaccard([]ModelResult{
			{ModelID: "down", Confidence: 0.5, Error: "boom"},
		})
		assert.Zero(t, j)
	})
}
