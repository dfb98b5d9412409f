package threatintel

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/review"
)

var intelBase = time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC)

func intelDecision(id, mediaID string, dt review.DecisionType, cl review.ConfidenceLevel, ev review.DecisionEvidence) review.Decision {
	return review.Decision{
		DecisionID:      id,
		ReviewID:        "rev-" + id,
		MediaID:         mediaID,
		ModeratorID:     "mod-rivera",
		DecisionType:    dt,
		ConfidenceLevel: cl,
		ThreatLevel:     review.ThreatMedium,
		Justification:   "splice artifacts with mismatched shadows around the jawline",
		AIScore:         22,
		AIConfidence:    0.87,
		Evidence:        ev,
		CompletedAt:     intelBase,
	}
}

func fullEvidence() review.DecisionEvidence {
	return review.DecisionEvidence{
		ContentHash:     "sha256:4f2d1a",
		SourceDomain:    "Clips.Example.NET",
		Techniques:      []string{"face_swap", "voice_cloning"},
		MetadataPattern: map[string]any{"encoder": "x264 core 164", "device": ""},
		FileSignature:   "52494646",
	}
}

func indicatorByType(t *testing.T, indicators []Indicator, want IndicatorType) Indicator {
	t.Helper()
	for _, ind := range indicators {
		if ind.Type == want {
			return ind
		}
	}
	t.Fatalf("no %s indicator in %v", want, indicators)
	return Indicator{}
}

func TestExtractIndicatorsConfirmHigh(t *testing.T) {
	d := intelDecision("dec-1", "media-1", review.DecisionConfirm, review.ConfidenceHigh, fullEvidence())

	out, err := ExtractIndicators(d, intelBase)
	require.NoError(t, err)
	require.Len(t, out, 6)

	hash := indicatorByType(t, out, IndicatorContentHash)
	assert.Equal(t, "sha256:4f2d1a", hash.Value)
	assert.InDelta(t, 0.9, hash.Confidence, 1e-9)
	assert.Equal(t, 1, hash.OccurrenceCount)
	assert.Equal(t, []string{"media-1"}, hash.AssociatedMediaIDs)
	assert.Equal(t, intelBase, hash.FirstSeen)
	assert.Equal(t, intelBase, hash.LastSeen)

	domain := indicatorByType(t, out, IndicatorMaliciousDomain)
	assert.Equal(t, "clips.example.net", domain.Value, "domains are lowercased")

	var techniques []string
	for _, ind := range out {
		if ind.Type == IndicatorTechnique {
			techniques = append(techniques, ind.Value)
		}
	}
	assert.ElementsMatch(t, []string{"face_swap", "voice_cloning"}, techniques)

	pattern := indicatorByType(t, out, IndicatorMetadataPattern)
	assert.True(t, strings.HasPrefix(pattern.Value, "sha256:"))
	assert.InDelta(t, 0.9*metadataPatternDamping, pattern.Confidence, 1e-9)

	sig := indicatorByType(t, out, IndicatorFileSignature)
	assert.Equal(t, "52494646", sig.Value)
}

func TestExtractIndicatorsSuspiciousSkipsConfirmOnlyTypes(t *testing.T) {
	d := intelDecision("dec-2", "media-2", review.DecisionSuspicious, review.ConfidenceHigh, fullEvidence())

	out, err := ExtractIndicators(d, intelBase)
	require.NoError(t, err)
	require.Len(t, out, 4)
	for _, ind := range out {
		assert.NotEqual(t, IndicatorMaliciousDomain, ind.Type)
		assert.NotEqual(t, IndicatorFileSignature, ind.Type)
	}
}

func TestExtractIndicatorsMediumConfidence(t *testing.T) {
	d := intelDecision("dec-3", "media-3", review.DecisionConfirm, review.ConfidenceMedium, fullEvidence())

	out, err := ExtractIndicators(d, intelBase)
	require.NoError(t, err)
	require.Len(t, out, 4, "domain and file signature need high confidence")

	hash := indicatorByType(t, out, IndicatorContentHash)
	assert.InDelta(t, 0.6, hash.Confidence, 1e-9)
	pattern := indicatorByType(t, out, IndicatorMetadataPattern)
	assert.InDelta(t, 0.6*metadataPatternDamping, pattern.Confidence, 1e-9)
}

func TestExtractIndicatorsLowConfidenceYieldsNone(t *testing.T) {
	d := intelDecision("dec-4", "media-4", review.DecisionConfirm, review.ConfidenceLow, fullEvidence())

	out, err := ExtractIndicators(d, intelBase)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExtractIndicatorsNonVerdictsYieldNone(t *testing.T) {
	for _, dt := range []review.DecisionType{review.DecisionOverride, review.DecisionEscalate} {
		d := intelDecision("dec-5", "media-5", dt, review.ConfidenceHigh, fullEvidence())
		out, err := ExtractIndicators(d, intelBase)
		require.NoError(t, err)
		assert.Empty(t, out, "%s decisions carry no indicators", dt)
	}
}

func TestExtractIndicatorsEmptyEvidence(t *testing.T) {
	d := intelDecision("dec-6", "media-6", review.DecisionConfirm, review.ConfidenceHigh, review.DecisionEvidence{})

	out, err := ExtractIndicators(d, intelBase)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExtractIndicatorsMetadataPatternIsCanonical(t *testing.T) {
	a := intelDecision("dec-7", "media-7", review.DecisionConfirm, review.ConfidenceHigh, review.DecisionEvidence{
		MetadataPattern: map[string]any{"encoder": "x264", "container": "mp4"},
	})
	b := intelDecision("dec-8", "media-8", review.DecisionConfirm, review.ConfidenceHigh, review.DecisionEvidence{
		MetadataPattern: map[string]any{"container": "mp4", "encoder": "x264"},
	})

	outA, err := ExtractIndicators(a, intelBase)
	require.NoError(t, err)
	outB, err := ExtractIndicators(b, intelBase)
	require.NoError(t, err)
	require.Len(t, outA, 1)
	require.Len(t, outB, 1)
	assert.Equal(t, outA[0].Value, outB[0].Value,
		"key order must not change the pattern identity")
}
