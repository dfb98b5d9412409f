package discrepancy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/custody"
	"github.com/hlekkr/hlekkr/pkg/mediameta"
	"github.com/hlekkr/hlekkr/pkg/sourceverify"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

func TestCheckSourceInconsistency(t *testing.T) {
	t.Run("suspicious status is high severity", func(t *testing.T) {
		out := checkSourceInconsistency(&target{source: &sourceverify.Verification{
			Domain: "shady.example",
			Status: sourceverify.StatusSuspicious,
			Claim:  sourceverify.SourceClaim{Title: "T", Author: "A"},
		}})
		require.Len(t, out, 1)
		assert.Equal(t, TypeSourceInconsistency, out[0].Type)
		assert.Equal(t, SeverityHigh, out[0].Severity)
	})

	t.Run("low reputation is medium severity", func(t *testing.T) {
		out := checkSourceInconsistency(&target{source: &sourceverify.Verification{
			Domain:     "new.example",
			Status:     sourceverify.StatusUnverified,
			Reputation: &sourceverify.DomainReputation{Domain: "new.example", Score: 25},
			Claim:      sourceverify.SourceClaim{Title: "T", Author: "A"},
		}})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityMedium, out[0].Severity)
		assert.Equal(t, 25.0, out[0].Evidence["reputationScore"])
	})

	t.Run("bare locator claim is flagged", func(t *testing.T) {
		out := checkSourceInconsistency(&target{source: &sourceverify.Verification{
			Domain: "news.example",
			Status: sourceverify.StatusVerified,
			Claim:  sourceverify.SourceClaim{URL: "https://news.example/x"},
		}})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityMedium, out[0].Severity)
		assert.Equal(t, []string{"title", "author", "publishedAt"}, out[0].Evidence["missingFields"])
	})

	t.Run("no verification means no findings", func(t *testing.T) {
		assert.Empty(t, checkSourceInconsistency(&target{}))
	})
}

func TestCheckMetadataMismatch(t *testing.T) {
	published := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("creation drift beyond a day", func(t *testing.T) {
		out := checkMetadataMismatch(&target{
			source: &sourceverify.Verification{Claim: sourceverify.SourceClaim{PublishedAt: &published}},
			meta: &mediameta.Metadata{
				MediaType: mediameta.TypeImage,
				Image:     &mediameta.ImageMetadata{Format: "jpeg", DateTimeOriginal: "2025:05:10 12:00:00"},
			},
		})
		require.Len(t, out, 1)
		assert.Equal(t, TypeMetadataMismatch, out[0].Type)
		assert.Equal(t, SeverityMedium, out[0].Severity)
		assert.InDelta(t, 216.0, out[0].Evidence["driftHours"], 1e-9)
	})

	t.Run("drift inside a day passes", func(t *testing.T) {
		out := checkMetadataMismatch(&target{
			source: &sourceverify.Verification{Claim: sourceverify.SourceClaim{PublishedAt: &published}},
			meta: &mediameta.Metadata{
				MediaType: mediameta.TypeImage,
				Image:     &mediameta.ImageMetadata{Format: "jpeg", DateTimeOriginal: "2025:05:01 20:00:00"},
			},
		})
		assert.Empty(t, out)
	})

	t.Run("declared format disagrees with parsed header", func(t *testing.T) {
		out := checkMetadataMismatch(&target{
			upload: &uploadInfo{ContentType: "image/png"},
			meta: &mediameta.Metadata{
				MediaType: mediameta.TypeImage,
				Image:     &mediameta.ImageMetadata{Format: "jpeg"},
			},
		})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityLow, out[0].Severity)
		assert.Equal(t, "jpeg", out[0].Evidence["parsedFormat"])
	})

	t.Run("jpg alias matches jpeg", func(t *testing.T) {
		out := checkMetadataMismatch(&target{
			upload: &uploadInfo{ContentType: "image/jpg"},
			meta: &mediameta.Metadata{
				MediaType: mediameta.TypeImage,
				Image:     &mediameta.ImageMetadata{Format: "jpeg"},
			},
		})
		assert.Empty(t, out)
	})

	t.Run("generic content type never disagrees", func(t *testing.T) {
		out := checkMetadataMismatch(&target{
			upload: &uploadInfo{ContentType: "application/octet-stream"},
			meta: &mediameta.Metadata{
				MediaType: mediameta.TypeImage,
				Image:     &mediameta.ImageMetadata{Format: "jpeg"},
			},
		})
		assert.Empty(t, out)
	})
}

func TestCheckChainIntegrity(t *testing.T) {
	base := testClock()

	t.Run("missing earlier stage", func(t *testing.T) {
		chain := buildChain("m", base, []chainStep{
			{custody.StageUpload, "", "h1"},
			{custody.StageMetadataExtraction, "h1", ""},
			{custody.StageTrustScore, "", ""},
		})
		out := checkChainIntegrity(&target{chain: chain})
		require.Len(t, out, 1)
		assert.Equal(t, TypeChainIntegrityViolation, out[0].Type)
		assert.Equal(t, SeverityHigh, out[0].Severity)
		missing := out[0].Evidence["missingStages"].([]string)
		assert.Equal(t, []string{"security_scan", "source_verification", "deepfake_analysis"}, missing)
	})

	t.Run("unfinished pipeline is not a violation", func(t *testing.T) {
		chain := buildChain("m", base, []chainStep{
			{custody.StageUpload, "", "h1"},
			{custody.StageSecurityScan, "h1", "h1"},
		})
		assert.Empty(t, checkChainIntegrity(&target{chain: chain}))
	})

	t.Run("broken chain verification", func(t *testing.T) {
		chain := buildChain("m", base, []chainStep{{custody.StageUpload, "", "h1"}})
		out := checkChainIntegrity(&target{
			chain:       chain,
			chainStatus: &custody.ChainVerification{Status: custody.ChainBroken, TotalEvents: 1, BrokenLinks: []int{0}},
		})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityHigh, out[0].Severity)
		assert.Equal(t, "broken_chain", out[0].Evidence["status"])
	})

	t.Run("events without any chain", func(t *testing.T) {
		out := checkChainIntegrity(&target{events: []audit.Event{{MediaID: "m"}}})
		require.Len(t, out, 1)
		assert.Equal(t, TypeChainIntegrityViolation, out[0].Type)
	})

	t.Run("nothing recorded at all", func(t *testing.T) {
		assert.Empty(t, checkChainIntegrity(&target{}))
	})
}

func TestCheckContentHashes(t *testing.T) {
	base := testClock()

	t.Run("hash continuity break is critical", func(t *testing.T) {
		chain := buildChain("m", base, fullPipelineSteps("h1", "h2"))
		out := checkContentHashes(&target{chain: chain})
		require.Len(t, out, 1)
		assert.Equal(t, TypeContentHashMismatch, out[0].Type)
		assert.Equal(t, SeverityCritical, out[0].Severity)
		assert.Equal(t, "h1", out[0].Evidence["expectedHash"])
		assert.Equal(t, "h2", out[0].Evidence["actualHash"])
	})

	t.Run("inspect-only stage modified content", func(t *testing.T) {
		chain := buildChain("m", base, []chainStep{
			{custody.StageUpload, "", "h1"},
			{custody.StageSecurityScan, "h1", "h9"},
		})
		out := checkContentHashes(&target{chain: chain})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityHigh, out[0].Severity)
		assert.Equal(t, "security_scan", out[0].Evidence["stage"])
	})

	t.Run("transformation on a verification stage", func(t *testing.T) {
		chain := []custody.Event{{
			MediaID:        "m",
			Stage:          custody.StageSourceVerification,
			Transformation: "rewrite",
			Timestamp:      base,
		}}
		out := checkContentHashes(&target{chain: chain})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityHigh, out[0].Severity)
	})

	t.Run("missing mandatory output hash", func(t *testing.T) {
		chain := buildChain("m", base, []chainStep{
			{custody.StageUpload, "", ""},
		})
		out := checkContentHashes(&target{chain: chain})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityMedium, out[0].Severity)
	})

	t.Run("clean chain", func(t *testing.T) {
		chain := buildChain("m", base, fullPipelineSteps("h1", "h1"))
		assert.Empty(t, checkContentHashes(&target{chain: chain}))
	})
}

func TestCheckTemporalOrder(t *testing.T) {
	base := testClock()
	chain := buildChain("m", base, fullPipelineSteps("h1", "h1"))
	chain[3].Timestamp = base.Add(-10 * time.Minute)

	out := checkTemporalOrder(&target{chain: chain})
	require.Len(t, out, 1)
	assert.Equal(t, TypeTemporalInconsistency, out[0].Type)
	assert.Equal(t, SeverityMedium, out[0].Severity)
	inversions := out[0].Evidence["inversions"].([]map[string]any)
	require.Len(t, inversions, 1)
	assert.Equal(t, "source_verification", inversions[0]["stage"])

	assert.Empty(t, checkTemporalOrder(&target{chain: buildChain("m", base, fullPipelineSteps("h1", "h1"))}))
}

func TestCheckTrustAnomaly(t *testing.T) {
	t.Run("critical composite", func(t *testing.T) {
		out := checkTrustAnomaly(&target{score: &trustscore.TrustScoreVersion{
			Version:        "v-1",
			CompositeScore: 12,
			Breakdown:      trustscore.Breakdown{Deepfake: 12, SourceReliability: 12, MetadataConsistency: 12, TechnicalIntegrity: 12, HistoricalPattern: 12},
		}})
		require.Len(t, out, 1)
		assert.Equal(t, TypeTrustScoreAnomaly, out[0].Type)
		assert.Equal(t, SeverityCritical, out[0].Severity)
	})

	t.Run("component disagreement", func(t *testing.T) {
		out := checkTrustAnomaly(&target{score: &trustscore.TrustScoreVersion{
			Version:        "v-1",
			CompositeScore: 50,
			Breakdown:      trustscore.Breakdown{Deepfake: 0, SourceReliability: 100, MetadataConsistency: 0, TechnicalIntegrity: 100, HistoricalPattern: 50},
		}})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityMedium, out[0].Severity)
	})

	t.Run("reputation and reliability diverge", func(t *testing.T) {
		out := checkTrustAnomaly(&target{
			score: &trustscore.TrustScoreVersion{
				Version:        "v-1",
				CompositeScore: 60,
				Breakdown:      trustscore.Breakdown{Deepfake: 60, SourceReliability: 90, MetadataConsistency: 60, TechnicalIntegrity: 60, HistoricalPattern: 60},
			},
			source: &sourceverify.Verification{
				Reputation: &sourceverify.DomainReputation{Score: 40},
			},
		})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityMedium, out[0].Severity)
		assert.InDelta(t, 50.0, out[0].Evidence["gap"], 1e-9)
	})

	t.Run("no score means no findings", func(t *testing.T) {
		assert.Empty(t, checkTrustAnomaly(&target{}))
	})
}

func TestCheckProcessingAnomaly(t *testing.T) {
	base := testClock()

	t.Run("slow pipeline", func(t *testing.T) {
		chain := []custody.Event{
			{MediaID: "m", Stage: custody.StageUpload, Timestamp: base},
			{MediaID: "m", Stage: custody.StageSecurityScan, Timestamp: base.Add(20 * time.Minute)},
			{MediaID: "m", Stage: custody.StageTrustScore, Timestamp: base.Add(70 * time.Minute)},
		}
		out := checkProcessingAnomaly(&target{chain: chain})
		require.Len(t, out, 2)
		assert.Equal(t, SeverityLow, out[0].Severity)
		assert.Equal(t, SeverityMedium, out[1].Severity)
		gaps := out[1].Evidence["gaps"].([]map[string]any)
		require.Len(t, gaps, 1)
		assert.Equal(t, "security_scan", gaps[0]["afterStage"])
	})

	t.Run("prompt pipeline", func(t *testing.T) {
		chain := buildChain("m", base, fullPipelineSteps("h1", "h1"))
		assert.Empty(t, checkProcessingAnomaly(&target{chain: chain}))
	})
}

func TestCheckSuspiciousPattern(t *testing.T) {
	t.Run("upload flood", func(t *testing.T) {
		out := checkSuspiciousPattern(&target{
			upload:        &uploadInfo{SourceDomain: "farm.example"},
			domainUploads: 11,
		})
		require.Len(t, out, 1)
		assert.Equal(t, TypeSuspiciousPattern, out[0].Type)
		assert.Equal(t, SeverityMedium, out[0].Severity)
	})

	t.Run("exactly at threshold passes", func(t *testing.T) {
		out := checkSuspiciousPattern(&target{
			upload:        &uploadInfo{SourceDomain: "farm.example"},
			domainUploads: 10,
		})
		assert.Empty(t, out)
	})

	t.Run("high trust from low reputation source", func(t *testing.T) {
		out := checkSuspiciousPattern(&target{
			score:  &trustscore.TrustScoreVersion{CompositeScore: 85},
			source: &sourceverify.Verification{Reputation: &sourceverify.DomainReputation{Score: 20}},
		})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityHigh, out[0].Severity)
	})

	t.Run("repeated step failures", func(t *testing.T) {
		failed, err := json.Marshal(map[string]any{"extractionFailed": true})
		require.NoError(t, err)
		events := []audit.Event{
			{EventType: audit.EventMetadataExtraction, Payload: failed},
			{EventType: audit.EventDeepfakeAnalysis, Payload: json.RawMessage(`{"analysisFailed":true}`)},
			{EventType: audit.EventSecurityScan, Payload: json.RawMessage(`{"error":"scanner unavailable"}`)},
		}
		out := checkSuspiciousPattern(&target{events: events})
		require.Len(t, out, 1)
		assert.Equal(t, SeverityMedium, out[0].Severity)
		assert.Equal(t, 3, out[0].Evidence["failedSteps"])
	})

	t.Run("detector findings never count as failures", func(t *testing.T) {
		events := []audit.Event{
			{EventType: audit.EventDiscrepancyDetected, Payload: json.RawMessage(`{"error":"x"}`)},
			{EventType: audit.EventMetadataExtraction, Payload: json.RawMessage(`{"extractionFailed":true}`)},
			{EventType: audit.EventDeepfakeAnalysis, Payload: json.RawMessage(`{"analysisFailed":true}`)},
		}
		assert.Empty(t, checkSuspiciousPattern(&target{events: events}))
	})
}

func TestSeverityRanking(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())

	top := highestSeverity([]Discrepancy{
		{Severity: SeverityLow},
		{Severity: SeverityCritical},
		{Severity: SeverityMedium},
	})
	assert.Equal(t, SeverityCritical, top)
	assert.Equal(t, Severity(""), highestSeverity(nil))
}
