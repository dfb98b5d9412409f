package trustscore

import (
	"math"
	"strings"
	"time"

	"github.com/hlekkr/hlekkr/pkg/techniques"
)

// sentinelScore marks a component whose input never arrived. Sentinels keep
// their slot in the weighted blend but cost an uncertainty penalty.
const sentinelScore = 50.0

// severityPenalty is subtracted from the deepfake base when a technique
// classification is present.
var severityPenalty = map[techniques.Severity]float64{
	techniques.SeverityMinimal:  0,
	techniques.SeverityLow:      5,
	techniques.SeverityModerate: 15,
	techniques.SeverityHigh:     30,
	techniques.SeverityCritical: 50,
}

// techniquePenalty grades manipulation families by how thoroughly they
// fabricate content. Each is scaled by the technique's own confidence.
var techniquePenalty = map[techniques.TechniqueType]float64{
	techniques.TypeEntireFaceSynthesis:  25,
	techniques.TypeFaceSwap:             20,
	techniques.TypeSpeechSynthesis:      18,
	techniques.TypeFaceReenactment:      15,
	techniques.TypeExpressionTransfer:   10,
	techniques.TypeAttributeEditing:     8,
	techniques.TypeTraditionalEditing:   5,
	techniques.TypeCompressionArtifacts: 2,
}

// agreementPenaltyModifier scales the penalty by how much the detection
// models agreed: unanimous findings bite harder than contested ones.
var agreementPenaltyModifier = map[string]float64{
	"very_high": 1.2,
	"high":      1.1,
	"medium":    1.0,
	"low":       0.8,
	"very_low":  0.6,
}

// DeepfakeInput is the detection ensemble's verdict plus the technique
// classification derived from it.
type DeepfakeInput struct {
	Confidence     float64                   // manipulation probability [0,1]
	Classification *techniques.Classification // nil when classification did not run
	Agreement      string                    // consensus agreement bucket
	ModelsCount    int
	ProcessingTime time.Duration
}

// computeDeepfake turns manipulation probability into a trust contribution.
// base = (1-confidence)*100; classified techniques stack penalties scaled by
// their confidence, severity, consensus agreement, and analysis quality.
func computeDeepfake(in *DeepfakeInput) float64 {
	base := (1 - clamp01(in.Confidence)) * 100

	if in.Classification == nil {
		return clampScore(base)
	}

	penalty := severityPenalty[in.Classification.OverallSeverity]
	for _, t := range in.Classification.Techniques {
		penalty += techniquePenalty[t.Type] * clamp01(t.Confidence)
	}

	if mod, ok := agreementPenaltyModifier[in.Agreement]; ok {
		penalty *= mod
	}
	penalty *= analysisQualityModifier(in.ModelsCount, in.ProcessingTime)

	return clampScore(base - penalty)
}

// analysisQualityModifier weighs the penalty by how much analysis backs it:
// more models and unhurried processing earn trust in the finding.
func analysisQualityModifier(models int, elapsed time.Duration) float64 {
	mod := 1.0
	switch {
	case models >= 3:
		mod *= 1.2
	case models >= 2:
		mod *= 1.1
	}
	switch {
	case elapsed > 5*time.Second:
		mod *= 1.1
	case elapsed > 0 && elapsed < 500*time.Millisecond:
		mod *= 0.9
	}
	if mod < 0.5 {
		mod = 0.5
	}
	if mod > 2.0 {
		mod = 2.0
	}
	return mod
}

// statusPoints is the verification-status contribution before confidence
// scaling.
var statusPoints = map[string]float64{
	"verified":        25,
	"likely_verified": 15,
	"unverified":      0,
	"suspicious":      -25,
	"likely_fake":     -40,
}

// trendModifier scales the reputation contribution by its direction.
var trendModifier = map[string]float64{
	"improving": 1.2,
	"stable":    1.0,
	"declining": 0.8,
}

// SourceInput is the source verifier's conclusion plus upload provenance.
type SourceInput struct {
	Status           string  // verified .. likely_fake
	StatusConfidence float64 // verifier subcheck coverage [0,1]
	Reputation       float64 // domain reputation [0,100]
	ReputationTrend  string  // improving | stable | declining
	ChainOfCustodyOK bool
	CrossRefCount    int
	PublishedAt      *time.Time
	UploadedAt       time.Time
	UploadPath       string
}

// computeSourceReliability starts from a neutral 60 and layers the
// verification verdict, domain reputation, custody integrity, external
// corroboration, and upload-timing plausibility on top.
func computeSourceReliability(in *SourceInput) float64 {
	score := 60.0

	score += statusPoints[in.Status] * clamp01(in.StatusConfidence)

	trend := trendModifier[in.ReputationTrend]
	if trend == 0 {
		trend = 1.0
	}
	score += (clampScore(in.Reputation) - 50) / 2.5 * trend

	if in.ChainOfCustodyOK {
		score += 5
	}
	score += math.Min(float64(in.CrossRefCount), 3) * 3

	if in.PublishedAt != nil && !in.UploadedAt.IsZero() {
		delta := in.UploadedAt.Sub(*in.PublishedAt)
		switch {
		case delta < 0:
			// uploaded before it was allegedly published
			score -= 10
		case delta <= 30*24*time.Hour:
			score += 3
		}
	}

	if strings.Contains(in.UploadPath, "verified/") {
		score += 10
	}
	if strings.Contains(in.UploadPath, "quarantine/") {
		score -= 20
	}

	return clampScore(score)
}

// timestampMismatchWindow is how far the embedded creation time may drift
// from the claimed publication before it counts against consistency.
const timestampMismatchWindow = 24 * time.Hour

// MetadataInput is the extractor's view of the object.
type MetadataInput struct {
	SizeBytes         int64
	ExtractedCreation *time.Time // from embedded metadata
	ClaimedPublished  *time.Time // from the source claim
	InvalidTimestamps bool
	MissingCritical   []string // critical field names absent from the extract
}

func computeMetadataConsistency(in *MetadataInput) float64 {
	score := 100.0
	if in.SizeBytes == 0 {
		score -= 20
	}
	if in.ExtractedCreation != nil && in.ClaimedPublished != nil {
		drift := in.ExtractedCreation.Sub(*in.ClaimedPublished)
		if drift < 0 {
			drift = -drift
		}
		if drift > timestampMismatchWindow {
			score -= 15
		}
	}
	if in.InvalidTimestamps {
		score -= 5
	}
	score -= 5 * float64(len(in.MissingCritical))
	return clampScore(score)
}

// HistoryInput is the uploader's recent behavior.
type HistoryInput struct {
	UploadTimes     []time.Time
	ProcessingTimes []time.Duration
}

// computeHistoricalPattern starts neutral-positive and penalizes burst
// uploading and wildly uneven processing.
func computeHistoricalPattern(in *HistoryInput) float64 {
	score := 70.0

	if len(in.UploadTimes) >= 2 {
		first, last := in.UploadTimes[0], in.UploadTimes[0]
		for _, t := range in.UploadTimes[1:] {
			if t.Before(first) {
				first = t
			}
			if t.After(last) {
				last = t
			}
		}
		mean := last.Sub(first) / time.Duration(len(in.UploadTimes)-1)
		switch {
		case mean < time.Minute:
			score -= 20
		case mean < 5*time.Minute:
			score -= 10
		}
	}

	if len(in.ProcessingTimes) >= 2 {
		minD, maxD := in.ProcessingTimes[0], in.ProcessingTimes[0]
		for _, d := range in.ProcessingTimes[1:] {
			if d < minD {
				minD = d
			}
			if d > maxD {
				maxD = d
			}
		}
		if minD > 0 && float64(maxD)/float64(minD) > 10 {
			score -= 5
		}
	}

	return clampScore(score)
}

// TechnicalInput is what the object store reports about how the media is
// held.
type TechnicalInput struct {
	ETag             string
	Encrypted        bool
	StorageClass     string
	ExtractionFailed bool
}

func computeTechnicalIntegrity(in *TechnicalInput) float64 {
	score := 80.0
	if in.ETag == "" {
		score -= 10
	}
	if !in.Encrypted {
		score -= 5
	}
	if in.StorageClass != "" && in.StorageClass != "STANDARD" {
		score -= 2
	}
	if in.ExtractionFailed {
		score -= 15
	}
	return clampScore(score)
}

// HumanDecisionInput folds a moderator's judgment back into the score. The
// blend favors the human 60/40 over the machine deepfake component.
type HumanDecisionInput struct {
	Adjustment float64 // moderator trust adjustment [0,100]
}

const humanBlendWeight = 0.6

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
