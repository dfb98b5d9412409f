package trustscore

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// Inputs carries everything prior pipeline stages learned about one media
// item. Nil sections mean the stage never produced data; the engine scores
// them as uncertainty rather than pretending they passed.
type Inputs struct {
	MediaID   string
	Deepfake  *DeepfakeInput
	Source    *SourceInput
	Metadata  *MetadataInput
	Technical *TechnicalInput
	History   *HistoryInput
	Human     *HumanDecisionInput
}

// Component names as they appear in factors and logs.
const (
	componentDeepfake   = "deepfake"
	componentSource     = "source_reliability"
	componentMetadata   = "metadata_consistency"
	componentTechnical  = "technical_integrity"
	componentHistorical = "historical_pattern"
)

// Base component weights before dynamic adjustment.
const (
	weightDeepfake   = 0.35
	weightSource     = 0.25
	weightMetadata   = 0.20
	weightTechnical  = 0.15
	weightHistorical = 0.05
)

// varianceSmoothingGate is the component variance beyond which the composite
// is pulled toward the component median.
const varianceSmoothingGate = 1000.0

// uncertaintyPenaltyPoints is charged per unknown component, scaled by its
// renormalized weight.
const uncertaintyPenaltyPoints = 10.0

// Engine computes composites and persists score versions.
type Engine struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// NewEngine wires an engine over a version store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		logger: logger.With("component", "trustscore"),
		clock:  time.Now,
		newID:  uuid.NewString,
	}
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithVersionSource overrides version ID generation for deterministic tests.
func (e *Engine) WithVersionSource(newID func() string) *Engine {
	e.newID = newID
	return e
}

// Calculate scores the media item and persists a new latest version.
func (e *Engine) Calculate(ctx context.Context, in Inputs) (TrustScoreVersion, error) {
	if in.MediaID == "" {
		return TrustScoreVersion{}, fault.New(fault.CodeInputInvalid, "trust score inputs carry no media id")
	}

	comps := assembleComponents(in)
	result := compose(comps)

	now := e.clock().UTC()
	v := TrustScoreVersion{
		MediaID:              in.MediaID,
		Version:              e.newID(),
		CalculationTimestamp: now,
		CalculationDate:      now.Format("2006-01-02"),
		CompositeScore:       result.composite,
		Confidence:           result.confidence,
		ScoreRange:           scoreRangeFor(result.composite),
		Breakdown:            result.breakdown,
		Factors:              result.factors,
		Recommendations:      result.recommendations,
		IsLatest:             true,
	}

	if e.store != nil {
		if err := e.store.PutVersion(ctx, v); err != nil {
			return TrustScoreVersion{}, err
		}
	}

	e.logger.Info("trust score calculated",
		"mediaId", in.MediaID,
		"version", v.Version,
		"composite", fmt.Sprintf("%.2f", v.CompositeScore),
		"scoreRange", string(v.ScoreRange),
		"confidence", string(v.Confidence),
	)
	return v, nil
}

// component is one scored input slot moving through composition.
type component struct {
	name   string
	score  float64
	weight float64
	known  bool
}

// assembleComponents scores each input section, filling absent ones with the
// uncertainty sentinel. A human decision blends into the deepfake slot,
// weighted toward the moderator.
func assembleComponents(in Inputs) []component {
	comps := []component{
		{name: componentDeepfake, weight: weightDeepfake, score: sentinelScore},
		{name: componentSource, weight: weightSource, score: sentinelScore},
		{name: componentMetadata, weight: weightMetadata, score: sentinelScore},
		{name: componentTechnical, weight: weightTechnical, score: sentinelScore},
		{name: componentHistorical, weight: weightHistorical, score: sentinelScore},
	}

	if in.Deepfake != nil {
		comps[0].score = computeDeepfake(in.Deepfake)
		comps[0].known = true
	}
	if in.Human != nil {
		adj := clampScore(in.Human.Adjustment)
		if comps[0].known {
			comps[0].score = humanBlendWeight*adj + (1-humanBlendWeight)*comps[0].score
		} else {
			comps[0].score = adj
		}
		comps[0].known = true
	}
	if in.Source != nil {
		comps[1].score = computeSourceReliability(in.Source)
		comps[1].known = true
	}
	if in.Metadata != nil {
		comps[2].score = computeMetadataConsistency(in.Metadata)
		comps[2].known = true
	}
	if in.Technical != nil {
		comps[3].score = computeTechnicalIntegrity(in.Technical)
		comps[3].known = true
	}
	if in.History != nil {
		comps[4].score = computeHistoricalPattern(in.History)
		comps[4].known = true
	}
	return comps
}

type composition struct {
	composite       float64
	confidence      Confidence
	breakdown       Breakdown
	factors         []string
	recommendations []string
	variance        float64
}

// compose folds component scores into the composite: dynamic weighting,
// non-linear adjustment, uncertainty penalties, then variance smoothing.
func compose(comps []component) composition {
	// Decisive components (very high or very low) gain weight; fence-sitters
	// lose it.
	total := 0.0
	for i := range comps {
		w := comps[i].weight
		switch {
		case comps[i].score > 80 || comps[i].score < 20:
			w *= 1.2
		case comps[i].score >= 45 && comps[i].score <= 55:
			w *= 0.8
		}
		comps[i].weight = w
		total += w
	}
	for i := range comps {
		comps[i].weight /= total
	}

	composite := 0.0
	for _, c := range comps {
		composite += c.weight * nonLinearAdjust(c.score)
	}

	knownCount := 0
	var knownScores []float64
	for _, c := range comps {
		if c.known {
			knownCount++
			knownScores = append(knownScores, c.score)
		} else {
			composite -= uncertaintyPenaltyPoints * c.weight
		}
	}

	variance := 0.0
	if len(knownScores) >= 2 {
		variance = populationVariance(knownScores)
		if variance > varianceSmoothingGate {
			factor := math.Min(0.3, variance/5000)
			composite = composite*(1-factor) + median(knownScores)*factor
		}
	}

	composite = clampScore(composite)

	confidence := ConfidenceLow
	switch {
	case knownCount >= 4:
		confidence = ConfidenceHigh
	case knownCount >= 2:
		confidence = ConfidenceMedium
	}
	if variance > varianceSmoothingGate {
		confidence = demote(confidence)
	}

	out := composition{
		composite:  composite,
		confidence: confidence,
		variance:   variance,
		breakdown: Breakdown{
			Deepfake:            comps[0].score,
			SourceReliability:   comps[1].score,
			MetadataConsistency: comps[2].score,
			TechnicalIntegrity:  comps[3].score,
			HistoricalPattern:   comps[4].score,
		},
	}
	out.factors = buildFactors(comps)
	out.recommendations = buildRecommendations(composite, comps, knownCount)
	return out
}

// nonLinearAdjust bends a score around the neutral midpoint: above-average
// scores are amplified, below-average scores soften toward the middle.
func nonLinearAdjust(score float64) float64 {
	s := score / 100
	switch {
	case s > 0.5:
		return (0.5 + 0.5*math.Pow((s-0.5)*2, 0.8)) * 100
	case s < 0.5:
		return (0.5 - 0.5*math.Pow((0.5-s)*2, 1.2)) * 100
	default:
		return 50
	}
}

func populationVariance(values []float64) float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return variance / float64(len(values))
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func demote(c Confidence) Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func buildFactors(comps []component) []string {
	factors := make([]string, 0, len(comps))
	for _, c := range comps {
		if c.known {
			factors = append(factors, fmt.Sprintf("%s: %.1f (weight %.2f)", c.name, c.score, c.weight))
		} else {
			factors = append(factors, fmt.Sprintf("%s: no data, uncertainty penalty applied", c.name))
		}
	}
	return factors
}

func buildRecommendations(composite float64, comps []component, knownCount int) []string {
	var recs []string
	switch {
	case composite < 20:
		recs = append(recs, "quarantine media and escalate to threat intelligence")
	case composite < 40:
		recs = append(recs, "route to human review before distribution")
	}
	if len(comps)-knownCount >= 2 {
		recs = append(recs, "collect additional provenance signals to raise confidence")
	}
	if comps[0].known && comps[0].score < 40 {
		recs = append(recs, "verify flagged manipulation techniques manually")
	}
	if composite >= 90 && knownCount >= 4 {
		recs = append(recs, "no action required")
	}
	return recs
}
