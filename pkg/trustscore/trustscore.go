// Package trustscore computes and versions composite trust scores.
//
// The engine folds five component scores — deepfake analysis, source
// reliability, metadata consistency, technical integrity, and historical
// pattern — into a single [0,100] composite. Weights shift dynamically
// toward decisive components, a non-linear curve rewards conviction, and
// missing inputs carry an explicit uncertainty cost instead of silently
// passing as average. Every calculation writes a new immutable version;
// exactly one version per media item is the latest.
package trustscore

import (
	"time"
)

// Confidence grades how much input data backed a calculation.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ScoreRange buckets a composite for indexing and routing.
type ScoreRange string

const (
	RangeCritical  ScoreRange = "critical"
	RangeVeryLow   ScoreRange = "very_low"
	RangeLow       ScoreRange = "low"
	RangeModerate  ScoreRange = "moderate"
	RangeHigh      ScoreRange = "high"
	RangeExcellent ScoreRange = "excellent"
)

// scoreRangeFor buckets a composite score. The critical boundary lines up
// with the discrepancy detector's anomaly threshold.
func scoreRangeFor(score float64) ScoreRange {
	switch {
	case score >= 90:
		return RangeExcellent
	case score >= 75:
		return RangeHigh
	case score >= 55:
		return RangeModerate
	case score >= 35:
		return RangeLow
	case score >= 20:
		return RangeVeryLow
	default:
		return RangeCritical
	}
}

// Breakdown carries the raw component scores behind a composite.
type Breakdown struct {
	Deepfake            float64 `json:"deepfake"`
	SourceReliability   float64 `json:"sourceReliability"`
	MetadataConsistency float64 `json:"metadataConsistency"`
	TechnicalIntegrity  float64 `json:"technicalIntegrity"`
	HistoricalPattern   float64 `json:"historicalPattern"`
}

// TrustScoreVersion is one immutable calculation result.
type TrustScoreVersion struct {
	MediaID              string     `json:"mediaId"`
	Version              string     `json:"version"`
	CalculationTimestamp time.Time  `json:"calculationTimestamp"`
	CalculationDate      string     `json:"calculationDate"`
	CompositeScore       float64    `json:"compositeScore"`
	Confidence           Confidence `json:"confidence"`
	ScoreRange           ScoreRange `json:"scoreRange"`
	Breakdown            Breakdown  `json:"breakdown"`
	Factors              []string   `json:"factors,omitempty"`
	Recommendations      []string   `json:"recommendations,omitempty"`
	IsLatest             bool       `json:"isLatest"`
}

// Statistics aggregates composite scores over a window.
type Statistics struct {
	Count        int                `json:"count"`
	Mean         float64            `json:"mean"`
	Median       float64            `json:"median"`
	Min          float64            `json:"min"`
	Max          float64            `json:"max"`
	StdDev       float64            `json:"stdDev"`
	Distribution map[ScoreRange]int `json:"distribution"`
}
