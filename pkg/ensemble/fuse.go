package ensemble

import (
	"math"
	"sort"
	"time"
)

// priorityWeight ranks how much a model's vote counts.
var priorityWeight = map[Priority]float64{
	PriorityHigh:          1.5,
	PriorityStandard:      1.0,
	PrioritySupplementary: 0.8,
	PriorityFallback:      0.6,
}

// depthWeight rewards thorough analyses and discounts shallow ones.
var depthWeight = map[Depth]float64{
	DepthDetailed: 1.3,
	DepthBasic:    0.9,
}

// certaintyWeight scales a vote by the model's self-reported certainty.
var certaintyWeight = map[string]float64{
	"very_high": 1.2,
	"high":      1.2,
	"low":       0.8,
	"very_low":  0.8,
}

// resultWeight computes a single vote's weight. Invalid results weigh zero.
func resultWeight(r ModelResult) float64 {
	if !r.valid() {
		return 0
	}
	w := 1.0
	if p, ok := priorityWeight[r.ModelPriority]; ok {
		w *= p
	}
	if d, ok := depthWeight[r.AnalysisDepth]; ok {
		w *= d
	}
	switch {
	case r.ProcessingTime > 3*time.Second:
		w *= 1.1
	case r.ProcessingTime < time.Second:
		w *= 0.9
	}
	if c, ok := certaintyWeight[r.Certainty]; ok {
		w *= c
	}
	return w
}

// consensusFactor scales the weighted mean by how tightly the models agree.
func consensusFactor(stdDev float64) float64 {
	switch {
	case stdDev < 0.05:
		return 1.15
	case stdDev < 0.10:
		return 1.10
	case stdDev < 0.15:
		return 1.0
	case stdDev < 0.25:
		return 0.9
	default:
		return 0.8
	}
}

// agreementBucket grades consensus from confidence spread and technique
// overlap. Both must hold for a bucket; either miss drops to the next.
func agreementBucket(stdDev, jaccard float64) Agreement {
	switch {
	case stdDev < 0.05 && jaccard >= 0.8:
		return AgreementVeryHigh
	case stdDev < 0.10 && jaccard >= 0.6:
		return AgreementHigh
	case stdDev < 0.15 && jaccard >= 0.4:
		return AgreementMedium
	case stdDev < 0.20 && jaccard >= 0.2:
		return AgreementLow
	default:
		return AgreementVeryLow
	}
}

// techniqueJaccard measures technique-set overlap across valid votes.
// Unanimously empty sets count as perfect overlap.
func techniqueJaccard(results []ModelResult) float64 {
	counts := map[string]int{}
	voters := 0
	for _, r := range results {
		if !r.valid() {
			continue
		}
		voters++
		seen := map[string]bool{}
		for _, t := range r.Techniques {
			if !seen[t] {
				seen[t] = true
				counts[t]++
			}
		}
	}
	if voters == 0 {
		return 0
	}
	if len(counts) == 0 {
		return 1.0
	}
	intersection := 0
	for _, n := range counts {
		if n == voters {
			intersection++
		}
	}
	return float64(intersection) / float64(len(counts))
}

// fuse weights per-model votes into one detection result. With no valid vote
// the ensemble falls back to a neutral 0.5.
func fuse(mediaID string, results []ModelResult) DetectionResult {
	var (
		weightedSum float64
		totalWeight float64
		confidences []float64
	)
	for _, r := range results {
		w := resultWeight(r)
		if w == 0 {
			continue
		}
		weightedSum += w * r.Confidence
		totalWeight += w
		confidences = append(confidences, r.Confidence)
	}

	mean, variance := meanVariance(confidences)
	stdDev := math.Sqrt(variance)
	jaccard := techniqueJaccard(results)

	confidence := 0.5
	agreement := AgreementVeryLow
	if totalWeight > 0 {
		confidence = clamp01(weightedSum / totalWeight * consensusFactor(stdDev))
		agreement = agreementBucket(stdDev, jaccard)
	}

	return DetectionResult{
		MediaID:            mediaID,
		DeepfakeConfidence: confidence,
		DetectedTechniques: unionTechniques(results),
		PerModelResults:    results,
		Consensus: ConsensusMetrics{
			Agreement:        agreement,
			Variance:         variance,
			StdDev:           stdDev,
			TechniqueJaccard: jaccard,
			ModelsCount:      len(confidences),
			MeanConfidence:   mean,
		},
	}
}

// unionTechniques collects every technique any valid vote named, sorted.
func unionTechniques(results []ModelResult) []string {
	seen := map[string]bool{}
	for _, r := range results {
		if !r.valid() {
			continue
		}
		for _, t := range r.Techniques {
			seen[t] = true
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func meanVariance(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, sq / float64(len(values))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
