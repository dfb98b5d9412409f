package techniques

import (
	"fmt"
	"sort"
)

// defaultIndicatorConfidence stands in for indicators detected without a
// score. Matches the neutral prior used elsewhere in the pipeline.
const defaultIndicatorConfidence = 0.5

// ClassifiedTechnique is one signature that cleared its threshold.
type ClassifiedTechnique struct {
	SignatureID       string           `json:"signatureId"`
	Name              string           `json:"name"`
	Type              TechniqueType    `json:"type"`
	Confidence        float64          `json:"confidence"`
	Severity          Severity         `json:"severity"`
	MatchedIndicators []string         `json:"matchedIndicators"`
	EvidenceStrength  EvidenceStrength `json:"evidenceStrength"`
}

// RiskLevel condenses the classification for downstream routing.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Report summarizes a classification for human consumption.
type Report struct {
	PrimaryTechnique string    `json:"primaryTechnique,omitempty"`
	TechniqueCount   int       `json:"techniqueCount"`
	RiskLevel        RiskLevel `json:"riskLevel"`
	Summary          string    `json:"summary"`
}

// Classification is the full result of scoring indicators against the
// signature set.
type Classification struct {
	Techniques      []ClassifiedTechnique `json:"techniques"`
	OverallSeverity Severity              `json:"overallSeverity"`
	MaxConfidence   float64               `json:"maxConfidence"`
	Report          Report                `json:"report"`
}

// Classifier scores indicator sets against a signature set. The zero value
// is unusable; construct with NewClassifier.
type Classifier struct {
	sigs []Signature
}

// NewClassifier builds a classifier over the given signatures. A nil or
// empty slice falls back to the built-in set.
func NewClassifier(sigs []Signature) *Classifier {
	if len(sigs) == 0 {
		sigs = BuiltinSignatures()
	}
	return &Classifier{sigs: sigs}
}

// Signatures returns the active signature set.
func (c *Classifier) Signatures() []Signature {
	out := make([]Signature, len(c.sigs))
	copy(out, c.sigs)
	return out
}

// Classify scores the detected indicators against every signature and
// returns the techniques that cleared their thresholds. Deterministic and
// free of I/O: the same inputs always produce the same classification.
//
// Indicators absent from confidences are counted with a neutral 0.5.
func (c *Classifier) Classify(indicators []string, confidences map[string]float64) Classification {
	detected := make(map[string]bool, len(indicators))
	for _, ind := range indicators {
		detected[ind] = true
	}

	var out Classification
	out.OverallSeverity = SeverityMinimal

	for _, sig := range c.sigs {
		var matched []string
		for _, ind := range sig.Indicators {
			if detected[ind] {
				matched = append(matched, ind)
			}
		}
		if len(matched) == 0 {
			continue
		}

		matchRatio := float64(len(matched)) / float64(len(sig.Indicators))
		var confSum float64
		for _, m := range matched {
			conf, ok := confidences[m]
			if !ok {
				conf = defaultIndicatorConfidence
			}
			confSum += conf
		}
		avgConf := confSum / float64(len(matched))

		confidence := matchRatio*0.6 + avgConf*0.4
		confidence *= typeConfidenceModifier(sig.Type)
		confidence = clamp01(confidence)
		if confidence < sig.ConfidenceThreshold {
			continue
		}

		sev := deriveSeverity(sig, confidence)
		out.Techniques = append(out.Techniques, ClassifiedTechnique{
			SignatureID:       sig.ID,
			Name:              sig.Name,
			Type:              sig.Type,
			Confidence:        confidence,
			Severity:          sev,
			MatchedIndicators: matched,
			EvidenceStrength:  evidenceStrength(matchRatio, avgConf),
		})
		out.OverallSeverity = maxSeverity(out.OverallSeverity, sev)
		if confidence > out.MaxConfidence {
			out.MaxConfidence = confidence
		}
	}

	// Highest confidence first; ID ties the order down.
	sort.Slice(out.Techniques, func(i, j int) bool {
		if out.Techniques[i].Confidence != out.Techniques[j].Confidence {
			return out.Techniques[i].Confidence > out.Techniques[j].Confidence
		}
		return out.Techniques[i].SignatureID < out.Techniques[j].SignatureID
	})

	out.Report = buildReport(out)
	return out
}

// deriveSeverity runs the base severity through the confidence step
// function and the type weight, then buckets back onto the ladder.
func deriveSeverity(sig Signature, confidence float64) Severity {
	raw := sig.SeverityBase.Score() * confidenceModifier(confidence) * typeSeverityWeight(sig.Type)
	return bucketSeverity(raw)
}

func confidenceModifier(confidence float64) float64 {
	switch {
	case confidence >= 0.9:
		return 1.2
	case confidence >= 0.8:
		return 1.1
	case confidence >= 0.7:
		return 1.0
	case confidence >= 0.6:
		return 0.9
	default:
		return 0.8
	}
}

func evidenceStrength(matchRatio, avgConf float64) EvidenceStrength {
	score := 0.6*matchRatio + 0.4*avgConf
	switch {
	case score >= 0.85:
		return EvidenceVeryStrong
	case score >= 0.7:
		return EvidenceStrong
	case score >= 0.5:
		return EvidenceModerate
	case score >= 0.3:
		return EvidenceWeak
	default:
		return EvidenceVeryWeak
	}
}

func buildReport(cls Classification) Report {
	if len(cls.Techniques) == 0 {
		return Report{
			TechniqueCount: 0,
			RiskLevel:      RiskMinimal,
			Summary:        "no manipulation techniques classified",
		}
	}
	primary := cls.Techniques[0]
	risk := riskLevel(cls.OverallSeverity, cls.MaxConfidence)
	return Report{
		PrimaryTechnique: primary.SignatureID,
		TechniqueCount:   len(cls.Techniques),
		RiskLevel:        risk,
		Summary: fmt.Sprintf("%d technique(s) classified; primary %s (%s) at confidence %.2f",
			len(cls.Techniques), primary.Name, primary.Type, primary.Confidence),
	}
}

// riskLevel combines the worst severity with the strongest confidence.
func riskLevel(sev Severity, maxConf float64) RiskLevel {
	switch {
	case sev == SeverityCritical || (sev == SeverityHigh && maxConf >= 0.8):
		return RiskCritical
	case sev == SeverityHigh || maxConf >= 0.8:
		return RiskHigh
	case sev == SeverityModerate || maxConf >= 0.6:
		return RiskMedium
	default:
		return RiskLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
