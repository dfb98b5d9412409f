package threatintel

import (
	"strings"
	"time"

	"github.com/hlekkr/hlekkr/pkg/canonical"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/review"
)

// minConfidence is the per-type floor on the decision confidence. Domains
// and file signatures are aggressive to act on, so they require a
// high-confidence decision; the rest accept medium.
var minConfidence = map[IndicatorType]float64{
	IndicatorContentHash:     0.6,
	IndicatorMaliciousDomain: 0.9,
	IndicatorTechnique:       0.6,
	IndicatorMetadataPattern: 0.6,
	IndicatorFileSignature:   0.9,
}

// metadataPatternDamping discounts pattern indicators: a matching metadata
// shape is weaker evidence than a matching hash.
const metadataPatternDamping = 0.8

// ExtractIndicators derives indicators from a completed decision. Only
// confirm and suspicious verdicts produce indicators; domains and file
// signatures additionally require a confirm. Each indicator starts with a
// single occurrence attributed to the decision's media.
func ExtractIndicators(d review.Decision, now time.Time) ([]Indicator, error) {
	if d.DecisionType != review.DecisionConfirm && d.DecisionType != review.DecisionSuspicious {
		return nil, nil
	}
	conf := d.ConfidenceLevel.Value()

	var out []Indicator
	add := func(t IndicatorType, value string, confidence float64) {
		out = append(out, Indicator{
			Type:               t,
			Value:              value,
			Confidence:         confidence,
			OccurrenceCount:    1,
			FirstSeen:          now,
			LastSeen:           now,
			AssociatedMediaIDs: []string{d.MediaID},
		})
	}

	if h := d.Evidence.ContentHash; h != "" && conf >= minConfidence[IndicatorContentHash] {
		add(IndicatorContentHash, h, conf)
	}
	if dom := d.Evidence.SourceDomain; dom != "" &&
		d.DecisionType == review.DecisionConfirm && conf >= minConfidence[IndicatorMaliciousDomain] {
		add(IndicatorMaliciousDomain, strings.ToLower(dom), conf)
	}
	if conf >= minConfidence[IndicatorTechnique] {
		for _, tech := range d.Evidence.Techniques {
			if tech == "" {
				continue
			}
			add(IndicatorTechnique, tech, conf)
		}
	}
	if len(d.Evidence.MetadataPattern) > 0 && conf >= minConfidence[IndicatorMetadataPattern] {
		hash, err := canonical.ContentHash(d.Evidence.MetadataPattern)
		if err != nil {
			return nil, fault.Wrap(fault.CodeInputInvalid, err, "hashing metadata pattern")
		}
		add(IndicatorMetadataPattern, hash, conf*metadataPatternDamping)
	}
	if sig := d.Evidence.FileSignature; sig != "" &&
		d.DecisionType == review.DecisionConfirm && conf >= minConfidence[IndicatorFileSignature] {
		add(IndicatorFileSignature, sig, conf)
	}
	return out, nil
}
