package threatintel

import (
	"sort"
	"strings"
	"time"

	"github.com/hlekkr/hlekkr/pkg/review"
)

// Pattern scoring weights and saturation points. Five corroborating
// decisions saturate the domain and technique components; one decision per
// hour saturates cadence.
const (
	domainSaturation    = 5.0
	techniqueSaturation = 5.0
	cadenceSaturation   = 1.0

	domainWeight    = 0.40
	techniqueWeight = 0.35
	cadenceWeight   = 0.25
)

// PatternAnalysis summarizes coordination signals between one decision and
// the window of recent confirm/escalate decisions.
type PatternAnalysis struct {
	Score            float64  `json:"score"`
	WindowSize       int      `json:"windowSize"`
	DomainMatches    int      `json:"domainMatches"`
	TechniqueMatches int      `json:"techniqueMatches"`
	DecisionsPerHour float64  `json:"decisionsPerHour"`
	SharedTechniques []string `json:"sharedTechniques,omitempty"`
	ConfirmedCount   int      `json:"confirmedCount"`
}

// AnalyzePatterns scores how strongly the decision correlates with the
// window: shared source domain, shared manipulation techniques, and upload
// cadence. The window may or may not already contain the decision itself;
// self-matches are excluded from corroboration counts either way.
func AnalyzePatterns(d review.Decision, window []review.Decision, span time.Duration) PatternAnalysis {
	domain := strings.ToLower(d.Evidence.SourceDomain)
	perTechnique := map[string]int{}

	analysis := PatternAnalysis{}
	seenSelf := false
	for _, w := range window {
		if w.DecisionID == d.DecisionID && d.DecisionID != "" {
			seenSelf = true
			if w.DecisionType == review.DecisionConfirm {
				analysis.ConfirmedCount++
			}
			continue
		}
		if w.DecisionType == review.DecisionConfirm {
			analysis.ConfirmedCount++
		}
		if domain != "" && strings.EqualFold(w.Evidence.SourceDomain, domain) {
			analysis.DomainMatches++
		}
		for _, tech := range d.Evidence.Techniques {
			if containsTechnique(w.Evidence.Techniques, tech) {
				perTechnique[tech]++
			}
		}
	}

	total := len(window)
	if !seenSelf {
		total++
		if d.DecisionType == review.DecisionConfirm {
			analysis.ConfirmedCount++
		}
	}
	analysis.WindowSize = total

	for tech, n := range perTechnique {
		analysis.SharedTechniques = append(analysis.SharedTechniques, tech)
		if n > analysis.TechniqueMatches {
			analysis.TechniqueMatches = n
		}
	}
	sort.Strings(analysis.SharedTechniques)

	if span > 0 {
		analysis.DecisionsPerHour = float64(total) / span.Hours()
	}

	analysis.Score = domainWeight*saturate(float64(analysis.DomainMatches), domainSaturation) +
		techniqueWeight*saturate(float64(analysis.TechniqueMatches), techniqueSaturation) +
		cadenceWeight*saturate(analysis.DecisionsPerHour, cadenceSaturation)
	return analysis
}

func containsTechnique(techniques []string, want string) bool {
	for _, t := range techniques {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func saturate(v, limit float64) float64 {
	if v >= limit {
		return 1
	}
	if v <= 0 {
		return 0
	}
	return v / limit
}
