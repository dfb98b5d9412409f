// Package discrepancy cross-checks everything the pipeline recorded about a
// media item — the custody chain, source verification, extracted metadata,
// trust scores, and raw audit events — and emits typed findings where the
// stages disagree with each other.
//
// Evaluation is deterministic: the same recorded inputs always yield the
// same set of finding types, so a re-scan after persistence converges
// instead of compounding. Critical findings can raise alerts and pull the
// object into quarantine storage, gated by a CEL rule policy.
package discrepancy

import (
	"time"
)

// Type names the eight discrepancy kinds the detector can emit.
type Type string

const (
	TypeSourceInconsistency     Type = "source_inconsistency"
	TypeMetadataMismatch        Type = "metadata_mismatch"
	TypeChainIntegrityViolation Type = "chain_integrity_violation"
	TypeContentHashMismatch     Type = "content_hash_mismatch"
	TypeTemporalInconsistency   Type = "temporal_inconsistency"
	TypeTrustScoreAnomaly       Type = "trust_score_anomaly"
	TypeProcessingAnomaly       Type = "processing_anomaly"
	TypeSuspiciousPattern       Type = "suspicious_pattern"
)

// Severity grades how urgently a finding needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities; higher is worse. Unknown severities rank zero.
func (s Severity) Rank() int { return severityRank[s] }

// Discrepancy is one detected inconsistency between pipeline stages.
type Discrepancy struct {
	ID                 string         `json:"id"`
	MediaID            string         `json:"mediaId"`
	Type               Type           `json:"type"`
	Severity           Severity       `json:"severity"`
	Description        string         `json:"description"`
	Evidence           map[string]any `json:"evidence,omitempty"`
	AffectedComponents []string       `json:"affectedComponents,omitempty"`
	Confidence         float64        `json:"confidence"`
	RecommendedActions []string       `json:"recommendedActions,omitempty"`
	DetectedAt         time.Time      `json:"detectedAt"`
}

// Report is the outcome of one scan over a single media item.
type Report struct {
	MediaID         string        `json:"mediaId"`
	Findings        []Discrepancy `json:"findings,omitempty"`
	HighestSeverity Severity      `json:"highestSeverity,omitempty"`
	Quarantined     bool          `json:"quarantined,omitempty"`
	QuarantineKey   string        `json:"quarantineKey,omitempty"`
	ScannedAt       time.Time     `json:"scannedAt"`
}

func highestSeverity(findings []Discrepancy) Severity {
	var top Severity
	for _, f := range findings {
		if f.Severity.Rank() > top.Rank() {
			top = f.Severity
		}
	}
	return top
}

var baseActions = map[Type][]string{
	TypeSourceInconsistency:     {"re-verify the source claim", "review the domain reputation listing"},
	TypeMetadataMismatch:        {"re-run metadata extraction", "compare claimed and extracted timestamps"},
	TypeChainIntegrityViolation: {"audit the custody chain", "identify the stage that skipped recording"},
	TypeContentHashMismatch:     {"locate where the object diverged", "freeze distribution of this media"},
	TypeTemporalInconsistency:   {"check worker clock synchronization", "audit the custody chain"},
	TypeTrustScoreAnomaly:       {"route to human review", "recompute the trust score"},
	TypeProcessingAnomaly:       {"inspect worker queue health", "check for stuck pipeline stages"},
	TypeSuspiciousPattern:       {"review related uploads from the same source", "consider source-level throttling"},
}

// recommendedActions returns the action taxonomy for a finding.
func recommendedActions(t Type, s Severity) []string {
	actions := append([]string(nil), baseActions[t]...)
	if s == SeverityCritical {
		actions = append(actions, "quarantine media pending investigation")
	}
	return actions
}
