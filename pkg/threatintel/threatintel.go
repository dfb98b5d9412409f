// Package threatintel turns confirmed manipulations into actionable
// intelligence: it harvests indicators from moderator decisions,
// deduplicates them into a growing corpus, scores coordination patterns
// across recent decisions, and aggregates the result into threat reports
// with mitigation recommendations.
package threatintel

import "time"

// IndicatorType classifies an observable artifact of a manipulation.
type IndicatorType string

const (
	IndicatorContentHash     IndicatorType = "content_hash"
	IndicatorMaliciousDomain IndicatorType = "malicious_domain"
	IndicatorTechnique       IndicatorType = "manipulation_technique"
	IndicatorMetadataPattern IndicatorType = "metadata_pattern"
	IndicatorFileSignature   IndicatorType = "file_signature"
)

// indicatorOrder fixes presentation and mitigation ordering.
var indicatorOrder = []IndicatorType{
	IndicatorContentHash,
	IndicatorMaliciousDomain,
	IndicatorTechnique,
	IndicatorMetadataPattern,
	IndicatorFileSignature,
}

// Indicator is one deduplicated observable. The (type, value) pair is the
// identity; repeated sightings grow occurrenceCount and the associated
// media set instead of creating new rows.
type Indicator struct {
	IndicatorID        string        `json:"indicatorId"`
	Type               IndicatorType `json:"type"`
	Value              string        `json:"value"`
	Confidence         float64       `json:"confidence"`
	OccurrenceCount    int           `json:"occurrenceCount"`
	FirstSeen          time.Time     `json:"firstSeen"`
	LastSeen           time.Time     `json:"lastSeen"`
	AssociatedMediaIDs []string      `json:"associatedMediaIds,omitempty"`
}

// ThreatType is the report classification.
type ThreatType string

const (
	ThreatDeepfakeConfirmed   ThreatType = "deepfake_confirmed"
	ThreatCoordinatedCampaign ThreatType = "coordinated_campaign"
)

// Severity orders reports for alerting.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ReportStatus tracks the response lifecycle.
type ReportStatus string

const (
	ReportActive    ReportStatus = "active"
	ReportMitigated ReportStatus = "mitigated"
	ReportResolved  ReportStatus = "resolved"
)

// Report aggregates the indicators and pattern evidence behind one threat.
// Summary rows live in the document store; the full JSON is archived to
// the reports object store. Reports are retained two years.
type Report struct {
	ReportID                  string       `json:"reportId"`
	ThreatType                ThreatType   `json:"threatType"`
	Severity                  Severity     `json:"severity"`
	Status                    ReportStatus `json:"status"`
	Indicators                []Indicator  `json:"indicators"`
	AffectedMediaCount        int          `json:"affectedMediaCount"`
	ConfirmedByHumans         int          `json:"confirmedByHumans"`
	AIConfidence              float64      `json:"aiConfidence"`
	PatternScore              float64      `json:"patternScore"`
	MitigationRecommendations []string     `json:"mitigationRecommendations"`
	Tags                      []string     `json:"tags,omitempty"`
	TriggerDecisionID         string       `json:"triggerDecisionId,omitempty"`
	CreatedAt                 time.Time    `json:"createdAt"`
	ExpiresAt                 *time.Time   `json:"expiresAt,omitempty"`
}
