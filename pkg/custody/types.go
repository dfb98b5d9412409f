// Package custody maintains the per-media chain of custody: an append-only,
// hash-linked log of every processing step, each entry carrying an HMAC
// integrity proof.
//
// The chain is the audit backbone of the pipeline. Every stage records what
// it consumed and produced; verification later proves that no recorded step
// was altered and that no step was spliced in or out.
package custody

import (
	"time"
)

// Stage identifies the pipeline step that produced a custody event.
type Stage string

const (
	StageUpload             Stage = "media_upload"
	StageSecurityScan       Stage = "security_scan"
	StageMetadataExtraction Stage = "metadata_extraction"
	StageSourceVerification Stage = "source_verification"
	StageDeepfakeAnalysis   Stage = "deepfake_analysis"
	StageTrustScore         Stage = "trust_score_calculation"
	StageHumanReview        Stage = "human_review"
	StageDiscrepancyCheck   Stage = "discrepancy_detection"
	StageThreatIntel        Stage = "threat_intelligence"
	StageQuarantine         Stage = "quarantine"

	// StageUnknown is produced by ParseStage for unrecognized input. It is
	// never coerced to a default.
	StageUnknown Stage = "unknown"
)

var knownStages = map[Stage]bool{
	StageUpload:             true,
	StageSecurityScan:       true,
	StageMetadataExtraction: true,
	StageSourceVerification: true,
	StageDeepfakeAnalysis:   true,
	StageTrustScore:         true,
	StageHumanReview:        true,
	StageDiscrepancyCheck:   true,
	StageThreatIntel:        true,
	StageQuarantine:         true,
}

// ParseStage maps a string onto a known stage, or StageUnknown.
func ParseStage(s string) Stage {
	if knownStages[Stage(s)] {
		return Stage(s)
	}
	return StageUnknown
}

// Valid reports whether the stage is one of the known pipeline stages.
func (s Stage) Valid() bool { return knownStages[s] }

// Event is one link in a media item's custody chain.
//
// EventHash covers every field except IntegrityProof and EventHash itself;
// IntegrityProof covers every field except IntegrityProof (EventHash
// included), so a verified proof also pins the recorded hash.
type Event struct {
	MediaID           string         `json:"mediaId"`
	EventID           string         `json:"eventId"`
	PreviousEventHash string         `json:"previousEventHash"`
	Stage             Stage          `json:"stage"`
	Actor             string         `json:"actor"`
	Action            string         `json:"action"`
	InputHash         string         `json:"inputHash,omitempty"`
	OutputHash        string         `json:"outputHash,omitempty"`
	Transformation    string         `json:"transformation,omitempty"`
	Meta              map[string]any `json:"meta,omitempty"`
	IntegrityProof    string         `json:"integrityProof"`
	EventHash         string         `json:"eventHash"`
	Timestamp         time.Time      `json:"timestamp"`
}

// signable returns the event as covered by the integrity proof.
func (e Event) signable() Event {
	e.IntegrityProof = ""
	return e
}

// hashable returns the event as covered by the event hash.
func (e Event) hashable() Event {
	e.IntegrityProof = ""
	e.EventHash = ""
	return e
}

// ChainStatus summarizes a verification pass over a media item's chain.
type ChainStatus string

const (
	// ChainValid — every link holds and every proof verifies.
	ChainValid ChainStatus = "valid"
	// ChainMostlyValid — linkage holds and at least 80% of proofs verify.
	ChainMostlyValid ChainStatus = "mostly_valid"
	// ChainCompromised — linkage holds but too many proofs fail.
	ChainCompromised ChainStatus = "compromised"
	// ChainBroken — a linkage mismatch: an event does not point at its
	// predecessor's recomputed hash.
	ChainBroken ChainStatus = "broken_chain"
	// ChainEmpty — no events recorded for the media item.
	ChainEmpty ChainStatus = "empty"
)

// ChainVerification is the detailed result of VerifyChain.
type ChainVerification struct {
	MediaID       string      `json:"mediaId"`
	Status        ChainStatus `json:"status"`
	TotalEvents   int         `json:"totalEvents"`
	ValidEvents   int         `json:"validEvents"`
	InvalidEvents []string    `json:"invalidEvents,omitempty"` // event IDs with failed proofs or hash drift
	BrokenLinks   []int       `json:"brokenLinks,omitempty"`   // chain positions whose back-link mismatches
	CheckedAt     time.Time   `json:"checkedAt"`
}

// RecordInput captures one processing step for the chain.
type RecordInput struct {
	MediaID        string
	Stage          Stage
	Actor          string
	Action         string
	InputContent   any // hashed into InputHash when non-nil
	OutputContent  any // hashed into OutputHash when non-nil
	Transformation string
	Meta           map[string]any
}
