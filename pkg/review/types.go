// Package review runs the human moderation lifecycle: queueing flagged
// media, assigning it to moderators under capacity and capability rules,
// expiring overdue work, escalating stuck items, and validating the
// decisions moderators hand back.
package review

import "time"

// Status is the review state machine position. Transitions are
// compare-and-set on (reviewId, expected status); stale writers lose.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusEscalated  Status = "escalated"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// validTransitions is the edge set of the review state machine. Expired
// items re-enter assignment when a reassignment succeeds; escalated items
// re-enter when capacity appears.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusCompleted, StatusEscalated, StatusExpired, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusEscalated, StatusExpired, StatusCancelled},
	StatusExpired:    {StatusAssigned, StatusEscalated},
	StatusEscalated:  {StatusAssigned, StatusCancelled},
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders the review queue and sets the completion deadline.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      1,
	PriorityNormal:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// Rank orders priorities; unknown values rank zero.
func (p Priority) Rank() int { return priorityRank[p] }

// Deadline is how long a moderator has before the assignment times out.
func (p Priority) Deadline() time.Duration {
	switch p {
	case PriorityCritical:
		return 2 * time.Hour
	case PriorityHigh:
		return 4 * time.Hour
	case PriorityNormal:
		return 8 * time.Hour
	case PriorityLow:
		return 24 * time.Hour
	}
	return 8 * time.Hour
}

// Bump raises the priority one bucket, capped at critical.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	case PriorityHigh, PriorityCritical:
		return PriorityCritical
	}
	return p
}

// Role is a moderator capability tier.
type Role string

const (
	RoleJunior Role = "junior"
	RoleSenior Role = "senior"
	RoleLead   Role = "lead"
)

var roleRank = map[Role]int{
	RoleJunior: 1,
	RoleSenior: 2,
	RoleLead:   3,
}

// Rank orders roles by capability; unknown roles rank zero.
func (r Role) Rank() int { return roleRank[r] }

// MaxWorkload is the number of concurrent reviews a role may hold.
func (r Role) MaxWorkload() int {
	switch r {
	case RoleJunior:
		return 3
	case RoleSenior:
		return 5
	case RoleLead:
		return 7
	}
	return 0
}

// CanHandle reports whether the role may take a review of this priority.
// Critical reviews go to senior or lead moderators only.
func (r Role) CanHandle(p Priority) bool {
	if p == PriorityCritical {
		return r == RoleSenior || r == RoleLead
	}
	return roleRank[r] > 0
}

// ModeratorStatus gates assignment eligibility.
type ModeratorStatus string

const (
	ModeratorActive   ModeratorStatus = "active"
	ModeratorInactive ModeratorStatus = "inactive"
)

// Moderator is a human reviewer with a capacity budget and running
// statistics.
type Moderator struct {
	ModeratorID string              `json:"moderatorId"`
	Name        string              `json:"name,omitempty"`
	Role        Role                `json:"role"`
	Status      ModeratorStatus     `json:"status"`
	Workload    int                 `json:"workload"`
	Statistics  ModeratorStatistics `json:"statistics"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// ModeratorStatistics accumulates across completed reviews. Accuracy is
// tracked only for reviews where ground truth later became known.
type ModeratorStatistics struct {
	TotalReviews             int     `json:"totalReviews"`
	AverageProcessingSeconds float64 `json:"averageProcessingSeconds"`
	GroundTruthReviews       int     `json:"groundTruthReviews"`
	AccurateReviews          int     `json:"accurateReviews"`
}

// Accuracy is the fraction of ground-truthed reviews the moderator got
// right, zero when none exist yet.
func (s ModeratorStatistics) Accuracy() float64 {
	if s.GroundTruthReviews == 0 {
		return 0
	}
	return float64(s.AccurateReviews) / float64(s.GroundTruthReviews)
}

// ReviewItem is one unit of moderation work.
type ReviewItem struct {
	ReviewID            string     `json:"reviewId"`
	MediaID             string     `json:"mediaId"`
	Priority            Priority   `json:"priority"`
	Status              Status     `json:"status"`
	Reason              string     `json:"reason,omitempty"`
	AIScore             float64    `json:"aiScore"`
	AIConfidence        float64    `json:"aiConfidence"`
	AssignedModerator   string     `json:"assignedModerator,omitempty"`
	AssignedAt          *time.Time `json:"assignedAt,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	TimeoutAt           *time.Time `json:"timeoutAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	EscalatedAt         *time.Time `json:"escalatedAt,omitempty"`
	EscalationReason    string     `json:"escalationReason,omitempty"`
	CancellationReason  string     `json:"cancellationReason,omitempty"`
	FailedReassignments int        `json:"failedReassignments,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// DecisionType is the moderator's verdict on the media.
type DecisionType string

const (
	// DecisionConfirm agrees with the machine flag: the media is manipulated.
	DecisionConfirm DecisionType = "confirm"
	// DecisionOverride rejects the machine flag: the media is authentic.
	DecisionOverride DecisionType = "override"
	// DecisionSuspicious cannot fully confirm but keeps the media flagged.
	DecisionSuspicious DecisionType = "suspicious"
	// DecisionUncertain records that the moderator could not decide.
	DecisionUncertain DecisionType = "uncertain"
	// DecisionEscalate sends the review to a higher capability tier.
	DecisionEscalate DecisionType = "escalate"
)

var decisionTypes = map[DecisionType]bool{
	DecisionConfirm:    true,
	DecisionOverride:   true,
	DecisionSuspicious: true,
	DecisionUncertain:  true,
	DecisionEscalate:   true,
}

// ConfidenceLevel is how sure the moderator is of the decision.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

var confidenceLevels = map[ConfidenceLevel]bool{
	ConfidenceLow:    true,
	ConfidenceMedium: true,
	ConfidenceHigh:   true,
}

// Value maps the level onto the [0,1] scale downstream consumers gate on.
func (c ConfidenceLevel) Value() float64 {
	switch c {
	case ConfidenceLow:
		return 0.3
	case ConfidenceMedium:
		return 0.6
	case ConfidenceHigh:
		return 0.9
	}
	return 0
}

// ThreatLevel is the moderator's assessment of downstream risk.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

var threatLevels = map[ThreatLevel]bool{
	ThreatNone:     true,
	ThreatLow:      true,
	ThreatMedium:   true,
	ThreatHigh:     true,
	ThreatCritical: true,
}

// DecisionEvidence carries the technical facts the moderator saw, in the
// shape the threat intelligence extractor consumes.
type DecisionEvidence struct {
	ContentHash     string         `json:"contentHash,omitempty"`
	SourceDomain    string         `json:"sourceDomain,omitempty"`
	Techniques      []string       `json:"techniques,omitempty"`
	MetadataPattern map[string]any `json:"metadataPattern,omitempty"`
	FileSignature   string         `json:"fileSignature,omitempty"`
}

// Decision is the persisted record of a completed review. Records are
// retained two years.
type Decision struct {
	DecisionID           string           `json:"decisionId"`
	ReviewID             string           `json:"reviewId"`
	MediaID              string           `json:"mediaId"`
	ModeratorID          string           `json:"moderatorId"`
	DecisionType         DecisionType     `json:"decisionType"`
	ConfidenceLevel      ConfidenceLevel  `json:"confidenceLevel"`
	ThreatLevel          ThreatLevel      `json:"threatLevel"`
	Justification        string           `json:"justification"`
	TrustScoreAdjustment float64          `json:"trustScoreAdjustment"`
	Tags                 []string         `json:"tags,omitempty"`
	Evidence             DecisionEvidence `json:"evidence"`
	Warnings             []string         `json:"warnings,omitempty"`
	AIScore              float64          `json:"aiScore"`
	AIConfidence         float64          `json:"aiConfidence"`
	ProcessingSeconds    float64          `json:"processingSeconds"`
	CompletedAt          time.Time        `json:"completedAt"`
	ExpiresAt            *time.Time       `json:"expiresAt,omitempty"`
}
