package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

// Decision validation bounds.
const (
	justificationMinChars = 10
	justificationMaxChars = 2000
	maxDecisionTags       = 10
)

// Retention windows for completion artifacts.
const (
	decisionRetention   = 2 * 365 * 24 * time.Hour
	aiFeedbackRetention = 365 * 24 * time.Hour
)

// Divergence thresholds for the non-blocking consistency warnings.
const (
	divergenceWarnDelta = 30.0
	confirmWarnDelta    = 10.0
	overrideWarnDelta   = 15.0
	aiConfidenceWarnBar = 0.8
)

// Rescorer recomputes a media item's trust score with the moderator's
// judgment folded in. The pipeline implements it; the completer only needs
// the recompute.
type Rescorer interface {
	Rescore(ctx context.Context, mediaID string, human trustscore.HumanDecisionInput) (*trustscore.TrustScoreVersion, error)
}

// ThreatDispatcher receives confirm and suspicious decisions for indicator
// extraction.
type ThreatDispatcher interface {
	ProcessDecision(ctx context.Context, d Decision) error
}

// Completer validates moderator decisions and applies their downstream
// effects: the decision record, moderator statistics, the trust score
// recompute, the ai_feedback audit event, and threat intel dispatch.
type Completer struct {
	reviews    Store
	moderators ModeratorStore
	decisions  DecisionStore
	audits     audit.Store
	rescorer   Rescorer
	threats    ThreatDispatcher
	logger     *slog.Logger
	clock      func() time.Time
	newID      func() string
}

// NewCompleter wires a completer over the review stores and the audit trail.
func NewCompleter(reviews Store, moderators ModeratorStore, decisions DecisionStore, audits audit.Store, logger *slog.Logger) *Completer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Completer{
		reviews:    reviews,
		moderators: moderators,
		decisions:  decisions,
		audits:     audits,
		logger:     logger.With("component", "review-completion"),
		clock:      time.Now,
		newID:      uuid.NewString,
	}
}

// WithRescorer enables the trust score recompute on completion.
func (c *Completer) WithRescorer(r Rescorer) *Completer {
	c.rescorer = r
	return c
}

// WithThreatDispatcher enables threat intel dispatch for confirm and
// suspicious decisions.
func (c *Completer) WithThreatDispatcher(d ThreatDispatcher) *Completer {
	c.threats = d
	return c
}

// WithClock overrides the clock for deterministic tests.
func (c *Completer) WithClock(clock func() time.Time) *Completer {
	c.clock = clock
	return c
}

// WithIDGenerator overrides decision id generation.
func (c *Completer) WithIDGenerator(newID func() string) *Completer {
	c.newID = newID
	return c
}

// CompleteInput is a moderator's submitted decision.
type CompleteInput struct {
	ReviewID             string
	ModeratorID          string
	DecisionType         DecisionType
	ConfidenceLevel      ConfidenceLevel
	ThreatLevel          ThreatLevel
	Justification        string
	TrustScoreAdjustment float64
	Tags                 []string
	Evidence             DecisionEvidence
	// GroundTruth carries the known manipulation verdict when one exists,
	// so moderator accuracy can be tracked.
	GroundTruth *bool
}

// CompletionResult reports what the completion applied.
type CompletionResult struct {
	Review           ReviewItem
	Decision         Decision
	Warnings         []string
	ScoreVersion     *trustscore.TrustScoreVersion
	ThreatDispatched bool
}

// ValidateDecision enforces the hard rules and collects the non-blocking
// consistency warnings against the machine's prior assessment.
func ValidateDecision(in CompleteInput, item ReviewItem) ([]string, error) {
	if !decisionTypes[in.DecisionType] {
		return nil, fault.New(fault.CodeInputInvalid, "unknown decision type %q", in.DecisionType)
	}
	if !confidenceLevels[in.ConfidenceLevel] {
		return nil, fault.New(fault.CodeInputInvalid, "unknown confidence level %q", in.ConfidenceLevel)
	}
	if !threatLevels[in.ThreatLevel] {
		return nil, fault.New(fault.CodeInputInvalid, "unknown threat level %q", in.ThreatLevel)
	}
	if n := utf8.RuneCountInString(in.Justification); n < justificationMinChars || n > justificationMaxChars {
		return nil, fault.New(fault.CodeInputInvalid, "justification must be %d to %d characters, got %d",
			justificationMinChars, justificationMaxChars, n)
	}
	if in.TrustScoreAdjustment < 0 || in.TrustScoreAdjustment > 100 {
		return nil, fault.New(fault.CodeInputInvalid, "trust score adjustment %.1f is outside [0,100]", in.TrustScoreAdjustment)
	}
	if len(in.Tags) > maxDecisionTags {
		return nil, fault.New(fault.CodeInputInvalid, "at most %d tags allowed, got %d", maxDecisionTags, len(in.Tags))
	}

	var warnings []string
	delta := math.Abs(in.TrustScoreAdjustment - item.AIScore)
	if delta > divergenceWarnDelta {
		warnings = append(warnings, fmt.Sprintf("human and machine scores diverge by %.0f points", delta))
	}
	if in.DecisionType == DecisionConfirm && delta > confirmWarnDelta {
		warnings = append(warnings, fmt.Sprintf("confirm decision moves the score by %.0f points", delta))
	}
	if in.DecisionType == DecisionOverride {
		if delta < overrideWarnDelta {
			warnings = append(warnings, fmt.Sprintf("override decision stays within %.0f points of the machine score", delta))
		}
		if in.ConfidenceLevel == ConfidenceLow {
			warnings = append(warnings, "override with low moderator confidence")
		}
		if item.AIConfidence > aiConfidenceWarnBar {
			warnings = append(warnings, fmt.Sprintf("override against machine confidence %.2f", item.AIConfidence))
		}
	}
	return warnings, nil
}

// Complete validates the decision, CASes the review to completed, and
// applies the downstream effects. The decision record must persist; the
// recompute, statistics, feedback event, and threat dispatch are
// best-effort and logged when they fail.
func (c *Completer) Complete(ctx context.Context, in CompleteInput) (*CompletionResult, error) {
	item, err := c.reviews.Get(ctx, in.ReviewID)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusAssigned && item.Status != StatusInProgress {
		return nil, fault.New(fault.CodeConflict, "review %s is %s and cannot be completed", in.ReviewID, item.Status)
	}
	if item.AssignedModerator != in.ModeratorID {
		return nil, fault.New(fault.CodeInputInvalid, "review %s is assigned to %s", in.ReviewID, item.AssignedModerator)
	}
	warnings, err := ValidateDecision(in, *item)
	if err != nil {
		return nil, err
	}

	now := c.clock().UTC()
	upd := *item
	upd.Status = StatusCompleted
	upd.CompletedAt = &now
	upd.UpdatedAt = now
	if err := c.reviews.CompareAndSwap(ctx, upd, item.Status); err != nil {
		return nil, err
	}

	processing := now.Sub(workStart(*item))
	expires := now.Add(decisionRetention)
	decision := Decision{
		DecisionID:           c.newID(),
		ReviewID:             item.ReviewID,
		MediaID:              item.MediaID,
		ModeratorID:          in.ModeratorID,
		DecisionType:         in.DecisionType,
		ConfidenceLevel:      in.ConfidenceLevel,
		ThreatLevel:          in.ThreatLevel,
		Justification:        in.Justification,
		TrustScoreAdjustment: in.TrustScoreAdjustment,
		Tags:                 in.Tags,
		Evidence:             in.Evidence,
		Warnings:             warnings,
		AIScore:              item.AIScore,
		AIConfidence:         item.AIConfidence,
		ProcessingSeconds:    processing.Seconds(),
		CompletedAt:          now,
		ExpiresAt:            &expires,
	}
	if err := fault.RetryVoid(ctx, func() error {
		return c.decisions.PutDecision(ctx, decision)
	}); err != nil {
		c.logger.Error("persisting decision for completed review",
			"reviewId", item.ReviewID, "decisionId", decision.DecisionID, "error", err)
		return nil, fault.Wrap(fault.CodeStoreError, err, "persisting decision")
	}

	if err := c.moderators.ReleaseSlot(ctx, in.ModeratorID); err != nil {
		c.logger.Warn("releasing moderator slot", "moderatorId", in.ModeratorID, "error", err)
	}
	accurate := decisionAccuracy(in.DecisionType, in.GroundTruth)
	if err := c.moderators.RecordCompletion(ctx, in.ModeratorID, processing, accurate); err != nil {
		c.logger.Warn("recording moderator statistics", "moderatorId", in.ModeratorID, "error", err)
	}

	c.emitFeedback(ctx, decision, now)

	result := &CompletionResult{Review: upd, Decision: decision, Warnings: warnings}
	if c.rescorer != nil {
		sv, err := c.rescorer.Rescore(ctx, item.MediaID, trustscore.HumanDecisionInput{Adjustment: in.TrustScoreAdjustment})
		if err != nil {
			c.logger.Warn("recomputing trust score after review", "mediaId", item.MediaID, "error", err)
		} else {
			result.ScoreVersion = sv
		}
	}
	if c.threats != nil && (in.DecisionType == DecisionConfirm || in.DecisionType == DecisionSuspicious) {
		if err := c.threats.ProcessDecision(ctx, decision); err != nil {
			c.logger.Warn("dispatching decision to threat intel", "decisionId", decision.DecisionID, "error", err)
		} else {
			result.ThreatDispatched = true
		}
	}

	c.logger.Info("review completed",
		"reviewId", item.ReviewID,
		"mediaId", item.MediaID,
		"decisionType", in.DecisionType,
		"warnings", len(warnings))
	return result, nil
}

// workStart is the instant the clock started for processing time: when the
// moderator began, else when the work was assigned, else creation.
func workStart(item ReviewItem) time.Time {
	if item.StartedAt != nil {
		return *item.StartedAt
	}
	if item.AssignedAt != nil {
		return *item.AssignedAt
	}
	return item.CreatedAt
}

// decisionAccuracy grades a decision against ground truth. Only verdict
// decisions are gradable; uncertain and escalate stay out of the accuracy
// denominator.
func decisionAccuracy(dt DecisionType, manipulated *bool) *bool {
	if manipulated == nil {
		return nil
	}
	switch dt {
	case DecisionConfirm, DecisionSuspicious:
		v := *manipulated
		return &v
	case DecisionOverride:
		v := !*manipulated
		return &v
	}
	return nil
}

// FeedbackClassification buckets a decision for model feedback loops.
type FeedbackClassification string

const (
	FeedbackPositiveConfirmation FeedbackClassification = "positive_confirmation"
	FeedbackCorrection           FeedbackClassification = "correction"
	FeedbackUncertainty          FeedbackClassification = "uncertainty"
	FeedbackGeneral              FeedbackClassification = "general_feedback"
)

// classifyFeedback maps the verdict onto the feedback bucket the model
// training loop consumes.
func classifyFeedback(dt DecisionType) FeedbackClassification {
	switch dt {
	case DecisionConfirm:
		return FeedbackPositiveConfirmation
	case DecisionOverride:
		return FeedbackCorrection
	case DecisionUncertain:
		return FeedbackUncertainty
	}
	return FeedbackGeneral
}

// feedbackPayload is the ai_feedback audit event body.
type feedbackPayload struct {
	ReviewID       string                 `json:"reviewId"`
	DecisionID     string                 `json:"decisionId"`
	ModeratorID    string                 `json:"moderatorId"`
	DecisionType   DecisionType           `json:"decisionType"`
	Classification FeedbackClassification `json:"classification"`
	HumanScore     float64                `json:"humanScore"`
	AIScore        float64                `json:"aiScore"`
	Delta          float64                `json:"delta"`
	Warnings       []string               `json:"warnings,omitempty"`
}

// emitFeedback appends the ai_feedback audit event, retained one year.
func (c *Completer) emitFeedback(ctx context.Context, d Decision, now time.Time) {
	payload, err := json.Marshal(feedbackPayload{
		ReviewID:       d.ReviewID,
		DecisionID:     d.DecisionID,
		ModeratorID:    d.ModeratorID,
		DecisionType:   d.DecisionType,
		Classification: classifyFeedback(d.DecisionType),
		HumanScore:     d.TrustScoreAdjustment,
		AIScore:        d.AIScore,
		Delta:          math.Abs(d.TrustScoreAdjustment - d.AIScore),
		Warnings:       d.Warnings,
	})
	if err != nil {
		c.logger.Warn("encoding ai feedback", "decisionId", d.DecisionID, "error", err)
		return
	}
	expires := now.Add(aiFeedbackRetention)
	if _, err := c.audits.Put(ctx, audit.Event{
		MediaID:     d.MediaID,
		Timestamp:   now,
		EventType:   audit.EventAIFeedback,
		EventSource: "review-completion",
		Payload:     payload,
		ExpiresAt:   &expires,
	}); err != nil {
		c.logger.Warn("appending ai feedback event", "decisionId", d.DecisionID, "error", err)
	}
}
