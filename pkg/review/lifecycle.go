package review

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// sweepBatch caps how many items one sweep pass pulls from the store.
const sweepBatch = 100

// reassignmentFailureCap is the consecutive failure count that escalates an
// expired review instead of retrying assignment.
const reassignmentFailureCap = 2

// Manager drives the review state machine. All transitions go through the
// store's compare-and-swap, so concurrent workers running the same sweep
// skip items another worker already moved.
type Manager struct {
	reviews    Store
	moderators ModeratorStore
	logger     *slog.Logger
	clock      func() time.Time
	newID      func() string
}

// NewManager wires a lifecycle manager over the review and moderator stores.
func NewManager(reviews Store, moderators ModeratorStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		reviews:    reviews,
		moderators: moderators,
		logger:     logger.With("component", "review"),
		clock:      time.Now,
		newID:      uuid.NewString,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithIDGenerator overrides review id generation.
func (m *Manager) WithIDGenerator(newID func() string) *Manager {
	m.newID = newID
	return m
}

// CreateInput describes a new review request.
type CreateInput struct {
	MediaID      string
	Priority     Priority
	Reason       string
	AIScore      float64
	AIConfidence float64
}

// Create queues a pending review. Priority defaults to normal.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*ReviewItem, error) {
	if in.MediaID == "" {
		return nil, fault.New(fault.CodeInputInvalid, "review needs a media id")
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if in.Priority.Rank() == 0 {
		return nil, fault.New(fault.CodeInputInvalid, "unknown priority %q", in.Priority)
	}

	now := m.clock().UTC()
	item := ReviewItem{
		ReviewID:     m.newID(),
		MediaID:      in.MediaID,
		Priority:     in.Priority,
		Status:       StatusPending,
		Reason:       in.Reason,
		AIScore:      in.AIScore,
		AIConfidence: in.AIConfidence,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.reviews.Put(ctx, item); err != nil {
		return nil, err
	}
	m.logger.Info("review created",
		"reviewId", item.ReviewID,
		"mediaId", item.MediaID,
		"priority", item.Priority)
	return &item, nil
}

// Assign picks the least-loaded capable moderator and moves a pending or
// escalated review to assigned. No available moderator is a CONFLICT so
// callers can retry when capacity frees up.
func (m *Manager) Assign(ctx context.Context, reviewID string) (*ReviewItem, error) {
	item, err := m.reviews.Get(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusPending && item.Status != StatusEscalated {
		return nil, fault.New(fault.CodeConflict, "review %s is %s and cannot be assigned", reviewID, item.Status)
	}
	return m.assignTo(ctx, *item, "", 0)
}

// assignTo reserves a moderator slot and CASes the review to assigned.
// excludeID and minRank constrain reassignment after expiry: the new
// moderator must differ from the previous one and match or exceed its
// capability.
func (m *Manager) assignTo(ctx context.Context, item ReviewItem, excludeID string, minRank int) (*ReviewItem, error) {
	candidates, err := m.moderators.ListAvailable(ctx, item.Priority)
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	for _, cand := range candidates {
		if cand.ModeratorID == excludeID || cand.Role.Rank() < minRank {
			continue
		}
		if err := m.moderators.ReserveSlot(ctx, cand.ModeratorID); err != nil {
			if fault.Is(err, fault.CodeConflict) {
				continue
			}
			return nil, err
		}

		timeout := now.Add(item.Priority.Deadline())
		upd := item
		upd.Status = StatusAssigned
		upd.AssignedModerator = cand.ModeratorID
		upd.AssignedAt = &now
		upd.TimeoutAt = &timeout
		upd.StartedAt = nil
		upd.FailedReassignments = 0
		upd.UpdatedAt = now
		if err := m.reviews.CompareAndSwap(ctx, upd, item.Status); err != nil {
			if relErr := m.moderators.ReleaseSlot(ctx, cand.ModeratorID); relErr != nil {
				m.logger.Warn("releasing slot after lost assignment race",
					"moderatorId", cand.ModeratorID, "error", relErr)
			}
			return nil, err
		}
		m.logger.Info("review assigned",
			"reviewId", upd.ReviewID,
			"moderatorId", cand.ModeratorID,
			"priority", upd.Priority,
			"timeoutAt", timeout)
		return &upd, nil
	}
	return nil, fault.New(fault.CodeConflict, "no available moderator can take review %s at priority %s", item.ReviewID, item.Priority)
}

// Start moves an assigned review to in_progress. Only the assignee may
// start it; the deadline does not reset.
func (m *Manager) Start(ctx context.Context, reviewID, moderatorID string) (*ReviewItem, error) {
	item, err := m.reviews.Get(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if item.AssignedModerator != moderatorID {
		return nil, fault.New(fault.CodeInputInvalid, "review %s is assigned to %s", reviewID, item.AssignedModerator)
	}
	if !CanTransition(item.Status, StatusInProgress) {
		return nil, fault.New(fault.CodeConflict, "review %s is %s and cannot start", reviewID, item.Status)
	}

	now := m.clock().UTC()
	upd := *item
	upd.Status = StatusInProgress
	upd.StartedAt = &now
	upd.UpdatedAt = now
	if err := m.reviews.CompareAndSwap(ctx, upd, item.Status); err != nil {
		return nil, err
	}
	return &upd, nil
}

// Cancel withdraws a review and releases the assignee's slot.
func (m *Manager) Cancel(ctx context.Context, reviewID, reason string) (*ReviewItem, error) {
	item, err := m.reviews.Get(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(item.Status, StatusCancelled) {
		return nil, fault.New(fault.CodeConflict, "review %s is %s and cannot be cancelled", reviewID, item.Status)
	}

	now := m.clock().UTC()
	upd := *item
	upd.Status = StatusCancelled
	upd.CancellationReason = reason
	upd.UpdatedAt = now
	if err := m.reviews.CompareAndSwap(ctx, upd, item.Status); err != nil {
		return nil, err
	}
	m.releaseAssignee(ctx, *item)
	m.logger.Info("review cancelled", "reviewId", reviewID, "reason", reason)
	return &upd, nil
}

// Escalate handles a human escalation request: the review leaves the
// assignee's queue and its priority climbs one bucket, capped at critical.
func (m *Manager) Escalate(ctx context.Context, reviewID, reason string) (*ReviewItem, error) {
	item, err := m.reviews.Get(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(item.Status, StatusEscalated) {
		return nil, fault.New(fault.CodeConflict, "review %s is %s and cannot be escalated", reviewID, item.Status)
	}

	upd, err := m.escalate(ctx, *item, reason)
	if err != nil {
		return nil, err
	}
	m.releaseAssignee(ctx, *item)
	return upd, nil
}

// escalate CASes an item to escalated with a bumped priority.
func (m *Manager) escalate(ctx context.Context, item ReviewItem, reason string) (*ReviewItem, error) {
	now := m.clock().UTC()
	upd := item
	upd.Status = StatusEscalated
	upd.Priority = item.Priority.Bump()
	upd.EscalatedAt = &now
	upd.EscalationReason = reason
	upd.UpdatedAt = now
	if err := m.reviews.CompareAndSwap(ctx, upd, item.Status); err != nil {
		return nil, err
	}
	m.logger.Info("review escalated",
		"reviewId", upd.ReviewID,
		"priority", upd.Priority,
		"reason", reason)
	return &upd, nil
}

// releaseAssignee returns the assignee's slot when the item held one.
func (m *Manager) releaseAssignee(ctx context.Context, item ReviewItem) {
	if item.AssignedModerator == "" {
		return
	}
	if item.Status != StatusAssigned && item.Status != StatusInProgress {
		return
	}
	if err := m.moderators.ReleaseSlot(ctx, item.AssignedModerator); err != nil {
		m.logger.Warn("releasing moderator slot",
			"moderatorId", item.AssignedModerator, "error", err)
	}
}

// SweepReport summarizes one scheduler pass.
type SweepReport struct {
	Checked    int
	Expired    int
	Reassigned int
	Escalated  int
	Assigned   int
}

// SweepTimeouts expires overdue assigned and in-progress reviews, returns
// the assignees' slots, and immediately attempts reassignment of critical
// and high items.
func (m *Manager) SweepTimeouts(ctx context.Context) (SweepReport, error) {
	now := m.clock().UTC()
	overdue, err := m.reviews.ListOverdue(ctx, now, sweepBatch)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	report.Checked = len(overdue)
	for _, item := range overdue {
		upd := item
		upd.Status = StatusExpired
		upd.UpdatedAt = now
		if err := m.reviews.CompareAndSwap(ctx, upd, item.Status); err != nil {
			if fault.Is(err, fault.CodeConflict) {
				continue
			}
			return report, err
		}
		m.releaseAssignee(ctx, item)
		report.Expired++
		m.logger.Info("review expired",
			"reviewId", item.ReviewID,
			"priority", item.Priority,
			"moderatorId", item.AssignedModerator)

		if upd.Priority == PriorityCritical || upd.Priority == PriorityHigh {
			m.reassign(ctx, upd, &report)
		}
	}
	return report, nil
}

// SweepReassignments retries assignment of expired critical and high
// reviews that have not yet escalated.
func (m *Manager) SweepReassignments(ctx context.Context) (SweepReport, error) {
	expired, err := m.reviews.ListByStatus(ctx, StatusExpired, sweepBatch)
	if err != nil {
		return SweepReport{}, err
	}
	byPriority(expired)

	var report SweepReport
	for _, item := range expired {
		if item.Priority != PriorityCritical && item.Priority != PriorityHigh {
			continue
		}
		report.Checked++
		m.reassign(ctx, item, &report)
	}
	return report, nil
}

// reassign moves one expired review back to assigned, requiring a different
// moderator of equal-or-higher capability than the one who let it lapse.
// The second consecutive failure escalates instead.
func (m *Manager) reassign(ctx context.Context, item ReviewItem, report *SweepReport) {
	minRank := 0
	if item.AssignedModerator != "" {
		if prev, err := m.moderators.GetModerator(ctx, item.AssignedModerator); err == nil {
			minRank = prev.Role.Rank()
		}
	}

	if _, err := m.assignTo(ctx, item, item.AssignedModerator, minRank); err == nil {
		report.Reassigned++
		return
	} else if !fault.Is(err, fault.CodeConflict) {
		m.logger.Warn("reassigning expired review", "reviewId", item.ReviewID, "error", err)
		return
	}

	now := m.clock().UTC()
	upd := item
	upd.FailedReassignments = item.FailedReassignments + 1
	upd.UpdatedAt = now
	if upd.FailedReassignments >= reassignmentFailureCap {
		if _, err := m.escalate(ctx, upd, "no capable moderator after repeated reassignment"); err == nil {
			report.Escalated++
		}
		return
	}
	if err := m.reviews.CompareAndSwap(ctx, upd, StatusExpired); err != nil {
		m.logger.Warn("recording failed reassignment", "reviewId", item.ReviewID, "error", err)
	}
}

// SweepEscalations assigns escalated reviews as soon as a capable moderator
// has capacity.
func (m *Manager) SweepEscalations(ctx context.Context) (SweepReport, error) {
	escalated, err := m.reviews.ListByStatus(ctx, StatusEscalated, sweepBatch)
	if err != nil {
		return SweepReport{}, err
	}
	byPriority(escalated)

	var report SweepReport
	for _, item := range escalated {
		report.Checked++
		if _, err := m.assignTo(ctx, item, "", 0); err != nil {
			if !fault.Is(err, fault.CodeConflict) {
				return report, err
			}
			continue
		}
		report.Assigned++
	}
	return report, nil
}

// byPriority orders items most urgent first, oldest first within a bucket.
func byPriority(items []ReviewItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority.Rank() != items[j].Priority.Rank() {
			return items[i].Priority.Rank() > items[j].Priority.Rank()
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
