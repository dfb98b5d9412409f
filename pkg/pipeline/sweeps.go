package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/review"
)

// custodyRetention is how long chain events outlive their media. Regulatory
// evidence horizons drive the seven years; do not tune it per deployment.
const custodyRetention = 7 * 365 * 24 * time.Hour

// Scheduler detail types. Any cron driver may also call the sweep methods
// directly; the message form exists for bus-driven schedulers.
const (
	DetailTimeoutCheck      = "timeout-check"
	DetailReassignmentCheck = "reassignment-check"
	DetailEscalationCheck   = "escalation-check"
	DetailCleanup           = "cleanup"
)

// SchedulerMessage is one scheduler tick.
type SchedulerMessage struct {
	DetailType string `json:"detailType"`
}

// CleanupReport summarizes one retention pass.
type CleanupReport struct {
	AuditEventsRemoved   int64 `json:"auditEventsRemoved"`
	DecisionsRemoved     int   `json:"decisionsRemoved"`
	CustodyEventsRemoved int64 `json:"custodyEventsRemoved"`
	ThreatReportsRemoved int   `json:"threatReportsRemoved"`
}

// HandleSchedule routes one scheduler tick to its sweep.
func (p *Pipeline) HandleSchedule(ctx context.Context, msg SchedulerMessage) (Result, error) {
	switch msg.DetailType {
	case DetailTimeoutCheck:
		report, err := p.TimeoutSweep(ctx)
		return p.sweepResult(report, err)
	case DetailReassignmentCheck:
		report, err := p.ReassignmentSweep(ctx)
		return p.sweepResult(report, err)
	case DetailEscalationCheck:
		report, err := p.EscalationSweep(ctx)
		return p.sweepResult(report, err)
	case DetailCleanup:
		report, err := p.CleanupSweep(ctx)
		return p.sweepResult(report, err)
	default:
		return p.problem(fault.New(fault.CodeInputInvalid, "no sweep for detail type %q", msg.DetailType))
	}
}

func (p *Pipeline) sweepResult(report any, err error) (Result, error) {
	if err != nil {
		return p.problem(err)
	}
	body, merr := json.Marshal(report)
	if merr != nil {
		return p.problem(fault.Wrap(fault.CodeStoreError, merr, "encoding sweep report"))
	}
	return Result{StatusCode: 200, Body: string(body)}, nil
}

// TimeoutSweep expires overdue reviews. Idempotent: a second pass finds
// nothing left to expire.
func (p *Pipeline) TimeoutSweep(ctx context.Context) (review.SweepReport, error) {
	if p.deps.Reviews == nil {
		return review.SweepReport{}, fault.New(fault.CodeInputInvalid, "no review manager configured")
	}
	report, err := p.deps.Reviews.SweepTimeouts(ctx)
	if err != nil {
		return report, err
	}
	p.logger.Info("timeout sweep complete", "checked", report.Checked, "expired", report.Expired)
	return report, nil
}

// ReassignmentSweep hands expired reviews to the next moderator.
func (p *Pipeline) ReassignmentSweep(ctx context.Context) (review.SweepReport, error) {
	if p.deps.Reviews == nil {
		return review.SweepReport{}, fault.New(fault.CodeInputInvalid, "no review manager configured")
	}
	report, err := p.deps.Reviews.SweepReassignments(ctx)
	if err != nil {
		return report, err
	}
	p.logger.Info("reassignment sweep complete", "checked", report.Checked, "reassigned", report.Reassigned)
	return report, nil
}

// EscalationSweep drains the escalated queue back into assignment.
func (p *Pipeline) EscalationSweep(ctx context.Context) (review.SweepReport, error) {
	if p.deps.Reviews == nil {
		return review.SweepReport{}, fault.New(fault.CodeInputInvalid, "no review manager configured")
	}
	report, err := p.deps.Reviews.SweepEscalations(ctx)
	if err != nil {
		return report, err
	}
	p.logger.Info("escalation sweep complete", "checked", report.Checked, "assigned", report.Assigned)
	return report, nil
}

// CleanupSweep enforces the retention horizons: TTL-stamped audit events
// (one-year ai_feedback among them), two-year decisions, seven-year custody
// chains, two-year threat reports. Stores that are not wired are skipped.
// The sweep keeps going past per-store failures so one bad backend cannot
// stall the others; the first error is reported after everything ran.
func (p *Pipeline) CleanupSweep(ctx context.Context) (CleanupReport, error) {
	now := p.clock().UTC()
	var report CleanupReport
	var firstErr error

	audits, err := p.deps.Audits.DeleteExpired(ctx, now)
	if err != nil {
		firstErr = err
		p.logger.Error("audit cleanup failed", "error", err)
	}
	report.AuditEventsRemoved = audits

	if p.deps.Decisions != nil {
		decisions, err := p.deps.Decisions.DeleteExpired(ctx, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.logger.Error("decision cleanup failed", "error", err)
		}
		report.DecisionsRemoved = decisions
	}

	if p.deps.CustodyTTL != nil {
		events, err := p.deps.CustodyTTL.DeleteOlderThan(ctx, now.Add(-custodyRetention))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.logger.Error("custody cleanup failed", "error", err)
		}
		report.CustodyEventsRemoved = events
	}

	if p.deps.ThreatTTL != nil {
		reports, err := p.deps.ThreatTTL.DeleteExpiredReports(ctx, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.logger.Error("threat report cleanup failed", "error", err)
		}
		report.ThreatReportsRemoved = reports
	}

	p.logger.Info("cleanup sweep complete",
		"auditEvents", report.AuditEventsRemoved,
		"decisions", report.DecisionsRemoved,
		"custodyEvents", report.CustodyEventsRemoved,
		"threatReports", report.ThreatReportsRemoved,
	)
	return report, firstErr
}
