package threatintel

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/mediastore"
	"github.com/hlekkr/hlekkr/pkg/review"
)

// eventSource identifies the processor in the audit events it writes.
const eventSource = "threat-intel"

// Reporting thresholds and retention. A confirm with high moderator
// confidence reports on its own; weaker decisions need a coordination
// pattern or a first-seen technique to justify a report.
const (
	defaultPatternWindow = 24 * time.Hour
	reportRetention      = 2 * 365 * 24 * time.Hour

	confirmReportBar   = 0.8
	reportPatternBar   = 0.7
	campaignPatternBar = 0.8
	highSeverityBar    = 0.9
)

// Report archive defaults.
const (
	defaultReportsBucket = "hlekkr-threat-reports"
	reportKeyPrefix      = "reports/"
)

// Alerter receives high and critical reports. Implementations publish to
// the notification bus; failures are logged, never fatal.
type Alerter interface {
	Alert(ctx context.Context, r Report) error
}

// Processor turns completed review decisions into threat intelligence. It
// implements review.ThreatDispatcher: the completer hands it confirm and
// suspicious decisions, it extracts and deduplicates indicators, scores
// coordination patterns over the recent decision window, and files a
// threat report when the evidence clears the bar.
type Processor struct {
	indicators IndicatorStore
	reports    ReportStore
	decisions  review.DecisionStore
	audits     audit.Store
	objects    mediastore.Store
	alerter    Alerter
	bucket     string
	window     time.Duration
	logger     *slog.Logger
	clock      func() time.Time
	newID      func() string
}

// NewProcessor wires a processor over the intel stores. A nil logger falls
// back to the default.
func NewProcessor(indicators IndicatorStore, reports ReportStore, decisions review.DecisionStore, audits audit.Store, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		indicators: indicators,
		reports:    reports,
		decisions:  decisions,
		audits:     audits,
		window:     defaultPatternWindow,
		logger:     logger.With("component", "threatintel"),
		clock:      time.Now,
		newID:      uuid.NewString,
	}
}

// WithObjectStore archives the full report JSON under reports/ in bucket.
// An empty bucket uses the default.
func (p *Processor) WithObjectStore(store mediastore.Store, bucket string) *Processor {
	if bucket == "" {
		bucket = defaultReportsBucket
	}
	p.objects = store
	p.bucket = bucket
	return p
}

// WithAlerter routes high and critical reports to an alert sink.
func (p *Processor) WithAlerter(a Alerter) *Processor {
	p.alerter = a
	return p
}

// WithWindow overrides the pattern-analysis window.
func (p *Processor) WithWindow(window time.Duration) *Processor {
	if window > 0 {
		p.window = window
	}
	return p
}

// WithClock overrides the clock for deterministic tests.
func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

// WithIDGenerator overrides report id generation for deterministic tests.
func (p *Processor) WithIDGenerator(newID func() string) *Processor {
	p.newID = newID
	return p
}

// ProcessDecision ingests one completed decision. Decisions yielding no
// indicators are no-ops. Indicator upserts and the report summary row must
// land; the audit trace, the JSON archive, and alerts are best effort.
func (p *Processor) ProcessDecision(ctx context.Context, d review.Decision) error {
	now := p.clock().UTC()

	extracted, err := ExtractIndicators(d, now)
	if err != nil {
		return err
	}
	if len(extracted) == 0 {
		return nil
	}

	stored := make([]Indicator, 0, len(extracted))
	novelTechnique := false
	for _, ind := range extracted {
		merged, err := fault.Retry(ctx, func() (Indicator, error) {
			return p.indicators.UpsertIndicator(ctx, ind)
		})
		if err != nil {
			return fault.Wrap(fault.CodeStoreError, err, "upserting indicator")
		}
		if merged.Type == IndicatorTechnique && merged.OccurrenceCount == 1 {
			novelTechnique = true
		}
		stored = append(stored, merged)
	}
	p.recordIndicators(ctx, d, stored, now)

	window, err := p.decisions.RecentByWindow(ctx, now.Add(-p.window),
		[]review.DecisionType{review.DecisionConfirm, review.DecisionEscalate})
	if err != nil {
		p.logger.Warn("reading decision window", "decisionId", d.DecisionID, "error", err)
		window = nil
	}
	pattern := AnalyzePatterns(d, window, p.window)

	if !shouldReport(d, pattern, novelTechnique) {
		p.logger.Debug("decision below reporting bar",
			"decisionId", d.DecisionID, "indicators", len(stored), "patternScore", pattern.Score)
		return nil
	}

	report := p.buildReport(d, stored, pattern, now)
	if err := fault.RetryVoid(ctx, func() error {
		return p.reports.PutReport(ctx, report)
	}); err != nil {
		p.logger.Error("persisting threat report",
			"reportId", report.ReportID, "decisionId", d.DecisionID, "error", err)
		return fault.Wrap(fault.CodeStoreError, err, "persisting threat report")
	}

	p.archive(ctx, report)
	p.alert(ctx, report)
	p.logger.Info("threat report filed",
		"reportId", report.ReportID, "threatType", string(report.ThreatType),
		"severity", string(report.Severity), "indicators", len(report.Indicators),
		"patternScore", pattern.Score)
	return nil
}

// shouldReport gates report creation: a high-confidence confirm, a strong
// coordination pattern, or a never-before-seen technique.
func shouldReport(d review.Decision, pattern PatternAnalysis, novelTechnique bool) bool {
	if d.DecisionType == review.DecisionConfirm && d.ConfidenceLevel.Value() >= confirmReportBar {
		return true
	}
	if pattern.Score >= reportPatternBar {
		return true
	}
	return novelTechnique
}

func (p *Processor) buildReport(d review.Decision, stored []Indicator, pattern PatternAnalysis, now time.Time) Report {
	campaign := pattern.Score >= campaignPatternBar

	threatType := ThreatDeepfakeConfirmed
	severity := SeverityMedium
	if d.ConfidenceLevel.Value() >= highSeverityBar {
		severity = SeverityHigh
	}
	if campaign {
		threatType = ThreatCoordinatedCampaign
		severity = SeverityCritical
	}

	expires := now.Add(reportRetention)
	return Report{
		ReportID:                  p.newID(),
		ThreatType:                threatType,
		Severity:                  severity,
		Status:                    ReportActive,
		Indicators:                stored,
		AffectedMediaCount:        distinctMediaCount(stored),
		ConfirmedByHumans:         pattern.ConfirmedCount,
		AIConfidence:              d.AIConfidence,
		PatternScore:              pattern.Score,
		MitigationRecommendations: Mitigations(stored, campaign),
		Tags:                      d.Tags,
		TriggerDecisionID:         d.DecisionID,
		CreatedAt:                 now,
		ExpiresAt:                 &expires,
	}
}

// recordIndicators leaves a trace of the extraction on the media's audit
// timeline. The indicator store is the system of record; a failed trace is
// logged, not fatal.
func (p *Processor) recordIndicators(ctx context.Context, d review.Decision, stored []Indicator, now time.Time) {
	payload, err := json.Marshal(struct {
		DecisionID string      `json:"decisionId"`
		Indicators []Indicator `json:"indicators"`
	}{d.DecisionID, stored})
	if err != nil {
		p.logger.Warn("encoding indicator trace", "decisionId", d.DecisionID, "error", err)
		return
	}
	expires := now.Add(reportRetention)
	if _, err := p.audits.Put(ctx, audit.Event{
		MediaID:     d.MediaID,
		Timestamp:   now,
		EventType:   audit.EventThreatIndicator,
		EventSource: eventSource,
		Payload:     payload,
		ExpiresAt:   &expires,
	}); err != nil {
		p.logger.Warn("appending indicator event", "decisionId", d.DecisionID, "error", err)
	}
}

func (p *Processor) archive(ctx context.Context, r Report) {
	if p.objects == nil {
		return
	}
	body, err := json.Marshal(r)
	if err != nil {
		p.logger.Warn("encoding report archive", "reportId", r.ReportID, "error", err)
		return
	}
	if _, err := p.objects.Put(ctx, mediastore.PutInput{
		Bucket:      p.bucket,
		Key:         reportKeyPrefix + r.ReportID + ".json",
		Body:        body,
		ContentType: "application/json",
	}); err != nil {
		p.logger.Warn("archiving report", "reportId", r.ReportID, "error", err)
	}
}

func (p *Processor) alert(ctx context.Context, r Report) {
	if p.alerter == nil {
		return
	}
	if r.Severity != SeverityHigh && r.Severity != SeverityCritical {
		return
	}
	if err := p.alerter.Alert(ctx, r); err != nil {
		p.logger.Warn("alert dispatch failed",
			"reportId", r.ReportID, "severity", string(r.Severity), "error", err)
	}
}

func distinctMediaCount(indicators []Indicator) int {
	seen := map[string]bool{}
	for _, ind := range indicators {
		for _, id := range ind.AssociatedMediaIDs {
			seen[id] = true
		}
	}
	return len(seen)
}
