package discrepancy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/custody"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/mediameta"
	"github.com/hlekkr/hlekkr/pkg/sourceverify"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

// eventSource identifies the detector in the audit events it writes.
const eventSource = "discrepancy-detector"

// ChainReader is the custody view the detector needs; *custody.Recorder
// satisfies it.
type ChainReader interface {
	Chain(ctx context.Context, mediaID string) ([]custody.Event, error)
	VerifyChain(ctx context.Context, mediaID string) (custody.ChainVerification, error)
}

// Alerter receives critical findings. Implementations publish to the
// notification bus; failures are logged, never fatal to the scan.
type Alerter interface {
	Alert(ctx context.Context, d Discrepancy) error
}

// Detector replays what the pipeline recorded about a media item and emits
// typed discrepancies. All findings are persisted as audit events; critical
// ones can alert and quarantine.
type Detector struct {
	audit      audit.Store
	chain      ChainReader
	scores     trustscore.Store
	policy     *QuarantinePolicy
	quarantine *Quarantiner
	alerter    Alerter
	logger     *slog.Logger
	clock      func() time.Time
	newID      func() string
}

// NewDetector wires a detector over the pipeline's stores. A nil logger
// falls back to the default.
func NewDetector(auditStore audit.Store, chain ChainReader, scores trustscore.Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		audit:  auditStore,
		chain:  chain,
		scores: scores,
		logger: logger.With("component", "discrepancy"),
		clock:  time.Now,
		newID:  uuid.NewString,
	}
}

// WithQuarantine enables automatic quarantine. A nil policy quarantines on
// critical findings only; a policy decides per finding and falls back to the
// critical rule when evaluation fails.
func (d *Detector) WithQuarantine(q *Quarantiner, policy *QuarantinePolicy) *Detector {
	d.quarantine = q
	d.policy = policy
	return d
}

// WithAlerter routes critical findings to an alert sink.
func (d *Detector) WithAlerter(a Alerter) *Detector {
	d.alerter = a
	return d
}

// WithClock overrides the clock for deterministic tests.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// target is everything the checks see for one media item.
type target struct {
	mediaID       string
	chain         []custody.Event
	chainStatus   *custody.ChainVerification
	events        []audit.Event
	source        *sourceverify.Verification
	meta          *mediameta.Metadata
	score         *trustscore.TrustScoreVersion
	upload        *uploadInfo
	uploadedAt    time.Time
	domainUploads int
}

// uploadInfo is the slice of the upload audit payload the checks need.
type uploadInfo struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	ContentType  string `json:"contentType"`
	SourceDomain string `json:"sourceDomain"`
}

// Scan evaluates every check against one media item, persists the findings
// as audit events, and reacts to critical ones.
func (d *Detector) Scan(ctx context.Context, mediaID string) (Report, error) {
	if mediaID == "" {
		return Report{}, fault.New(fault.CodeInputInvalid, "scan needs a media id")
	}

	t, err := d.gather(ctx, mediaID)
	if err != nil {
		return Report{}, err
	}

	findings := d.evaluate(t)
	now := d.clock().UTC()
	for i := range findings {
		findings[i].ID = d.newID()
		findings[i].MediaID = mediaID
		findings[i].DetectedAt = now
	}

	report := Report{
		MediaID:         mediaID,
		Findings:        findings,
		HighestSeverity: highestSeverity(findings),
		ScannedAt:       now,
	}

	if err := d.persist(ctx, findings); err != nil {
		return Report{}, err
	}
	d.react(ctx, t, findings, &report)

	d.logger.Info("scan complete",
		"mediaId", mediaID,
		"findings", len(findings),
		"highestSeverity", string(report.HighestSeverity),
		"quarantined", report.Quarantined)
	return report, nil
}

// ScanWindow scans every media item that produced audit events within the
// window, oldest first.
func (d *Detector) ScanWindow(ctx context.Context, from, to time.Time) ([]Report, error) {
	if !to.After(from) {
		return nil, fault.New(fault.CodeInputInvalid, "scan window must end after it starts")
	}

	events, err := d.audit.Query(ctx, audit.Filter{Start: &from, End: &to})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var order []string
	for _, e := range events {
		if e.MediaID == "" || seen[e.MediaID] {
			continue
		}
		seen[e.MediaID] = true
		order = append(order, e.MediaID)
	}

	reports := make([]Report, 0, len(order))
	for _, id := range order {
		r, err := d.Scan(ctx, id)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (d *Detector) gather(ctx context.Context, mediaID string) (*target, error) {
	t := &target{mediaID: mediaID}

	if d.chain != nil {
		chain, err := d.chain.Chain(ctx, mediaID)
		if err != nil {
			return nil, err
		}
		t.chain = chain
		if len(chain) > 0 {
			status, err := d.chain.VerifyChain(ctx, mediaID)
			if err != nil {
				return nil, err
			}
			t.chainStatus = &status
		}
	}

	events, err := d.audit.ListByMedia(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	t.events = events

	// Oldest first; later records win so the checks see the latest view.
	for i := range events {
		e := events[i]
		switch e.EventType {
		case audit.EventSourceVerification:
			var sv sourceverify.Verification
			if e.DecodePayload(&sv) == nil && sv.Status != "" {
				t.source = &sv
			}
		case audit.EventMetadataExtraction:
			var md mediameta.Metadata
			if e.DecodePayload(&md) == nil && md.MediaType != "" {
				t.meta = &md
			}
		case audit.EventMediaUpload:
			var up uploadInfo
			if e.DecodePayload(&up) == nil {
				t.upload = &up
				t.uploadedAt = e.Timestamp
			}
		}
	}

	if d.scores != nil {
		latest, err := d.scores.Latest(ctx, mediaID)
		if err != nil {
			return nil, err
		}
		t.score = latest
	}

	if t.upload != nil && t.upload.SourceDomain != "" {
		start := t.uploadedAt.Add(-time.Hour)
		uploads, err := d.audit.Query(ctx, audit.Filter{
			EventType: audit.EventMediaUpload,
			Start:     &start,
			End:       &t.uploadedAt,
		})
		if err != nil {
			return nil, err
		}
		t.domainUploads = countDomainUploads(uploads, t.upload.SourceDomain)
	}
	return t, nil
}

// evaluate runs the checks in a fixed order. It is a pure function of the
// gathered inputs: the same records always produce the same finding types.
func (d *Detector) evaluate(t *target) []Discrepancy {
	var out []Discrepancy
	out = append(out, checkSourceInconsistency(t)...)
	out = append(out, checkMetadataMismatch(t)...)
	out = append(out, checkChainIntegrity(t)...)
	out = append(out, checkContentHashes(t)...)
	out = append(out, checkTemporalOrder(t)...)
	out = append(out, checkTrustAnomaly(t)...)
	out = append(out, checkProcessingAnomaly(t)...)
	out = append(out, checkSuspiciousPattern(t)...)
	return out
}

func (d *Detector) persist(ctx context.Context, findings []Discrepancy) error {
	for _, f := range findings {
		payload, err := json.Marshal(f)
		if err != nil {
			return fault.Wrap(fault.CodeStoreError, err, "encoding finding")
		}
		if _, err := d.audit.Put(ctx, audit.Event{
			MediaID:     f.MediaID,
			Timestamp:   f.DetectedAt,
			EventType:   audit.EventDiscrepancyDetected,
			EventSource: eventSource,
			Payload:     payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Detector) react(ctx context.Context, t *target, findings []Discrepancy, report *Report) {
	for _, f := range findings {
		if f.Severity != SeverityCritical || d.alerter == nil {
			continue
		}
		if err := d.alerter.Alert(ctx, f); err != nil {
			d.logger.Warn("alert dispatch failed",
				"mediaId", f.MediaID, "type", string(f.Type), "error", err)
		}
	}

	if d.quarantine == nil {
		return
	}
	for _, f := range findings {
		if !d.shouldQuarantine(f) {
			continue
		}
		if t.upload == nil || t.upload.Bucket == "" || t.upload.Key == "" {
			d.logger.Warn("quarantine requested but upload location unknown",
				"mediaId", f.MediaID, "type", string(f.Type))
			return
		}
		key, err := d.quarantine.Quarantine(ctx, t.upload.Bucket, t.upload.Key)
		if err != nil {
			d.logger.Error("quarantine copy failed",
				"mediaId", f.MediaID, "bucket", t.upload.Bucket, "key", t.upload.Key, "error", err)
			return
		}
		report.Quarantined = true
		report.QuarantineKey = key
		d.logger.Info("media quarantined",
			"mediaId", f.MediaID, "type", string(f.Type), "quarantineKey", key)
		return
	}
}

func (d *Detector) shouldQuarantine(f Discrepancy) bool {
	if d.policy == nil {
		return f.Severity == SeverityCritical
	}
	ok, err := d.policy.ShouldQuarantine(f)
	if err != nil {
		// Fail closed: an unevaluable policy still pulls critical findings.
		d.logger.Warn("quarantine policy evaluation failed",
			"mediaId", f.MediaID, "type", string(f.Type), "error", err)
		return f.Severity == SeverityCritical
	}
	return ok
}

func countDomainUploads(events []audit.Event, domain string) int {
	n := 0
	for _, e := range events {
		var up uploadInfo
		if e.DecodePayload(&up) != nil {
			continue
		}
		if strings.EqualFold(up.SourceDomain, domain) {
			n++
		}
	}
	return n
}
