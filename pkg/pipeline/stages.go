package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/custody"
	"github.com/hlekkr/hlekkr/pkg/ensemble"
	"github.com/hlekkr/hlekkr/pkg/events"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/mediameta"
	"github.com/hlekkr/hlekkr/pkg/observability"
	"github.com/hlekkr/hlekkr/pkg/review"
	"github.com/hlekkr/hlekkr/pkg/sourceverify"
	"github.com/hlekkr/hlekkr/pkg/techniques"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

// objectRef locates the media object. The field names are load-bearing: this
// is also the persisted shape of the media_upload payload that the
// discrepancy detector reads back.
type objectRef struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	ContentType  string `json:"contentType,omitempty"`
	SourceDomain string `json:"sourceDomain,omitempty"`
}

// uploadRecord is the full media_upload audit payload.
type uploadRecord struct {
	objectRef
	Size      int64                     `json:"size,omitempty"`
	SourceURL string                    `json:"sourceUrl,omitempty"`
	Claim     *sourceverify.SourceClaim `json:"claim,omitempty"`
}

// analysisRequest is the optional deepfake_analysis message payload.
type analysisRequest struct {
	objectRef
	Size       int64   `json:"size,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	Complexity float64 `json:"complexity,omitempty"`
}

// analysisRecord is the persisted deepfake_analysis payload.
type analysisRecord struct {
	Result         ensemble.DetectionResult   `json:"result"`
	Classification *techniques.Classification `json:"classification,omitempty"`
}

// scoreRecord is the persisted trust_score_calculation payload, including the
// routing outcome so re-reads can see what the score triggered.
type scoreRecord struct {
	Version     trustscore.TrustScoreVersion `json:"version"`
	Priority    string                       `json:"priority,omitempty"`
	ReviewID    string                       `json:"reviewId,omitempty"`
	Quarantined bool                         `json:"quarantined,omitempty"`
}

// failurePayload is the synthetic failure event body. The marker fields match
// what the discrepancy detector counts as failed steps.
type failurePayload struct {
	Failed           bool   `json:"failed"`
	ExtractionFailed bool   `json:"extractionFailed,omitempty"`
	AnalysisFailed   bool   `json:"analysisFailed,omitempty"`
	Error            string `json:"error"`
	Stage            string `json:"stage"`
	DeadlineExceeded bool   `json:"deadlineExceeded,omitempty"`
}

// scan statuses.
const (
	scanClean      = "clean"
	scanSuspicious = "suspicious"
	scanInfected   = "infected"
)

// scanReport is the persisted security_scan payload.
type scanReport struct {
	Status        string   `json:"status"`
	Findings      []string `json:"findings,omitempty"`
	SizeBytes     int64    `json:"sizeBytes"`
	ContentType   string   `json:"contentType,omitempty"`
	ETag          string   `json:"etag,omitempty"`
	Quarantined   bool     `json:"quarantined,omitempty"`
	QuarantineKey string   `json:"quarantineKey,omitempty"`
}

// executableSignatures are magic prefixes that mark an object as executable
// rather than media. Mach-O appears in both byte orders.
var executableSignatures = []struct {
	name  string
	magic []byte
}{
	{"pe", []byte{0x4D, 0x5A}},
	{"elf", []byte{0x7F, 'E', 'L', 'F'}},
	{"macho", []byte{0xFE, 0xED, 0xFA, 0xCE}},
	{"macho64", []byte{0xFE, 0xED, 0xFA, 0xCF}},
	{"macho-le", []byte{0xCE, 0xFA, 0xED, 0xFE}},
	{"macho64-le", []byte{0xCF, 0xFA, 0xED, 0xFE}},
	{"script", []byte{'#', '!'}},
}

// actorFor names the custody actor per stage.
func actorFor(stage custody.Stage) string {
	switch stage {
	case custody.StageUpload:
		return "ingest"
	case custody.StageSecurityScan:
		return "security-scanner"
	case custody.StageMetadataExtraction:
		return "metadata-extractor"
	case custody.StageSourceVerification:
		return "source-verifier"
	case custody.StageDeepfakeAnalysis:
		return "ensemble-coordinator"
	case custody.StageTrustScore:
		return "trust-engine"
	case custody.StageDiscrepancyCheck:
		return "discrepancy-detector"
	case custody.StageQuarantine:
		return "quarantine"
	default:
		return "pipeline-worker"
	}
}

// scanStage probes the object head and first bytes for content that should
// never enter the analysis path: executables, scripts, and objects whose
// bytes contradict their declared type. Infected objects are quarantined.
func (p *Pipeline) scanStage(ctx context.Context, msg Message) (Result, error) {
	ctx, finish := p.track(ctx, observability.OpSecurityScan,
		observability.StageOperation(msg.MediaID, string(custody.StageSecurityScan))...)
	var err error
	defer func() { finish(err) }()

	ref, err := p.resolveObject(ctx, msg.MediaID, msg.Payload)
	if err != nil {
		return p.problem(err)
	}

	workCtx, cancel := context.WithTimeout(ctx, scanBudget)
	report, scanErr := p.runScan(workCtx, ref)
	cancel()
	if scanErr != nil {
		err = scanErr
		p.recordStageFailure(ctx, msg.MediaID, custody.StageSecurityScan, audit.EventSecurityScan, scanErr)
		return p.problem(err)
	}

	if _, perr := p.putEvent(ctx, msg.MediaID, audit.EventSecurityScan, report); perr != nil {
		err = perr
		return p.problem(err)
	}
	eventID, cerr := p.recordCustody(ctx, custody.RecordInput{
		MediaID:        msg.MediaID,
		Stage:          custody.StageSecurityScan,
		Actor:          actorFor(custody.StageSecurityScan),
		Action:         "scanned",
		InputContent:   ref,
		OutputContent:  report,
		Transformation: "content-inspection",
	})
	if cerr != nil {
		err = cerr
		return p.problem(err)
	}

	// Quarantine after the verdict lands so the chain reads detect, then
	// act. The move gets its own custody entry.
	if report.Status == scanInfected {
		p.quarantineObject(ctx, msg.MediaID, ref, "security scan found executable content", &report)
	}

	if report.Status != scanClean {
		p.publish(ctx, events.TopicSecurityAlerts, "security_scan."+report.Status, scanSeverity(report.Status),
			map[string]any{"mediaId": msg.MediaID, "findings": report.Findings, "quarantined": report.Quarantined})
	}
	return p.succeed(msg.MediaID, custody.StageSecurityScan, eventID, report)
}

func scanSeverity(status string) events.Severity {
	if status == scanInfected {
		return events.SeverityCritical
	}
	return events.SeverityMedium
}

// runScan performs the head probe and magic-byte inspection.
func (p *Pipeline) runScan(ctx context.Context, ref objectRef) (scanReport, error) {
	headCtx, cancel := context.WithTimeout(ctx, headTimeout)
	info, err := p.deps.Objects.Head(headCtx, ref.Bucket, ref.Key)
	cancel()
	if err != nil {
		return scanReport{}, err
	}

	report := scanReport{
		Status:      scanClean,
		SizeBytes:   info.Size,
		ContentType: firstNonEmpty(info.ContentType, ref.ContentType),
		ETag:        info.ETag,
	}
	if info.Size == 0 {
		report.Findings = append(report.Findings, "zero_byte_object")
		report.Status = scanSuspicious
		return report, nil
	}

	rangeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	head, err := p.deps.Objects.GetRange(rangeCtx, ref.Bucket, ref.Key, 0, 512)
	cancel()
	if err != nil {
		return scanReport{}, err
	}

	for _, sig := range executableSignatures {
		if bytes.HasPrefix(head, sig.magic) {
			report.Findings = append(report.Findings, "executable_content:"+sig.name)
			report.Status = scanInfected
		}
	}
	if report.Status == scanInfected {
		return report, nil
	}

	sniffed := http.DetectContentType(head)
	if strings.HasPrefix(sniffed, "text/html") {
		report.Findings = append(report.Findings, "html_content")
		report.Status = scanSuspicious
	}
	if mismatched(report.ContentType, sniffed) {
		report.Findings = append(report.Findings, "content_type_mismatch")
		report.Status = scanSuspicious
	}
	return report, nil
}

// mismatched reports whether the declared and sniffed types disagree at the
// top level. Only the media classes are compared: sniffing cannot tell most
// video containers apart, so an octet-stream sniff is never a mismatch.
func mismatched(declared, sniffed string) bool {
	dc := topLevelType(declared)
	sc := topLevelType(sniffed)
	if dc == "" || sc == "" || sc == "application" {
		return false
	}
	isMedia := func(c string) bool { return c == "image" || c == "video" || c == "audio" }
	if !isMedia(dc) {
		return false
	}
	return dc != sc
}

func topLevelType(contentType string) string {
	contentType, _, _ = strings.Cut(contentType, ";")
	top, _, _ := strings.Cut(strings.TrimSpace(contentType), "/")
	return strings.ToLower(top)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// quarantineObject copies the object aside and records the move. Quarantine
// failures are logged, not fatal: the scan verdict still lands in the chain.
func (p *Pipeline) quarantineObject(ctx context.Context, mediaID string, ref objectRef, reason string, report *scanReport) {
	if p.deps.Quarantine == nil {
		p.logger.Warn("no quarantine store configured", "mediaId", mediaID)
		return
	}
	qCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	destKey, err := p.deps.Quarantine.Quarantine(qCtx, ref.Bucket, ref.Key)
	cancel()
	if err != nil {
		p.logger.Error("quarantine copy failed", "mediaId", mediaID, "error", err)
		return
	}
	if report != nil {
		report.Quarantined = true
		report.QuarantineKey = destKey
	}
	if _, err := p.recordCustody(ctx, custody.RecordInput{
		MediaID:       mediaID,
		Stage:         custody.StageQuarantine,
		Actor:         actorFor(custody.StageQuarantine),
		Action:        "quarantined",
		InputContent:  ref,
		OutputContent: map[string]string{"quarantineKey": destKey, "reason": reason},
	}); err != nil {
		p.logger.Error("recording quarantine failed", "mediaId", mediaID, "error", err)
	}
}

// metadataStage extracts technical metadata. Parse failures inside the
// extractor are non-fatal and persisted in-band; only dependency errors
// produce a failure event.
func (p *Pipeline) metadataStage(ctx context.Context, msg Message) (Result, error) {
	ctx, finish := p.track(ctx, observability.OpMetadataExtraction,
		observability.StageOperation(msg.MediaID, string(custody.StageMetadataExtraction))...)
	var err error
	defer func() { finish(err) }()

	ref, err := p.resolveObject(ctx, msg.MediaID, msg.Payload)
	if err != nil {
		return p.problem(err)
	}

	workCtx, cancel := context.WithTimeout(ctx, metadataBudget)
	md, exErr := p.deps.Metadata.Extract(workCtx, ref.Bucket, ref.Key)
	cancel()
	if exErr != nil {
		err = exErr
		p.recordStageFailure(ctx, msg.MediaID, custody.StageMetadataExtraction, audit.EventMetadataExtraction, exErr)
		return p.problem(err)
	}

	if _, perr := p.putEvent(ctx, msg.MediaID, audit.EventMetadataExtraction, md); perr != nil {
		err = perr
		return p.problem(err)
	}
	eventID, cerr := p.recordCustody(ctx, custody.RecordInput{
		MediaID:        msg.MediaID,
		Stage:          custody.StageMetadataExtraction,
		Actor:          actorFor(custody.StageMetadataExtraction),
		Action:         "extracted",
		InputContent:   ref,
		OutputContent:  md,
		Transformation: "metadata-extraction",
	})
	if cerr != nil {
		err = cerr
		return p.problem(err)
	}
	return p.succeed(msg.MediaID, custody.StageMetadataExtraction, eventID, md)
}

// sourceStage verifies the claimed source. The claim comes from the message
// payload, falling back to what the upload recorded.
func (p *Pipeline) sourceStage(ctx context.Context, msg Message) (Result, error) {
	ctx, finish := p.track(ctx, observability.OpSourceVerification,
		observability.StageOperation(msg.MediaID, string(custody.StageSourceVerification))...)
	var err error
	defer func() { finish(err) }()

	claim, err := p.resolveClaim(ctx, msg.MediaID, msg.Payload)
	if err != nil {
		return p.problem(err)
	}

	workCtx, cancel := context.WithTimeout(ctx, sourceBudget)
	verification, vErr := p.deps.Sources.Verify(workCtx, msg.MediaID, claim)
	cancel()
	if vErr != nil {
		err = vErr
		p.recordStageFailure(ctx, msg.MediaID, custody.StageSourceVerification, audit.EventSourceVerification, vErr)
		return p.problem(err)
	}

	if _, perr := p.putEvent(ctx, msg.MediaID, audit.EventSourceVerification, verification); perr != nil {
		err = perr
		return p.problem(err)
	}
	eventID, cerr := p.recordCustody(ctx, custody.RecordInput{
		MediaID:        msg.MediaID,
		Stage:          custody.StageSourceVerification,
		Actor:          actorFor(custody.StageSourceVerification),
		Action:         "verified",
		InputContent:   claim,
		OutputContent:  verification,
		Transformation: "source-verification",
	})
	if cerr != nil {
		err = cerr
		return p.problem(err)
	}
	return p.succeed(msg.MediaID, custody.StageSourceVerification, eventID, verification)
}

// analysisStage runs the model ensemble and, when a classifier is wired,
// turns the merged indicators into a technique classification.
func (p *Pipeline) analysisStage(ctx context.Context, msg Message) (Result, error) {
	ctx, finish := p.track(ctx, observability.OpDeepfakeAnalysis,
		observability.StageOperation(msg.MediaID, string(custody.StageDeepfakeAnalysis))...)
	var err error
	defer func() { finish(err) }()

	input, err := p.resolveAnalysisInput(ctx, msg)
	if err != nil {
		return p.problem(err)
	}

	workCtx, cancel := context.WithTimeout(ctx, analysisBudget)
	result, aErr := p.deps.Ensemble.Analyze(workCtx, input)
	cancel()
	if aErr != nil {
		err = aErr
		p.recordStageFailure(ctx, msg.MediaID, custody.StageDeepfakeAnalysis, audit.EventDeepfakeAnalysis, aErr)
		return p.problem(err)
	}

	record := analysisRecord{Result: result}
	if p.deps.Classifier != nil {
		indicators, confidences := result.Indicators()
		cls := p.deps.Classifier.Classify(indicators, confidences)
		record.Classification = &cls
	}

	if _, perr := p.putEvent(ctx, msg.MediaID, audit.EventDeepfakeAnalysis, record); perr != nil {
		err = perr
		return p.problem(err)
	}
	eventID, cerr := p.recordCustody(ctx, custody.RecordInput{
		MediaID:        msg.MediaID,
		Stage:          custody.StageDeepfakeAnalysis,
		Actor:          actorFor(custody.StageDeepfakeAnalysis),
		Action:         "analyzed",
		InputContent:   objectRef{Bucket: input.Bucket, Key: input.Key, ContentType: input.ContentType},
		OutputContent:  record,
		Transformation: "ensemble-analysis",
	})
	if cerr != nil {
		err = cerr
		return p.problem(err)
	}
	return p.succeed(msg.MediaID, custody.StageDeepfakeAnalysis, eventID, record)
}

// scoringStage assembles every recorded signal into trust score inputs,
// persists a new version, and routes the item per the deployment profile:
// low composites open a human review, the lowest quarantine the object.
func (p *Pipeline) scoringStage(ctx context.Context, msg Message) (Result, error) {
	ctx, finish := p.track(ctx, observability.OpTrustScoring,
		observability.AttrMediaID.String(msg.MediaID))
	var err error
	defer func() { finish(err) }()

	inputs, err := p.collectInputs(ctx, msg.MediaID)
	if err != nil {
		return p.problem(err)
	}

	workCtx, cancel := context.WithTimeout(ctx, scoringBudget)
	version, cErr := p.deps.Scores.Calculate(workCtx, inputs)
	cancel()
	if cErr != nil {
		err = cErr
		p.recordStageFailure(ctx, msg.MediaID, custody.StageTrustScore, audit.EventTrustScore, cErr)
		return p.problem(err)
	}
	if p.deps.Telemetry != nil {
		p.deps.Telemetry.RecordTrustScore(ctx, version.CompositeScore, string(version.ScoreRange))
	}

	record := scoreRecord{Version: version}
	p.route(ctx, msg.MediaID, version, &record)

	if _, perr := p.putEvent(ctx, msg.MediaID, audit.EventTrustScore, record); perr != nil {
		err = perr
		return p.problem(err)
	}
	eventID, cerr := p.recordCustody(ctx, custody.RecordInput{
		MediaID:        msg.MediaID,
		Stage:          custody.StageTrustScore,
		Actor:          actorFor(custody.StageTrustScore),
		Action:         "scored",
		OutputContent:  record,
		Transformation: "trust-score-composition",
	})
	if cerr != nil {
		err = cerr
		return p.problem(err)
	}
	return p.succeed(msg.MediaID, custody.StageTrustScore, eventID, record)
}

// route applies the deployment profile's routing policy to a fresh score.
func (p *Pipeline) route(ctx context.Context, mediaID string, version trustscore.TrustScoreVersion, record *scoreRecord) {
	priority := p.profile.Routing.ReviewPriority(version.CompositeScore)
	record.Priority = priority

	if priority != "" && p.deps.Reviews != nil {
		item, err := p.deps.Reviews.Create(ctx, review.CreateInput{
			MediaID:      mediaID,
			Priority:     review.Priority(priority),
			Reason:       "composite trust score in " + string(version.ScoreRange) + " range",
			AIScore:      version.CompositeScore,
			AIConfidence: confidenceLevel(version.Confidence),
		})
		if err != nil {
			p.logger.Error("opening review failed", "mediaId", mediaID, "error", err)
		} else {
			record.ReviewID = item.ReviewID
			if item.Priority == review.PriorityCritical {
				p.publish(ctx, events.TopicModeratorAlerts, "review.created", events.SeverityCritical,
					map[string]any{"mediaId": mediaID, "reviewId": item.ReviewID, "priority": string(item.Priority)})
			}
		}
	}

	if p.profile.Routing.ShouldQuarantine(version.CompositeScore) {
		ref, err := p.uploadRef(ctx, mediaID)
		if err != nil {
			p.logger.Error("quarantine lookup failed", "mediaId", mediaID, "error", err)
			return
		}
		var report scanReport
		p.quarantineObject(ctx, mediaID, ref, "composite trust score below quarantine threshold", &report)
		record.Quarantined = report.Quarantined
		if report.Quarantined {
			p.publish(ctx, events.TopicSecurityAlerts, "trustscore.quarantined", events.SeverityHigh,
				map[string]any{"mediaId": mediaID, "composite": version.CompositeScore})
		}
	}
}

// discrepancyStage cross-checks everything recorded so far. The detector
// persists its own findings; the stage adds the custody entry.
func (p *Pipeline) discrepancyStage(ctx context.Context, msg Message) (Result, error) {
	ctx, finish := p.track(ctx, observability.OpDiscrepancyDetection,
		observability.StageOperation(msg.MediaID, string(custody.StageDiscrepancyCheck))...)
	var err error
	defer func() { finish(err) }()

	if p.deps.Detector == nil {
		err = fault.New(fault.CodeInputInvalid, "no discrepancy detector configured")
		return p.problem(err)
	}

	workCtx, cancel := context.WithTimeout(ctx, discrepancyBudget)
	report, sErr := p.deps.Detector.Scan(workCtx, msg.MediaID)
	cancel()
	if sErr != nil {
		err = sErr
		p.recordStageFailure(ctx, msg.MediaID, custody.StageDiscrepancyCheck, audit.EventDiscrepancyDetected, sErr)
		return p.problem(err)
	}

	eventID, cerr := p.recordCustody(ctx, custody.RecordInput{
		MediaID:        msg.MediaID,
		Stage:          custody.StageDiscrepancyCheck,
		Actor:          actorFor(custody.StageDiscrepancyCheck),
		Action:         "checked",
		OutputContent:  report,
		Transformation: "discrepancy-detection",
	})
	if cerr != nil {
		err = cerr
		return p.problem(err)
	}
	return p.succeed(msg.MediaID, custody.StageDiscrepancyCheck, eventID, report)
}

// resolveObject prefers the message payload, falling back to the recorded
// upload. A media item with neither cannot be processed.
func (p *Pipeline) resolveObject(ctx context.Context, mediaID string, payload []byte) (objectRef, error) {
	var ref objectRef
	if len(payload) > 0 {
		if err := unmarshalPayload(payload, &ref); err != nil {
			return objectRef{}, err
		}
	}
	if ref.Bucket != "" && ref.Key != "" {
		return ref, nil
	}
	return p.uploadRef(ctx, mediaID)
}

// uploadRef reads the object location from the media_upload event.
func (p *Pipeline) uploadRef(ctx context.Context, mediaID string) (objectRef, error) {
	rec, _, err := p.uploadFacts(ctx, mediaID)
	if err != nil {
		return objectRef{}, err
	}
	return rec.objectRef, nil
}

// uploadFacts returns the decoded media_upload payload and its timestamp.
func (p *Pipeline) uploadFacts(ctx context.Context, mediaID string) (uploadRecord, time.Time, error) {
	evtCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	evt, err := p.deps.Audits.LatestByType(evtCtx, mediaID, audit.EventMediaUpload)
	cancel()
	if err != nil {
		return uploadRecord{}, time.Time{}, err
	}
	if evt == nil {
		return uploadRecord{}, time.Time{}, fault.New(fault.CodeNotFound, "media %s has no recorded upload", mediaID)
	}
	var rec uploadRecord
	if err := evt.DecodePayload(&rec); err != nil {
		return uploadRecord{}, time.Time{}, fault.Wrap(fault.CodeStoreError, err, "decoding media_upload payload")
	}
	if rec.Bucket == "" || rec.Key == "" {
		return uploadRecord{}, time.Time{}, fault.New(fault.CodeNotFound, "media %s upload records no object location", mediaID)
	}
	return rec, evt.Timestamp, nil
}

// resolveClaim prefers an explicit claim payload, falling back to the claim
// captured at upload, falling back again to the bare source domain.
func (p *Pipeline) resolveClaim(ctx context.Context, mediaID string, payload []byte) (sourceverify.SourceClaim, error) {
	if len(payload) > 0 {
		var claim sourceverify.SourceClaim
		if err := unmarshalPayload(payload, &claim); err != nil {
			return sourceverify.SourceClaim{}, err
		}
		if claim != (sourceverify.SourceClaim{}) {
			return claim, nil
		}
	}
	rec, _, err := p.uploadFacts(ctx, mediaID)
	if err != nil {
		return sourceverify.SourceClaim{}, err
	}
	if rec.Claim != nil {
		return *rec.Claim, nil
	}
	return sourceverify.SourceClaim{URL: rec.SourceURL, Domain: rec.SourceDomain}, nil
}

// resolveAnalysisInput fills the ensemble input, probing the object head for
// whatever the payload left out.
func (p *Pipeline) resolveAnalysisInput(ctx context.Context, msg Message) (ensemble.AnalysisInput, error) {
	var req analysisRequest
	if len(msg.Payload) > 0 {
		if err := unmarshalPayload(msg.Payload, &req); err != nil {
			return ensemble.AnalysisInput{}, err
		}
	}
	if req.Bucket == "" || req.Key == "" {
		ref, err := p.uploadRef(ctx, msg.MediaID)
		if err != nil {
			return ensemble.AnalysisInput{}, err
		}
		req.objectRef = ref
	}
	if req.Size == 0 || req.ContentType == "" {
		headCtx, cancel := context.WithTimeout(ctx, headTimeout)
		info, err := p.deps.Objects.Head(headCtx, req.Bucket, req.Key)
		cancel()
		if err != nil {
			return ensemble.AnalysisInput{}, err
		}
		req.Size = info.Size
		if req.ContentType == "" {
			req.ContentType = info.ContentType
		}
	}

	kind := ensemble.MediaKind(req.Kind)
	if kind == "" {
		kind = kindFor(mediameta.InferMediaType(req.Key, req.ContentType))
	}
	return ensemble.AnalysisInput{
		MediaID:     msg.MediaID,
		Bucket:      req.Bucket,
		Key:         req.Key,
		ContentType: req.ContentType,
		Size:        req.Size,
		Kind:        kind,
		Complexity:  req.Complexity,
	}, nil
}

// kindFor maps an inferred media type onto an ensemble kind. Unknown types
// take the image path: it is the cheapest full-object analysis.
func kindFor(t mediameta.MediaType) ensemble.MediaKind {
	switch t {
	case mediameta.TypeVideo:
		return ensemble.KindVideo
	case mediameta.TypeAudio:
		return ensemble.KindAudio
	default:
		return ensemble.KindImage
	}
}

// confidenceLevel maps the score confidence bucket onto the numeric scale
// review triage expects.
func confidenceLevel(c trustscore.Confidence) float64 {
	switch c {
	case trustscore.ConfidenceHigh:
		return 0.9
	case trustscore.ConfidenceMedium:
		return 0.6
	default:
		return 0.3
	}
}

// unmarshalPayload decodes a message payload, mapping malformed JSON onto an
// input fault so the handler returns a 400-class envelope.
func unmarshalPayload(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fault.Wrap(fault.CodeInputInvalid, err, "decoding message payload")
	}
	return nil
}

// putEvent appends one audit event with the pipeline's own timestamp so test
// clocks flow through.
func (p *Pipeline) putEvent(ctx context.Context, mediaID string, t audit.EventType, payload any) (audit.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return audit.Event{}, fault.Wrap(fault.CodeStoreError, err, "encoding audit payload")
	}
	putCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return p.deps.Audits.Put(putCtx, audit.Event{
		MediaID:     mediaID,
		Timestamp:   p.clock().UTC(),
		EventType:   t,
		EventSource: eventSource,
		Payload:     raw,
	})
}

// recordCustody appends one chain entry under the store budget.
func (p *Pipeline) recordCustody(ctx context.Context, in custody.RecordInput) (string, error) {
	recCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return p.deps.Custody.Record(recCtx, in)
}

// recordStageFailure writes the synthetic failure event and its custody
// entry. The chain must stay intact even when the stage context is already
// dead, so the writes run on a detached context. Persistence errors here are
// logged and dropped: there is nothing left to record them in.
func (p *Pipeline) recordStageFailure(ctx context.Context, mediaID string, stage custody.Stage, eventType audit.EventType, failErr error) {
	ctx = context.WithoutCancel(ctx)

	payload := failurePayload{
		Failed:           true,
		Error:            failErr.Error(),
		Stage:            string(stage),
		DeadlineExceeded: errors.Is(failErr, context.DeadlineExceeded) || fault.Is(failErr, fault.CodeTimeout),
	}
	switch eventType {
	case audit.EventMetadataExtraction:
		payload.ExtractionFailed = true
	case audit.EventDeepfakeAnalysis:
		payload.AnalysisFailed = true
	}

	if _, err := p.putEvent(ctx, mediaID, eventType, payload); err != nil {
		p.logger.Error("recording stage failure event failed", "mediaId", mediaID, "stage", string(stage), "error", err)
		return
	}
	if _, err := p.recordCustody(ctx, custody.RecordInput{
		MediaID:       mediaID,
		Stage:         stage,
		Actor:         actorFor(stage),
		Action:        "failed",
		OutputContent: payload,
	}); err != nil {
		p.logger.Error("recording stage failure custody entry failed", "mediaId", mediaID, "stage", string(stage), "error", err)
	}
	p.logger.Warn("stage failed",
		"mediaId", mediaID,
		"stage", string(stage),
		"deadlineExceeded", payload.DeadlineExceeded,
		"error", failErr,
	)
}
