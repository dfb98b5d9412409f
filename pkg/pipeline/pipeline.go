// Package pipeline orchestrates the verification stages for one media item.
//
// Work arrives as queue messages of the form {mediaId, stage, payload} and is
// dispatched to a per-stage handler. Every handler writes its audit event and
// appends a custody record, so the chain stays complete even when a stage
// fails: deadline overruns and dependency errors produce a synthetic failure
// event instead of silently dropping the item. Handlers are idempotent by
// (mediaId, stage, body): replaying an identical message returns the first
// response, eventId included.
//
// Scheduler messages ({detailType: timeout-check | reassignment-check |
// escalation-check | cleanup}) route to the sweep entrypoints, which any cron
// driver may also call directly.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/config"
	"github.com/hlekkr/hlekkr/pkg/custody"
	"github.com/hlekkr/hlekkr/pkg/discrepancy"
	"github.com/hlekkr/hlekkr/pkg/ensemble"
	"github.com/hlekkr/hlekkr/pkg/events"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/mediameta"
	"github.com/hlekkr/hlekkr/pkg/mediastore"
	"github.com/hlekkr/hlekkr/pkg/observability"
	"github.com/hlekkr/hlekkr/pkg/review"
	"github.com/hlekkr/hlekkr/pkg/sourceverify"
	"github.com/hlekkr/hlekkr/pkg/techniques"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

const eventSource = "pipeline"

// Stage budgets. Inner calls carry their own owner-side timeouts (the source
// verifier's HTTP clients, the inference client's invoke timeout); these
// bound the whole stage so a hung dependency still yields a failure event.
const (
	headTimeout  = 10 * time.Second
	storeTimeout = 5 * time.Second

	scanBudget        = 15 * time.Second
	metadataBudget    = 15 * time.Second
	sourceBudget      = 60 * time.Second
	analysisBudget    = 150 * time.Second
	scoringBudget     = 10 * time.Second
	discrepancyBudget = 15 * time.Second
)

// Message is one queue envelope. Stage payloads are optional: handlers that
// need the object location fall back to the recorded media_upload event.
type Message struct {
	MediaID string          `json:"mediaId"`
	Stage   custody.Stage   `json:"stage"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is the structured response envelope every handler returns. The body
// is JSON: a stageEnvelope on success, a problem document on failure.
type Result struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// stageEnvelope is the success body common to every stage.
type stageEnvelope struct {
	MediaID string          `json:"mediaId"`
	Stage   custody.Stage   `json:"stage"`
	EventID string          `json:"eventId"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// problemBody is the failure body. Code carries the fault taxonomy value.
type problemBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Deps wires the pipeline to its collaborators. Audits, Custody, Objects,
// Metadata, Sources, Ensemble and Scores are required; the rest degrade
// gracefully when absent (no review routing, no alerts, no telemetry).
type Deps struct {
	Audits     audit.Store
	Custody    *custody.Recorder
	Objects    mediastore.Store
	Metadata   *mediameta.Extractor
	Sources    *sourceverify.Verifier
	Ensemble   *ensemble.Coordinator
	Scores     *trustscore.Engine
	Classifier *techniques.Classifier
	Detector   *discrepancy.Detector
	Reviews    *review.Manager
	Decisions  review.DecisionStore
	Quarantine *discrepancy.Quarantiner
	Profile    *config.DeploymentProfile
	Bus        events.Publisher
	Telemetry  *observability.Provider

	// CustodyTTL and ThreatTTL are the retention hooks used by CleanupSweep.
	// The SQLite, Postgres and memory stores all satisfy them.
	CustodyTTL CustodyJanitor
	ThreatTTL  ThreatJanitor
}

// CustodyJanitor prunes custody events past the retention horizon.
type CustodyJanitor interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ThreatJanitor prunes threat reports past the retention horizon.
type ThreatJanitor interface {
	DeleteExpiredReports(ctx context.Context, now time.Time) (int, error)
}

// Pipeline dispatches stage and scheduler messages. Safe for concurrent use.
type Pipeline struct {
	deps    Deps
	profile *config.DeploymentProfile
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
	replays *replayCache
}

// New validates the required collaborators and returns a ready pipeline.
func New(deps Deps, logger *slog.Logger) (*Pipeline, error) {
	switch {
	case deps.Audits == nil:
		return nil, fault.New(fault.CodeInputInvalid, "pipeline needs an audit store")
	case deps.Custody == nil:
		return nil, fault.New(fault.CodeInputInvalid, "pipeline needs a custody recorder")
	case deps.Objects == nil:
		return nil, fault.New(fault.CodeInputInvalid, "pipeline needs an object store")
	case deps.Metadata == nil:
		return nil, fault.New(fault.CodeInputInvalid, "pipeline needs a metadata extractor")
	case deps.Sources == nil:
		return nil, fault.New(fault.CodeInputInvalid, "pipeline needs a source verifier")
	case deps.Ensemble == nil:
		return nil, fault.New(fault.CodeInputInvalid, "pipeline needs an ensemble coordinator")
	case deps.Scores == nil:
		return nil, fault.New(fault.CodeInputInvalid, "pipeline needs a trust score engine")
	}
	if logger == nil {
		logger = slog.Default()
	}
	profile := deps.Profile
	if profile == nil {
		profile = config.DefaultProfile()
	}
	return &Pipeline{
		deps:    deps,
		profile: profile,
		logger:  logger.With("component", "pipeline"),
		clock:   time.Now,
		newID:   newMediaID,
		replays: newReplayCache(replayTTL),
	}, nil
}

// WithClock overrides the clock for deterministic tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	p.replays.clock = clock
	return p
}

// WithIDGenerator overrides media ID minting for deterministic tests.
func (p *Pipeline) WithIDGenerator(newID func() string) *Pipeline {
	p.newID = newID
	return p
}

// Handle routes one queue message to its stage handler. Identical replays
// (same media, stage and payload) short-circuit to the cached response.
func (p *Pipeline) Handle(ctx context.Context, msg Message) (Result, error) {
	if msg.MediaID == "" {
		return p.problem(fault.New(fault.CodeInputInvalid, "queue message carries no media id"))
	}

	key := replayKeyFor(msg)
	if cached, ok := p.replays.get(key); ok {
		return cached, nil
	}

	var (
		res Result
		err error
	)
	switch msg.Stage {
	case custody.StageSecurityScan:
		res, err = p.scanStage(ctx, msg)
	case custody.StageMetadataExtraction:
		res, err = p.metadataStage(ctx, msg)
	case custody.StageSourceVerification:
		res, err = p.sourceStage(ctx, msg)
	case custody.StageDeepfakeAnalysis:
		res, err = p.analysisStage(ctx, msg)
	case custody.StageTrustScore:
		res, err = p.scoringStage(ctx, msg)
	case custody.StageDiscrepancyCheck:
		res, err = p.discrepancyStage(ctx, msg)
	default:
		return p.problem(fault.New(fault.CodeInputInvalid, "no handler for stage %q", string(msg.Stage)))
	}
	if err != nil {
		return res, err
	}

	p.replays.set(key, res)
	return res, nil
}

// succeed assembles the uniform success envelope.
func (p *Pipeline) succeed(mediaID string, stage custody.Stage, eventID string, output any) (Result, error) {
	var raw json.RawMessage
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return p.problem(fault.Wrap(fault.CodeStoreError, err, "encoding stage output"))
		}
		raw = b
	}
	body, err := json.Marshal(stageEnvelope{MediaID: mediaID, Stage: stage, EventID: eventID, Output: raw})
	if err != nil {
		return p.problem(fault.Wrap(fault.CodeStoreError, err, "encoding stage envelope"))
	}
	return Result{StatusCode: 200, Body: string(body)}, nil
}

// problem assembles the failure envelope. The fault is returned alongside so
// queue drivers can make retry decisions; the envelope is the durable record.
func (p *Pipeline) problem(err error) (Result, error) {
	body, _ := json.Marshal(problemBody{Error: err.Error(), Code: string(fault.CodeOf(err))})
	return Result{StatusCode: fault.HTTPStatus(err), Body: string(body)}, err
}

// track starts an observed span when telemetry is wired, otherwise a no-op.
func (p *Pipeline) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p.deps.Telemetry == nil {
		return ctx, func(error) {}
	}
	return p.deps.Telemetry.TrackOperation(ctx, op, attrs...)
}

// publish sends a notification when a bus is wired. Publish failures are
// logged, never propagated: alerting is best-effort by contract.
func (p *Pipeline) publish(ctx context.Context, topic events.Topic, eventType string, severity events.Severity, payload any) {
	if p.deps.Bus == nil {
		return
	}
	env, err := events.New(eventType, eventSource, severity, payload)
	if err != nil {
		p.logger.Warn("building notification failed", "type", eventType, "error", err)
		return
	}
	if err := p.deps.Bus.Publish(ctx, topic, env); err != nil {
		p.logger.Warn("publishing notification failed", "topic", string(topic), "error", err)
	}
}
