package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/mediastore"
	"github.com/hlekkr/hlekkr/pkg/review"
)

type stubIntelAlerter struct {
	reports []Report
	err     error
}

func (a *stubIntelAlerter) Alert(_ context.Context, r Report) error {
	if a.err != nil {
		return a.err
	}
	a.reports = append(a.reports, r)
	return nil
}

type intelHarness struct {
	store     *MemoryStore
	decisions *review.MemoryStore
	audits    *audit.MemoryStore
	objects   *mediastore.MemoryStore
	alerter   *stubIntelAlerter
	processor *Processor
	now       time.Time
}

func newIntelHarness(t *testing.T) *intelHarness {
	t.Helper()
	h := &intelHarness{
		store:     NewMemoryStore(),
		decisions: review.NewMemoryStore(),
		audits:    audit.NewMemoryStore(),
		objects:   mediastore.NewMemoryStore(),
		alerter:   &stubIntelAlerter{},
		now:       intelBase,
	}
	seq := 0
	h.processor = NewProcessor(h.store, h.store, h.decisions, h.audits, nil).
		WithObjectStore(h.objects, "intel-archive").
		WithAlerter(h.alerter).
		WithClock(func() time.Time { return h.now }).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("report-%04d", seq)
		})
	return h
}

func (h *intelHarness) reports(t *testing.T) []Report {
	t.Helper()
	out, err := h.store.ListReports(context.Background(), "", 0)
	require.NoError(t, err)
	return out
}

func TestProcessDecisionConfirmedHighFilesReport(t *testing.T) {
	ctx := context.Background()
	h := newIntelHarness(t)
	d := intelDecision("dec-1", "media-1", review.DecisionConfirm, review.ConfidenceHigh, review.DecisionEvidence{
		ContentHash:  "sha256:4f2d1a",
		SourceDomain: "clips.example.net",
		Techniques:   []string{"face_swap", "voice_cloning"},
	})
	d.Tags = []string{"face_swap"}

	require.NoError(t, h.processor.ProcessDecision(ctx, d))

	reports := h.reports(t)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, "report-0001", r.ReportID)
	assert.Equal(t, ThreatDeepfakeConfirmed, r.ThreatType)
	assert.Equal(t, SeverityHigh, r.Severity)
	assert.Equal(t, ReportActive, r.Status)
	assert.Len(t, r.Indicators, 4)
	assert.Equal(t, 1, r.AffectedMediaCount)
	assert.Equal(t, 1, r.ConfirmedByHumans)
	assert.InDelta(t, 0.87, r.AIConfidence, 1e-9)
	assert.Equal(t, "dec-1", r.TriggerDecisionID)
	assert.Equal(t, []string{"face_swap"}, r.Tags)
	assert.Equal(t, intelBase, r.CreatedAt)
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, intelBase.Add(reportRetention), *r.ExpiresAt)
	assert.Equal(t, []string{
		mitigationsByIndicator[IndicatorContentHash],
		mitigationsByIndicator[IndicatorMaliciousDomain],
		mitigationsByIndicator[IndicatorTechnique],
	}, r.MitigationRecommendations)

	require.Len(t, h.alerter.reports, 1, "high severity alerts")
	assert.Equal(t, r.ReportID, h.alerter.reports[0].ReportID)

	body, err := h.objects.Get(ctx, "intel-archive", "reports/report-0001.json")
	require.NoError(t, err)
	var archived Report
	require.NoError(t, json.Unmarshal(body, &archived))
	assert.Equal(t, r.ReportID, archived.ReportID)
	assert.Equal(t, r.ThreatType, archived.ThreatType)

	events, err := h.audits.ListByMedia(ctx, "media-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventThreatIndicator, events[0].EventType)
	assert.Equal(t, "threat-intel", events[0].EventSource)
	require.NotNil(t, events[0].ExpiresAt)
	assert.Equal(t, intelBase.Add(reportRetention), *events[0].ExpiresAt)
	var trace struct {
		DecisionID string      `json:"decisionId"`
		Indicators []Indicator `json:"indicators"`
	}
	require.NoError(t, events[0].DecodePayload(&trace))
	assert.Equal(t, "dec-1", trace.DecisionID)
	assert.Len(t, trace.Indicators, 4)

	hash, err := h.store.GetIndicator(ctx, IndicatorContentHash, "sha256:4f2d1a")
	require.NoError(t, err)
	assert.NotEmpty(t, hash.IndicatorID)
	assert.Equal(t, []string{"media-1"}, hash.AssociatedMediaIDs)
}

func TestProcessDecisionSuspiciousBelowBar(t *testing.T) {
	ctx := context.Background()
	h := newIntelHarness(t)
	d := intelDecision("dec-1", "media-1", review.DecisionSuspicious, review.ConfidenceMedium, review.DecisionEvidence{
		ContentHash: "sha256:4f2d1a",
	})

	require.NoError(t, h.processor.ProcessDecision(ctx, d))

	assert.Empty(t, h.reports(t), "a lone suspicious hash does not justify a report")
	assert.Empty(t, h.alerter.reports)

	events, err := h.audits.ListByMedia(ctx, "media-1")
	require.NoError(t, err)
	assert.Len(t, events, 1, "the indicator trace is still recorded")

	_, err = h.store.GetIndicator(ctx, IndicatorContentHash, "sha256:4f2d1a")
	assert.NoError(t, err, "the indicator still enters the corpus")
}

func TestProcessDecisionNovelTechniqueReports(t *testing.T) {
	ctx := context.Background()
	h := newIntelHarness(t)
	d := intelDecision("dec-1", "media-1", review.DecisionSuspicious, review.ConfidenceMedium, review.DecisionEvidence{
		Techniques: []string{"pitch_shift"},
	})

	require.NoError(t, h.processor.ProcessDecision(ctx, d))

	reports := h.reports(t)
	require.Len(t, reports, 1, "a first-seen technique is always worth a report")
	assert.Equal(t, ThreatDeepfakeConfirmed, reports[0].ThreatType)
	assert.Equal(t, SeverityMedium, reports[0].Severity)
	assert.Empty(t, h.alerter.reports, "medium severity does not alert")

	// The same technique again, still below every other bar, stays quiet.
	h.now = h.now.Add(time.Hour)
	d2 := intelDecision("dec-2", "media-2", review.DecisionSuspicious, review.ConfidenceMedium, review.DecisionEvidence{
		Techniques: []string{"pitch_shift"},
	})
	require.NoError(t, h.processor.ProcessDecision(ctx, d2))
	assert.Len(t, h.reports(t), 1)
}

func TestProcessDecisionMergesRepeatSightings(t *testing.T) {
	ctx := context.Background()
	h := newIntelHarness(t)
	first := intelDecision("dec-1", "media-1", review.DecisionConfirm, review.ConfidenceHigh, review.DecisionEvidence{
		ContentHash: "sha256:4f2d1a",
	})
	require.NoError(t, h.processor.ProcessDecision(ctx, first))

	h.now = h.now.Add(2 * time.Hour)
	second := intelDecision("dec-2", "media-2", review.DecisionConfirm, review.ConfidenceHigh, review.DecisionEvidence{
		ContentHash: "sha256:4f2d1a",
	})
	require.NoError(t, h.processor.ProcessDecision(ctx, second))

	ind, err := h.store.GetIndicator(ctx, IndicatorContentHash, "sha256:4f2d1a")
	require.NoError(t, err)
	assert.Equal(t, 2, ind.OccurrenceCount)
	assert.Equal(t, []string{"media-1", "media-2"}, ind.AssociatedMediaIDs)
	assert.Equal(t, intelBase, ind.FirstSeen)
	assert.Equal(t, intelBase.Add(2*time.Hour), ind.LastSeen)

	reports := h.reports(t)
	require.Len(t, reports, 2)
	assert.Equal(t, 2, reports[0].AffectedMediaCount,
		"the second report sees the merged media set")
}

func TestProcessDecisionCoordinatedCampaign(t *testing.T) {
	ctx := context.Background()
	h := newIntelHarness(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, h.decisions.PutDecision(ctx,
			windowDecision(i, review.DecisionConfirm, "clips.example.net", "face_swap")))
	}
	d := intelDecision("dec-1", "media-1", review.DecisionConfirm, review.ConfidenceHigh, review.DecisionEvidence{
		ContentHash:  "sha256:4f2d1a",
		SourceDomain: "clips.example.net",
		Techniques:   []string{"face_swap"},
	})

	require.NoError(t, h.processor.ProcessDecision(ctx, d))

	reports := h.reports(t)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, ThreatCoordinatedCampaign, r.ThreatType)
	assert.Equal(t, SeverityCritical, r.Severity)
	assert.InDelta(t, 0.8125, r.PatternScore, 1e-9)
	assert.Equal(t, 6, r.ConfirmedByHumans)
	require.Len(t, r.MitigationRecommendations, 6)
	assert.Equal(t, campaignMitigations, r.MitigationRecommendations[3:])

	require.Len(t, h.alerter.reports, 1)
	assert.Equal(t, SeverityCritical, h.alerter.reports[0].Severity)
}

func TestProcessDecisionNonVerdictIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := newIntelHarness(t)
	d := intelDecision("dec-1", "media-1", review.DecisionOverride, review.ConfidenceHigh, fullEvidence())

	require.NoError(t, h.processor.ProcessDecision(ctx, d))

	assert.Empty(t, h.reports(t))
	events, err := h.audits.ListByMedia(ctx, "media-1")
	require.NoError(t, err)
	assert.Empty(t, events)
	indicators, err := h.store.ListIndicators(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, indicators)
}

func TestProcessDecisionAlertFailureTolerated(t *testing.T) {
	ctx := context.Background()
	h := newIntelHarness(t)
	h.alerter.err = fault.New(fault.CodeTimeout, "notification bus unavailable")
	d := intelDecision("dec-1", "media-1", review.DecisionConfirm, review.ConfidenceHigh, review.DecisionEvidence{
		ContentHash: "sha256:4f2d1a",
	})

	require.NoError(t, h.processor.ProcessDecision(ctx, d),
		"a failed alert never fails the ingest")
	assert.Len(t, h.reports(t), 1)
}

type failingReportStore struct {
	ReportStore
}

func (f *failingReportStore) PutReport(context.Context, Report) error {
	return fault.New(fault.CodeStoreError, "reports table unavailable")
}

func TestProcessDecisionReportWriteFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	h := newIntelHarness(t)
	h.processor.reports = &failingReportStore{ReportStore: h.store}
	d := intelDecision("dec-1", "media-1", review.DecisionConfirm, review.ConfidenceHigh, review.DecisionEvidence{
		ContentHash: "sha256:4f2d1a",
	})

	err := h.processor.ProcessDecision(ctx, d)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeStoreError))
	assert.Empty(t, h.alerter.reports, "no alert without a persisted report")
}
