package threatintel

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteIndicatorUpsert(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	first, err := store.UpsertIndicator(ctx, sampleIndicator("sha256:aa", intelBase))
	require.NoError(t, err)
	assert.NotEmpty(t, first.IndicatorID)

	got, err := store.GetIndicator(ctx, IndicatorContentHash, "sha256:aa")
	require.NoError(t, err)
	assert.Equal(t, first.IndicatorID, got.IndicatorID)
	assert.Equal(t, IndicatorContentHash, got.Type)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.Equal(t, 1, got.OccurrenceCount)
	assert.True(t, got.FirstSeen.Equal(intelBase))
	assert.True(t, got.LastSeen.Equal(intelBase))
	assert.Equal(t, []string{"media-1"}, got.AssociatedMediaIDs)

	later := sampleIndicator("sha256:aa", intelBase.Add(time.Hour))
	later.Confidence = 0.6
	later.AssociatedMediaIDs = []string{"media-2"}
	merged, err := store.UpsertIndicator(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, first.IndicatorID, merged.IndicatorID)
	assert.Equal(t, 2, merged.OccurrenceCount)
	assert.InDelta(t, 0.9, merged.Confidence, 1e-9)
	assert.True(t, merged.FirstSeen.Equal(intelBase))
	assert.True(t, merged.LastSeen.Equal(intelBase.Add(time.Hour)))
	assert.Equal(t, []string{"media-1", "media-2"}, merged.AssociatedMediaIDs)

	got, err = store.GetIndicator(ctx, IndicatorContentHash, "sha256:aa")
	require.NoError(t, err)
	assert.Equal(t, 2, got.OccurrenceCount)
	assert.Equal(t, []string{"media-1", "media-2"}, got.AssociatedMediaIDs)

	_, err = store.GetIndicator(ctx, IndicatorContentHash, "sha256:ghost")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeNotFound))

	_, err = store.UpsertIndicator(ctx, Indicator{Type: IndicatorContentHash})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeInputInvalid))
}

func TestSQLiteListIndicators(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	_, err := store.UpsertIndicator(ctx, sampleIndicator("sha256:aa", intelBase))
	require.NoError(t, err)
	_, err = store.UpsertIndicator(ctx, sampleIndicator("sha256:bb", intelBase.Add(2*time.Hour)))
	require.NoError(t, err)
	domain := sampleIndicator("evil.example.com", intelBase.Add(time.Hour))
	domain.Type = IndicatorMaliciousDomain
	_, err = store.UpsertIndicator(ctx, domain)
	require.NoError(t, err)

	all, err := store.ListIndicators(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "sha256:bb", all[0].Value, "most recently seen first")
	assert.Equal(t, "evil.example.com", all[1].Value)
	assert.Equal(t, "sha256:aa", all[2].Value)

	hashes, err := store.ListIndicators(ctx, IndicatorContentHash, 0)
	require.NoError(t, err)
	require.Len(t, hashes, 2)

	limited, err := store.ListIndicators(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestSQLiteReportRoundTrip(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	expires := intelBase.Add(reportRetention)

	report := Report{
		ReportID:           "rep-1",
		ThreatType:         ThreatCoordinatedCampaign,
		Severity:           SeverityCritical,
		Status:             ReportActive,
		Indicators:         []Indicator{sampleIndicator("sha256:aa", intelBase)},
		AffectedMediaCount: 4,
		ConfirmedByHumans:  6,
		AIConfidence:       0.87,
		PatternScore:       0.8125,
		MitigationRecommendations: []string{
			mitigationsByIndicator[IndicatorContentHash],
		},
		Tags:              []string{"face_swap"},
		TriggerDecisionID: "dec-1",
		CreatedAt:         intelBase,
		ExpiresAt:         &expires,
	}
	require.NoError(t, store.PutReport(ctx, report))

	err := store.PutReport(ctx, report)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeConflict))

	got, err := store.GetReport(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, ThreatCoordinatedCampaign, got.ThreatType)
	assert.Equal(t, SeverityCritical, got.Severity)
	assert.Equal(t, ReportActive, got.Status)
	require.Len(t, got.Indicators, 1)
	assert.Equal(t, "sha256:aa", got.Indicators[0].Value)
	assert.Equal(t, 4, got.AffectedMediaCount)
	assert.Equal(t, 6, got.ConfirmedByHumans)
	assert.InDelta(t, 0.8125, got.PatternScore, 1e-9)
	assert.Equal(t, report.MitigationRecommendations, got.MitigationRecommendations)
	assert.Equal(t, []string{"face_swap"}, got.Tags)
	assert.Equal(t, "dec-1", got.TriggerDecisionID)
	assert.True(t, got.CreatedAt.Equal(intelBase))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))

	_, err = store.GetReport(ctx, "rep-ghost")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeNotFound))
}

func TestSQLiteReportListAndStatus(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	expired := intelBase.Add(-time.Minute)

	reports := []Report{
		{ReportID: "rep-1", ThreatType: ThreatDeepfakeConfirmed, Severity: SeverityMedium,
			Status: ReportActive, CreatedAt: intelBase.Add(-2 * time.Hour), ExpiresAt: &expired},
		{ReportID: "rep-2", ThreatType: ThreatCoordinatedCampaign, Severity: SeverityCritical,
			Status: ReportActive, CreatedAt: intelBase.Add(-time.Hour)},
		{ReportID: "rep-3", ThreatType: ThreatDeepfakeConfirmed, Severity: SeverityHigh,
			Status: ReportActive, CreatedAt: intelBase},
	}
	for _, r := range reports {
		require.NoError(t, store.PutReport(ctx, r))
	}

	all, err := store.ListReports(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "rep-3", all[0].ReportID, "newest first")
	assert.Equal(t, "rep-1", all[2].ReportID)

	confirmed, err := store.ListReports(ctx, ThreatDeepfakeConfirmed, 1)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "rep-3", confirmed[0].ReportID)

	require.NoError(t, store.UpdateReportStatus(ctx, "rep-2", ReportResolved))
	got, err := store.GetReport(ctx, "rep-2")
	require.NoError(t, err)
	assert.Equal(t, ReportResolved, got.Status)

	err = store.UpdateReportStatus(ctx, "rep-9", ReportMitigated)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeNotFound))
	err = store.UpdateReportStatus(ctx, "rep-2", ReportStatus("archived"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeInputInvalid))

	removed, err := store.DeleteExpiredReports(ctx, intelBase)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	remaining, err := store.ListReports(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
