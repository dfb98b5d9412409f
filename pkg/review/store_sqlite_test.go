package review

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

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

func TestSQLiteReviewRoundTrip(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	item := ReviewItem{
		ReviewID:     "rev-1",
		MediaID:      "media-1",
		Priority:     PriorityHigh,
		Status:       StatusPending,
		Reason:       "composite score 18",
		AIScore:      18,
		AIConfidence: 0.92,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	require.NoError(t, store.Put(ctx, item))

	err := store.Put(ctx, item)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeConflict))

	got, err := store.Get(ctx, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, "media-1", got.MediaID)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "composite score 18", got.Reason)
	assert.InDelta(t, 0.92, got.AIConfidence, 1e-9)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Nil(t, got.AssignedAt)
	assert.Nil(t, got.TimeoutAt)

	assignedAt := base.Add(5 * time.Minute)
	timeoutAt := assignedAt.Add(4 * time.Hour)
	upd := item
	upd.Status = StatusAssigned
	upd.AssignedModerator = "mod-rivera"
	upd.AssignedAt = &assignedAt
	upd.TimeoutAt = &timeoutAt
	upd.UpdatedAt = assignedAt
	require.NoError(t, store.CompareAndSwap(ctx, upd, StatusPending))

	got, err = store.Get(ctx, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "mod-rivera", got.AssignedModerator)
	require.NotNil(t, got.AssignedAt)
	assert.True(t, got.AssignedAt.Equal(assignedAt))
	require.NotNil(t, got.TimeoutAt)
	assert.True(t, got.TimeoutAt.Equal(timeoutAt))
	assert.Nil(t, got.CompletedAt)

	byMod, err := store.ListByModerator(ctx, "mod-rivera", 0)
	require.NoError(t, err)
	require.Len(t, byMod, 1)
	assigned, err := store.ListByStatus(ctx, StatusAssigned, 0)
	require.NoError(t, err)
	require.Len(t, assigned, 1)

	_, err = store.Get(ctx, "rev-ghost")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeNotFound))
}

func TestSQLiteCompareAndSwapGuards(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	item := ReviewItem{
		ReviewID:  "rev-1",
		MediaID:   "media-1",
		Priority:  PriorityNormal,
		Status:    StatusPending,
		CreatedAt: base,
		UpdatedAt: base,
	}
	require.NoError(t, store.Put(ctx, item))

	upd := item
	upd.Status = StatusAssigned
	err := store.CompareAndSwap(ctx, upd, StatusInProgress)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeConflict))

	missing := item
	missing.ReviewID = "rev-ghost"
	err = store.CompareAndSwap(ctx, missing, StatusPending)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeNotFound))

	// Failed swaps leave the stored row untouched.
	got, err := store.Get(ctx, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestSQLiteListOverdue(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	put := func(id string, status Status, timeout time.Time) {
		deadline := timeout
		require.NoError(t, store.Put(ctx, ReviewItem{
			ReviewID:  id,
			MediaID:   "media-" + id,
			Priority:  PriorityNormal,
			Status:    status,
			TimeoutAt: &deadline,
			CreatedAt: base,
			UpdatedAt: base,
		}))
	}
	put("rev-overdue", StatusAssigned, base.Add(-time.Hour))
	put("rev-live", StatusInProgress, base.Add(time.Hour))
	put("rev-done", StatusCompleted, base.Add(-2*time.Hour))

	overdue, err := store.ListOverdue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "rev-overdue", overdue[0].ReviewID)
}

func TestSQLiteModeratorSlots(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mod := Moderator{
		ModeratorID: "mod-kim",
		Name:        "Kim",
		Role:        RoleJunior,
		Status:      ModeratorActive,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
	require.NoError(t, store.PutModerator(ctx, mod))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.ReserveSlot(ctx, "mod-kim"))
	}
	err := store.ReserveSlot(ctx, "mod-kim")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeConflict))

	err = store.ReserveSlot(ctx, "mod-ghost")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeNotFound))

	require.NoError(t, store.ReleaseSlot(ctx, "mod-kim"))
	require.NoError(t, store.ReserveSlot(ctx, "mod-kim"))

	// Upsert refreshes identity but keeps workload and statistics.
	mod.Name = "Kim L."
	mod.Role = RoleSenior
	require.NoError(t, store.PutModerator(ctx, mod))
	got, err := store.GetModerator(ctx, "mod-kim")
	require.NoError(t, err)
	assert.Equal(t, "Kim L.", got.Name)
	assert.Equal(t, RoleSenior, got.Role)
	assert.Equal(t, 3, got.Workload)
}

func TestSQLiteListAvailable(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	add := func(id string, role Role, status ModeratorStatus, workload int) {
		require.NoError(t, store.PutModerator(ctx, Moderator{
			ModeratorID: id,
			Role:        role,
			Status:      status,
			CreatedAt:   base,
			UpdatedAt:   base,
		}))
		for i := 0; i < workload; i++ {
			require.NoError(t, store.ReserveSlot(ctx, id))
		}
	}
	add("mod-full", RoleJunior, ModeratorActive, 3)
	add("mod-away", RoleLead, ModeratorInactive, 0)
	add("mod-busy", RoleSenior, ModeratorActive, 4)
	add("mod-idle", RoleJunior, ModeratorActive, 0)

	normal, err := store.ListAvailable(ctx, PriorityNormal)
	require.NoError(t, err)
	require.Len(t, normal, 2)
	assert.Equal(t, "mod-idle", normal[0].ModeratorID)
	assert.Equal(t, "mod-busy", normal[1].ModeratorID)

	critical, err := store.ListAvailable(ctx, PriorityCritical)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "mod-busy", critical[0].ModeratorID)
}

func TestSQLiteRecordCompletion(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutModerator(ctx, Moderator{
		ModeratorID: "mod-kim",
		Role:        RoleSenior,
		Status:      ModeratorActive,
		CreatedAt:   base,
		UpdatedAt:   base,
	}))

	require.NoError(t, store.RecordCompletion(ctx, "mod-kim", 100*time.Second, nil))
	accurate := true
	require.NoError(t, store.RecordCompletion(ctx, "mod-kim", 200*time.Second, &accurate))
	inaccurate := false
	require.NoError(t, store.RecordCompletion(ctx, "mod-kim", 60*time.Second, &inaccurate))

	got, err := store.GetModerator(ctx, "mod-kim")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Statistics.TotalReviews)
	assert.InDelta(t, 120, got.Statistics.AverageProcessingSeconds, 1e-9)
	assert.Equal(t, 2, got.Statistics.GroundTruthReviews)
	assert.Equal(t, 1, got.Statistics.AccurateReviews)
	assert.InDelta(t, 0.5, got.Statistics.Accuracy(), 1e-9)

	err = store.RecordCompletion(ctx, "mod-ghost", time.Second, nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeNotFound))
}

func TestSQLiteDecisions(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, dt DecisionType, completed time.Time, expires *time.Time) Decision {
		return Decision{
			DecisionID:           id,
			ReviewID:             "rev-" + id,
			MediaID:              "media-1",
			ModeratorID:          "mod-kim",
			DecisionType:         dt,
			ConfidenceLevel:      ConfidenceHigh,
			ThreatLevel:          ThreatMedium,
			Justification:        "splice artifacts around the cut",
			TrustScoreAdjustment: 12,
			Tags:                 []string{"face_swap", "audio"},
			Evidence:             DecisionEvidence{ContentHash: "sha256:abc", Techniques: []string{"face_swap"}},
			Warnings:             []string{"human and machine scores diverge by 40 points"},
			AIScore:              52,
			AIConfidence:         0.7,
			ProcessingSeconds:    900,
			CompletedAt:          completed,
			ExpiresAt:            expires,
		}
	}

	lapsed := base.Add(-time.Hour)
	require.NoError(t, store.PutDecision(ctx, mk("dec-1", DecisionConfirm, base.Add(-48*time.Hour), &lapsed)))
	require.NoError(t, store.PutDecision(ctx, mk("dec-2", DecisionOverride, base.Add(-12*time.Hour), nil)))
	require.NoError(t, store.PutDecision(ctx, mk("dec-3", DecisionConfirm, base.Add(-time.Hour), nil)))

	err := store.PutDecision(ctx, mk("dec-1", DecisionConfirm, base, nil))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeConflict))

	got, err := store.GetDecision(ctx, "dec-2")
	require.NoError(t, err)
	assert.Equal(t, DecisionOverride, got.DecisionType)
	assert.Equal(t, []string{"face_swap", "audio"}, got.Tags)
	assert.Equal(t, "sha256:abc", got.Evidence.ContentHash)
	require.Len(t, got.Warnings, 1)
	assert.Nil(t, got.ExpiresAt)
	assert.True(t, got.CompletedAt.Equal(base.Add(-12*time.Hour)))

	byMedia, err := store.DecisionsByMedia(ctx, "media-1")
	require.NoError(t, err)
	require.Len(t, byMedia, 3)
	assert.Equal(t, "dec-3", byMedia[0].DecisionID)

	confirms, err := store.RecentByWindow(ctx, base.Add(-72*time.Hour), []DecisionType{DecisionConfirm})
	require.NoError(t, err)
	require.Len(t, confirms, 2)

	recent, err := store.RecentByWindow(ctx, base.Add(-24*time.Hour), nil)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "dec-3", recent[0].DecisionID)

	removed, err := store.DeleteExpired(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = store.GetDecision(ctx, "dec-1")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeNotFound))
}
