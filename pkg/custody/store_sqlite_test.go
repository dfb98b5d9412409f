package custody

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

func sqliteEvent(mediaID, eventID, prev, hash string, ts time.Time) Event {
	return Event{
		MediaID:           mediaID,
		EventID:           eventID,
		PreviousEventHash: prev,
		Stage:             StageSecurityScan,
		Actor:             "scanner",
		Action:            "scanned",
		OutputHash:        "sha256:0011",
		Meta:              map[string]any{"engine": "clam", "findings": float64(0)},
		IntegrityProof:    "hmac-sha256.v1:abcd",
		EventHash:         hash,
		Timestamp:         ts,
	}
}

func TestSQLiteStoreAppendAndList(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, sqliteEvent("m1", "e1", "", "h1", base)))
	require.NoError(t, store.Append(ctx, sqliteEvent("m1", "e2", "h1", "h2", base.Add(time.Minute))))

	events, err := store.ListByMedia(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "e1", events[0].EventID)
	assert.Equal(t, "h1", events[1].PreviousEventHash)
	assert.Equal(t, StageSecurityScan, events[0].Stage)
	assert.Equal(t, "clam", events[0].Meta["engine"])
	assert.True(t, events[0].Timestamp.Equal(base))

	latest, err := store.LatestByMedia(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "e2", latest.EventID)

	missing, err := store.LatestByMedia(ctx, "m2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStoreRejectsSecondClaimOnHead(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, sqliteEvent("m1", "e1", "", "h1", base)))

	// Second event claiming the same predecessor loses the optimistic race.
	err := store.Append(ctx, sqliteEvent("m1", "e2", "", "h2", base.Add(time.Second)))
	require.Error(t, err)
	assert.Equal(t, fault.CodeConflict, fault.CodeOf(err))

	// Different media items do not contend.
	require.NoError(t, store.Append(ctx, sqliteEvent("m2", "e3", "", "h3", base)))
}

func TestSQLiteStoreDeleteOlderThan(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, sqliteEvent("m1", "e1", "", "h1", base)))
	require.NoError(t, store.Append(ctx, sqliteEvent("m1", "e2", "h1", "h2", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))

	n, err := store.DeleteOlderThan(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := store.ListByMedia(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].EventID)
}

func TestRecorderWithSQLiteStore(t *testing.T) {
	store := setupSQLiteStore(t)
	rec, _ := newTestRecorder(t)
	rec.store = store

	recordStages(t, rec, "m-sql", StageUpload, StageSecurityScan, StageDeepfakeAnalysis)

	verification, err := rec.VerifyChain(context.Background(), "m-sql")
	require.NoError(t, err)
	assert.Equal(t, ChainValid, verification.Status)
	assert.Equal(t, 3, verification.TotalEvents)
}
