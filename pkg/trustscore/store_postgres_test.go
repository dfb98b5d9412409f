package trustscore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

func setupPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStorePutVersion(t *testing.T) {
	store, mock := setupPostgresStore(t)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE trust_scores SET is_latest = FALSE WHERE media_id = $1 AND is_latest = TRUE`)).
		WithArgs("media-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO trust_scores`)).
		WithArgs("v-0", "media-1", 50.0, "medium", "low",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), ts, "2025-06-01").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.PutVersion(context.Background(), storedVersion("media-1", "v-0", 50, ts))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePutVersionDuplicate(t *testing.T) {
	store, mock := setupPostgresStore(t)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE trust_scores SET is_latest = FALSE`)).
		WithArgs("media-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO trust_scores`)).
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	err := store.PutVersion(context.Background(), storedVersion("media-1", "v-0", 50, ts))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLatest(t *testing.T) {
	store, mock := setupPostgresStore(t)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"version", "media_id", "composite", "confidence", "score_range",
		"breakdown", "factors", "recommendations", "is_latest", "calculated_at", "calculation_date"}
	rows := sqlmock.NewRows(cols).AddRow(
		"v-1", "media-1", 72.5, "high", "moderate",
		[]byte(`{"deepfake":70,"sourceReliability":75,"metadataConsistency":80,"technicalIntegrity":70,"historicalPattern":70}`),
		[]byte(`["deepfake: 70.0 (weight 0.35)"]`), []byte(`null`),
		true, ts, "2025-06-01")

	mock.ExpectQuery(regexp.QuoteMeta(`FROM trust_scores WHERE media_id = $1 AND is_latest = TRUE`)).
		WithArgs("media-1").
		WillReturnRows(rows)

	latest, err := store.Latest(context.Background(), "media-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "v-1", latest.Version)
	assert.InDelta(t, 72.5, latest.CompositeScore, 1e-9)
	assert.Equal(t, ConfidenceHigh, latest.Confidence)
	assert.InDelta(t, 80, latest.Breakdown.MetadataConsistency, 1e-9)
	assert.Equal(t, []string{"deepfake: 70.0 (weight 0.35)"}, latest.Factors)
	assert.Nil(t, latest.Recommendations)
	assert.True(t, latest.IsLatest)
	assert.Equal(t, ts, latest.CalculationTimestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLatestMissing(t *testing.T) {
	store, mock := setupPostgresStore(t)

	cols := []string{"version", "media_id", "composite", "confidence", "score_range",
		"breakdown", "factors", "recommendations", "is_latest", "calculated_at", "calculation_date"}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM trust_scores WHERE media_id = $1 AND is_latest = TRUE`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	latest, err := store.Latest(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListByScoreWindowed(t *testing.T) {
	store, mock := setupPostgresStore(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	cols := []string{"version", "media_id", "composite", "confidence", "score_range",
		"breakdown", "factors", "recommendations", "is_latest", "calculated_at", "calculation_date"}
	rows := sqlmock.NewRows(cols).AddRow(
		"v-1", "media-1", 60.0, "medium", "moderate",
		[]byte(`{}`), []byte(`null`), []byte(`null`), true, base.Add(2*time.Hour), "2025-06-01")

	mock.ExpectQuery(regexp.QuoteMeta(
		`WHERE composite >= $1 AND composite <= $2 AND calculated_at >= $3 AND calculated_at < $4 ORDER BY calculated_at DESC LIMIT $5`)).
		WithArgs(40.0, 70.0, base, base.Add(4*time.Hour), 10).
		WillReturnRows(rows)

	out, err := store.ListByScore(context.Background(), 40, 70, base, base.Add(4*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 60, out[0].CompositeScore, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCompact(t *testing.T) {
	store, mock := setupPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM trust_scores`)).
		WithArgs("media-1", "media-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.Compact(context.Background(), "media-1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
