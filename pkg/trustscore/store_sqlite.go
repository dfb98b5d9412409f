package trustscore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// sortableRFC3339 is fixed-width so lexicographic ORDER BY on the ts column
// matches chronological order even for sub-second timestamps.
const sortableRFC3339 = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists score versions in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore runs migrations and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS trust_scores (
        version TEXT PRIMARY KEY,
        media_id TEXT NOT NULL,
        composite REAL NOT NULL,
        confidence TEXT NOT NULL,
        score_range TEXT NOT NULL,
        breakdown JSON NOT NULL,
        factors JSON,
        recommendations JSON,
        is_latest INTEGER NOT NULL DEFAULT 0,
        calculated_at TEXT NOT NULL,
        calculation_date TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_scores_media_ts
        ON trust_scores(media_id, calculated_at);
    CREATE INDEX IF NOT EXISTS idx_scores_range_ts
        ON trust_scores(score_range, calculated_at);
    CREATE INDEX IF NOT EXISTS idx_scores_composite
        ON trust_scores(composite);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) PutVersion(ctx context.Context, v TrustScoreVersion) error {
	if v.MediaID == "" || v.Version == "" {
		return fault.New(fault.CodeInputInvalid, "score version needs media id and version")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "opening score transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE trust_scores SET is_latest = 0 WHERE media_id = ? AND is_latest = 1`,
		v.MediaID); err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "demoting previous score version")
	}

	breakdown, _ := json.Marshal(v.Breakdown)
	factors, _ := json.Marshal(v.Factors)
	recommendations, _ := json.Marshal(v.Recommendations)

	_, err = tx.ExecContext(ctx, `INSERT INTO trust_scores (
		version, media_id, composite, confidence, score_range,
		breakdown, factors, recommendations, is_latest, calculated_at, calculation_date
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		v.Version, v.MediaID, v.CompositeScore, string(v.Confidence), string(v.ScoreRange),
		string(breakdown), string(factors), string(recommendations),
		v.CalculationTimestamp.UTC().Format(sortableRFC3339), v.CalculationDate,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fault.Wrap(fault.CodeConflict, err, "score version already exists")
		}
		return fault.Wrap(fault.CodeStoreError, err, "inserting score version")
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "committing score version")
	}
	return nil
}

const scoreColumns = `version, media_id, composite, confidence, score_range,
	breakdown, factors, recommendations, is_latest, calculated_at, calculation_date`

func (s *SQLiteStore) GetVersion(ctx context.Context, mediaID, version string) (*TrustScoreVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM trust_scores WHERE media_id = ? AND version = ?`,
		mediaID, version)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading score version")
	}
	return scanOneScore(rows)
}

func (s *SQLiteStore) Latest(ctx context.Context, mediaID string) (*TrustScoreVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM trust_scores WHERE media_id = ? AND is_latest = 1`,
		mediaID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading latest score")
	}
	return scanOneScore(rows)
}

func (s *SQLiteStore) History(ctx context.Context, mediaID string) ([]TrustScoreVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM trust_scores WHERE media_id = ? ORDER BY calculated_at DESC`,
		mediaID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing score history")
	}
	return scanScores(rows)
}

func (s *SQLiteStore) ListByRange(ctx context.Context, rng ScoreRange, from, to time.Time, limit int) ([]TrustScoreVersion, error) {
	query := `SELECT ` + scoreColumns + ` FROM trust_scores WHERE score_range = ?`
	args := []any{string(rng)}
	query, args = appendWindow(query, args, from, to)
	query += ` ORDER BY calculated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing scores by range")
	}
	return scanScores(rows)
}

func (s *SQLiteStore) ListByScore(ctx context.Context, min, max float64, from, to time.Time, limit int) ([]TrustScoreVersion, error) {
	query := `SELECT ` + scoreColumns + ` FROM trust_scores WHERE composite >= ? AND composite <= ?`
	args := []any{min, max}
	query, args = appendWindow(query, args, from, to)
	query += ` ORDER BY calculated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing scores by bounds")
	}
	return scanScores(rows)
}

func (s *SQLiteStore) Compact(ctx context.Context, mediaID string, keep int) (int64, error) {
	if keep < 1 {
		return 0, fault.New(fault.CodeInputInvalid, "compaction must keep at least one version")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM trust_scores
		WHERE media_id = ? AND version NOT IN (
			SELECT version FROM trust_scores
			WHERE media_id = ?
			ORDER BY calculated_at DESC
			LIMIT ?
		)`, mediaID, mediaID, keep)
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "compacting score versions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, from, to time.Time) (Statistics, error) {
	query := `SELECT composite FROM trust_scores WHERE 1=1`
	var args []any
	query, args = appendWindow(query, args, from, to)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Statistics{}, fault.Wrap(fault.CodeStoreError, err, "reading score sample")
	}
	defer func() { _ = rows.Close() }()

	var scores []float64
	for rows.Next() {
		var sc float64
		if err := rows.Scan(&sc); err != nil {
			return Statistics{}, fault.Wrap(fault.CodeStoreError, err, "scanning score sample")
		}
		scores = append(scores, sc)
	}
	if err := rows.Err(); err != nil {
		return Statistics{}, fault.Wrap(fault.CodeStoreError, err, "iterating score sample")
	}
	return computeStatistics(scores), nil
}

func appendWindow(query string, args []any, from, to time.Time) (string, []any) {
	if !from.IsZero() {
		query += ` AND calculated_at >= ?`
		args = append(args, from.UTC().Format(sortableRFC3339))
	}
	if !to.IsZero() {
		query += ` AND calculated_at < ?`
		args = append(args, to.UTC().Format(sortableRFC3339))
	}
	return query, args
}

func scanOneScore(rows *sql.Rows) (*TrustScoreVersion, error) {
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	v, err := scanScoreRow(rows)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "scanning score version")
	}
	return &v, nil
}

func scanScores(rows *sql.Rows) ([]TrustScoreVersion, error) {
	defer func() { _ = rows.Close() }()

	var out []TrustScoreVersion
	for rows.Next() {
		v, err := scanScoreRow(rows)
		if err != nil {
			return nil, fault.Wrap(fault.CodeStoreError, err, "scanning score version")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating score versions")
	}
	return out, nil
}

func scanScoreRow(rows *sql.Rows) (TrustScoreVersion, error) {
	var (
		v               TrustScoreVersion
		confidence      string
		scoreRange      string
		breakdown       string
		factors         sql.NullString
		recommendations sql.NullString
		isLatest        int
		ts              string
	)
	if err := rows.Scan(&v.Version, &v.MediaID, &v.CompositeScore, &confidence, &scoreRange,
		&breakdown, &factors, &recommendations, &isLatest, &ts, &v.CalculationDate); err != nil {
		return TrustScoreVersion{}, err
	}
	v.Confidence = Confidence(confidence)
	v.ScoreRange = ScoreRange(scoreRange)
	v.IsLatest = isLatest == 1
	v.CalculationTimestamp = parseStoredTime(ts)

	_ = json.Unmarshal([]byte(breakdown), &v.Breakdown)
	if factors.Valid && factors.String != "" && factors.String != "null" {
		_ = json.Unmarshal([]byte(factors.String), &v.Factors)
	}
	if recommendations.Valid && recommendations.String != "" && recommendations.String != "null" {
		_ = json.Unmarshal([]byte(recommendations.String), &v.Recommendations)
	}
	return v, nil
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
