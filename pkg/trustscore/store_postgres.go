package trustscore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// uniqueViolation is the Postgres error code for a duplicate version insert.
const uniqueViolation = "23505"

// PostgresStore persists score versions in PostgreSQL. Schema management is
// external (migrations); the required objects are:
//
//	CREATE TABLE trust_scores (
//	    version TEXT PRIMARY KEY,
//	    media_id TEXT NOT NULL,
//	    composite DOUBLE PRECISION NOT NULL,
//	    confidence TEXT NOT NULL,
//	    score_range TEXT NOT NULL,
//	    breakdown JSONB NOT NULL,
//	    factors JSONB,
//	    recommendations JSONB,
//	    is_latest BOOLEAN NOT NULL DEFAULT FALSE,
//	    calculated_at TIMESTAMPTZ NOT NULL,
//	    calculation_date TEXT NOT NULL
//	);
//	CREATE INDEX idx_scores_media_ts ON trust_scores(media_id, calculated_at);
//	CREATE INDEX idx_scores_range_ts ON trust_scores(score_range, calculated_at);
//	CREATE INDEX idx_scores_composite ON trust_scores(composite);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) PutVersion(ctx context.Context, v TrustScoreVersion) error {
	if v.MediaID == "" || v.Version == "" {
		return fault.New(fault.CodeInputInvalid, "score version needs media id and version")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "opening score transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE trust_scores SET is_latest = FALSE WHERE media_id = $1 AND is_latest = TRUE`,
		v.MediaID); err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "demoting previous score version")
	}

	breakdown, _ := json.Marshal(v.Breakdown)
	factors, _ := json.Marshal(v.Factors)
	recommendations, _ := json.Marshal(v.Recommendations)

	_, err = tx.ExecContext(ctx, `INSERT INTO trust_scores (
		version, media_id, composite, confidence, score_range,
		breakdown, factors, recommendations, is_latest, calculated_at, calculation_date
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)`,
		v.Version, v.MediaID, v.CompositeScore, string(v.Confidence), string(v.ScoreRange),
		string(breakdown), string(factors), string(recommendations),
		v.CalculationTimestamp.UTC(), v.CalculationDate,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fault.Wrap(fault.CodeConflict, err, fmt.Sprintf("score version %s already exists", v.Version))
		}
		return fault.Wrap(fault.CodeStoreError, err, "inserting score version")
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "committing score version")
	}
	return nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, mediaID, version string) (*TrustScoreVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM trust_scores WHERE media_id = $1 AND version = $2`,
		mediaID, version)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading score version")
	}
	return scanOnePGScore(rows)
}

func (s *PostgresStore) Latest(ctx context.Context, mediaID string) (*TrustScoreVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM trust_scores WHERE media_id = $1 AND is_latest = TRUE`,
		mediaID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading latest score")
	}
	return scanOnePGScore(rows)
}

func (s *PostgresStore) History(ctx context.Context, mediaID string) ([]TrustScoreVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM trust_scores WHERE media_id = $1 ORDER BY calculated_at DESC`,
		mediaID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing score history")
	}
	return scanPGScores(rows)
}

func (s *PostgresStore) ListByRange(ctx context.Context, rng ScoreRange, from, to time.Time, limit int) ([]TrustScoreVersion, error) {
	query := `SELECT ` + scoreColumns + ` FROM trust_scores WHERE score_range = $1`
	args := []any{string(rng)}
	query, args = appendPGWindow(query, args, from, to)
	query += ` ORDER BY calculated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing scores by range")
	}
	return scanPGScores(rows)
}

func (s *PostgresStore) ListByScore(ctx context.Context, min, max float64, from, to time.Time, limit int) ([]TrustScoreVersion, error) {
	query := `SELECT ` + scoreColumns + ` FROM trust_scores WHERE composite >= $1 AND composite <= $2`
	args := []any{min, max}
	query, args = appendPGWindow(query, args, from, to)
	query += ` ORDER BY calculated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing scores by bounds")
	}
	return scanPGScores(rows)
}

func (s *PostgresStore) Compact(ctx context.Context, mediaID string, keep int) (int64, error) {
	if keep < 1 {
		return 0, fault.New(fault.CodeInputInvalid, "compaction must keep at least one version")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM trust_scores
		WHERE media_id = $1 AND version NOT IN (
			SELECT version FROM trust_scores
			WHERE media_id = $2
			ORDER BY calculated_at DESC
			LIMIT $3
		)`, mediaID, mediaID, keep)
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "compacting score versions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) Stats(ctx context.Context, from, to time.Time) (Statistics, error) {
	query := `SELECT composite FROM trust_scores WHERE TRUE`
	var args []any
	query, args = appendPGWindow(query, args, from, to)

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

func appendPGWindow(query string, args []any, from, to time.Time) (string, []any) {
	if !from.IsZero() {
		query += fmt.Sprintf(` AND calculated_at >= $%d`, len(args)+1)
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += fmt.Sprintf(` AND calculated_at < $%d`, len(args)+1)
		args = append(args, to.UTC())
	}
	return query, args
}

func scanOnePGScore(rows *sql.Rows) (*TrustScoreVersion, error) {
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	v, err := scanPGScoreRow(rows)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "scanning score version")
	}
	return &v, nil
}

func scanPGScores(rows *sql.Rows) ([]TrustScoreVersion, error) {
	defer func() { _ = rows.Close() }()

	var out []TrustScoreVersion
	for rows.Next() {
		v, err := scanPGScoreRow(rows)
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

func scanPGScoreRow(rows *sql.Rows) (TrustScoreVersion, error) {
	var (
		v               TrustScoreVersion
		confidence      string
		scoreRange      string
		breakdown       []byte
		factors         []byte
		recommendations []byte
		ts              time.Time
	)
	if err := rows.Scan(&v.Version, &v.MediaID, &v.CompositeScore, &confidence, &scoreRange,
		&breakdown, &factors, &recommendations, &v.IsLatest, &ts, &v.CalculationDate); err != nil {
		return TrustScoreVersion{}, err
	}
	v.Confidence = Confidence(confidence)
	v.ScoreRange = ScoreRange(scoreRange)
	v.CalculationTimestamp = ts.UTC()

	_ = json.Unmarshal(breakdown, &v.Breakdown)
	if len(factors) > 0 {
		_ = json.Unmarshal(factors, &v.Factors)
	}
	if len(recommendations) > 0 {
		_ = json.Unmarshal(recommendations, &v.Recommendations)
	}
	return v, nil
}
