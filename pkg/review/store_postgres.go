package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// uniqueViolation is the Postgres error code for a duplicate insert.
const uniqueViolation = "23505"

// PostgresStore persists reviews, moderators, and decisions in PostgreSQL.
// Schema management is external (migrations); the required objects are:
//
//	CREATE TABLE reviews (
//	    review_id TEXT PRIMARY KEY,
//	    media_id TEXT NOT NULL,
//	    priority TEXT NOT NULL,
//	    status TEXT NOT NULL,
//	    reason TEXT NOT NULL DEFAULT '',
//	    ai_score DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    ai_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    assigned_moderator TEXT NOT NULL DEFAULT '',
//	    assigned_at TIMESTAMPTZ,
//	    started_at TIMESTAMPTZ,
//	    timeout_at TIMESTAMPTZ,
//	    completed_at TIMESTAMPTZ,
//	    escalated_at TIMESTAMPTZ,
//	    escalation_reason TEXT NOT NULL DEFAULT '',
//	    cancellation_reason TEXT NOT NULL DEFAULT '',
//	    failed_reassignments INTEGER NOT NULL DEFAULT 0,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_reviews_status ON reviews(status, created_at);
//	CREATE INDEX idx_reviews_moderator ON reviews(assigned_moderator, status);
//	CREATE INDEX idx_reviews_timeout ON reviews(status, timeout_at);
//
//	CREATE TABLE moderators (
//	    moderator_id TEXT PRIMARY KEY,
//	    name TEXT NOT NULL DEFAULT '',
//	    role TEXT NOT NULL,
//	    status TEXT NOT NULL,
//	    workload INTEGER NOT NULL DEFAULT 0,
//	    total_reviews INTEGER NOT NULL DEFAULT 0,
//	    avg_processing_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    ground_truth_reviews INTEGER NOT NULL DEFAULT 0,
//	    accurate_reviews INTEGER NOT NULL DEFAULT 0,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE decisions (
//	    decision_id TEXT PRIMARY KEY,
//	    review_id TEXT NOT NULL,
//	    media_id TEXT NOT NULL,
//	    moderator_id TEXT NOT NULL,
//	    decision_type TEXT NOT NULL,
//	    confidence_level TEXT NOT NULL,
//	    threat_level TEXT NOT NULL,
//	    justification TEXT NOT NULL,
//	    trust_adjustment DOUBLE PRECISION NOT NULL,
//	    tags JSONB,
//	    evidence JSONB,
//	    warnings JSONB,
//	    ai_score DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    ai_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    processing_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    completed_at TIMESTAMPTZ NOT NULL,
//	    expires_at TIMESTAMPTZ
//	);
//	CREATE INDEX idx_decisions_media ON decisions(media_id, completed_at);
//	CREATE INDEX idx_decisions_window ON decisions(completed_at, decision_type);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func (s *PostgresStore) Put(ctx context.Context, item ReviewItem) error {
	if item.ReviewID == "" || item.MediaID == "" {
		return fault.New(fault.CodeInputInvalid, "review needs review id and media id")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO reviews (
		review_id, media_id, priority, status, reason,
		ai_score, ai_confidence, assigned_moderator, assigned_at, started_at,
		timeout_at, completed_at, escalated_at, escalation_reason,
		cancellation_reason, failed_reassignments, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		item.ReviewID, item.MediaID, string(item.Priority), string(item.Status), item.Reason,
		item.AIScore, item.AIConfidence, item.AssignedModerator,
		nullTime(item.AssignedAt), nullTime(item.StartedAt), nullTime(item.TimeoutAt),
		nullTime(item.CompletedAt), nullTime(item.EscalatedAt),
		item.EscalationReason, item.CancellationReason, item.FailedReassignments,
		item.CreatedAt.UTC(), item.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Wrap(fault.CodeConflict, err, "review already exists")
		}
		return fault.Wrap(fault.CodeStoreError, err, "inserting review")
	}
	return nil
}

const pgReviewColumns = `review_id, media_id, priority, status, reason,
	ai_score, ai_confidence, assigned_moderator, assigned_at, started_at,
	timeout_at, completed_at, escalated_at, escalation_reason,
	cancellation_reason, failed_reassignments, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, reviewID string) (*ReviewItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgReviewColumns+` FROM reviews WHERE review_id = $1`, reviewID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading review")
	}
	items, err := scanPGReviews(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fault.New(fault.CodeNotFound, "review %s not found", reviewID)
	}
	return &items[0], nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, item ReviewItem, expected Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reviews SET
		media_id = $1, priority = $2, status = $3, reason = $4, ai_score = $5,
		ai_confidence = $6, assigned_moderator = $7, assigned_at = $8, started_at = $9,
		timeout_at = $10, completed_at = $11, escalated_at = $12, escalation_reason = $13,
		cancellation_reason = $14, failed_reassignments = $15, updated_at = $16
		WHERE review_id = $17 AND status = $18`,
		item.MediaID, string(item.Priority), string(item.Status), item.Reason, item.AIScore,
		item.AIConfidence, item.AssignedModerator,
		nullTime(item.AssignedAt), nullTime(item.StartedAt), nullTime(item.TimeoutAt),
		nullTime(item.CompletedAt), nullTime(item.EscalatedAt),
		item.EscalationReason, item.CancellationReason, item.FailedReassignments,
		item.UpdatedAt.UTC(),
		item.ReviewID, string(expected),
	)
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "updating review")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "checking review update")
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM reviews WHERE review_id = $1`, item.ReviewID).Scan(&status)
	if err == sql.ErrNoRows {
		return fault.New(fault.CodeNotFound, "review %s not found", item.ReviewID)
	}
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "checking review status")
	}
	return fault.New(fault.CodeConflict, "review %s is %s, expected %s", item.ReviewID, status, expected)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]ReviewItem, error) {
	query := `SELECT ` + pgReviewColumns + ` FROM reviews WHERE status = $1
		ORDER BY created_at, review_id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing reviews by status")
	}
	return scanPGReviews(rows)
}

func (s *PostgresStore) ListByModerator(ctx context.Context, moderatorID string, limit int) ([]ReviewItem, error) {
	query := `SELECT ` + pgReviewColumns + ` FROM reviews WHERE assigned_moderator = $1
		ORDER BY created_at, review_id`
	args := []any{moderatorID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing reviews by moderator")
	}
	return scanPGReviews(rows)
}

func (s *PostgresStore) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]ReviewItem, error) {
	query := `SELECT ` + pgReviewColumns + ` FROM reviews
		WHERE status IN ($1, $2) AND timeout_at IS NOT NULL AND timeout_at < $3
		ORDER BY created_at, review_id`
	args := []any{string(StatusAssigned), string(StatusInProgress), cutoff.UTC()}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing overdue reviews")
	}
	return scanPGReviews(rows)
}

func scanPGReviews(rows *sql.Rows) ([]ReviewItem, error) {
	defer func() { _ = rows.Close() }()

	var out []ReviewItem
	for rows.Next() {
		var (
			item        ReviewItem
			priority    string
			status      string
			assignedAt  sql.NullTime
			startedAt   sql.NullTime
			timeoutAt   sql.NullTime
			completedAt sql.NullTime
			escalatedAt sql.NullTime
		)
		if err := rows.Scan(
			&item.ReviewID, &item.MediaID, &priority, &status, &item.Reason,
			&item.AIScore, &item.AIConfidence, &item.AssignedModerator,
			&assignedAt, &startedAt, &timeoutAt, &completedAt, &escalatedAt,
			&item.EscalationReason, &item.CancellationReason, &item.FailedReassignments,
			&item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fault.Wrap(fault.CodeStoreError, err, "scanning review row")
		}
		item.Priority = Priority(priority)
		item.Status = Status(status)
		item.AssignedAt = timePtr(assignedAt)
		item.StartedAt = timePtr(startedAt)
		item.TimeoutAt = timePtr(timeoutAt)
		item.CompletedAt = timePtr(completedAt)
		item.EscalatedAt = timePtr(escalatedAt)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating review rows")
	}
	return out, nil
}

func (s *PostgresStore) PutModerator(ctx context.Context, m Moderator) error {
	if m.ModeratorID == "" {
		return fault.New(fault.CodeInputInvalid, "moderator needs an id")
	}
	if m.Role.Rank() == 0 {
		return fault.New(fault.CodeInputInvalid, "moderator %s has unknown role %q", m.ModeratorID, m.Role)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO moderators (
		moderator_id, name, role, status, workload,
		total_reviews, avg_processing_seconds, ground_truth_reviews, accurate_reviews,
		created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (moderator_id) DO UPDATE SET
		name = EXCLUDED.name, role = EXCLUDED.role, status = EXCLUDED.status,
		updated_at = EXCLUDED.updated_at`,
		m.ModeratorID, m.Name, string(m.Role), string(m.Status), m.Workload,
		m.Statistics.TotalReviews, m.Statistics.AverageProcessingSeconds,
		m.Statistics.GroundTruthReviews, m.Statistics.AccurateReviews,
		m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	)
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "writing moderator")
	}
	return nil
}

const pgModeratorColumns = `moderator_id, name, role, status, workload,
	total_reviews, avg_processing_seconds, ground_truth_reviews, accurate_reviews,
	created_at, updated_at`

func (s *PostgresStore) GetModerator(ctx context.Context, moderatorID string) (*Moderator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgModeratorColumns+` FROM moderators WHERE moderator_id = $1`, moderatorID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading moderator")
	}
	mods, err := scanPGModerators(rows)
	if err != nil {
		return nil, err
	}
	if len(mods) == 0 {
		return nil, fault.New(fault.CodeNotFound, "moderator %s not found", moderatorID)
	}
	return &mods[0], nil
}

// pgCapacityCase mirrors capacityCase with Postgres quoting.
var pgCapacityCase = fmt.Sprintf(`CASE role WHEN '%s' THEN %d WHEN '%s' THEN %d WHEN '%s' THEN %d ELSE 0 END`,
	RoleJunior, RoleJunior.MaxWorkload(),
	RoleSenior, RoleSenior.MaxWorkload(),
	RoleLead, RoleLead.MaxWorkload())

func (s *PostgresStore) ListAvailable(ctx context.Context, priority Priority) ([]Moderator, error) {
	query := `SELECT ` + pgModeratorColumns + ` FROM moderators
		WHERE status = $1 AND workload < ` + pgCapacityCase
	args := []any{string(ModeratorActive)}
	if priority == PriorityCritical {
		query += ` AND role IN ($2, $3)`
		args = append(args, string(RoleSenior), string(RoleLead))
	}
	query += ` ORDER BY workload, moderator_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing available moderators")
	}
	return scanPGModerators(rows)
}

func (s *PostgresStore) ReserveSlot(ctx context.Context, moderatorID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE moderators
		SET workload = workload + 1, updated_at = NOW()
		WHERE moderator_id = $1 AND status = $2 AND workload < `+pgCapacityCase,
		moderatorID, string(ModeratorActive))
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "reserving moderator slot")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "checking slot reservation")
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM moderators WHERE moderator_id = $1`, moderatorID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fault.New(fault.CodeNotFound, "moderator %s not found", moderatorID)
	}
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "checking moderator")
	}
	return fault.New(fault.CodeConflict, "moderator %s has no capacity", moderatorID)
}

func (s *PostgresStore) ReleaseSlot(ctx context.Context, moderatorID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE moderators
		SET workload = GREATEST(workload - 1, 0), updated_at = NOW()
		WHERE moderator_id = $1`, moderatorID)
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "releasing moderator slot")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "checking slot release")
	}
	if affected == 0 {
		return fault.New(fault.CodeNotFound, "moderator %s not found", moderatorID)
	}
	return nil
}

func (s *PostgresStore) RecordCompletion(ctx context.Context, moderatorID string, processing time.Duration, accurate *bool) error {
	truthInc, accurateInc := 0, 0
	if accurate != nil {
		truthInc = 1
		if *accurate {
			accurateInc = 1
		}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE moderators SET
		avg_processing_seconds = (avg_processing_seconds * total_reviews + $1) / (total_reviews + 1),
		total_reviews = total_reviews + 1,
		ground_truth_reviews = ground_truth_reviews + $2,
		accurate_reviews = accurate_reviews + $3,
		updated_at = NOW()
		WHERE moderator_id = $4`,
		processing.Seconds(), truthInc, accurateInc, moderatorID)
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "recording completion")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "checking completion record")
	}
	if affected == 0 {
		return fault.New(fault.CodeNotFound, "moderator %s not found", moderatorID)
	}
	return nil
}

func scanPGModerators(rows *sql.Rows) ([]Moderator, error) {
	defer func() { _ = rows.Close() }()

	var out []Moderator
	for rows.Next() {
		var (
			m      Moderator
			role   string
			status string
		)
		if err := rows.Scan(
			&m.ModeratorID, &m.Name, &role, &status, &m.Workload,
			&m.Statistics.TotalReviews, &m.Statistics.AverageProcessingSeconds,
			&m.Statistics.GroundTruthReviews, &m.Statistics.AccurateReviews,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fault.Wrap(fault.CodeStoreError, err, "scanning moderator row")
		}
		m.Role = Role(role)
		m.Status = ModeratorStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating moderator rows")
	}
	return out, nil
}

const pgDecisionColumns = `decision_id, review_id, media_id, moderator_id,
	decision_type, confidence_level, threat_level, justification,
	trust_adjustment, tags, evidence, warnings, ai_score, ai_confidence,
	processing_seconds, completed_at, expires_at`

func (s *PostgresStore) PutDecision(ctx context.Context, d Decision) error {
	if d.DecisionID == "" || d.ReviewID == "" {
		return fault.New(fault.CodeInputInvalid, "decision needs decision id and review id")
	}
	tags, _ := json.Marshal(d.Tags)
	evidence, _ := json.Marshal(d.Evidence)
	warnings, _ := json.Marshal(d.Warnings)
	_, err := s.db.ExecContext(ctx, `INSERT INTO decisions (`+pgDecisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.DecisionID, d.ReviewID, d.MediaID, d.ModeratorID,
		string(d.DecisionType), string(d.ConfidenceLevel), string(d.ThreatLevel), d.Justification,
		d.TrustScoreAdjustment, tags, evidence, warnings,
		d.AIScore, d.AIConfidence, d.ProcessingSeconds,
		d.CompletedAt.UTC(), nullTime(d.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Wrap(fault.CodeConflict, err, "decision already exists")
		}
		return fault.Wrap(fault.CodeStoreError, err, "inserting decision")
	}
	return nil
}

func (s *PostgresStore) GetDecision(ctx context.Context, decisionID string) (*Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgDecisionColumns+` FROM decisions WHERE decision_id = $1`, decisionID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading decision")
	}
	ds, err := scanPGDecisions(rows)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, fault.New(fault.CodeNotFound, "decision %s not found", decisionID)
	}
	return &ds[0], nil
}

func (s *PostgresStore) DecisionsByMedia(ctx context.Context, mediaID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgDecisionColumns+` FROM decisions WHERE media_id = $1
		ORDER BY completed_at DESC, decision_id`, mediaID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing decisions by media")
	}
	return scanPGDecisions(rows)
}

func (s *PostgresStore) RecentByWindow(ctx context.Context, since time.Time, types []DecisionType) ([]Decision, error) {
	query := `SELECT ` + pgDecisionColumns + ` FROM decisions WHERE completed_at >= $1`
	args := []any{since.UTC()}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, string(t))
		}
		query += ` AND decision_type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY completed_at DESC, decision_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing recent decisions")
	}
	return scanPGDecisions(rows)
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM decisions WHERE expires_at IS NOT NULL AND expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "deleting expired decisions")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "counting expired decisions")
	}
	return int(affected), nil
}

func scanPGDecisions(rows *sql.Rows) ([]Decision, error) {
	defer func() { _ = rows.Close() }()

	var out []Decision
	for rows.Next() {
		var (
			d            Decision
			decisionType string
			confidence   string
			threat       string
			tags         []byte
			evidence     []byte
			warnings     []byte
			expiresAt    sql.NullTime
		)
		if err := rows.Scan(
			&d.DecisionID, &d.ReviewID, &d.MediaID, &d.ModeratorID,
			&decisionType, &confidence, &threat, &d.Justification,
			&d.TrustScoreAdjustment, &tags, &evidence, &warnings,
			&d.AIScore, &d.AIConfidence, &d.ProcessingSeconds,
			&d.CompletedAt, &expiresAt,
		); err != nil {
			return nil, fault.Wrap(fault.CodeStoreError, err, "scanning decision row")
		}
		d.DecisionType = DecisionType(decisionType)
		d.ConfidenceLevel = ConfidenceLevel(confidence)
		d.ThreatLevel = ThreatLevel(threat)
		if len(tags) > 0 {
			_ = json.Unmarshal(tags, &d.Tags)
		}
		if len(evidence) > 0 {
			_ = json.Unmarshal(evidence, &d.Evidence)
		}
		if len(warnings) > 0 {
			_ = json.Unmarshal(warnings, &d.Warnings)
		}
		d.ExpiresAt = timePtr(expiresAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating decision rows")
	}
	return out, nil
}

// nullTime adapts an optional timestamp for a nullable TIMESTAMPTZ column.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// timePtr reads an optional timestamp back.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
