package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// sortableRFC3339 is fixed-width so lexicographic comparison on text
// timestamp columns matches chronological order.
const sortableRFC3339 = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists reviews, moderators, and decisions in SQLite. It
// implements Store, ModeratorStore, and DecisionStore.
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
    CREATE TABLE IF NOT EXISTS reviews (
        review_id TEXT PRIMARY KEY,
        media_id TEXT NOT NULL,
        priority TEXT NOT NULL,
        status TEXT NOT NULL,
        reason TEXT NOT NULL DEFAULT '',
        ai_score REAL NOT NULL DEFAULT 0,
        ai_confidence REAL NOT NULL DEFAULT 0,
        assigned_moderator TEXT NOT NULL DEFAULT '',
        assigned_at TEXT,
        started_at TEXT,
        timeout_at TEXT,
        completed_at TEXT,
        escalated_at TEXT,
        escalation_reason TEXT NOT NULL DEFAULT '',
        cancellation_reason TEXT NOT NULL DEFAULT '',
        failed_reassignments INTEGER NOT NULL DEFAULT 0,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_reviews_status ON reviews(status, created_at);
    CREATE INDEX IF NOT EXISTS idx_reviews_moderator ON reviews(assigned_moderator, status);
    CREATE INDEX IF NOT EXISTS idx_reviews_timeout ON reviews(status, timeout_at);

    CREATE TABLE IF NOT EXISTS moderators (
        moderator_id TEXT PRIMARY KEY,
        name TEXT NOT NULL DEFAULT '',
        role TEXT NOT NULL,
        status TEXT NOT NULL,
        workload INTEGER NOT NULL DEFAULT 0,
        total_reviews INTEGER NOT NULL DEFAULT 0,
        avg_processing_seconds REAL NOT NULL DEFAULT 0,
        ground_truth_reviews INTEGER NOT NULL DEFAULT 0,
        accurate_reviews INTEGER NOT NULL DEFAULT 0,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS decisions (
        decision_id TEXT PRIMARY KEY,
        review_id TEXT NOT NULL,
        media_id TEXT NOT NULL,
        moderator_id TEXT NOT NULL,
        decision_type TEXT NOT NULL,
        confidence_level TEXT NOT NULL,
        threat_level TEXT NOT NULL,
        justification TEXT NOT NULL,
        trust_adjustment REAL NOT NULL,
        tags JSON,
        evidence JSON,
        warnings JSON,
        ai_score REAL NOT NULL DEFAULT 0,
        ai_confidence REAL NOT NULL DEFAULT 0,
        processing_seconds REAL NOT NULL DEFAULT 0,
        completed_at TEXT NOT NULL,
        expires_at TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_decisions_media ON decisions(media_id, completed_at);
    CREATE INDEX IF NOT EXISTS idx_decisions_window ON decisions(completed_at, decision_type);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const reviewColumns = `review_id, media_id, priority, status, reason,
	ai_score, ai_confidence, assigned_moderator, assigned_at, started_at,
	timeout_at, completed_at, escalated_at, escalation_reason,
	cancellation_reason, failed_reassignments, created_at, updated_at`

func (s *SQLiteStore) Put(ctx context.Context, item ReviewItem) error {
	if item.ReviewID == "" || item.MediaID == "" {
		return fault.New(fault.CodeInputInvalid, "review needs review id and media id")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO reviews (`+reviewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ReviewID, item.MediaID, string(item.Priority), string(item.Status), item.Reason,
		item.AIScore, item.AIConfidence, item.AssignedModerator,
		textTime(item.AssignedAt), textTime(item.StartedAt), textTime(item.TimeoutAt),
		textTime(item.CompletedAt), textTime(item.EscalatedAt),
		item.EscalationReason, item.CancellationReason, item.FailedReassignments,
		item.CreatedAt.UTC().Format(sortableRFC3339), item.UpdatedAt.UTC().Format(sortableRFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fault.Wrap(fault.CodeConflict, err, "review already exists")
		}
		return fault.Wrap(fault.CodeStoreError, err, "inserting review")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, reviewID string) (*ReviewItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE review_id = ?`, reviewID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading review")
	}
	items, err := scanReviews(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fault.New(fault.CodeNotFound, "review %s not found", reviewID)
	}
	return &items[0], nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, item ReviewItem, expected Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reviews SET
		media_id = ?, priority = ?, status = ?, reason = ?, ai_score = ?,
		ai_confidence = ?, assigned_moderator = ?, assigned_at = ?, started_at = ?,
		timeout_at = ?, completed_at = ?, escalated_at = ?, escalation_reason = ?,
		cancellation_reason = ?, failed_reassignments = ?, updated_at = ?
		WHERE review_id = ? AND status = ?`,
		item.MediaID, string(item.Priority), string(item.Status), item.Reason, item.AIScore,
		item.AIConfidence, item.AssignedModerator,
		textTime(item.AssignedAt), textTime(item.StartedAt), textTime(item.TimeoutAt),
		textTime(item.CompletedAt), textTime(item.EscalatedAt),
		item.EscalationReason, item.CancellationReason, item.FailedReassignments,
		item.UpdatedAt.UTC().Format(sortableRFC3339),
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
		`SELECT status FROM reviews WHERE review_id = ?`, item.ReviewID).Scan(&status)
	if err == sql.ErrNoRows {
		return fault.New(fault.CodeNotFound, "review %s not found", item.ReviewID)
	}
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "checking review status")
	}
	return fault.New(fault.CodeConflict, "review %s is %s, expected %s", item.ReviewID, status, expected)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status, limit int) ([]ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE status = ?
		ORDER BY created_at, review_id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing reviews by status")
	}
	return scanReviews(rows)
}

func (s *SQLiteStore) ListByModerator(ctx context.Context, moderatorID string, limit int) ([]ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE assigned_moderator = ?
		ORDER BY created_at, review_id`
	args := []any{moderatorID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing reviews by moderator")
	}
	return scanReviews(rows)
}

func (s *SQLiteStore) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews
		WHERE status IN (?, ?) AND timeout_at IS NOT NULL AND timeout_at < ?
		ORDER BY created_at, review_id`
	args := []any{string(StatusAssigned), string(StatusInProgress), cutoff.UTC().Format(sortableRFC3339)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing overdue reviews")
	}
	return scanReviews(rows)
}

func scanReviews(rows *sql.Rows) ([]ReviewItem, error) {
	defer func() { _ = rows.Close() }()

	var out []ReviewItem
	for rows.Next() {
		var (
			item        ReviewItem
			priority    string
			status      string
			assignedAt  sql.NullString
			startedAt   sql.NullString
			timeoutAt   sql.NullString
			completedAt sql.NullString
			escalatedAt sql.NullString
			createdAt   string
			updatedAt   string
		)
		if err := rows.Scan(
			&item.ReviewID, &item.MediaID, &priority, &status, &item.Reason,
			&item.AIScore, &item.AIConfidence, &item.AssignedModerator,
			&assignedAt, &startedAt, &timeoutAt, &completedAt, &escalatedAt,
			&item.EscalationReason, &item.CancellationReason, &item.FailedReassignments,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, fault.Wrap(fault.CodeStoreError, err, "scanning review row")
		}
		item.Priority = Priority(priority)
		item.Status = Status(status)
		item.AssignedAt = parseTextTime(assignedAt)
		item.StartedAt = parseTextTime(startedAt)
		item.TimeoutAt = parseTextTime(timeoutAt)
		item.CompletedAt = parseTextTime(completedAt)
		item.EscalatedAt = parseTextTime(escalatedAt)
		item.CreatedAt, _ = time.Parse(sortableRFC3339, createdAt)
		item.UpdatedAt, _ = time.Parse(sortableRFC3339, updatedAt)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating review rows")
	}
	return out, nil
}

func (s *SQLiteStore) PutModerator(ctx context.Context, m Moderator) error {
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
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(moderator_id) DO UPDATE SET
		name = excluded.name, role = excluded.role, status = excluded.status,
		updated_at = excluded.updated_at`,
		m.ModeratorID, m.Name, string(m.Role), string(m.Status), m.Workload,
		m.Statistics.TotalReviews, m.Statistics.AverageProcessingSeconds,
		m.Statistics.GroundTruthReviews, m.Statistics.AccurateReviews,
		m.CreatedAt.UTC().Format(sortableRFC3339), m.UpdatedAt.UTC().Format(sortableRFC3339),
	)
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "writing moderator")
	}
	return nil
}

const moderatorColumns = `moderator_id, name, role, status, workload,
	total_reviews, avg_processing_seconds, ground_truth_reviews, accurate_reviews,
	created_at, updated_at`

func (s *SQLiteStore) GetModerator(ctx context.Context, moderatorID string) (*Moderator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+moderatorColumns+` FROM moderators WHERE moderator_id = ?`, moderatorID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading moderator")
	}
	mods, err := scanModerators(rows)
	if err != nil {
		return nil, err
	}
	if len(mods) == 0 {
		return nil, fault.New(fault.CodeNotFound, "moderator %s not found", moderatorID)
	}
	return &mods[0], nil
}

// capacityCase maps a role onto its workload ceiling inside SQL so slot
// reservation stays a single atomic statement.
var capacityCase = fmt.Sprintf(`CASE role WHEN '%s' THEN %d WHEN '%s' THEN %d WHEN '%s' THEN %d ELSE 0 END`,
	RoleJunior, RoleJunior.MaxWorkload(),
	RoleSenior, RoleSenior.MaxWorkload(),
	RoleLead, RoleLead.MaxWorkload())

func (s *SQLiteStore) ListAvailable(ctx context.Context, priority Priority) ([]Moderator, error) {
	query := `SELECT ` + moderatorColumns + ` FROM moderators
		WHERE status = ? AND workload < ` + capacityCase
	args := []any{string(ModeratorActive)}
	if priority == PriorityCritical {
		query += ` AND role IN (?, ?)`
		args = append(args, string(RoleSenior), string(RoleLead))
	}
	query += ` ORDER BY workload, moderator_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing available moderators")
	}
	return scanModerators(rows)
}

func (s *SQLiteStore) ReserveSlot(ctx context.Context, moderatorID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE moderators
		SET workload = workload + 1, updated_at = ?
		WHERE moderator_id = ? AND status = ? AND workload < `+capacityCase,
		time.Now().UTC().Format(sortableRFC3339), moderatorID, string(ModeratorActive))
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
		`SELECT 1 FROM moderators WHERE moderator_id = ?`, moderatorID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fault.New(fault.CodeNotFound, "moderator %s not found", moderatorID)
	}
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "checking moderator")
	}
	return fault.New(fault.CodeConflict, "moderator %s has no capacity", moderatorID)
}

func (s *SQLiteStore) ReleaseSlot(ctx context.Context, moderatorID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE moderators
		SET workload = CASE WHEN workload > 0 THEN workload - 1 ELSE 0 END, updated_at = ?
		WHERE moderator_id = ?`,
		time.Now().UTC().Format(sortableRFC3339), moderatorID)
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

func (s *SQLiteStore) RecordCompletion(ctx context.Context, moderatorID string, processing time.Duration, accurate *bool) error {
	truthInc, accurateInc := 0, 0
	if accurate != nil {
		truthInc = 1
		if *accurate {
			accurateInc = 1
		}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE moderators SET
		avg_processing_seconds = (avg_processing_seconds * total_reviews + ?) / (total_reviews + 1),
		total_reviews = total_reviews + 1,
		ground_truth_reviews = ground_truth_reviews + ?,
		accurate_reviews = accurate_reviews + ?,
		updated_at = ?
		WHERE moderator_id = ?`,
		processing.Seconds(), truthInc, accurateInc,
		time.Now().UTC().Format(sortableRFC3339), moderatorID)
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

func scanModerators(rows *sql.Rows) ([]Moderator, error) {
	defer func() { _ = rows.Close() }()

	var out []Moderator
	for rows.Next() {
		var (
			m         Moderator
			role      string
			status    string
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(
			&m.ModeratorID, &m.Name, &role, &status, &m.Workload,
			&m.Statistics.TotalReviews, &m.Statistics.AverageProcessingSeconds,
			&m.Statistics.GroundTruthReviews, &m.Statistics.AccurateReviews,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, fault.Wrap(fault.CodeStoreError, err, "scanning moderator row")
		}
		m.Role = Role(role)
		m.Status = ModeratorStatus(status)
		m.CreatedAt, _ = time.Parse(sortableRFC3339, createdAt)
		m.UpdatedAt, _ = time.Parse(sortableRFC3339, updatedAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating moderator rows")
	}
	return out, nil
}

const decisionColumns = `decision_id, review_id, media_id, moderator_id,
	decision_type, confidence_level, threat_level, justification,
	trust_adjustment, tags, evidence, warnings, ai_score, ai_confidence,
	processing_seconds, completed_at, expires_at`

func (s *SQLiteStore) PutDecision(ctx context.Context, d Decision) error {
	if d.DecisionID == "" || d.ReviewID == "" {
		return fault.New(fault.CodeInputInvalid, "decision needs decision id and review id")
	}
	tags, _ := json.Marshal(d.Tags)
	evidence, _ := json.Marshal(d.Evidence)
	warnings, _ := json.Marshal(d.Warnings)
	_, err := s.db.ExecContext(ctx, `INSERT INTO decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DecisionID, d.ReviewID, d.MediaID, d.ModeratorID,
		string(d.DecisionType), string(d.ConfidenceLevel), string(d.ThreatLevel), d.Justification,
		d.TrustScoreAdjustment, string(tags), string(evidence), string(warnings),
		d.AIScore, d.AIConfidence, d.ProcessingSeconds,
		d.CompletedAt.UTC().Format(sortableRFC3339), textTime(d.ExpiresAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fault.Wrap(fault.CodeConflict, err, "decision already exists")
		}
		return fault.Wrap(fault.CodeStoreError, err, "inserting decision")
	}
	return nil
}

func (s *SQLiteStore) GetDecision(ctx context.Context, decisionID string) (*Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE decision_id = ?`, decisionID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading decision")
	}
	ds, err := scanDecisions(rows)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, fault.New(fault.CodeNotFound, "decision %s not found", decisionID)
	}
	return &ds[0], nil
}

func (s *SQLiteStore) DecisionsByMedia(ctx context.Context, mediaID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE media_id = ?
		ORDER BY completed_at DESC, decision_id`, mediaID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing decisions by media")
	}
	return scanDecisions(rows)
}

func (s *SQLiteStore) RecentByWindow(ctx context.Context, since time.Time, types []DecisionType) ([]Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE completed_at >= ?`
	args := []any{since.UTC().Format(sortableRFC3339)}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += ` AND decision_type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY completed_at DESC, decision_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing recent decisions")
	}
	return scanDecisions(rows)
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM decisions WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UTC().Format(sortableRFC3339))
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "deleting expired decisions")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "counting expired decisions")
	}
	return int(affected), nil
}

func scanDecisions(rows *sql.Rows) ([]Decision, error) {
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
			completedAt  string
			expiresAt    sql.NullString
		)
		if err := rows.Scan(
			&d.DecisionID, &d.ReviewID, &d.MediaID, &d.ModeratorID,
			&decisionType, &confidence, &threat, &d.Justification,
			&d.TrustScoreAdjustment, &tags, &evidence, &warnings,
			&d.AIScore, &d.AIConfidence, &d.ProcessingSeconds,
			&completedAt, &expiresAt,
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
		d.CompletedAt, _ = time.Parse(sortableRFC3339, completedAt)
		d.ExpiresAt = parseTextTime(expiresAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating decision rows")
	}
	return out, nil
}

// textTime formats an optional timestamp for a nullable text column.
func textTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sortableRFC3339)
}

// parseTextTime reads an optional timestamp back.
func parseTextTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(sortableRFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
