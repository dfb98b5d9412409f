package threatintel

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// sortableRFC3339 is fixed-width so lexicographic comparison on text
// timestamp columns matches chronological order.
const sortableRFC3339 = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists indicators and reports in SQLite. It implements
// IndicatorStore and ReportStore.
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
    CREATE TABLE IF NOT EXISTS threat_indicators (
        type TEXT NOT NULL,
        value TEXT NOT NULL,
        indicator_id TEXT NOT NULL,
        confidence REAL NOT NULL DEFAULT 0,
        occurrence_count INTEGER NOT NULL DEFAULT 1,
        first_seen TEXT NOT NULL,
        last_seen TEXT NOT NULL,
        media_ids JSON,
        PRIMARY KEY (type, value)
    );
    CREATE INDEX IF NOT EXISTS idx_threat_indicators_seen ON threat_indicators(last_seen);

    CREATE TABLE IF NOT EXISTS threat_reports (
        report_id TEXT PRIMARY KEY,
        threat_type TEXT NOT NULL,
        severity TEXT NOT NULL,
        status TEXT NOT NULL,
        indicators JSON,
        affected_media_count INTEGER NOT NULL DEFAULT 0,
        confirmed_by_humans INTEGER NOT NULL DEFAULT 0,
        ai_confidence REAL NOT NULL DEFAULT 0,
        pattern_score REAL NOT NULL DEFAULT 0,
        mitigations JSON,
        tags JSON,
        trigger_decision_id TEXT NOT NULL DEFAULT '',
        created_at TEXT NOT NULL,
        expires_at TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_threat_reports_type ON threat_reports(threat_type, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const indicatorColumns = `indicator_id, type, value, confidence,
	occurrence_count, first_seen, last_seen, media_ids`

// UpsertIndicator merges inside a transaction: the read and the write see
// the same row, so two concurrent sightings of one value cannot lose an
// occurrence.
func (s *SQLiteStore) UpsertIndicator(ctx context.Context, in Indicator) (Indicator, error) {
	if in.Type == "" || in.Value == "" {
		return Indicator{}, fault.New(fault.CodeInputInvalid, "indicator needs type and value")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Indicator{}, fault.Wrap(fault.CodeStoreError, err, "opening indicator transaction")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+indicatorColumns+` FROM threat_indicators WHERE type = ? AND value = ?`,
		string(in.Type), in.Value)
	if err != nil {
		return Indicator{}, fault.Wrap(fault.CodeStoreError, err, "reading indicator")
	}
	existing, err := scanIndicators(rows)
	if err != nil {
		return Indicator{}, err
	}

	var stored Indicator
	if len(existing) == 0 {
		if in.IndicatorID == "" {
			in.IndicatorID = uuid.NewString()
		}
		in.AssociatedMediaIDs = dedupeSorted(in.AssociatedMediaIDs)
		stored = in
		media, _ := json.Marshal(stored.AssociatedMediaIDs)
		_, err = tx.ExecContext(ctx, `INSERT INTO threat_indicators (`+indicatorColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			stored.IndicatorID, string(stored.Type), stored.Value, stored.Confidence,
			stored.OccurrenceCount,
			stored.FirstSeen.UTC().Format(sortableRFC3339),
			stored.LastSeen.UTC().Format(sortableRFC3339),
			string(media))
		if err != nil {
			return Indicator{}, fault.Wrap(fault.CodeStoreError, err, "inserting indicator")
		}
	} else {
		stored = mergeIndicator(existing[0], in)
		media, _ := json.Marshal(stored.AssociatedMediaIDs)
		_, err = tx.ExecContext(ctx, `UPDATE threat_indicators SET
			confidence = ?, occurrence_count = ?, first_seen = ?, last_seen = ?, media_ids = ?
			WHERE type = ? AND value = ?`,
			stored.Confidence, stored.OccurrenceCount,
			stored.FirstSeen.UTC().Format(sortableRFC3339),
			stored.LastSeen.UTC().Format(sortableRFC3339),
			string(media), string(stored.Type), stored.Value)
		if err != nil {
			return Indicator{}, fault.Wrap(fault.CodeStoreError, err, "merging indicator")
		}
	}

	if err := tx.Commit(); err != nil {
		return Indicator{}, fault.Wrap(fault.CodeStoreError, err, "committing indicator")
	}
	return stored, nil
}

func (s *SQLiteStore) GetIndicator(ctx context.Context, t IndicatorType, value string) (*Indicator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+indicatorColumns+` FROM threat_indicators WHERE type = ? AND value = ?`,
		string(t), value)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading indicator")
	}
	out, err := scanIndicators(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fault.New(fault.CodeNotFound, "indicator %s %q not found", t, value)
	}
	return &out[0], nil
}

func (s *SQLiteStore) ListIndicators(ctx context.Context, t IndicatorType, limit int) ([]Indicator, error) {
	query := `SELECT ` + indicatorColumns + ` FROM threat_indicators`
	args := []any{}
	if t != "" {
		query += ` WHERE type = ?`
		args = append(args, string(t))
	}
	query += ` ORDER BY last_seen DESC, type, value`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing indicators")
	}
	return scanIndicators(rows)
}

func scanIndicators(rows *sql.Rows) ([]Indicator, error) {
	defer func() { _ = rows.Close() }()

	var out []Indicator
	for rows.Next() {
		var (
			ind       Indicator
			indType   string
			firstSeen string
			lastSeen  string
			media     sql.NullString
		)
		if err := rows.Scan(&ind.IndicatorID, &indType, &ind.Value, &ind.Confidence,
			&ind.OccurrenceCount, &firstSeen, &lastSeen, &media); err != nil {
			return nil, fault.Wrap(fault.CodeStoreError, err, "scanning indicator")
		}
		ind.Type = IndicatorType(indType)
		ind.FirstSeen, _ = time.Parse(sortableRFC3339, firstSeen)
		ind.LastSeen, _ = time.Parse(sortableRFC3339, lastSeen)
		if media.Valid && media.String != "" {
			if err := json.Unmarshal([]byte(media.String), &ind.AssociatedMediaIDs); err != nil {
				return nil, fault.Wrap(fault.CodeStoreError, err, "decoding indicator media ids")
			}
		}
		out = append(out, ind)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating indicator rows")
	}
	return out, nil
}

const reportColumns = `report_id, threat_type, severity, status, indicators,
	affected_media_count, confirmed_by_humans, ai_confidence, pattern_score,
	mitigations, tags, trigger_decision_id, created_at, expires_at`

func (s *SQLiteStore) PutReport(ctx context.Context, r Report) error {
	if r.ReportID == "" {
		return fault.New(fault.CodeInputInvalid, "report needs an id")
	}
	indicators, _ := json.Marshal(r.Indicators)
	mitigations, _ := json.Marshal(r.MitigationRecommendations)
	tags, _ := json.Marshal(r.Tags)
	_, err := s.db.ExecContext(ctx, `INSERT INTO threat_reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReportID, string(r.ThreatType), string(r.Severity), string(r.Status),
		string(indicators), r.AffectedMediaCount, r.ConfirmedByHumans,
		r.AIConfidence, r.PatternScore, string(mitigations), string(tags),
		r.TriggerDecisionID, r.CreatedAt.UTC().Format(sortableRFC3339), textTime(r.ExpiresAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fault.Wrap(fault.CodeConflict, err, "report already exists")
		}
		return fault.Wrap(fault.CodeStoreError, err, "inserting report")
	}
	return nil
}

func (s *SQLiteStore) GetReport(ctx context.Context, reportID string) (*Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM threat_reports WHERE report_id = ?`, reportID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading report")
	}
	out, err := scanReports(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fault.New(fault.CodeNotFound, "report %s not found", reportID)
	}
	return &out[0], nil
}

func (s *SQLiteStore) ListReports(ctx context.Context, t ThreatType, limit int) ([]Report, error) {
	query := `SELECT ` + reportColumns + ` FROM threat_reports`
	args := []any{}
	if t != "" {
		query += ` WHERE threat_type = ?`
		args = append(args, string(t))
	}
	query += ` ORDER BY created_at DESC, report_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing reports")
	}
	return scanReports(rows)
}

func (s *SQLiteStore) UpdateReportStatus(ctx context.Context, reportID string, status ReportStatus) error {
	if !validReportStatus(status) {
		return fault.New(fault.CodeInputInvalid, "unknown report status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threat_reports SET status = ? WHERE report_id = ?`,
		string(status), reportID)
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "updating report status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "checking report update")
	}
	if n == 0 {
		return fault.New(fault.CodeNotFound, "report %s not found", reportID)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredReports(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM threat_reports WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UTC().Format(sortableRFC3339))
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "deleting expired reports")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "counting expired reports")
	}
	return int(n), nil
}

func scanReports(rows *sql.Rows) ([]Report, error) {
	defer func() { _ = rows.Close() }()

	var out []Report
	for rows.Next() {
		var (
			r           Report
			threatType  string
			severity    string
			status      string
			indicators  sql.NullString
			mitigations sql.NullString
			tags        sql.NullString
			createdAt   string
			expiresAt   sql.NullString
		)
		if err := rows.Scan(&r.ReportID, &threatType, &severity, &status, &indicators,
			&r.AffectedMediaCount, &r.ConfirmedByHumans, &r.AIConfidence, &r.PatternScore,
			&mitigations, &tags, &r.TriggerDecisionID, &createdAt, &expiresAt); err != nil {
			return nil, fault.Wrap(fault.CodeStoreError, err, "scanning report")
		}
		r.ThreatType = ThreatType(threatType)
		r.Severity = Severity(severity)
		r.Status = ReportStatus(status)
		r.CreatedAt, _ = time.Parse(sortableRFC3339, createdAt)
		r.ExpiresAt = parseTextTime(expiresAt)
		if err := decodeJSONColumn(indicators, &r.Indicators); err != nil {
			return nil, err
		}
		if err := decodeJSONColumn(mitigations, &r.MitigationRecommendations); err != nil {
			return nil, err
		}
		if err := decodeJSONColumn(tags, &r.Tags); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating report rows")
	}
	return out, nil
}

func decodeJSONColumn(ns sql.NullString, out any) error {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), out); err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "decoding report column")
	}
	return nil
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
