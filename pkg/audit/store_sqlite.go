package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// sortableRFC3339 is fixed-width so lexicographic ORDER BY on the ts column
// matches chronological order even for sub-second timestamps.
const sortableRFC3339 = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists audit events in a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore wraps an open database handle and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic tests.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			event_id     TEXT PRIMARY KEY,
			media_id     TEXT NOT NULL,
			ts           TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			event_source TEXT NOT NULL,
			payload      TEXT,
			expires_at   TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_media_ts ON audit_events(media_id, ts);
		CREATE INDEX IF NOT EXISTS idx_audit_type_ts  ON audit_events(event_type, ts);
	`)
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "migrating audit schema")
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, evt Event) (Event, error) {
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock().UTC()
	}

	var payload any
	if len(evt.Payload) > 0 {
		payload = string(evt.Payload)
	}
	var expires any
	if evt.ExpiresAt != nil {
		expires = evt.ExpiresAt.UTC().Format(sortableRFC3339)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(event_id, media_id, ts, event_type, event_source, payload, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID,
		evt.MediaID,
		evt.Timestamp.UTC().Format(sortableRFC3339),
		string(evt.EventType),
		evt.EventSource,
		payload,
		expires,
	)
	if err != nil {
		return Event{}, fault.Wrap(fault.CodeStoreError, err, "inserting audit event")
	}
	return evt, nil
}

func (s *SQLiteStore) ListByMedia(ctx context.Context, mediaID string) ([]Event, error) {
	return s.Query(ctx, Filter{MediaID: mediaID})
}

func (s *SQLiteStore) LatestByType(ctx context.Context, mediaID string, t EventType) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, media_id, ts, event_type, event_source, payload, expires_at
		FROM audit_events
		WHERE media_id = ? AND event_type = ?
		ORDER BY ts DESC
		LIMIT 1`, mediaID, string(t))

	evt, err := scanAuditRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "querying latest audit event")
	}
	return &evt, nil
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	query := `
		SELECT event_id, media_id, ts, event_type, event_source, payload, expires_at
		FROM audit_events
		WHERE 1=1`
	var args []any
	if f.MediaID != "" {
		query += " AND media_id = ?"
		args = append(args, f.MediaID)
	}
	if f.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(f.EventType))
	}
	if f.Start != nil {
		query += " AND ts >= ?"
		args = append(args, f.Start.UTC().Format(sortableRFC3339))
	}
	if f.End != nil {
		query += " AND ts <= ?"
		args = append(args, f.End.UTC().Format(sortableRFC3339))
	}
	query += " ORDER BY ts ASC"
	if f.MaxResults > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.MaxResults)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "querying audit events")
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		evt, err := scanAuditRow(rows)
		if err != nil {
			return nil, fault.Wrap(fault.CodeStoreError, err, "scanning audit event")
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating audit events")
	}
	return out, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UTC().Format(sortableRFC3339))
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "deleting expired audit events")
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditRow(row rowScanner) (Event, error) {
	var (
		evt     Event
		ts      string
		typ     string
		payload sql.NullString
		expires sql.NullString
	)
	if err := row.Scan(&evt.EventID, &evt.MediaID, &ts, &typ, &evt.EventSource, &payload, &expires); err != nil {
		return Event{}, err
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return Event{}, err
	}
	evt.Timestamp = parsed
	evt.EventType = EventType(typ)
	if payload.Valid && payload.String != "" {
		evt.Payload = json.RawMessage(payload.String)
	}
	if expires.Valid && expires.String != "" {
		exp, err := parseTime(expires.String)
		if err != nil {
			return Event{}, err
		}
		evt.ExpiresAt = &exp
	}
	return evt, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}
