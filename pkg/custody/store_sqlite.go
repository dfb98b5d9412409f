package custody

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

// sortableRFC3339 is fixed-width so lexicographic ORDER BY on the ts column
// matches chronological order even for sub-second timestamps.
const sortableRFC3339 = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists custody chains in SQLite. A unique index on
// (media_id, previous_event_hash) means only one event can claim a given
// predecessor, which turns concurrent appends into CONFLICT faults the
// recorder retries.
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
    CREATE TABLE IF NOT EXISTS custody_events (
        event_id TEXT PRIMARY KEY,
        media_id TEXT NOT NULL,
        previous_event_hash TEXT NOT NULL DEFAULT '',
        stage TEXT NOT NULL,
        actor TEXT NOT NULL,
        action TEXT,
        input_hash TEXT,
        output_hash TEXT,
        transformation TEXT,
        meta JSON,
        integrity_proof TEXT NOT NULL,
        event_hash TEXT NOT NULL,
        ts DATETIME NOT NULL
    );
    CREATE UNIQUE INDEX IF NOT EXISTS idx_custody_prev
        ON custody_events(media_id, previous_event_hash);
    CREATE INDEX IF NOT EXISTS idx_custody_media_ts
        ON custody_events(media_id, ts);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, evt Event) error {
	query := `INSERT INTO custody_events (
		event_id, media_id, previous_event_hash, stage, actor, action,
		input_hash, output_hash, transformation, meta, integrity_proof, event_hash, ts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	metaJSON, _ := json.Marshal(evt.Meta)
	ts := evt.Timestamp.UTC().Format(sortableRFC3339)

	_, err := s.db.ExecContext(ctx, query,
		evt.EventID, evt.MediaID, evt.PreviousEventHash, string(evt.Stage), evt.Actor, evt.Action,
		evt.InputHash, evt.OutputHash, evt.Transformation, string(metaJSON), evt.IntegrityProof, evt.EventHash, ts,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fault.Wrap(fault.CodeConflict, err, fmt.Sprintf("chain head moved for media %s", evt.MediaID))
		}
		return fault.Wrap(fault.CodeStoreError, err, "inserting custody event")
	}
	return nil
}

func (s *SQLiteStore) ListByMedia(ctx context.Context, mediaID string) ([]Event, error) {
	query := `
        SELECT event_id, media_id, previous_event_hash, stage, actor, action,
               input_hash, output_hash, transformation, meta, integrity_proof, event_hash, ts
        FROM custody_events
        WHERE media_id = ?
        ORDER BY ts ASC
    `
	rows, err := s.db.QueryContext(ctx, query, mediaID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing custody events")
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		evt, err := scanCustodyRow(rows)
		if err != nil {
			return nil, fault.Wrap(fault.CodeStoreError, err, "scanning custody event")
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "iterating custody events")
	}
	return events, nil
}

func (s *SQLiteStore) LatestByMedia(ctx context.Context, mediaID string) (*Event, error) {
	query := `
        SELECT event_id, media_id, previous_event_hash, stage, actor, action,
               input_hash, output_hash, transformation, meta, integrity_proof, event_hash, ts
        FROM custody_events
        WHERE media_id = ?
        ORDER BY ts DESC
        LIMIT 1
    `
	rows, err := s.db.QueryContext(ctx, query, mediaID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading chain head")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	evt, err := scanCustodyRow(rows)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "scanning chain head")
	}
	return &evt, nil
}

// DeleteOlderThan removes events past their retention horizon. Used by the
// cleanup sweep; returns the number of rows removed.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM custody_events WHERE ts < ?`, cutoff.UTC().Format(sortableRFC3339))
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "pruning custody events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanCustodyRow(rows *sql.Rows) (Event, error) {
	var (
		evt            Event
		stage          string
		action         sql.NullString
		inputHash      sql.NullString
		outputHash     sql.NullString
		transformation sql.NullString
		metaJSON       sql.NullString
		ts             string
	)
	if err := rows.Scan(&evt.EventID, &evt.MediaID, &evt.PreviousEventHash, &stage, &evt.Actor, &action,
		&inputHash, &outputHash, &transformation, &metaJSON, &evt.IntegrityProof, &evt.EventHash, &ts); err != nil {
		return Event{}, err
	}
	evt.Stage = Stage(stage)
	evt.Action = action.String
	evt.InputHash = inputHash.String
	evt.OutputHash = outputHash.String
	evt.Transformation = transformation.String
	evt.Timestamp = parseTime(ts)

	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &evt.Meta)
	}
	return evt, nil
}

func parseTime(value string) time.Time {
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
