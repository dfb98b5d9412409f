package custody

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

// uniqueViolation is the Postgres error code raised when an append loses the
// optimistic race on (media_id, previous_event_hash).
const uniqueViolation = "23505"

// PostgresStore persists custody chains in PostgreSQL. Schema management is
// external (migrations); the required objects are:
//
//	CREATE TABLE custody_events (
//	    event_id TEXT PRIMARY KEY,
//	    media_id TEXT NOT NULL,
//	    previous_event_hash TEXT NOT NULL DEFAULT '',
//	    stage TEXT NOT NULL,
//	    actor TEXT NOT NULL,
//	    action TEXT,
//	    input_hash TEXT,
//	    output_hash TEXT,
//	    transformation TEXT,
//	    meta JSONB,
//	    integrity_proof TEXT NOT NULL,
//	    event_hash TEXT NOT NULL,
//	    ts TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX idx_custody_prev ON custody_events(media_id, previous_event_hash);
//	CREATE INDEX idx_custody_media_ts ON custody_events(media_id, ts);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, evt Event) error {
	query := `INSERT INTO custody_events (
		event_id, media_id, previous_event_hash, stage, actor, action,
		input_hash, output_hash, transformation, meta, integrity_proof, event_hash, ts
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	metaJSON, _ := json.Marshal(evt.Meta)

	_, err := s.db.ExecContext(ctx, query,
		evt.EventID, evt.MediaID, evt.PreviousEventHash, string(evt.Stage), evt.Actor, evt.Action,
		nullable(evt.InputHash), nullable(evt.OutputHash), nullable(evt.Transformation),
		string(metaJSON), evt.IntegrityProof, evt.EventHash, evt.Timestamp.UTC(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fault.Wrap(fault.CodeConflict, err, fmt.Sprintf("chain head moved for media %s", evt.MediaID))
		}
		return fault.Wrap(fault.CodeStoreError, err, "inserting custody event")
	}
	return nil
}

func (s *PostgresStore) ListByMedia(ctx context.Context, mediaID string) ([]Event, error) {
	query := `
        SELECT event_id, media_id, previous_event_hash, stage, actor, action,
               input_hash, output_hash, transformation, meta, integrity_proof, event_hash, ts
        FROM custody_events
        WHERE media_id = $1
        ORDER BY ts ASC
    `
	rows, err := s.db.QueryContext(ctx, query, mediaID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing custody events")
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		evt, err := scanPostgresCustodyRow(rows)
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

func (s *PostgresStore) LatestByMedia(ctx context.Context, mediaID string) (*Event, error) {
	query := `
        SELECT event_id, media_id, previous_event_hash, stage, actor, action,
               input_hash, output_hash, transformation, meta, integrity_proof, event_hash, ts
        FROM custody_events
        WHERE media_id = $1
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
	evt, err := scanPostgresCustodyRow(rows)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "scanning chain head")
	}
	return &evt, nil
}

// DeleteOlderThan removes events past their retention horizon.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM custody_events WHERE ts < $1`, cutoff.UTC())
	if err != nil {
		return 0, fault.Wrap(fault.CodeStoreError, err, "pruning custody events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanPostgresCustodyRow(rows *sql.Rows) (Event, error) {
	var (
		evt            Event
		stage          string
		action         sql.NullString
		inputHash      sql.NullString
		outputHash     sql.NullString
		transformation sql.NullString
		metaJSON       sql.NullString
		ts             time.Time
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
	evt.Timestamp = ts

	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &evt.Meta)
	}
	return evt, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
