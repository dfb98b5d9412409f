package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// Recorder is the convenience front for one emitting component: it stamps
// the event source, marshals payloads, and appends through the store.
type Recorder struct {
	store  Store
	source string
	logger *slog.Logger
}

// NewRecorder creates a recorder emitting events attributed to source.
func NewRecorder(store Store, source string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		source: source,
		logger: logger.With("component", "audit", "eventSource", source),
	}
}

// Record appends one event with the given payload.
func (r *Recorder) Record(ctx context.Context, mediaID string, t EventType, payload any) (Event, error) {
	return r.record(ctx, mediaID, t, payload, nil)
}

// RecordWithTTL appends one event that expires after ttl.
func (r *Recorder) RecordWithTTL(ctx context.Context, mediaID string, t EventType, payload any, ttl time.Duration) (Event, error) {
	expires := time.Now().UTC().Add(ttl)
	return r.record(ctx, mediaID, t, payload, &expires)
}

func (r *Recorder) record(ctx context.Context, mediaID string, t EventType, payload any, expires *time.Time) (Event, error) {
	if mediaID == "" {
		return Event{}, fault.New(fault.CodeInputInvalid, "audit event requires a media id")
	}
	if !t.Valid() {
		return Event{}, fault.New(fault.CodeInputInvalid, "unknown audit event type %q", t)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fault.Wrap(fault.CodeInputInvalid, err, "marshaling audit payload")
		}
		raw = data
	}

	evt, err := r.store.Put(ctx, Event{
		MediaID:     mediaID,
		EventType:   t,
		EventSource: r.source,
		Payload:     raw,
		ExpiresAt:   expires,
	})
	if err != nil {
		return Event{}, err
	}

	r.logger.Debug("audit event recorded",
		"mediaId", mediaID,
		"eventType", string(t),
		"eventId", evt.EventID,
	)
	return evt, nil
}
