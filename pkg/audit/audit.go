// Package audit stores the append-only processing events every pipeline
// stage emits. Later stages read their predecessors' outputs from here, and
// the discrepancy detector replays whole windows of them.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventMediaUpload          EventType = "media_upload"
	EventSecurityScan         EventType = "security_scan"
	EventMetadataExtraction   EventType = "metadata_extraction"
	EventSourceVerification   EventType = "source_verification"
	EventDeepfakeAnalysis     EventType = "deepfake_analysis"
	EventTrustScore           EventType = "trust_score_calculation"
	EventReviewDecision       EventType = "review_decision"
	EventDiscrepancyDetected  EventType = "discrepancy_detected"
	EventChainOfCustody       EventType = "chain_of_custody"
	EventAIFeedback           EventType = "ai_feedback"
	EventThreatIndicator      EventType = "threat_indicator"

	// EventUnknown is produced by ParseEventType for unrecognized input.
	EventUnknown EventType = "unknown"
)

var knownEventTypes = map[EventType]bool{
	EventMediaUpload:         true,
	EventSecurityScan:        true,
	EventMetadataExtraction:  true,
	EventSourceVerification:  true,
	EventDeepfakeAnalysis:    true,
	EventTrustScore:          true,
	EventReviewDecision:      true,
	EventDiscrepancyDetected: true,
	EventChainOfCustody:      true,
	EventAIFeedback:          true,
	EventThreatIndicator:     true,
}

// ParseEventType maps a string onto a known event type, or EventUnknown.
func ParseEventType(s string) EventType {
	if knownEventTypes[EventType(s)] {
		return EventType(s)
	}
	return EventUnknown
}

// Valid reports whether the event type is known.
func (t EventType) Valid() bool { return knownEventTypes[t] }

// Event is one immutable audit record for a media item.
type Event struct {
	EventID     string          `json:"eventId"`
	MediaID     string          `json:"mediaId"`
	Timestamp   time.Time       `json:"timestamp"`
	EventType   EventType       `json:"eventType"`
	EventSource string          `json:"eventSource"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
}

// DecodePayload unmarshals the event payload into out.
func (e Event) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// Filter narrows queries over stored events.
type Filter struct {
	MediaID    string
	EventType  EventType
	Start      *time.Time
	End        *time.Time
	MaxResults int
}

func (f Filter) matches(e Event) bool {
	if f.MediaID != "" && e.MediaID != f.MediaID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	return true
}

// Handler is called after each successful append.
type Handler func(Event)

// Store persists audit events.
type Store interface {
	// Put appends one event; the store assigns EventID and timestamp when
	// they are unset.
	Put(ctx context.Context, evt Event) (Event, error)

	// ListByMedia returns all events for a media item, oldest first.
	ListByMedia(ctx context.Context, mediaID string) ([]Event, error)

	// LatestByType returns the newest event of a type for a media item, or
	// nil when none exists.
	LatestByType(ctx context.Context, mediaID string, t EventType) (*Event, error)

	// Query returns events matching the filter, oldest first.
	Query(ctx context.Context, f Filter) ([]Event, error)

	// DeleteExpired removes events whose TTL elapsed before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemoryStore keeps events in process memory, for tests and development.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []Event
	handlers []Handler
	clock    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// AddHandler registers a callback invoked after each append.
func (s *MemoryStore) AddHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *MemoryStore) Put(_ context.Context, evt Event) (Event, error) {
	s.mu.Lock()
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock().UTC()
	}
	s.events = append(s.events, evt)
	handlers := s.handlers
	s.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
	return evt, nil
}

func (s *MemoryStore) ListByMedia(ctx context.Context, mediaID string) ([]Event, error) {
	return s.Query(ctx, Filter{MediaID: mediaID})
}

func (s *MemoryStore) LatestByType(_ context.Context, mediaID string, t EventType) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Event
	for i := range s.events {
		e := s.events[i]
		if e.MediaID != mediaID || e.EventType != t {
			continue
		}
		if latest == nil || e.Timestamp.After(latest.Timestamp) {
			cp := e
			latest = &cp
		}
	}
	return latest, nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.MaxResults > 0 && len(out) > f.MaxResults {
		out = out[:f.MaxResults]
	}
	return out, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, e := range s.events {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}
