package threatintel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// IndicatorStore persists the deduplicated indicator corpus. The
// (type, value) pair is the identity.
type IndicatorStore interface {
	// UpsertIndicator merges one sighting into the corpus and returns the
	// stored indicator: occurrence count incremented, last seen advanced,
	// confidence kept at the maximum observed, media ids unioned.
	UpsertIndicator(ctx context.Context, in Indicator) (Indicator, error)
	GetIndicator(ctx context.Context, t IndicatorType, value string) (*Indicator, error)
	// ListIndicators returns indicators of the type (all types when
	// empty), most recently seen first.
	ListIndicators(ctx context.Context, t IndicatorType, limit int) ([]Indicator, error)
}

// ReportStore persists threat report summaries.
type ReportStore interface {
	PutReport(ctx context.Context, r Report) error
	GetReport(ctx context.Context, reportID string) (*Report, error)
	// ListReports returns reports of the type (all types when empty),
	// newest first.
	ListReports(ctx context.Context, t ThreatType, limit int) ([]Report, error)
	UpdateReportStatus(ctx context.Context, reportID string, status ReportStatus) error
	// DeleteExpiredReports removes reports whose retention lapsed before now.
	DeleteExpiredReports(ctx context.Context, now time.Time) (int, error)
}

type indicatorKey struct {
	t     IndicatorType
	value string
}

// MemoryStore keeps indicators and reports in process memory. It
// implements IndicatorStore and ReportStore for tests and single-node
// deployments.
type MemoryStore struct {
	mu         sync.Mutex
	indicators map[indicatorKey]Indicator
	reports    map[string]Report
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		indicators: map[indicatorKey]Indicator{},
		reports:    map[string]Report{},
	}
}

func (s *MemoryStore) UpsertIndicator(_ context.Context, in Indicator) (Indicator, error) {
	if in.Type == "" || in.Value == "" {
		return Indicator{}, fault.New(fault.CodeInputInvalid, "indicator needs type and value")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := indicatorKey{in.Type, in.Value}
	existing, ok := s.indicators[key]
	if !ok {
		if in.IndicatorID == "" {
			in.IndicatorID = uuid.NewString()
		}
		in.AssociatedMediaIDs = dedupeSorted(in.AssociatedMediaIDs)
		s.indicators[key] = in
		return in, nil
	}
	merged := mergeIndicator(existing, in)
	s.indicators[key] = merged
	return merged, nil
}

func (s *MemoryStore) GetIndicator(_ context.Context, t IndicatorType, value string) (*Indicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ind, ok := s.indicators[indicatorKey{t, value}]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "indicator %s %q not found", t, value)
	}
	return &ind, nil
}

func (s *MemoryStore) ListIndicators(_ context.Context, t IndicatorType, limit int) ([]Indicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Indicator
	for _, ind := range s.indicators {
		if t != "" && ind.Type != t {
			continue
		}
		out = append(out, ind)
	}
	sortIndicators(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PutReport(_ context.Context, r Report) error {
	if r.ReportID == "" {
		return fault.New(fault.CodeInputInvalid, "report needs an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ReportID]; ok {
		return fault.New(fault.CodeConflict, "report %s already exists", r.ReportID)
	}
	s.reports[r.ReportID] = r
	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, reportID string) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportID]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "report %s not found", reportID)
	}
	return &r, nil
}

func (s *MemoryStore) ListReports(_ context.Context, t ThreatType, limit int) ([]Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Report
	for _, r := range s.reports {
		if t != "" && r.ThreatType != t {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ReportID < out[j].ReportID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateReportStatus(_ context.Context, reportID string, status ReportStatus) error {
	if !validReportStatus(status) {
		return fault.New(fault.CodeInputInvalid, "unknown report status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportID]
	if !ok {
		return fault.New(fault.CodeNotFound, "report %s not found", reportID)
	}
	r.Status = status
	s.reports[reportID] = r
	return nil
}

func (s *MemoryStore) DeleteExpiredReports(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.reports {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			delete(s.reports, id)
			removed++
		}
	}
	return removed, nil
}

// mergeIndicator folds a new sighting into the stored indicator.
func mergeIndicator(existing, in Indicator) Indicator {
	existing.OccurrenceCount++
	if in.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = in.LastSeen
	}
	if !in.FirstSeen.IsZero() && in.FirstSeen.Before(existing.FirstSeen) {
		existing.FirstSeen = in.FirstSeen
	}
	if in.Confidence > existing.Confidence {
		existing.Confidence = in.Confidence
	}
	existing.AssociatedMediaIDs = dedupeSorted(append(existing.AssociatedMediaIDs, in.AssociatedMediaIDs...))
	return existing
}

func validReportStatus(status ReportStatus) bool {
	switch status {
	case ReportActive, ReportMitigated, ReportResolved:
		return true
	}
	return false
}

func dedupeSorted(ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// sortIndicators orders most recently seen first, ties broken by type and
// value for stable output.
func sortIndicators(out []Indicator) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
}
