package trustscore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// Store persists score versions. PutVersion must atomically demote the
// previous latest version so at most one version per media item carries
// IsLatest.
type Store interface {
	PutVersion(ctx context.Context, v TrustScoreVersion) error
	GetVersion(ctx context.Context, mediaID, version string) (*TrustScoreVersion, error)
	Latest(ctx context.Context, mediaID string) (*TrustScoreVersion, error)
	// History returns all versions for a media item, newest first.
	History(ctx context.Context, mediaID string) ([]TrustScoreVersion, error)
	// ListByRange returns versions in a score bucket calculated inside
	// [from, to), newest first, capped at limit (0 means no cap).
	ListByRange(ctx context.Context, rng ScoreRange, from, to time.Time, limit int) ([]TrustScoreVersion, error)
	// ListByScore returns versions with min <= composite <= max calculated
	// inside [from, to), newest first, capped at limit.
	ListByScore(ctx context.Context, min, max float64, from, to time.Time, limit int) ([]TrustScoreVersion, error)
	// Compact deletes all but the keep most recent versions of a media item.
	Compact(ctx context.Context, mediaID string, keep int) (int64, error)
	// Stats aggregates composites calculated inside [from, to).
	Stats(ctx context.Context, from, to time.Time) (Statistics, error)
}

// MemoryStore keeps versions in process memory. Intended for tests and
// single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]TrustScoreVersion
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]TrustScoreVersion)}
}

func (s *MemoryStore) PutVersion(_ context.Context, v TrustScoreVersion) error {
	if v.MediaID == "" || v.Version == "" {
		return fault.New(fault.CodeInputInvalid, "score version needs media id and version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.versions[v.MediaID]
	for i := range list {
		if list[i].Version == v.Version {
			return fault.New(fault.CodeConflict, "version %s already exists for media %s", v.Version, v.MediaID)
		}
		list[i].IsLatest = false
	}
	v.IsLatest = true
	s.versions[v.MediaID] = append(list, v)
	return nil
}

func (s *MemoryStore) GetVersion(_ context.Context, mediaID, version string) (*TrustScoreVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions[mediaID] {
		if v.Version == version {
			out := v
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Latest(_ context.Context, mediaID string) (*TrustScoreVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions[mediaID] {
		if v.IsLatest {
			out := v
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) History(_ context.Context, mediaID string) ([]TrustScoreVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.versions[mediaID]
	out := make([]TrustScoreVersion, len(list))
	copy(out, list)
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListByRange(_ context.Context, rng ScoreRange, from, to time.Time, limit int) ([]TrustScoreVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []TrustScoreVersion
	for _, list := range s.versions {
		for _, v := range list {
			if v.ScoreRange == rng && inWindow(v.CalculationTimestamp, from, to) {
				out = append(out, v)
			}
		}
	}
	sortNewestFirst(out)
	return capList(out, limit), nil
}

func (s *MemoryStore) ListByScore(_ context.Context, min, max float64, from, to time.Time, limit int) ([]TrustScoreVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []TrustScoreVersion
	for _, list := range s.versions {
		for _, v := range list {
			if v.CompositeScore >= min && v.CompositeScore <= max && inWindow(v.CalculationTimestamp, from, to) {
				out = append(out, v)
			}
		}
	}
	sortNewestFirst(out)
	return capList(out, limit), nil
}

func (s *MemoryStore) Compact(_ context.Context, mediaID string, keep int) (int64, error) {
	if keep < 1 {
		return 0, fault.New(fault.CodeInputInvalid, "compaction must keep at least one version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.versions[mediaID]
	if len(list) <= keep {
		return 0, nil
	}
	sorted := make([]TrustScoreVersion, len(list))
	copy(sorted, list)
	sortNewestFirst(sorted)
	removed := int64(len(sorted) - keep)
	s.versions[mediaID] = sorted[:keep]
	return removed, nil
}

func (s *MemoryStore) Stats(_ context.Context, from, to time.Time) (Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scores []float64
	for _, list := range s.versions {
		for _, v := range list {
			if inWindow(v.CalculationTimestamp, from, to) {
				scores = append(scores, v.CompositeScore)
			}
		}
	}
	return computeStatistics(scores), nil
}

func inWindow(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}

func sortNewestFirst(list []TrustScoreVersion) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CalculationTimestamp.After(list[j].CalculationTimestamp)
	})
}

func capList(list []TrustScoreVersion, limit int) []TrustScoreVersion {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

// computeStatistics aggregates a score sample. Shared by every store
// implementation so medians and distributions agree across backends.
func computeStatistics(scores []float64) Statistics {
	stats := Statistics{Distribution: make(map[ScoreRange]int)}
	if len(scores) == 0 {
		return stats
	}

	stats.Count = len(scores)
	stats.Min = scores[0]
	stats.Max = scores[0]
	sum := 0.0
	for _, sc := range scores {
		sum += sc
		if sc < stats.Min {
			stats.Min = sc
		}
		if sc > stats.Max {
			stats.Max = sc
		}
		stats.Distribution[scoreRangeFor(sc)]++
	}
	stats.Mean = sum / float64(len(scores))
	stats.Median = median(scores)
	stats.StdDev = math.Sqrt(populationVariance(scores))
	return stats
}
