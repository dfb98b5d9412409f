package review

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// Store persists review items. CompareAndSwap is the only mutation path
// after creation: it writes the updated item iff the stored status still
// equals expected, so concurrent workers cannot double-apply a transition.
type Store interface {
	Put(ctx context.Context, item ReviewItem) error
	Get(ctx context.Context, reviewID string) (*ReviewItem, error)
	CompareAndSwap(ctx context.Context, item ReviewItem, expected Status) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]ReviewItem, error)
	ListByModerator(ctx context.Context, moderatorID string, limit int) ([]ReviewItem, error)
	// ListOverdue returns assigned or in-progress items whose deadline
	// passed before cutoff.
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]ReviewItem, error)
}

// ModeratorStore persists moderators. ReserveSlot and ReleaseSlot adjust
// workload atomically so two assigners cannot oversubscribe a moderator.
type ModeratorStore interface {
	PutModerator(ctx context.Context, m Moderator) error
	GetModerator(ctx context.Context, moderatorID string) (*Moderator, error)
	// ListAvailable returns active moderators with spare capacity that are
	// allowed to take the priority, least loaded first.
	ListAvailable(ctx context.Context, priority Priority) ([]Moderator, error)
	// ReserveSlot increments workload iff the moderator is active and under
	// the role's capacity; a full moderator is a CONFLICT.
	ReserveSlot(ctx context.Context, moderatorID string) error
	// ReleaseSlot decrements workload, floored at zero.
	ReleaseSlot(ctx context.Context, moderatorID string) error
	// RecordCompletion folds one finished review into the statistics.
	// accurate is non-nil only when ground truth exists for the media.
	RecordCompletion(ctx context.Context, moderatorID string, processing time.Duration, accurate *bool) error
}

// DecisionStore persists completed decisions.
type DecisionStore interface {
	PutDecision(ctx context.Context, d Decision) error
	GetDecision(ctx context.Context, decisionID string) (*Decision, error)
	DecisionsByMedia(ctx context.Context, mediaID string) ([]Decision, error)
	// RecentByWindow returns decisions completed at or after since whose
	// type is in types (all types when empty), newest first.
	RecentByWindow(ctx context.Context, since time.Time, types []DecisionType) ([]Decision, error)
	// DeleteExpired removes decisions whose retention lapsed before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore keeps reviews, moderators, and decisions in process memory.
// It implements Store, ModeratorStore, and DecisionStore for tests and
// single-node deployments.
type MemoryStore struct {
	mu         sync.Mutex
	reviews    map[string]ReviewItem
	moderators map[string]Moderator
	decisions  map[string]Decision
	clock      func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reviews:    map[string]ReviewItem{},
		moderators: map[string]Moderator{},
		decisions:  map[string]Decision{},
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Put(_ context.Context, item ReviewItem) error {
	if item.ReviewID == "" || item.MediaID == "" {
		return fault.New(fault.CodeInputInvalid, "review needs review id and media id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reviews[item.ReviewID]; ok {
		return fault.New(fault.CodeConflict, "review %s already exists", item.ReviewID)
	}
	s.reviews[item.ReviewID] = item
	return nil
}

func (s *MemoryStore) Get(_ context.Context, reviewID string) (*ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.reviews[reviewID]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "review %s not found", reviewID)
	}
	return &item, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, item ReviewItem, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.reviews[item.ReviewID]
	if !ok {
		return fault.New(fault.CodeNotFound, "review %s not found", item.ReviewID)
	}
	if stored.Status != expected {
		return fault.New(fault.CodeConflict, "review %s is %s, expected %s", item.ReviewID, stored.Status, expected)
	}
	s.reviews[item.ReviewID] = item
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReviewItem
	for _, item := range s.reviews {
		if item.Status == status {
			out = append(out, item)
		}
	}
	sortReviews(out)
	return capReviews(out, limit), nil
}

func (s *MemoryStore) ListByModerator(_ context.Context, moderatorID string, limit int) ([]ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReviewItem
	for _, item := range s.reviews {
		if item.AssignedModerator == moderatorID {
			out = append(out, item)
		}
	}
	sortReviews(out)
	return capReviews(out, limit), nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, cutoff time.Time, limit int) ([]ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReviewItem
	for _, item := range s.reviews {
		if item.Status != StatusAssigned && item.Status != StatusInProgress {
			continue
		}
		if item.TimeoutAt != nil && item.TimeoutAt.Before(cutoff) {
			out = append(out, item)
		}
	}
	sortReviews(out)
	return capReviews(out, limit), nil
}

func sortReviews(items []ReviewItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ReviewID < items[j].ReviewID
	})
}

func capReviews(items []ReviewItem, limit int) []ReviewItem {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func (s *MemoryStore) PutModerator(_ context.Context, m Moderator) error {
	if m.ModeratorID == "" {
		return fault.New(fault.CodeInputInvalid, "moderator needs an id")
	}
	if m.Role.Rank() == 0 {
		return fault.New(fault.CodeInputInvalid, "moderator %s has unknown role %q", m.ModeratorID, m.Role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moderators[m.ModeratorID] = m
	return nil
}

func (s *MemoryStore) GetModerator(_ context.Context, moderatorID string) (*Moderator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.moderators[moderatorID]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "moderator %s not found", moderatorID)
	}
	return &m, nil
}

func (s *MemoryStore) ListAvailable(_ context.Context, priority Priority) ([]Moderator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Moderator
	for _, m := range s.moderators {
		if m.Status != ModeratorActive {
			continue
		}
		if m.Workload >= m.Role.MaxWorkload() {
			continue
		}
		if !m.Role.CanHandle(priority) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Workload != out[j].Workload {
			return out[i].Workload < out[j].Workload
		}
		return out[i].ModeratorID < out[j].ModeratorID
	})
	return out, nil
}

func (s *MemoryStore) ReserveSlot(_ context.Context, moderatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.moderators[moderatorID]
	if !ok {
		return fault.New(fault.CodeNotFound, "moderator %s not found", moderatorID)
	}
	if m.Status != ModeratorActive || m.Workload >= m.Role.MaxWorkload() {
		return fault.New(fault.CodeConflict, "moderator %s has no capacity", moderatorID)
	}
	m.Workload++
	m.UpdatedAt = s.clock().UTC()
	s.moderators[moderatorID] = m
	return nil
}

func (s *MemoryStore) ReleaseSlot(_ context.Context, moderatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.moderators[moderatorID]
	if !ok {
		return fault.New(fault.CodeNotFound, "moderator %s not found", moderatorID)
	}
	if m.Workload > 0 {
		m.Workload--
	}
	m.UpdatedAt = s.clock().UTC()
	s.moderators[moderatorID] = m
	return nil
}

func (s *MemoryStore) RecordCompletion(_ context.Context, moderatorID string, processing time.Duration, accurate *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.moderators[moderatorID]
	if !ok {
		return fault.New(fault.CodeNotFound, "moderator %s not found", moderatorID)
	}
	st := m.Statistics
	st.AverageProcessingSeconds = (st.AverageProcessingSeconds*float64(st.TotalReviews) + processing.Seconds()) / float64(st.TotalReviews+1)
	st.TotalReviews++
	if accurate != nil {
		st.GroundTruthReviews++
		if *accurate {
			st.AccurateReviews++
		}
	}
	m.Statistics = st
	m.UpdatedAt = s.clock().UTC()
	s.moderators[moderatorID] = m
	return nil
}

func (s *MemoryStore) PutDecision(_ context.Context, d Decision) error {
	if d.DecisionID == "" || d.ReviewID == "" {
		return fault.New(fault.CodeInputInvalid, "decision needs decision id and review id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[d.DecisionID]; ok {
		return fault.New(fault.CodeConflict, "decision %s already exists", d.DecisionID)
	}
	s.decisions[d.DecisionID] = d
	return nil
}

func (s *MemoryStore) GetDecision(_ context.Context, decisionID string) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[decisionID]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "decision %s not found", decisionID)
	}
	return &d, nil
}

func (s *MemoryStore) DecisionsByMedia(_ context.Context, mediaID string) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Decision
	for _, d := range s.decisions {
		if d.MediaID == mediaID {
			out = append(out, d)
		}
	}
	sortDecisions(out)
	return out, nil
}

func (s *MemoryStore) RecentByWindow(_ context.Context, since time.Time, types []DecisionType) ([]Decision, error) {
	wanted := map[DecisionType]bool{}
	for _, t := range types {
		wanted[t] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Decision
	for _, d := range s.decisions {
		if d.CompletedAt.Before(since) {
			continue
		}
		if len(wanted) > 0 && !wanted[d.DecisionType] {
			continue
		}
		out = append(out, d)
	}
	sortDecisions(out)
	return out, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, d := range s.decisions {
		if d.ExpiresAt != nil && d.ExpiresAt.Before(now) {
			delete(s.decisions, id)
			removed++
		}
	}
	return removed, nil
}

// sortDecisions orders newest first, ties broken by id for stable output.
func sortDecisions(out []Decision) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.After(out[j].CompletedAt)
		}
		return out[i].DecisionID < out[j].DecisionID
	})
}
