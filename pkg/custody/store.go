package custody

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// Store persists custody events. Append is optimistic: implementations must
// reject an event whose PreviousEventHash no longer matches the stored head,
// returning a CONFLICT fault so the recorder can re-link and retry.
type Store interface {
	Append(ctx context.Context, evt Event) error
	ListByMedia(ctx context.Context, mediaID string) ([]Event, error)
	LatestByMedia(ctx context.Context, mediaID string) (*Event, error)
}

// MemoryStore keeps chains in process memory. Intended for tests and
// single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]Event)}
}

func (s *MemoryStore) Append(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[evt.MediaID]
	head := ""
	if len(chain) > 0 {
		head = chain[len(chain)-1].EventHash
	}
	if evt.PreviousEventHash != head {
		return fault.New(fault.CodeConflict, "chain head moved for media %s", evt.MediaID)
	}

	s.chains[evt.MediaID] = append(chain, evt)
	return nil
}

func (s *MemoryStore) ListByMedia(_ context.Context, mediaID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[mediaID]
	out := make([]Event, len(chain))
	copy(out, chain)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) LatestByMedia(_ context.Context, mediaID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[mediaID]
	if len(chain) == 0 {
		return nil, nil
	}
	evt := chain[len(chain)-1]
	return &evt, nil
}

// DeleteOlderThan removes events past their retention horizon. Chains whose
// every event is older than the cutoff disappear entirely; partial trims keep
// the newer suffix so the head stays appendable.
func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for mediaID, chain := range s.chains {
		kept := chain[:0]
		for _, evt := range chain {
			if evt.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, evt)
		}
		if len(kept) == 0 {
			delete(s.chains, mediaID)
			continue
		}
		s.chains[mediaID] = kept
	}
	return removed, nil
}

// Tamper rewrites a stored event in place. Only for tests that need to
// simulate corruption; real stores never mutate.
func (s *MemoryStore) Tamper(mediaID string, index int, mutate func(*Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[mediaID]
	if index < 0 || index >= len(chain) {
		return false
	}
	mutate(&chain[index])
	return true
}
