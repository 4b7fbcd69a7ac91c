package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	audit "consentline/pkg/platform/audit"
)

// InMemoryStore holds chains in insertion order. A single mutex serializes
// appends, which covers the per-chain exclusion Append requires.
type InMemoryStore struct {
	mu     sync.RWMutex
	chains map[audit.ChainKey][]*audit.Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{chains: make(map[audit.ChainKey][]*audit.Entry)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains = make(map[audit.ChainKey][]*audit.Entry)
}

func (s *InMemoryStore) Append(_ context.Context, chain audit.ChainKey, build func(head *audit.Entry) (*audit.Entry, error)) (*audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var head *audit.Entry
	if entries := s.chains[chain]; len(entries) > 0 {
		head = entries[len(entries)-1].Clone()
	}
	e, err := build(head)
	if err != nil {
		return nil, err
	}
	s.chains[chain] = append(s.chains[chain], e.Clone())
	return e, nil
}

func (s *InMemoryStore) List(_ context.Context, principalRef, dfID string) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Entry
	for key, entries := range s.chains {
		if key.PrincipalRef != principalRef || (dfID != "" && key.DFID != dfID) {
			continue
		}
		for _, e := range entries {
			out = append(out, e.Clone())
		}
	}
	slices.SortStableFunc(out, func(a, b *audit.Entry) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.DFID, b.DFID))
	})
	return out, nil
}
