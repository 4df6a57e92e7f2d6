package pipeline

import (
	"context"
	"sync"

	"github.com/willf/bloom"
)

// HashLookup answers exact content-hash membership; the SQLite client
// satisfies it.
type HashLookup interface {
	HasContentHash(ctx context.Context, hash string) (bool, error)
	ContentHashes(ctx context.Context, fn func(string)) error
}

// seenFilter puts a bloom filter in front of the store so fresh content,
// the common case, never costs a query. A positive is confirmed exactly.
type seenFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	store  HashLookup
}

func newSeenFilter(store HashLookup, capacity, hashes uint) *seenFilter {
	if capacity == 0 {
		capacity = 100000
	}
	if hashes == 0 {
		hashes = 5
	}
	return &seenFilter{filter: bloom.New(capacity*10, hashes), store: store}
}

// warm loads every stored hash into the filter.
func (s *seenFilter) warm(ctx context.Context) (int, error) {
	n := 0
	err := s.store.ContentHashes(ctx, func(h string) {
		s.add(h)
		n++
	})
	return n, err
}

func (s *seenFilter) add(hash string) {
	s.mu.Lock()
	s.filter.Add([]byte(hash))
	s.mu.Unlock()
}

func (s *seenFilter) maybe(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.Test([]byte(hash))
}

// seen reports whether content with this hash is already stored.
func (s *seenFilter) seen(ctx context.Context, hash string) (bool, error) {
	if hash == "" || !s.maybe(hash) {
		return false, nil
	}
	return s.store.HasContentHash(ctx, hash)
}
