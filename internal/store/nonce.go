// Package store remembers consumed one-time values using a Bloom filter in front
// of a bounded LRU.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// NonceStore records consumed nonces such as OAuth state values so that a
// replayed callback is rejected. Only the most recent capacity nonces are kept.
type NonceStore struct {
	bloom *bloom.BloomFilter
	lru   *lru.Cache[string, struct{}]
	mutex sync.Mutex
}

// NewNonceStore creates a store remembering up to capacity nonces.
func NewNonceStore(capacity int, falsePositiveRate float64) *NonceStore {
	if capacity <= 0 || capacity > int(^uint(0)>>1) {
		panic("nonce store capacity out of range")
	}
	cache, _ := lru.New[string, struct{}](capacity)

	return &NonceStore{
		bloom: bloom.NewWithEstimates(uint(capacity), falsePositiveRate),
		lru:   cache,
	}
}

// Consume marks nonce used. It reports false when the nonce is empty or was
// already consumed.
func (s *NonceStore) Consume(nonce string) bool {
	if nonce == "" {
		return false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// The filter only rules nonces out; the LRU is authoritative.
	if s.bloom.TestString(nonce) && s.lru.Contains(nonce) {
		return false
	}

	s.bloom.AddString(nonce)
	s.lru.Add(nonce, struct{}{})
	return true
}
