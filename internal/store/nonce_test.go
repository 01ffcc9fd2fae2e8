package store

import (
	"fmt"
	"sync"
	"testing"
)

func TestNonceStore_Consume(t *testing.T) {
	store := NewNonceStore(100, 0.001)

	if !store.Consume("state1") {
		t.Error("First use of a nonce should be accepted")
	}
	if store.Consume("state1") {
		t.Error("Replayed nonce should be rejected")
	}
	if store.Consume("") {
		t.Error("Empty nonce should be rejected")
	}
	if !store.Consume("state2") {
		t.Error("A different nonce should be accepted")
	}
}

func TestNonceStore_Capacity(t *testing.T) {
	store := NewNonceStore(3, 0.01)

	for i := 1; i <= 5; i++ {
		store.Consume(fmt.Sprintf("state%d", i))
	}

	for _, n := range []string{"state3", "state4", "state5"} {
		if store.Consume(n) {
			t.Errorf("Recent nonce %s should still be rejected", n)
		}
	}
	if !store.Consume("state1") {
		t.Error("Oldest nonce should have been evicted")
	}
}

func TestNonceStore_InvalidCapacityPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for zero capacity")
		}
	}()
	NewNonceStore(0, 0.01)
}

func TestNonceStore_FalsePositives(t *testing.T) {
	store := NewNonceStore(1000, 0.001)

	for i := 0; i < 500; i++ {
		store.Consume(fmt.Sprintf("state_%d", i))
	}

	// A fresh nonce must never be rejected, even when the filter says maybe.
	for i := 0; i < 1000; i++ {
		if !store.Consume(fmt.Sprintf("other_%d", i)) {
			t.Fatalf("Fresh nonce other_%d rejected", i)
		}
	}
}

func TestNonceStore_ConcurrentConsume(t *testing.T) {
	store := NewNonceStore(100, 0.001)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Consume("shared") {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("Exactly one consumer should win, got %d", accepted)
	}
}

func BenchmarkNonceStore_Consume(b *testing.B) {
	store := NewNonceStore(10000, 0.001)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Consume(fmt.Sprintf("state_%d", i))
	}
}
