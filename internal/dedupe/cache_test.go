// ABOUTME: Tests for the message-ID dedupe cache.
// ABOUTME: Covers TTL expiry, capacity eviction, and concurrent observes.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObserve_NewKey(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Observe("telegram/42/1001"), "first sighting is not a duplicate")
	assert.True(t, cache.Observe("telegram/42/1001"), "second sighting is a duplicate")
}

func TestObserve_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Observe("k"))
	assert.True(t, cache.Observe("k"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Observe("k"), "expired key is a fresh sighting")
}

func TestObserve_RefreshesTimestamp(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	cache.Observe("k")
	time.Sleep(30 * time.Millisecond)

	// Duplicate sighting refreshes the TTL.
	assert.True(t, cache.Observe("k"))
	time.Sleep(30 * time.Millisecond)

	assert.True(t, cache.Observe("k"), "refreshed key should still be tracked")
}

func TestObserve_CapacityEviction(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Observe("a")
	cache.Observe("b")
	cache.Observe("c")
	cache.Observe("d") // evicts a

	assert.False(t, cache.Observe("a"), "oldest key should have been evicted")
	assert.True(t, cache.Observe("b"))
	assert.True(t, cache.Observe("c"))
	assert.True(t, cache.Observe("d"))
}

func TestObserve_EvictionFollowsRecency(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Observe("a")
	cache.Observe("b")
	cache.Observe("c")

	// Touch a so b becomes the oldest.
	cache.Observe("a")
	cache.Observe("d")

	assert.True(t, cache.Observe("a"))
	assert.False(t, cache.Observe("b"), "least recently seen key should be evicted")
}

func TestObserve_ConcurrentSingleWinner(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const goroutines = 100
	var fresh atomic.Int32
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.Observe("contested") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load(), "exactly one observer should see the key as fresh")
}

func TestSweep_RemovesExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	for i := 0; i < 5; i++ {
		cache.Observe(fmt.Sprintf("k-%d", i))
	}
	assert.Equal(t, 5, cache.Len())

	time.Sleep(20 * time.Millisecond)
	cache.sweep()

	assert.Equal(t, 0, cache.Len(), "sweep should drop expired entries")
}

func TestKey(t *testing.T) {
	assert.Equal(t, "telegram/42/1001", Key("telegram", "42", "1001"))
}

func TestClose_Idempotent(t *testing.T) {
	cache := New(5*time.Minute, 100)
	cache.Close()
	cache.Close()
}
