package dedup

import (
	"fmt"
	"sync"
	"testing"

	"github.com/capnplanet/codespaces-infusion-pump/internal/telemetry"
)

func key(session, device string) telemetry.Key {
	return telemetry.Key{SessionID: session, DeviceID: device}
}

func newTestCache(t *testing.T, capacity int) *Cache {
	t.Helper()
	c, err := New(capacity)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestNew_RejectsZeroCapacity(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for capacity 0")
	}
}

func TestCheckAndRecord_RunningMaxima(t *testing.T) {
	c := newTestCache(t, 100)
	k := key("s1", "d1")

	var accepted []uint64
	for _, seq := range []uint64{7, 7, 6, 8} {
		if c.CheckAndRecord(k, seq) {
			accepted = append(accepted, seq)
		}
	}

	if len(accepted) != 2 || accepted[0] != 7 || accepted[1] != 8 {
		t.Errorf("expected accepted [7 8], got %v", accepted)
	}
	if last, _ := c.Last(k); last != 8 {
		t.Errorf("expected last sequence 8, got %d", last)
	}
}

func TestCheckAndRecord_ReplayDoesNotLowerRecord(t *testing.T) {
	c := newTestCache(t, 10)
	k := key("s1", "d1")

	c.CheckAndRecord(k, 10)
	if c.CheckAndRecord(k, 3) {
		t.Fatal("expected stale sequence to be rejected")
	}
	if last, _ := c.Last(k); last != 10 {
		t.Errorf("expected record to stay at 10, got %d", last)
	}
}

func TestCheckAndRecord_FirstSequenceZeroAccepted(t *testing.T) {
	c := newTestCache(t, 10)
	if !c.CheckAndRecord(key("s1", "d1"), 0) {
		t.Fatal("expected first sighting with sequence 0 to be accepted")
	}
	if c.CheckAndRecord(key("s1", "d1"), 0) {
		t.Fatal("expected repeated sequence 0 to be a replay")
	}
}

func TestCheckAndRecord_KeysAreIndependent(t *testing.T) {
	c := newTestCache(t, 10)

	c.CheckAndRecord(key("s1", "d1"), 5)
	if !c.CheckAndRecord(key("s1", "d2"), 1) {
		t.Error("expected different device to be tracked separately")
	}
	if !c.CheckAndRecord(key("s2", "d1"), 1) {
		t.Error("expected different session to be tracked separately")
	}
}

func TestEviction_LeastRecentlyUsedFirst(t *testing.T) {
	c := newTestCache(t, 2)

	c.CheckAndRecord(key("s1", "d1"), 1)
	c.CheckAndRecord(key("s2", "d1"), 1)
	c.CheckAndRecord(key("s3", "d1"), 1) // evicts s1

	if c.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", c.Len())
	}
	if _, ok := c.Last(key("s1", "d1")); ok {
		t.Error("expected s1 to be evicted")
	}

	// Eviction forgets the record, so an old sequence is accepted again.
	if !c.CheckAndRecord(key("s1", "d1"), 1) {
		t.Error("expected evicted key to accept its old sequence")
	}
}

func TestEviction_AccessRefreshesRecency(t *testing.T) {
	c := newTestCache(t, 2)

	c.CheckAndRecord(key("s1", "d1"), 1)
	c.CheckAndRecord(key("s2", "d1"), 1)

	// A replay still counts as an access.
	if c.CheckAndRecord(key("s1", "d1"), 1) {
		t.Fatal("expected replay")
	}

	c.CheckAndRecord(key("s3", "d1"), 1) // evicts s2, not s1

	if _, ok := c.Last(key("s1", "d1")); !ok {
		t.Error("expected s1 to survive after being refreshed")
	}
	if _, ok := c.Last(key("s2", "d1")); ok {
		t.Error("expected s2 to be evicted")
	}
}

func TestCheckAndRecord_Concurrent(t *testing.T) {
	c := newTestCache(t, 1000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			k := key(fmt.Sprintf("s%d", g), "d1")
			for seq := uint64(1); seq <= 200; seq++ {
				if !c.CheckAndRecord(k, seq) {
					t.Errorf("goroutine %d: expected seq %d accepted", g, seq)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Len() != 8 {
		t.Errorf("expected 8 keys, got %d", c.Len())
	}
}

func TestCheckAndRecord_ConcurrentSameKeyAcceptsEachSequenceOnce(t *testing.T) {
	c := newTestCache(t, 10)
	k := key("s1", "d1")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted = map[uint64]int{}
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= 100; seq++ {
				if c.CheckAndRecord(k, seq) {
					mu.Lock()
					accepted[seq]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	for seq, n := range accepted {
		if n != 1 {
			t.Errorf("sequence %d accepted %d times", seq, n)
		}
	}
	if last, _ := c.Last(k); last != 100 {
		t.Errorf("expected last 100, got %d", last)
	}
}

func TestRollback_FirstSightingRemovesKey(t *testing.T) {
	c := newTestCache(t, 10)
	k := key("s1", "d1")

	c.CheckAndRecord(k, 4)
	c.Rollback(k, 4)

	if _, ok := c.Last(k); ok {
		t.Fatal("expected key to be removed")
	}
	if !c.CheckAndRecord(k, 4) {
		t.Error("expected sequence to be accepted again after rollback")
	}
}

func TestRollback_RestoresPrevious(t *testing.T) {
	c := newTestCache(t, 10)
	k := key("s1", "d1")

	c.CheckAndRecord(k, 4)
	c.CheckAndRecord(k, 5)
	c.Rollback(k, 5)

	if last, _ := c.Last(k); last != 4 {
		t.Fatalf("expected record restored to 4, got %d", last)
	}
	if c.CheckAndRecord(k, 4) {
		t.Error("expected 4 to remain a replay")
	}
	if !c.CheckAndRecord(k, 5) {
		t.Error("expected 5 to be accepted on resend")
	}
}

func TestRollback_IgnoresStaleSequence(t *testing.T) {
	c := newTestCache(t, 10)
	k := key("s1", "d1")

	c.CheckAndRecord(k, 4)
	c.CheckAndRecord(k, 6)
	c.Rollback(k, 4) // 6 was accepted since; keep it

	if last, _ := c.Last(k); last != 6 {
		t.Errorf("expected record to stay at 6, got %d", last)
	}
	c.Rollback(key("nope", "d1"), 1) // unknown key is a no-op
}
