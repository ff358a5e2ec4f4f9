package vcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stb13579/fleetd/internal/telemetry"
)

func entry(id string, lastSeen time.Time) telemetry.Enriched {
	return telemetry.Enriched{
		Record: telemetry.Record{
			VehicleID:    id,
			Lat:          48.85,
			Lng:          2.35,
			FuelLevel:    75,
			EngineStatus: telemetry.EngineRunning,
			Timestamp:    lastSeen,
		},
		LastSeen: lastSeen,
	}
}

func ids(snapshot []telemetry.Enriched) []string {
	out := make([]string, len(snapshot))
	for i, e := range snapshot {
		out[i] = e.VehicleID
	}
	return out
}

func TestCache_SetGet(t *testing.T) {
	c := New(10, 0)
	now := time.Now()
	c.Set("veh-1", entry("veh-1", now))

	got, ok := c.Get("veh-1")
	if !ok {
		t.Fatal("Get(veh-1): not found")
	}
	if got.VehicleID != "veh-1" || !got.LastSeen.Equal(now) {
		t.Fatalf("Get(veh-1): got %+v", got)
	}
	if _, ok := c.Get("veh-2"); ok {
		t.Fatal("Get(veh-2): unexpectedly found")
	}
}

func TestCache_CapacityEviction(t *testing.T) {
	c := New(2, 0)
	now := time.Now()
	c.Set("veh-1", entry("veh-1", now))
	c.Set("veh-2", entry("veh-2", now))
	c.Set("veh-3", entry("veh-3", now))

	if got := c.Len(); got != 2 {
		t.Fatalf("Len: got %d, want 2", got)
	}
	if _, ok := c.Get("veh-1"); ok {
		t.Fatal("veh-1 should have been evicted as least-recently-inserted")
	}
	want := []string{"veh-2", "veh-3"}
	got := ids(c.Snapshot())
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot order: got %v, want %v", got, want)
		}
	}
}

func TestCache_SetTouchesRecency(t *testing.T) {
	c := New(2, 0)
	now := time.Now()
	c.Set("veh-1", entry("veh-1", now))
	c.Set("veh-2", entry("veh-2", now))

	// Re-writing veh-1 makes it the most recent; veh-2 becomes the eviction
	// candidate.
	c.Set("veh-1", entry("veh-1", now.Add(time.Second)))
	got := ids(c.Snapshot())
	if got[len(got)-1] != "veh-1" {
		t.Fatalf("after re-set, most recent should be veh-1: got %v", got)
	}

	c.Set("veh-3", entry("veh-3", now))
	if _, ok := c.Get("veh-2"); ok {
		t.Fatal("veh-2 should have been evicted after veh-1 was touched")
	}
	if _, ok := c.Get("veh-1"); !ok {
		t.Fatal("veh-1 should have survived the eviction")
	}
}

func TestCache_SizeNeverExceedsCapacity(t *testing.T) {
	c := New(3, 0)
	now := time.Now()
	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("veh-%d", i%7), entry("x", now))
		if got := c.Len(); got > 3 {
			t.Fatalf("cache size %d exceeds capacity 3", got)
		}
	}
}

func TestCache_Delete(t *testing.T) {
	c := New(10, 0)
	now := time.Now()
	c.Set("veh-1", entry("veh-1", now))
	c.Delete("veh-1")
	if _, ok := c.Get("veh-1"); ok {
		t.Fatal("veh-1 still present after Delete")
	}
	// Deleting an absent id is a no-op.
	c.Delete("veh-404")
}

func TestCache_ExpirySweep(t *testing.T) {
	c := New(10, 50*time.Millisecond)
	now := time.Now()

	c.Set("stale", entry("stale", now.Add(-60*time.Millisecond)))
	c.Set("fresh", entry("fresh", now))

	var mu sync.Mutex
	var removed []string
	c.SetOnExpire(func(id string, e telemetry.Enriched) {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, id)
		if e.VehicleID != id {
			t.Errorf("callback entry mismatch: id=%s entry=%s", id, e.VehicleID)
		}
	})

	c.ExpirySweep(now)

	if _, ok := c.Get("stale"); ok {
		t.Fatal("stale vehicle still present after sweep")
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("fresh vehicle was removed by sweep")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("removal callback invocations: got %v, want [stale]", removed)
	}
}

func TestCache_ExpirySweep_ExactTTLBoundary(t *testing.T) {
	c := New(10, 50*time.Millisecond)
	now := time.Now()
	// now - lastSeen == ttl counts as expired.
	c.Set("edge", entry("edge", now.Add(-50*time.Millisecond)))
	c.ExpirySweep(now)
	if _, ok := c.Get("edge"); ok {
		t.Fatal("entry aged exactly ttl should expire")
	}
}

func TestCache_ExpirySweep_CallbackPanicIsContained(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	now := time.Now()
	c.Set("a", entry("a", now.Add(-time.Second)))
	c.Set("b", entry("b", now.Add(-time.Second)))

	var calls int
	c.SetOnExpire(func(id string, e telemetry.Enriched) {
		calls++
		panic("subscriber hung up")
	})

	c.ExpirySweep(now)

	if calls != 2 {
		t.Fatalf("callback calls despite panic: got %d, want 2", calls)
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("Len after sweep: got %d, want 0", got)
	}
}

func TestCache_TTLZeroDisablesExpiry(t *testing.T) {
	c := New(10, 0)
	now := time.Now()
	c.Set("veh-1", entry("veh-1", now.Add(-time.Hour)))
	c.ExpirySweep(now)
	if _, ok := c.Get("veh-1"); !ok {
		t.Fatal("entry expired even though ttl is 0")
	}
	// Start must not launch a sweep goroutine either.
	c.Start()
	c.Stop()
}

func TestCache_SweepLoop(t *testing.T) {
	c := newWithSweepInterval(10, 20*time.Millisecond, 10*time.Millisecond)
	expired := make(chan string, 1)
	c.SetOnExpire(func(id string, e telemetry.Enriched) {
		select {
		case expired <- id:
		default:
		}
	})
	c.Set("stale", entry("stale", time.Now().Add(-time.Second)))

	c.Start()
	defer c.Stop()

	select {
	case id := <-expired:
		if id != "stale" {
			t.Fatalf("expired id: got %q, want %q", id, "stale")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep loop did not expire the stale entry in time")
	}
}

func TestCache_StopIsIdempotent(t *testing.T) {
	c := New(10, time.Minute)
	c.Start()
	c.Stop()
	c.Stop()
}

func TestSweepInterval(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{500 * time.Millisecond, time.Second},
		{time.Second, time.Second},
		{5 * time.Second, 5 * time.Second},
		{time.Minute, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := sweepInterval(tt.ttl); got != tt.want {
			t.Errorf("sweepInterval(%v): got %v, want %v", tt.ttl, got, tt.want)
		}
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := fmt.Sprintf("veh-%d-%d", n, j%20)
				c.Set(id, entry(id, time.Now()))
				c.Get(id)
				c.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	if got := c.Len(); got > 100 {
		t.Fatalf("cache size %d exceeds capacity", got)
	}
}
