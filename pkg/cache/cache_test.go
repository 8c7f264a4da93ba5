package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCache(limit int) *Cache {
	return New(Options{MaxEntries: limit, DefaultTTL: time.Hour}, MetricsHooks{})
}

func TestPutGetDeleteExists(t *testing.T) {
	c := newTestCache(100)

	c.Put("map_data:abc", "value", 0)
	if v, ok := c.Get("map_data:abc"); !ok || v.(string) != "value" {
		t.Fatalf("expected stored value, got %v %v", v, ok)
	}
	if !c.Exists("map_data:abc") {
		t.Fatalf("expected key to exist")
	}

	c.Delete("map_data:abc")
	if c.Exists("map_data:abc") {
		t.Fatalf("expected key to be deleted")
	}
}

func TestExpiry(t *testing.T) {
	c := newTestCache(100)

	c.Put("system:1", 42, 10*time.Millisecond)
	if _, ok := c.Get("system:1"); !ok {
		t.Fatalf("expected value before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("system:1"); ok {
		t.Fatalf("expected value to expire")
	}
}

func TestNoExpiry(t *testing.T) {
	c := New(Options{MaxEntries: 100, DefaultTTL: time.Millisecond}, MetricsHooks{})

	c.Put("license:state", "v", NoExpiry)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("license:state"); !ok {
		t.Fatalf("expected NoExpiry entry to survive the default TTL")
	}
}

func TestUpdateCounter(t *testing.T) {
	c := newTestCache(100)

	if got := c.UpdateCounter("counters:a", 3, 0); got != 3 {
		t.Fatalf("expected counter init to delta, got %d", got)
	}
	if got := c.UpdateCounter("counters:a", 2, 0); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.UpdateCounter("counters:concurrent", 1, 0)
		}()
	}
	wg.Wait()
	if got := c.UpdateCounter("counters:concurrent", 0, 0); got != 50 {
		t.Fatalf("expected 50 after concurrent updates, got %d", got)
	}
}

func TestWindowedCounterSameWindow(t *testing.T) {
	c := newTestCache(100)

	first := c.UpdateWindowedCounter("http_rate_limit:example.com", time.Second, 0)
	if first.Requests != 1 {
		t.Fatalf("expected fresh window to start at 1, got %d", first.Requests)
	}
	for i := 2; i <= 5; i++ {
		got := c.UpdateWindowedCounter("http_rate_limit:example.com", time.Second, 0)
		if got.Requests != int64(i) {
			t.Fatalf("expected %d requests, got %d", i, got.Requests)
		}
		if !got.WindowStart.Equal(first.WindowStart) {
			t.Fatalf("window start must not move within an open window")
		}
	}
}

func TestWindowedCounterRollsOver(t *testing.T) {
	c := newTestCache(100)

	first := c.UpdateWindowedCounter("http_rate_limit:h", 20*time.Millisecond, 0)
	c.UpdateWindowedCounter("http_rate_limit:h", 20*time.Millisecond, 0)
	time.Sleep(25 * time.Millisecond)

	next := c.UpdateWindowedCounter("http_rate_limit:h", 20*time.Millisecond, 0)
	if next.Requests != 1 {
		t.Fatalf("expected rollover to reset requests, got %d", next.Requests)
	}
	if !next.WindowStart.After(first.WindowStart) {
		t.Fatalf("expected a new window start after rollover")
	}
}

func TestClearNamespace(t *testing.T) {
	c := newTestCache(1000)

	for i := 0; i < 25; i++ {
		c.Put(fmt.Sprintf("map_data:%d", i), i, 0)
	}
	c.Put("system:keep", "v", 0)

	removed, async := c.ClearNamespace("map_data", ClearOptions{BatchSize: 10})
	if async {
		t.Fatalf("expected synchronous clear")
	}
	if removed != 25 {
		t.Fatalf("expected 25 removed, got %d", removed)
	}
	if !c.Exists("system:keep") {
		t.Fatalf("other namespaces must be untouched")
	}
	if got := c.IndexedKeys("map_data"); len(got) != 0 {
		t.Fatalf("expected empty index after clear, got %v", got)
	}
}

func TestClearNamespaceAsync(t *testing.T) {
	c := newTestCache(1000)
	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("killmail:%d", i), i, 0)
	}

	_, async := c.ClearNamespace("killmail", ClearOptions{Async: true, BatchSize: 4})
	if !async {
		t.Fatalf("expected async clear")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(c.IndexedKeys("killmail")) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("async clear did not finish")
}

func TestBatchOps(t *testing.T) {
	c := newTestCache(1000)

	c.PutBatch(map[string]any{"character:1": "a", "character:2": "b"})
	c.PutBatchWithTTL([]Entry{
		{Key: "item_price:34", Value: 4.5, TTL: time.Minute},
		{Key: "item_price:35", Value: 9.0, TTL: NoExpiry},
	})

	got := c.GetBatch([]string{"character:1", "character:2", "item_price:34", "missing:x"})
	if len(got) != 3 {
		t.Fatalf("expected 3 present values, got %d", len(got))
	}
}

func TestEvictionBoundsStore(t *testing.T) {
	c := New(Options{MaxEntries: 50, DefaultTTL: time.Hour}, MetricsHooks{})

	for i := 0; i < 80; i++ {
		c.Put(fmt.Sprintf("system:%d", i), i, 0)
	}
	stats := c.GetStats()
	if stats.Evictions == 0 {
		t.Fatalf("expected evictions above the limit")
	}
	if stats.Size > 80 {
		t.Fatalf("eviction did not bound the store: size %d", stats.Size)
	}
}

func TestProtectedNamespaceSurvivesEviction(t *testing.T) {
	c := New(Options{MaxEntries: 50, DefaultTTL: time.Hour}, MetricsHooks{})
	c.Protect("http_rate_limit")

	c.UpdateWindowedCounter("http_rate_limit:api.example.com", time.Minute, 0)
	c.UpdateWindowedCounter("http_rate_limit:api.example.com", time.Minute, 0)

	// Flood well past the limit so eviction runs repeatedly.
	for i := 0; i < 200; i++ {
		c.Put(fmt.Sprintf("system:%d", i), i, 0)
	}
	if c.GetStats().Evictions == 0 {
		t.Fatalf("expected evictions above the limit")
	}

	got := c.UpdateWindowedCounter("http_rate_limit:api.example.com", time.Minute, 0)
	if got.Requests != 3 {
		t.Fatalf("bucket count reset by eviction: got %d, want 3", got.Requests)
	}
}

func TestListNamespaces(t *testing.T) {
	c := newTestCache(100)
	c.Put("map_data:a", 1, 0)
	c.Put("system:b", 2, 0)

	withIndex := c.ListNamespaces(true)
	scan := c.ListNamespaces(false)
	if len(withIndex) != 2 || len(scan) != 2 {
		t.Fatalf("expected two namespaces, got %v and %v", withIndex, scan)
	}
	if withIndex[0] != "map_data" || withIndex[1] != "system" {
		t.Fatalf("unexpected namespaces %v", withIndex)
	}
}

func TestCheckAndMark(t *testing.T) {
	c := newTestCache(100)

	if !c.CheckAndMark(DedupKillmail, "km-1") {
		t.Fatalf("first mark must report new")
	}
	if c.CheckAndMark(DedupKillmail, "km-1") {
		t.Fatalf("second mark must report seen")
	}
	if !c.CheckAndMark(DedupSystem, "km-1") {
		t.Fatalf("distinct types must not collide")
	}

	c.ClearDedup(DedupKillmail, "km-1")
	if !c.CheckAndMark(DedupKillmail, "km-1") {
		t.Fatalf("cleared mark must be new again")
	}
}

func TestTTLPresets(t *testing.T) {
	if TTLFor("license") != 20*time.Minute {
		t.Fatalf("license preset wrong")
	}
	if TTLFor("health_check") != time.Second {
		t.Fatalf("health_check preset wrong")
	}
	if TTLFor("unknown_ns") != DefaultTTL {
		t.Fatalf("unknown namespace must use the default TTL")
	}
}
