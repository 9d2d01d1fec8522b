package llm

import (
	"testing"
	"time"
)

func TestResponseCacheGetMiss(t *testing.T) {
	c := newResponseCache(10, time.Hour)
	if _, ok := c.get("sys", "user"); ok {
		t.Errorf("expected miss on empty cache")
	}
}

func TestResponseCachePutGet(t *testing.T) {
	c := newResponseCache(10, time.Hour)
	want := []Match{{TechniqueId: "T1566", ConfidenceScore: 80}}
	c.put("sys", "user", want)

	got, ok := c.get("sys", "user")
	if !ok || len(got) != 1 || got[0].TechniqueId != "T1566" {
		t.Errorf("expected cached match, got %v ok=%v", got, ok)
	}
}

func TestResponseCacheExpires(t *testing.T) {
	c := newResponseCache(10, time.Millisecond)
	c.put("sys", "user", []Match{{TechniqueId: "T1566"}})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.get("sys", "user"); ok {
		t.Errorf("expected expired entry to miss")
	}
}

func TestResponseCacheEvictsOldestWhenFull(t *testing.T) {
	c := newResponseCache(5, time.Hour)
	for i := 0; i < 5; i++ {
		c.put(string(rune('a'+i)), "user", []Match{{TechniqueId: "T1"}})
	}
	// Adding a 6th entry should trigger eviction rather than grow unbounded.
	c.put("f", "user", []Match{{TechniqueId: "T1"}})
	if len(c.entries) > 5 {
		t.Errorf("expected cache to stay near capacity, got %d entries", len(c.entries))
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := newCircuitBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		b.recordFailure()
	}
	if !b.open() {
		t.Errorf("expected circuit to be open after 3 consecutive failures")
	}
}

func TestCircuitBreakerClosesAfterSuccess(t *testing.T) {
	b := newCircuitBreaker(3, time.Minute)
	b.recordFailure()
	b.recordFailure()
	b.recordSuccess()
	b.recordFailure()
	if b.open() {
		t.Errorf("expected circuit to stay closed after a success reset the streak")
	}
}

func TestCircuitBreakerClosesAfterOpenDuration(t *testing.T) {
	b := newCircuitBreaker(2, time.Millisecond)
	b.recordFailure()
	b.recordFailure()
	time.Sleep(5 * time.Millisecond)
	if b.open() {
		t.Errorf("expected circuit to close after open duration elapses")
	}
}
