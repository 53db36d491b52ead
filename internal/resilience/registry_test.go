package resilience

import (
	"testing"
	"time"
)

func TestRegistrySharesBreakerPerService(t *testing.T) {
	reg := NewRegistry(DefaultBreakerConfig())
	a := reg.For("llm:openai")
	b := reg.For("llm:openai")
	if a != b {
		t.Fatalf("expected same breaker instance for same service key")
	}
	if reg.For("llm:anthropic") == a {
		t.Fatalf("distinct services must not share a breaker")
	}
}

func TestRegistryTierIsolation(t *testing.T) {
	reg := NewRegistry(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})
	free := reg.ForTier("llm:openai", "free")
	paid := reg.ForTier("llm:openai", "pro")
	free.RecordFailure()
	if free.Allow() {
		t.Fatalf("free-tier breaker should be open")
	}
	if !paid.Allow() {
		t.Fatalf("a free-tier outage must not trip the paid-tier breaker")
	}
	if reg.ForTier("llm:openai", "") == free {
		t.Fatalf("bare service key must not alias a tier key")
	}
}

func TestRegistryResetAll(t *testing.T) {
	reg := NewRegistry(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour})
	b := reg.For("search:brave")
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("expected open")
	}
	reg.ResetAll()
	if !b.Allow() {
		t.Fatalf("expected closed after reset")
	}
	if got := len(reg.Stats()); got != 1 {
		t.Fatalf("expected one breaker snapshot, got %d", got)
	}
}
