package cache

import (
	"context"
	"testing"
	"time"
)

func TestKeyStableAndDistinct(t *testing.T) {
	a := Key{Stage: "searching", Provider: "brave", Query: "solar panels"}
	b := Key{Stage: "searching", Provider: "brave", Query: "solar panels"}
	if a.String() != b.String() {
		t.Fatal("identical keys must render identically")
	}
	c := Key{Stage: "searching", Provider: "serper", Query: "solar panels"}
	if a.String() == c.String() {
		t.Fatal("different providers must produce different keys")
	}
	d := Key{Stage: "extracting", Provider: "brave", Query: "solar panels"}
	if a.String() == d.String() {
		t.Fatal("different stages must produce different keys")
	}
}

func TestKeyUpstreamHashChangesKey(t *testing.T) {
	round1 := Key{Stage: "searching", Provider: "brave", Query: "gap query"}
	round2a := Key{Stage: "searching", Provider: "brave", Query: "gap query", UpstreamHash: HashJSON([]string{"source-a"})}
	round2b := Key{Stage: "searching", Provider: "brave", Query: "gap query", UpstreamHash: HashJSON([]string{"source-b"})}
	if round1.String() == round2a.String() {
		t.Fatal("upstream hash must change the key")
	}
	if round2a.String() == round2b.String() {
		t.Fatal("different upstream output must produce different keys")
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	key := Key{Stage: "searching", Provider: "brave", Query: "q"}
	s.Put(context.Background(), key, map[string]string{"hello": "world"}, time.Minute)

	var out map[string]string
	if !s.Get(context.Background(), key, &out) {
		t.Fatal("expected hit")
	}
	if out["hello"] != "world" {
		t.Fatalf("unexpected value: %v", out)
	}

	var miss map[string]string
	if s.Get(context.Background(), Key{Stage: "searching", Provider: "brave", Query: "other"}, &miss) {
		t.Fatal("expected miss for different query")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	key := Key{Stage: "searching", Provider: "brave", Query: "q"}
	s.Put(context.Background(), key, "value", time.Hour)

	var out string
	if !s.Get(context.Background(), key, &out) {
		t.Fatal("expected hit before expiry")
	}

	current = current.Add(time.Hour + time.Second)
	if s.Get(context.Background(), key, &out) {
		t.Fatal("expected miss after expiry")
	}
	if s.Len() != 0 {
		t.Fatalf("expected expired entries pruned, have %d", s.Len())
	}
}

func TestMemoryStoreZeroTTLDisablesWrite(t *testing.T) {
	s := NewMemoryStore()
	key := Key{Stage: "searching", Provider: "brave", Query: "q"}
	s.Put(context.Background(), key, "value", 0)
	var out string
	if s.Get(context.Background(), key, &out) {
		t.Fatal("zero TTL must not store")
	}
}

func TestDisabledStore(t *testing.T) {
	var s Store = Disabled{}
	key := Key{Stage: "searching", Provider: "brave", Query: "q"}
	s.Put(context.Background(), key, "value", time.Minute)
	var out string
	if s.Get(context.Background(), key, &out) {
		t.Fatal("disabled store must never hit")
	}
}
