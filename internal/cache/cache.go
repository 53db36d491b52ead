package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Key identifies one cached stage result. Round-2 searches carry an
// UpstreamHash derived from round-1 output, so a changed first round
// never serves a stale second-round entry.
type Key struct {
	Stage    string
	Provider string
	Query    string
	// UpstreamHash fingerprints the upstream stage output this entry
	// depends on. Empty for stages with no upstream dependency.
	UpstreamHash string
}

// String renders the key as a stable cache identifier. The variable
// parts are hashed so arbitrary queries cannot produce unbounded or
// unsafe key strings.
func (k Key) String() string {
	sum := sha256.Sum256([]byte(k.Provider + "\x00" + k.Query + "\x00" + k.UpstreamHash))
	return fmt.Sprintf("deepresearch:%s:%s", k.Stage, hex.EncodeToString(sum[:16]))
}

// HashJSON fingerprints any JSON-marshalable value, for use as an
// upstream hash.
func HashJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

// Store is a TTL'd stage-result cache. Both operations are best-effort:
// a miss and a backend failure look the same to callers, and writes may
// silently fail. The pipeline must behave identically with a Store that
// never retains anything.
type Store interface {
	// Get unmarshals the entry for key into out. ok is false on miss or
	// backend failure.
	Get(ctx context.Context, key Key, out any) (ok bool)

	// Put stores value under key for ttl. Best-effort.
	Put(ctx context.Context, key Key, value any, ttl time.Duration)
}

// Disabled is a Store that retains nothing.
type Disabled struct{}

func (Disabled) Get(ctx context.Context, key Key, out any) bool                 { return false }
func (Disabled) Put(ctx context.Context, key Key, value any, ttl time.Duration) {}
