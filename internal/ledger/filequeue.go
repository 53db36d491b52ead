package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileQueue is a PendingQueue backed by a single JSON file, written
// atomically via rename. Suitable for single-node deployments; the
// Postgres queue serves multi-node setups.
type FileQueue struct {
	path string
	mu   sync.Mutex
}

// NewFileQueue creates a queue persisting to path. The parent directory
// is created if missing.
func NewFileQueue(path string) (*FileQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileQueue{path: path}, nil
}

func (q *FileQueue) load() ([]PendingFinalization, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out []PendingFinalization
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return out, nil
}

func (q *FileQueue) save(entries []PendingFinalization) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("rename queue: %w", err)
	}
	return nil
}

func (q *FileQueue) Append(ctx context.Context, p PendingFinalization) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load()
	if err != nil {
		return err
	}
	return q.save(append(entries, p))
}

func (q *FileQueue) ListPending(ctx context.Context) ([]PendingFinalization, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

func (q *FileQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load()
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return q.save(out)
}
