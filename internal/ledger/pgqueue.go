package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PGQueue is a PendingQueue backed by Postgres, for deployments where
// more than one node settles reservations. Schema lives in the
// migrations directory.
type PGQueue struct {
	db *sql.DB
}

// NewPGQueue wraps an open database handle.
func NewPGQueue(db *sql.DB) *PGQueue {
	return &PGQueue{db: db}
}

// OpenPGQueue connects to Postgres and verifies the connection.
func OpenPGQueue(ctx context.Context, dsn string) (*PGQueue, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGQueue{db: db}, nil
}

// Close releases the underlying pool.
func (q *PGQueue) Close() error { return q.db.Close() }

func (q *PGQueue) Append(ctx context.Context, p PendingFinalization) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_finalizations (id, reservation_id, user_id, actual_cost, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.ReservationID, p.UserID, p.ActualCost, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pending finalization: %w", err)
	}
	return nil
}

func (q *PGQueue) ListPending(ctx context.Context) ([]PendingFinalization, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, reservation_id, user_id, actual_cost, created_at
		FROM pending_finalizations
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending finalizations: %w", err)
	}
	defer rows.Close()

	var out []PendingFinalization
	for rows.Next() {
		var p PendingFinalization
		if err := rows.Scan(&p.ID, &p.ReservationID, &p.UserID, &p.ActualCost, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending finalization: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *PGQueue) Remove(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM pending_finalizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pending finalization: %w", err)
	}
	return nil
}
