package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Update runs fn inside a transaction holding SELECT ... FOR UPDATE on the
// account's credential row.
func (r *PostgresRepository) Update(ctx context.Context, accountID string, fn func(cur *Record) (*Record, error)) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin credential tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
        SELECT account_id, token_blob, expires_at
        FROM credentials
        WHERE account_id = $1
        FOR UPDATE
    `
	var cur *Record
	var rec Record
	err = tx.QueryRow(ctx, query, accountID).Scan(&rec.AccountID, &rec.Blob, &rec.ExpiresAt)
	switch {
	case err == nil:
		cur = &rec
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("load credential: %w", err)
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next != nil {
		if err := upsert(ctx, tx, *next); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) Put(ctx context.Context, rec Record) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin credential tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := upsert(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsert(ctx context.Context, tx pgx.Tx, rec Record) error {
	query := `
        INSERT INTO credentials (account_id, token_blob, expires_at, updated_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (account_id) DO UPDATE
        SET token_blob = EXCLUDED.token_blob,
            expires_at = EXCLUDED.expires_at,
            updated_at = NOW()
    `
	if _, err := tx.Exec(ctx, query, rec.AccountID, rec.Blob, rec.ExpiresAt); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// MemoryRepository keeps sealed records in process.
type MemoryRepository struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{recs: make(map[string]Record)}
}

func (r *MemoryRepository) Update(ctx context.Context, accountID string, fn func(cur *Record) (*Record, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cur *Record
	if rec, ok := r.recs[accountID]; ok {
		cur = &rec
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next != nil {
		r.recs[accountID] = *next
	}
	return nil
}

func (r *MemoryRepository) Put(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[rec.AccountID] = rec
	return nil
}
