package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FingersRepo persists which sensor slot holds each user's template.
type FingersRepo interface {
	// UpsertBinding records slot for userID, replacing any earlier slot. A slot
	// previously bound to another user is released first.
	UpsertBinding(ctx context.Context, userID int64, slot int) error
	ClearBindings(ctx context.Context) error
	CountBindings(ctx context.Context) (int, error)
}

type FingersRepoImpl struct{ pool *pgxpool.Pool }

func NewFingersRepo(pool *pgxpool.Pool) *FingersRepoImpl { return &FingersRepoImpl{pool: pool} }

func (r *FingersRepoImpl) UpsertBinding(ctx context.Context, userID int64, slot int) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// the sensor reuses freed slots, so a stale row may still claim this one
	if _, err := tx.Exec(ctx,
		`DELETE FROM user_finger WHERE template_position=$1 AND user_id<>$2`, slot, userID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO user_finger (user_id, template_position)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET
	template_position = EXCLUDED.template_position,
	enrolled_at = now()`, userID, slot,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *FingersRepoImpl) ClearBindings(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.pool.Exec(ctx, `TRUNCATE TABLE user_finger`)
	return err
}

func (r *FingersRepoImpl) CountBindings(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM user_finger`).Scan(&n)
	return n, err
}
