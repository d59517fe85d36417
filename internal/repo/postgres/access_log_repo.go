package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diagnosis/turnstile/internal/domain"
)

type AccessLogRepo interface {
	Record(ctx context.Context, ev domain.AccessEvent) error
	ListRecent(ctx context.Context, limit int) ([]domain.AccessEvent, error)
}

type AccessLogRepoImpl struct{ pool *pgxpool.Pool }

func NewAccessLogRepo(pool *pgxpool.Pool) *AccessLogRepoImpl { return &AccessLogRepoImpl{pool: pool} }

func (r *AccessLogRepoImpl) Record(ctx context.Context, ev domain.AccessEvent) error {
	const q = `
INSERT INTO access_log (user_id, name, user_type, identifier, period, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.pool.Exec(ctx, q, ev.UserID, ev.DisplayName, ev.UserType, ev.Identifier, string(ev.Period), ev.Timestamp)
	return err
}

func (r *AccessLogRepoImpl) ListRecent(ctx context.Context, limit int) ([]domain.AccessEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	const q = `
SELECT user_id, name, user_type, identifier, period, created_at
FROM access_log
ORDER BY created_at DESC, id DESC
LIMIT $1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AccessEvent
	for rows.Next() {
		var ev domain.AccessEvent
		var period string
		if err := rows.Scan(&ev.UserID, &ev.DisplayName, &ev.UserType, &ev.Identifier, &period, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Period = domain.Period(period)
		out = append(out, ev)
	}
	return out, rows.Err()
}
