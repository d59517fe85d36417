package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diagnosis/turnstile/internal/domain"
)

type UsersRepo interface {
	FindByID(ctx context.Context, id int64) (*domain.User, error)
	FindByIdentifier(ctx context.Context, identifier string) (*domain.User, error)
	// FindBySlot resolves the owner of a sensor template slot through user_finger.
	FindBySlot(ctx context.Context, slot int) (*domain.User, error)
}

type UsersRepoImpl struct{ pool *pgxpool.Pool }

func NewUsersRepo(pool *pgxpool.Pool) *UsersRepoImpl { return &UsersRepoImpl{pool: pool} }

func (r *UsersRepoImpl) FindByID(ctx context.Context, id int64) (*domain.User, error) {
	const q = `SELECT id, name, user_type, identifier FROM users WHERE id=$1`
	return r.findOne(ctx, q, id)
}

func (r *UsersRepoImpl) FindByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	const q = `SELECT id, name, user_type, identifier FROM users WHERE identifier=$1`
	return r.findOne(ctx, q, identifier)
}

func (r *UsersRepoImpl) FindBySlot(ctx context.Context, slot int) (*domain.User, error) {
	const q = `
SELECT u.id, u.name, u.user_type, u.identifier
FROM users u
JOIN user_finger f ON f.user_id = u.id
WHERE f.template_position=$1`
	return r.findOne(ctx, q, slot)
}

// findOne returns nil, nil when no row matches.
func (r *UsersRepoImpl) findOne(ctx context.Context, q string, arg any) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var u domain.User
	err := r.pool.QueryRow(ctx, q, arg).Scan(&u.ID, &u.Name, &u.Type, &u.Identifier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
