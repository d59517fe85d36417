// Package identity maps sensor slots and identifiers to users and records
// which slot each user's template lives in.
package identity

import (
	"context"
	"errors"

	"github.com/diagnosis/turnstile/internal/domain"
	"github.com/diagnosis/turnstile/internal/repo/postgres"
	"github.com/diagnosis/turnstile/internal/utils"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrIdentifierMismatch = errors.New("identifier does not belong to user")
)

type Resolver struct {
	users   postgres.UsersRepo
	fingers postgres.FingersRepo
}

func NewResolver(users postgres.UsersRepo, fingers postgres.FingersRepo) *Resolver {
	return &Resolver{users: users, fingers: fingers}
}

// UserBySlot returns the owner of a template slot. An orphaned slot yields
// ErrUserNotFound.
func (r *Resolver) UserBySlot(ctx context.Context, slot int) (*domain.User, error) {
	u, err := r.users.FindBySlot(ctx, slot)
	if err != nil {
		return nil, domain.Wrap(domain.KindPersistence, "resolve slot", err)
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (r *Resolver) UserByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	u, err := r.users.FindByIdentifier(ctx, utils.NormalizeIdentifier(identifier))
	if err != nil {
		return nil, domain.Wrap(domain.KindPersistence, "resolve identifier", err)
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (r *Resolver) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	u, err := r.users.FindByID(ctx, id)
	if err != nil {
		return nil, domain.Wrap(domain.KindPersistence, "resolve user", err)
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// Resolve finds the user an enrollment request refers to. The id wins when
// present; an identifier given alongside it must belong to the same user.
func (r *Resolver) Resolve(ctx context.Context, id int64, identifier string) (*domain.User, error) {
	if id == 0 {
		return r.UserByIdentifier(ctx, identifier)
	}
	u, err := r.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if identifier != "" && utils.NormalizeIdentifier(identifier) != utils.NormalizeIdentifier(u.Identifier) {
		return nil, ErrIdentifierMismatch
	}
	return u, nil
}

func (r *Resolver) BindTemplate(ctx context.Context, userID int64, slot int) error {
	if err := r.fingers.UpsertBinding(ctx, userID, slot); err != nil {
		e := domain.Wrap(domain.KindPersistence, "upsert binding", err)
		e.Slot = slot
		return e
	}
	return nil
}

func (r *Resolver) ClearBindings(ctx context.Context) error {
	if err := r.fingers.ClearBindings(ctx); err != nil {
		return domain.Wrap(domain.KindPersistence, "clear bindings", err)
	}
	return nil
}

// CountBindings reports how many users have a template slot on record.
func (r *Resolver) CountBindings(ctx context.Context) (int, error) {
	n, err := r.fingers.CountBindings(ctx)
	if err != nil {
		return 0, domain.Wrap(domain.KindPersistence, "count bindings", err)
	}
	return n, nil
}
