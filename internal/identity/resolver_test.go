package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/turnstile/internal/domain"
)

type fakeUsers struct {
	byID  map[int64]*domain.User
	slots map[int]int64
	err   error
}

func (f *fakeUsers) FindByID(_ context.Context, id int64) (*domain.User, error) {
	return f.byID[id], f.err
}

func (f *fakeUsers) FindByIdentifier(_ context.Context, identifier string) (*domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.byID {
		if u.Identifier == identifier {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) FindBySlot(_ context.Context, slot int) (*domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.slots[slot]
	if !ok {
		return nil, nil
	}
	return f.byID[id], nil
}

type fakeFingers struct {
	bindings map[int64]int
	err      error
}

func (f *fakeFingers) UpsertBinding(_ context.Context, userID int64, slot int) error {
	if f.err != nil {
		return f.err
	}
	f.bindings[userID] = slot
	return nil
}

func (f *fakeFingers) ClearBindings(context.Context) error {
	if f.err != nil {
		return f.err
	}
	clear(f.bindings)
	return nil
}

func (f *fakeFingers) CountBindings(context.Context) (int, error) { return len(f.bindings), f.err }

func newResolver() (*Resolver, *fakeUsers, *fakeFingers) {
	users := &fakeUsers{
		byID: map[int64]*domain.User{
			7: {ID: 7, Name: "Ana", Type: "student", Identifier: "E7"},
		},
		slots: map[int]int64{12: 7, 13: 99},
	}
	fingers := &fakeFingers{bindings: map[int64]int{}}
	return NewResolver(users, fingers), users, fingers
}

func TestUserBySlot(t *testing.T) {
	r, users, _ := newResolver()
	ctx := context.Background()

	u, err := r.UserBySlot(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, "Ana", u.Name)

	_, err = r.UserBySlot(ctx, 13)
	assert.ErrorIs(t, err, ErrUserNotFound, "slot bound to a deleted user")

	_, err = r.UserBySlot(ctx, 40)
	assert.ErrorIs(t, err, ErrUserNotFound)

	users.err = errors.New("connection reset")
	_, err = r.UserBySlot(ctx, 12)
	assert.ErrorIs(t, err, domain.ErrPersistence)
}

func TestResolve(t *testing.T) {
	r, _, _ := newResolver()
	ctx := context.Background()

	u, err := r.Resolve(ctx, 0, " e7 ")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)

	u, err = r.Resolve(ctx, 7, "E7")
	require.NoError(t, err)
	assert.Equal(t, "E7", u.Identifier)

	_, err = r.Resolve(ctx, 7, "E8")
	assert.ErrorIs(t, err, ErrIdentifierMismatch)

	_, err = r.Resolve(ctx, 8, "")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestBindTemplate(t *testing.T) {
	r, _, fingers := newResolver()
	ctx := context.Background()

	require.NoError(t, r.BindTemplate(ctx, 7, 3))
	require.NoError(t, r.BindTemplate(ctx, 7, 4))
	assert.Equal(t, map[int64]int{7: 4}, fingers.bindings)
	n, err := r.CountBindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fingers.err = errors.New("disk full")
	err = r.BindTemplate(ctx, 7, 5)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 5, de.Slot)

	assert.ErrorIs(t, r.ClearBindings(ctx), domain.ErrPersistence)
	_, err = r.CountBindings(ctx)
	assert.ErrorIs(t, err, domain.ErrPersistence)
}
