package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/diagnosis/turnstile/internal/domain"
	"github.com/diagnosis/turnstile/internal/repo/postgres"
	"github.com/diagnosis/turnstile/pkg/database"
)

func setupTestContainer(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.Migrate(pool))
	// a second run must be a no-op
	require.NoError(t, database.Migrate(pool))
	return pool
}

func seedUser(t *testing.T, pool *pgxpool.Pool, name, userType, identifier string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO users (name, user_type, identifier) VALUES ($1,$2,$3) RETURNING id`,
		name, userType, identifier,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestMigrate_ReleasesConnections(t *testing.T) {
	pool := setupTestContainer(t)

	assert.Zero(t, pool.Stat().AcquiredConns())
	for i := 0; i < int(pool.Config().MaxConns)+1; i++ {
		require.NoError(t, database.Migrate(pool))
	}
	assert.Zero(t, pool.Stat().AcquiredConns())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, pool.Ping(ctx), "pool still has connections to hand out")
}

func TestRepositories(t *testing.T) {
	pool := setupTestContainer(t)
	ctx := context.Background()

	users := postgres.NewUsersRepo(pool)
	fingers := postgres.NewFingersRepo(pool)
	logs := postgres.NewAccessLogRepo(pool)

	ana := seedUser(t, pool, "Ana", "student", "E7")
	bia := seedUser(t, pool, "Bia", "staff", "S2")

	t.Run("find by id and identifier", func(t *testing.T) {
		u, err := users.FindByID(ctx, ana)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "Ana", u.Name)
		assert.Equal(t, "student", u.Type)

		u, err = users.FindByIdentifier(ctx, "S2")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, bia, u.ID)

		u, err = users.FindByIdentifier(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("upsert replaces the slot for a user", func(t *testing.T) {
		require.NoError(t, fingers.UpsertBinding(ctx, ana, 3))
		require.NoError(t, fingers.UpsertBinding(ctx, ana, 5))

		n, err := fingers.CountBindings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		u, err := users.FindBySlot(ctx, 5)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, ana, u.ID)

		u, err = users.FindBySlot(ctx, 3)
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("reused slot moves to the new owner", func(t *testing.T) {
		require.NoError(t, fingers.UpsertBinding(ctx, bia, 5))

		u, err := users.FindBySlot(ctx, 5)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, bia, u.ID)
	})

	t.Run("clear bindings", func(t *testing.T) {
		require.NoError(t, fingers.ClearBindings(ctx))
		n, err := fingers.CountBindings(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("access log", func(t *testing.T) {
		at := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
		require.NoError(t, logs.Record(ctx, domain.AccessEvent{
			UserID:      ana,
			DisplayName: "Ana",
			UserType:    "student",
			Identifier:  "E7",
			Period:      domain.PeriodAfternoon,
			Timestamp:   at,
		}))

		recent, err := logs.ListRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, domain.PeriodAfternoon, recent[0].Period)
		assert.True(t, at.Equal(recent[0].Timestamp))
	})
}
