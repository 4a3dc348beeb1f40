package helpers

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hbomb79/Harmony/internal/database"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/gommon/random"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	User     = "postgres"
	Password = "postgres"
	DBName   = "HARMONY_DB"
)

// NewSqliteDatabase connects a fresh, fully migrated sqlite database
// stored inside of a temporary directory owned by the test.
func NewSqliteDatabase(t *testing.T) *sqlx.DB {
	return connect(t, database.DatabaseConfig{
		Dialect: database.SqliteDialect,
		Path:    filepath.Join(t.TempDir(), fmt.Sprintf("harmony-%s.db", random.String(8, random.Alphanumeric))),
	})
}

// NewPostgresDatabase spawns a postgres container and connects
// a migrated database to it. The container is terminated when the test completes.
func NewPostgresDatabase(t *testing.T) *sqlx.DB {
	ctx := context.Background()
	postgresC, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
		postgres.WithDatabase(DBName),
		postgres.WithUsername(User),
		postgres.WithPassword(Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := postgresC.Terminate(ctx); err != nil {
			t.Logf("WARNING: failed to terminate postgres container: %s", err)
		}
	})

	host, err := postgresC.Host(ctx)
	require.NoError(t, err)
	port, err := postgresC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return connect(t, database.DatabaseConfig{
		Dialect:  database.PostgresDialect,
		Host:     host,
		Port:     port.Port(),
		User:     User,
		Password: Password,
		Name:     DBName,
	})
}

func connect(t *testing.T, config database.DatabaseConfig) *sqlx.DB {
	manager := database.New()
	require.NoError(t, manager.Connect(config), "failed to connect to %s database", config.Dialect)
	t.Cleanup(func() { _ = manager.Close() })

	return manager.GetSqlxDb()
}
