// Package testdb provides a migrated PostgreSQL database for integration
// tests. It uses SCRY_TEST_DB_URL when set and otherwise starts one
// disposable postgres container per test binary.
package testdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/phrazzld/scry-ingest/internal/platform/postgres"
)

// TestTimeout defines a default timeout for test database operations.
const TestTimeout = 30 * time.Second

// URLEnv names the variable pointing tests at an existing database.
const URLEnv = "SCRY_TEST_DB_URL"

var (
	once     sync.Once
	sharedDB *pgxpool.Pool
	setupErr error
)

// GetTestDatabaseURL returns the database URL from the environment, or "".
func GetTestDatabaseURL() string {
	if url := os.Getenv(URLEnv); url != "" {
		return url
	}
	return os.Getenv("DATABASE_URL")
}

// Pool returns the shared migrated pool, starting a container on first use.
// The test is skipped when no database can be provided.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		sharedDB, setupErr = open(ctx)
	})
	if setupErr != nil {
		t.Skipf("integration database unavailable: %v", setupErr)
	}
	return sharedDB
}

func open(ctx context.Context) (*pgxpool.Pool, error) {
	url := GetTestDatabaseURL()
	if url == "" {
		var err error
		url, err = startContainer(ctx)
		if err != nil {
			return nil, err
		}
	}

	pool, err := postgres.Connect(ctx, url, 10)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := postgres.Migrate(ctx, pool, "up", logger); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func startContainer(ctx context.Context) (string, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "scry",
				"POSTGRES_PASSWORD": "scry",
				"POSTGRES_DB":       "scry_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	// testcontainers may report "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("failed to get mapped port: %w", err)
	}
	return fmt.Sprintf("postgres://scry:scry@%s:%s/scry_test?sslmode=disable", host, port.Port()), nil
}

// WithTx runs fn inside a transaction that is always rolled back, so tests
// sharing the database do not see each other's rows.
func WithTx(t *testing.T, fn func(t *testing.T, tx pgx.Tx)) {
	t.Helper()
	pool := Pool(t)

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	tx, err := pool.Begin(ctx)
	require.NoError(t, err, "failed to begin transaction")
	defer func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			t.Errorf("failed to roll back test transaction: %v", err)
		}
	}()

	fn(t, tx)
}
