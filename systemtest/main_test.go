package systemtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mtwarden/mtwarden/internal/db"
	"github.com/mtwarden/mtwarden/internal/store"
	"github.com/mtwarden/mtwarden/systemtest/postgres"
	"github.com/mtwarden/mtwarden/systemtest/tests"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.StartPostgres(ctx, "mtwarden", "mtwarden", "mtwarden")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = postgres.TerminatePostgres(context.Background(), container)
	})

	dsn, err := postgres.ConnectionString(ctx, container)
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(dsn, "public"))

	pool, err := db.InitDB(ctx, dsn, "public")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	credStore := store.NewPostgres(pool)

	t.Run("SaltStable", func(t *testing.T) { tests.TestSaltStable(t, credStore) })
	t.Run("CredentialLifecycle", func(t *testing.T) { tests.TestCredentialLifecycle(t, credStore) })
	t.Run("ListByStatus", func(t *testing.T) { tests.TestListByStatus(t, credStore) })
}
