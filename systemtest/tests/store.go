package tests

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtwarden/mtwarden/internal/store"
)

func TestSaltStable(t *testing.T, s *store.Postgres) {
	ctx := context.Background()

	first, err := s.EnsureSalt(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	// A second call must hand back the same salt, not mint a new one.
	second, err := s.EnsureSalt(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second))
}

func TestCredentialLifecycle(t *testing.T, s *store.Postgres) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, 404)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("insert and read back", func(t *testing.T) {
		rec := store.Record{
			UserID:      101,
			Username:    "alice",
			Status:      store.StatusPendingProvision,
			LastEventAt: now,
		}
		require.NoError(t, s.Upsert(ctx, rec))

		got, err := s.Get(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, store.StatusPendingProvision, got.Status)
		assert.Empty(t, got.Secret)
		assert.Equal(t, 0, got.Generation)
		assert.WithinDuration(t, now, got.LastEventAt, time.Second)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("update via conflict", func(t *testing.T) {
		rec := store.Record{
			UserID:      101,
			Username:    "alice",
			Status:      store.StatusActive,
			Secret:      "00112233445566778899aabbccddeeff",
			LastEventAt: now.Add(time.Minute),
		}
		require.NoError(t, s.Upsert(ctx, rec))

		got, err := s.Get(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, store.StatusActive, got.Status)
		assert.Equal(t, rec.Secret, got.Secret)
		assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))
	})

	t.Run("revoke clears secret", func(t *testing.T) {
		rec := store.Record{
			UserID:      101,
			Username:    "alice",
			Status:      store.StatusRevoked,
			Generation:  1,
			LastEventAt: now.Add(2 * time.Minute),
		}
		require.NoError(t, s.Upsert(ctx, rec))

		got, err := s.Get(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, store.StatusRevoked, got.Status)
		assert.Empty(t, got.Secret)
		assert.Equal(t, 1, got.Generation)
	})
}

func TestListByStatus(t *testing.T, s *store.Postgres) {
	ctx := context.Background()
	now := time.Now().UTC()

	for i, status := range []store.Status{
		store.StatusPendingProvision,
		store.StatusPendingProvision,
		store.StatusPendingRevoke,
		store.StatusActive,
	} {
		rec := store.Record{
			UserID:      int64(200 + i),
			Username:    "user",
			Status:      status,
			LastEventAt: now,
		}
		if status == store.StatusActive || status == store.StatusPendingRevoke {
			rec.Secret = "ffeeddccbbaa99887766554433221100"
		}
		require.NoError(t, s.Upsert(ctx, rec))
	}

	pending, err := s.ListByStatus(ctx, store.StatusPendingProvision)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	revoking, err := s.ListByStatus(ctx, store.StatusPendingRevoke)
	require.NoError(t, err)
	require.Len(t, revoking, 1)
	assert.Equal(t, int64(202), revoking[0].UserID)

	failed, err := s.ListByStatus(ctx, store.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}
