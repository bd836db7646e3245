package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetNotFound(t *testing.T) {
	s := NewMemory()

	_, err := s.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpsertAndGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	rec := Record{
		UserID:      1,
		Username:    "alice",
		Status:      StatusActive,
		Secret:      "0123456789abcdef0123456789abcdef",
		LastEventAt: time.Now(),
	}
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, rec.Secret, got.Secret)
	assert.Equal(t, StatusActive, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestMemoryUpsertPreservesCreatedAt(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Record{UserID: 1, Status: StatusPendingProvision, LastEventAt: time.Now()}))
	first, err := s.Get(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, Record{UserID: 1, Status: StatusActive, LastEventAt: time.Now()}))
	second, err := s.Get(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, StatusActive, second.Status)
}

func TestMemoryListByStatus(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Record{UserID: 1, Status: StatusActive, LastEventAt: time.Now()}))
	require.NoError(t, s.Upsert(ctx, Record{UserID: 2, Status: StatusRevoked, LastEventAt: time.Now()}))
	require.NoError(t, s.Upsert(ctx, Record{UserID: 3, Status: StatusActive, LastEventAt: time.Now()}))

	active, err := s.ListByStatus(ctx, StatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	failed, err := s.ListByStatus(ctx, StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestMemoryConcurrentUpserts(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = s.Upsert(ctx, Record{UserID: id, Status: StatusActive, LastEventAt: time.Now()})
		}(i)
	}
	wg.Wait()

	active, err := s.ListByStatus(ctx, StatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 50)
}

func TestStatusPending(t *testing.T) {
	assert.True(t, StatusPendingProvision.Pending())
	assert.True(t, StatusPendingRevoke.Pending())
	assert.False(t, StatusActive.Pending())
	assert.False(t, StatusRevoked.Pending())
	assert.False(t, StatusFailed.Pending())
}
