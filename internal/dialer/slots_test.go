package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySlots_LeasesCapAndRelease(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySlots(time.Hour)

	a, ok, err := s.Acquire(ctx, "c1", 2)
	require.NoError(t, err)
	require.True(t, ok)
	b, ok, _ := s.Acquire(ctx, "c1", 2)
	require.True(t, ok)
	assert.NotEqual(t, a, b)

	_, ok, _ = s.Acquire(ctx, "c1", 2)
	assert.False(t, ok, "limit reached")
	_, ok, _ = s.Acquire(ctx, "c2", 2)
	assert.True(t, ok, "campaigns are independent")

	require.NoError(t, s.Release(ctx, "c1", a))
	require.NoError(t, s.Release(ctx, "c1", a))
	n, _ := s.Active(ctx, "c1")
	assert.Equal(t, 1, n, "double release frees one slot only")

	require.NoError(t, s.Release(ctx, "c1", "unknown"))
	n, _ = s.Active(ctx, "c1")
	assert.Equal(t, 1, n)
}

func TestMemorySlots_LeasesExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemorySlots(30 * time.Minute)
	s.now = func() time.Time { return now }

	stale, ok, _ := s.Acquire(ctx, "c1", 1)
	require.True(t, ok)
	_, ok, _ = s.Acquire(ctx, "c1", 1)
	assert.False(t, ok)

	// The hangup for the first call never arrived.
	now = now.Add(30 * time.Minute)
	n, _ := s.Active(ctx, "c1")
	assert.Equal(t, 0, n)

	fresh, ok, _ := s.Acquire(ctx, "c1", 1)
	require.True(t, ok, "expired lease frees its slot")

	require.NoError(t, s.Release(ctx, "c1", stale))
	n, _ = s.Active(ctx, "c1")
	assert.Equal(t, 1, n, "releasing an expired lease leaves the new one alone")

	require.NoError(t, s.Release(ctx, "c1", fresh))
	n, _ = s.Active(ctx, "c1")
	assert.Equal(t, 0, n)
}
