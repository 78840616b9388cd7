package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kailas-cloud/streamdex/internal/db"
)

func TestStore_GetSet(t *testing.T) {
	s := NewStore(10, 0)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrKeyNotFound)

	val := []byte("value")
	require.NoError(t, s.Set(ctx, "k", val))
	val[0] = 'X'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "value", string(got), "stored value is a copy")
}

func TestStore_MGet(t *testing.T) {
	s := NewStore(10, 0)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	require.NoError(t, s.SetWithTTL(ctx, "c", []byte("3"), time.Hour))

	vals, err := s.MGet(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, "1", string(vals[0]))
	assert.Nil(t, vals[1])
	assert.Equal(t, "3", string(vals[2]))
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := NewStore(2, 0)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	require.NoError(t, s.Set(ctx, "b", []byte("2")))
	_, _ = s.Get(ctx, "a")
	require.NoError(t, s.Set(ctx, "c", []byte("3")))

	assert.Equal(t, 2, s.Len())
	_, err := s.Get(ctx, "b")
	assert.ErrorIs(t, err, db.ErrKeyNotFound)
	_, err = s.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestStore_TTL(t *testing.T) {
	s := NewStore(10, 20*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1")))

	assert.Eventually(t, func() bool {
		_, err := s.Get(ctx, "a")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
