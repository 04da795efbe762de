package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock lets tests control expiry deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestKVPutGetDelete(t *testing.T) {
	t.Parallel()

	kv := NewKV(nil)
	ctx := context.Background()

	_, found, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, kv.Put(ctx, "k", []byte("v"), 0))
	value, found, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), value)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, found, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, kv.Delete(ctx, "k"))
}

func TestKVExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	kv := NewKV(clock)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "k", []byte("v"), time.Minute))

	_, found, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	clock.Advance(2 * time.Minute)
	_, found, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestKVGetReturnsCopy(t *testing.T) {
	t.Parallel()

	kv := NewKV(nil)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "k", []byte("abc"), 0))
	value, _, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	value[0] = 'x'

	again, _, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again)
}

func TestKVListPagination(t *testing.T) {
	t.Parallel()

	kv := NewKV(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, kv.Put(ctx, fmt.Sprintf("fetch:%02d", i), []byte("v"), 0))
	}
	require.NoError(t, kv.Put(ctx, "other:0", []byte("v"), 0))

	page, err := kv.List(ctx, "fetch:", "", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"fetch:00", "fetch:01"}, page.Keys)
	require.False(t, page.Complete)

	page, err = kv.List(ctx, "fetch:", page.Cursor, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"fetch:02", "fetch:03"}, page.Keys)
	require.False(t, page.Complete)

	page, err = kv.List(ctx, "fetch:", page.Cursor, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"fetch:04"}, page.Keys)
	require.True(t, page.Complete)
}

func TestKVListSkipsExpired(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	kv := NewKV(clock)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "fetch:live", []byte("v"), time.Hour))
	require.NoError(t, kv.Put(ctx, "fetch:stale", []byte("v"), time.Second))
	clock.Advance(time.Minute)

	page, err := kv.List(ctx, "fetch:", "", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"fetch:live"}, page.Keys)
	require.True(t, page.Complete)
}
