package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
)

func testManifest(id string) *manifest.Manifest {
	return &manifest.Manifest{
		ObjectID:  id,
		IsSplit:   true,
		TotalSize: 7,
		Chunks: []manifest.ChunkDescriptor{
			{Index: 0, Size: 4, Locator: blob.Locator{Provider: "tg", Channel: "-100", MessageID: 1}},
			{Index: 1, Size: 3, Locator: blob.Locator{Provider: "tg", Channel: "-100", MessageID: 2}},
		},
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(4, time.Minute)
	require.NoError(t, c.Set(ctx, testManifest("a")))

	got, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	got.Chunks[0].Size = 99

	again, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), again.Chunks[0].Size)
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(2, time.Minute)
	require.NoError(t, c.Set(ctx, testManifest("a")))
	require.NoError(t, c.Set(ctx, testManifest("b")))
	_, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Set(ctx, testManifest("c")))

	_, ok, _ = c.Get(ctx, "b")
	require.False(t, ok, "b was least recently used")
	_, ok, _ = c.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, 2, c.Len())
}

func TestMemoryExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemory(0, time.Minute)
	c.SetClock(func() time.Time { return now })
	require.NoError(t, c.Set(ctx, testManifest("a")))

	now = now.Add(59 * time.Second)
	_, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = c.Get(ctx, "a")
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestMemoryDeleteAndInvalid(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0, 0)
	require.NoError(t, c.Set(ctx, testManifest("a")))
	require.NoError(t, c.Delete(ctx, "a"))
	require.NoError(t, c.Delete(ctx, "missing"))
	_, ok, _ := c.Get(ctx, "a")
	require.False(t, ok)

	bad := testManifest("bad")
	bad.TotalSize = 1
	require.ErrorIs(t, c.Set(ctx, bad), manifest.ErrInvalidManifest)
}

func TestNewFallsBackToMemory(t *testing.T) {
	c := New(context.Background(), Config{RedisAddr: "127.0.0.1:1", Size: 8}, nil)
	defer c.Close()
	_, ok := c.(*Memory)
	require.True(t, ok)

	c = New(context.Background(), Config{}, nil)
	_, ok = c.(*Memory)
	require.True(t, ok)
}

func TestRedisKey(t *testing.T) {
	require.Equal(t, "spillway:manifest:abc", redisKey("abc"))
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("SPILLWAY_TEST_REDIS")
	if addr == "" {
		t.Skip("SPILLWAY_TEST_REDIS not set")
	}
	ctx := context.Background()
	c := New(ctx, Config{RedisAddr: addr, TTL: time.Minute}, nil)
	defer c.Close()
	r, ok := c.(*Redis)
	require.True(t, ok, "redis at %s not reachable", addr)

	want := testManifest("redis-" + time.Now().Format("150405.000000000"))
	require.NoError(t, r.Set(ctx, want))
	got, ok, err := r.Get(ctx, want.ObjectID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	require.NoError(t, r.Delete(ctx, want.ObjectID))
	_, ok, err = r.Get(ctx, want.ObjectID)
	require.NoError(t, err)
	require.False(t, ok)
}
