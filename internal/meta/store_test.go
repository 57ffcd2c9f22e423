package meta

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func splitManifest(id string, sizes ...int64) *manifest.Manifest {
	m := &manifest.Manifest{ObjectID: id, IsSplit: true}
	for i, size := range sizes {
		m.Chunks = append(m.Chunks, manifest.ChunkDescriptor{
			Index:    i,
			Size:     size,
			Locator:  blob.Locator{Provider: "tg", Channel: "-100123", MessageID: int64(100 + i)},
			Checksum: [32]byte{byte(i + 1)},
		})
		m.TotalSize += size
	}
	return m
}

func singleManifest(id string, size int64) *manifest.Manifest {
	return &manifest.Manifest{
		ObjectID:       id,
		TotalSize:      size,
		Single:         &blob.Locator{Provider: "fs", Key: id + "-payload"},
		SingleChecksum: [32]byte{9, 9, 9},
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	var version int
	require.NoError(t, store.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	require.Equal(t, 2, version)
	require.NoError(t, store.Flush())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestPublishAndGetSplitManifest(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	want := splitManifest("obj-1", 10, 10, 3)

	obj, err := store.PublishManifest(ctx, "movie.mkv", want)
	require.NoError(t, err)
	require.Equal(t, "obj-1", obj.ID)
	require.Equal(t, 3, obj.Chunks)
	require.True(t, obj.IsSplit)

	got, err := store.GetManifest(ctx, "obj-1")
	require.NoError(t, err)
	require.Equal(t, want, got)

	summary, err := store.GetObject(ctx, "obj-1")
	require.NoError(t, err)
	require.Equal(t, "movie.mkv", summary.Name)
	require.Equal(t, int64(23), summary.TotalSize)
	require.Equal(t, 3, summary.Chunks)
}

func TestPublishAndGetSingleManifest(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for _, want := range []*manifest.Manifest{singleManifest("small", 100), singleManifest("empty", 0)} {
		_, err := store.PublishManifest(ctx, want.ObjectID+".bin", want)
		require.NoError(t, err)
		got, err := store.GetManifest(ctx, want.ObjectID)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestPublishRejectsInvalidAndDuplicate(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	bad := splitManifest("bad", 10, 10)
	bad.TotalSize = 5
	_, err := store.PublishManifest(ctx, "bad", bad)
	require.ErrorIs(t, err, manifest.ErrInvalidManifest)

	m := splitManifest("dup", 4, 4)
	_, err = store.PublishManifest(ctx, "a", m)
	require.NoError(t, err)
	_, err = store.PublishManifest(ctx, "b", m)
	require.Error(t, err)

	got, err := store.GetManifest(ctx, "dup")
	require.NoError(t, err)
	require.Len(t, got.Chunks, 2)
}

func TestPublishIsAtomic(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	m := splitManifest("atomic", 5, 5)
	_, err := store.db.Exec(`CREATE TRIGGER fail_second_chunk BEFORE INSERT ON chunks
WHEN NEW.chunk_index = 1 BEGIN SELECT RAISE(ABORT, 'chunk rejected'); END`)
	require.NoError(t, err)

	_, err = store.PublishManifest(ctx, "atomic", m)
	require.Error(t, err)
	_, err = store.GetObject(ctx, "atomic")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissing(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, err := store.GetManifest(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetObject(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.DeleteObject(ctx, "nope"), ErrNotFound)
}

func TestDeleteObjectRemovesChunks(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, err := store.PublishManifest(ctx, "a", splitManifest("a", 1, 1))
	require.NoError(t, err)
	_, err = store.PublishManifest(ctx, "b", singleManifest("b", 7))
	require.NoError(t, err)

	require.NoError(t, store.DeleteObject(ctx, "a"))
	var chunks int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&chunks))
	require.Zero(t, chunks)

	locs, err := store.ReferencedLocators(ctx)
	require.NoError(t, err)
	require.Equal(t, []blob.Locator{{Provider: "fs", Key: "b-payload"}}, locs)
}

func TestListObjectsNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		at := base.Add(time.Duration(i) * time.Minute)
		store.SetClock(func() time.Time { return at })
		_, err := store.PublishManifest(ctx, id, singleManifest(id, int64(i+1)))
		require.NoError(t, err)
	}
	objs, err := store.ListObjects(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 3)
	require.Equal(t, "third", objs[0].ID)
	require.Equal(t, "first", objs[2].ID)
	require.True(t, objs[2].CreatedAt.Equal(base))
}

func TestReferencedLocatorsCoversBothShapes(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, err := store.PublishManifest(ctx, "s", splitManifest("s", 2, 2))
	require.NoError(t, err)
	_, err = store.PublishManifest(ctx, "u", singleManifest("u", 2))
	require.NoError(t, err)

	locs, err := store.ReferencedLocators(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []blob.Locator{
		{Provider: "tg", Channel: "-100123", MessageID: 100},
		{Provider: "tg", Channel: "-100123", MessageID: 101},
		{Provider: "fs", Key: "u-payload"},
	}, locs)
}

func TestUploadLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	okID, err := store.BeginUpload(ctx, "ok.bin", 10)
	require.NoError(t, err)
	require.NoError(t, store.FinishUpload(ctx, okID, "obj-ok"))

	failID, err := store.BeginUpload(ctx, "bad.bin", 30)
	require.NoError(t, err)
	orphans := []blob.Locator{{Provider: "mem", Key: "1"}, {Provider: "mem", Key: "2"}}
	require.NoError(t, store.FailUpload(ctx, failID, 2, errors.New("flood wait"), orphans))

	runningID, err := store.BeginUpload(ctx, "slow.bin", 5)
	require.NoError(t, err)

	up, err := store.GetUpload(ctx, failID)
	require.NoError(t, err)
	require.Equal(t, UploadFailed, up.State)
	require.Equal(t, 2, up.FailedChunk)
	require.Equal(t, "flood wait", up.Error)
	require.Equal(t, orphans, up.Orphans)
	require.False(t, up.FinishedAt.IsZero())

	up, err = store.GetUpload(ctx, okID)
	require.NoError(t, err)
	require.Equal(t, UploadDone, up.State)
	require.Equal(t, "obj-ok", up.ObjectID)
	require.Equal(t, -1, up.FailedChunk)

	failed, err := store.ListUploads(ctx, UploadFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	all, err := store.ListUploads(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.ErrorIs(t, store.FinishUpload(ctx, failID, "x"), ErrNotFound)
	require.NoError(t, store.FailUpload(ctx, runningID, 0, errors.New("canceled"), nil))
}

func TestStats(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, err := store.PublishManifest(ctx, "s", splitManifest("s", 4, 4, 1))
	require.NoError(t, err)
	_, err = store.PublishManifest(ctx, "u", singleManifest("u", 6))
	require.NoError(t, err)
	id, err := store.BeginUpload(ctx, "f", 1)
	require.NoError(t, err)
	require.NoError(t, store.FailUpload(ctx, id, 0, errors.New("x"), nil))
	_, err = store.BeginUpload(ctx, "r", 1)
	require.NoError(t, err)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{
		Objects:        2,
		SplitObjects:   1,
		Payloads:       4,
		Bytes:          15,
		FailedUploads:  1,
		RunningUploads: 1,
	}, st)
}
