package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
	"github.com/kk-code-lab/spillway/internal/storage/blob/memblob"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
	"github.com/kk-code-lab/spillway/internal/storage/upload"
)

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

func storeObject(t *testing.T, store *memblob.Store, data []byte, maxChunk int64) *manifest.Manifest {
	t.Helper()
	u, err := upload.New(upload.Options{Transport: store, MaxChunkSize: maxChunk, SpoolDir: t.TempDir()})
	require.NoError(t, err)
	m, err := u.Upload(context.Background(), bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return m
}

func readRange(t *testing.T, store *memblob.Store, m *manifest.Manifest, start, end int64) []byte {
	t.Helper()
	r, err := OpenRange(context.Background(), store, m, start, end)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	return got
}

func TestOpenRangeEveryRange(t *testing.T) {
	for _, size := range []int{1, 9, 10, 11, 25, 30} {
		store := memblob.New()
		store.ReadSize = 3
		data := pattern(size)
		m := storeObject(t, store, data, 10)
		for start := 0; start < size; start++ {
			for end := start; end < size; end++ {
				got := readRange(t, store, m, int64(start), int64(end))
				require.Equal(t, data[start:end+1], got, "size=%d range=%d-%d", size, start, end)
			}
		}
		require.Zero(t, store.OpenStreams(), "size=%d", size)
	}
}

func TestOpenRangeToEOF(t *testing.T) {
	store := memblob.New()
	data := pattern(25)
	m := storeObject(t, store, data, 10)
	require.Equal(t, data[13:], readRange(t, store, m, 13, -1))

	r, err := OpenFull(context.Background(), store, m)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, r.Close())
}

func TestOpenRangeOpensStreamsAtResolvedOffsets(t *testing.T) {
	store := memblob.New()
	data := pattern(30)
	m := storeObject(t, store, data, 10)

	require.Equal(t, data[7:13], readRange(t, store, m, 7, 12))
	streams := store.Streams()
	require.Len(t, streams, 2)
	require.Equal(t, m.Chunks[0].Locator, streams[0].Locator)
	require.Equal(t, int64(7), streams[0].Offset)
	require.Equal(t, m.Chunks[1].Locator, streams[1].Locator)
	require.Equal(t, int64(0), streams[1].Offset)
	require.Equal(t, 3, streams[1].Consumed(), "second chunk truncated at the range end")
	for _, st := range streams {
		require.True(t, st.Closed())
	}
}

func TestOpenRangeSingleByte(t *testing.T) {
	store := memblob.New()
	data := pattern(30)
	m := storeObject(t, store, data, 10)
	require.Equal(t, data[20:21], readRange(t, store, m, 20, 20))
	streams := store.Streams()
	require.Len(t, streams, 1)
	require.Equal(t, m.Chunks[2].Locator, streams[0].Locator)
	require.True(t, streams[0].Closed())
}

func TestOpenRangeInvalid(t *testing.T) {
	store := memblob.New()
	m := storeObject(t, store, pattern(20), 10)
	cases := []struct{ start, end int64 }{
		{-1, 5},
		{20, 20},
		{0, 20},
		{5, 4},
		{25, -1},
		{0, -2},
	}
	for _, tc := range cases {
		_, err := OpenRange(context.Background(), store, m, tc.start, tc.end)
		var rangeErr *InvalidRangeError
		require.ErrorAs(t, err, &rangeErr, "range %d-%d", tc.start, tc.end)
		require.Equal(t, int64(20), rangeErr.Size)
	}
	require.Empty(t, store.Streams(), "range errors must not reach the transport")
}

func TestZeroByteObject(t *testing.T) {
	store := memblob.New()
	m := storeObject(t, store, nil, 10)
	_, err := OpenRange(context.Background(), store, m, 0, -1)
	var rangeErr *InvalidRangeError
	require.ErrorAs(t, err, &rangeErr)

	r, err := OpenFull(context.Background(), store, m)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Empty(t, store.Streams())
}

func TestOpenRangeIsLazy(t *testing.T) {
	store := memblob.New()
	data := pattern(30)
	m := storeObject(t, store, data, 10)
	r, err := OpenRange(context.Background(), store, m, 0, -1)
	require.NoError(t, err)
	require.Empty(t, store.Streams())

	buf := make([]byte, 10)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, data[:10], buf)
	require.Len(t, store.Streams(), 1)
	require.Equal(t, int64(20), r.Remaining())

	require.NoError(t, r.Close())
	require.Zero(t, store.OpenStreams())
	_, err = r.Read(buf)
	require.Error(t, err)
	require.NoError(t, r.Close())
}

func TestCancelReleasesStream(t *testing.T) {
	store := memblob.New()
	store.ReadSize = 4
	m := storeObject(t, store, pattern(30), 10)
	ctx, cancel := context.WithCancel(context.Background())
	r, err := OpenRange(ctx, store, m, 0, -1)
	require.NoError(t, err)

	chunk, err := r.Next()
	require.NoError(t, err)
	require.Len(t, chunk, 4)
	require.Equal(t, 1, store.OpenStreams())

	cancel()
	_, err = r.Next()
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, store.OpenStreams())
	_, err = r.Read(make([]byte, 1))
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, r.Close())
}

func TestNextYieldsTransportBuffers(t *testing.T) {
	store := memblob.New()
	store.ReadSize = 4
	data := pattern(25)
	m := storeObject(t, store, data, 10)
	r, err := OpenRange(context.Background(), store, m, 3, 21)
	require.NoError(t, err)
	defer r.Close()

	var sizes []int
	var got []byte
	for {
		buf, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(buf))
		got = append(got, buf...)
	}
	require.Equal(t, data[3:22], got)
	// Chunk 0 from 3: 4,3; chunk 1: 4,4,2; chunk 2 up to 21: 2.
	require.Equal(t, []int{4, 3, 4, 4, 2, 2}, sizes)
}

func TestSplitChunkShortDelivery(t *testing.T) {
	store := memblob.New()
	data := pattern(30)
	m := storeObject(t, store, data, 10)
	store.Replace(m.Chunks[1].Locator, data[10:17])

	r, err := OpenRange(context.Background(), store, m, 5, 25)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	var mismatch *ChunkSizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, ChunkSizeMismatchError{ChunkIndex: 1, Declared: 10, Observed: 7}, *mismatch)
	require.Equal(t, data[5:17], got)
	require.Zero(t, store.OpenStreams())
}

func TestSplitChunkOverDelivery(t *testing.T) {
	data := pattern(30)
	for padded := range 3 {
		store := memblob.New()
		m := storeObject(t, store, data, 10)
		chunkData := data[padded*10 : padded*10+10]
		store.Replace(m.Chunks[padded].Locator, append(bytes.Clone(chunkData), 0xff))

		got, err := io.ReadAll(mustOpen(t, store, m, 0, -1))
		var mismatch *ChunkSizeMismatchError
		require.ErrorAs(t, err, &mismatch, "padded chunk %d", padded)
		require.Equal(t, ChunkSizeMismatchError{ChunkIndex: padded, Declared: 10, Observed: 11}, *mismatch)
		require.Equal(t, data[:padded*10+10], got)
		require.Zero(t, store.OpenStreams())

		// A range ending exactly at the padded chunk's end is checked too.
		_, err = io.ReadAll(mustOpen(t, store, m, int64(padded*10+2), int64(padded*10+9)))
		require.ErrorAs(t, err, &mismatch, "range ending at chunk %d", padded)
		require.Equal(t, padded, mismatch.ChunkIndex)
	}

	// A range that ends inside the padded chunk never reaches the extra bytes.
	store := memblob.New()
	m := storeObject(t, store, data, 10)
	store.Replace(m.Chunks[1].Locator, append(bytes.Clone(data[10:20]), 0xff))
	require.Equal(t, data[12:18], readRange(t, store, m, 12, 17))
	require.Zero(t, store.OpenStreams())
}

func TestUnsplitOverDeliveryIsTruncated(t *testing.T) {
	store := memblob.New()
	data := pattern(8)
	m := storeObject(t, store, data, 10)
	store.Replace(*m.Single, append(bytes.Clone(data), 1, 2, 3))
	require.Equal(t, data, readRange(t, store, m, 0, -1))
	require.Equal(t, data[2:5], readRange(t, store, m, 2, 4))
}

func TestUnsplitShortDelivery(t *testing.T) {
	store := memblob.New()
	data := pattern(8)
	m := storeObject(t, store, data, 10)
	store.Replace(*m.Single, data[:5])

	got, err := io.ReadAll(mustOpen(t, store, m, 1, 7))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, data[1:5], got)
	require.Zero(t, store.OpenStreams())
}

func TestMissingPayloadIsTransportError(t *testing.T) {
	store := memblob.New()
	m := storeObject(t, store, pattern(20), 10)
	require.NoError(t, store.Delete(context.Background(), m.Chunks[1].Locator))
	_, err := io.ReadAll(mustOpen(t, store, m, 0, -1))
	require.Error(t, err)
	require.ErrorIs(t, err, blob.ErrNotFound)
	var te *blob.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, m.Chunks[1].Locator, te.Locator)
}

func TestOpenRangeRejectsInvalidManifest(t *testing.T) {
	store := memblob.New()
	m := storeObject(t, store, pattern(20), 10)
	m.Chunks[1].Size = 3
	_, err := OpenRange(context.Background(), store, m, 0, 1)
	require.ErrorIs(t, err, manifest.ErrInvalidManifest)
}

func mustOpen(t *testing.T, store *memblob.Store, m *manifest.Manifest, start, end int64) *RangeReader {
	t.Helper()
	r, err := OpenRange(context.Background(), store, m, start, end)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}
