package fsblob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
)

func openStore(t *testing.T, maxPayload int64) *Store {
	t.Helper()
	s, err := Open(Options{Root: t.TempDir(), MaxPayload: maxPayload})
	require.NoError(t, err)
	return s
}

func readAll(t *testing.T, s *Store, loc blob.Locator, offset int64) []byte {
	t.Helper()
	rc, err := s.GetStream(context.Background(), loc, offset)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestOpenValidatesOptions(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
	_, err = Open(Options{Root: t.TempDir(), MaxPayload: -1})
	require.Error(t, err)
}

func TestPutAndStreamFromOffsets(t *testing.T) {
	s := openStore(t, 0)
	ctx := context.Background()
	data := []byte("the quick brown fox")

	loc, err := s.Put(ctx, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, Provider, loc.Provider)

	require.Equal(t, data, readAll(t, s, loc, 0))
	require.Equal(t, data[4:], readAll(t, s, loc, 4))
	require.Empty(t, readAll(t, s, loc, int64(len(data))))

	info, err := s.Stat(ctx, loc)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), info.Size)
	require.Equal(t, loc, info.Locator)
}

func TestPutReadsExactlySize(t *testing.T) {
	s := openStore(t, 0)
	src := strings.NewReader("0123456789")
	loc, err := s.Put(context.Background(), src, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("0123"), readAll(t, s, loc, 0))
	require.Equal(t, 6, src.Len())
}

func TestPutShortSourceLeavesNothing(t *testing.T) {
	s := openStore(t, 0)
	_, err := s.Put(context.Background(), strings.NewReader("abc"), 10)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	var te *blob.TransportError
	require.True(t, errors.As(err, &te))

	payloads, err := s.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, payloads)
	tmp, err := os.ReadDir(s.Layout().TmpDir)
	require.NoError(t, err)
	require.Empty(t, tmp)
}

func TestPutRejectsOversizedPayload(t *testing.T) {
	s := openStore(t, 8)
	_, err := s.Put(context.Background(), strings.NewReader("123456789"), 9)
	require.ErrorIs(t, err, blob.ErrPayloadTooLarge)
	_, err = s.Put(context.Background(), strings.NewReader("12345678"), 8)
	require.NoError(t, err)
}

func TestPutHonorsCancel(t *testing.T) {
	s := openStore(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Put(ctx, strings.NewReader("abc"), 3)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGetStreamErrors(t *testing.T) {
	s := openStore(t, 0)
	ctx := context.Background()
	loc, err := s.Put(ctx, strings.NewReader("abc"), 3)
	require.NoError(t, err)

	_, err = s.GetStream(ctx, loc, 4)
	require.ErrorIs(t, err, blob.ErrInvalidOffset)
	_, err = s.GetStream(ctx, loc, -1)
	require.ErrorIs(t, err, blob.ErrInvalidOffset)

	_, err = s.GetStream(ctx, blob.Locator{Provider: Provider, Key: "not-a-uuid"}, 0)
	require.ErrorIs(t, err, blob.ErrNotFound)
	_, err = s.GetStream(ctx, blob.Locator{Provider: "tg", Channel: "c", MessageID: 1}, 0)
	require.Error(t, err)

	require.NoError(t, s.Delete(ctx, loc))
	_, err = s.GetStream(ctx, loc, 0)
	require.ErrorIs(t, err, blob.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, loc), blob.ErrNotFound)
}

func TestTruncatedFileIsRejected(t *testing.T) {
	s := openStore(t, 0)
	ctx := context.Background()
	loc, err := s.Put(ctx, strings.NewReader("abcdef"), 6)
	require.NoError(t, err)
	path := s.Layout().PayloadPath(loc.Key)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-1))

	_, err = s.Stat(ctx, loc)
	require.Error(t, err)
	_, err = s.GetStream(ctx, loc, 0)
	require.Error(t, err)
}

func TestListSkipsForeignFiles(t *testing.T) {
	s := openStore(t, 0)
	ctx := context.Background()
	var want []blob.Locator
	for _, body := range []string{"a", "bb", ""} {
		loc, err := s.Put(ctx, strings.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		want = append(want, loc)
	}
	require.NoError(t, os.WriteFile(s.Layout().PayloadPath("README"), []byte("x"), 0o644))

	payloads, err := s.List(ctx)
	require.NoError(t, err)
	var got []blob.Locator
	var total int64
	for _, p := range payloads {
		got = append(got, p.Locator)
		total += p.Size
		require.False(t, p.CreatedAt.IsZero())
	}
	require.ElementsMatch(t, want, got)
	require.Equal(t, int64(3), total)
}
