// Package fsblob is a directory-backed blob transport. Each payload is one file
// under the payloads directory; writes land in a temp file first and are renamed
// into place only after the whole payload has been received.
package fsblob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
)

// Provider is the locator tag used by this transport.
const Provider = "fs"

// Options configures the store.
type Options struct {
	Root string
	// MaxPayload caps a single Put; zero disables the cap.
	MaxPayload int64
}

// Store implements blob.Transport and blob.Inventory on a local directory.
type Store struct {
	layout     Layout
	maxPayload int64
}

var (
	_ blob.Transport = (*Store)(nil)
	_ blob.Inventory = (*Store)(nil)
)

// Open creates the directory layout if needed and returns a store.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("fsblob: root required")
	}
	if opts.MaxPayload < 0 {
		return nil, errors.New("fsblob: negative payload cap")
	}
	layout := NewLayout(opts.Root)
	for _, dir := range []string{layout.PayloadsDir, layout.TmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{layout: layout, maxPayload: opts.MaxPayload}, nil
}

// Layout returns the directory layout.
func (s *Store) Layout() Layout {
	return s.layout
}

// Put writes size bytes from r into a new payload file.
func (s *Store) Put(ctx context.Context, r io.Reader, size int64) (loc blob.Locator, err error) {
	if size < 0 {
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, fmt.Errorf("negative size %d", size))
	}
	if s.maxPayload > 0 && size > s.maxPayload {
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, fmt.Errorf("%w: %d > %d", blob.ErrPayloadTooLarge, size, s.maxPayload))
	}
	tmp, err := os.CreateTemp(s.layout.TmpDir, "put-*")
	if err != nil {
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err = encodeHeader(tmp, Header{Magic: headerMagic, Version: formatVersion}); err != nil {
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, err)
	}
	hasher := newHasher()
	n, err := io.CopyN(io.MultiWriter(tmp, hasher), &ctxReader{ctx: ctx, r: r}, size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("short payload: got %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
		}
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, err)
	}
	footer := Footer{Magic: footerMagic, Size: size}
	copy(footer.Checksum[:], hasher.Sum(nil))
	if err = encodeFooter(tmp, footer); err != nil {
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, err)
	}
	if err = tmp.Sync(); err != nil {
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, err)
	}
	if err = tmp.Close(); err != nil {
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, err)
	}

	loc = blob.Locator{Provider: Provider, Key: uuid.NewString()}
	if err = os.Rename(tmpPath, s.layout.PayloadPath(loc.Key)); err != nil {
		return blob.Locator{}, blob.Wrap("put", loc, err)
	}
	return loc, nil
}

// GetStream opens the payload and positions it at offset.
func (s *Store) GetStream(ctx context.Context, loc blob.Locator, offset int64) (io.ReadCloser, error) {
	path, err := s.pathFor(loc)
	if err != nil {
		return nil, blob.Wrap("get", loc, err)
	}
	file, footer, err := openPayload(path)
	if err != nil {
		return nil, blob.Wrap("get", loc, err)
	}
	if offset < 0 || offset > footer.Size {
		_ = file.Close()
		return nil, blob.Wrap("get", loc, fmt.Errorf("%w: %d not in [0, %d]", blob.ErrInvalidOffset, offset, footer.Size))
	}
	if _, err := file.Seek(headerLen+offset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, blob.Wrap("get", loc, err)
	}
	return &payloadReader{
		file: file,
		r:    &ctxReader{ctx: ctx, r: io.LimitReader(file, footer.Size-offset)},
	}, nil
}

// Stat reports the stored size of a payload.
func (s *Store) Stat(ctx context.Context, loc blob.Locator) (blob.PayloadInfo, error) {
	if err := ctx.Err(); err != nil {
		return blob.PayloadInfo{}, err
	}
	path, err := s.pathFor(loc)
	if err != nil {
		return blob.PayloadInfo{}, blob.Wrap("stat", loc, err)
	}
	info, err := statPayload(path)
	if err != nil {
		return blob.PayloadInfo{}, blob.Wrap("stat", loc, err)
	}
	info.Locator = loc
	return info, nil
}

// List enumerates all payloads, oldest first.
func (s *Store) List(ctx context.Context) ([]blob.PayloadInfo, error) {
	entries, err := os.ReadDir(s.layout.PayloadsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, blob.Wrap("list", blob.Locator{}, err)
	}
	out := make([]blob.PayloadInfo, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		info, err := statPayload(s.layout.PayloadPath(entry.Name()))
		if err != nil {
			// A payload being renamed away between ReadDir and Stat is not an error.
			if errors.Is(err, blob.ErrNotFound) {
				continue
			}
			return nil, blob.Wrap("list", blob.Locator{}, fmt.Errorf("%s: %w", entry.Name(), err))
		}
		info.Locator = blob.Locator{Provider: Provider, Key: entry.Name()}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a payload.
func (s *Store) Delete(ctx context.Context, loc blob.Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(loc)
	if err != nil {
		return blob.Wrap("delete", loc, err)
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return blob.Wrap("delete", loc, blob.ErrNotFound)
		}
		return blob.Wrap("delete", loc, err)
	}
	return nil
}

func (s *Store) pathFor(loc blob.Locator) (string, error) {
	if loc.Provider != Provider {
		return "", fmt.Errorf("fsblob: foreign locator provider %q", loc.Provider)
	}
	if _, err := uuid.Parse(loc.Key); err != nil {
		return "", fmt.Errorf("fsblob: malformed key %q: %w", loc.Key, blob.ErrNotFound)
	}
	return s.layout.PayloadPath(loc.Key), nil
}

func openPayload(path string) (*os.File, Footer, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Footer{}, blob.ErrNotFound
		}
		return nil, Footer{}, err
	}
	footer, err := readFooter(file)
	if err != nil {
		_ = file.Close()
		return nil, Footer{}, err
	}
	return file, footer, nil
}

func statPayload(path string) (blob.PayloadInfo, error) {
	file, footer, err := openPayload(path)
	if err != nil {
		return blob.PayloadInfo{}, err
	}
	defer file.Close()
	fi, err := file.Stat()
	if err != nil {
		return blob.PayloadInfo{}, err
	}
	return blob.PayloadInfo{Size: footer.Size, CreatedAt: fi.ModTime().UTC()}, nil
}

func readFooter(file *os.File) (Footer, error) {
	if _, err := decodeHeader(file); err != nil {
		return Footer{}, err
	}
	fi, err := file.Stat()
	if err != nil {
		return Footer{}, err
	}
	if fi.Size() < headerLen+footerLen {
		return Footer{}, io.ErrUnexpectedEOF
	}
	if _, err := file.Seek(-footerLen, io.SeekEnd); err != nil {
		return Footer{}, err
	}
	footer, err := decodeFooter(file)
	if err != nil {
		return Footer{}, err
	}
	if headerLen+footer.Size+footerLen != fi.Size() {
		return Footer{}, fmt.Errorf("fsblob: footer size %d disagrees with file size %d", footer.Size, fi.Size())
	}
	return footer, nil
}

type payloadReader struct {
	file *os.File
	r    io.Reader
}

func (p *payloadReader) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *payloadReader) Close() error {
	return p.file.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
