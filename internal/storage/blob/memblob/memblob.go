// Package memblob is an in-memory blob transport. It records every stream it
// hands out so callers can check that readers release them, and it can inject
// faults into puts and stored payloads.
package memblob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
)

// Provider is the locator tag used by this transport.
const Provider = "mem"

// Store implements blob.Transport and blob.Inventory in memory.
type Store struct {
	// MaxPayload caps a single Put; zero disables the cap.
	MaxPayload int64
	// ReadSize bounds the size of each Read served by a stream; zero means unbounded.
	ReadSize int

	mu       sync.Mutex
	seq      int64
	payloads map[string]*payload
	streams  []*Stream
	puts     int
	failPut  map[int]error
	now      func() time.Time
}

type payload struct {
	data    []byte
	created time.Time
}

var (
	_ blob.Transport = (*Store)(nil)
	_ blob.Inventory = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		payloads: make(map[string]*payload),
		failPut:  make(map[int]error),
		now:      time.Now,
	}
}

// FailPut makes the n-th Put call (1-based, counted across the store lifetime) fail with err.
func (s *Store) FailPut(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut[n] = err
}

// SetClock overrides the time source used for payload creation times.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores a copy of the payload.
func (s *Store) Put(ctx context.Context, r io.Reader, size int64) (blob.Locator, error) {
	if err := ctx.Err(); err != nil {
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, err)
	}
	if s.MaxPayload > 0 && size > s.MaxPayload {
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, fmt.Errorf("%w: %d > %d", blob.ErrPayloadTooLarge, size, s.MaxPayload))
	}
	s.mu.Lock()
	s.puts++
	injected := s.failPut[s.puts]
	s.mu.Unlock()
	if injected != nil {
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, injected)
	}

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, size)
	if err != nil {
		if err == io.EOF {
			err = fmt.Errorf("short payload: got %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
		}
		return blob.Locator{}, blob.Wrap("put", blob.Locator{}, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	key := strconv.FormatInt(s.seq, 10)
	s.payloads[key] = &payload{data: buf.Bytes(), created: s.now()}
	return blob.Locator{Provider: Provider, Key: key}, nil
}

// GetStream returns a tracked stream over the payload starting at offset.
func (s *Store) GetStream(ctx context.Context, loc blob.Locator, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, blob.Wrap("get", loc, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.lookup(loc)
	if err != nil {
		return nil, blob.Wrap("get", loc, err)
	}
	if offset < 0 || offset > int64(len(p.data)) {
		return nil, blob.Wrap("get", loc, fmt.Errorf("%w: %d not in [0, %d]", blob.ErrInvalidOffset, offset, len(p.data)))
	}
	st := &Stream{
		Locator:  loc,
		Offset:   offset,
		data:     p.data[offset:],
		readSize: s.ReadSize,
	}
	s.streams = append(s.streams, st)
	return st, nil
}

// Stat reports the stored size of a payload.
func (s *Store) Stat(ctx context.Context, loc blob.Locator) (blob.PayloadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.lookup(loc)
	if err != nil {
		return blob.PayloadInfo{}, blob.Wrap("stat", loc, err)
	}
	return blob.PayloadInfo{Locator: loc, Size: int64(len(p.data)), CreatedAt: p.created}, nil
}

// List enumerates all payloads in insertion order.
func (s *Store) List(ctx context.Context) ([]blob.PayloadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]blob.PayloadInfo, 0, len(s.payloads))
	for key, p := range s.payloads {
		out = append(out, blob.PayloadInfo{
			Locator:   blob.Locator{Provider: Provider, Key: key},
			Size:      int64(len(p.data)),
			CreatedAt: p.created,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].Locator.Key, 10, 64)
		b, _ := strconv.ParseInt(out[j].Locator.Key, 10, 64)
		return a < b
	})
	return out, nil
}

// Delete removes a payload.
func (s *Store) Delete(ctx context.Context, loc blob.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(loc); err != nil {
		return blob.Wrap("delete", loc, err)
	}
	delete(s.payloads, loc.Key)
	return nil
}

// Bytes returns a copy of the stored payload.
func (s *Store) Bytes(loc blob.Locator) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.lookup(loc)
	if err != nil {
		return nil, false
	}
	return bytes.Clone(p.data), true
}

// Replace swaps the stored bytes of a payload, simulating corruption.
func (s *Store) Replace(loc blob.Locator, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, err := s.lookup(loc); err == nil {
		p.data = bytes.Clone(data)
	}
}

// Len returns the number of stored payloads.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

// Streams returns every stream opened so far, in open order.
func (s *Store) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Stream(nil), s.streams...)
}

// OpenStreams returns the number of streams not yet closed.
func (s *Store) OpenStreams() int {
	s.mu.Lock()
	streams := append([]*Stream(nil), s.streams...)
	s.mu.Unlock()
	open := 0
	for _, st := range streams {
		if !st.Closed() {
			open++
		}
	}
	return open
}

func (s *Store) lookup(loc blob.Locator) (*payload, error) {
	if loc.Provider != Provider {
		return nil, fmt.Errorf("memblob: foreign locator provider %q", loc.Provider)
	}
	p, ok := s.payloads[loc.Key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return p, nil
}

// Stream is a tracked payload reader.
type Stream struct {
	Locator blob.Locator
	Offset  int64

	mu       sync.Mutex
	data     []byte
	pos      int
	readSize int
	closed   bool
}

func (st *Stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return 0, io.ErrClosedPipe
	}
	if st.pos >= len(st.data) {
		return 0, io.EOF
	}
	if st.readSize > 0 && len(p) > st.readSize {
		p = p[:st.readSize]
	}
	n := copy(p, st.data[st.pos:])
	st.pos += n
	return n, nil
}

// Close releases the stream.
func (st *Stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (st *Stream) Closed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// Consumed reports how many bytes have been read from the stream.
func (st *Stream) Consumed() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pos
}
