package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
)

const (
	nextBufferSize = 1 << 20
	maxEmptyReads  = 100
)

// RangeReader streams an inclusive byte range of an object by walking its
// chunk payloads in order. It is forward-only and single-pass: a chunk stream is
// opened only once the previous one is exhausted, and the stream in use is closed
// as soon as the range end is reached.
//
// Cancelling the context fails the next Read or Next, which releases the open
// stream. A caller that stops reading after cancellation must call Close to
// release it.
type RangeReader struct {
	ctx       context.Context
	transport blob.Transport
	manifest  *manifest.Manifest

	index          int
	intra          int64
	remaining      int64
	chunkRemaining int64
	stream         io.ReadCloser
	loc            blob.Locator

	buf    []byte
	err    error
	closed bool
}

// OpenRange prepares a reader for bytes start..end (inclusive) of the object
// described by m. end == -1 reads to the end of the object. Range errors are
// reported before the transport is contacted.
func OpenRange(ctx context.Context, tr blob.Transport, m *manifest.Manifest, start, end int64) (*RangeReader, error) {
	if tr == nil {
		return nil, errors.New("engine: transport required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if end == -1 && m.TotalSize > 0 {
		end = m.TotalSize - 1
	}
	if start < 0 || start >= m.TotalSize || end < 0 || end >= m.TotalSize || start > end {
		return nil, &InvalidRangeError{Start: start, End: end, Size: m.TotalSize}
	}
	index, intra, err := manifest.NewResolver(m).Resolve(start)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &RangeReader{
		ctx:       ctx,
		transport: tr,
		manifest:  m,
		index:     index,
		intra:     intra,
		remaining: end - start + 1,
	}, nil
}

// OpenFull reads the whole object. A zero-byte object yields a reader that is
// immediately at EOF.
func OpenFull(ctx context.Context, tr blob.Transport, m *manifest.Manifest) (*RangeReader, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.TotalSize == 0 {
		if ctx == nil {
			ctx = context.Background()
		}
		return &RangeReader{ctx: ctx, transport: tr, manifest: m}, nil
	}
	return OpenRange(ctx, tr, m, 0, -1)
}

// Remaining returns the number of range bytes not yet delivered.
func (r *RangeReader) Remaining() int64 {
	return r.remaining
}

func (r *RangeReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errReaderClosed
	}
	if r.err != nil {
		return 0, r.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for empty := 0; ; empty++ {
		if err := r.checkContext(); err != nil {
			return 0, r.fail(err)
		}
		if r.remaining == 0 {
			r.release()
			return 0, io.EOF
		}
		if r.stream == nil {
			if err := r.openChunk(); err != nil {
				return 0, r.fail(err)
			}
		}

		limit := min(int64(len(p)), r.remaining, r.chunkRemaining)
		n, err := r.stream.Read(p[:limit])
		r.remaining -= int64(n)
		r.chunkRemaining -= int64(n)
		if err != nil && !errors.Is(err, io.EOF) {
			if ctxErr := r.ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else {
				err = blob.Wrap("get", r.loc, err)
			}
			return n, r.fail(err)
		}
		if stepErr := r.advance(err != nil); stepErr != nil {
			return n, r.fail(stepErr)
		}
		if n > 0 {
			return n, nil
		}
		if err == nil && empty >= maxEmptyReads {
			return 0, r.fail(io.ErrNoProgress)
		}
	}
}

// Next returns the next buffer of the range as delivered by the transport,
// truncated at chunk and range boundaries. The slice is valid until the next call.
// It returns io.EOF once the range is exhausted.
func (r *RangeReader) Next() ([]byte, error) {
	if r.buf == nil {
		r.buf = make([]byte, nextBufferSize)
	}
	n, err := r.Read(r.buf)
	if n > 0 {
		return r.buf[:n], nil
	}
	return nil, err
}

// Close releases the chunk stream in use, if any. It is safe to call more than once.
func (r *RangeReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.stream == nil {
		return nil
	}
	err := r.stream.Close()
	r.stream = nil
	return err
}

// advance moves the state machine after a stream read; eof reports that the
// stream signalled its end. A split chunk consumed to its declared end is
// checked for extra bytes even when the range ends there too.
func (r *RangeReader) advance(eof bool) error {
	switch {
	case r.chunkRemaining == 0:
		if !eof && r.manifest.IsSplit {
			if err := r.checkChunkEnd(); err != nil {
				return err
			}
		}
		r.release()
		r.index++
		r.intra = 0
	case r.remaining == 0:
		r.release()
	case eof:
		return r.shortChunk()
	}
	return nil
}

func (r *RangeReader) openChunk() error {
	var loc blob.Locator
	if r.manifest.IsSplit {
		if r.index >= len(r.manifest.Chunks) {
			return fmt.Errorf("engine: range runs past chunk %d: %w", len(r.manifest.Chunks)-1, io.ErrUnexpectedEOF)
		}
		ch := r.manifest.Chunks[r.index]
		loc = ch.Locator
		r.chunkRemaining = ch.Size - r.intra
	} else {
		loc = *r.manifest.Single
		r.chunkRemaining = r.manifest.TotalSize - r.intra
	}
	stream, err := r.transport.GetStream(r.ctx, loc, r.intra)
	if err != nil {
		return blob.Wrap("get", loc, err)
	}
	r.stream = stream
	r.loc = loc
	return nil
}

// checkChunkEnd verifies a fully consumed chunk stream has nothing left to give.
func (r *RangeReader) checkChunkEnd() error {
	var probe [1]byte
	n, err := io.ReadFull(r.stream, probe[:])
	if n > 0 {
		declared := r.manifest.Chunks[r.index].Size
		return &ChunkSizeMismatchError{ChunkIndex: r.index, Declared: declared, Observed: declared + int64(n)}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return blob.Wrap("get", r.loc, err)
	}
	return nil
}

func (r *RangeReader) shortChunk() error {
	if !r.manifest.IsSplit {
		at := r.manifest.TotalSize - r.chunkRemaining
		return fmt.Errorf("engine: payload %s ended at offset %d, object is %d bytes: %w", r.loc, at, r.manifest.TotalSize, io.ErrUnexpectedEOF)
	}
	declared := r.manifest.Chunks[r.index].Size
	return &ChunkSizeMismatchError{ChunkIndex: r.index, Declared: declared, Observed: declared - r.chunkRemaining}
}

func (r *RangeReader) fail(err error) error {
	r.err = err
	r.release()
	return err
}

func (r *RangeReader) release() {
	if r.stream != nil {
		_ = r.stream.Close()
		r.stream = nil
	}
}

func (r *RangeReader) checkContext() error {
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	default:
		return nil
	}
}
