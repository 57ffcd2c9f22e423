// Package upload splits a seekable source into bounded windows and stores each
// one as an independent transport payload, producing the object's manifest only
// after every window has been accepted.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kk-code-lab/spillway/internal/logging"
	"github.com/kk-code-lab/spillway/internal/storage/blob"
	"github.com/kk-code-lab/spillway/internal/storage/chunk"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
)

const (
	// DefaultBufferSize is the sub-buffer used for intra-chunk source reads.
	DefaultBufferSize = 1 << 20
	// DefaultSpoolThreshold is the largest chunk kept in memory before spooling to disk.
	DefaultSpoolThreshold = 8 << 20
)

// ProgressFunc is called after each chunk is stored.
type ProgressFunc func(sent, total int64)

// Options configures an Uploader.
type Options struct {
	Transport      blob.Transport
	MaxChunkSize   int64
	BufferSize     int
	SpoolThreshold int64
	SpoolDir       string
	Progress       ProgressFunc
	Logger         *slog.Logger
	// NewObjectID overrides object id generation.
	NewObjectID func() string
}

// Uploader stores objects chunk by chunk, one transfer in flight at a time.
type Uploader struct {
	transport      blob.Transport
	maxChunkSize   int64
	bufferSize     int
	spoolThreshold int64
	spoolDir       string
	progress       ProgressFunc
	log            *slog.Logger
	newObjectID    func() string
}

// New validates opts and fills defaults.
func New(opts Options) (*Uploader, error) {
	if opts.Transport == nil {
		return nil, errors.New("upload: transport required")
	}
	if opts.MaxChunkSize < 0 {
		return nil, fmt.Errorf("upload: negative max chunk size %d", opts.MaxChunkSize)
	}
	if opts.MaxChunkSize == 0 {
		opts.MaxChunkSize = chunk.DefaultMaxSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.SpoolThreshold <= 0 {
		opts.SpoolThreshold = DefaultSpoolThreshold
	}
	if opts.SpoolDir == "" {
		opts.SpoolDir = os.TempDir()
	}
	if opts.NewObjectID == nil {
		opts.NewObjectID = uuid.NewString
	}
	return &Uploader{
		transport:      opts.Transport,
		maxChunkSize:   opts.MaxChunkSize,
		bufferSize:     opts.BufferSize,
		spoolThreshold: opts.SpoolThreshold,
		spoolDir:       opts.SpoolDir,
		progress:       opts.Progress,
		log:            logging.OrDiscard(opts.Logger),
		newObjectID:    opts.NewObjectID,
	}, nil
}

// MaxChunkSize returns the configured per-chunk cap.
func (u *Uploader) MaxChunkSize() int64 {
	return u.maxChunkSize
}

// PlanUpload returns the windows an object of totalSize would be split into.
func PlanUpload(totalSize, maxChunkSize int64) ([]chunk.Span, error) {
	return chunk.Plan(totalSize, maxChunkSize)
}

// Upload stores totalSize bytes of src and returns the resulting manifest.
// When any chunk fails the returned error is an *UploadError and no manifest is
// produced; chunks stored before the failure are listed in UploadError.Orphans.
func (u *Uploader) Upload(ctx context.Context, src io.ReaderAt, totalSize int64) (*manifest.Manifest, error) {
	spans, err := chunk.Plan(totalSize, u.maxChunkSize)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if len(spans) == 0 {
		// Zero-byte objects are stored as one empty payload.
		spans = []chunk.Span{{Offset: 0, Len: 0}}
	}
	objectID := u.newObjectID()
	log := u.log.With("object_id", objectID, "size", totalSize, "chunks", len(spans))
	started := time.Now()

	buf := make([]byte, u.bufferSize)
	chunks := make([]manifest.ChunkDescriptor, 0, len(spans))
	var sent int64
	for i, span := range spans {
		if err := ctx.Err(); err != nil {
			return nil, u.fail(log, i, span, chunks, err)
		}
		loc, sum, err := u.putWindow(ctx, src, span, buf)
		if err != nil {
			return nil, u.fail(log, i, span, chunks, err)
		}
		chunks = append(chunks, manifest.ChunkDescriptor{
			Index:    i,
			Size:     span.Len,
			Locator:  loc,
			Checksum: sum,
		})
		sent += span.Len
		log.Debug("chunk stored", "chunk_index", i, "offset", span.Offset, "len", span.Len, "locator", loc.String())
		if u.progress != nil {
			u.progress(sent, totalSize)
		}
	}

	man := &manifest.Manifest{ObjectID: objectID, TotalSize: totalSize}
	if len(chunks) == 1 {
		loc := chunks[0].Locator
		man.Single = &loc
		man.SingleChecksum = chunks[0].Checksum
	} else {
		man.IsSplit = true
		man.Chunks = chunks
	}
	if err := man.ValidateCap(u.maxChunkSize); err != nil {
		return nil, fmt.Errorf("upload: built inconsistent manifest: %w", err)
	}
	log.Info("object uploaded", "split", man.IsSplit, "dur_ms", time.Since(started).Milliseconds())
	return man, nil
}

func (u *Uploader) fail(log *slog.Logger, index int, span chunk.Span, stored []manifest.ChunkDescriptor, err error) error {
	orphans := make([]blob.Locator, 0, len(stored))
	for _, ch := range stored {
		orphans = append(orphans, ch.Locator)
	}
	log.Error("chunk upload failed", "chunk_index", index, "offset", span.Offset, "len", span.Len, "orphans", len(orphans), "err", err)
	return &UploadError{
		ChunkIndex: index,
		Offset:     span.Offset,
		Len:        span.Len,
		Orphans:    orphans,
		Err:        err,
	}
}

// putWindow copies one window through buf into a spool and hands it to the transport.
func (u *Uploader) putWindow(ctx context.Context, src io.ReaderAt, span chunk.Span, buf []byte) (blob.Locator, [32]byte, error) {
	sp, err := newSpool(u.spoolDir, span.Len, u.spoolThreshold)
	if err != nil {
		return blob.Locator{}, [32]byte{}, fmt.Errorf("spool: %w", err)
	}
	defer sp.Close()

	hasher := chunk.NewHasher()
	section := &ctxReader{ctx: ctx, r: io.NewSectionReader(src, span.Offset, span.Len)}
	n, err := io.CopyBuffer(io.MultiWriter(sp, hasher), section, buf)
	if err != nil {
		return blob.Locator{}, [32]byte{}, fmt.Errorf("read source: %w", err)
	}
	if n != span.Len {
		return blob.Locator{}, [32]byte{}, fmt.Errorf("read source: got %d of %d bytes: %w", n, span.Len, io.ErrUnexpectedEOF)
	}
	r, err := sp.reader()
	if err != nil {
		return blob.Locator{}, [32]byte{}, fmt.Errorf("spool: %w", err)
	}
	loc, err := u.transport.Put(ctx, r, span.Len)
	if err != nil {
		return blob.Locator{}, [32]byte{}, blob.Wrap("put", blob.Locator{}, err)
	}
	return loc, chunk.Sum(hasher), nil
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
