// Package engine ties the uploader, the catalog and the manifest cache into the
// object read/write path, and reconstructs byte ranges from chunk payloads.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kk-code-lab/spillway/internal/cache"
	"github.com/kk-code-lab/spillway/internal/logging"
	"github.com/kk-code-lab/spillway/internal/meta"
	"github.com/kk-code-lab/spillway/internal/storage/blob"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
	"github.com/kk-code-lab/spillway/internal/storage/upload"
)

// Options configures the storage engine.
type Options struct {
	Transport blob.Transport
	Catalog   *meta.Store
	// Cache defaults to an in-memory LRU.
	Cache cache.Cache
	// Upload tunes the chunk uploader; its Transport and Logger are filled in.
	Upload upload.Options
	Logger *slog.Logger
}

// Engine owns the object read/write path.
type Engine struct {
	transport blob.Transport
	catalog   *meta.Store
	cache     cache.Cache
	uploader  *upload.Uploader
	log       *slog.Logger
}

// New creates a storage engine instance.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("engine: transport required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("engine: catalog required")
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory(cache.DefaultSize, cache.DefaultTTL)
	}
	log := logging.OrDiscard(opts.Logger)
	upOpts := opts.Upload
	upOpts.Transport = opts.Transport
	if upOpts.Logger == nil {
		upOpts.Logger = log
	}
	uploader, err := upload.New(upOpts)
	if err != nil {
		return nil, err
	}
	return &Engine{
		transport: opts.Transport,
		catalog:   opts.Catalog,
		cache:     opts.Cache,
		uploader:  uploader,
		log:       log,
	}, nil
}

// Transport returns the blob transport backing the engine.
func (e *Engine) Transport() blob.Transport {
	return e.transport
}

// Catalog returns the catalog backing the engine.
func (e *Engine) Catalog() *meta.Store {
	return e.catalog
}

// MaxChunkSize returns the per-chunk cap used for new uploads.
func (e *Engine) MaxChunkSize() int64 {
	return e.uploader.MaxChunkSize()
}

// Store uploads size bytes of src as a new object called name. The object becomes
// visible only once every chunk is stored and the manifest is published. A failed
// attempt is kept in the catalog's upload log along with the payloads it orphaned.
func (e *Engine) Store(ctx context.Context, name string, src io.ReaderAt, size int64) (*meta.Object, error) {
	uploadID, err := e.catalog.BeginUpload(ctx, name, size)
	if err != nil {
		return nil, err
	}
	log := e.log.With("upload_id", uploadID, "name", name)

	man, err := e.uploader.Upload(ctx, src, size)
	if err != nil {
		var upErr *upload.UploadError
		failedChunk := -1
		var orphans []blob.Locator
		if errors.As(err, &upErr) {
			failedChunk = upErr.ChunkIndex
			orphans = upErr.Orphans
		}
		// The request context may already be done; the failure still gets recorded.
		if recErr := e.catalog.FailUpload(context.WithoutCancel(ctx), uploadID, failedChunk, err, orphans); recErr != nil {
			log.Error("record failed upload", "err", recErr)
		}
		return nil, err
	}

	obj, err := e.catalog.PublishManifest(ctx, name, man)
	if err != nil {
		if recErr := e.catalog.FailUpload(context.WithoutCancel(ctx), uploadID, -1, err, man.Locators()); recErr != nil {
			log.Error("record failed upload", "err", recErr)
		}
		return nil, err
	}
	if err := e.catalog.FinishUpload(ctx, uploadID, obj.ID); err != nil {
		log.Warn("record finished upload", "object_id", obj.ID, "err", err)
	}
	if err := e.cache.Set(ctx, man); err != nil {
		log.Warn("cache manifest", "object_id", obj.ID, "err", err)
	}
	return obj, nil
}

// StoreFile uploads the local file at path. An empty name uses the path.
func (e *Engine) StoreFile(ctx context.Context, name, path string) (*meta.Object, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("engine: %s is not a regular file", path)
	}
	if name == "" {
		name = path
	}
	return e.Store(ctx, name, file, info.Size())
}

// Manifest returns a copy of the published manifest for objectID.
func (e *Engine) Manifest(ctx context.Context, objectID string) (*manifest.Manifest, error) {
	if m, ok, err := e.cache.Get(ctx, objectID); err != nil {
		e.log.Warn("cache lookup", "object_id", objectID, "err", err)
	} else if ok {
		return m, nil
	}
	m, err := e.catalog.GetManifest(ctx, objectID)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, m); err != nil {
		e.log.Warn("cache manifest", "object_id", objectID, "err", err)
	}
	return m.Clone(), nil
}

// Object returns the catalog summary for objectID.
func (e *Engine) Object(ctx context.Context, objectID string) (*meta.Object, error) {
	obj, err := e.catalog.GetObject(ctx, objectID)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}
	return obj, err
}

// List returns every published object.
func (e *Engine) List(ctx context.Context) ([]meta.Object, error) {
	return e.catalog.ListObjects(ctx)
}

// OpenRange looks up objectID and returns a reader over bytes start..end
// (inclusive, end == -1 for EOF) along with the manifest it reads.
func (e *Engine) OpenRange(ctx context.Context, objectID string, start, end int64) (*RangeReader, *manifest.Manifest, error) {
	m, err := e.Manifest(ctx, objectID)
	if err != nil {
		return nil, nil, err
	}
	r, err := OpenRange(ctx, e.transport, m, start, end)
	if err != nil {
		return nil, m, err
	}
	return r, m, nil
}

// OpenFull returns a reader over the whole object.
func (e *Engine) OpenFull(ctx context.Context, objectID string) (*RangeReader, *manifest.Manifest, error) {
	m, err := e.Manifest(ctx, objectID)
	if err != nil {
		return nil, nil, err
	}
	r, err := OpenFull(ctx, e.transport, m)
	if err != nil {
		return nil, m, err
	}
	return r, m, nil
}

// Delete unpublishes objectID. Its payloads become orphans for garbage collection.
func (e *Engine) Delete(ctx context.Context, objectID string) error {
	if err := e.catalog.DeleteObject(ctx, objectID); err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
		}
		return err
	}
	if err := e.cache.Delete(ctx, objectID); err != nil {
		e.log.Warn("cache delete", "object_id", objectID, "err", err)
	}
	e.log.Info("object deleted", "object_id", objectID)
	return nil
}
