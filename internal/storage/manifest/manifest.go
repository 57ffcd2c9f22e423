package manifest

import (
	"errors"
	"fmt"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
)

// ErrInvalidManifest is wrapped by every Validate failure.
var ErrInvalidManifest = errors.New("manifest: invalid")

// ChunkDescriptor points to one stored chunk of a split object.
type ChunkDescriptor struct {
	Index    int          `json:"chunk_index" cbor:"chunk_index"`
	Size     int64        `json:"size" cbor:"size"`
	Locator  blob.Locator `json:"locator" cbor:"locator"`
	Checksum [32]byte     `json:"checksum" cbor:"checksum"`
}

// Manifest describes how one logical object is stored: either as a single
// payload or as an ordered, contiguous list of chunks.
type Manifest struct {
	ObjectID       string            `json:"object_id" cbor:"object_id"`
	IsSplit        bool              `json:"is_split" cbor:"is_split"`
	TotalSize      int64             `json:"total_size" cbor:"total_size"`
	Single         *blob.Locator     `json:"single_locator,omitempty" cbor:"single_locator,omitempty"`
	SingleChecksum [32]byte          `json:"single_checksum" cbor:"single_checksum"`
	Chunks         []ChunkDescriptor `json:"chunks,omitempty" cbor:"chunks,omitempty"`
}

// Validate checks the structural invariants of the manifest.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil manifest", ErrInvalidManifest)
	}
	if m.TotalSize < 0 {
		return fmt.Errorf("%w: negative total size %d", ErrInvalidManifest, m.TotalSize)
	}
	if !m.IsSplit {
		if m.Single == nil || m.Single.IsZero() {
			return fmt.Errorf("%w: unsplit object without locator", ErrInvalidManifest)
		}
		if len(m.Chunks) != 0 {
			return fmt.Errorf("%w: unsplit object with %d chunks", ErrInvalidManifest, len(m.Chunks))
		}
		return nil
	}
	if m.Single != nil {
		return fmt.Errorf("%w: split object with single locator", ErrInvalidManifest)
	}
	if len(m.Chunks) == 0 {
		return fmt.Errorf("%w: split object without chunks", ErrInvalidManifest)
	}
	var sum int64
	for i, ch := range m.Chunks {
		if ch.Index != i {
			return fmt.Errorf("%w: chunk %d has index %d", ErrInvalidManifest, i, ch.Index)
		}
		if ch.Size <= 0 {
			return fmt.Errorf("%w: chunk %d has size %d", ErrInvalidManifest, i, ch.Size)
		}
		if ch.Locator.IsZero() {
			return fmt.Errorf("%w: chunk %d has no locator", ErrInvalidManifest, i)
		}
		sum += ch.Size
	}
	if sum != m.TotalSize {
		return fmt.Errorf("%w: chunk sizes sum to %d, total size %d", ErrInvalidManifest, sum, m.TotalSize)
	}
	return nil
}

// ValidateCap validates the manifest and checks every chunk fits in maxChunkSize.
func (m *Manifest) ValidateCap(maxChunkSize int64) error {
	if err := m.Validate(); err != nil {
		return err
	}
	for _, ch := range m.Chunks {
		if ch.Size > maxChunkSize {
			return fmt.Errorf("%w: chunk %d size %d exceeds cap %d", ErrInvalidManifest, ch.Index, ch.Size, maxChunkSize)
		}
	}
	return nil
}

// ChunkCount returns the number of stored payloads backing the object.
func (m *Manifest) ChunkCount() int {
	if !m.IsSplit {
		return 1
	}
	return len(m.Chunks)
}

// Locators lists every payload locator referenced by the manifest.
func (m *Manifest) Locators() []blob.Locator {
	if !m.IsSplit {
		if m.Single == nil {
			return nil
		}
		return []blob.Locator{*m.Single}
	}
	out := make([]blob.Locator, 0, len(m.Chunks))
	for _, ch := range m.Chunks {
		out = append(out, ch.Locator)
	}
	return out
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	if m.Single != nil {
		single := *m.Single
		out.Single = &single
	}
	if m.Chunks != nil {
		out.Chunks = append([]ChunkDescriptor(nil), m.Chunks...)
	}
	return &out
}
