package upload

import (
	"fmt"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
)

// UploadError reports the chunk whose transfer aborted an upload.
type UploadError struct {
	ChunkIndex int
	Offset     int64
	Len        int64
	// Orphans are payloads stored before the failure; no manifest references them.
	Orphans []blob.Locator
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload: chunk %d (offset %d, len %d): %v", e.ChunkIndex, e.Offset, e.Len, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
