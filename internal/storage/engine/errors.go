package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrObjectNotFound is returned when no published manifest exists for an object id.
	ErrObjectNotFound = errors.New("engine: object not found")
	errReaderClosed   = errors.New("engine: read on closed range reader")
)

// InvalidRangeError reports a requested byte range that does not fit the object.
type InvalidRangeError struct {
	Start int64
	End   int64
	Size  int64
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("engine: invalid range [%d, %d] for object of %d bytes", e.Start, e.End, e.Size)
}

// ChunkSizeMismatchError reports a chunk payload whose length differs from its manifest entry.
type ChunkSizeMismatchError struct {
	ChunkIndex int
	Declared   int64
	// Observed is the number of bytes delivered before the mismatch was detected.
	// For over-delivery it is a lower bound.
	Observed int64
}

func (e *ChunkSizeMismatchError) Error() string {
	return fmt.Sprintf("engine: chunk %d declared %d bytes, transport delivered %d", e.ChunkIndex, e.Declared, e.Observed)
}
