package chunk

import (
	"errors"
	"fmt"
)

// DefaultMaxSize is the default upper bound for one stored chunk (2000 MiB),
// kept below the 2 GiB message cap of chat-style stores.
const DefaultMaxSize = 2000 << 20

// ErrInvalidPlan is returned for negative sizes or a non-positive chunk cap.
var ErrInvalidPlan = errors.New("chunk: invalid plan parameters")

// Plan splits an object of totalSize bytes into contiguous windows of at most
// maxChunkSize bytes. An empty object yields no windows; an object that fits in
// one chunk yields the single window (0, totalSize).
func Plan(totalSize, maxChunkSize int64) ([]Span, error) {
	n, err := Count(totalSize, maxChunkSize)
	if err != nil {
		return nil, err
	}
	spans := make([]Span, 0, n)
	for i := 0; i < n; i++ {
		offset := int64(i) * maxChunkSize
		length := maxChunkSize
		if rest := totalSize - offset; rest < length {
			length = rest
		}
		spans = append(spans, Span{Offset: offset, Len: length})
	}
	return spans, nil
}

// Count returns the number of windows Plan would produce.
func Count(totalSize, maxChunkSize int64) (int, error) {
	if totalSize < 0 {
		return 0, fmt.Errorf("%w: total size %d", ErrInvalidPlan, totalSize)
	}
	if maxChunkSize <= 0 {
		return 0, fmt.Errorf("%w: max chunk size %d", ErrInvalidPlan, maxChunkSize)
	}
	n := totalSize / maxChunkSize
	if totalSize%maxChunkSize != 0 {
		n++
	}
	return int(n), nil
}
