package manifest

import "fmt"

// OutOfRangeError reports an offset outside [0, Size).
type OutOfRangeError struct {
	Offset int64
	Size   int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("manifest: offset %d out of range [0, %d)", e.Offset, e.Size)
}
