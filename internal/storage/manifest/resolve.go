package manifest

import "sort"

// Resolve maps an object offset to the chunk holding it and the offset within
// that chunk. Unsplit objects always resolve to chunk 0.
func (m *Manifest) Resolve(offset int64) (int, int64, error) {
	if offset < 0 || offset >= m.TotalSize {
		return 0, 0, &OutOfRangeError{Offset: offset, Size: m.TotalSize}
	}
	if !m.IsSplit {
		return 0, offset, nil
	}
	var start int64
	for _, ch := range m.Chunks {
		if offset < start+ch.Size {
			return ch.Index, offset - start, nil
		}
		start += ch.Size
	}
	return 0, 0, &OutOfRangeError{Offset: offset, Size: start}
}

// Resolver answers Resolve in O(log n) using precomputed chunk start offsets.
type Resolver struct {
	manifest *Manifest
	starts   []int64
}

// NewResolver precomputes prefix sums for m. m must not be modified afterwards.
func NewResolver(m *Manifest) *Resolver {
	r := &Resolver{manifest: m}
	if m.IsSplit {
		r.starts = make([]int64, len(m.Chunks))
		var pos int64
		for i, ch := range m.Chunks {
			r.starts[i] = pos
			pos += ch.Size
		}
	}
	return r
}

// Resolve has the same contract as Manifest.Resolve.
func (r *Resolver) Resolve(offset int64) (int, int64, error) {
	m := r.manifest
	if offset < 0 || offset >= m.TotalSize {
		return 0, 0, &OutOfRangeError{Offset: offset, Size: m.TotalSize}
	}
	if !m.IsSplit {
		return 0, offset, nil
	}
	i := sort.Search(len(r.starts), func(i int) bool { return r.starts[i] > offset }) - 1
	if i < 0 || offset-r.starts[i] >= m.Chunks[i].Size {
		return 0, 0, &OutOfRangeError{Offset: offset, Size: m.TotalSize}
	}
	return m.Chunks[i].Index, offset - r.starts[i], nil
}

// ChunkStart returns the object offset at which chunk i begins.
func (r *Resolver) ChunkStart(i int) int64 {
	if !r.manifest.IsSplit {
		return 0
	}
	return r.starts[i]
}
