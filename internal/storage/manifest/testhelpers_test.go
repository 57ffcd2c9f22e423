package manifest

import (
	"strconv"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
)

func splitManifest(sizes ...int64) *Manifest {
	m := &Manifest{ObjectID: "obj", IsSplit: true}
	for i, size := range sizes {
		m.Chunks = append(m.Chunks, ChunkDescriptor{
			Index:    i,
			Size:     size,
			Locator:  blob.Locator{Provider: "mem", Key: strconv.Itoa(i + 1)},
			Checksum: [32]byte{byte(i + 1)},
		})
		m.TotalSize += size
	}
	return m
}

func singleManifest(size int64) *Manifest {
	return &Manifest{
		ObjectID:       "obj",
		TotalSize:      size,
		Single:         &blob.Locator{Provider: "tg", Channel: "-100123", MessageID: 42},
		SingleChecksum: [32]byte{9},
	}
}
