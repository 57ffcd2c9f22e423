package manifest

import (
	"bytes"
	"math/rand"
	"reflect"
	"testing"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
)

func FuzzBinaryCodecDecode(f *testing.F) {
	f.Add([]byte("seed"))
	f.Fuzz(func(t *testing.T, data []byte) {
		codec := &BinaryCodec{}
		_, _ = codec.Decode(bytes.NewReader(data))

		manifest := randomManifest(data)
		var buf bytes.Buffer
		if err := codec.Encode(&buf, manifest); err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := codec.Decode(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("decode after encode failed: %v", err)
		}
		if !reflect.DeepEqual(manifest, got) {
			t.Fatalf("round-trip mismatch")
		}
	})
}

func FuzzCBORCodecDecode(f *testing.F) {
	f.Add([]byte("seed"))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = (&CBORCodec{}).Decode(bytes.NewReader(data))
	})
}

func randomManifest(seed []byte) *Manifest {
	r := rand.New(rand.NewSource(seedToInt64(seed)))
	m := &Manifest{ObjectID: randString(r, 36)}
	chunkCount := r.Intn(6)
	if chunkCount < 2 {
		size := int64(r.Intn(1 << 20))
		m.TotalSize = size
		m.Single = &blob.Locator{Provider: "fs", Key: randString(r, 36)}
		_, _ = r.Read(m.SingleChecksum[:])
		return m
	}
	m.IsSplit = true
	for i := 0; i < chunkCount; i++ {
		ch := ChunkDescriptor{
			Index: i,
			Size:  int64(r.Intn(1<<16) + 1),
			Locator: blob.Locator{
				Provider:  "tg",
				Channel:   randString(r, 12),
				MessageID: r.Int63(),
			},
		}
		_, _ = r.Read(ch.Checksum[:])
		m.Chunks = append(m.Chunks, ch)
		m.TotalSize += ch.Size
	}
	return m
}

func seedToInt64(seed []byte) int64 {
	if len(seed) == 0 {
		return 0
	}
	var v int64
	for i := 0; i < len(seed) && i < 8; i++ {
		v |= int64(seed[i]) << (8 * i)
	}
	return v
}

func randString(r *rand.Rand, max int) string {
	if max <= 0 {
		return ""
	}
	n := r.Intn(max + 1)
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789-_"
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphabet[r.Intn(len(alphabet))]
	}
	return string(buf)
}
