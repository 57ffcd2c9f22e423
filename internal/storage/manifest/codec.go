package manifest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/zeebo/blake3"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
)

const (
	magic       = 0x53504c4d // "SPLM"
	versionV1   = 1
	headerLen   = 4 + 4
	checksumLen = 32

	flagSplit = 1 << 0
)

// Codec serializes and deserializes manifests.
type Codec interface {
	Encode(w io.Writer, m *Manifest) error
	Decode(r io.Reader) (*Manifest, error)
}

// BinaryCodec implements a compact binary manifest format.
type BinaryCodec struct{}

// Encode writes a manifest with a header and checksum.
func (c *BinaryCodec) Encode(w io.Writer, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	buf := make([]byte, 0, 256)
	buf = appendU32(buf, magic)
	buf = appendU32(buf, versionV1)
	buf = appendString(buf, m.ObjectID)
	var flags byte
	if m.IsSplit {
		flags |= flagSplit
	}
	buf = append(buf, flags)
	buf = appendU64(buf, uint64(m.TotalSize))
	if !m.IsSplit {
		buf = appendLocator(buf, *m.Single)
		buf = append(buf, m.SingleChecksum[:]...)
	} else {
		buf = appendU32(buf, uint32(len(m.Chunks)))
		for _, ch := range m.Chunks {
			buf = appendU32(buf, uint32(ch.Index))
			buf = appendU64(buf, uint64(ch.Size))
			buf = append(buf, ch.Checksum[:]...)
			buf = appendLocator(buf, ch.Locator)
		}
	}
	checksum := blake3.Sum256(buf[headerLen:])
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(checksum[:])
	return err
}

// Decode reads a manifest, validates header and checksum, and returns the manifest.
func (c *BinaryCodec) Decode(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < headerLen+checksumLen {
		return nil, errors.New("manifest: truncated")
	}
	body := data[:len(data)-checksumLen]
	checksum := data[len(data)-checksumLen:]
	sum := blake3.Sum256(body[headerLen:])
	if !bytes.Equal(sum[:], checksum) {
		return nil, errors.New("manifest: checksum mismatch")
	}
	if binary.LittleEndian.Uint32(body[0:4]) != magic {
		return nil, errors.New("manifest: bad magic")
	}
	if binary.LittleEndian.Uint32(body[4:8]) != versionV1 {
		return nil, errors.New("manifest: unsupported version")
	}
	d := &decoder{data: body, off: headerLen}
	m := &Manifest{}
	m.ObjectID = d.str()
	flags := d.u8()
	m.IsSplit = flags&flagSplit != 0
	m.TotalSize = int64(d.u64())
	if !m.IsSplit {
		loc := d.locator()
		m.Single = &loc
		d.hash(&m.SingleChecksum)
	} else {
		count := int(d.u32())
		if d.err == nil && count > (len(body)-d.off)/(4+8+checksumLen) {
			return nil, errors.New("manifest: chunk count exceeds body")
		}
		m.Chunks = make([]ChunkDescriptor, 0, count)
		for i := 0; i < count && d.err == nil; i++ {
			var ch ChunkDescriptor
			ch.Index = int(d.u32())
			ch.Size = int64(d.u64())
			d.hash(&ch.Checksum)
			ch.Locator = d.locator()
			m.Chunks = append(m.Chunks, ch)
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(body) {
		return nil, errors.New("manifest: trailing bytes")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, v string) []byte {
	if len(v) > int(^uint32(0)) {
		panic("manifest: string too large")
	}
	buf = appendU32(buf, uint32(len(v)))
	return append(buf, v...)
}

func appendLocator(buf []byte, loc blob.Locator) []byte {
	buf = appendString(buf, loc.Provider)
	buf = appendString(buf, loc.Key)
	buf = appendString(buf, loc.Channel)
	return appendU64(buf, uint64(loc.MessageID))
}

// decoder reads fields sequentially and latches the first error.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = errors.New("manifest: truncated body")
		return false
	}
	return true
}

func (d *decoder) u8() byte {
	if !d.need(1) {
		return 0
	}
	v := d.data[d.off]
	d.off++
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}

func (d *decoder) str() string {
	n := int(d.u32())
	if !d.need(n) {
		return ""
	}
	v := string(d.data[d.off : d.off+n])
	d.off += n
	return v
}

func (d *decoder) hash(dst *[32]byte) {
	if !d.need(32) {
		return
	}
	copy(dst[:], d.data[d.off:d.off+32])
	d.off += 32
}

func (d *decoder) locator() blob.Locator {
	return blob.Locator{
		Provider:  d.str(),
		Key:       d.str(),
		Channel:   d.str(),
		MessageID: int64(d.u64()),
	}
}
