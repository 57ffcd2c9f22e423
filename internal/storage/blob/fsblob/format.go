package fsblob

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Payload files are laid out as header | data | footer.

// Header is written at the start of each payload file.
type Header struct {
	Magic   uint32
	Version uint32
}

const (
	headerMagic   = 0x53504c50 // "SPLP"
	formatVersion = 1
	headerLen     = 4 + 4
)

// Footer is written after the payload data once it has been fully received.
type Footer struct {
	Magic    uint32
	Size     int64
	Checksum [32]byte
}

const (
	footerMagic = 0x53504c46 // "SPLF"
	footerLen   = 4 + 8 + 32
)

func encodeHeader(w io.Writer, h Header) error {
	var buf [headerLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	_, err := w.Write(buf[:])
	return err
}

func decodeHeader(r io.Reader) (Header, error) {
	var buf [headerLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Magic:   binary.LittleEndian.Uint32(buf[0:4]),
		Version: binary.LittleEndian.Uint32(buf[4:8]),
	}
	if h.Magic != headerMagic {
		return Header{}, fmt.Errorf("fsblob: invalid header magic")
	}
	if h.Version != formatVersion {
		return Header{}, fmt.Errorf("fsblob: unsupported version %d", h.Version)
	}
	return h, nil
}

func encodeFooter(w io.Writer, f Footer) error {
	var buf [footerLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], f.Magic)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(f.Size))
	copy(buf[12:], f.Checksum[:])
	_, err := w.Write(buf[:])
	return err
}

func decodeFooter(r io.Reader) (Footer, error) {
	var buf [footerLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Footer{}, err
	}
	f := Footer{
		Magic: binary.LittleEndian.Uint32(buf[0:4]),
		Size:  int64(binary.LittleEndian.Uint64(buf[4:12])),
	}
	copy(f.Checksum[:], buf[12:])
	if f.Magic != footerMagic {
		return Footer{}, fmt.Errorf("fsblob: invalid footer magic")
	}
	if f.Size < 0 {
		return Footer{}, fmt.Errorf("fsblob: negative payload size")
	}
	return f, nil
}

func newHasher() *blake3.Hasher {
	return blake3.New()
}
