package upload

import (
	"bytes"
	"errors"
	"io"
	"os"
)

// spool holds exactly one chunk between the source read and the transport put.
// Small chunks stay in memory; larger ones go to a temp file that is removed on Close.
type spool struct {
	mem  *bytes.Buffer
	file *os.File
	path string
}

func newSpool(dir string, size, threshold int64) (*spool, error) {
	if size <= threshold {
		buf := &bytes.Buffer{}
		buf.Grow(int(size))
		return &spool{mem: buf}, nil
	}
	file, err := os.CreateTemp(dir, "spillway-chunk-*")
	if err != nil {
		return nil, err
	}
	return &spool{file: file, path: file.Name()}, nil
}

func (s *spool) Write(p []byte) (int, error) {
	if s.mem != nil {
		return s.mem.Write(p)
	}
	if s.file == nil {
		return 0, errors.New("upload: spool closed")
	}
	return s.file.Write(p)
}

// reader rewinds the spool for the transport.
func (s *spool) reader() (io.Reader, error) {
	if s.mem != nil {
		return bytes.NewReader(s.mem.Bytes()), nil
	}
	if s.file == nil {
		return nil, errors.New("upload: spool closed")
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return s.file, nil
}

func (s *spool) onDisk() bool {
	return s.path != ""
}

// Close releases the buffer and removes the temp file. Safe to call twice.
func (s *spool) Close() error {
	s.mem = nil
	if s.file == nil {
		return nil
	}
	closeErr := s.file.Close()
	s.file = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}
