package manifest

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// cborVersion tags encoded records so older readers can refuse newer layouts.
const cborVersion = 1

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Core Deterministic Encoding: the same manifest always encodes to the same bytes.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("manifest: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("manifest: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborRecord struct {
	Version  int       `cbor:"v"`
	Manifest *Manifest `cbor:"m"`
}

// CBORCodec encodes manifests as deterministic CBOR records.
type CBORCodec struct{}

// Encode writes m as one CBOR record.
func (c *CBORCodec) Encode(w io.Writer, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := cborEnc.Marshal(cborRecord{Version: cborVersion, Manifest: m})
	if err != nil {
		return fmt.Errorf("manifest: encode cbor: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Decode reads one CBOR record and validates the manifest it holds.
func (c *CBORCodec) Decode(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rec cborRecord
	if err := cborDec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("manifest: decode cbor: %w", err)
	}
	if rec.Version != cborVersion {
		return nil, fmt.Errorf("manifest: unsupported cbor record version %d", rec.Version)
	}
	if err := rec.Manifest.Validate(); err != nil {
		return nil, err
	}
	return rec.Manifest, nil
}
