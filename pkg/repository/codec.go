// ABOUTME: Cube record codec: JSON document form, optionally zstd-compressed
// ABOUTME: Decoding detects compression from the zstd frame magic

package repository

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/nainya/cubestore/pkg/cube"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Codec turns cubes into stored records and back
type Codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// NewCodec creates a codec. Records written with compress=false are plain
// JSON; either form is readable regardless of the setting.
func NewCodec(compress bool) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{compress: compress, enc: enc, dec: dec}, nil
}

// MustCodec is NewCodec for package-level defaults; it panics on failure
func MustCodec(compress bool) *Codec {
	c, err := NewCodec(compress)
	if err != nil {
		panic(err)
	}
	return c
}

// Encode serializes a cube
func (c *Codec) Encode(cb *cube.Cube) ([]byte, error) {
	data, err := json.Marshal(cb.Document())
	if err != nil {
		return nil, fmt.Errorf("encoding cube %s: %w", cb.Identity, err)
	}
	if !c.compress {
		return data, nil
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decode rebuilds a cube from a record. Records that fail structural
// validation are reported as invariant violations.
func (c *Codec) Decode(data []byte) (*cube.Cube, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing cube record: %w", err)
		}
		data = raw
	}
	var doc cube.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &cube.Error{Kind: cube.KindInvariant, Err: cube.ErrInvariantViolation, Cause: err, Detail: "undecodable cube record"}
	}
	return cube.FromDocument(&doc)
}

// Close releases the encoder and decoder
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}
