// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how stored values are compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
)

// Each stored value starts with one byte naming its compression, so a store
// can be reopened with a different setting and still read older values.
const (
	flagNone byte = iota
	flagS2
	flagZstd
)

var errCorruptValue = errors.New("corrupt value")

type codec struct {
	kind Compression
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

func newCodec(kind Compression) (*codec, error) {
	if kind == "" {
		kind = CompressionNone
	}
	switch kind {
	case CompressionNone, CompressionS2, CompressionZstd:
	default:
		return nil, fmt.Errorf("unknown compression %q", kind)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &codec{kind: kind, enc: enc, dec: dec}, nil
}

func (c *codec) encode(src []byte) []byte {
	switch c.kind {
	case CompressionS2:
		return append([]byte{flagS2}, s2.Encode(nil, src)...)
	case CompressionZstd:
		return c.enc.EncodeAll(src, []byte{flagZstd})
	default:
		return append([]byte{flagNone}, src...)
	}
}

func (c *codec) decode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, errCorruptValue
	}

	switch src[0] {
	case flagNone:
		return append([]byte(nil), src[1:]...), nil
	case flagS2:
		return s2.Decode(nil, src[1:])
	case flagZstd:
		return c.dec.DecodeAll(src[1:], nil)
	default:
		return nil, fmt.Errorf("%w: flag %d", errCorruptValue, src[0])
	}
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
