// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package compress provides the compression codecs used for cached values
// and streamed chunks.
package compress

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses and decompresses byte slices.
type Codec interface {
	// Name returns the name of the codec.
	Name() string
	// Encode compresses src, appending to dst.
	Encode(dst, src []byte) []byte
	// Decode decompresses src, appending to dst.
	Decode(dst, src []byte) ([]byte, error)
}

const (
	// None is the name of the pass-through codec.
	None = "none"
	// S2 is the name of the s2 codec.
	S2 = "s2"
	// Zstd is the name of the zstd codec.
	Zstd = "zstd"
)

var (
	// ErrUnknownCodec is returned for unknown codec names.
	ErrUnknownCodec = fmt.Errorf("compress: unknown codec")
)

// Get returns the codec with the given name.
func Get(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case None, "":
		return noneCodec{}, nil
	case S2:
		return s2Codec{}, nil
	case Zstd:
		return getZstd()
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownCodec, name)
}

// MustGet returns the codec with the given name. It panics on failure.
func MustGet(name string) Codec {
	c, err := Get(name)
	if err != nil {
		panic(err)
	}
	return c
}

// Ratio returns the compressed size as a fraction of the original one.
func Ratio(original, compressed int) float64 {
	if original == 0 {
		return 1.0
	}
	return float64(compressed) / float64(original)
}

type noneCodec struct{}

func (noneCodec) Name() string { return None }

func (noneCodec) Encode(dst, src []byte) []byte {
	return append(dst, src...)
}

func (noneCodec) Decode(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

type s2Codec struct{}

func (s2Codec) Name() string { return S2 }

func (s2Codec) Encode(dst, src []byte) []byte {
	return append(dst, s2.Encode(nil, src)...)
}

func (s2Codec) Decode(dst, src []byte) ([]byte, error) {
	out, err := s2.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("compress: s2 decode failed: %w", err)
	}
	return append(dst, out...), nil
}

// zstdCodec shares one encoder and decoder, both safe for concurrent
// use through EncodeAll and DecodeAll.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var (
	zstdOnce  sync.Once
	zstdInst  *zstdCodec
	zstdError error
)

func getZstd() (Codec, error) {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			zstdError = fmt.Errorf("compress: failed to create zstd encoder: %w", err)
			return
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			zstdError = fmt.Errorf("compress: failed to create zstd decoder: %w", err)
			return
		}
		zstdInst = &zstdCodec{enc: enc, dec: dec}
	})
	if zstdError != nil {
		return nil, zstdError
	}
	return zstdInst, nil
}

func (c *zstdCodec) Name() string { return Zstd }

func (c *zstdCodec) Encode(dst, src []byte) []byte {
	return c.enc.EncodeAll(src, dst)
}

func (c *zstdCodec) Decode(dst, src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("compress: zstd decode failed: %w", err)
	}
	return out, nil
}
