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

package compress_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memgov/pkg/compress"
)

func TestCodecRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("memory governance "), 256)

	for _, name := range []string{compress.None, compress.S2, compress.Zstd} {
		t.Run(name, func(t *testing.T) {
			c, err := compress.Get(name)
			require.NoError(t, err)
			require.Equal(t, name, c.Name())

			enc := c.Encode(nil, data)
			if name != compress.None {
				require.Less(t, len(enc), len(data), "repetitive data should compress")
			}

			dec, err := c.Decode(nil, enc)
			require.NoError(t, err)
			require.Equal(t, data, dec)
		})
	}
}

func TestUnknownCodec(t *testing.T) {
	_, err := compress.Get("lz77")
	require.ErrorIs(t, err, compress.ErrUnknownCodec)
	require.Panics(t, func() { compress.MustGet("lz77") })
}

func TestCorruptInput(t *testing.T) {
	c := compress.MustGet(compress.S2)
	_, err := c.Decode(nil, []byte{0xff, 0xff, 0xff, 0xff, 0x01})
	require.Error(t, err)
}

func TestRatio(t *testing.T) {
	require.Equal(t, 1.0, compress.Ratio(0, 0))
	require.Equal(t, 0.25, compress.Ratio(400, 100))
}
