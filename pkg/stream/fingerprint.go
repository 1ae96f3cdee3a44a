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

package stream

import (
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maypok86/otter"
)

// fingerprints caches processed chunk outputs by the fingerprint of their
// input, bounded by the total size of cached outputs.
type fingerprints struct {
	cache otter.Cache[uint64, []byte]
}

func newFingerprints(capacity int, ttl time.Duration) (*fingerprints, error) {
	cache, err := otter.MustBuilder[uint64, []byte](capacity).
		Cost(func(_ uint64, out []byte) uint32 {
			if len(out) >= math.MaxUint32-8 {
				return math.MaxUint32
			}
			return uint32(len(out)) + 8
		}).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}

	return &fingerprints{cache: cache}, nil
}

// fingerprint returns the fingerprint of a chunk processed by a stream.
func fingerprint(stream string, chunk []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(stream)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(chunk)
	return d.Sum64()
}

func (f *fingerprints) get(key uint64) ([]byte, bool) {
	return f.cache.Get(key)
}

func (f *fingerprints) set(key uint64, out []byte) {
	f.cache.Set(key, out)
}

func (f *fingerprints) size() int {
	return f.cache.Size()
}

func (f *fingerprints) close() {
	f.cache.Close()
}
