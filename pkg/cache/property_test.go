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

package cache_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	. "github.com/containers/memgov/pkg/cache"
)

func TestCacheProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("memory usage equals the sum of entry sizes", prop.ForAll(
		func(keys []int, sizes []int, policy int) bool {
			c, err := New[[]byte](Config{
				MaxSize:     4096,
				MaxEntries:  8,
				Policy:      Policies()[policy],
				Compression: "none",
			})
			if err != nil {
				return false
			}
			for i, k := range keys {
				key := fmt.Sprintf("key%d", k)
				switch {
				case i%5 == 4:
					c.Delete(key)
				case i%3 == 2:
					c.Get(key)
				default:
					c.Set(key, make([]byte, sizes[i%len(sizes)]))
				}
				stats := c.Statistics()
				if stats.MemoryUsage != memoryUsage(c) {
					return false
				}
				if stats.MemoryUsage > 4096 || stats.Entries > 8 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 15)),
		gen.SliceOfN(4, gen.IntRange(0, 1024)),
		gen.IntRange(0, len(Policies())-1),
	))

	properties.Property("get after set returns the stored value", prop.ForAll(
		func(key string, value string) bool {
			c, err := New[string](Config{Compression: "s2", CompressionThreshold: 8})
			if err != nil {
				return false
			}
			if !c.Set(key, value) {
				return false
			}
			v, ok := c.Get(key)
			return ok && v == value
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
