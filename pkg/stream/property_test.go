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

package stream_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	. "github.com/containers/memgov/pkg/stream"
)

func TestBufferProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("available and in-use buffers partition the owned ones", prop.ForAll(
		func(sizes []int, releases []bool, resize int) bool {
			m, err := NewManager(Config{
				Classes: []ClassConfig{
					{Name: "small", Size: 256, Count: 4},
					{Name: "large", Size: 4096, Count: 2},
				},
			})
			if err != nil {
				return false
			}
			defer m.Close()

			var held []*Buffer
			for i, size := range sizes {
				if b := m.Acquire(size); b != nil {
					if b.Size() < size {
						return false
					}
					held = append(held, b)
				}
				if len(releases) > 0 && releases[i%len(releases)] && len(held) > 0 {
					b := held[0]
					held = held[1:]
					if !m.Release(b) || m.Release(b) {
						return false
					}
				}
				if i == len(sizes)/2 && m.ResizeClass("small", resize) != nil {
					return false
				}
				if m.Validate() != nil {
					return false
				}
			}

			inUse := 0
			for _, c := range m.ClassStats() {
				if c.Available+c.InUse != c.Owned {
					return false
				}
				inUse += c.InUse
			}
			return inUse == len(held)
		},
		gen.SliceOf(gen.IntRange(1, 5000)),
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
