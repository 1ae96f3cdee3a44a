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

package pool_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	. "github.com/containers/memgov/pkg/pool"
)

func TestAllocatorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	setup := func(strategy int) (*Allocator, bool) {
		p := DefaultPolicy()
		p.Strategy = Strategy(strategy)
		p.MaxSize = 256 * KiB
		a, err := NewAllocator(WithCeiling(GiB), WithPool("test", 64*KiB, p))
		return a, err == nil
	}

	partitioned := func(a *Allocator) bool {
		info, err := a.Info("test")
		if err != nil || info.Allocated+info.Free != info.Total {
			return false
		}
		frags, err := a.Fragments("test")
		if err != nil {
			return false
		}
		offset := int64(0)
		for _, f := range frags {
			if f.Offset != offset || f.Size <= 0 {
				return false
			}
			offset += f.Size
		}
		return offset == info.Total && a.Validate() == nil
	}

	properties.Property("allocated + free == total and fragments partition the pool", prop.ForAll(
		func(sizes []int64, frees []bool, strategy int) bool {
			a, ok := setup(strategy)
			if !ok {
				return false
			}

			var ids []string
			for i, size := range sizes {
				if id, err := a.Allocate(size, CategoryBuffer, "test"); err == nil {
					ids = append(ids, id)
				}
				if len(frees) > 0 && frees[i%len(frees)] && len(ids) > 0 {
					a.Deallocate(ids[i%len(ids)])
				}
				if !partitioned(a) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 8*KiB)),
		gen.SliceOf(gen.Bool()),
		gen.IntRange(int(FirstFit), int(BuddySystem)),
	))

	properties.Property("deallocating twice is a no-op", prop.ForAll(
		func(sizes []int64, strategy int) bool {
			a, ok := setup(strategy)
			if !ok {
				return false
			}

			var ids []string
			for _, size := range sizes {
				id, err := a.Allocate(size, CategoryPersistent, "test")
				if err != nil {
					return false
				}
				ids = append(ids, id)
			}

			for _, id := range ids {
				before, _ := a.Info("test")
				if !a.Deallocate(id) {
					return false
				}
				middle, _ := a.Info("test")
				if a.Deallocate(id) {
					return false
				}
				after, _ := a.Info("test")
				if middle.Allocated != after.Allocated || before.Allocated <= middle.Allocated {
					return false
				}
			}

			info, _ := a.Info("test")
			return info.Allocated == 0 && info.Fragments == 1
		},
		gen.SliceOfN(16, gen.Int64Range(1, 4*KiB)),
		gen.IntRange(int(FirstFit), int(BuddySystem)),
	))

	properties.TestingRun(t)
}
