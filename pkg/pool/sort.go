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

package pool

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// AllocationFilter filters allocations.
type AllocationFilter func(*Allocation) bool

// AllocationSorter compares allocations for sorting.
type AllocationSorter func(a, b *Allocation) int

// SortAllocations filters and sorts the given allocations.
func SortAllocations(allocs map[string]*Allocation, f AllocationFilter, s AllocationSorter) []*Allocation {
	sorted := make([]*Allocation, 0, len(allocs))
	for _, a := range allocs {
		if f == nil || f(a) {
			sorted = append(sorted, a)
		}
	}
	if s != nil {
		slices.SortFunc(sorted, s)
	}
	return sorted
}

// AllocationsByAge sorts allocations oldest first.
func AllocationsByAge(a, b *Allocation) int {
	if c := a.Created.Compare(b.Created); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// AllocationsByOffset sorts allocations by their offset within a pool.
func AllocationsByOffset(a, b *Allocation) int {
	if a.Offset != b.Offset {
		return cmpInt64(a.Offset, b.Offset)
	}
	return strings.Compare(a.ID, b.ID)
}

// AllocationsByCollectionOrder sorts allocations in the order they are
// considered for garbage collection: by category, idle ones first.
func AllocationsByCollectionOrder(a, b *Allocation) int {
	if ra, rb := collectionRank(a.Category), collectionRank(b.Category); ra != rb {
		return ra - rb
	}
	if c := a.LastAccessed.Compare(b.LastAccessed); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func collectionRank(c Category) int {
	switch c {
	case CategoryTransient:
		return 0
	case CategoryCache:
		return 1
	case CategoryBuffer:
		return 2
	}
	return 3
}

// OfOwner filters allocations of the given owner.
func OfOwner(owner string) AllocationFilter {
	return func(a *Allocation) bool {
		return a.Owner == owner
	}
}

// OfCategory filters allocations of the given category.
func OfCategory(c Category) AllocationFilter {
	return func(a *Allocation) bool {
		return a.Category == c
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// HumanReadableSize returns the given size as a human-readable string.
func HumanReadableSize(size int64) string {
	if size >= 1024 {
		units := []string{"k", "M", "G", "T"}

		for i, d := 0, int64(1024); i < len(units); i, d = i+1, d<<10 {
			if val := size / d; 1 <= val && val < 1024 {
				if fval := float64(size) / float64(d); math.Floor(fval) != fval {
					return strings.TrimRight(fmt.Sprintf("%.3f", fval), "0") + units[i]
				} else {
					return fmt.Sprintf("%d%s", val, units[i])
				}
			}
		}
	}

	return strconv.FormatInt(size, 10)
}

func prettySize(v int64) string {
	return HumanReadableSize(v)
}
