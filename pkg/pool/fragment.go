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
	"math/bits"
	"sort"
	"time"
)

// Fragment is a contiguous range of a pool, either free or used by a
// single allocation.
type Fragment struct {
	Offset     int64  `json:"offset"`
	Size       int64  `json:"size"`
	Free       bool   `json:"free"`
	Allocation string `json:"allocation,omitempty"`
}

// End returns the offset right after the fragment.
func (f *Fragment) End() int64 {
	return f.Offset + f.Size
}

// String returns a string representation of the fragment.
func (f *Fragment) String() string {
	if f.Free {
		return fmt.Sprintf("[%d-%d) free %s", f.Offset, f.End(), prettySize(f.Size))
	}
	return fmt.Sprintf("[%d-%d) used %s by %s", f.Offset, f.End(), prettySize(f.Size), f.Allocation)
}

// Stats are the cumulative statistics of a pool.
type Stats struct {
	Allocations       int64     `json:"allocations"`
	Deallocations     int64     `json:"deallocations"`
	Failures          int64     `json:"failures"`
	Expansions        int64     `json:"expansions"`
	Optimizations     int64     `json:"optimizations"`
	Collections       int64     `json:"collections"`
	Compactions       int64     `json:"compactions"`
	BytesAllocated    int64     `json:"bytesAllocated"`
	BytesFreed        int64     `json:"bytesFreed"`
	BytesCollected    int64     `json:"bytesCollected"`
	BytesDefragmented int64     `json:"bytesDefragmented"`
	PeakAllocated     int64     `json:"peakAllocated"`
	LastOptimized     time.Time `json:"lastOptimized,omitempty"`
}

// Info is a snapshot of the state of a pool.
type Info struct {
	ID            string    `json:"id"`
	Policy        Policy    `json:"policy"`
	Total         int64     `json:"total"`
	Allocated     int64     `json:"allocated"`
	Free          int64     `json:"free"`
	LargestFree   int64     `json:"largestFree"`
	Fragments     int       `json:"fragments"`
	FreeFragments int       `json:"freeFragments"`
	Fragmentation float64   `json:"fragmentation"`
	Utilization   float64   `json:"utilization"`
	Allocations   int       `json:"allocations"`
	Created       time.Time `json:"created"`
	Stats         Stats     `json:"stats"`
}

// Pool is a logical, size-bounded region of memory.
type Pool struct {
	id        string
	total     int64
	allocated int64
	policy    Policy
	fragments []*Fragment // sorted by offset, partitioning [0, total)
	allocs    map[string]*Allocation
	created   time.Time
	stats     Stats
}

func newPool(id string, size int64, policy Policy, now time.Time) *Pool {
	return &Pool{
		id:        id,
		total:     size,
		policy:    policy,
		fragments: []*Fragment{{Offset: 0, Size: size, Free: true}},
		allocs:    make(map[string]*Allocation),
		created:   now,
	}
}

// ID returns the ID of the pool.
func (p *Pool) ID() string {
	return p.id
}

func (p *Pool) free() int64 {
	return p.total - p.allocated
}

func (p *Pool) info() Info {
	free, largest, nfree := p.freeStats()
	i := Info{
		ID:            p.id,
		Policy:        p.policy,
		Total:         p.total,
		Allocated:     p.allocated,
		Free:          free,
		LargestFree:   largest,
		Fragments:     len(p.fragments),
		FreeFragments: nfree,
		Fragmentation: p.fragmentation(),
		Allocations:   len(p.allocs),
		Created:       p.created,
		Stats:         p.stats,
	}
	if p.total > 0 {
		i.Utilization = float64(p.allocated) / float64(p.total)
	}
	return i
}

func (p *Pool) freeStats() (free, largest int64, count int) {
	for _, f := range p.fragments {
		if !f.Free {
			continue
		}
		free += f.Size
		count++
		if f.Size > largest {
			largest = f.Size
		}
	}
	return free, largest, count
}

// fragmentation returns 1 - largest free / total free, 0 if there is no free space.
func (p *Pool) fragmentation() float64 {
	free, largest, _ := p.freeStats()
	if free == 0 {
		return 0
	}
	return 1 - float64(largest)/float64(free)
}

// effectiveSize returns the fragment size needed for the given request.
func (p *Pool) effectiveSize(size, align int64) int64 {
	if align > 1 {
		size = (size + align - 1) &^ (align - 1)
	}
	if p.policy.Strategy == BuddySystem {
		size = nextPow2(size)
	}
	return size
}

// findFree returns the index of the free fragment chosen by the placement
// strategy for the given size, or -1 if none fits.
func (p *Pool) findFree(size int64) int {
	best := -1
	for i, f := range p.fragments {
		if !f.Free || f.Size < size {
			continue
		}
		switch p.policy.Strategy {
		case FirstFit:
			return i
		case BestFit:
			if best < 0 || f.Size < p.fragments[best].Size {
				best = i
			}
		case WorstFit:
			if best < 0 || f.Size > p.fragments[best].Size {
				best = i
			}
		case BuddySystem:
			if best < 0 {
				best = i
				continue
			}
			b := p.fragments[best]
			fp, bp := isPow2(f.Size), isPow2(b.Size)
			switch {
			case fp && !bp:
				best = i
			case fp == bp && f.Size < b.Size:
				best = i
			}
		}
	}
	return best
}

// carve turns the start of the free fragment at idx into a used fragment
// of the given size, splitting off any remainder as a free fragment.
func (p *Pool) carve(idx int, size int64, id string) *Fragment {
	f := p.fragments[idx]
	if f.Size > size {
		rest := &Fragment{Offset: f.Offset + size, Size: f.Size - size, Free: true}
		p.fragments = append(p.fragments, nil)
		copy(p.fragments[idx+2:], p.fragments[idx+1:])
		p.fragments[idx+1] = rest
		f.Size = size
	}
	f.Free = false
	f.Allocation = id
	return f
}

// lookup returns the index of the fragment starting at the given offset.
func (p *Pool) lookup(offset int64) int {
	i := sort.Search(len(p.fragments), func(i int) bool {
		return p.fragments[i].Offset >= offset
	})
	if i < len(p.fragments) && p.fragments[i].Offset == offset {
		return i
	}
	return -1
}

// release frees the fragment of the given allocation and coalesces.
func (p *Pool) release(a *Allocation) error {
	idx := p.lookup(a.Offset)
	if idx < 0 {
		return fmt.Errorf("%w: no fragment at offset %d for %s", ErrInternalError, a.Offset, a.ID)
	}
	f := p.fragments[idx]
	if f.Free || f.Allocation != a.ID {
		return fmt.Errorf("%w: fragment %s does not belong to %s", ErrInternalError, f, a.ID)
	}

	f.Free = true
	f.Allocation = ""
	p.allocated -= a.Size
	delete(p.allocs, a.ID)
	p.coalesce()

	return nil
}

// coalesce merges all adjacent free fragments, returning the number of merges.
func (p *Pool) coalesce() int {
	if len(p.fragments) < 2 {
		return 0
	}

	merged := 0
	out := p.fragments[:1]
	for _, f := range p.fragments[1:] {
		last := out[len(out)-1]
		if last.Free && f.Free {
			last.Size += f.Size
			merged++
			continue
		}
		out = append(out, f)
	}
	for i := len(out); i < len(p.fragments); i++ {
		p.fragments[i] = nil
	}
	p.fragments = out

	return merged
}

// compact relocates all allocations to the start of the pool so that the
// free space becomes a single fragment. It returns the number of bytes moved.
func (p *Pool) compact() int64 {
	var (
		moved  int64
		offset int64
		used   = make([]*Fragment, 0, len(p.allocs)+1)
	)

	for _, f := range p.fragments {
		if f.Free {
			continue
		}
		if f.Offset != offset {
			moved += f.Size
			f.Offset = offset
			p.allocs[f.Allocation].Offset = offset
		}
		offset += f.Size
		used = append(used, f)
	}
	if offset < p.total {
		used = append(used, &Fragment{Offset: offset, Size: p.total - offset, Free: true})
	}
	p.fragments = used

	return moved
}

// grow extends the pool by the given number of bytes.
func (p *Pool) grow(delta int64) {
	p.fragments = append(p.fragments, &Fragment{Offset: p.total, Size: delta, Free: true})
	p.total += delta
	p.coalesce()
}

// trailingFree returns the size of the free fragment at the end of the pool.
func (p *Pool) trailingFree() int64 {
	if n := len(p.fragments); n > 0 && p.fragments[n-1].Free {
		return p.fragments[n-1].Size
	}
	return 0
}

// verify checks the fragment and accounting invariants of the pool.
func (p *Pool) verify() error {
	var (
		offset    int64
		allocated int64
		seen      = map[string]bool{}
		prevFree  bool
	)

	for i, f := range p.fragments {
		if f.Offset != offset {
			return fmt.Errorf("%w: pool %s fragment #%d %s: expected offset %d",
				ErrInvariantViolation, p.id, i, f, offset)
		}
		if f.Size <= 0 {
			return fmt.Errorf("%w: pool %s fragment #%d %s: empty fragment",
				ErrInvariantViolation, p.id, i, f)
		}
		if f.Free {
			if prevFree {
				return fmt.Errorf("%w: pool %s fragment #%d %s: adjacent free fragments",
					ErrInvariantViolation, p.id, i, f)
			}
		} else {
			a, ok := p.allocs[f.Allocation]
			if !ok || a.Offset != f.Offset || a.Size != f.Size || seen[f.Allocation] {
				return fmt.Errorf("%w: pool %s fragment #%d %s: inconsistent allocation",
					ErrInvariantViolation, p.id, i, f)
			}
			seen[f.Allocation] = true
			allocated += f.Size
		}
		prevFree = f.Free
		offset += f.Size
	}

	if offset != p.total {
		return fmt.Errorf("%w: pool %s fragments cover %d, expected %d",
			ErrInvariantViolation, p.id, offset, p.total)
	}
	if allocated != p.allocated {
		return fmt.Errorf("%w: pool %s allocated %d, fragments account for %d",
			ErrInvariantViolation, p.id, p.allocated, allocated)
	}
	if len(seen) != len(p.allocs) {
		return fmt.Errorf("%w: pool %s has %d allocations, %d with fragments",
			ErrInvariantViolation, p.id, len(p.allocs), len(seen))
	}

	return nil
}

func isPow2(v int64) bool {
	return v > 0 && v&(v-1) == 0
}

func nextPow2(v int64) int64 {
	if v <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(uint64(v-1)))
}
