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
	"time"
)

const (
	// DefaultCompactionThreshold is the default fragmentation ratio which triggers compaction.
	DefaultCompactionThreshold = 0.3
	// DefaultGrowthFactor is the default multiplier used to grow a pool.
	DefaultGrowthFactor = 1.5
	// DefaultAlignment is the default alignment of allocations.
	DefaultAlignment = 8
)

// Policy describes how a pool places, compacts, and grows its allocations.
type Policy struct {
	// Strategy picks a free fragment for an allocation.
	Strategy Strategy `json:"strategy"`
	// CompactionThreshold is the fragmentation ratio at or above which
	// optimizing the pool compacts it.
	CompactionThreshold float64 `json:"compactionThreshold"`
	// AutoResize allows growing the pool when it runs out of space.
	AutoResize bool `json:"autoResize"`
	// MaxSize limits the size of the pool when growing. 0 means no limit
	// other than the process-wide ceiling.
	MaxSize int64 `json:"maxSize,omitempty"`
	// GrowthFactor is the multiplier used to calculate the minimum size
	// increment when growing the pool.
	GrowthFactor float64 `json:"growthFactor"`
}

// DefaultPolicy returns the default pool policy.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:            BestFit,
		CompactionThreshold: DefaultCompactionThreshold,
		AutoResize:          true,
		GrowthFactor:        DefaultGrowthFactor,
	}
}

// Validate checks the policy for a pool of the given size.
func (p Policy) Validate(size int64) error {
	if !p.Strategy.IsValid() {
		return fmt.Errorf("%w: %w %d", ErrInvalidConfiguration, ErrInvalidStrategy, p.Strategy)
	}
	if p.CompactionThreshold < 0 || p.CompactionThreshold > 1 {
		return fmt.Errorf("%w: compaction threshold %v not in [0, 1]",
			ErrInvalidConfiguration, p.CompactionThreshold)
	}
	if p.MaxSize != 0 && p.MaxSize < size {
		return fmt.Errorf("%w: max size %s < pool size %s", ErrInvalidConfiguration,
			HumanReadableSize(p.MaxSize), HumanReadableSize(size))
	}
	if p.AutoResize && p.GrowthFactor <= 1 {
		return fmt.Errorf("%w: growth factor %v must be > 1", ErrInvalidConfiguration,
			p.GrowthFactor)
	}
	return nil
}

// Allocation describes a single allocation from a pool. Allocations
// returned by Allocator are copies of the internal bookkeeping.
type Allocation struct {
	ID           string
	Pool         string
	Owner        string
	Category     Category
	Priority     Priority
	Size         int64 // size of the fragment, including alignment padding
	Requested    int64 // size requested by the owner
	Offset       int64
	Tags         []string
	Created      time.Time
	LastAccessed time.Time
	AccessCount  int64
}

// AllocateOption is an option for Allocate.
type AllocateOption func(*allocRequest)

type allocRequest struct {
	size     int64
	category Category
	owner    string
	pool     string
	priority Priority
	tags     []string
	align    int64
}

// InPool requests allocating from the given pool.
func InPool(id string) AllocateOption {
	return func(r *allocRequest) {
		r.pool = id
	}
}

// WithPriority sets the priority of the allocation.
func WithPriority(p Priority) AllocateOption {
	return func(r *allocRequest) {
		r.priority = p
	}
}

// WithTags attaches the given tags to the allocation.
func WithTags(tags ...string) AllocateOption {
	return func(r *allocRequest) {
		r.tags = append(r.tags, tags...)
	}
}

// WithAlignment sets the alignment of the allocation. It must be a power of 2.
func WithAlignment(align int64) AllocateOption {
	return func(r *allocRequest) {
		r.align = align
	}
}

// HasTag returns true if the allocation has the given tag.
func (a *Allocation) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// String returns a string representation of the allocation.
func (a *Allocation) String() string {
	return fmt.Sprintf("<allocation %s: %s %s by %s, %s @%d in %s>", a.ID,
		a.Priority, a.Category, a.Owner, HumanReadableSize(a.Size), a.Offset, a.Pool)
}

func (a *Allocation) clone() Allocation {
	c := *a
	if a.Tags != nil {
		c.Tags = append([]string(nil), a.Tags...)
	}
	return c
}

func (a *Allocation) touch(now time.Time) {
	a.LastAccessed = now
	a.AccessCount++
}
