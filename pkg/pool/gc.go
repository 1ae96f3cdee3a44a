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

	"github.com/containers/memgov/pkg/events"
)

// GCConfig configures which allocations are eligible for garbage collection.
type GCConfig struct {
	// TransientMaxAge is the age after which transient allocations are collected.
	TransientMaxAge time.Duration `json:"transientMaxAge"`
	// CacheIdleAge is the idle time after which rarely accessed cache
	// allocations are collected.
	CacheIdleAge time.Duration `json:"cacheIdleAge"`
	// CacheLowAccess is the access count at or below which a cache
	// allocation is considered rarely accessed.
	CacheLowAccess int64 `json:"cacheLowAccess"`
	// StaleAge is the idle time after which buffer allocations are collected.
	StaleAge time.Duration `json:"staleAge"`
}

// DefaultGCConfig returns the default garbage collection configuration.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		TransientMaxAge: 30 * time.Second,
		CacheIdleAge:    2 * time.Minute,
		CacheLowAccess:  3,
		StaleAge:        15 * time.Minute,
	}
}

// eligible returns true if the allocation can be collected in the given mode.
func (c GCConfig) eligible(al *Allocation, mode GCMode, now time.Time) bool {
	if al.Priority == PriorityCritical || mode == GCNone {
		return false
	}

	if mode == GCForced {
		switch al.Category {
		case CategoryTransient, CategoryCache:
			return true
		}
	}

	scale := 1.0
	if mode != GCNormal {
		scale = 0.25
	}
	switch al.Priority {
	case PriorityHigh:
		scale *= 2
	case PriorityLow:
		scale *= 0.5
	}
	limit := func(d time.Duration) time.Duration {
		return time.Duration(float64(d) * scale)
	}

	var (
		age  = now.Sub(al.Created)
		idle = now.Sub(al.LastAccessed)
	)

	switch al.Category {
	case CategoryTransient:
		return age >= limit(c.TransientMaxAge)
	case CategoryCache:
		return al.AccessCount <= c.CacheLowAccess && idle >= limit(c.CacheIdleAge)
	case CategoryBuffer:
		return idle >= limit(c.StaleAge)
	case CategoryPersistent:
		return mode != GCNormal && al.Priority == PriorityLow && idle >= limit(4*c.StaleAge)
	}

	return false
}

// OptimizeResult describes the outcome of optimizing a pool.
type OptimizeResult struct {
	Pool                string  `json:"pool"`
	Mode                GCMode  `json:"mode"`
	Collected           int     `json:"collected"`
	BytesFreed          int64   `json:"bytesFreed"`
	Coalesced           int     `json:"coalesced"`
	Compacted           bool    `json:"compacted"`
	BytesDefragmented   int64   `json:"bytesDefragmented"`
	FragmentationBefore float64 `json:"fragmentationBefore"`
	FragmentationAfter  float64 `json:"fragmentationAfter"`
	Improvement         string  `json:"improvement"`
}

// OptimizePool garbage collects, coalesces, and if necessary compacts the
// given pool.
func (a *Allocator) OptimizePool(id string, mode GCMode) (*OptimizeResult, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	defer a.validateState("OptimizePool")

	p, ok := a.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPoolNotFound, id)
	}

	r := a.optimize(p, mode)
	a.updatePressure()

	return r, nil
}

// OptimizeAll optimizes all pools in the given mode.
func (a *Allocator) OptimizeAll(mode GCMode) []*OptimizeResult {
	a.lock.Lock()
	defer a.lock.Unlock()
	defer a.validateState("OptimizeAll")

	results := a.optimizeAll(mode)
	a.updatePressure()

	return results
}

func (a *Allocator) optimizeAll(mode GCMode) []*OptimizeResult {
	results := make([]*OptimizeResult, 0, len(a.order))
	for _, id := range a.order {
		results = append(results, a.optimize(a.pools[id], mode))
	}
	return results
}

func (a *Allocator) optimize(p *Pool, mode GCMode) *OptimizeResult {
	r := &OptimizeResult{
		Pool:                p.id,
		Mode:                mode,
		FragmentationBefore: p.fragmentation(),
	}

	now := a.now()
	for _, al := range SortAllocations(p.allocs, nil, AllocationsByCollectionOrder) {
		if al.ID == a.pinned || !a.gc.eligible(al, mode, now) {
			continue
		}
		if err := a.release(p, al, true); err != nil {
			log.Error("pool %s: failed to collect %s: %v", p.id, al, err)
			continue
		}
		r.Collected++
		r.BytesFreed += al.Size
	}

	r.Coalesced = p.coalesce()

	if frag := p.fragmentation(); frag > 0 && frag >= p.policy.CompactionThreshold {
		r.BytesDefragmented = p.compact()
		r.Compacted = true
		p.stats.Compactions++
	}

	r.FragmentationAfter = p.fragmentation()
	r.Improvement = fmt.Sprintf("collected %d allocations (%s), defragmented %s, fragmentation %.2f -> %.2f",
		r.Collected, prettySize(r.BytesFreed), prettySize(r.BytesDefragmented),
		r.FragmentationBefore, r.FragmentationAfter)

	p.stats.Optimizations++
	p.stats.Collections += int64(r.Collected)
	p.stats.BytesCollected += r.BytesFreed
	p.stats.BytesDefragmented += r.BytesDefragmented
	p.stats.LastOptimized = now

	log.Debug("optimized pool %s (%s GC): %s", p.id, mode, r.Improvement)

	a.bus.Publish(events.PoolOptimized, p.id, &events.Optimization{
		Pool:          p.id,
		Collected:     r.Collected,
		BytesFreed:    r.BytesFreed,
		Defragmented:  r.BytesDefragmented,
		Fragmentation: r.FragmentationAfter,
	})

	return r
}

// GCMode returns the current default garbage collection mode.
func (a *Allocator) GCMode() GCMode {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.mode
}

// SetGCMode sets the default garbage collection mode. Pressure changes
// may later override it.
func (a *Allocator) SetGCMode(mode GCMode) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.mode != mode {
		log.Info("garbage collection mode %s -> %s", a.mode, mode)
	}
	a.mode = mode
}
