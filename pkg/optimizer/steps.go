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

package optimizer

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/memgov/pkg/cache"
	"github.com/containers/memgov/pkg/events"
	"github.com/containers/memgov/pkg/instrumentation/tracing"
	"github.com/containers/memgov/pkg/pool"
)

const (
	// forcing a runtime GC needs at least this much latency headroom
	minGCLatencyIncrease = 5.0
)

// runState is the working state of a run in progress.
type runState struct {
	run      *Run
	profile  Profile
	governed int64
	touched  int
	recs     []*Recommendation
}

type stepFunc func(context.Context, *runState) (int, int64, error)

// steps runs all optimization steps, collecting their errors.
func (o *Optimizer) steps(ctx context.Context, st *runState) error {
	var errs *multierror.Error

	for _, s := range []struct {
		name string
		fn   stepFunc
	}{
		{"pools", o.optimizePools},
		{"caches", o.optimizeCaches},
		{"streams", o.optimizeStreams},
		{"gc", o.collectGarbage},
		{"services", o.checkServices},
	} {
		if err := o.runStep(ctx, st, s.name, s.fn); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}

	for _, r := range st.recs {
		if !r.autoApply() {
			continue
		}
		if err := o.apply(r); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("apply %s %s: %w", r.Kind, r.Target, err))
		}
	}

	return errs.ErrorOrNil()
}

func (o *Optimizer) runStep(ctx context.Context, st *runState, name string, fn stepFunc) (err error) {
	ctx, span := tracing.StartSpan(ctx, "optimization-step",
		tracing.WithAttributes(tracing.Attribute("step", name)))

	step := Step{Name: name, Started: o.now()}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		step.Duration = o.now().Sub(step.Started)
		if err != nil {
			step.Error = err.Error()
			log.Error("run %s: step %s failed: %v", st.run.ID, name, err)
		}
		span.SetAttributes(
			tracing.Attribute("actions", step.Actions),
			tracing.Attribute("bytes-freed", step.BytesFreed),
		)
		span.End(err)

		o.lock.Lock()
		st.run.Steps = append(st.run.Steps, step)
		st.run.BytesFreed += step.BytesFreed
		o.lock.Unlock()
	}()

	step.Actions, step.BytesFreed, err = fn(ctx, st)

	return err
}

// optimizePools optimizes fragmented, wasted or all pools when usage is
// above the profile limit.
func (o *Optimizer) optimizePools(_ context.Context, st *runState) (int, int64, error) {
	if o.pools == nil {
		return 0, 0, nil
	}

	var (
		p         = &st.profile
		th        = &p.Thresholds
		mode      = p.Strategy.GCMode()
		usage     = o.pools.Usage()
		overLimit = p.Constraints.MaxMemoryUsage > 0 && usage.Ratio*100 > p.Constraints.MaxMemoryUsage
		actions   int
		freed     int64
		errs      *multierror.Error
	)

	for _, info := range o.pools.Pools() {
		fragmented := info.Fragmentation > 0 && info.Fragmentation >= th.Fragmentation
		wasted := info.Allocations > 0 && info.Utilization < th.Waste

		if !fragmented && !overLimit && !(wasted && p.Strategy == Aggressive) {
			if wasted {
				id := info.ID
				o.recommend(st, &Recommendation{
					Category: CategoryPool,
					Kind:     KindPoolReclaim,
					Target:   id,
					Priority: Low,
					Description: fmt.Sprintf("pool %s is %.0f%% utilized, collect it aggressively",
						id, 100*info.Utilization),
					Impact: Impact{Risk: Medium},
					Notes:  "collects idle buffer, cache and transient allocations",
					apply: func() error {
						_, err := o.pools.OptimizePool(id, pool.GCAggressive)
						return err
					},
				})
			}
			continue
		}

		r, err := o.pools.OptimizePool(info.ID, mode)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		log.Info("run %s: %s", st.run.ID, r.Improvement)

		actions++
		freed += r.BytesFreed
	}

	return actions, freed, errs.ErrorOrNil()
}

// optimizeCaches prunes low-value entries from caches with a poor hit rate
// and recommends growing full caches with a high hit rate.
func (o *Optimizer) optimizeCaches(_ context.Context, st *runState) (int, int64, error) {
	var (
		p       = &st.profile
		th      = &p.Thresholds
		actions int
		freed   int64
	)

	for _, c := range o.caches {
		stats := c.Statistics()
		lookups := stats.Hits + stats.Misses

		switch {
		case lookups > 0 && stats.HitRate < th.LowHitRate:
			if p.Strategy == Conservative {
				continue
			}
			floor := p.Constraints.QualityFloor
			pruned := c.Prune(func(e cache.Entry) bool {
				return e.HitCount == 0 && e.Priority < cache.PriorityHigh && e.Score < floor
			})
			if pruned == 0 {
				continue
			}
			released := stats.MemoryUsage - c.Statistics().MemoryUsage
			log.Info("run %s: pruned %d low-value entries from cache %s (hit rate %.2f)",
				st.run.ID, pruned, c.Name(), stats.HitRate)
			actions++
			freed += max(released, 0)

		case stats.HitRate > th.HighHitRate && nearCapacity(stats, th.NearCapacity):
			maxSize, maxEntries := c.Limits()
			size, entries := grow(maxSize), grow(int64(maxEntries))
			o.recommend(st, &Recommendation{
				Category: CategoryCache,
				Kind:     KindCacheGrow,
				Target:   c.Name(),
				Priority: Medium,
				Description: fmt.Sprintf("cache %s is near capacity with hit rate %.2f, grow it to %d bytes, %d entries",
					c.Name(), stats.HitRate, size, entries),
				Impact: Impact{
					PerformanceGain: 100 * (1 - stats.HitRate),
					Risk:            Medium,
				},
				Notes: fmt.Sprintf("needs up to %d more bytes", size-maxSize),
				apply: func() error {
					return c.Resize(size, int(entries))
				},
			})
		}
	}

	return actions, freed, nil
}

func nearCapacity(s cache.Statistics, limit float64) bool {
	switch {
	case s.MaxSize > 0 && float64(s.MemoryUsage) >= limit*float64(s.MaxSize):
		return true
	case s.MaxEntries > 0 && float64(s.Entries) >= limit*float64(s.MaxEntries):
		return true
	}
	return false
}

func grow(v int64) int64 {
	if v <= 0 {
		return v
	}
	return v + max(1, v/2)
}

// optimizeStreams recommends shrinking underused buffer classes and
// relaxing congested slow streams.
func (o *Optimizer) optimizeStreams(_ context.Context, st *runState) (int, int64, error) {
	if o.streams == nil {
		return 0, 0, nil
	}

	th := &st.profile.Thresholds

	if st.profile.Strategy == Aggressive {
		for _, cs := range o.streams.ClassStats() {
			if cs.Owned <= 1 || float64(cs.PeakInUse)/float64(cs.Owned) >= th.BufferUnderuse {
				continue
			}
			name, count := cs.Name, max(1, cs.PeakInUse, cs.Owned/2)
			o.recommend(st, &Recommendation{
				Category: CategoryStreaming,
				Kind:     KindBufferShrink,
				Target:   name,
				Priority: Low,
				Description: fmt.Sprintf("buffer class %s peaked at %d of %d buffers, shrink it to %d",
					name, cs.PeakInUse, cs.Owned, count),
				Impact: Impact{
					MemoryReduction: int64(cs.Owned-count) * int64(cs.Size),
					Risk:            Medium,
				},
				apply: func() error {
					return o.streams.ResizeClass(name, count)
				},
			})
		}
	}

	if th.Backpressure <= 0 {
		return 0, 0, nil
	}

	for _, ss := range o.streams.StreamStats() {
		if ss.Backpressure < th.Backpressure || ss.Throughput >= th.Throughput {
			continue
		}
		id := ss.ID
		hwm, ratio := o.relaxed(ss.HighWaterMark, ss.BackpressureRatio)
		o.recommend(st, &Recommendation{
			Category: CategoryStreaming,
			Kind:     KindStreamReconfig,
			Target:   id,
			Priority: High,
			Description: fmt.Sprintf("stream %s hit backpressure %d times at %.0f bytes/s, raise its limits",
				id, ss.Backpressure, ss.Throughput),
			Impact: Impact{
				PerformanceGain: 10,
				Risk:            Low,
			},
			Notes: fmt.Sprintf("high-water mark %d -> %d, ratio %.2f -> %.2f",
				ss.HighWaterMark, hwm, ss.BackpressureRatio, ratio),
			apply: func() error {
				return o.streams.ConfigureStream(id, hwm, ratio)
			},
		})
	}

	return 0, 0, nil
}

// collectGarbage forces a runtime GC for aggressive profiles, otherwise it
// recommends a more aggressive pool GC mode under pressure.
func (o *Optimizer) collectGarbage(_ context.Context, st *runState) (int, int64, error) {
	p := &st.profile

	if p.Strategy != Aggressive {
		if o.pools == nil {
			return 0, 0, nil
		}
		if o.pools.PressureLevel() < events.PressureWarning || o.pools.GCMode() != pool.GCNormal {
			return 0, 0, nil
		}
		o.recommend(st, &Recommendation{
			Category:    CategoryGC,
			Kind:        KindGCMode,
			Target:      "pools",
			Priority:    High,
			Description: "memory pressure with normal pool GC, switch to aggressive collection",
			Impact:      Impact{Risk: Medium},
			apply: func() error {
				o.pools.SetGCMode(pool.GCAggressive)
				return nil
			},
		})
		return 0, 0, nil
	}

	if p.Constraints.MaxLatencyIncrease < minGCLatencyIncrease {
		log.Debug("run %s: skipping runtime GC, latency headroom %.1f%%",
			st.run.ID, p.Constraints.MaxLatencyIncrease)
		return 0, 0, nil
	}

	freed := o.collect()
	log.Info("run %s: runtime GC released %d bytes of heap", st.run.ID, freed)

	return 1, freed, nil
}

// runtimeGC forces a garbage collection returning memory to the OS and
// returns the decrease of the allocated heap.
func runtimeGC() int64 {
	var before, after runtime.MemStats

	runtime.ReadMemStats(&before)
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)

	return max(int64(before.HeapAlloc)-int64(after.HeapAlloc), 0)
}

// checkServices checks the allocation efficiency of the services of the
// run. Efficiency is the requested share of the allocated bytes weighted
// by the share of bytes accessed since allocation.
func (o *Optimizer) checkServices(_ context.Context, st *runState) (int, int64, error) {
	services := st.run.Services
	if len(services) == 0 {
		services = st.profile.Scope
	}
	if o.pools == nil || len(services) == 0 {
		return 0, 0, nil
	}

	for _, svc := range services {
		owner := svc
		allocs := o.pools.Allocations(func(al *pool.Allocation) bool {
			return al.Owner == owner
		})
		if len(allocs) == 0 {
			continue
		}
		st.touched++

		var size, requested, used int64
		for _, al := range allocs {
			size += al.Size
			requested += al.Requested
			if al.AccessCount > 0 {
				used += al.Size
			}
		}
		if size == 0 {
			continue
		}

		efficiency := float64(requested) / float64(size) * float64(used) / float64(size)
		if efficiency >= st.profile.Thresholds.Efficiency {
			continue
		}

		o.recommend(st, &Recommendation{
			Category: CategoryMemory,
			Kind:     KindServiceReview,
			Target:   owner,
			Priority: Medium,
			Description: fmt.Sprintf("service %s uses its %d allocations with %.0f%% efficiency",
				owner, len(allocs), 100*efficiency),
			Impact: Impact{
				MemoryReduction: size - used,
				Risk:            High,
			},
			Notes: "release allocations never accessed after allocation, request sizes closer to alignment",
		})
	}

	return st.touched, 0, nil
}
