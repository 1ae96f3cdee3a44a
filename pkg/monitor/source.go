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

package monitor

import (
	"context"
	"maps"
	"runtime"
	"slices"
	"time"

	"github.com/containers/memgov/pkg/pool"
)

// Names of the metrics collected by the built-in sources.
const (
	MetricHeapAlloc         = "runtime.heap.alloc"
	MetricHeapInuse         = "runtime.heap.inuse"
	MetricHeapSys           = "runtime.heap.sys"
	MetricHeapObjects       = "runtime.heap.objects"
	MetricStackInuse        = "runtime.stack.inuse"
	MetricSys               = "runtime.sys"
	MetricNumGC             = "runtime.gc.count"
	MetricGCPauseTotal      = "runtime.gc.pause.total"
	MetricGCCPUFraction     = "runtime.gc.cpu"
	MetricGoroutines        = "runtime.goroutines"
	MetricHostTotal         = "host.memory.total"
	MetricHostFree          = "host.memory.free"
	MetricHostUsed          = "host.memory.used"
	MetricHostUsage         = "host.memory.usage"
	MetricPoolTotal         = "pool.total"
	MetricPoolAllocated     = "pool.allocated"
	MetricPoolUsage         = "pool.usage"
	MetricPoolFragmentation = "pool.fragmentation"
	MetricPoolPressure      = "pool.pressure"
)

// Sample is a set of metric values taken at the same time.
type Sample struct {
	Time    time.Time          `json:"time"`
	Metrics map[string]float64 `json:"metrics"`
}

// Value returns the value of a metric in the sample.
func (s *Sample) Value(metric string) (float64, bool) {
	v, ok := s.Metrics[metric]
	return v, ok
}

// Names returns the sorted names of metrics in the sample.
func (s *Sample) Names() []string {
	return slices.Sorted(maps.Keys(s.Metrics))
}

func (s *Sample) clone() Sample {
	return Sample{
		Time:    s.Time,
		Metrics: maps.Clone(s.Metrics),
	}
}

// Source collects a set of metrics.
type Source interface {
	// Name returns the name of the source.
	Name() string
	// Collect collects the current metric values.
	Collect(ctx context.Context) (map[string]float64, error)
}

// SourceFunc adapts a function to a custom Source.
func SourceFunc(name string, fn func(ctx context.Context) (map[string]float64, error)) Source {
	return &funcSource{name: name, fn: fn}
}

type funcSource struct {
	name string
	fn   func(ctx context.Context) (map[string]float64, error)
}

func (s *funcSource) Name() string {
	return s.name
}

func (s *funcSource) Collect(ctx context.Context) (map[string]float64, error) {
	return s.fn(ctx)
}

// RuntimeSource collects Go runtime memory statistics.
func RuntimeSource() Source {
	return SourceFunc("runtime", func(context.Context) (map[string]float64, error) {
		ms := &runtime.MemStats{}
		runtime.ReadMemStats(ms)
		return map[string]float64{
			MetricHeapAlloc:     float64(ms.HeapAlloc),
			MetricHeapInuse:     float64(ms.HeapInuse),
			MetricHeapSys:       float64(ms.HeapSys),
			MetricHeapObjects:   float64(ms.HeapObjects),
			MetricStackInuse:    float64(ms.StackInuse),
			MetricSys:           float64(ms.Sys),
			MetricNumGC:         float64(ms.NumGC),
			MetricGCPauseTotal:  time.Duration(ms.PauseTotalNs).Seconds(),
			MetricGCCPUFraction: ms.GCCPUFraction,
			MetricGoroutines:    float64(runtime.NumGoroutine()),
		}, nil
	})
}

// HostSource collects host memory statistics. It collects nothing on
// platforms without support.
func HostSource() Source {
	return SourceFunc("host", func(context.Context) (map[string]float64, error) {
		total, free, err := hostMemory()
		if err != nil {
			return nil, err
		}
		if total == 0 {
			return nil, nil
		}
		used := total - free
		return map[string]float64{
			MetricHostTotal: float64(total),
			MetricHostFree:  float64(free),
			MetricHostUsed:  float64(used),
			MetricHostUsage: float64(used) / float64(total),
		}, nil
	})
}

// PoolSource collects statistics of the pools of an allocator.
func PoolSource(a *pool.Allocator) Source {
	return SourceFunc("pool", func(context.Context) (map[string]float64, error) {
		u := a.Usage()
		m := map[string]float64{
			MetricPoolTotal:     float64(u.Total),
			MetricPoolAllocated: float64(u.Allocated),
			MetricPoolUsage:     u.Ratio,
			MetricPoolPressure:  float64(u.Level),
		}

		var free, weighted float64
		for _, p := range a.Pools() {
			free += float64(p.Free)
			weighted += p.Fragmentation * float64(p.Free)
			m["pool."+p.ID+".utilization"] = p.Utilization
			m["pool."+p.ID+".fragmentation"] = p.Fragmentation
		}
		if free > 0 {
			m[MetricPoolFragmentation] = weighted / free
		} else {
			m[MetricPoolFragmentation] = 0
		}

		return m, nil
	})
}
