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

package collectors

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/memgov/pkg/pool"
)

var (
	poolSize          = desc("size_bytes", "Total size of the pool.", "pool")
	poolAllocated     = desc("allocated_bytes", "Allocated bytes in the pool.", "pool")
	poolLargestFree   = desc("largest_free_bytes", "Largest free fragment of the pool.", "pool")
	poolFragmentation = desc("fragmentation_ratio", "Fragmentation of the free space of the pool.", "pool")
	poolAllocations   = desc("allocations", "Live allocations in the pool.", "pool")
	poolCeiling       = desc("ceiling_bytes", "Global memory ceiling.")
	poolPressure      = desc("pressure_ratio", "Allocated bytes relative to the ceiling.")
	poolLevel         = desc("pressure_level", "Current pressure level, 0 (none) to 3 (emergency).")
)

// PoolCollector collects the state of the pools of an allocator.
type PoolCollector struct {
	a *pool.Allocator
}

// NewPoolCollector returns a collector for the given allocator.
func NewPoolCollector(a *pool.Allocator) *PoolCollector {
	return &PoolCollector{a: a}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	describe(ch, poolSize, poolAllocated, poolLargestFree, poolFragmentation,
		poolAllocations, poolCeiling, poolPressure, poolLevel)
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.a.Pools() {
		gauge(ch, poolSize, float64(p.Total), p.ID)
		gauge(ch, poolAllocated, float64(p.Allocated), p.ID)
		gauge(ch, poolLargestFree, float64(p.LargestFree), p.ID)
		gauge(ch, poolFragmentation, p.Fragmentation, p.ID)
		gauge(ch, poolAllocations, float64(p.Allocations), p.ID)
	}

	u := c.a.Usage()
	gauge(ch, poolCeiling, float64(u.Ceiling))
	gauge(ch, poolPressure, u.Ratio)
	gauge(ch, poolLevel, float64(u.Level))
}
