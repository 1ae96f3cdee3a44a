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

	"github.com/containers/memgov/pkg/cache"
)

var (
	cacheEntries     = desc("entries", "Number of entries in the cache.", "cache")
	cacheMemory      = desc("memory_bytes", "Memory used by cache entries.", "cache")
	cacheMaxSize     = desc("max_size_bytes", "Memory limit of the cache.", "cache")
	cacheHitRate     = desc("hit_ratio", "Ratio of hits to lookups.", "cache")
	cacheHits        = desc("hits_total", "Cache hits.", "cache")
	cacheMisses      = desc("misses_total", "Cache misses.", "cache")
	cacheEvictions   = desc("evictions_total", "Evicted entries.", "cache", "policy")
	cacheExpirations = desc("expirations_total", "Expired entries.", "cache")
	cacheSavings     = desc("compression_savings_bytes", "Bytes saved by compressing entries.", "cache")
	cachePrefetched  = desc("prefetched_total", "Entries loaded by prefetching.", "cache")
)

// StatisticsSource is a cache which can report its statistics.
type StatisticsSource interface {
	Statistics() cache.Statistics
}

// CacheCollector collects the statistics of a set of caches.
type CacheCollector struct {
	caches []StatisticsSource
}

// NewCacheCollector returns a collector for the given caches.
func NewCacheCollector(caches ...StatisticsSource) *CacheCollector {
	return &CacheCollector{caches: caches}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	describe(ch, cacheEntries, cacheMemory, cacheMaxSize, cacheHitRate, cacheHits,
		cacheMisses, cacheEvictions, cacheExpirations, cacheSavings, cachePrefetched)
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.caches {
		s := src.Statistics()
		gauge(ch, cacheEntries, float64(s.Entries), s.Name)
		gauge(ch, cacheMemory, float64(s.MemoryUsage), s.Name)
		gauge(ch, cacheMaxSize, float64(s.MaxSize), s.Name)
		gauge(ch, cacheHitRate, s.HitRate, s.Name)
		counter(ch, cacheHits, float64(s.Hits), s.Name)
		counter(ch, cacheMisses, float64(s.Misses), s.Name)
		for policy, count := range s.EvictionsByPolicy {
			counter(ch, cacheEvictions, float64(count), s.Name, policy)
		}
		counter(ch, cacheExpirations, float64(s.Expirations), s.Name)
		gauge(ch, cacheSavings, float64(s.CompressionSavings), s.Name)
		counter(ch, cachePrefetched, float64(s.PrefetchLoaded), s.Name)
	}
}
