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

package memgov

import (
	"context"

	"github.com/containers/memgov/pkg/cache"
	"github.com/containers/memgov/pkg/metrics"
	"github.com/containers/memgov/pkg/monitor"
	"github.com/containers/memgov/pkg/optimizer"
	"github.com/containers/memgov/pkg/pool"
	"github.com/containers/memgov/pkg/stream"
)

// Names of the metrics sampled from the cache and the buffer manager.
const (
	MetricCacheEntries   = "cache.entries"
	MetricCacheMemory    = "cache.memory"
	MetricCacheHitRate   = "cache.hitrate"
	MetricBuffersInUse   = "stream.buffers.inuse"
	MetricStreamsPending = "stream.pending"
)

func (g *Governor) defaultSources() []monitor.Source {
	sources := []monitor.Source{
		monitor.RuntimeSource(),
		monitor.PoolSource(g.allocator),
		monitor.SourceFunc("cache", func(context.Context) (map[string]float64, error) {
			s := g.cache.Statistics()
			return map[string]float64{
				MetricCacheEntries: float64(s.Entries),
				MetricCacheMemory:  float64(s.MemoryUsage),
				MetricCacheHitRate: s.HitRate,
			}, nil
		}),
		monitor.SourceFunc("stream", func(context.Context) (map[string]float64, error) {
			var inUse, pending int64
			for _, c := range g.streams.ClassStats() {
				inUse += int64(c.InUse)
			}
			for _, s := range g.streams.StreamStats() {
				pending += s.Pending
			}
			return map[string]float64{
				MetricBuffersInUse:   float64(inUse),
				MetricStreamsPending: float64(pending),
			}, nil
		}),
	}
	if g.cfg.Monitor.Host {
		sources = append(sources, monitor.HostSource())
	}
	return sources
}

// Allocate allocates memory from the pools for an owner.
func (g *Governor) Allocate(size int64, category pool.Category, owner string, options ...pool.AllocateOption) (string, error) {
	return metrics.ObserveValue("pool", "allocate", func() (string, error) {
		return g.allocator.Allocate(size, category, owner, options...)
	})
}

// Deallocate releases an allocation. Unknown ids are ignored.
func (g *Governor) Deallocate(id string) bool {
	var released bool
	_ = metrics.Observe("pool", "deallocate", func() error {
		released = g.allocator.Deallocate(id)
		return nil
	})
	return released
}

// GlobalState is a snapshot of the state of all governed resources.
type GlobalState struct {
	Usage           pool.Usage                 `json:"usage"`
	Pools           []pool.Info                `json:"pools"`
	Cache           cache.Statistics           `json:"cache"`
	BufferClasses   []stream.ClassStats        `json:"bufferClasses"`
	Streams         []stream.StreamStats       `json:"streams,omitempty"`
	Sample          *monitor.Sample            `json:"sample,omitempty"`
	Alerts          []monitor.Alert            `json:"alerts,omitempty"`
	Leaks           []monitor.Leak             `json:"leaks,omitempty"`
	LastRun         *optimizer.Run             `json:"lastRun,omitempty"`
	Recommendations []optimizer.Recommendation `json:"recommendations,omitempty"`
}

// GlobalState returns a snapshot of pools, cache, buffers, the latest
// monitoring sample, active alerts, leaks, the latest optimization run and
// pending recommendations.
func (g *Governor) GlobalState() GlobalState {
	s := GlobalState{
		Usage:           g.allocator.Usage(),
		Pools:           g.allocator.Pools(),
		Cache:           g.cache.Statistics(),
		BufferClasses:   g.streams.ClassStats(),
		Streams:         g.streams.StreamStats(),
		Alerts:          g.monitor.Alerts(true),
		Leaks:           g.monitor.Leaks(),
		Recommendations: g.optimizer.Recommendations(true),
	}

	if sample, ok := g.monitor.Latest(); ok {
		s.Sample = &sample
	}
	for _, r := range g.optimizer.Runs() {
		if s.LastRun == nil || r.Started.After(s.LastRun.Started) {
			run := r
			s.LastRun = &run
		}
	}

	return s
}

// CreateOptimizationProfile adds an optimization profile, returning its id.
func (g *Governor) CreateOptimizationProfile(p optimizer.Profile) (string, error) {
	return metrics.ObserveValue("optimizer", "create-profile", func() (string, error) {
		return g.optimizer.CreateProfile(p)
	})
}

// RunOptimization starts an optimization run, returning its id.
func (g *Governor) RunOptimization(profile string, services ...string) (string, error) {
	return metrics.ObserveValue("optimizer", "run", func() (string, error) {
		return g.optimizer.RunOptimization(profile, services...)
	})
}

// WaitOptimization waits for an optimization run to finish.
func (g *Governor) WaitOptimization(ctx context.Context, id string) (optimizer.Run, error) {
	return g.optimizer.Wait(ctx, id)
}

// Recommendations returns optimization recommendations, highest priority first.
func (g *Governor) Recommendations(pendingOnly bool) []optimizer.Recommendation {
	return g.optimizer.Recommendations(pendingOnly)
}

// ApplyRecommendation applies a pending recommendation.
func (g *Governor) ApplyRecommendation(id string) error {
	return metrics.Observe("optimizer", "apply-recommendation", func() error {
		return g.optimizer.ApplyRecommendation(id)
	})
}
