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
	"fmt"

	cfgapi "github.com/containers/memgov/pkg/apis/config/v1alpha1"
	"github.com/containers/memgov/pkg/cache"
	"github.com/containers/memgov/pkg/monitor"
	"github.com/containers/memgov/pkg/monitor/badgersink"
	"github.com/containers/memgov/pkg/optimizer"
	"github.com/containers/memgov/pkg/pool"
	"github.com/containers/memgov/pkg/stream"
)

// allocatorOptions converts pool configuration to allocator options.
func allocatorOptions(cfg *cfgapi.Config) ([]pool.AllocatorOption, pool.GCMode, error) {
	options := []pool.AllocatorOption{
		pool.WithCeiling(cfg.Ceiling.Value()),
	}

	for _, p := range cfg.Pools {
		policy := pool.DefaultPolicy()
		if p.Strategy != "" {
			s, err := pool.ParseStrategy(p.Strategy)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: pool %s: %w", ErrInvalidConfiguration, p.Name, err)
			}
			policy.Strategy = s
		}
		if p.AutoResize != nil {
			policy.AutoResize = *p.AutoResize
		}
		if p.MaxSize != nil {
			policy.MaxSize = p.MaxSize.Value()
		}
		if p.CompactionThreshold != 0 {
			policy.CompactionThreshold = p.CompactionThreshold
		}
		if p.GrowthFactor != 0 {
			policy.GrowthFactor = p.GrowthFactor
		}

		var categories []pool.Category
		for _, name := range p.Categories {
			c, err := pool.ParseCategory(name)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: pool %s: %w", ErrInvalidConfiguration, p.Name, err)
			}
			categories = append(categories, c)
		}

		options = append(options, pool.WithPool(p.Name, p.Size.Value(), policy, categories...))
	}

	if p := cfg.Pressure; p != nil {
		options = append(options, pool.WithPressureThresholds(pool.Thresholds{
			Warning:    p.Warning,
			Critical:   p.Critical,
			Emergency:  p.Emergency,
			Hysteresis: p.Hysteresis,
		}))
	}

	gc := pool.DefaultGCConfig()
	if d := cfg.GC.TransientMaxAge.Duration; d != 0 {
		gc.TransientMaxAge = d
	}
	if d := cfg.GC.CacheIdleAge.Duration; d != 0 {
		gc.CacheIdleAge = d
	}
	if cfg.GC.CacheLowAccess != 0 {
		gc.CacheLowAccess = cfg.GC.CacheLowAccess
	}
	if d := cfg.GC.StaleAge.Duration; d != 0 {
		gc.StaleAge = d
	}
	options = append(options, pool.WithGCConfig(gc))

	mode, err := pool.ParseGCMode(cfg.GC.Mode)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	return options, mode, nil
}

func cacheConfig(cfg *cfgapi.Cache) cache.Config {
	return cache.Config{
		MaxSize:              cfg.MaxSize.Value(),
		MaxEntries:           cfg.MaxEntries,
		DefaultTTL:           cfg.DefaultTTL.Duration,
		Policy:               cfg.Policy,
		Compression:          cfg.Compression,
		CompressionThreshold: cfg.CompressionThreshold,
		MinEvictionBatch:     cfg.MinEvictionBatch,
		HistorySize:          cfg.HistorySize,
		PatternTTL:           cfg.PatternTTL.Duration,
		MaintenanceInterval:  cfg.MaintenanceInterval.Duration,
		Prefetch: cache.PrefetchConfig{
			Enabled:    cfg.Prefetch.Enabled,
			Rate:       cfg.Prefetch.Rate,
			Burst:      cfg.Prefetch.Burst,
			Confidence: cfg.Prefetch.Confidence,
			Window:     cfg.Prefetch.Window.Duration,
			Similarity: cfg.Prefetch.Similarity,
			QueueSize:  cfg.Prefetch.QueueSize,
		},
	}
}

func streamConfig(cfg *cfgapi.Streaming) stream.Config {
	c := stream.Config{
		HighWaterMark:        cfg.HighWaterMark.Value(),
		BackpressureRatio:    cfg.BackpressureRatio,
		ChunkSize:            int(cfg.ChunkSize.Value()),
		Concurrency:          cfg.Concurrency,
		Compression:          cfg.Compression,
		CompressionThreshold: cfg.CompressionThreshold,
		FingerprintCacheSize: cfg.FingerprintCacheSize,
		FingerprintTTL:       cfg.FingerprintTTL.Duration,
	}
	for _, bc := range cfg.Classes {
		c.Classes = append(c.Classes, stream.ClassConfig{
			Name:  bc.Name,
			Size:  int(bc.Size.Value()),
			Count: bc.Count,
		})
	}
	return c
}

func monitorConfig(cfg *cfgapi.Monitor) monitor.Config {
	c := monitor.Config{
		SampleInterval:    cfg.SampleInterval.Duration,
		AlertInterval:     cfg.AlertInterval.Duration,
		LeakInterval:      cfg.LeakInterval.Duration,
		HistorySize:       cfg.HistorySize,
		MaxAlerts:         cfg.MaxAlerts,
		LeakMetrics:       cfg.LeakMetrics,
		LeakMinSamples:    cfg.LeakMinSamples,
		LeakMaxSamples:    cfg.LeakMaxSamples,
		LeakMinWindow:     cfg.LeakMinWindow.Duration,
		LeakMinConfidence: cfg.LeakMinConfidence,
	}
	if len(cfg.Thresholds) > 0 {
		c.Thresholds = monitor.DefaultThresholds()
		for metric, t := range cfg.Thresholds {
			c.Thresholds[metric] = monitor.Threshold{
				Warning:    t.Warning,
				Critical:   t.Critical,
				Emergency:  t.Emergency,
				Hysteresis: t.Hysteresis,
			}
		}
	}
	return c
}

func sinkConfig(cfg *cfgapi.Sink) badgersink.Config {
	return badgersink.Config{
		Path:       cfg.Path,
		InMemory:   cfg.InMemory,
		SampleTTL:  cfg.SampleTTL.Duration,
		SyncWrites: cfg.SyncWrites,
	}
}

func optimizerConfig(cfg *cfgapi.Optimizer) (optimizer.Config, error) {
	c := optimizer.Config{
		Interval:           cfg.Interval.Duration,
		Profile:            cfg.Profile,
		MaxRuns:            cfg.MaxRuns,
		MaxRecommendations: cfg.MaxRecommendations,
		MaxHighWaterMark:   cfg.MaxHighWaterMark.Value(),
		MaxBuffers:         cfg.MaxBuffers,
		Passive:            cfg.Passive,
	}
	for _, p := range cfg.Profiles {
		profile, err := ProfileFromConfig(p)
		if err != nil {
			return optimizer.Config{}, err
		}
		c.Profiles = append(c.Profiles, profile)
	}
	return c, nil
}

// ProfileFromConfig converts a configured profile to an optimization
// profile. Unset targets and constraints are taken from the built-in
// profile of the same strategy.
func ProfileFromConfig(p cfgapi.Profile) (optimizer.Profile, error) {
	strategy := optimizer.Strategy(p.Strategy)
	if err := strategy.Validate(); err != nil {
		return optimizer.Profile{}, fmt.Errorf("%w: profile %s: %w", ErrInvalidConfiguration, p.ID, err)
	}

	var profile optimizer.Profile
	for _, builtin := range optimizer.BuiltinProfiles() {
		if builtin.Strategy == strategy {
			profile = builtin
			break
		}
	}

	profile.ID = p.ID
	profile.Name = p.Name
	profile.Scope = p.Scope
	profile.Thresholds = optimizer.DefaultThresholds(strategy)

	set := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}
	set(&profile.Targets.MemoryReduction, p.MemoryReduction)
	set(&profile.Targets.PerformanceGain, p.PerformanceGain)
	set(&profile.Targets.Throughput, p.Throughput)
	set(&profile.Constraints.MaxMemoryUsage, p.MaxMemoryUsage)
	set(&profile.Constraints.MaxLatencyIncrease, p.MaxLatencyIncrease)
	set(&profile.Constraints.QualityFloor, p.QualityFloor)

	return profile, nil
}
