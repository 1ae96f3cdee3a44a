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

// Package v1alpha1 defines the configuration of a memory governor.
package v1alpha1

import (
	"errors"
	"fmt"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/containers/memgov/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/memgov/pkg/apis/config/v1alpha1/log"
)

const (
	// APIVersion is the accepted apiVersion of configuration files.
	APIVersion = "config.memgov.io/v1alpha1"
	// Kind is the accepted kind of configuration files.
	Kind = "MemoryGovernor"
)

var (
	// ErrInvalidConfiguration is returned for configuration errors.
	ErrInvalidConfiguration = errors.New("config: invalid configuration")
)

// Config is the configuration of a memory governor.
type Config struct {
	metav1.TypeMeta `json:",inline"`
	// Ceiling is the process-wide memory ceiling of pools.
	// +kubebuilder:example="1Gi"
	Ceiling resource.Quantity `json:"ceiling"`
	// Pools are created at startup.
	// +optional
	Pools []Pool `json:"pools,omitempty"`
	// Pressure are the thresholds of pool usage pressure levels.
	// +optional
	Pressure *Pressure `json:"pressure,omitempty"`
	// GC configures pool garbage collection.
	// +optional
	GC GC `json:"gc,omitempty"`
	// Cache configures the shared cache.
	// +optional
	Cache Cache `json:"cache,omitempty"`
	// Streaming configures buffer classes and stream defaults.
	// +optional
	Streaming Streaming `json:"streaming,omitempty"`
	// Monitor configures sampling, alerting and leak detection.
	// +optional
	Monitor Monitor `json:"monitor,omitempty"`
	// Optimizer configures optimization runs.
	// +optional
	Optimizer Optimizer `json:"optimizer,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// Pool is the configuration of a single pool.
type Pool struct {
	Name string `json:"name"`
	// +kubebuilder:example="64Mi"
	Size resource.Quantity `json:"size"`
	// MaxSize limits growing the pool, unset means the ceiling.
	// +optional
	MaxSize *resource.Quantity `json:"maxSize,omitempty"`
	// Strategy is the placement strategy, first-fit, best-fit, worst-fit or buddy-system.
	// +optional
	// +kubebuilder:default="best-fit"
	Strategy string `json:"strategy,omitempty"`
	// AutoResize allows growing the pool, defaults to true.
	// +optional
	AutoResize *bool `json:"autoResize,omitempty"`
	// +optional
	CompactionThreshold float64 `json:"compactionThreshold,omitempty"`
	// +optional
	GrowthFactor float64 `json:"growthFactor,omitempty"`
	// Categories are the allocation categories preferring this pool.
	// +optional
	Categories []string `json:"categories,omitempty"`
}

// Pressure are the usage ratios of pressure levels.
type Pressure struct {
	Warning   float64 `json:"warning"`
	Critical  float64 `json:"critical"`
	Emergency float64 `json:"emergency"`
	// +optional
	Hysteresis float64 `json:"hysteresis,omitempty"`
}

// GC configures pool garbage collection.
type GC struct {
	// Mode is the initial collection mode, none, normal, aggressive or forced.
	// +optional
	// +kubebuilder:default="normal"
	Mode string `json:"mode,omitempty"`
	// +optional
	TransientMaxAge metav1.Duration `json:"transientMaxAge,omitempty"`
	// +optional
	CacheIdleAge metav1.Duration `json:"cacheIdleAge,omitempty"`
	// +optional
	CacheLowAccess int64 `json:"cacheLowAccess,omitempty"`
	// +optional
	StaleAge metav1.Duration `json:"staleAge,omitempty"`
}

// Cache configures the shared cache.
type Cache struct {
	// +optional
	// +kubebuilder:default="default"
	Name string `json:"name,omitempty"`
	// +optional
	MaxSize resource.Quantity `json:"maxSize,omitempty"`
	// +optional
	MaxEntries int `json:"maxEntries,omitempty"`
	// +optional
	DefaultTTL metav1.Duration `json:"defaultTTL,omitempty"`
	// Policy is the eviction policy, lru, lfu, fifo, ttl, size or predictive.
	// +optional
	Policy string `json:"policy,omitempty"`
	// Compression is the value codec, none, s2 or zstd.
	// +optional
	Compression string `json:"compression,omitempty"`
	// +optional
	CompressionThreshold int `json:"compressionThreshold,omitempty"`
	// +optional
	MinEvictionBatch int `json:"minEvictionBatch,omitempty"`
	// +optional
	HistorySize int `json:"historySize,omitempty"`
	// +optional
	PatternTTL metav1.Duration `json:"patternTTL,omitempty"`
	// +optional
	MaintenanceInterval metav1.Duration `json:"maintenanceInterval,omitempty"`
	// +optional
	Prefetch Prefetch `json:"prefetch,omitempty"`
}

// Prefetch configures predictive prefetching.
type Prefetch struct {
	// +optional
	Enabled bool `json:"enabled,omitempty"`
	// +optional
	Rate float64 `json:"rate,omitempty"`
	// +optional
	Burst int `json:"burst,omitempty"`
	// +optional
	Confidence float64 `json:"confidence,omitempty"`
	// +optional
	Window metav1.Duration `json:"window,omitempty"`
	// +optional
	Similarity float64 `json:"similarity,omitempty"`
	// +optional
	QueueSize int `json:"queueSize,omitempty"`
}

// Streaming configures buffer classes and stream defaults.
type Streaming struct {
	// +optional
	Classes []BufferClass `json:"classes,omitempty"`
	// +optional
	HighWaterMark resource.Quantity `json:"highWaterMark,omitempty"`
	// +optional
	BackpressureRatio float64 `json:"backpressureRatio,omitempty"`
	// +optional
	ChunkSize resource.Quantity `json:"chunkSize,omitempty"`
	// +optional
	Concurrency int `json:"concurrency,omitempty"`
	// +optional
	Compression string `json:"compression,omitempty"`
	// +optional
	CompressionThreshold int `json:"compressionThreshold,omitempty"`
	// FingerprintCacheSize is the capacity of the chunk fingerprint cache,
	// a negative value disables fingerprinting.
	// +optional
	FingerprintCacheSize int `json:"fingerprintCacheSize,omitempty"`
	// +optional
	FingerprintTTL metav1.Duration `json:"fingerprintTTL,omitempty"`
}

// BufferClass is a class of pre-allocated buffers of the same size.
type BufferClass struct {
	Name  string            `json:"name"`
	Size  resource.Quantity `json:"size"`
	Count int               `json:"count"`
}

// Monitor configures sampling, alerting and leak detection.
type Monitor struct {
	// +optional
	SampleInterval metav1.Duration `json:"sampleInterval,omitempty"`
	// +optional
	AlertInterval metav1.Duration `json:"alertInterval,omitempty"`
	// +optional
	LeakInterval metav1.Duration `json:"leakInterval,omitempty"`
	// +optional
	HistorySize int `json:"historySize,omitempty"`
	// +optional
	MaxAlerts int `json:"maxAlerts,omitempty"`
	// Thresholds override the alert thresholds of the named metrics.
	// +optional
	Thresholds map[string]Pressure `json:"thresholds,omitempty"`
	// +optional
	LeakMetrics []string `json:"leakMetrics,omitempty"`
	// +optional
	LeakMinSamples int `json:"leakMinSamples,omitempty"`
	// +optional
	LeakMaxSamples int `json:"leakMaxSamples,omitempty"`
	// +optional
	LeakMinWindow metav1.Duration `json:"leakMinWindow,omitempty"`
	// +optional
	LeakMinConfidence float64 `json:"leakMinConfidence,omitempty"`
	// Host enables sampling host memory usage.
	// +optional
	Host bool `json:"host,omitempty"`
	// Sink persists samples, alerts and leaks.
	// +optional
	Sink *Sink `json:"sink,omitempty"`
}

// Sink configures persisting monitoring data in a badger database.
type Sink struct {
	// Path is the database directory.
	// +optional
	Path string `json:"path,omitempty"`
	// InMemory keeps the database in memory.
	// +optional
	InMemory bool `json:"inMemory,omitempty"`
	// +optional
	SampleTTL metav1.Duration `json:"sampleTTL,omitempty"`
	// +optional
	SyncWrites bool `json:"syncWrites,omitempty"`
	// GCInterval is the interval of value log garbage collection.
	// +optional
	// +kubebuilder:default="10m"
	GCInterval metav1.Duration `json:"gcInterval,omitempty"`
}

// Optimizer configures optimization runs.
type Optimizer struct {
	// Interval of periodic runs, 0 disables them.
	// +optional
	Interval metav1.Duration `json:"interval,omitempty"`
	// Profile of periodic runs.
	// +optional
	// +kubebuilder:default="balanced"
	Profile string `json:"profile,omitempty"`
	// Profiles are created at startup.
	// +optional
	Profiles []Profile `json:"profiles,omitempty"`
	// +optional
	MaxRuns int `json:"maxRuns,omitempty"`
	// +optional
	MaxRecommendations int `json:"maxRecommendations,omitempty"`
	// +optional
	MaxHighWaterMark resource.Quantity `json:"maxHighWaterMark,omitempty"`
	// +optional
	MaxBuffers int `json:"maxBuffers,omitempty"`
	// Passive disables reacting to pressure, alerts and backpressure.
	// +optional
	Passive bool `json:"passive,omitempty"`
}

// Profile is an optimization profile.
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// Scope are the allocation owners checked by service efficiency reviews.
	// +optional
	Scope []string `json:"scope,omitempty"`
	// Strategy is conservative, balanced or aggressive.
	Strategy string `json:"strategy"`
	// Targets and constraints are percents unless noted otherwise.
	// +optional
	MemoryReduction float64 `json:"memoryReduction,omitempty"`
	// +optional
	PerformanceGain float64 `json:"performanceGain,omitempty"`
	// Throughput target in bytes per second.
	// +optional
	Throughput float64 `json:"throughput,omitempty"`
	// +optional
	MaxMemoryUsage float64 `json:"maxMemoryUsage,omitempty"`
	// +optional
	MaxLatencyIncrease float64 `json:"maxLatencyIncrease,omitempty"`
	// QualityFloor is a ratio in [0, 1].
	// +optional
	QualityFloor float64 `json:"qualityFloor,omitempty"`
}

// Load reads configuration from the given YAML or JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses, defaults and validates YAML or JSON configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = APIVersion
	}
	if c.Kind == "" {
		c.Kind = Kind
	}
	if c.Ceiling.IsZero() {
		c.Ceiling = resource.MustParse("1Gi")
	}
	if len(c.Pools) == 0 {
		c.Pools = []Pool{{Name: "default", Size: resource.MustParse("64Mi")}}
	}
	if c.GC.Mode == "" {
		c.GC.Mode = "normal"
	}
	if c.Cache.Name == "" {
		c.Cache.Name = "default"
	}
	if c.Optimizer.Profile == "" {
		c.Optimizer.Profile = "balanced"
	}
	if c.Monitor.Sink != nil && c.Monitor.Sink.GCInterval.Duration == 0 {
		c.Monitor.Sink.GCInterval = metav1.Duration{Duration: 10 * time.Minute}
	}
	if c.Instrumentation.ReportPeriod.Duration == 0 {
		c.Instrumentation.ReportPeriod = metav1.Duration{Duration: 30 * time.Second}
	}
}

// Validate checks the configuration for errors detectable without
// instantiating the governor.
func (c *Config) Validate() error {
	if c.APIVersion != APIVersion || c.Kind != Kind {
		return fmt.Errorf("%w: unsupported apiVersion/kind %s/%s",
			ErrInvalidConfiguration, c.APIVersion, c.Kind)
	}
	if c.Ceiling.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive ceiling %s", ErrInvalidConfiguration, c.Ceiling.String())
	}

	names := map[string]bool{}
	var total int64
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("%w: unnamed pool", ErrInvalidConfiguration)
		}
		if names[p.Name] {
			return fmt.Errorf("%w: duplicate pool %q", ErrInvalidConfiguration, p.Name)
		}
		names[p.Name] = true
		if p.Size.Sign() <= 0 {
			return fmt.Errorf("%w: pool %q: non-positive size %s",
				ErrInvalidConfiguration, p.Name, p.Size.String())
		}
		total += p.Size.Value()
	}
	if total > c.Ceiling.Value() {
		return fmt.Errorf("%w: pools need %d bytes, ceiling is %d",
			ErrInvalidConfiguration, total, c.Ceiling.Value())
	}

	for _, q := range []struct {
		name string
		q    resource.Quantity
	}{
		{"cache.maxSize", c.Cache.MaxSize},
		{"streaming.highWaterMark", c.Streaming.HighWaterMark},
		{"streaming.chunkSize", c.Streaming.ChunkSize},
		{"optimizer.maxHighWaterMark", c.Optimizer.MaxHighWaterMark},
	} {
		if q.q.Sign() < 0 {
			return fmt.Errorf("%w: negative %s", ErrInvalidConfiguration, q.name)
		}
	}

	if c.Instrumentation.SamplingRatePerMillion < 0 || c.Instrumentation.SamplingRatePerMillion > 1000000 {
		return fmt.Errorf("%w: sampling rate %d per million out of range",
			ErrInvalidConfiguration, c.Instrumentation.SamplingRatePerMillion)
	}

	return nil
}
