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

package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/containers/memgov/pkg/compress"
)

var (
	ErrInvalidConfiguration = fmt.Errorf("cache: invalid configuration")
	ErrUnknownPolicy        = fmt.Errorf("cache: unknown eviction policy")
	ErrSerialization        = fmt.Errorf("cache: serialization failure")
)

const (
	// DefaultMinEvictionBatch is the default minimum number of entries evicted at once.
	DefaultMinEvictionBatch = 1
	// DefaultHistorySize is the default number of accesses remembered per key.
	DefaultHistorySize = 50
	// DefaultCompressionThreshold is the default size above which values are compressed.
	DefaultCompressionThreshold = 1024
)

// Config is the configuration of a Cache.
type Config struct {
	// MaxSize is the maximum total size of stored values in bytes. 0 means no limit.
	MaxSize int64 `json:"maxSize,omitempty"`
	// MaxEntries is the maximum number of entries. 0 means no limit.
	MaxEntries int `json:"maxEntries,omitempty"`
	// DefaultTTL is used for entries set without an explicit TTL. 0 means no expiry.
	DefaultTTL time.Duration `json:"defaultTTL,omitempty"`
	// Policy is the name of the eviction policy.
	Policy string `json:"policy,omitempty"`
	// Compression is the name of the compression codec, "none" to disable.
	Compression string `json:"compression,omitempty"`
	// CompressionThreshold is the serialized size above which values are compressed.
	CompressionThreshold int `json:"compressionThreshold,omitempty"`
	// MinEvictionBatch is the minimum number of entries evicted when eviction is needed.
	MinEvictionBatch int `json:"minEvictionBatch,omitempty"`
	// HistorySize is the number of accesses remembered per key.
	HistorySize int `json:"historySize,omitempty"`
	// PatternTTL is the time after which patterns of absent keys are forgotten.
	PatternTTL time.Duration `json:"patternTTL,omitempty"`
	// MaintenanceInterval is the interval of background maintenance.
	MaintenanceInterval time.Duration `json:"maintenanceInterval,omitempty"`
	// Prefetch configures predictive prefetching.
	Prefetch PrefetchConfig `json:"prefetch,omitempty"`
}

// PrefetchConfig configures predictive prefetching.
type PrefetchConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Rate limits loads per second.
	Rate float64 `json:"rate,omitempty"`
	// Burst is the maximum burst of loads.
	Burst int `json:"burst,omitempty"`
	// Confidence is the minimum prediction confidence for prefetching.
	Confidence float64 `json:"confidence,omitempty"`
	// Window is how far ahead predicted accesses are prefetched.
	Window time.Duration `json:"window,omitempty"`
	// Similarity is the minimum cosine similarity of the hourly access
	// histogram of a key to that of the currently cached keys.
	Similarity float64 `json:"similarity,omitempty"`
	// QueueSize is the length of the prefetch queue.
	QueueSize int `json:"queueSize,omitempty"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:              64 << 20,
		MaxEntries:           10000,
		Policy:               PolicyHybrid,
		Compression:          compress.S2,
		CompressionThreshold: DefaultCompressionThreshold,
		MinEvictionBatch:     DefaultMinEvictionBatch,
		HistorySize:          DefaultHistorySize,
		PatternTTL:           24 * time.Hour,
		MaintenanceInterval:  time.Minute,
		Prefetch: PrefetchConfig{
			Rate:       10,
			Burst:      5,
			Confidence: 0.7,
			Window:     time.Minute,
			Similarity: 0.8,
			QueueSize:  64,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxSize < 0 || c.MaxEntries < 0 {
		return fmt.Errorf("%w: negative limits", ErrInvalidConfiguration)
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("%w: negative default TTL", ErrInvalidConfiguration)
	}
	if _, err := NewPolicy(c.Policy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if c.Compression != "" {
		if _, err := compress.Get(c.Compression); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
	}
	if c.CompressionThreshold < 0 || c.MinEvictionBatch < 0 || c.HistorySize < 0 {
		return fmt.Errorf("%w: negative thresholds", ErrInvalidConfiguration)
	}
	if c.Prefetch.Enabled && c.Prefetch.Rate <= 0 {
		return fmt.Errorf("%w: prefetch rate must be positive", ErrInvalidConfiguration)
	}
	return nil
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	c.Policy = strings.ToLower(c.Policy)
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	if c.MinEvictionBatch == 0 {
		c.MinEvictionBatch = d.MinEvictionBatch
	}
	if c.HistorySize == 0 {
		c.HistorySize = d.HistorySize
	}
	if c.PatternTTL == 0 {
		c.PatternTTL = d.PatternTTL
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	p := &c.Prefetch
	if p.Rate == 0 {
		p.Rate = d.Prefetch.Rate
	}
	if p.Burst == 0 {
		p.Burst = d.Prefetch.Burst
	}
	if p.Confidence == 0 {
		p.Confidence = d.Prefetch.Confidence
	}
	if p.Window == 0 {
		p.Window = d.Prefetch.Window
	}
	if p.Similarity == 0 {
		p.Similarity = d.Prefetch.Similarity
	}
	if p.QueueSize == 0 {
		p.QueueSize = d.Prefetch.QueueSize
	}
}

// Priority is the retention priority of an entry. Lower priority entries
// are evicted first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns a string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("%%!(cache:Bad-Priority %d)", int(p))
}

// SetOption is an option for Set.
type SetOption func(*setOptions)

type setOptions struct {
	ttl      *time.Duration
	priority Priority
	tags     []string
	metadata map[string]string
	compress *bool
}

// WithTTL sets the time to live of the entry. A TTL <= 0 makes the entry
// expire immediately.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = &ttl
	}
}

// WithPriority sets the priority of the entry.
func WithPriority(p Priority) SetOption {
	return func(o *setOptions) {
		o.priority = p
	}
}

// WithTags attaches the given tags to the entry.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// WithMetadata attaches the given metadata to the entry.
func WithMetadata(md map[string]string) SetOption {
	return func(o *setOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			o.metadata[k] = v
		}
	}
}

// WithCompression overrides whether the entry is compressed.
func WithCompression(enable bool) SetOption {
	return func(o *setOptions) {
		o.compress = &enable
	}
}
