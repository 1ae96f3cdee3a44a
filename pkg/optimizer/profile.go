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
	"errors"
	"fmt"
	"time"

	"github.com/containers/memgov/pkg/pool"
)

var (
	// ErrInvalidConfiguration is returned for invalid configuration or profiles.
	ErrInvalidConfiguration = errors.New("optimizer: invalid configuration")
	// ErrProfileNotFound is returned for unknown optimization profiles.
	ErrProfileNotFound = errors.New("optimizer: profile not found")
	// ErrProfileExists is returned when creating a profile with a taken id.
	ErrProfileExists = errors.New("optimizer: profile already exists")
	// ErrRunNotFound is returned for unknown optimization runs.
	ErrRunNotFound = errors.New("optimizer: run not found")
	// ErrRecommendationNotFound is returned for unknown recommendations.
	ErrRecommendationNotFound = errors.New("optimizer: recommendation not found")
	// ErrNotApplicable is returned for recommendations which need manual action.
	ErrNotApplicable = errors.New("optimizer: recommendation needs manual action")
	// ErrAlreadyApplied is returned for recommendations applied earlier.
	ErrAlreadyApplied = errors.New("optimizer: recommendation already applied")
	// ErrClosed is returned once the optimizer has been closed.
	ErrClosed = errors.New("optimizer: closed")
)

// Strategy is the overall strategy of an optimization profile.
type Strategy string

const (
	// Conservative only defragments and never collects or evicts.
	Conservative Strategy = "conservative"
	// Balanced collects by the normal GC rules and prunes low-value cache entries.
	Balanced Strategy = "balanced"
	// Aggressive collects eagerly, reclaims wasted pools and forces a runtime GC.
	Aggressive Strategy = "aggressive"
)

// Validate checks that the strategy is known.
func (s Strategy) Validate() error {
	switch s {
	case Conservative, Balanced, Aggressive:
		return nil
	}
	return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfiguration, s)
}

// GCMode returns the pool garbage collection mode used by the strategy.
func (s Strategy) GCMode() pool.GCMode {
	switch s {
	case Aggressive:
		return pool.GCAggressive
	case Conservative:
		return pool.GCNone
	}
	return pool.GCNormal
}

// Targets are the goals of a profile, in percents.
type Targets struct {
	MemoryReduction float64 `json:"memoryReduction"`
	PerformanceGain float64 `json:"performanceGain"`
	Throughput      float64 `json:"throughput"`
}

// Constraints limit what a run may do.
type Constraints struct {
	// MaxMemoryUsage is the pool usage percentage above which every pool
	// gets optimized regardless of fragmentation.
	MaxMemoryUsage float64 `json:"maxMemoryUsage"`
	// MaxLatencyIncrease is the tolerated latency increase in percents.
	// Forcing a runtime GC needs at least 5%.
	MaxLatencyIncrease float64 `json:"maxLatencyIncrease"`
	// QualityFloor is the predictive score at or above which cache entries
	// are never pruned.
	QualityFloor float64 `json:"qualityFloor"`
}

// Thresholds trigger the individual optimization steps.
type Thresholds struct {
	// Fragmentation at or above which a pool is optimized.
	Fragmentation float64 `json:"fragmentation"`
	// Waste is the pool utilization below which aggressive runs optimize a pool.
	Waste float64 `json:"waste"`
	// LowHitRate is the cache hit rate below which low-value entries are pruned.
	LowHitRate float64 `json:"lowHitRate"`
	// HighHitRate is the cache hit rate above which growing a full cache is recommended.
	HighHitRate float64 `json:"highHitRate"`
	// NearCapacity is the cache fill ratio considered full.
	NearCapacity float64 `json:"nearCapacity"`
	// BufferUnderuse is the peak utilization below which a buffer class is underused.
	BufferUnderuse float64 `json:"bufferUnderuse"`
	// Backpressure is the number of backpressure signals of a congested stream.
	Backpressure int64 `json:"backpressure"`
	// Throughput is the bytes per second below which a congested stream is slow.
	Throughput float64 `json:"throughput"`
	// Efficiency is the service efficiency below which a review is recommended.
	Efficiency float64 `json:"efficiency"`
}

// Profile is a named set of optimization goals, constraints and thresholds.
type Profile struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Scope       []string    `json:"scope,omitempty"`
	Strategy    Strategy    `json:"strategy"`
	Targets     Targets     `json:"targets"`
	Constraints Constraints `json:"constraints"`
	Thresholds  Thresholds  `json:"thresholds"`
	Created     time.Time   `json:"created,omitempty"`
	LastUsed    time.Time   `json:"lastUsed,omitempty"`
}

// DefaultThresholds returns the default thresholds for the given strategy.
func DefaultThresholds(s Strategy) Thresholds {
	t := Thresholds{
		Fragmentation:  0.3,
		Waste:          0.25,
		LowHitRate:     0.5,
		HighHitRate:    0.9,
		NearCapacity:   0.9,
		BufferUnderuse: 0.25,
		Backpressure:   3,
		Throughput:     1 << 20,
		Efficiency:     0.7,
	}
	switch s {
	case Aggressive:
		t.Fragmentation = 0.2
		t.BufferUnderuse = 0.5
	case Conservative:
		t.Fragmentation = 0.5
	}
	return t
}

// BuiltinProfiles returns the built-in balanced, aggressive and
// conservative profiles.
func BuiltinProfiles() []Profile {
	return []Profile{
		{
			ID:          string(Balanced),
			Name:        "Balanced",
			Strategy:    Balanced,
			Targets:     Targets{MemoryReduction: 10, PerformanceGain: 5, Throughput: 5},
			Constraints: Constraints{MaxMemoryUsage: 85, MaxLatencyIncrease: 10, QualityFloor: 0.5},
			Thresholds:  DefaultThresholds(Balanced),
		},
		{
			ID:          string(Aggressive),
			Name:        "Aggressive",
			Strategy:    Aggressive,
			Targets:     Targets{MemoryReduction: 25, PerformanceGain: 10, Throughput: 10},
			Constraints: Constraints{MaxMemoryUsage: 75, MaxLatencyIncrease: 25, QualityFloor: 0.3},
			Thresholds:  DefaultThresholds(Aggressive),
		},
		{
			ID:          string(Conservative),
			Name:        "Conservative",
			Strategy:    Conservative,
			Targets:     Targets{MemoryReduction: 5},
			Constraints: Constraints{MaxMemoryUsage: 95, QualityFloor: 0.8},
			Thresholds:  DefaultThresholds(Conservative),
		},
	}
}

// Validate checks the profile for errors.
func (p *Profile) Validate() error {
	if err := p.Strategy.Validate(); err != nil {
		return err
	}

	ratios := map[string]float64{
		"fragmentation":  p.Thresholds.Fragmentation,
		"waste":          p.Thresholds.Waste,
		"lowHitRate":     p.Thresholds.LowHitRate,
		"highHitRate":    p.Thresholds.HighHitRate,
		"nearCapacity":   p.Thresholds.NearCapacity,
		"bufferUnderuse": p.Thresholds.BufferUnderuse,
		"efficiency":     p.Thresholds.Efficiency,
		"qualityFloor":   p.Constraints.QualityFloor,
	}
	for name, v := range ratios {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: profile %q: %s %.2f not in [0, 1]",
				ErrInvalidConfiguration, p.ID, name, v)
		}
	}

	percents := map[string]float64{
		"memoryReduction": p.Targets.MemoryReduction,
		"performanceGain": p.Targets.PerformanceGain,
		"throughput":      p.Targets.Throughput,
		"maxMemoryUsage":  p.Constraints.MaxMemoryUsage,
	}
	for name, v := range percents {
		if v < 0 || v > 100 {
			return fmt.Errorf("%w: profile %q: %s %.2f%% not in [0, 100]",
				ErrInvalidConfiguration, p.ID, name, v)
		}
	}

	switch {
	case p.Constraints.MaxLatencyIncrease < 0:
		return fmt.Errorf("%w: profile %q: negative maxLatencyIncrease",
			ErrInvalidConfiguration, p.ID)
	case p.Thresholds.Backpressure < 0 || p.Thresholds.Throughput < 0:
		return fmt.Errorf("%w: profile %q: negative stream thresholds",
			ErrInvalidConfiguration, p.ID)
	case p.Thresholds.LowHitRate > p.Thresholds.HighHitRate:
		return fmt.Errorf("%w: profile %q: lowHitRate above highHitRate",
			ErrInvalidConfiguration, p.ID)
	}

	return nil
}

func (p *Profile) clone() Profile {
	c := *p
	c.Scope = append([]string(nil), p.Scope...)
	return c
}
