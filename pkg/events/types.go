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

// Package events implements a typed publish/subscribe bus connecting the
// memory governance components. Delivery is asynchronous, fire-and-forget
// and at-most-once: every subscriber has a bounded queue and events which
// do not fit are dropped. Ordering is only preserved per subscriber.
package events

import (
	"fmt"
	"time"
)

// Kind identifies the type of an event.
type Kind int

const (
	// PoolAllocated is published after a successful allocation.
	PoolAllocated Kind = iota
	// PoolDeallocated is published after an allocation has been released.
	PoolDeallocated
	// PoolExpanded is published after a pool has been grown.
	PoolExpanded
	// PoolOptimized is published after a pool optimization pass.
	PoolOptimized
	// PoolExhausted is published when an allocation fails for lack of memory.
	PoolExhausted
	// PressureChanged is published when the memory pressure level changes.
	PressureChanged
	// CacheEvicted is published after entries have been evicted from the cache.
	CacheEvicted
	// CacheCleared is published after the cache has been flushed.
	CacheCleared
	// BufferExhausted is published when no buffer of a class is available.
	BufferExhausted
	// StreamBackpressure is published when a stream exceeds its backpressure limit.
	StreamBackpressure
	// AlertRaised is published when the monitor raises an alert.
	AlertRaised
	// AlertResolved is published when an alert is resolved.
	AlertResolved
	// LeakDetected is published when the monitor detects a suspected leak.
	LeakDetected
	// MonitorError is published when a background monitor operation fails.
	MonitorError
	// OptimizationStarted is published when an optimization run starts.
	OptimizationStarted
	// OptimizationCompleted is published when an optimization run completes.
	OptimizationCompleted
	// OptimizationFailed is published when an optimization run fails.
	OptimizationFailed
	// RecommendationApplied is published when a recommendation gets applied.
	RecommendationApplied

	numKinds
)

var kindNames = [numKinds]string{
	PoolAllocated:         "pool-allocated",
	PoolDeallocated:       "pool-deallocated",
	PoolExpanded:          "pool-expanded",
	PoolOptimized:         "pool-optimized",
	PoolExhausted:         "pool-exhausted",
	PressureChanged:       "pressure-changed",
	CacheEvicted:          "cache-evicted",
	CacheCleared:          "cache-cleared",
	BufferExhausted:       "buffer-exhausted",
	StreamBackpressure:    "stream-backpressure",
	AlertRaised:           "alert-raised",
	AlertResolved:         "alert-resolved",
	LeakDetected:          "leak-detected",
	MonitorError:          "monitor-error",
	OptimizationStarted:   "optimization-started",
	OptimizationCompleted: "optimization-completed",
	OptimizationFailed:    "optimization-failed",
	RecommendationApplied: "recommendation-applied",
}

// Kinds returns all known event kinds.
func Kinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// String returns the name of the event kind.
func (k Kind) String() string {
	if k >= 0 && k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("%%!(events:Bad-Kind %d)", int(k))
}

// Event is a single occurrence published on the bus.
type Event struct {
	Kind    Kind
	Source  string
	Time    time.Time
	Payload interface{}
}

// String returns a string representation of the event.
func (e *Event) String() string {
	return fmt.Sprintf("%s event from %s", e.Kind, e.Source)
}

// PressureLevel describes the severity of memory pressure.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureWarning
	PressureCritical
	PressureEmergency
)

// String returns the name of the pressure level.
func (l PressureLevel) String() string {
	switch l {
	case PressureNone:
		return "none"
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	case PressureEmergency:
		return "emergency"
	}
	return fmt.Sprintf("%%!(events:Bad-PressureLevel %d)", int(l))
}

// Allocation is the payload of PoolAllocated and PoolDeallocated events.
type Allocation struct {
	ID       string
	Pool     string
	Owner    string
	Category string
	Size     int64
	// Collected is set for allocations freed by garbage collection.
	Collected bool
}

// Expansion is the payload of PoolExpanded events.
type Expansion struct {
	Pool     string
	OldSize  int64
	NewSize  int64
	Required int64
}

// Optimization is the payload of PoolOptimized events.
type Optimization struct {
	Pool          string
	Collected     int
	BytesFreed    int64
	Defragmented  int64
	Fragmentation float64
}

// Exhaustion is the payload of PoolExhausted events.
type Exhaustion struct {
	Pool     string
	Owner    string
	Required int64
}

// Pressure is the payload of PressureChanged events.
type Pressure struct {
	Level     PressureLevel
	Previous  PressureLevel
	Ratio     float64
	Allocated int64
	Ceiling   int64
}

// Eviction is the payload of CacheEvicted events.
type Eviction struct {
	Policy  string
	Keys    []string
	Freed   int64
	Pending int64
}

// BufferShortage is the payload of BufferExhausted events.
type BufferShortage struct {
	Class   string
	MinSize int
}

// Backpressure is the payload of StreamBackpressure events.
type Backpressure struct {
	Stream        string
	Pending       int64
	HighWaterMark int64
	Ratio         float64
}

// Alert is the payload of AlertRaised and AlertResolved events.
type Alert struct {
	ID        string
	Metric    string
	Severity  PressureLevel
	Value     float64
	Threshold float64
}

// Leak is the payload of LeakDetected events.
type Leak struct {
	ID         string
	Metric     string
	GrowthRate float64
	Confidence float64
}

// Failure is the payload of MonitorError events.
type Failure struct {
	Component string
	Operation string
	Err       error
}

// Run is the payload of OptimizationStarted, OptimizationCompleted and
// OptimizationFailed events.
type Run struct {
	ID         string
	Profile    string
	Status     string
	Trigger    string
	BytesFreed int64
	Errors     int
}

// Recommendation is the payload of RecommendationApplied events.
type Recommendation struct {
	ID     string
	Run    string
	Kind   string
	Target string
}
