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
	"time"
)

// Category is the area a recommendation concerns.
type Category string

const (
	CategoryMemory    Category = "memory"
	CategoryCache     Category = "cache"
	CategoryStreaming Category = "streaming"
	CategoryGC        Category = "gc"
	CategoryPool      Category = "pool"
)

// Level grades the priority and the risk of a recommendation.
type Level int

const (
	Low Level = iota
	Medium
	High
)

// String returns the name of the level.
func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Impact is the estimated impact of applying a recommendation.
type Impact struct {
	// MemoryReduction is the estimated number of bytes freed.
	MemoryReduction int64 `json:"memoryReduction"`
	// PerformanceGain is the estimated performance gain in percents.
	PerformanceGain float64 `json:"performanceGain"`
	Risk            Level   `json:"risk"`
}

// Recommendation is a suggested change produced by an optimization run.
type Recommendation struct {
	ID          string    `json:"id"`
	Run         string    `json:"run"`
	Category    Category  `json:"category"`
	Kind        string    `json:"kind"`
	Target      string    `json:"target"`
	Priority    Level     `json:"priority"`
	Description string    `json:"description"`
	Impact      Impact    `json:"impact"`
	Notes       string    `json:"notes,omitempty"`
	Created     time.Time `json:"created"`
	Applied     bool      `json:"applied"`
	AppliedAt   time.Time `json:"appliedAt,omitempty"`
	Error       string    `json:"error,omitempty"`

	apply    func() error
	applying bool
}

// Recommendation kinds.
const (
	KindCacheGrow      = "cache-grow"
	KindBufferShrink   = "buffer-shrink"
	KindStreamReconfig = "stream-reconfigure"
	KindServiceReview  = "service-review"
	KindPoolReclaim    = "pool-reclaim"
	KindGCMode         = "gc-mode"
)

// autoApply returns true for low-risk, high-priority recommendations.
func (r *Recommendation) autoApply() bool {
	return r.apply != nil && r.Impact.Risk == Low && r.Priority >= High
}

func (r *Recommendation) clone() Recommendation {
	c := *r
	c.apply = nil
	return c
}
