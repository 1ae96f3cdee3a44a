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

package pool

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Category describes the intended use of an allocation.
type Category int

const (
	CategoryBuffer     Category = iota // I/O and streaming buffers
	CategoryCache                      // cached data, can be recreated
	CategoryTransient                  // short-lived scratch memory
	CategoryPersistent                 // long-lived state
)

// Priority describes how important it is to keep an allocation around.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical // never garbage collected
)

// Strategy is the placement strategy used to pick a free fragment.
type Strategy int

const (
	FirstFit    Strategy = iota // lowest offset free fragment that fits
	BestFit                     // smallest free fragment that fits
	WorstFit                    // largest free fragment
	BuddySystem                 // power-of-two sized blocks
)

// GCMode controls how eagerly allocations are garbage collected.
type GCMode int

const (
	GCNormal GCMode = iota
	GCAggressive
	GCForced
	GCNone // defragment only, never collect
)

var (
	categoryToString = map[Category]string{
		CategoryBuffer:     "buffer",
		CategoryCache:      "cache",
		CategoryTransient:  "transient",
		CategoryPersistent: "persistent",
	}
	stringToCategory = map[string]Category{
		"buffer":     CategoryBuffer,
		"cache":      CategoryCache,
		"transient":  CategoryTransient,
		"persistent": CategoryPersistent,
	}

	priorityToString = map[Priority]string{
		PriorityLow:      "low",
		PriorityNormal:   "normal",
		PriorityHigh:     "high",
		PriorityCritical: "critical",
	}
	stringToPriority = map[string]Priority{
		"low":      PriorityLow,
		"normal":   PriorityNormal,
		"high":     PriorityHigh,
		"critical": PriorityCritical,
	}

	strategyToString = map[Strategy]string{
		FirstFit:    "first-fit",
		BestFit:     "best-fit",
		WorstFit:    "worst-fit",
		BuddySystem: "buddy-system",
	}
	stringToStrategy = map[string]Strategy{
		"first-fit":    FirstFit,
		"best-fit":     BestFit,
		"worst-fit":    WorstFit,
		"buddy-system": BuddySystem,
		"buddy":        BuddySystem,
	}

	gcModeToString = map[GCMode]string{
		GCNormal:     "normal",
		GCAggressive: "aggressive",
		GCForced:     "forced",
		GCNone:       "none",
	}
	stringToGCMode = map[string]GCMode{
		"normal":     GCNormal,
		"aggressive": GCAggressive,
		"forced":     GCForced,
		"none":       GCNone,
	}
)

// Categories returns all known categories.
func Categories() []Category {
	return []Category{CategoryBuffer, CategoryCache, CategoryTransient, CategoryPersistent}
}

// ParseCategory parses the given string into a category.
func ParseCategory(str string) (Category, error) {
	if c, ok := stringToCategory[strings.ToLower(str)]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCategory, str)
}

// IsValid returns true if the category is known.
func (c Category) IsValid() bool {
	_, ok := categoryToString[c]
	return ok
}

// String returns a string representation of the category.
func (c Category) String() string {
	if str, ok := categoryToString[c]; ok {
		return str
	}
	return fmt.Sprintf("%%!(pool:Bad-Category %d)", c)
}

// MarshalJSON is the json.Marshaller for Category.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON is the json.Unmarshaller for Category.
func (c *Category) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCategory, err)
	}
	cat, err := ParseCategory(str)
	if err != nil {
		return err
	}
	*c = cat
	return nil
}

// ParsePriority parses the given string into a priority.
func ParsePriority(str string) (Priority, error) {
	if p, ok := stringToPriority[strings.ToLower(str)]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, str)
}

// IsValid returns true if the priority is known.
func (p Priority) IsValid() bool {
	_, ok := priorityToString[p]
	return ok
}

// String returns a string representation of the priority.
func (p Priority) String() string {
	if str, ok := priorityToString[p]; ok {
		return str
	}
	return fmt.Sprintf("%%!(pool:Bad-Priority %d)", p)
}

// MarshalJSON is the json.Marshaller for Priority.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON is the json.Unmarshaller for Priority.
func (p *Priority) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPriority, err)
	}
	prio, err := ParsePriority(str)
	if err != nil {
		return err
	}
	*p = prio
	return nil
}

// ParseStrategy parses the given string into a placement strategy.
func ParseStrategy(str string) (Strategy, error) {
	if s, ok := stringToStrategy[strings.ToLower(str)]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, str)
}

// IsValid returns true if the strategy is known.
func (s Strategy) IsValid() bool {
	_, ok := strategyToString[s]
	return ok
}

// String returns a string representation of the strategy.
func (s Strategy) String() string {
	if str, ok := strategyToString[s]; ok {
		return str
	}
	return fmt.Sprintf("%%!(pool:Bad-Strategy %d)", s)
}

// MarshalJSON is the json.Marshaller for Strategy.
func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON is the json.Unmarshaller for Strategy.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStrategy, err)
	}
	strategy, err := ParseStrategy(str)
	if err != nil {
		return err
	}
	*s = strategy
	return nil
}

// ParseGCMode parses the given string into a garbage collection mode.
func ParseGCMode(str string) (GCMode, error) {
	if m, ok := stringToGCMode[strings.ToLower(str)]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("%w: unknown GC mode %q", ErrInvalidConfiguration, str)
}

// String returns a string representation of the garbage collection mode.
func (m GCMode) String() string {
	if str, ok := gcModeToString[m]; ok {
		return str
	}
	return fmt.Sprintf("%%!(pool:Bad-GCMode %d)", m)
}
