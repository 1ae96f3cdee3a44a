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
	"fmt"

	"github.com/containers/memgov/pkg/events"
)

// Thresholds are the global usage ratios of the pressure levels.
type Thresholds struct {
	Warning   float64 `json:"warning"`
	Critical  float64 `json:"critical"`
	Emergency float64 `json:"emergency"`
	// Hysteresis is the relative margin below a threshold usage must drop
	// to before the level is lowered.
	Hysteresis float64 `json:"hysteresis"`
}

// DefaultThresholds returns the default pressure thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:    0.65,
		Critical:   0.80,
		Emergency:  0.90,
		Hysteresis: 0.1,
	}
}

// Validate checks that the thresholds are ordered and within (0, 1].
func (t Thresholds) Validate() error {
	if !(0 < t.Warning && t.Warning < t.Critical && t.Critical < t.Emergency && t.Emergency <= 1) {
		return fmt.Errorf("%w: pressure thresholds %.2f/%.2f/%.2f", ErrInvalidConfiguration,
			t.Warning, t.Critical, t.Emergency)
	}
	if t.Hysteresis < 0 || t.Hysteresis >= 1 {
		return fmt.Errorf("%w: pressure hysteresis %.2f", ErrInvalidConfiguration, t.Hysteresis)
	}
	return nil
}

// Level returns the pressure level for the given ratio, ignoring hysteresis.
func (t Thresholds) Level(ratio float64) events.PressureLevel {
	switch {
	case ratio >= t.Emergency:
		return events.PressureEmergency
	case ratio >= t.Critical:
		return events.PressureCritical
	case ratio >= t.Warning:
		return events.PressureWarning
	}
	return events.PressureNone
}

// threshold returns the entry threshold of the given level.
func (t Thresholds) threshold(l events.PressureLevel) float64 {
	switch l {
	case events.PressureEmergency:
		return t.Emergency
	case events.PressureCritical:
		return t.Critical
	case events.PressureWarning:
		return t.Warning
	}
	return 0
}

// Next returns the level following current for the given ratio, applying hysteresis.
func (t Thresholds) Next(current events.PressureLevel, ratio float64) events.PressureLevel {
	next := t.Level(ratio)
	if next >= current {
		return next
	}
	for l := current; l > next; l-- {
		if ratio >= t.threshold(l)*(1-t.Hysteresis) {
			return l
		}
	}
	return next
}

// PressureLevel returns the current pressure level.
func (a *Allocator) PressureLevel() events.PressureLevel {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.level
}

// updatePressure re-evaluates the pressure level. Only transitions act:
// escalating to critical optimizes all pools, escalating to emergency
// forces garbage collection in all pools.
func (a *Allocator) updatePressure() {
	capa := a.capacity()
	if capa <= 0 {
		return
	}

	allocated := a.totalAllocated()
	a.ratio = float64(allocated) / float64(capa)

	prev := a.level
	next := a.thresholds.Next(prev, a.ratio)
	if next == prev {
		return
	}
	a.level = next

	log.Info("memory pressure %s -> %s (%.1f%% of %s)", prev, next, 100*a.ratio, prettySize(capa))

	a.bus.Publish(events.PressureChanged, "pool", &events.Pressure{
		Level:     next,
		Previous:  prev,
		Ratio:     a.ratio,
		Allocated: allocated,
		Ceiling:   capa,
	})

	switch {
	case next > prev && next == events.PressureEmergency:
		a.mode = GCForced
		a.optimizeAll(GCForced)
		a.updatePressure()
	case next > prev && next == events.PressureCritical:
		a.mode = GCAggressive
		a.optimizeAll(GCAggressive)
		a.updatePressure()
	case next < prev && next < events.PressureCritical:
		a.mode = GCNormal
	case next < prev && next == events.PressureCritical:
		a.mode = GCAggressive
	}
}
