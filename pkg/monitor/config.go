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

package monitor

import (
	"fmt"
	"time"

	"github.com/containers/memgov/pkg/events"
)

var (
	// ErrInvalidConfiguration is returned for an invalid configuration.
	ErrInvalidConfiguration = fmt.Errorf("monitor: invalid configuration")
	// ErrProfileNotFound is returned for an unknown profiling session.
	ErrProfileNotFound = fmt.Errorf("monitor: profiling session not found")
)

const (
	// DefaultSampleInterval is the default interval of metric sampling.
	DefaultSampleInterval = 10 * time.Second
	// DefaultAlertInterval is the default interval of alert checks.
	DefaultAlertInterval = 30 * time.Second
	// DefaultLeakInterval is the default interval of leak checks.
	DefaultLeakInterval = time.Minute
	// DefaultHistorySize is the default number of samples kept.
	DefaultHistorySize = 1000
	// DefaultMaxAlerts is the default number of alerts kept.
	DefaultMaxAlerts = 1000
	// DefaultHysteresis is the default relative hysteresis of thresholds.
	DefaultHysteresis = 0.1
	// DefaultLeakMinSamples is the minimum number of samples for leak detection.
	DefaultLeakMinSamples = 10
	// DefaultLeakMaxSamples is the number of latest samples used for leak detection.
	DefaultLeakMaxSamples = 60
	// DefaultLeakMinWindow is the minimum time window for leak detection.
	DefaultLeakMinWindow = 10 * time.Minute
	// DefaultLeakMinConfidence is the minimum R² of a reported leak.
	DefaultLeakMinConfidence = 0.7
)

// Threshold is the set of alert thresholds for a single metric. A value at
// or above a threshold raises an alert of the corresponding severity. An
// active alert resolves once the value drops below Warning × (1 - Hysteresis).
type Threshold struct {
	Warning    float64 `json:"warning"`
	Critical   float64 `json:"critical"`
	Emergency  float64 `json:"emergency"`
	Hysteresis float64 `json:"hysteresis,omitempty"`
}

// Validate checks the threshold for errors.
func (t Threshold) Validate() error {
	if !(0 < t.Warning && t.Warning <= t.Critical && t.Critical <= t.Emergency) {
		return fmt.Errorf("%w: thresholds %g/%g/%g not increasing",
			ErrInvalidConfiguration, t.Warning, t.Critical, t.Emergency)
	}
	if t.Hysteresis < 0 || t.Hysteresis >= 1 {
		return fmt.Errorf("%w: hysteresis %g not in [0, 1)", ErrInvalidConfiguration, t.Hysteresis)
	}
	return nil
}

// Severity returns the severity of a value.
func (t Threshold) Severity(value float64) events.PressureLevel {
	switch {
	case value >= t.Emergency:
		return events.PressureEmergency
	case value >= t.Critical:
		return events.PressureCritical
	case value >= t.Warning:
		return events.PressureWarning
	}
	return events.PressureNone
}

// Limit returns the threshold for a severity.
func (t Threshold) Limit(severity events.PressureLevel) float64 {
	switch severity {
	case events.PressureWarning:
		return t.Warning
	case events.PressureCritical:
		return t.Critical
	case events.PressureEmergency:
		return t.Emergency
	}
	return 0
}

// Resolves returns true if the value is low enough to resolve an alert.
func (t Threshold) Resolves(value float64) bool {
	return value < t.Warning*(1-t.Hysteresis)
}

// Config is the configuration of a Monitor.
type Config struct {
	// SampleInterval is the interval of metric sampling.
	SampleInterval time.Duration `json:"sampleInterval,omitempty"`
	// AlertInterval is the interval of alert checks.
	AlertInterval time.Duration `json:"alertInterval,omitempty"`
	// LeakInterval is the interval of leak checks.
	LeakInterval time.Duration `json:"leakInterval,omitempty"`
	// HistorySize is the number of samples kept.
	HistorySize int `json:"historySize,omitempty"`
	// MaxAlerts is the number of alerts kept, resolved ones are dropped first.
	MaxAlerts int `json:"maxAlerts,omitempty"`
	// Thresholds are the alert thresholds per metric.
	Thresholds map[string]Threshold `json:"thresholds,omitempty"`
	// LeakMetrics are the metrics checked for leaks.
	LeakMetrics []string `json:"leakMetrics,omitempty"`
	// LeakMinSamples is the minimum number of samples for leak detection.
	LeakMinSamples int `json:"leakMinSamples,omitempty"`
	// LeakMaxSamples is the number of latest samples used for leak detection.
	LeakMaxSamples int `json:"leakMaxSamples,omitempty"`
	// LeakMinWindow is the minimum time window covered by the samples.
	LeakMinWindow time.Duration `json:"leakMinWindow,omitempty"`
	// LeakMinConfidence is the minimum R² of a reported leak.
	LeakMinConfidence float64 `json:"leakMinConfidence,omitempty"`
}

// DefaultThresholds returns the default alert thresholds.
func DefaultThresholds() map[string]Threshold {
	return map[string]Threshold{
		MetricPoolUsage: {
			Warning:    0.65,
			Critical:   0.80,
			Emergency:  0.90,
			Hysteresis: DefaultHysteresis,
		},
		MetricHostUsage: {
			Warning:    0.80,
			Critical:   0.90,
			Emergency:  0.95,
			Hysteresis: DefaultHysteresis,
		},
		MetricPoolFragmentation: {
			Warning:    0.30,
			Critical:   0.50,
			Emergency:  0.75,
			Hysteresis: DefaultHysteresis,
		},
		MetricGCCPUFraction: {
			Warning:    0.10,
			Critical:   0.25,
			Emergency:  0.50,
			Hysteresis: DefaultHysteresis,
		},
	}
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		SampleInterval:    DefaultSampleInterval,
		AlertInterval:     DefaultAlertInterval,
		LeakInterval:      DefaultLeakInterval,
		HistorySize:       DefaultHistorySize,
		MaxAlerts:         DefaultMaxAlerts,
		Thresholds:        DefaultThresholds(),
		LeakMetrics:       []string{MetricHeapAlloc},
		LeakMinSamples:    DefaultLeakMinSamples,
		LeakMaxSamples:    DefaultLeakMaxSamples,
		LeakMinWindow:     DefaultLeakMinWindow,
		LeakMinConfidence: DefaultLeakMinConfidence,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.SampleInterval == 0 {
		c.SampleInterval = def.SampleInterval
	}
	if c.AlertInterval == 0 {
		c.AlertInterval = def.AlertInterval
	}
	if c.LeakInterval == 0 {
		c.LeakInterval = def.LeakInterval
	}
	if c.HistorySize == 0 {
		c.HistorySize = def.HistorySize
	}
	if c.MaxAlerts == 0 {
		c.MaxAlerts = def.MaxAlerts
	}
	if c.Thresholds == nil {
		c.Thresholds = def.Thresholds
	}
	if c.LeakMetrics == nil {
		c.LeakMetrics = def.LeakMetrics
	}
	if c.LeakMinSamples == 0 {
		c.LeakMinSamples = def.LeakMinSamples
	}
	if c.LeakMaxSamples == 0 {
		c.LeakMaxSamples = def.LeakMaxSamples
	}
	if c.LeakMinWindow == 0 {
		c.LeakMinWindow = def.LeakMinWindow
	}
	if c.LeakMinConfidence == 0 {
		c.LeakMinConfidence = def.LeakMinConfidence
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	for metric, t := range c.Thresholds {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w (metric %s)", err, metric)
		}
	}
	if c.HistorySize < 0 || c.MaxAlerts < 0 {
		return fmt.Errorf("%w: negative history size or alert limit", ErrInvalidConfiguration)
	}
	if c.LeakMinSamples < 3 {
		return fmt.Errorf("%w: leak detection needs at least 3 samples, got %d",
			ErrInvalidConfiguration, c.LeakMinSamples)
	}
	if c.LeakMaxSamples < c.LeakMinSamples {
		return fmt.Errorf("%w: leak sample limit %d below minimum %d",
			ErrInvalidConfiguration, c.LeakMaxSamples, c.LeakMinSamples)
	}
	if c.HistorySize > 0 && c.HistorySize < c.LeakMinSamples {
		return fmt.Errorf("%w: history size %d below leak sample minimum %d",
			ErrInvalidConfiguration, c.HistorySize, c.LeakMinSamples)
	}
	if c.LeakMinConfidence < 0 || c.LeakMinConfidence > 1 {
		return fmt.Errorf("%w: leak confidence %g not in [0, 1]",
			ErrInvalidConfiguration, c.LeakMinConfidence)
	}
	return nil
}
