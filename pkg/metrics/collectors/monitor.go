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

package collectors

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/memgov/pkg/events"
	"github.com/containers/memgov/pkg/monitor"
)

var (
	monitorAlerts   = desc("alerts_active", "Unresolved alerts.", "severity")
	monitorLeaks    = desc("leaks", "Suspected leaks.")
	monitorFailures = desc("sink_failures_total", "Failed sampling or storage operations.")
	monitorEvents   = desc("events_total", "Events seen on the bus.", "kind")
)

// MonitorCollector collects the state of a monitor.
type MonitorCollector struct {
	m *monitor.Monitor
}

// NewMonitorCollector returns a collector for the given monitor.
func NewMonitorCollector(m *monitor.Monitor) *MonitorCollector {
	return &MonitorCollector{m: m}
}

// Describe implements prometheus.Collector.
func (c *MonitorCollector) Describe(ch chan<- *prometheus.Desc) {
	describe(ch, monitorAlerts, monitorLeaks, monitorFailures, monitorEvents)
}

// Collect implements prometheus.Collector.
func (c *MonitorCollector) Collect(ch chan<- prometheus.Metric) {
	active := map[events.PressureLevel]int{}
	for _, a := range c.m.Alerts(true) {
		active[a.Severity]++
	}
	for _, level := range []events.PressureLevel{events.PressureWarning, events.PressureCritical, events.PressureEmergency} {
		gauge(ch, monitorAlerts, float64(active[level]), level.String())
	}

	gauge(ch, monitorLeaks, float64(len(c.m.Leaks())))
	counter(ch, monitorFailures, float64(c.m.Failures()))

	for _, kind := range events.Kinds() {
		counter(ch, monitorEvents, float64(c.m.EventCount(kind)), kind.String())
	}
}
