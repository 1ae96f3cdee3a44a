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
	"sort"
	"time"

	"github.com/containers/memgov/pkg/events"
)

// Alert is a threshold violation of a single metric.
type Alert struct {
	ID             string               `json:"id"`
	Metric         string               `json:"metric"`
	Severity       events.PressureLevel `json:"severity"`
	Value          float64              `json:"value"`
	Threshold      float64              `json:"threshold"`
	Message        string               `json:"message"`
	Raised         time.Time            `json:"raised"`
	Updated        time.Time            `json:"updated"`
	Occurrences    int                  `json:"occurrences"`
	Acknowledged   bool                 `json:"acknowledged,omitempty"`
	AcknowledgedAt time.Time            `json:"acknowledgedAt,omitempty"`
	Resolved       bool                 `json:"resolved,omitempty"`
	ResolvedAt     time.Time            `json:"resolvedAt,omitempty"`
}

// Active returns true if the alert has not been resolved.
func (a *Alert) Active() bool {
	return !a.Resolved
}

// String returns a string representation of the alert.
func (a *Alert) String() string {
	return fmt.Sprintf("%s alert %s: %s", a.Severity, a.ID, a.Message)
}

func (a *Alert) payload() *events.Alert {
	return &events.Alert{
		ID:        a.ID,
		Metric:    a.Metric,
		Severity:  a.Severity,
		Value:     a.Value,
		Threshold: a.Threshold,
	}
}

// CheckAlerts compares the latest sample against the thresholds and returns
// the newly raised alerts. An active alert of equal or higher severity for
// the same metric suppresses new ones. Active alerts resolve once the value
// drops below the hysteresis band of the warning threshold.
func (m *Monitor) CheckAlerts() []Alert {
	m.lock.Lock()
	defer m.lock.Unlock()

	if len(m.history) == 0 {
		return nil
	}

	var (
		latest = m.history[len(m.history)-1]
		now    = m.now()
		raised []Alert
	)

	for _, metric := range sortedKeys(m.cfg.Thresholds) {
		value, ok := latest.Metrics[metric]
		if !ok {
			continue
		}
		if a := m.checkMetric(metric, value, now); a != nil {
			raised = append(raised, *a)
		}
	}

	m.trimAlerts()

	return raised
}

func (m *Monitor) checkMetric(metric string, value float64, now time.Time) *Alert {
	var (
		t        = m.cfg.Thresholds[metric]
		severity = t.Severity(value)
		active   = m.active[metric]
	)

	if active != nil {
		if severity <= active.Severity && severity != events.PressureNone && !active.Acknowledged {
			active.Value = value
			active.Updated = now
			active.Occurrences++
			return nil
		}
		if severity == events.PressureNone {
			if t.Resolves(value) {
				active.Value = value
				m.resolve(active, now, "dropped below %g", t.Warning*(1-t.Hysteresis))
			}
			return nil
		}
		m.resolve(active, now, "superseded by %s", severity)
	}

	if severity == events.PressureNone {
		return nil
	}

	a := &Alert{
		ID:          m.newID(),
		Metric:      metric,
		Severity:    severity,
		Value:       value,
		Threshold:   t.Limit(severity),
		Raised:      now,
		Updated:     now,
		Occurrences: 1,
	}
	a.Message = fmt.Sprintf("%s %g reached %s threshold %g", metric, value, severity, a.Threshold)

	m.alerts[a.ID] = a
	m.alertOrder = append(m.alertOrder, a.ID)
	m.active[metric] = a

	log.Warn("%s", a)
	m.bus.Publish(events.AlertRaised, "monitor", a.payload())
	m.store("alert", func(s Sink) error { return s.StoreAlert(*a) })

	return a
}

func (m *Monitor) resolve(a *Alert, now time.Time, format string, args ...interface{}) {
	a.Resolved = true
	a.ResolvedAt = now
	a.Updated = now
	if m.active[a.Metric] == a {
		delete(m.active, a.Metric)
	}

	log.Info("resolved %s alert %s (%s): %s", a.Severity, a.ID, a.Metric, fmt.Sprintf(format, args...))
	m.bus.Publish(events.AlertResolved, "monitor", a.payload())
	m.store("alert", func(s Sink) error { return s.StoreAlert(*a) })
}

// trimAlerts drops the oldest resolved alerts above the alert limit.
func (m *Monitor) trimAlerts() {
	excess := len(m.alertOrder) - m.cfg.MaxAlerts
	if excess <= 0 {
		return
	}

	kept := m.alertOrder[:0]
	for _, id := range m.alertOrder {
		if excess > 0 && m.alerts[id].Resolved {
			delete(m.alerts, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.alertOrder = kept
}

// Alerts returns alerts in the order they were raised, optionally only the
// active ones.
func (m *Monitor) Alerts(activeOnly bool) []Alert {
	m.lock.Lock()
	defer m.lock.Unlock()

	alerts := make([]Alert, 0, len(m.alertOrder))
	for _, id := range m.alertOrder {
		a := m.alerts[id]
		if activeOnly && !a.Active() {
			continue
		}
		alerts = append(alerts, *a)
	}
	return alerts
}

// AcknowledgeAlert marks an alert acknowledged. It returns false for
// unknown alerts.
func (m *Monitor) AcknowledgeAlert(id string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return false
	}
	if !a.Acknowledged {
		a.Acknowledged = true
		a.AcknowledgedAt = m.now()
		log.Info("acknowledged alert %s (%s)", a.ID, a.Metric)
		m.store("alert", func(s Sink) error { return s.StoreAlert(*a) })
	}
	return true
}

// ResolveAlert resolves an alert. It returns false for unknown alerts.
// Resolving an already resolved alert is a no-op.
func (m *Monitor) ResolveAlert(id string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return false
	}
	if !a.Resolved {
		m.resolve(a, m.now(), "resolved manually")
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
