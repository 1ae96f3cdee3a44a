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
	"math"
	"time"

	"github.com/containers/memgov/pkg/events"
)

// Point is a single metric value in time.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Leak is a suspected memory leak: a metric growing steadily over time.
// Leaks are only reported, never remediated.
type Leak struct {
	ID     string `json:"id"`
	Metric string `json:"metric"`
	// GrowthRate is the growth of the metric per second.
	GrowthRate float64 `json:"growthRate"`
	// GrowthPerInterval is the growth of the metric per sampling interval.
	GrowthPerInterval float64 `json:"growthPerInterval"`
	// TotalGrowth is the growth of the metric over the whole window.
	TotalGrowth float64 `json:"totalGrowth"`
	// Confidence is the R² of the linear fit.
	Confidence float64       `json:"confidence"`
	Samples    int           `json:"samples"`
	Window     time.Duration `json:"window"`
	Timeline   []Point       `json:"timeline"`
	Detected   time.Time     `json:"detected"`
	Updated    time.Time     `json:"updated"`
	Active     bool          `json:"active"`
}

// String returns a string representation of the leak.
func (l *Leak) String() string {
	return fmt.Sprintf("suspected leak %s: %s growing %g/s over %s (R² %.2f)",
		l.ID, l.Metric, l.GrowthRate, l.Window, l.Confidence)
}

// DetectLeaks checks the configured metrics for steady growth and returns
// the leaks found. A metric needs at least the minimum number of samples,
// spanning at least the minimum window, with a positive least-squares slope
// fitting with at least the minimum confidence.
func (m *Monitor) DetectLeaks() []Leak {
	m.lock.Lock()
	defer m.lock.Unlock()

	var (
		now   = m.now()
		found []Leak
	)

	for _, metric := range m.cfg.LeakMetrics {
		l := m.detectLeak(metric, now)
		prev := m.leaks[metric]

		if l == nil {
			if prev != nil && prev.Active {
				prev.Active = false
				prev.Updated = now
				log.Info("%s no longer growing steadily", metric)
			}
			continue
		}

		if prev != nil && prev.Active {
			l.ID = prev.ID
			l.Detected = prev.Detected
		} else {
			l.ID = m.newID()
			log.Warn("%s", l)
			m.bus.Publish(events.LeakDetected, "monitor", &events.Leak{
				ID:         l.ID,
				Metric:     l.Metric,
				GrowthRate: l.GrowthRate,
				Confidence: l.Confidence,
			})
		}

		m.leaks[metric] = l
		found = append(found, *l)
		m.store("leak", func(s Sink) error { return s.StoreLeak(*l) })
	}

	return found
}

func (m *Monitor) detectLeak(metric string, now time.Time) *Leak {
	points := m.timeline(metric, m.cfg.LeakMaxSamples)
	if len(points) < m.cfg.LeakMinSamples {
		return nil
	}

	window := points[len(points)-1].Time.Sub(points[0].Time)
	if window < m.cfg.LeakMinWindow {
		return nil
	}

	x := make([]float64, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Time.Sub(points[0].Time).Seconds()
		y[i] = p.Value
	}

	slope, _, r2 := linearRegression(x, y)
	if slope <= 0 || r2 < m.cfg.LeakMinConfidence {
		return nil
	}

	interval := window.Seconds() / float64(len(points)-1)

	return &Leak{
		Metric:            metric,
		GrowthRate:        slope,
		GrowthPerInterval: slope * interval,
		TotalGrowth:       points[len(points)-1].Value - points[0].Value,
		Confidence:        r2,
		Samples:           len(points),
		Window:            window,
		Timeline:          points,
		Detected:          now,
		Updated:           now,
		Active:            true,
	}
}

// timeline returns the latest at most limit values of a metric.
func (m *Monitor) timeline(metric string, limit int) []Point {
	var points []Point
	for i := len(m.history) - 1; i >= 0 && len(points) < limit; i-- {
		s := &m.history[i]
		if v, ok := s.Metrics[metric]; ok {
			points = append(points, Point{Time: s.Time, Value: v})
		}
	}
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points
}

// Leaks returns all leaks detected so far, including the ones which are
// no longer active.
func (m *Monitor) Leaks() []Leak {
	m.lock.Lock()
	defer m.lock.Unlock()

	leaks := make([]Leak, 0, len(m.leaks))
	for _, metric := range sortedKeys(m.leaks) {
		leaks = append(leaks, *m.leaks[metric])
	}
	return leaks
}

// linearRegression fits y = slope*x + intercept by ordinary least squares
// and returns the coefficient of determination as r2.
func linearRegression(x, y []float64) (slope, intercept, r2 float64) {
	n := float64(len(x))
	if n < 2 {
		return 0, 0, 0
	}

	var sx, sy, sxx, sxy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
		sxx += x[i] * x[i]
		sxy += x[i] * y[i]
	}

	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n, 0
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n

	mean := sy / n
	var ssTot, ssRes float64
	for i := range x {
		d := y[i] - mean
		ssTot += d * d
		r := y[i] - (slope*x[i] + intercept)
		ssRes += r * r
	}
	if ssTot == 0 {
		return slope, intercept, 0
	}

	r2 = math.Max(0, 1-ssRes/ssTot)
	return slope, intercept, r2
}
