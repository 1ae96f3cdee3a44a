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
	"math"
	"time"
)

// AccessPattern is the learned access behavior of a single key.
type AccessPattern struct {
	Key        string        `json:"key"`
	History    []time.Time   `json:"history"`
	Hours      [24]int       `json:"hours"`
	Trend      float64       `json:"trend"` // change of access interval per access, in seconds
	Interval   time.Duration `json:"interval"`
	NextAccess time.Time     `json:"nextAccess,omitempty"`
	Confidence float64       `json:"confidence"`
	LastSeen   time.Time     `json:"lastSeen"`
}

func newAccessPattern(key string) *AccessPattern {
	return &AccessPattern{Key: key}
}

// record adds an access to the pattern and updates the prediction.
func (p *AccessPattern) record(now time.Time, historySize int) {
	p.History = append(p.History, now)
	if over := len(p.History) - historySize; historySize > 0 && over > 0 {
		p.History = append(p.History[:0], p.History[over:]...)
	}
	p.Hours[now.Hour()]++
	p.LastSeen = now
	p.predict()
}

// predict updates the next access prediction. The next interval is the
// regression of past intervals extrapolated one step and scaled by the
// seasonality of the predicted hour. Confidence is 1/(1+cv^2) of the
// intervals.
func (p *AccessPattern) predict() {
	n := len(p.History) - 1
	if n < 1 {
		p.Interval, p.Trend, p.Confidence = 0, 0, 0
		p.NextAccess = time.Time{}
		return
	}

	intervals := make([]float64, n)
	for i := 0; i < n; i++ {
		intervals[i] = p.History[i+1].Sub(p.History[i]).Seconds()
	}

	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(n)

	variance := 0.0
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)

	slope, intercept := 0.0, mean
	if n > 1 {
		slope, intercept, _ = linearRegression(intervals)
	}

	next := intercept + slope*float64(n)
	next = math.Max(next, mean/4)
	next = math.Min(next, mean*4)

	last := p.History[n]
	next *= p.seasonality(last.Add(secondsToDuration(next)))

	p.Trend = slope
	p.Interval = secondsToDuration(mean)
	p.NextAccess = last.Add(secondsToDuration(next))

	switch {
	case n < 2:
		p.Confidence = 0
	case mean == 0:
		p.Confidence = 1
	default:
		cv2 := variance / (mean * mean)
		p.Confidence = 1 / (1 + cv2)
	}
}

// seasonality returns a multiplier for the predicted interval: accesses
// are expected sooner in busy hours and later in quiet ones.
func (p *AccessPattern) seasonality(at time.Time) float64 {
	total, active := 0, 0
	for _, c := range p.Hours {
		total += c
		if c > 0 {
			active++
		}
	}
	if total == 0 {
		return 1
	}
	count := float64(p.Hours[at.Hour()])
	if count == 0 {
		return 2
	}
	avg := float64(total) / float64(active)
	return math.Max(0.5, math.Min(2, avg/count))
}

func (p *AccessPattern) clone() AccessPattern {
	c := *p
	c.History = append([]time.Time(nil), p.History...)
	return c
}

// linearRegression fits y = slope*x + intercept for x = 0..n-1, returning
// the coefficient of determination as well.
func linearRegression(y []float64) (slope, intercept, r2 float64) {
	n := float64(len(y))
	if n < 2 {
		if n == 1 {
			return 0, y[0], 0
		}
		return 0, 0, 0
	}

	var sx, sy, sxx, sxy float64
	for i, v := range y {
		x := float64(i)
		sx += x
		sy += v
		sxx += x * x
		sxy += x * v
	}

	d := n*sxx - sx*sx
	if d == 0 {
		return 0, sy / n, 0
	}
	slope = (n*sxy - sx*sy) / d
	intercept = (sy - slope*sx) / n

	mean := sy / n
	var ssTot, ssRes float64
	for i, v := range y {
		f := slope*float64(i) + intercept
		ssRes += (v - f) * (v - f)
		ssTot += (v - mean) * (v - mean)
	}
	if ssTot == 0 {
		return slope, intercept, 1
	}
	return slope, intercept, 1 - ssRes/ssTot
}

// cosineSimilarity returns the cosine similarity of two histograms.
func cosineSimilarity(a, b [24]int) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
