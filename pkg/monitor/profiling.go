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

// Profile is the summary of a profiling session.
type Profile struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Started          time.Time `json:"started"`
	Stopped          time.Time `json:"stopped,omitempty"`
	Active           bool      `json:"active"`
	Samples          int       `json:"samples"`
	PeakMemory       float64   `json:"peakMemory"`
	AverageMemory    float64   `json:"averageMemory"`
	Allocations      int64     `json:"allocations"`
	Deallocations    int64     `json:"deallocations"`
	AllocatedBytes   int64     `json:"allocatedBytes"`
	DeallocatedBytes int64     `json:"deallocatedBytes"`
	AllocationRate   float64   `json:"allocationRate"`
	DeallocationRate float64   `json:"deallocationRate"`
	// FragmentationTrend is the change of pool fragmentation per minute.
	FragmentationTrend float64 `json:"fragmentationTrend"`
}

type session struct {
	Profile
	memorySum     float64
	fragmentation []Point
}

func (s *session) addSample(sample *Sample) {
	s.Samples++
	if v, ok := sample.Metrics[MetricHeapAlloc]; ok {
		s.memorySum += v
		s.PeakMemory = max(s.PeakMemory, v)
	}
	if v, ok := sample.Metrics[MetricPoolFragmentation]; ok {
		s.fragmentation = append(s.fragmentation, Point{Time: sample.Time, Value: v})
	}
}

func (s *session) addEvent(e *events.Event) {
	a, ok := e.Payload.(*events.Allocation)
	if !ok {
		return
	}
	switch e.Kind {
	case events.PoolAllocated:
		s.Allocations++
		s.AllocatedBytes += a.Size
	case events.PoolDeallocated:
		s.Deallocations++
		s.DeallocatedBytes += a.Size
	}
}

func (s *session) summary(now time.Time) Profile {
	p := s.Profile
	end := now
	if !p.Active {
		end = p.Stopped
	}
	if p.Samples > 0 {
		p.AverageMemory = s.memorySum / float64(p.Samples)
	}
	if elapsed := end.Sub(p.Started).Seconds(); elapsed > 0 {
		p.AllocationRate = float64(p.Allocations) / elapsed
		p.DeallocationRate = float64(p.Deallocations) / elapsed
	}
	if len(s.fragmentation) >= 2 {
		x := make([]float64, len(s.fragmentation))
		y := make([]float64, len(s.fragmentation))
		for i, pt := range s.fragmentation {
			x[i] = pt.Time.Sub(s.fragmentation[0].Time).Minutes()
			y[i] = pt.Value
		}
		p.FragmentationTrend, _, _ = linearRegression(x, y)
	}
	return p
}

// StartProfiling starts a profiling session which collects samples and
// allocation events until stopped. It returns the id of the session.
func (m *Monitor) StartProfiling(name string) string {
	m.lock.Lock()
	defer m.lock.Unlock()

	s := &session{
		Profile: Profile{
			ID:      m.newID(),
			Name:    name,
			Started: m.now(),
			Active:  true,
		},
	}
	m.sessions[s.ID] = s

	log.Info("started profiling session %s (%s)", s.ID, name)

	return s.ID
}

// StopProfiling stops a profiling session and returns its summary.
// Stopping a stopped session returns the same summary again.
func (m *Monitor) StopProfiling(id string) (Profile, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrProfileNotFound, id)
	}

	if s.Active {
		s.Active = false
		s.Stopped = m.now()
		log.Info("stopped profiling session %s (%s): %d samples, %d allocations",
			s.ID, s.Name, s.Samples, s.Allocations)
	}

	return s.summary(s.Stopped), nil
}

// Profiles returns the summaries of all profiling sessions.
func (m *Monitor) Profiles() []Profile {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	profiles := make([]Profile, 0, len(m.sessions))
	for _, id := range sortedKeys(m.sessions) {
		profiles = append(profiles, m.sessions[id].summary(now))
	}
	return profiles
}

func (m *Monitor) handleEvent(e *events.Event) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.counters[e.Kind]++
	for _, s := range m.sessions {
		if s.Active {
			s.addEvent(e)
		}
	}
}
