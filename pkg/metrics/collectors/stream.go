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

	"github.com/containers/memgov/pkg/stream"
)

var (
	classOwned     = desc("buffers", "Buffers owned by the class.", "class")
	classInUse     = desc("buffers_in_use", "Buffers of the class currently acquired.", "class")
	classAcquired  = desc("buffer_acquisitions_total", "Buffer acquisitions from the class.", "class")
	classMisses    = desc("buffer_misses_total", "Acquisitions finding no available buffer.", "class")
	streamsActive  = desc("active", "Open streams.", "kind")
	streamsPending = desc("pending_bytes", "Bytes pending in open streams.", "kind")
	streamsBytes   = desc("throughput_bytes_per_second", "Aggregate throughput of open streams.", "kind")
	fingerprints   = desc("fingerprints", "Tracked chunk fingerprints.")
)

// StreamCollector collects the state of buffer classes and open streams.
type StreamCollector struct {
	m *stream.Manager
}

// NewStreamCollector returns a collector for the given stream manager.
func NewStreamCollector(m *stream.Manager) *StreamCollector {
	return &StreamCollector{m: m}
}

// Describe implements prometheus.Collector.
func (c *StreamCollector) Describe(ch chan<- *prometheus.Desc) {
	describe(ch, classOwned, classInUse, classAcquired, classMisses,
		streamsActive, streamsPending, streamsBytes, fingerprints)
}

// Collect implements prometheus.Collector.
func (c *StreamCollector) Collect(ch chan<- prometheus.Metric) {
	for _, cs := range c.m.ClassStats() {
		gauge(ch, classOwned, float64(cs.Owned), cs.Name)
		gauge(ch, classInUse, float64(cs.InUse), cs.Name)
		counter(ch, classAcquired, float64(cs.Acquired), cs.Name)
		counter(ch, classMisses, float64(cs.Misses), cs.Name)
	}

	type totals struct {
		active     int
		pending    int64
		throughput float64
	}
	byKind := map[stream.Kind]*totals{}
	for _, s := range c.m.StreamStats() {
		t, ok := byKind[s.Kind]
		if !ok {
			t = &totals{}
			byKind[s.Kind] = t
		}
		t.active++
		t.pending += s.Pending
		t.throughput += s.Throughput
	}
	for kind, t := range byKind {
		gauge(ch, streamsActive, float64(t.active), string(kind))
		gauge(ch, streamsPending, float64(t.pending), string(kind))
		gauge(ch, streamsBytes, t.throughput, string(kind))
	}

	gauge(ch, fingerprints, float64(c.m.Fingerprints()))
}
