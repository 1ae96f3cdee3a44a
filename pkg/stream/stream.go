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

package stream

import (
	"fmt"
	"sort"
	"time"

	"github.com/containers/memgov/pkg/events"
)

// Kind is the kind of a stream.
type Kind string

const (
	// KindReader is the kind of streams created by NewReader.
	KindReader Kind = "reader"
	// KindWriter is the kind of streams created by NewWriter.
	KindWriter Kind = "writer"
	// KindTransform is the kind of streams created by NewTransform.
	KindTransform Kind = "transform"
)

// StreamStats describes the state of a stream.
type StreamStats struct {
	ID                 string    `json:"id"`
	Kind               Kind      `json:"kind"`
	Class              string    `json:"class"`
	HighWaterMark      int64     `json:"highWaterMark"`
	BackpressureRatio  float64   `json:"backpressureRatio"`
	ChunkSize          int       `json:"chunkSize"`
	Parallel           bool      `json:"parallel,omitempty"`
	Concurrency        int       `json:"concurrency,omitempty"`
	BytesIn            int64     `json:"bytesIn"`
	BytesOut           int64     `json:"bytesOut"`
	Chunks             int64     `json:"chunks"`
	Dropped            int64     `json:"dropped"`
	Errors             int64     `json:"errors"`
	Pending            int64     `json:"pending"`
	PeakPending        int64     `json:"peakPending"`
	Backpressure       int64     `json:"backpressure"`
	FingerprintHits    int64     `json:"fingerprintHits"`
	FingerprintMisses  int64     `json:"fingerprintMisses"`
	CompressedChunks   int64     `json:"compressedChunks"`
	CompressionSavings int64     `json:"compressionSavings"`
	Started            time.Time `json:"started"`
	Throughput         float64   `json:"throughput"`
}

// stream is the bookkeeping of a single open stream.
type stream struct {
	cfg      streamConfig
	kind     Kind
	class    string
	signaled bool
	stats    StreamStats
}

func (s *stream) limit() float64 {
	return s.cfg.ratio * float64(s.cfg.hwm)
}

func (m *Manager) streamDefaults() streamConfig {
	return streamConfig{
		hwm:         m.cfg.HighWaterMark,
		ratio:       m.cfg.BackpressureRatio,
		chunkSize:   m.cfg.ChunkSize,
		concurrency: m.cfg.Concurrency,
		fingerprint: m.fingerprints != nil,
	}
}

func (m *Manager) openStream(kind Kind, options []StreamOption) (*stream, error) {
	cfg := m.streamDefaults()
	for _, o := range options {
		o(&cfg)
	}

	switch {
	case cfg.hwm <= 0:
		return nil, fmt.Errorf("%w: invalid high-water mark %d", ErrInvalidConfiguration, cfg.hwm)
	case cfg.ratio <= 0 || cfg.ratio > 1:
		return nil, fmt.Errorf("%w: backpressure ratio %.2f not in (0, 1]",
			ErrInvalidConfiguration, cfg.ratio)
	case cfg.chunkSize <= 0:
		return nil, fmt.Errorf("%w: invalid chunk size %d", ErrInvalidConfiguration, cfg.chunkSize)
	}
	if !cfg.parallel || cfg.concurrency <= 0 {
		cfg.concurrency = 1
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	c := m.classFor(cfg.chunkSize)
	if c == nil {
		return nil, fmt.Errorf("%w: chunk size %s", ErrNoBufferClass, prettySize(int64(cfg.chunkSize)))
	}

	if cfg.id == "" {
		m.streamIDs[kind]++
		cfg.id = fmt.Sprintf("%s-%d", kind, m.streamIDs[kind])
	}
	if _, ok := m.streams[cfg.id]; ok {
		return nil, fmt.Errorf("%w: stream %q already exists", ErrInvalidConfiguration, cfg.id)
	}
	if !cfg.fingerprint || m.fingerprints == nil || kind != KindTransform {
		cfg.fingerprint = false
	}

	s := &stream{
		cfg:   cfg,
		kind:  kind,
		class: c.name,
		stats: StreamStats{
			ID:      cfg.id,
			Kind:    kind,
			Class:   c.name,
			Started: m.now(),
		},
	}
	m.streams[cfg.id] = s

	log.Debug("opened %s stream %s (chunk %s, class %s, hwm %s)", kind, cfg.id,
		prettySize(int64(cfg.chunkSize)), c.name, prettySize(cfg.hwm))

	return s, nil
}

func (m *Manager) closeStream(s *stream) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.streams[s.cfg.id] != s {
		return
	}
	delete(m.streams, s.cfg.id)

	log.Debug("closed %s stream %s (%d bytes in, %d bytes out, %d chunks)",
		s.kind, s.cfg.id, s.stats.BytesIn, s.stats.BytesOut, s.stats.Chunks)
}

// update runs fn on the stream and adjusts the pending bytes by delta,
// publishing a backpressure event when the pending bytes cross the limit.
// The event is edge triggered: it fires again only after pending bytes
// have dropped back to the limit.
func (m *Manager) update(s *stream, delta int64, fn func(*StreamStats)) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if fn != nil {
		fn(&s.stats)
	}

	s.stats.Pending += delta
	if s.stats.Pending < 0 {
		s.stats.Pending = 0
	}
	s.stats.PeakPending = max(s.stats.PeakPending, s.stats.Pending)

	m.checkBackpressure(s)
}

func (m *Manager) checkBackpressure(s *stream) {
	if float64(s.stats.Pending) <= s.limit() {
		s.signaled = false
		return
	}
	if s.signaled {
		return
	}

	s.signaled = true
	s.stats.Backpressure++

	log.Debug("stream %s: backpressure, %d bytes pending (hwm %d, ratio %.2f)",
		s.cfg.id, s.stats.Pending, s.cfg.hwm, s.cfg.ratio)

	m.bus.Publish(events.StreamBackpressure, "stream", &events.Backpressure{
		Stream:        s.cfg.id,
		Pending:       s.stats.Pending,
		HighWaterMark: s.cfg.hwm,
		Ratio:         s.cfg.ratio,
	})
}

// ConfigureStream updates the high-water mark and backpressure ratio of an
// open stream.
func (m *Manager) ConfigureStream(id string, hwm int64, ratio float64) error {
	if hwm <= 0 {
		return fmt.Errorf("%w: invalid high-water mark %d", ErrInvalidConfiguration, hwm)
	}
	if ratio <= 0 || ratio > 1 {
		return fmt.Errorf("%w: backpressure ratio %.2f not in (0, 1]", ErrInvalidConfiguration, ratio)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrStreamNotFound, id)
	}

	log.Info("stream %s: high-water mark %s -> %s, backpressure ratio %.2f -> %.2f",
		id, prettySize(s.cfg.hwm), prettySize(hwm), s.cfg.ratio, ratio)

	s.cfg.hwm = hwm
	s.cfg.ratio = ratio
	if float64(s.stats.Pending) <= s.limit() {
		s.signaled = false
	}

	return nil
}

// StreamStats returns the state of all open streams, ordered by id.
func (m *Manager) StreamStats() []StreamStats {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	stats := make([]StreamStats, 0, len(m.streams))
	for _, s := range m.streams {
		stats = append(stats, s.snapshot(now))
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].ID < stats[j].ID
	})

	return stats
}

// Stream returns the state of the stream with the given id.
func (m *Manager) Stream(id string) (StreamStats, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return StreamStats{}, false
	}
	return s.snapshot(m.now()), true
}

func (s *stream) snapshot(now time.Time) StreamStats {
	st := s.stats
	st.HighWaterMark = s.cfg.hwm
	st.BackpressureRatio = s.cfg.ratio
	st.ChunkSize = s.cfg.chunkSize
	st.Parallel = s.cfg.parallel
	st.Concurrency = s.cfg.concurrency
	if elapsed := now.Sub(s.stats.Started).Seconds(); elapsed > 0 {
		st.Throughput = float64(s.stats.BytesOut) / elapsed
	}
	return st
}
