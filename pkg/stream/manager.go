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
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/containers/memgov/pkg/compress"
	"github.com/containers/memgov/pkg/events"
	logger "github.com/containers/memgov/pkg/log"
)

var log = logger.Get("stream")

// Manager owns the buffer classes and tracks the streams built on them.
type Manager struct {
	lock         sync.Mutex
	cfg          Config
	classes      []*BufferClass
	byName       map[string]*BufferClass
	streams      map[string]*stream
	lastID       uint64
	streamIDs    map[Kind]int
	released     chan struct{}
	fingerprints *fingerprints
	codec        compress.Codec
	bus          *events.Bus
	now          func() time.Time
	closed       bool
}

// Option is an option for a Manager.
type Option func(*Manager)

// WithEventBus sets the bus to publish buffer and stream events to.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithClock sets the clock used by the manager.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a buffer manager, pre-allocating all configured classes.
func NewManager(cfg Config, options ...Option) (*Manager, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	codec, err := compress.Get(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	m := &Manager{
		cfg:       cfg,
		byName:    make(map[string]*BufferClass),
		streams:   make(map[string]*stream),
		streamIDs: make(map[Kind]int),
		released:  make(chan struct{}),
		codec:     codec,
		now:       time.Now,
	}

	for _, o := range options {
		o(m)
	}

	if cfg.FingerprintCacheSize > 0 {
		m.fingerprints, err = newFingerprints(cfg.FingerprintCacheSize, cfg.FingerprintTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: fingerprint cache: %w", ErrInvalidConfiguration, err)
		}
	}

	for _, cc := range cfg.Classes {
		c := newBufferClass(cc.Name, cc.Size)
		c.resize(cc.Count, m.nextID)
		m.classes = append(m.classes, c)
		m.byName[c.name] = c
	}
	m.sortClasses()

	for _, c := range m.classes {
		log.Info("buffer class %s: %d x %s", c.name, c.target, prettySize(int64(c.size)))
	}

	return m, nil
}

func (m *Manager) nextID() uint64 {
	m.lastID++
	return m.lastID
}

func (m *Manager) sortClasses() {
	sort.SliceStable(m.classes, func(i, j int) bool {
		return m.classes[i].size < m.classes[j].size
	})
}

// classFor returns the smallest class able to hold size bytes.
func (m *Manager) classFor(size int) *BufferClass {
	for _, c := range m.classes {
		if c.size >= size {
			return c
		}
	}
	return nil
}

// ClassFor returns the name of the class serving requests of the given size.
func (m *Manager) ClassFor(size int) (string, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if c := m.classFor(size); c != nil {
		return c.name, true
	}
	return "", false
}

// Acquire returns a free buffer of the smallest class able to hold minSize
// bytes. If that class has no free buffer, or no class is large enough, it
// returns nil. This is backpressure and not an error: the caller should
// retry later, or use AcquireWait.
func (m *Manager) Acquire(minSize int) *Buffer {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.acquire(minSize, true)
}

func (m *Manager) acquire(minSize int, notify bool) *Buffer {
	if m.closed {
		return nil
	}

	c := m.classFor(minSize)
	if c == nil {
		if notify {
			log.Warn("no buffer class for %s", prettySize(int64(minSize)))
			m.bus.Publish(events.BufferExhausted, "stream", &events.BufferShortage{
				MinSize: minSize,
			})
		}
		return nil
	}

	b := c.acquire()
	if b == nil && notify {
		log.Debug("buffer class %s exhausted (%d in use)", c.name, len(c.inUse))
		m.bus.Publish(events.BufferExhausted, "stream", &events.BufferShortage{
			Class:   c.name,
			MinSize: minSize,
		})
	}

	return b
}

// AcquireWait is like Acquire but suspends until a buffer becomes free or
// the context is done.
func (m *Manager) AcquireWait(ctx context.Context, minSize int) (*Buffer, error) {
	notify := true
	for {
		m.lock.Lock()
		if m.closed {
			m.lock.Unlock()
			return nil, ErrClosed
		}
		if m.classFor(minSize) == nil {
			m.lock.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNoBufferClass, prettySize(int64(minSize)))
		}
		b := m.acquire(minSize, notify)
		released := m.released
		m.lock.Unlock()

		if b != nil {
			return b, nil
		}
		notify = false

		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a buffer to its class. Releasing a buffer which is not in
// use, for instance a second time, is a no-op which returns false.
func (m *Manager) Release(b *Buffer) bool {
	if b == nil {
		return false
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	c, ok := m.byName[b.class.name]
	if !ok || c != b.class {
		return false
	}
	if !c.release(b) {
		log.Debug("ignoring release of %s, not in use", b)
		return false
	}

	m.wakeup()
	return true
}

func (m *Manager) wakeup() {
	close(m.released)
	m.released = make(chan struct{})
}

// ResizeClass sets the number of buffers in a class. Buffers in use are
// never dropped, a shrunk class reaches its new size as they get released.
func (m *Manager) ResizeClass(name string, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: invalid buffer count %d", ErrInvalidConfiguration, count)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	c, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrClassNotFound, name)
	}

	old := c.target
	added, dropped := c.resize(count, m.nextID)
	log.Info("resized buffer class %s: %d -> %d (added %d, dropped %d)",
		name, old, count, added, dropped)

	if added > 0 {
		m.wakeup()
	}
	return nil
}

// ClassStats returns the state of all buffer classes, ordered by size.
func (m *Manager) ClassStats() []ClassStats {
	m.lock.Lock()
	defer m.lock.Unlock()

	stats := make([]ClassStats, 0, len(m.classes))
	for _, c := range m.classes {
		stats = append(stats, c.info())
	}
	return stats
}

// Class returns the state of the named buffer class.
func (m *Manager) Class(name string) (ClassStats, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	c, ok := m.byName[name]
	if !ok {
		return ClassStats{}, false
	}
	return c.info(), true
}

// Fingerprints returns the number of cached chunk fingerprints.
func (m *Manager) Fingerprints() int {
	if m.fingerprints == nil {
		return 0
	}
	return m.fingerprints.size()
}

// Validate checks the internal consistency of all buffer classes.
func (m *Manager) Validate() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	var errs []error
	for _, c := range m.classes {
		if err := c.verify(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the manager. Pending AcquireWait calls fail with ErrClosed.
func (m *Manager) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.wakeup()
	if m.fingerprints != nil {
		m.fingerprints.close()
	}

	ids := slices.Sorted(maps.Keys(m.streams))
	log.Info("closed buffer manager with %d open streams %v", len(ids), ids)
}
