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

// Package monitor samples memory metrics into a bounded history, raises
// threshold alerts with hysteresis, detects suspected leaks by linear
// regression and runs profiling sessions.
//
// Sampling, alert checks and leak checks run on independent periodic tasks.
// Failures of these background operations never propagate to a caller, they
// are logged and published as MonitorError events instead.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/containers/memgov/pkg/events"
	logger "github.com/containers/memgov/pkg/log"
	"github.com/containers/memgov/pkg/utils/periodic"
)

var log = logger.Get("monitor")

// Sink persists samples, alerts and leaks.
type Sink interface {
	// StoreSample stores a sample.
	StoreSample(Sample) error
	// StoreAlert stores or updates an alert.
	StoreAlert(Alert) error
	// StoreLeak stores or updates a leak.
	StoreLeak(Leak) error
	// Close closes the sink.
	Close() error
}

// Monitor is the memory monitor.
type Monitor struct {
	lock       sync.Mutex
	cfg        Config
	sources    []Source
	history    []Sample
	alerts     map[string]*Alert
	alertOrder []string
	active     map[string]*Alert
	leaks      map[string]*Leak
	sessions   map[string]*session
	counters   map[events.Kind]int64
	failures   int64
	sink       Sink
	bus        *events.Bus
	sub        *events.Subscription
	now        func() time.Time
	newID      func() string
	tasks      *periodic.Group
}

// Option is an option for a Monitor.
type Option func(*Monitor)

// WithSources adds metric sources to the monitor.
func WithSources(sources ...Source) Option {
	return func(m *Monitor) {
		m.sources = append(m.sources, sources...)
	}
}

// WithSink sets the sink to persist samples, alerts and leaks to.
func WithSink(sink Sink) Option {
	return func(m *Monitor) {
		m.sink = sink
	}
}

// WithEventBus sets the bus to publish monitor events to. The monitor also
// subscribes to allocation events for profiling.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Monitor) {
		m.bus = bus
	}
}

// WithClock sets the clock used by the monitor.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithIDGenerator sets the function used to generate alert, leak and
// profiling session ids.
func WithIDGenerator(fn func() string) Option {
	return func(m *Monitor) {
		m.newID = fn
	}
}

// New creates a new monitor.
func New(cfg Config, options ...Option) (*Monitor, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:      cfg,
		alerts:   make(map[string]*Alert),
		active:   make(map[string]*Alert),
		leaks:    make(map[string]*Leak),
		sessions: make(map[string]*session),
		counters: make(map[events.Kind]int64),
		now:      time.Now,
		newID:    uuid.NewString,
		tasks:    &periodic.Group{},
	}

	for _, o := range options {
		o(m)
	}

	if m.bus != nil {
		m.sub = m.bus.Subscribe("monitor", m.handleEvent,
			events.PoolAllocated, events.PoolDeallocated)
	}

	m.tasks.Add(
		periodic.New("monitor-sampling", cfg.SampleInterval, func(ctx context.Context) {
			if _, err := m.Sample(ctx); err != nil {
				m.fail("sampling", err)
			}
		}),
		periodic.New("monitor-alerts", cfg.AlertInterval, func(context.Context) {
			m.CheckAlerts()
		}),
		periodic.New("monitor-leaks", cfg.LeakInterval, func(context.Context) {
			m.DetectLeaks()
		}),
	)

	log.Info("created monitor with %d sources, sampling every %s", len(m.sources), cfg.SampleInterval)

	return m, nil
}

// Sample collects metrics from all sources and records them as a single
// sample. Sources which fail are skipped, their errors are returned joined.
func (m *Monitor) Sample(ctx context.Context) (Sample, error) {
	s := Sample{
		Time:    m.now(),
		Metrics: make(map[string]float64),
	}

	var errs []error
	for _, src := range m.sources {
		values, err := src.Collect(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name(), err))
			continue
		}
		for k, v := range values {
			s.Metrics[k] = v
		}
	}

	m.Record(s)

	return s.clone(), errors.Join(errs...)
}

// Record adds an externally collected sample to the history.
func (m *Monitor) Record(s Sample) {
	s = s.clone()
	if s.Time.IsZero() {
		s.Time = m.now()
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.history = append(m.history, s)
	if excess := len(m.history) - m.cfg.HistorySize; excess > 0 {
		clear(m.history[:excess])
		m.history = m.history[excess:]
	}

	for _, ses := range m.sessions {
		if ses.Active {
			ses.addSample(&s)
		}
	}

	m.store("sample", func(sink Sink) error { return sink.StoreSample(s) })
}

// Metrics returns the latest at most limit samples, oldest first. A
// non-positive limit returns the whole history.
func (m *Monitor) Metrics(limit int) []Sample {
	m.lock.Lock()
	defer m.lock.Unlock()

	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}

	samples := make([]Sample, 0, len(m.history)-start)
	for i := start; i < len(m.history); i++ {
		samples = append(samples, m.history[i].clone())
	}
	return samples
}

// Latest returns the latest sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1].clone(), true
}

// EventCount returns the number of events of the given kind seen.
func (m *Monitor) EventCount(kind events.Kind) int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.counters[kind]
}

// Failures returns the number of failed background operations.
func (m *Monitor) Failures() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.failures
}

// store runs a sink operation, reporting failures as monitor errors.
// The caller must hold the lock.
func (m *Monitor) store(what string, fn func(Sink) error) {
	if m.sink == nil {
		return
	}
	if err := fn(m.sink); err != nil {
		m.failures++
		log.Error("failed to store %s: %v", what, err)
		m.bus.Publish(events.MonitorError, "monitor", &events.Failure{
			Component: "monitor",
			Operation: "store " + what,
			Err:       err,
		})
	}
}

func (m *Monitor) fail(operation string, err error) {
	m.lock.Lock()
	m.failures++
	m.lock.Unlock()

	log.Error("%s failed: %v", operation, err)
	m.bus.Publish(events.MonitorError, "monitor", &events.Failure{
		Component: "monitor",
		Operation: operation,
		Err:       err,
	})
}

// Start starts the periodic sampling, alert and leak checks.
func (m *Monitor) Start(ctx context.Context) {
	m.tasks.Start(ctx)
}

// Stop stops all periodic tasks.
func (m *Monitor) Stop() {
	m.tasks.Stop()
}

// Tasks returns the periodic tasks of the monitor.
func (m *Monitor) Tasks() []*periodic.Task {
	return m.tasks.Tasks()
}

// Close stops the monitor, unsubscribes from events and closes the sink.
func (m *Monitor) Close() error {
	m.Stop()
	if m.sub != nil {
		m.sub.Unsubscribe()
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.sink == nil {
		return nil
	}
	err := m.sink.Close()
	m.sink = nil
	return err
}
