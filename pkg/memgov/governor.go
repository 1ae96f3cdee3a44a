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

// Package memgov ties the pool allocator, cache, buffer manager, monitor
// and optimizer together into a single governor sharing one event bus and
// one configuration. A governor is reference counted, the last release
// shuts it down.
package memgov

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfgapi "github.com/containers/memgov/pkg/apis/config/v1alpha1"
	"github.com/containers/memgov/pkg/cache"
	"github.com/containers/memgov/pkg/events"
	"github.com/containers/memgov/pkg/healthz"
	logger "github.com/containers/memgov/pkg/log"
	"github.com/containers/memgov/pkg/metrics"
	"github.com/containers/memgov/pkg/metrics/collectors"
	"github.com/containers/memgov/pkg/monitor"
	"github.com/containers/memgov/pkg/monitor/badgersink"
	"github.com/containers/memgov/pkg/optimizer"
	"github.com/containers/memgov/pkg/pool"
	"github.com/containers/memgov/pkg/stream"
	"github.com/containers/memgov/pkg/utils/periodic"
)

var (
	log = logger.Get("memgov")

	// ErrInvalidConfiguration is returned for unusable configuration.
	ErrInvalidConfiguration = errors.New("memgov: invalid configuration")
	// ErrClosed is returned when acquiring a governor which has been shut down.
	ErrClosed = errors.New("memgov: governor shut down")
)

const (
	// SinkGCDiscardRatio is the discard ratio of sink value log collection.
	SinkGCDiscardRatio = 0.5
)

// Governor is the shared memory governance context of a process.
type Governor struct {
	lock      sync.Mutex
	refs      int
	started   bool
	closed    bool
	cfg       *cfgapi.Config
	bus       *events.Bus
	allocator *pool.Allocator
	cache     *cache.Cache[[]byte]
	streams   *stream.Manager
	monitor   *monitor.Monitor
	optimizer *optimizer.Optimizer
	sink      *badgersink.Sink
	tasks     *periodic.Group
	registry  *metrics.Registry
	health    *healthz.Checker
	sources   []monitor.Source
	now       func() time.Time
	cancel    context.CancelFunc
}

// Option is an option for a Governor.
type Option func(*Governor)

// WithRegistry sets the metrics registry component collectors are
// registered with. The default registry is used otherwise.
func WithRegistry(r *metrics.Registry) Option {
	return func(g *Governor) {
		g.registry = r
	}
}

// WithHealthChecker sets the checker component health is registered with.
func WithHealthChecker(c *healthz.Checker) Option {
	return func(g *Governor) {
		g.health = c
	}
}

// WithSources adds extra metric sources to the monitor.
func WithSources(sources ...monitor.Source) Option {
	return func(g *Governor) {
		g.sources = append(g.sources, sources...)
	}
}

// WithClock sets the clock used by all components.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// New creates a governor from the given configuration, or from the default
// configuration if cfg is nil. The returned governor holds one reference.
func New(cfg *cfgapi.Config, options ...Option) (*Governor, error) {
	if cfg == nil {
		cfg = cfgapi.Default()
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	g := &Governor{
		refs:     1,
		cfg:      cfg,
		tasks:    &periodic.Group{},
		registry: metrics.Default(),
		now:      time.Now,
	}
	for _, o := range options {
		o(g)
	}
	if g.health == nil {
		g.health = healthz.NewChecker()
	}

	if err := g.setup(); err != nil {
		g.close()
		return nil, err
	}

	g.registerCollectors()
	g.registerHealthChecks()

	log.Info("created memory governor, ceiling %s, %d pools", cfg.Ceiling.String(), len(cfg.Pools))

	return g, nil
}

func (g *Governor) setup() error {
	var err error

	g.bus = events.NewBus(events.WithClock(g.now))

	poolOptions, mode, err := allocatorOptions(g.cfg)
	if err != nil {
		return err
	}
	g.allocator, err = pool.NewAllocator(append(poolOptions,
		pool.WithEventBus(g.bus),
		pool.WithClock(g.now),
	)...)
	if err != nil {
		return fmt.Errorf("failed to create allocator: %w", err)
	}
	g.allocator.SetGCMode(mode)

	g.cache, err = cache.New[[]byte](cacheConfig(&g.cfg.Cache),
		cache.WithName(g.cfg.Cache.Name),
		cache.WithEventBus(g.bus),
		cache.WithClock(g.now),
		cache.WithPressureSource(func() float64 { return g.allocator.Usage().Ratio }),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}

	g.streams, err = stream.NewManager(streamConfig(&g.cfg.Streaming),
		stream.WithEventBus(g.bus),
		stream.WithClock(g.now),
	)
	if err != nil {
		return fmt.Errorf("failed to create buffer manager: %w", err)
	}

	monitorOptions := []monitor.Option{
		monitor.WithSources(g.defaultSources()...),
		monitor.WithSources(g.sources...),
		monitor.WithEventBus(g.bus),
		monitor.WithClock(g.now),
	}
	if sc := g.cfg.Monitor.Sink; sc != nil {
		g.sink, err = badgersink.Open(sinkConfig(sc))
		if err != nil {
			return err
		}
		monitorOptions = append(monitorOptions, monitor.WithSink(g.sink))
		g.tasks.Add(periodic.New("sink-gc", sc.GCInterval.Duration, func(context.Context) {
			if err := g.sink.RunGC(SinkGCDiscardRatio); err != nil {
				log.Warn("%v", err)
			}
		}))
	}
	g.monitor, err = monitor.New(monitorConfig(&g.cfg.Monitor), monitorOptions...)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	optCfg, err := optimizerConfig(&g.cfg.Optimizer)
	if err != nil {
		return err
	}
	g.optimizer, err = optimizer.New(optCfg,
		optimizer.WithAllocator(g.allocator),
		optimizer.WithCaches(g.cache),
		optimizer.WithStreams(g.streams),
		optimizer.WithEventBus(g.bus),
		optimizer.WithClock(g.now),
	)
	if err != nil {
		return fmt.Errorf("failed to create optimizer: %w", err)
	}

	return nil
}

func (g *Governor) registerCollectors() {
	for _, c := range []struct {
		name      string
		collector prometheus.Collector
	}{
		{"pool", collectors.NewPoolCollector(g.allocator)},
		{"cache", collectors.NewCacheCollector(g.cache)},
		{"stream", collectors.NewStreamCollector(g.streams)},
		{"monitor", collectors.NewMonitorCollector(g.monitor)},
		{"optimizer", collectors.NewOptimizerCollector(g.optimizer)},
	} {
		if err := g.registry.Register(c.name, c.collector, metrics.WithGroup(c.name)); err != nil {
			log.Warn("failed to register %s collector: %v", c.name, err)
		}
	}
}

func (g *Governor) registerHealthChecks() {
	g.health.Register("pressure", func() (healthz.Status, error) {
		u := g.allocator.Usage()
		switch u.Level {
		case events.PressureNone:
			return healthz.Healthy, nil
		case events.PressureEmergency:
			return healthz.NonFunctional, fmt.Errorf("%s pool pressure, %.1f%% of ceiling used",
				u.Level, 100*u.Ratio)
		}
		return healthz.Degraded, fmt.Errorf("%s pool pressure, %.1f%% of ceiling used",
			u.Level, 100*u.Ratio)
	})
	g.health.Register("alerts", func() (healthz.Status, error) {
		for _, a := range g.monitor.Alerts(true) {
			if a.Severity >= events.PressureCritical && !a.Acknowledged {
				return healthz.Degraded, fmt.Errorf("unacknowledged %s", a.String())
			}
		}
		return healthz.Healthy, nil
	})
}

// Start starts the periodic tasks of all components.
func (g *Governor) Start(ctx context.Context) error {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.closed {
		return ErrClosed
	}
	if g.started {
		return nil
	}

	ctx, g.cancel = context.WithCancel(ctx)
	g.cache.Start(ctx)
	g.monitor.Start(ctx)
	g.optimizer.Start(ctx)
	g.tasks.Start(ctx)
	g.started = true

	log.Info("started memory governor")

	return nil
}

// Acquire takes a new reference to the governor.
func (g *Governor) Acquire() (*Governor, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.closed {
		return nil, ErrClosed
	}
	g.refs++

	return g, nil
}

// Release drops a reference to the governor, shutting it down once the
// last reference is gone.
func (g *Governor) Release() error {
	g.lock.Lock()
	if g.refs == 0 {
		g.lock.Unlock()
		return nil
	}
	g.refs--
	last := g.refs == 0
	g.lock.Unlock()

	if !last {
		return nil
	}
	return g.Shutdown()
}

// Shutdown stops all periodic tasks, waits for running optimizations, then
// closes the event bus, the monitor sink and the buffer manager.
func (g *Governor) Shutdown() error {
	g.lock.Lock()
	if g.closed {
		g.lock.Unlock()
		return nil
	}
	g.closed = true
	g.refs = 0
	cancel := g.cancel
	g.lock.Unlock()

	log.Info("shutting down memory governor")

	err := g.close()
	if cancel != nil {
		cancel()
	}

	return err
}

// close releases whatever has been set up, in dependency order.
func (g *Governor) close() error {
	g.tasks.Stop()
	if g.optimizer != nil {
		g.optimizer.Stop()
	}
	if g.monitor != nil {
		g.monitor.Stop()
	}
	if g.cache != nil {
		g.cache.Stop()
	}

	var errs []error
	if g.optimizer != nil {
		g.optimizer.Close()
	}
	if g.monitor != nil {
		errs = append(errs, g.monitor.Close())
	} else if g.sink != nil {
		errs = append(errs, g.sink.Close())
	}
	if g.bus != nil {
		g.bus.Close()
	}
	if g.streams != nil {
		g.streams.Close()
	}

	return errors.Join(errs...)
}

// Closed returns true if the governor has been shut down.
func (g *Governor) Closed() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.closed
}

// Config returns the configuration of the governor.
func (g *Governor) Config() *cfgapi.Config {
	return g.cfg
}

// Bus returns the event bus shared by all components.
func (g *Governor) Bus() *events.Bus {
	return g.bus
}

// Allocator returns the pool allocator.
func (g *Governor) Allocator() *pool.Allocator {
	return g.allocator
}

// Cache returns the shared cache.
func (g *Governor) Cache() *cache.Cache[[]byte] {
	return g.cache
}

// Streams returns the buffer and stream manager.
func (g *Governor) Streams() *stream.Manager {
	return g.streams
}

// Monitor returns the memory monitor.
func (g *Governor) Monitor() *monitor.Monitor {
	return g.monitor
}

// Optimizer returns the optimizer.
func (g *Governor) Optimizer() *optimizer.Optimizer {
	return g.optimizer
}

// Health returns the health checker of the governor.
func (g *Governor) Health() *healthz.Checker {
	return g.health
}
