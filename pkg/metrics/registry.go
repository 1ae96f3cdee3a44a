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

// Package metrics is a thin layer over prometheus collectors. Collectors
// are registered by name into groups, can be enabled and disabled by glob
// patterns, and can be put in polled mode to serve cached values which are
// refreshed periodically instead of on every scrape. Metrics are prefixed
// with a common namespace and the group name unless opted out.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/memgov/pkg/log"
	"github.com/containers/memgov/pkg/utils/periodic"
)

var (
	log = logger.Get("metrics")

	// ErrExists is returned when registering a collector with a taken name.
	ErrExists = errors.New("metrics: collector already registered")
	// ErrUnmatched is returned when configuring globs which match no collector.
	ErrUnmatched = errors.New("metrics: no matching collectors")
)

const (
	// DefaultGroup is the group of collectors registered without one.
	DefaultGroup = "default"
	// MinPollInterval is the shortest allowed polling interval.
	MinPollInterval = time.Second
	// DefaultPollInterval is the default polling interval.
	DefaultPollInterval = 30 * time.Second
)

// Collector is a named prometheus collector in a group.
type Collector struct {
	sync.Mutex
	name       string
	group      string
	collector  prometheus.Collector
	enabled    bool
	polled     bool
	unprefixed bool
	cached     []prometheus.Metric
}

// CollectorOption is an option for registering a collector.
type CollectorOption func(*Collector)

// WithGroup registers the collector in the given group.
func WithGroup(group string) CollectorOption {
	return func(c *Collector) {
		if group != "" {
			c.group = group
		}
	}
}

// WithPolled puts the collector in polled mode.
func WithPolled() CollectorOption {
	return func(c *Collector) {
		c.polled = true
	}
}

// WithoutPrefix registers the collector without namespace and group prefix.
func WithoutPrefix() CollectorOption {
	return func(c *Collector) {
		c.unprefixed = true
	}
}

// Name returns the full name, group/name, of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if the glob matches the group, the name or the
// full name of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid collector glob %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	enabled, polled, cached := c.enabled, c.polled, c.cached
	c.Unlock()

	switch {
	case !enabled:
	case polled:
		for _, m := range cached {
			ch <- m
		}
	default:
		c.collector.Collect(ch)
	}
}

// Poll refreshes the cached metrics of an enabled polled collector.
func (c *Collector) Poll() {
	c.Lock()
	poll := c.enabled && c.polled
	c.Unlock()

	if !poll {
		return
	}

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	var cached []prometheus.Metric
	for m := range ch {
		snap := &snapshot{desc: m.Desc(), metric: &model.Metric{}}
		if err := m.Write(snap.metric); err != nil {
			log.Warn("failed to poll collector %s: %v", c.Name(), err)
			continue
		}
		cached = append(cached, snap)
	}

	c.Lock()
	c.cached = cached
	c.Unlock()
}

func (c *Collector) configure(enabled, polled bool) {
	c.Lock()
	defer c.Unlock()
	c.enabled = enabled
	if polled {
		c.polled = true
	}
}

// snapshot is a metric value frozen at polling time.
type snapshot struct {
	desc   *prometheus.Desc
	metric *model.Metric
}

func (s *snapshot) Desc() *prometheus.Desc {
	return s.desc
}

func (s *snapshot) Write(out *model.Metric) error {
	out.Label = s.metric.Label
	out.Gauge = s.metric.Gauge
	out.Counter = s.metric.Counter
	out.Summary = s.metric.Summary
	out.Untyped = s.metric.Untyped
	out.Histogram = s.metric.Histogram
	out.TimestampMs = s.metric.TimestampMs
	return nil
}

// Registry is a set of named collectors.
type Registry struct {
	lock       sync.Mutex
	collectors []*Collector
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register registers a collector. Collectors are enabled by default.
func (r *Registry) Register(name string, collector prometheus.Collector, options ...CollectorOption) error {
	c := &Collector{
		name:      name,
		group:     DefaultGroup,
		collector: collector,
		enabled:   true,
	}
	for _, o := range options {
		o(c)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, other := range r.collectors {
		if other.Name() == c.Name() {
			return fmt.Errorf("%w: %s", ErrExists, c.Name())
		}
	}
	r.collectors = append(r.collectors, c)

	log.Debug("registered collector %s", c.Name())

	return nil
}

// MustRegister registers a collector, panicking on failure.
func (r *Registry) MustRegister(name string, collector prometheus.Collector, options ...CollectorOption) {
	if err := r.Register(name, collector, options...); err != nil {
		panic(err)
	}
}

// Configure enables collectors matching any glob in enabled or polled and
// disables the rest. Collectors matching polled are put in polled mode.
// An empty enabled and polled configuration enables every collector.
func (r *Registry) Configure(enabled, polled []string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if len(enabled) == 0 && len(polled) == 0 {
		enabled = []string{"*"}
	}

	matched := make(map[string]bool)
	match := func(c *Collector, globs []string) bool {
		found := false
		for _, glob := range globs {
			if c.Matches(glob) {
				matched[glob] = true
				found = true
			}
		}
		return found
	}

	for _, c := range r.collectors {
		p := match(c, polled)
		e := match(c, enabled) || p
		c.configure(e, p)
	}

	var unmatched []string
	for _, glob := range slices.Concat(enabled, polled) {
		if !matched[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("%w: %s", ErrUnmatched, strings.Join(unmatched, ", "))
	}

	return nil
}

// Poll refreshes all enabled polled collectors.
func (r *Registry) Poll() {
	r.lock.Lock()
	collectors := slices.Clone(r.collectors)
	r.lock.Unlock()

	var wg sync.WaitGroup
	for _, c := range collectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Poll()
		}()
	}
	wg.Wait()
}

func (r *Registry) hasPolled() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return slices.ContainsFunc(r.collectors, func(c *Collector) bool {
		c.Lock()
		defer c.Unlock()
		return c.enabled && c.polled
	})
}

// Gatherer gathers the metrics of a registry.
type Gatherer struct {
	*prometheus.Registry
	r         *Registry
	namespace string
	interval  time.Duration
	enabled   []string
	polled    []string
	poller    *periodic.Task
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the common prefix of prefixed collectors.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the interval for polling collectors, 0 disables
// periodic polling.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		if interval > 0 && interval < MinPollInterval {
			interval = MinPollInterval
		}
		g.interval = interval
	}
}

// WithMetrics sets the globs of enabled and polled collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer configures the registry and creates a gatherer for it.
func (r *Registry) NewGatherer(options ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
		r:        r,
		interval: DefaultPollInterval,
	}
	for _, o := range options {
		o(g)
	}

	if err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	r.lock.Lock()
	collectors := slices.Clone(r.collectors)
	r.lock.Unlock()

	for _, c := range collectors {
		reg := prometheus.Registerer(g.Registry)
		if !c.unprefixed {
			reg = prometheus.WrapRegistererWithPrefix(g.prefix(c.group), reg)
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector %s: %w", c.Name(), err)
		}
	}

	if r.hasPolled() {
		r.Poll()
		if g.interval > 0 {
			g.poller = periodic.New("metrics-poll", g.interval, func(context.Context) {
				r.Poll()
			})
			g.poller.Start(context.Background())
		}
	}

	return g, nil
}

func (g *Gatherer) prefix(group string) string {
	if g.namespace == "" {
		return group + "_"
	}
	return g.namespace + "_" + group + "_"
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	return g.Registry.Gather()
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.poller != nil {
		g.poller.Stop()
	}
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, options ...CollectorOption) error {
	return defaultRegistry.Register(name, collector, options...)
}

// MustRegister registers a collector with the default registry, panicking on failure.
func MustRegister(name string, collector prometheus.Collector, options ...CollectorOption) {
	defaultRegistry.MustRegister(name, collector, options...)
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(options ...GathererOption) (*Gatherer, error) {
	return defaultRegistry.NewGatherer(options...)
}
