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

// Package optimizer implements the optimization orchestrator. It holds named
// optimization profiles and runs coordinated optimization passes over the
// pool allocator, the caches and the streaming layer, either on request,
// periodically or in reaction to pressure, alert, leak and backpressure
// events. Runs produce recommendations, low-risk high-priority ones are
// applied automatically, the rest stay pending until applied explicitly.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/containers/memgov/pkg/cache"
	"github.com/containers/memgov/pkg/events"
	"github.com/containers/memgov/pkg/instrumentation/tracing"
	logger "github.com/containers/memgov/pkg/log"
	"github.com/containers/memgov/pkg/pool"
	"github.com/containers/memgov/pkg/stream"
	"github.com/containers/memgov/pkg/utils/periodic"
)

var log = logger.Get("optimizer")

const (
	// DefaultMaxRuns is the default number of runs remembered.
	DefaultMaxRuns = 100
	// DefaultMaxRecommendations is the default number of recommendations remembered.
	DefaultMaxRecommendations = 1000
	// DefaultMaxHighWaterMark bounds relaxing stream high-water marks.
	DefaultMaxHighWaterMark = 64 << 20
	// DefaultMaxBuffers bounds growing buffer classes.
	DefaultMaxBuffers = 1024
	// maxLeaks is the number of detected leaks remembered.
	maxLeaks = 100

	manualTrigger = "manual"
)

// errRunning is returned when a run with the same trigger is in progress.
var errRunning = errors.New("optimizer: run already in progress")

// Config is the configuration of the optimizer.
type Config struct {
	// Interval of periodic optimization runs, 0 disables them.
	Interval time.Duration `json:"interval,omitempty"`
	// Profile used for periodic runs.
	Profile string `json:"profile,omitempty"`
	// Profiles are extra profiles created at startup.
	Profiles []Profile `json:"profiles,omitempty"`
	// MaxRuns is the number of runs remembered.
	MaxRuns int `json:"maxRuns,omitempty"`
	// MaxRecommendations is the number of recommendations remembered.
	MaxRecommendations int `json:"maxRecommendations,omitempty"`
	// MaxHighWaterMark bounds relaxing the high-water mark of congested streams.
	MaxHighWaterMark int64 `json:"maxHighWaterMark,omitempty"`
	// MaxBuffers bounds growing buffer classes of congested streams.
	MaxBuffers int `json:"maxBuffers,omitempty"`
	// Passive disables reacting to pressure, alert and backpressure events.
	Passive bool `json:"passive,omitempty"`
}

func (c *Config) setDefaults() {
	if c.Profile == "" {
		c.Profile = string(Balanced)
	}
	if c.MaxRuns == 0 {
		c.MaxRuns = DefaultMaxRuns
	}
	if c.MaxRecommendations == 0 {
		c.MaxRecommendations = DefaultMaxRecommendations
	}
	if c.MaxHighWaterMark == 0 {
		c.MaxHighWaterMark = DefaultMaxHighWaterMark
	}
	if c.MaxBuffers == 0 {
		c.MaxBuffers = DefaultMaxBuffers
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch {
	case c.Interval < 0:
		return fmt.Errorf("%w: negative interval %s", ErrInvalidConfiguration, c.Interval)
	case c.MaxRuns < 0 || c.MaxRecommendations < 0:
		return fmt.Errorf("%w: negative history limits", ErrInvalidConfiguration)
	case c.MaxHighWaterMark < 0 || c.MaxBuffers < 0:
		return fmt.Errorf("%w: negative stream limits", ErrInvalidConfiguration)
	}
	for i := range c.Profiles {
		if err := c.Profiles[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Cache is the interface of caches the optimizer manages. It is
// implemented by cache.Cache of any value type.
type Cache interface {
	Name() string
	Statistics() cache.Statistics
	Prune(func(cache.Entry) bool) int
	Clear() int
	Resize(maxSize int64, maxEntries int) error
	Limits() (int64, int)
}

// Optimizer is the optimization orchestrator.
type Optimizer struct {
	lock     sync.Mutex
	cfg      Config
	pools    *pool.Allocator
	caches   []Cache
	streams  *stream.Manager
	profiles map[string]*Profile
	runs     map[string]*Run
	runOrder []string
	recs     map[string]*Recommendation
	recOrder []string
	leaks    []events.Leak
	level    events.PressureLevel
	bus      *events.Bus
	sub      *events.Subscription
	now      func() time.Time
	newID    func() string
	collect  func() int64
	tasks    *periodic.Group
	wg       sync.WaitGroup
	closed   bool
}

// Option is an option for an Optimizer.
type Option func(*Optimizer)

// WithAllocator sets the pool allocator to optimize.
func WithAllocator(a *pool.Allocator) Option {
	return func(o *Optimizer) {
		o.pools = a
	}
}

// WithCaches adds caches to optimize.
func WithCaches(caches ...Cache) Option {
	return func(o *Optimizer) {
		o.caches = append(o.caches, caches...)
	}
}

// WithStreams sets the buffer manager to optimize.
func WithStreams(m *stream.Manager) Option {
	return func(o *Optimizer) {
		o.streams = m
	}
}

// WithEventBus sets the bus to publish optimization events to and to react
// to events from.
func WithEventBus(bus *events.Bus) Option {
	return func(o *Optimizer) {
		o.bus = bus
	}
}

// WithClock sets the clock used by the optimizer.
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) {
		o.now = now
	}
}

// WithIDGenerator sets the function used to generate profile, run and
// recommendation ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *Optimizer) {
		o.newID = fn
	}
}

// WithGarbageCollector sets the function used to force a runtime garbage
// collection. It returns the number of heap bytes released.
func WithGarbageCollector(fn func() int64) Option {
	return func(o *Optimizer) {
		o.collect = fn
	}
}

// New creates a new optimizer.
func New(cfg Config, options ...Option) (*Optimizer, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Optimizer{
		cfg:      cfg,
		profiles: make(map[string]*Profile),
		runs:     make(map[string]*Run),
		recs:     make(map[string]*Recommendation),
		now:      time.Now,
		newID:    uuid.NewString,
		collect:  runtimeGC,
		tasks:    &periodic.Group{},
	}

	for _, opt := range options {
		opt(o)
	}

	for _, p := range append(BuiltinProfiles(), cfg.Profiles...) {
		if _, err := o.CreateProfile(p); err != nil {
			return nil, err
		}
	}
	if _, ok := o.profiles[cfg.Profile]; !ok {
		return nil, fmt.Errorf("%w: periodic profile %q", ErrProfileNotFound, cfg.Profile)
	}

	if o.bus != nil && !cfg.Passive {
		o.sub = o.bus.Subscribe("optimizer", o.handleEvent,
			events.PressureChanged, events.AlertRaised, events.LeakDetected,
			events.StreamBackpressure)
	}

	if cfg.Interval > 0 {
		o.tasks.Add(periodic.New("optimizer-periodic", cfg.Interval, func(context.Context) {
			o.trigger(o.cfg.Profile, "periodic")
		}))
	}

	log.Info("created optimizer with %d caches, periodic runs every %s",
		len(o.caches), cfg.Interval)

	return o, nil
}

// CreateProfile validates and adds a profile, returning its id. A missing
// id is generated.
func (o *Optimizer) CreateProfile(p Profile) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	p = p.clone()

	o.lock.Lock()
	defer o.lock.Unlock()

	if p.ID == "" {
		p.ID = o.newID()
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if _, ok := o.profiles[p.ID]; ok {
		return "", fmt.Errorf("%w: %q", ErrProfileExists, p.ID)
	}
	p.Created = o.now()
	p.LastUsed = time.Time{}

	o.profiles[p.ID] = &p

	log.Debug("created %s optimization profile %s", p.Strategy, p.ID)

	return p.ID, nil
}

// Profile returns the profile with the given id.
func (o *Optimizer) Profile(id string) (Profile, error) {
	o.lock.Lock()
	defer o.lock.Unlock()

	p, ok := o.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrProfileNotFound, id)
	}
	return p.clone(), nil
}

// Profiles returns all profiles, ordered by id.
func (o *Optimizer) Profiles() []Profile {
	o.lock.Lock()
	defer o.lock.Unlock()

	profiles := make([]Profile, 0, len(o.profiles))
	for _, p := range o.profiles {
		profiles = append(profiles, p.clone())
	}
	slices.SortFunc(profiles, func(a, b Profile) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return profiles
}

// RunOptimization starts an optimization run with the given profile and
// returns its id. Services, or the scope of the profile if none given,
// get checked for allocation efficiency. The run proceeds asynchronously.
func (o *Optimizer) RunOptimization(profileID string, services ...string) (string, error) {
	return o.startRun(profileID, manualTrigger, services)
}

func (o *Optimizer) startRun(profileID, trigger string, services []string) (string, error) {
	o.lock.Lock()

	if o.closed {
		o.lock.Unlock()
		return "", ErrClosed
	}

	p, ok := o.profiles[profileID]
	if !ok {
		o.lock.Unlock()
		return "", fmt.Errorf("%w: %q", ErrProfileNotFound, profileID)
	}

	if trigger != manualTrigger {
		for _, id := range o.runOrder {
			if r := o.runs[id]; r.Trigger == trigger && r.Status == StatusRunning {
				o.lock.Unlock()
				return r.ID, errRunning
			}
		}
	}

	now := o.now()
	p.LastUsed = now

	r := &Run{
		ID:       o.newID(),
		Profile:  p.ID,
		Trigger:  trigger,
		Services: slices.Clone(services),
		Status:   StatusRunning,
		Started:  now,
		done:     make(chan struct{}),
	}
	o.runs[r.ID] = r
	o.runOrder = append(o.runOrder, r.ID)
	o.trimRuns()

	st := &runState{run: r, profile: p.clone()}
	payload := r.payload()

	o.wg.Add(1)
	o.lock.Unlock()

	log.Info("starting %s optimization run %s (%s)", p.ID, r.ID, trigger)
	o.bus.Publish(events.OptimizationStarted, "optimizer", payload)

	go o.execute(st)

	return r.ID, nil
}

func (o *Optimizer) execute(st *runState) {
	defer o.wg.Done()

	r := st.run
	st.governed = o.governed()

	err := tracing.Trace(context.Background(), "optimization-run",
		func(ctx context.Context) error {
			return o.steps(ctx, st)
		},
		tracing.WithAttributes(
			tracing.Attribute("run", r.ID),
			tracing.Attribute("profile", st.profile.ID),
			tracing.Attribute("trigger", r.Trigger),
		),
	)

	o.finish(st, err)
}

func (o *Optimizer) finish(st *runState, err error) {
	o.lock.Lock()

	r := st.run
	r.Finished = o.now()
	r.ServicesTouched = st.touched

	if err != nil {
		r.Status = StatusFailed
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				r.Errors = append(r.Errors, e.Error())
			}
		} else {
			r.Errors = append(r.Errors, err.Error())
		}
	} else {
		r.Status = StatusCompleted
	}

	for _, rec := range st.recs {
		if !rec.Applied {
			r.EstimatedSavings += rec.Impact.MemoryReduction
		}
	}
	if st.governed > 0 {
		r.EstimatedGain = 100 * float64(r.BytesFreed+r.EstimatedSavings) / float64(st.governed)
	}
	r.TargetMet = r.EstimatedGain >= st.profile.Targets.MemoryReduction

	payload := r.payload()
	recs := len(r.Recommendations)

	o.lock.Unlock()

	if err != nil {
		log.Error("optimization run %s failed: %v", r.ID, err)
		o.bus.Publish(events.OptimizationFailed, "optimizer", payload)
	} else {
		log.Info("optimization run %s completed: freed %d bytes, %d recommendations, estimated gain %.1f%%",
			r.ID, payload.BytesFreed, recs, r.EstimatedGain)
		o.bus.Publish(events.OptimizationCompleted, "optimizer", payload)
	}

	close(r.done)
}

// governed returns the amount of memory under governance.
func (o *Optimizer) governed() (total int64) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("failed to measure governed memory: %v", p)
		}
	}()

	if o.pools != nil {
		total += o.pools.Usage().Allocated
	}
	for _, c := range o.caches {
		total += c.Statistics().MemoryUsage
	}
	if o.streams != nil {
		for _, cs := range o.streams.ClassStats() {
			total += int64(cs.Owned) * int64(cs.Size)
		}
	}
	return total
}

// The caller must hold the lock.
func (o *Optimizer) trimRuns() {
	for len(o.runOrder) > o.cfg.MaxRuns {
		idx := slices.IndexFunc(o.runOrder, func(id string) bool {
			return o.runs[id].Status.Terminal()
		})
		if idx < 0 {
			return
		}
		delete(o.runs, o.runOrder[idx])
		o.runOrder = slices.Delete(o.runOrder, idx, idx+1)
	}
}

func (r *Run) payload() *events.Run {
	return &events.Run{
		ID:         r.ID,
		Profile:    r.Profile,
		Status:     string(r.Status),
		Trigger:    r.Trigger,
		BytesFreed: r.BytesFreed,
		Errors:     len(r.Errors),
	}
}

// Run returns the run with the given id.
func (o *Optimizer) Run(id string) (Run, bool) {
	o.lock.Lock()
	defer o.lock.Unlock()

	r, ok := o.runs[id]
	if !ok {
		return Run{}, false
	}
	return r.clone(), true
}

// Runs returns all remembered runs, oldest first.
func (o *Optimizer) Runs() []Run {
	o.lock.Lock()
	defer o.lock.Unlock()

	runs := make([]Run, 0, len(o.runOrder))
	for _, id := range o.runOrder {
		runs = append(runs, o.runs[id].clone())
	}
	return runs
}

// Wait waits for the run with the given id to finish. The context only
// bounds waiting, it does not cancel the run.
func (o *Optimizer) Wait(ctx context.Context, id string) (Run, error) {
	o.lock.Lock()
	r, ok := o.runs[id]
	o.lock.Unlock()

	if !ok {
		return Run{}, fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		run, _ := o.Run(id)
		return run, ctx.Err()
	}

	o.lock.Lock()
	defer o.lock.Unlock()
	return r.clone(), nil
}

// recommend records a recommendation of a run, superseding any pending
// one of the same kind for the same target.
func (o *Optimizer) recommend(st *runState, r *Recommendation) {
	o.lock.Lock()
	defer o.lock.Unlock()

	for i, id := range o.recOrder {
		old := o.recs[id]
		if !old.Applied && !old.applying && old.Kind == r.Kind && old.Target == r.Target {
			delete(o.recs, id)
			o.recOrder = slices.Delete(o.recOrder, i, i+1)
			break
		}
	}

	r.ID = o.newID()
	r.Run = st.run.ID
	r.Created = o.now()

	o.recs[r.ID] = r
	o.recOrder = append(o.recOrder, r.ID)
	st.run.Recommendations = append(st.run.Recommendations, r.ID)
	st.recs = append(st.recs, r)

	for len(o.recOrder) > o.cfg.MaxRecommendations {
		idx := slices.IndexFunc(o.recOrder, func(id string) bool {
			return o.recs[id].Applied
		})
		if idx < 0 {
			idx = 0
		}
		delete(o.recs, o.recOrder[idx])
		o.recOrder = slices.Delete(o.recOrder, idx, idx+1)
	}

	log.Debug("run %s: recommending %s of %s: %s", r.Run, r.Kind, r.Target, r.Description)
}

// Recommendations returns the remembered recommendations by decreasing
// priority, oldest first within the same priority.
func (o *Optimizer) Recommendations(pendingOnly bool) []Recommendation {
	o.lock.Lock()
	defer o.lock.Unlock()

	recs := make([]Recommendation, 0, len(o.recOrder))
	for _, id := range o.recOrder {
		r := o.recs[id]
		if pendingOnly && r.Applied {
			continue
		}
		recs = append(recs, r.clone())
	}
	slices.SortStableFunc(recs, func(a, b Recommendation) int {
		return int(b.Priority) - int(a.Priority)
	})
	return recs
}

// ApplyRecommendation applies the pending recommendation with the given id.
func (o *Optimizer) ApplyRecommendation(id string) error {
	o.lock.Lock()
	r, ok := o.recs[id]
	o.lock.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrRecommendationNotFound, id)
	}
	return o.apply(r)
}

func (o *Optimizer) apply(r *Recommendation) error {
	o.lock.Lock()
	switch {
	case r.Applied || r.applying:
		o.lock.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyApplied, r.ID)
	case r.apply == nil:
		o.lock.Unlock()
		return fmt.Errorf("%w: %s of %s", ErrNotApplicable, r.Kind, r.Target)
	}
	r.applying = true
	fn := r.apply
	o.lock.Unlock()

	err := fn()

	o.lock.Lock()
	r.applying = false
	if err != nil {
		r.Error = err.Error()
	} else {
		r.Applied = true
		r.AppliedAt = o.now()
		r.Error = ""
	}
	payload := &events.Recommendation{
		ID:     r.ID,
		Run:    r.Run,
		Kind:   r.Kind,
		Target: r.Target,
	}
	o.lock.Unlock()

	if err != nil {
		log.Error("failed to apply %s of %s: %v", r.Kind, r.Target, err)
		return err
	}

	log.Info("applied %s of %s: %s", r.Kind, r.Target, r.Description)
	o.bus.Publish(events.RecommendationApplied, "optimizer", payload)

	return nil
}

// Leaks returns the suspected leaks reported to the optimizer.
func (o *Optimizer) Leaks() []events.Leak {
	o.lock.Lock()
	defer o.lock.Unlock()
	return slices.Clone(o.leaks)
}

// Start starts periodic optimization.
func (o *Optimizer) Start(ctx context.Context) {
	o.tasks.Start(ctx)
}

// Stop stops periodic optimization.
func (o *Optimizer) Stop() {
	o.tasks.Stop()
}

// Tasks returns the periodic tasks of the optimizer.
func (o *Optimizer) Tasks() []*periodic.Task {
	return o.tasks.Tasks()
}

// Close stops periodic optimization and event reactions, then waits for
// runs in progress to finish.
func (o *Optimizer) Close() {
	o.Stop()
	if o.sub != nil {
		o.sub.Unsubscribe()
	}

	o.lock.Lock()
	o.closed = true
	o.lock.Unlock()

	o.wg.Wait()
}
