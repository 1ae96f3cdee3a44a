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
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/containers/memgov/pkg/compress"
	"github.com/containers/memgov/pkg/events"
	logger "github.com/containers/memgov/pkg/log"
	"github.com/containers/memgov/pkg/utils/periodic"
)

var log = logger.Get("cache")

const (
	tagPrefetched = "prefetched"
)

// Loader loads the value of a key for prefetching.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Cache is a bounded key-value cache.
type Cache[V any] struct {
	lock       sync.Mutex
	name       string
	cfg        Config
	policy     EvictionPolicy
	codec      compress.Codec
	serializer Serializer[V]
	entries    map[string]*entry[V]
	patterns   map[string]*AccessPattern
	model      *PredictionModel
	outcomes   []outcome
	usage      int64
	stats      Statistics
	bus        *events.Bus
	now        func() time.Time
	pressure   func() float64

	loader   Loader[V]
	limiter  *rate.Limiter
	queue    chan string
	pending  map[string]bool
	task     *periodic.Task
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
}

type entry[V any] struct {
	key          string
	data         []byte
	codec        compress.Codec
	raw          bool
	value        V
	size         int64
	original     int64
	created      time.Time
	lastAccessed time.Time
	expires      time.Time
	accessCount  int64
	hitCount     int64
	priority     Priority
	tags         []string
	metadata     map[string]string
	score        float64
	features     Features
	prefetched   bool
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Entry is a snapshot of a cache entry.
type Entry struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	OriginalSize int64             `json:"originalSize"`
	Compressed   bool              `json:"compressed,omitempty"`
	Lossy        bool              `json:"lossy,omitempty"`
	Created      time.Time         `json:"created"`
	LastAccessed time.Time         `json:"lastAccessed"`
	Expires      time.Time         `json:"expires,omitempty"`
	AccessCount  int64             `json:"accessCount"`
	HitCount     int64             `json:"hitCount"`
	Priority     Priority          `json:"priority"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Score        float64           `json:"score"`
	Prefetched   bool              `json:"prefetched,omitempty"`
}

func (e *entry[V]) snapshot() Entry {
	return Entry{
		Key:          e.key,
		Size:         e.size,
		OriginalSize: e.original,
		Compressed:   e.codec != nil,
		Lossy:        e.raw,
		Created:      e.created,
		LastAccessed: e.lastAccessed,
		Expires:      e.expires,
		AccessCount:  e.accessCount,
		HitCount:     e.hitCount,
		Priority:     e.priority,
		Tags:         slices.Clone(e.tags),
		Metadata:     maps.Clone(e.metadata),
		Score:        e.score,
		Prefetched:   e.prefetched,
	}
}

// Statistics are the cumulative statistics of a cache.
type Statistics struct {
	Name                  string           `json:"name"`
	Policy                string           `json:"policy"`
	Entries               int              `json:"entries"`
	MemoryUsage           int64            `json:"memoryUsage"`
	MaxSize               int64            `json:"maxSize"`
	MaxEntries            int              `json:"maxEntries"`
	Hits                  int64            `json:"hits"`
	Misses                int64            `json:"misses"`
	HitRate               float64          `json:"hitRate"`
	Sets                  int64            `json:"sets"`
	Evictions             int64            `json:"evictions"`
	EvictionsByPolicy     map[string]int64 `json:"evictionsByPolicy,omitempty"`
	Expirations           int64            `json:"expirations"`
	CompressedEntries     int              `json:"compressedEntries"`
	CompressionSavings    int64            `json:"compressionSavings"`
	SerializationFailures int64            `json:"serializationFailures"`
	Patterns              int              `json:"patterns"`
	PrefetchQueued        int64            `json:"prefetchQueued"`
	PrefetchLoaded        int64            `json:"prefetchLoaded"`
	PrefetchFailed        int64            `json:"prefetchFailed"`
	PrefetchHits          int64            `json:"prefetchHits"`
	ModelAccuracy         float64          `json:"modelAccuracy"`
}

// Option is an option for a Cache.
type Option func(*options)

type options struct {
	name     string
	bus      *events.Bus
	now      func() time.Time
	pressure func() float64
}

// WithName sets the name of the cache used in logs, events and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithEventBus sets the bus to publish cache events to.
func WithEventBus(bus *events.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithClock sets the clock used by the cache.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithPressureSource sets the function used to query memory pressure in
// [0, 1] for adaptive eviction. By default the fill ratio of the cache is used.
func WithPressureSource(fn func() float64) Option {
	return func(o *options) {
		o.pressure = fn
	}
}

// New creates a new cache with the given configuration.
func New[V any](cfg Config, opts ...Option) (*Cache[V], error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{
		name: "cache",
		now:  time.Now,
	}
	for _, fn := range opts {
		fn(o)
	}

	policy, err := NewPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}

	c := &Cache[V]{
		name:       o.name,
		cfg:        cfg,
		policy:     policy,
		serializer: DefaultSerializer[V](),
		entries:    make(map[string]*entry[V]),
		patterns:   make(map[string]*AccessPattern),
		model:      newPredictionModel(),
		bus:        o.bus,
		now:        o.now,
		pressure:   o.pressure,
		pending:    make(map[string]bool),
		queue:      make(chan string, cfg.Prefetch.QueueSize),
		limiter:    rate.NewLimiter(rate.Limit(cfg.Prefetch.Rate), cfg.Prefetch.Burst),
	}

	if cfg.Compression != "" && cfg.Compression != compress.None {
		if c.codec, err = compress.Get(cfg.Compression); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
	}

	c.stats.EvictionsByPolicy = make(map[string]int64)

	log.Info("created cache %s (%s eviction, max %d bytes, %d entries)", c.name, policy.Name(),
		cfg.MaxSize, cfg.MaxEntries)

	return c, nil
}

// Name returns the name of the cache.
func (c *Cache[V]) Name() string {
	return c.name
}

// SetSerializer overrides the serializer of the cache.
func (c *Cache[V]) SetSerializer(s Serializer[V]) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.serializer = s
}

// SetLoader sets the loader used for prefetching.
func (c *Cache[V]) SetLoader(l Loader[V]) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.loader = l
}

// Get returns the value for the given key. It reports a miss for absent,
// expired and undecodable entries.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.lock.Lock()
	now := c.now()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.lock.Unlock()
		return zero, false
	}
	if e.expired(now) {
		c.expire(e)
		c.stats.Misses++
		c.lock.Unlock()
		return zero, false
	}

	e.lastAccessed = now
	e.accessCount++
	e.hitCount++
	c.stats.Hits++
	if e.hitCount == 1 {
		c.recordOutcome(e, true)
		if e.prefetched {
			c.stats.PrefetchHits++
		}
	}

	p, ok := c.patterns[key]
	if !ok {
		p = newAccessPattern(key)
		c.patterns[key] = p
	}
	p.record(now, c.cfg.HistorySize)

	var (
		raw   = e.raw
		value = e.value
		data  = e.data
		codec = e.codec
		ser   = c.serializer
	)
	c.lock.Unlock()

	if raw {
		return value, true
	}

	if codec != nil {
		decoded, err := codec.Decode(nil, data)
		if err != nil {
			c.dropCorrupt(e, err)
			return zero, false
		}
		data = decoded
	}

	v, err := ser.Unmarshal(data)
	if err != nil {
		c.dropCorrupt(e, err)
		return zero, false
	}

	return v, true
}

func (c *Cache[V]) dropCorrupt(e *entry[V], err error) {
	log.Error("%s: dropping undecodable entry %q: %v", c.name, e.key, err)

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.entries[e.key] == e {
		c.remove(e)
	}
	c.stats.Hits--
	c.stats.Misses++
}

// Has returns true if the key is cached and not expired. It does not
// count as an access.
func (c *Cache[V]) Has(key string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	e, ok := c.entries[key]
	return ok && !e.expired(c.now())
}

// Set stores the value for the given key. It returns false if the value
// is larger than the cache, in which case any old value is kept. A value
// with a non-positive TTL removes the key without being stored.
func (c *Cache[V]) Set(key string, value V, opts ...SetOption) bool {
	o := &setOptions{priority: PriorityNormal}
	for _, fn := range opts {
		fn(o)
	}

	e := &entry[V]{
		key:      key,
		priority: o.priority,
		tags:     o.tags,
		metadata: o.metadata,
	}

	c.lock.Lock()
	ser, codec := c.serializer, c.codec
	c.lock.Unlock()

	data, err := ser.Marshal(value)
	if err != nil {
		log.Warn("%s: storing %q unserialized: %v", c.name, key, err)
		e.raw = true
		e.value = value
		e.size = lossySize(value)
		e.original = e.size
	} else {
		e.original = int64(len(data))
		enable := codec != nil && len(data) >= c.cfg.CompressionThreshold
		if o.compress != nil {
			enable = *o.compress && codec != nil
		}
		if enable {
			if enc := codec.Encode(nil, data); len(enc) < len(data) {
				data = enc
				e.codec = codec
			}
		}
		e.data = data
		e.size = int64(len(data))
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.now()
	e.created = now
	e.lastAccessed = now
	e.prefetched = slices.Contains(e.tags, tagPrefetched)

	switch {
	case o.ttl != nil:
		e.expires = now.Add(*o.ttl)
	case c.cfg.DefaultTTL > 0:
		e.expires = now.Add(c.cfg.DefaultTTL)
	}

	if err != nil {
		c.stats.SerializationFailures++
	}

	if c.cfg.MaxSize > 0 && e.size > c.cfg.MaxSize {
		log.Warn("%s: %q with size %d exceeds cache size %d", c.name, key, e.size, c.cfg.MaxSize)
		return false
	}

	if old, ok := c.entries[key]; ok {
		c.remove(old)
	}

	// an entry which is already expired replaces the old value but is
	// never stored, so it must not evict anything either
	if e.expired(now) {
		c.stats.Sets++
		return true
	}

	c.makeRoom(e.size, now)

	e.features = c.features(e, c.patterns[key], now)
	e.score = c.model.score(e.features)

	c.entries[key] = e
	c.usage += e.size
	c.stats.Sets++

	return true
}

// Delete removes the given key. It returns false if the key was not cached.
func (c *Cache[V]) Delete(key string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.remove(e)

	return true
}

// Clear removes all entries, returning the number of entries removed.
func (c *Cache[V]) Clear() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	n := len(c.entries)
	freed := c.usage
	c.entries = make(map[string]*entry[V])
	c.usage = 0

	log.Info("%s: cleared %d entries (%d bytes)", c.name, n, freed)

	c.bus.Publish(events.CacheCleared, c.name, &events.Eviction{
		Policy: "clear",
		Freed:  freed,
	})

	return n
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *Cache[V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

// Keys returns the sorted keys of all entries.
func (c *Cache[V]) Keys() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return slices.Sorted(maps.Keys(c.entries))
}

// Entries returns snapshots of all entries, sorted by key.
func (c *Cache[V]) Entries() []Entry {
	c.lock.Lock()
	defer c.lock.Unlock()

	result := make([]Entry, 0, len(c.entries))
	for _, key := range slices.Sorted(maps.Keys(c.entries)) {
		result = append(result, c.entries[key].snapshot())
	}
	return result
}

// Prune removes all entries matching the filter, returning their number.
func (c *Cache[V]) Prune(filter func(Entry) bool) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	var (
		keys  []string
		freed int64
	)
	for _, e := range c.entries {
		if filter(e.snapshot()) {
			keys = append(keys, e.key)
			freed += e.size
			c.recordUnused(e)
			c.remove(e)
		}
	}

	if len(keys) > 0 {
		slices.Sort(keys)
		log.Debug("%s: pruned %d entries", c.name, len(keys))
		c.bus.Publish(events.CacheEvicted, c.name, &events.Eviction{
			Policy: "prune",
			Keys:   keys,
			Freed:  freed,
		})
	}

	return len(keys)
}

// PurgeExpired removes all expired entries, returning their number.
func (c *Cache[V]) PurgeExpired() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.purgeExpired(c.now())
}

// Resize updates the limits of the cache, evicting entries as necessary.
func (c *Cache[V]) Resize(maxSize int64, maxEntries int) error {
	if maxSize < 0 || maxEntries < 0 {
		return fmt.Errorf("%w: negative limits", ErrInvalidConfiguration)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	log.Info("%s: resizing to %d bytes, %d entries", c.name, maxSize, maxEntries)

	c.cfg.MaxSize = maxSize
	c.cfg.MaxEntries = maxEntries
	c.shrink(c.now())

	return nil
}

// Limits returns the size and entry limits of the cache.
func (c *Cache[V]) Limits() (int64, int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cfg.MaxSize, c.cfg.MaxEntries
}

// SetPolicy switches to the eviction policy with the given name.
func (c *Cache[V]) SetPolicy(name string) error {
	p, err := NewPolicy(name)
	if err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	log.Info("%s: eviction policy %s -> %s", c.name, c.policy.Name(), p.Name())
	c.policy = p
	c.cfg.Policy = p.Name()

	return nil
}

// Policy returns the name of the active eviction policy.
func (c *Cache[V]) Policy() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.policy.Name()
}

// Pattern returns the access pattern learned for the given key.
func (c *Cache[V]) Pattern(key string) (AccessPattern, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	p, ok := c.patterns[key]
	if !ok {
		return AccessPattern{}, false
	}
	return p.clone(), true
}

// Model returns a copy of the prediction model.
func (c *Cache[V]) Model() PredictionModel {
	c.lock.Lock()
	defer c.lock.Unlock()
	return *c.model
}

// Statistics returns the statistics of the cache.
func (c *Cache[V]) Statistics() Statistics {
	c.lock.Lock()
	defer c.lock.Unlock()

	s := c.stats
	s.Name = c.name
	s.Policy = c.policy.Name()
	s.Entries = len(c.entries)
	s.MemoryUsage = c.usage
	s.MaxSize = c.cfg.MaxSize
	s.MaxEntries = c.cfg.MaxEntries
	s.Patterns = len(c.patterns)
	s.ModelAccuracy = c.model.Accuracy
	s.EvictionsByPolicy = maps.Clone(c.stats.EvictionsByPolicy)
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	for _, e := range c.entries {
		if e.codec != nil {
			s.CompressedEntries++
			s.CompressionSavings += e.original - e.size
		}
	}

	return s
}

func (c *Cache[V]) remove(e *entry[V]) {
	delete(c.entries, e.key)
	c.usage -= e.size
}

func (c *Cache[V]) expire(e *entry[V]) {
	c.recordUnused(e)
	c.remove(e)
	c.stats.Expirations++
}

func (c *Cache[V]) purgeExpired(now time.Time) int {
	n := 0
	for _, e := range c.entries {
		if e.expired(now) {
			c.expire(e)
			n++
		}
	}
	if n > 0 {
		log.Debug("%s: purged %d expired entries", c.name, n)
	}
	return n
}

func (c *Cache[V]) fits(size int64, extra int) bool {
	if c.cfg.MaxSize > 0 && c.usage+size > c.cfg.MaxSize {
		return false
	}
	if c.cfg.MaxEntries > 0 && len(c.entries)+extra > c.cfg.MaxEntries {
		return false
	}
	return true
}

// makeRoom evicts entries until an entry of the given size fits.
func (c *Cache[V]) makeRoom(size int64, now time.Time) {
	if c.fits(size, 1) {
		return
	}
	if c.purgeExpired(now); c.fits(size, 1) {
		return
	}
	c.evict(size, 1, now)
}

// shrink evicts entries until the cache is within its limits.
func (c *Cache[V]) shrink(now time.Time) {
	if c.fits(0, 0) {
		return
	}
	if c.purgeExpired(now); c.fits(0, 0) {
		return
	}
	c.evict(0, 0, now)
}

func (c *Cache[V]) evict(size int64, extra int, now time.Time) {
	candidates := c.candidates(now)
	c.policy.Rank(candidates, Env{Now: now, Pressure: c.currentPressure()})
	slices.SortStableFunc(candidates, func(a, b *Candidate) int {
		return int(a.Priority) - int(b.Priority)
	})

	var (
		keys  []string
		freed int64
	)
	for _, cand := range candidates {
		if c.fits(size, extra) && len(keys) >= c.cfg.MinEvictionBatch {
			break
		}
		e := c.entries[cand.Key]
		c.recordUnused(e)
		c.remove(e)
		keys = append(keys, e.key)
		freed += e.size
	}

	if len(keys) == 0 {
		return
	}

	c.stats.Evictions += int64(len(keys))
	c.stats.EvictionsByPolicy[c.policy.Name()] += int64(len(keys))

	log.Debug("%s: %s evicted %d entries (%d bytes) for %d bytes", c.name, c.policy.Name(),
		len(keys), freed, size)

	c.bus.Publish(events.CacheEvicted, c.name, &events.Eviction{
		Policy:  c.policy.Name(),
		Keys:    keys,
		Freed:   freed,
		Pending: size,
	})
}

func (c *Cache[V]) candidates(now time.Time) []*Candidate {
	candidates := make([]*Candidate, 0, len(c.entries))
	for _, e := range c.entries {
		cand := &Candidate{
			Key:          e.key,
			Size:         e.size,
			Priority:     e.priority,
			Created:      e.created,
			LastAccessed: e.lastAccessed,
			AccessCount:  e.accessCount,
			Score:        e.score,
		}
		if p, ok := c.patterns[e.key]; ok {
			cand.NextAccess = p.NextAccess
			cand.Confidence = p.Confidence
		}
		candidates = append(candidates, cand)
	}
	return candidates
}

func (c *Cache[V]) currentPressure() float64 {
	if c.pressure != nil {
		return c.pressure()
	}
	if c.cfg.MaxSize > 0 {
		return float64(c.usage) / float64(c.cfg.MaxSize)
	}
	if c.cfg.MaxEntries > 0 {
		return float64(len(c.entries)) / float64(c.cfg.MaxEntries)
	}
	return 0
}

// recordUnused records a negative outcome for an entry removed without hits.
func (c *Cache[V]) recordUnused(e *entry[V]) {
	if e.hitCount == 0 {
		c.recordOutcome(e, false)
	}
}

func (c *Cache[V]) recordOutcome(e *entry[V], reused bool) {
	c.outcomes = append(c.outcomes, outcome{
		features: e.features,
		score:    e.score,
		reused:   reused,
	})
	if over := len(c.outcomes) - maxOutcomes; over > 0 {
		c.outcomes = append(c.outcomes[:0], c.outcomes[over:]...)
	}
}

// Retrain retrains the prediction model from recorded outcomes.
func (c *Cache[V]) Retrain() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.retrain(c.now())
}

func (c *Cache[V]) retrain(now time.Time) {
	if len(c.outcomes) == 0 {
		return
	}
	c.model.train(c.outcomes, now)
	c.outcomes = c.outcomes[:0]

	log.Debug("%s: retrained prediction model, accuracy %.2f", c.name, c.model.Accuracy)
}

// gcPatterns forgets the patterns of absent keys not seen for a while.
func (c *Cache[V]) gcPatterns(now time.Time) int {
	n := 0
	for key, p := range c.patterns {
		if _, ok := c.entries[key]; ok {
			continue
		}
		if now.Sub(p.LastSeen) >= c.cfg.PatternTTL {
			delete(c.patterns, key)
			n++
		}
	}
	return n
}

// Maintain runs a single round of background maintenance: expiry sweep,
// pattern GC, model retraining and prefetch scan.
func (c *Cache[V]) Maintain(_ context.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.now()
	expired := c.purgeExpired(now)
	forgotten := c.gcPatterns(now)
	c.retrain(now)
	queued := c.scanPrefetch(now)

	log.Debug("%s: maintenance: %d expired, %d patterns forgotten, %d prefetches queued",
		c.name, expired, forgotten, queued)
}

// Start starts background maintenance and prefetching.
func (c *Cache[V]) Start(ctx context.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.task != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.task = periodic.New(c.name+"-maintenance", c.cfg.MaintenanceInterval, c.Maintain)
	c.task.Start(ctx)

	if c.cfg.Prefetch.Enabled {
		c.workerWg.Add(1)
		go c.prefetchWorker(ctx)
	}
}

// Stop stops background maintenance and prefetching.
func (c *Cache[V]) Stop() {
	c.lock.Lock()
	task, cancel := c.task, c.cancel
	c.task, c.cancel = nil, nil
	c.lock.Unlock()

	if task == nil {
		return
	}

	task.Stop()
	cancel()
	c.workerWg.Wait()
}
