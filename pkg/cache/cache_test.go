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

package cache_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memgov/pkg/cache"
	"github.com/containers/memgov/pkg/events"
)

type fakeClock struct {
	sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

func newCache[V any](t *testing.T, cfg Config, clock *fakeClock, opts ...Option) *Cache[V] {
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	c, err := New[V](cfg, opts...)
	require.NoError(t, err, "unexpected New() error")
	require.NotNil(t, c)
	return c
}

func memoryUsage[V any](c *Cache[V]) int64 {
	sum := int64(0)
	for _, e := range c.Entries() {
		sum += e.Size
	}
	return sum
}

func TestLRUEviction(t *testing.T) {
	clock := newFakeClock()
	c := newCache[string](t, Config{MaxEntries: 2, Policy: PolicyLRU}, clock)

	c.Set("A", "a")
	clock.Advance(time.Millisecond)
	c.Set("B", "b")
	clock.Advance(time.Millisecond)
	_, ok := c.Get("A")
	require.True(t, ok)
	clock.Advance(time.Millisecond)
	c.Set("C", "c")

	require.Equal(t, []string{"A", "C"}, c.Keys())
	_, ok = c.Get("B")
	require.False(t, ok, "B should have been evicted")

	stats := c.Statistics()
	require.Equal(t, int64(1), stats.Evictions)
	require.Equal(t, int64(1), stats.EvictionsByPolicy[PolicyLRU])
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newCache[string](t, Config{}, clock)

	c.Set("key", "v", WithTTL(100*time.Millisecond))
	require.Equal(t, 1, c.Len())

	clock.Advance(50 * time.Millisecond)
	v, ok := c.Get("key")
	require.True(t, ok)
	require.Equal(t, "v", v)

	clock.Advance(100 * time.Millisecond)
	_, ok = c.Get("key")
	require.False(t, ok, "expired entry should not be returned")
	require.Equal(t, 0, c.Len(), "expired entry should be removed")
	require.Equal(t, int64(1), c.Statistics().Expirations)
}

func TestTTLBoundaries(t *testing.T) {
	clock := newFakeClock()
	c := newCache[string](t, Config{DefaultTTL: time.Second}, clock)

	c.Set("zero", "v", WithTTL(0))
	_, ok := c.Get("zero")
	require.False(t, ok, "entry with zero TTL should expire immediately")

	c.Set("negative", "v", WithTTL(-time.Second))
	require.False(t, c.Has("negative"))

	c.Set("exact", "v", WithTTL(time.Second))
	c.Set("default", "v")
	clock.Advance(time.Second)
	_, ok = c.Get("exact")
	require.False(t, ok, "entry expiring exactly now counts as expired")
	_, ok = c.Get("default")
	require.False(t, ok, "default TTL should apply")

	c.Set("later", "v", WithTTL(time.Hour))
	c.Set("soon", "v", WithTTL(time.Second))
	require.Equal(t, 2, c.Len(), "already expired entries should not be stored")
	clock.Advance(time.Second)
	require.Equal(t, 1, c.PurgeExpired())
	require.Equal(t, []string{"later"}, c.Keys())
}

func TestSetKeepsCacheOnRejectedValues(t *testing.T) {
	clock := newFakeClock()
	c := newCache[[]byte](t, Config{
		MaxSize:     100,
		Policy:      PolicyLRU,
		Compression: "none",
	}, clock)

	for _, key := range []string{"a", "b"} {
		require.True(t, c.Set(key, bytes.Repeat([]byte(key), 40)))
		clock.Advance(time.Millisecond)
	}

	require.False(t, c.Set("a", bytes.Repeat([]byte("x"), 200)), "oversized value should be rejected")
	v, ok := c.Get("a")
	require.True(t, ok, "rejected value should not drop the old one")
	require.Equal(t, bytes.Repeat([]byte("a"), 40), v)

	require.True(t, c.Set("c", bytes.Repeat([]byte("c"), 40), WithTTL(0)))
	require.Equal(t, []string{"a", "b"}, c.Keys(), "expired value should not evict live entries")
	require.Equal(t, int64(0), c.Statistics().Evictions)
	require.Equal(t, int64(80), memoryUsage(c))

	require.True(t, c.Set("b", []byte("b"), WithTTL(-time.Second)))
	require.False(t, c.Has("b"))
	require.Equal(t, []string{"a"}, c.Keys())
	require.Equal(t, int64(40), memoryUsage(c))
}

func TestEvictionBatch(t *testing.T) {
	type testCase struct {
		name      string
		batch     int
		evictions int64
		remaining int
	}

	for _, tc := range []*testCase{
		{name: "default batch", batch: 0, evictions: 1, remaining: 5},
		{name: "batch of 1", batch: 1, evictions: 1, remaining: 5},
		{name: "batch of 3", batch: 3, evictions: 3, remaining: 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			c := newCache[int](t, Config{
				MaxEntries:       5,
				Policy:           PolicyLRU,
				MinEvictionBatch: tc.batch,
			}, clock)

			for i := 0; i < 6; i++ {
				c.Set(fmt.Sprintf("key%d", i), i)
				clock.Advance(time.Millisecond)
			}

			stats := c.Statistics()
			require.Equal(t, tc.evictions, stats.Evictions)
			require.Equal(t, tc.remaining, stats.Entries)
			require.True(t, c.Has("key5"))
			require.False(t, c.Has("key0"))
		})
	}
}

func TestSizeBasedEviction(t *testing.T) {
	clock := newFakeClock()
	bus := events.NewBus()
	defer bus.Close()

	var (
		lock      sync.Mutex
		evictions []*events.Eviction
	)
	bus.Subscribe("test", func(e *events.Event) {
		lock.Lock()
		defer lock.Unlock()
		evictions = append(evictions, e.Payload.(*events.Eviction))
	}, events.CacheEvicted)

	c := newCache[[]byte](t, Config{
		MaxSize:     100,
		Policy:      PolicyLRU,
		Compression: "none",
	}, clock, WithEventBus(bus), WithName("test"))

	for _, key := range []string{"a", "b", "c"} {
		require.True(t, c.Set(key, bytes.Repeat([]byte(key), 40)))
		clock.Advance(time.Millisecond)
	}

	stats := c.Statistics()
	require.Equal(t, int64(80), stats.MemoryUsage)
	require.Equal(t, memoryUsage(c), stats.MemoryUsage)
	require.Equal(t, []string{"b", "c"}, c.Keys())

	require.False(t, c.Set("huge", make([]byte, 101)), "value larger than the cache")
	require.Equal(t, []string{"b", "c"}, c.Keys())

	bus.Flush()
	lock.Lock()
	defer lock.Unlock()
	require.Len(t, evictions, 1)
	require.Equal(t, []string{"a"}, evictions[0].Keys)
	require.Equal(t, int64(40), evictions[0].Freed)
	require.Equal(t, int64(40), evictions[0].Pending)
}

func TestPriorityEviction(t *testing.T) {
	clock := newFakeClock()
	c := newCache[string](t, Config{MaxEntries: 2, Policy: PolicyLRU}, clock)

	c.Set("A", "a", WithPriority(PriorityHigh))
	clock.Advance(time.Millisecond)
	c.Set("B", "b", WithPriority(PriorityLow))
	clock.Advance(time.Millisecond)
	c.Get("B")
	clock.Advance(time.Millisecond)
	c.Set("C", "c")

	require.Equal(t, []string{"A", "C"}, c.Keys(), "low priority entries should be evicted first")
}

func TestLFUEviction(t *testing.T) {
	clock := newFakeClock()
	c := newCache[string](t, Config{MaxEntries: 2, Policy: PolicyLFU}, clock)

	c.Set("A", "a")
	c.Set("B", "b")
	for i := 0; i < 3; i++ {
		clock.Advance(time.Millisecond)
		c.Get("A")
	}
	clock.Advance(time.Millisecond)
	c.Get("B")
	c.Set("C", "c")

	require.Equal(t, []string{"A", "C"}, c.Keys())
}

func TestPolicies(t *testing.T) {
	for _, name := range Policies() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			c := newCache[int](t, Config{MaxEntries: 10, Policy: name}, clock)
			for i := 0; i < 30; i++ {
				c.Set(fmt.Sprintf("key%d", i), i)
				if i%3 == 0 {
					c.Get(fmt.Sprintf("key%d", i/2))
				}
				clock.Advance(time.Second)
			}
			stats := c.Statistics()
			require.Equal(t, 10, stats.Entries)
			require.Equal(t, int64(20), stats.Evictions)
			require.Equal(t, name, stats.Policy)
			require.Equal(t, memoryUsage(c), stats.MemoryUsage)
			require.True(t, c.Has("key29"), "most recent entry should be kept")
		})
	}

	c := newCache[int](t, Config{}, nil)
	require.ErrorIs(t, c.SetPolicy("random"), ErrUnknownPolicy)
	require.NoError(t, c.SetPolicy("LFU"))
	require.Equal(t, PolicyLFU, c.Policy())

	_, err := New[int](Config{Policy: "random"})
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestPolicyRanking(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	env := Env{Now: now, Pressure: 1}

	rank := func(name string, candidates ...*Candidate) []string {
		p, err := NewPolicy(name)
		require.NoError(t, err)
		p.Rank(candidates, env)
		keys := []string{}
		for _, c := range candidates {
			keys = append(keys, c.Key)
		}
		return keys
	}

	var (
		stale = &Candidate{Key: "stale", LastAccessed: now.Add(-time.Hour), AccessCount: 1}
		busy  = &Candidate{Key: "busy", LastAccessed: now.Add(-30 * time.Minute), AccessCount: 50}
		fresh = &Candidate{Key: "fresh", LastAccessed: now, AccessCount: 2}
	)
	require.Equal(t, []string{"stale", "busy", "fresh"}, rank(PolicyLRU, fresh, busy, stale))
	require.Equal(t, []string{"stale", "fresh", "busy"}, rank(PolicyLFU, fresh, busy, stale))
	require.Equal(t, []string{"stale", "busy", "fresh"}, rank(PolicyAdaptive, fresh, busy, stale),
		"adaptive policy should favor recency under pressure")

	var (
		far  = &Candidate{Key: "far", LastAccessed: now, NextAccess: now.Add(time.Hour), Confidence: 1}
		near = &Candidate{Key: "near", LastAccessed: now, NextAccess: now.Add(time.Minute), Confidence: 1}
	)
	require.Equal(t, []string{"far", "near"}, rank(PolicyPredictive, near, far))

	var (
		worst = &Candidate{Key: "worst", LastAccessed: now.Add(-time.Hour), AccessCount: 0,
			NextAccess: now.Add(2 * time.Hour), Confidence: 1}
		best = &Candidate{Key: "best", LastAccessed: now, AccessCount: 100,
			NextAccess: now.Add(time.Second), Confidence: 1, Score: 1}
	)
	require.Equal(t, []string{"worst", "best"}, rank(PolicyHybrid, best, worst))
}

func TestRoundTrip(t *testing.T) {
	type record struct {
		Name  string
		Count int
		Tags  []string
	}

	c := newCache[record](t, Config{}, nil)
	in := record{Name: "test", Count: 42, Tags: []string{"a", "b"}}
	require.True(t, c.Set("key", in))

	out, ok := c.Get("key")
	require.True(t, ok)
	require.Equal(t, in, out)

	_, ok = c.Get("missing")
	require.False(t, ok)

	stats := c.Statistics()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, 0.5, stats.HitRate)
}

type mixed struct {
	Name   string
	hidden int
}

type withSlices struct {
	Items []string
	Index map[string]int
}

func TestRoundTripIsExact(t *testing.T) {
	m := newCache[mixed](t, Config{}, nil)
	require.True(t, m.Set("mixed", mixed{Name: "x", hidden: 7}))
	out, ok := m.Get("mixed")
	require.True(t, ok)
	require.Equal(t, mixed{Name: "x", hidden: 7}, out)

	s := newCache[withSlices](t, Config{}, nil)
	in := withSlices{Items: []string{}, Index: map[string]int{}}
	require.True(t, s.Set("empty", in))
	got, ok := s.Get("empty")
	require.True(t, ok)
	require.NotNil(t, got.Items)
	require.NotNil(t, got.Index)
	require.Equal(t, in, got)

	full := withSlices{Items: []string{"a"}, Index: map[string]int{"a": 1}}
	require.True(t, s.Set("full", full))
	got, ok = s.Get("full")
	require.True(t, ok)
	require.Equal(t, full, got)

	entries := s.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, int64(1), s.Statistics().SerializationFailures)
}

func TestNilPointerValue(t *testing.T) {
	c := newCache[*int](t, Config{}, nil)

	require.NotPanics(t, func() {
		require.True(t, c.Set("nil", (*int)(nil)))
	})
	v, ok := c.Get("nil")
	require.True(t, ok)
	require.Nil(t, v)

	n := 42
	require.True(t, c.Set("set", &n))
	v, ok = c.Get("set")
	require.True(t, ok)
	require.Equal(t, 42, *v)
}

func TestCompression(t *testing.T) {
	c := newCache[[]byte](t, Config{Compression: "s2", CompressionThreshold: 64}, nil)

	value := bytes.Repeat([]byte("compressible "), 1000)
	require.True(t, c.Set("big", value))
	require.True(t, c.Set("small", []byte("tiny")))
	require.True(t, c.Set("forced-off", value, WithCompression(false)))

	entries := c.Entries()
	require.Len(t, entries, 3)
	require.True(t, entries[0].Compressed, "big value should be compressed")
	require.Less(t, entries[0].Size, entries[0].OriginalSize)
	require.False(t, entries[1].Compressed)
	require.False(t, entries[2].Compressed)

	out, ok := c.Get("big")
	require.True(t, ok)
	require.Equal(t, value, out)

	stats := c.Statistics()
	require.Equal(t, 1, stats.CompressedEntries)
	require.Greater(t, stats.CompressionSavings, int64(0))
	require.Equal(t, memoryUsage(c), stats.MemoryUsage)
}

type opaque struct {
	n int
}

func TestSerializationFailure(t *testing.T) {
	c := newCache[opaque](t, Config{}, nil)

	require.True(t, c.Set("key", opaque{n: 42}), "serialization failure should not fail Set")

	v, ok := c.Get("key")
	require.True(t, ok)
	require.Equal(t, opaque{n: 42}, v)

	entries := c.Entries()
	require.Len(t, entries, 1)
	require.True(t, entries[0].Lossy)
	require.Equal(t, int64(len("{42}")), entries[0].Size)
	require.Equal(t, int64(1), c.Statistics().SerializationFailures)
}

func TestDeleteClearPrune(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	cleared := make(chan *events.Event, 1)
	bus.Subscribe("test", func(e *events.Event) { cleared <- e }, events.CacheCleared)

	c := newCache[string](t, Config{}, nil, WithEventBus(bus))

	for i := 0; i < 6; i++ {
		tag := "even"
		if i%2 == 1 {
			tag = "odd"
		}
		c.Set(fmt.Sprintf("key%d", i), "v", WithTags(tag), WithMetadata(map[string]string{"i": fmt.Sprint(i)}))
	}

	require.True(t, c.Delete("key0"))
	require.False(t, c.Delete("key0"), "deleting an absent key is a no-op")

	n := c.Prune(func(e Entry) bool {
		for _, tag := range e.Tags {
			if tag == "odd" {
				return true
			}
		}
		return false
	})
	require.Equal(t, 3, n)
	require.Equal(t, []string{"key2", "key4"}, c.Keys())
	require.Equal(t, "2", c.Entries()[0].Metadata["i"])

	require.Equal(t, 2, c.Clear())
	require.Equal(t, 0, c.Len())
	require.Equal(t, int64(0), c.Statistics().MemoryUsage)

	bus.Flush()
	require.Len(t, cleared, 1)
}

func TestResize(t *testing.T) {
	clock := newFakeClock()
	c := newCache[int](t, Config{Policy: PolicyLRU}, clock)

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("key%d", i), i)
		clock.Advance(time.Millisecond)
	}

	require.NoError(t, c.Resize(0, 4))
	require.Equal(t, []string{"key6", "key7", "key8", "key9"}, c.Keys())
	require.Equal(t, int64(6), c.Statistics().Evictions)

	size, entries := c.Limits()
	require.Equal(t, int64(0), size)
	require.Equal(t, 4, entries)

	require.ErrorIs(t, c.Resize(-1, 0), ErrInvalidConfiguration)
}

func TestAccessPattern(t *testing.T) {
	clock := newFakeClock()
	c := newCache[string](t, Config{}, clock)

	c.Set("key", "v")
	for i := 0; i < 6; i++ {
		c.Get("key")
		clock.Advance(10 * time.Second)
	}
	last := clock.Now().Add(-10 * time.Second)

	p, ok := c.Pattern("key")
	require.True(t, ok)
	require.Len(t, p.History, 6)
	require.Equal(t, 6, p.Hours[10])
	require.Equal(t, 10*time.Second, p.Interval)
	require.InDelta(t, 0, p.Trend, 1e-9)
	require.InDelta(t, 1.0, p.Confidence, 1e-9)
	require.Equal(t, last.Add(10*time.Second), p.NextAccess)

	_, ok = c.Pattern("missing")
	require.False(t, ok)
}

func TestAccessHistoryIsBounded(t *testing.T) {
	clock := newFakeClock()
	c := newCache[string](t, Config{HistorySize: 5}, clock)

	c.Set("key", "v")
	for i := 0; i < 20; i++ {
		c.Get("key")
		clock.Advance(time.Duration(i+1) * time.Second)
	}

	p, ok := c.Pattern("key")
	require.True(t, ok)
	require.Len(t, p.History, 5)
	require.Greater(t, p.Trend, 0.0, "growing intervals should give a positive trend")
	require.Less(t, p.Confidence, 1.0)
}

func TestModelRetraining(t *testing.T) {
	clock := newFakeClock()
	c := newCache[int](t, Config{MaxEntries: 5, Policy: PolicyLRU}, clock)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key%d", i)
		c.Set(key, i)
		if i%2 == 0 {
			c.Get(key)
		}
		clock.Advance(time.Second)
	}

	before := c.Model()
	c.Retrain()
	after := c.Model()

	require.Equal(t, ModelWeightedFeatures, after.Type)
	require.NotEqual(t, before.Weights, after.Weights)
	require.Equal(t, clock.Now(), after.TrainedAt)
	require.Greater(t, after.Samples, 0)
	require.GreaterOrEqual(t, after.Accuracy, 0.0)
	require.LessOrEqual(t, after.Accuracy, 1.0)
}

func TestPrefetch(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		Prefetch: PrefetchConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   10,
		},
	}
	c := newCache[[]byte](t, cfg, clock)

	var (
		lock   sync.Mutex
		loaded []string
	)
	c.SetLoader(func(_ context.Context, key string) ([]byte, error) {
		lock.Lock()
		defer lock.Unlock()
		loaded = append(loaded, key)
		return []byte("loaded-" + key), nil
	})

	c.Set("key", []byte("v"))
	c.Set("other", []byte("v"))
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		c.Get("key")
		c.Get("other")
	}
	require.True(t, c.Delete("key"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	c.Maintain(ctx)

	require.Eventually(t, func() bool {
		return c.Statistics().PrefetchLoaded == 1
	}, 5*time.Second, 10*time.Millisecond)

	v, ok := c.Get("key")
	require.True(t, ok)
	require.Equal(t, []byte("loaded-key"), v)

	stats := c.Statistics()
	require.Equal(t, int64(1), stats.PrefetchQueued)
	require.Equal(t, int64(1), stats.PrefetchLoaded)
	require.Equal(t, int64(1), stats.PrefetchHits)

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []string{"key"}, loaded)
}

func TestConcurrentAccess(t *testing.T) {
	c := newCache[int](t, Config{MaxEntries: 50}, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key%d", (i*w)%100)
				switch i % 3 {
				case 0:
					c.Set(key, i)
				case 1:
					c.Get(key)
				default:
					c.Delete(key)
				}
			}
		}(w)
	}
	wg.Wait()

	stats := c.Statistics()
	require.LessOrEqual(t, stats.Entries, 50)
	require.Equal(t, memoryUsage(c), stats.MemoryUsage)
}
