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

package pool_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/memgov/pkg/events"
	. "github.com/containers/memgov/pkg/pool"
)

const (
	KiB = int64(1024)
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

type fakeClock struct {
	sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func policy(strategy Strategy, autoResize bool) Policy {
	p := DefaultPolicy()
	p.Strategy = strategy
	p.AutoResize = autoResize
	return p
}

func newAllocator(t *testing.T, options ...AllocatorOption) *Allocator {
	a, err := NewAllocator(append([]AllocatorOption{WithCeiling(GiB)}, options...)...)
	require.NoError(t, err, "unexpected NewAllocator() error")
	require.NotNil(t, a, "unexpected nil allocator")
	return a
}

func TestCreatePool(t *testing.T) {
	type testCase struct {
		name   string
		id     string
		size   int64
		policy Policy
		fail   error
	}

	badStrategy := DefaultPolicy()
	badStrategy.Strategy = Strategy(17)
	badThreshold := DefaultPolicy()
	badThreshold.CompactionThreshold = 1.5
	badMax := DefaultPolicy()
	badMax.MaxSize = 512
	badGrowth := DefaultPolicy()
	badGrowth.GrowthFactor = 1

	for _, tc := range []*testCase{
		{name: "valid pool", id: "test", size: MiB, policy: DefaultPolicy()},
		{name: "duplicate pool", id: "default", size: MiB, policy: DefaultPolicy(), fail: ErrPoolExists},
		{name: "zero size", id: "test", size: 0, policy: DefaultPolicy(), fail: ErrInvalidConfiguration},
		{name: "negative size", id: "test", size: -1, policy: DefaultPolicy(), fail: ErrInvalidConfiguration},
		{name: "empty ID", id: "", size: MiB, policy: DefaultPolicy(), fail: ErrInvalidConfiguration},
		{name: "bad strategy", id: "test", size: MiB, policy: badStrategy, fail: ErrInvalidConfiguration},
		{name: "bad threshold", id: "test", size: MiB, policy: badThreshold, fail: ErrInvalidConfiguration},
		{name: "max size below size", id: "test", size: MiB, policy: badMax, fail: ErrInvalidConfiguration},
		{name: "bad growth factor", id: "test", size: MiB, policy: badGrowth, fail: ErrInvalidConfiguration},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := newAllocator(t, WithPool("default", MiB, DefaultPolicy()))
			err := a.CreatePool(tc.id, tc.size, tc.policy)
			if tc.fail != nil {
				require.ErrorIs(t, err, tc.fail)
				require.Len(t, a.Pools(), 1)
				return
			}
			require.NoError(t, err)

			info, err := a.Info(tc.id)
			require.NoError(t, err)
			require.Equal(t, tc.size, info.Total)
			require.Equal(t, tc.size, info.Free)
			require.Equal(t, 1, info.Fragments)
			require.Equal(t, 0.0, info.Fragmentation)
		})
	}
}

func TestAllocateErrors(t *testing.T) {
	a := newAllocator(t)

	_, err := a.Allocate(KiB, CategoryBuffer, "test")
	require.ErrorIs(t, err, ErrPoolNotFound, "allocation without pools")

	require.NoError(t, a.CreatePool("test", MiB, policy(FirstFit, false)))

	_, err = a.Allocate(KiB, CategoryBuffer, "test", InPool("missing"))
	require.ErrorIs(t, err, ErrPoolNotFound)

	_, err = a.Allocate(0, CategoryBuffer, "test")
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = a.Allocate(KiB, CategoryBuffer, "test", WithAlignment(3))
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = a.Allocate(KiB, Category(9), "test")
	require.ErrorIs(t, err, ErrInvalidCategory)

	_, err = a.Allocate(KiB, CategoryBuffer, "test", WithPriority(Priority(9)))
	require.ErrorIs(t, err, ErrInvalidPriority)

	_, err = a.Allocate(2*MiB, CategoryBuffer, "test")
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, a.Validate())
}

func TestFirstFitReusesFreedFragment(t *testing.T) {
	a := newAllocator(t, WithPool("test", MiB, policy(FirstFit, true)))

	id1, err := a.Allocate(300*KiB, CategoryBuffer, "test")
	require.NoError(t, err)
	_, err = a.Allocate(300*KiB, CategoryBuffer, "test")
	require.NoError(t, err)

	require.True(t, a.Deallocate(id1))

	id3, err := a.Allocate(250*KiB, CategoryBuffer, "test")
	require.NoError(t, err)

	al, ok := a.Allocation(id3)
	require.True(t, ok)
	require.Equal(t, int64(0), al.Offset, "freed fragment should be reused")

	info, err := a.Info("test")
	require.NoError(t, err)
	require.Equal(t, MiB, info.Total, "pool should not have been expanded")
	require.Equal(t, int64(0), info.Stats.Expansions)
	require.Equal(t, int64(3), info.Stats.Allocations)
	require.Equal(t, 2, info.Allocations)
	require.Equal(t, 550*KiB, info.Allocated)
	require.Equal(t, info.Total, info.Allocated+info.Free)

	frags, err := a.Fragments("test")
	require.NoError(t, err)
	require.Len(t, frags, 4)
	require.False(t, frags[0].Free)
	require.True(t, frags[1].Free)
	require.Equal(t, 50*KiB, frags[1].Size)
}

func TestPlacementStrategies(t *testing.T) {
	type testCase struct {
		strategy Strategy
		offset   int64
	}

	// Free space after setup: [0,96), [144,424), [472,672), [720,1024).
	setup := func(t *testing.T, a *Allocator) {
		var free []string
		for i, size := range []int64{96, 48, 280, 48, 200, 48} {
			id, err := a.Allocate(size, CategoryPersistent, "test", InPool("test"))
			require.NoError(t, err)
			if i%2 == 0 {
				free = append(free, id)
			}
		}
		for _, id := range free {
			require.True(t, a.Deallocate(id))
		}
	}

	for _, tc := range []*testCase{
		{strategy: FirstFit, offset: 144},
		{strategy: BestFit, offset: 472},
		{strategy: WorstFit, offset: 720},
	} {
		t.Run(tc.strategy.String(), func(t *testing.T) {
			a := newAllocator(t, WithPool("test", 1024, policy(tc.strategy, false)))
			setup(t, a)

			id, err := a.Allocate(200, CategoryPersistent, "test", InPool("test"))
			require.NoError(t, err)

			al, ok := a.Allocation(id)
			require.True(t, ok)
			require.Equal(t, tc.offset, al.Offset)
			require.NoError(t, a.Validate())
		})
	}
}

func TestBuddySystem(t *testing.T) {
	a := newAllocator(t, WithPool("test", 1024, policy(BuddySystem, false)))

	id1, err := a.Allocate(100, CategoryBuffer, "test")
	require.NoError(t, err)
	al, _ := a.Allocation(id1)
	require.Equal(t, int64(128), al.Size, "size should be rounded to a power of 2")
	require.Equal(t, int64(100), al.Requested)

	id2, err := a.Allocate(200, CategoryBuffer, "test")
	require.NoError(t, err)
	al, _ = a.Allocation(id2)
	require.Equal(t, int64(256), al.Size)
	require.Equal(t, int64(128), al.Offset)

	// Free space is now [384,1024). Punch a power-of-two hole and check it is preferred.
	_, err = a.Allocate(256, CategoryBuffer, "test")
	require.NoError(t, err)
	require.True(t, a.Deallocate(id1))

	id4, err := a.Allocate(60, CategoryBuffer, "test")
	require.NoError(t, err)
	al, _ = a.Allocation(id4)
	require.Equal(t, int64(64), al.Size)
	require.Equal(t, int64(0), al.Offset, "power-of-two sized hole should be preferred")

	require.NoError(t, a.Validate())
}

func TestDeallocateTwice(t *testing.T) {
	a := newAllocator(t, WithPool("test", MiB, DefaultPolicy()))

	id, err := a.Allocate(KiB, CategoryBuffer, "test")
	require.NoError(t, err)

	require.True(t, a.Deallocate(id), "first deallocation")
	require.False(t, a.Deallocate(id), "second deallocation should be a no-op")
	require.False(t, a.Deallocate("no-such-id"))

	info, err := a.Info("test")
	require.NoError(t, err)
	require.Equal(t, int64(0), info.Allocated)
	require.Equal(t, int64(1), info.Stats.Deallocations)
	require.Equal(t, 1, info.Fragments)
}

func TestCategoryAffinity(t *testing.T) {
	a := newAllocator(t,
		WithPool("buffers", MiB, DefaultPolicy(), CategoryBuffer),
		WithPool("caches", MiB, DefaultPolicy(), CategoryCache),
		WithPool("other", 4*MiB, DefaultPolicy()),
	)

	id, err := a.Allocate(KiB, CategoryCache, "test")
	require.NoError(t, err)
	al, _ := a.Allocation(id)
	require.Equal(t, "caches", al.Pool)

	id, err = a.Allocate(KiB, CategoryBuffer, "test")
	require.NoError(t, err)
	al, _ = a.Allocation(id)
	require.Equal(t, "buffers", al.Pool)

	// transient has no affinity, least utilized pool with room is used
	id, err = a.Allocate(KiB, CategoryTransient, "test")
	require.NoError(t, err)
	al, _ = a.Allocation(id)
	require.Equal(t, "other", al.Pool)
}

func TestExpansion(t *testing.T) {
	p := policy(FirstFit, true)
	p.MaxSize = 2048

	bus := events.NewBus()
	defer bus.Close()

	var (
		lock     sync.Mutex
		expanded []*events.Expansion
	)
	bus.Subscribe("test", func(e *events.Event) {
		lock.Lock()
		defer lock.Unlock()
		expanded = append(expanded, e.Payload.(*events.Expansion))
	}, events.PoolExpanded)

	a := newAllocator(t, WithPool("test", 1024, p), WithEventBus(bus))

	_, err := a.Allocate(1024, CategoryPersistent, "test")
	require.NoError(t, err)

	_, err = a.Allocate(256, CategoryPersistent, "test")
	require.NoError(t, err)

	info, err := a.Info("test")
	require.NoError(t, err)
	require.Equal(t, int64(1536), info.Total, "pool should grow by total*(growthFactor-1)")
	require.Equal(t, int64(1), info.Stats.Expansions)

	_, err = a.Allocate(1024, CategoryPersistent, "test")
	require.ErrorIs(t, err, ErrPoolExhausted, "expansion beyond max size")

	_, err = a.Allocate(512, CategoryPersistent, "test")
	require.NoError(t, err, "expansion up to max size")

	info, err = a.Info("test")
	require.NoError(t, err)
	require.Equal(t, int64(2048), info.Total)
	require.Equal(t, info.Total, info.Allocated+info.Free)

	bus.Flush()
	lock.Lock()
	defer lock.Unlock()
	require.Len(t, expanded, 2)
	require.Equal(t, int64(1024), expanded[0].OldSize)
	require.Equal(t, int64(1536), expanded[0].NewSize)
}

func TestExpansionBoundedByCeiling(t *testing.T) {
	a := newAllocator(t,
		WithCeiling(1500),
		WithPool("test", 1024, policy(FirstFit, true)),
	)

	_, err := a.Allocate(1024, CategoryPersistent, "test")
	require.NoError(t, err)
	_, err = a.Allocate(256, CategoryPersistent, "test")
	require.NoError(t, err)

	info, err := a.Info("test")
	require.NoError(t, err)
	require.Equal(t, int64(1350), info.Total, "pool should grow up to 90% of the ceiling")

	_, err = a.Allocate(200, CategoryPersistent, "test")
	require.ErrorIs(t, err, ErrPoolExhausted)

	info, err = a.Info("test")
	require.NoError(t, err)
	require.Equal(t, int64(1350), info.Total)
	require.Equal(t, int64(1), info.Stats.Failures)
}

func TestGarbageCollection(t *testing.T) {
	clock := newFakeClock()
	a := newAllocator(t,
		WithClock(clock.Now),
		WithPool("test", MiB, policy(FirstFit, false)),
	)

	alloc := func(c Category, p Priority) string {
		id, err := a.Allocate(KiB, c, "test", WithPriority(p))
		require.NoError(t, err)
		return id
	}

	var (
		transient = alloc(CategoryTransient, PriorityNormal)
		critical  = alloc(CategoryTransient, PriorityCritical)
		cache     = alloc(CategoryCache, PriorityNormal)
		hot       = alloc(CategoryCache, PriorityNormal)
		buffer    = alloc(CategoryBuffer, PriorityNormal)
		important = alloc(CategoryTransient, PriorityHigh)
	)
	for i := 0; i < 5; i++ {
		require.True(t, a.Touch(hot))
	}

	live := func(id string) bool {
		_, ok := a.Allocation(id)
		return ok
	}

	clock.Advance(45 * time.Second)
	r, err := a.OptimizePool("test", GCNormal)
	require.NoError(t, err)
	require.Equal(t, 1, r.Collected)
	require.False(t, live(transient), "transient allocation should be collected first")
	require.True(t, live(important), "high priority should double the age threshold")
	require.True(t, live(cache), "idle cache allocation below the age threshold")

	clock.Advance(2 * time.Minute)
	_, err = a.OptimizePool("test", GCNormal)
	require.NoError(t, err)
	require.False(t, live(important))
	require.False(t, live(cache), "rarely accessed idle cache allocation should be collected")
	require.True(t, live(hot), "frequently accessed cache allocation should be kept")
	require.True(t, live(buffer))
	require.True(t, live(critical))

	_, err = a.OptimizePool("test", GCForced)
	require.NoError(t, err)
	require.False(t, live(hot), "forced GC should collect non-critical cache")
	require.True(t, live(buffer), "forced GC should keep fresh buffers")
	require.True(t, live(critical), "critical allocations are never collected")

	require.False(t, a.Deallocate(cache), "collected allocation should be unknown")
	require.NoError(t, a.Validate())
}

func TestCompaction(t *testing.T) {
	const (
		blockSize = 10000
		blocks    = 100
	)

	a := newAllocator(t, WithPool("test", blockSize*blocks, policy(FirstFit, false)))

	ids := make([]string, 0, blocks)
	for i := 0; i < blocks; i++ {
		id, err := a.Allocate(blockSize, CategoryPersistent, "test")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 0; i < blocks; i += 2 {
		require.True(t, a.Deallocate(ids[i]))
	}

	before, err := a.Info("test")
	require.NoError(t, err)
	require.InDelta(t, 0.98, before.Fragmentation, 0.001)

	_, err = a.Allocate(2*blockSize, CategoryPersistent, "test", WithPriority(PriorityCritical))
	require.NoError(t, err, "allocation should succeed after compaction")

	after, err := a.Info("test")
	require.NoError(t, err)
	require.Equal(t, int64(1), after.Stats.Compactions)
	require.Equal(t, before.Allocated+2*blockSize, after.Allocated)
	require.Equal(t, 0.0, after.Fragmentation)
	require.NoError(t, a.Validate())

	frags, err := a.Fragments("test")
	require.NoError(t, err)
	require.Len(t, frags, blocks/2+2)
	require.True(t, frags[len(frags)-1].Free)
}

func TestOptimizeReducesFragmentation(t *testing.T) {
	a := newAllocator(t, WithPool("test", 1000*8, policy(FirstFit, false)))

	var ids []string
	for i := 0; i < 100; i++ {
		id, err := a.Allocate(80, CategoryPersistent, "test")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < 100; i += 2 {
		require.True(t, a.Deallocate(ids[i]))
	}

	before, err := a.Info("test")
	require.NoError(t, err)
	require.Greater(t, before.Fragmentation, 0.95)

	r, err := a.OptimizePool("test", GCNormal)
	require.NoError(t, err)
	require.True(t, r.Compacted)
	require.Greater(t, r.BytesDefragmented, int64(0))
	require.Equal(t, 0.0, r.FragmentationAfter)
	require.NotEmpty(t, r.Improvement)

	after, err := a.Info("test")
	require.NoError(t, err)
	require.Equal(t, before.Allocated, after.Allocated)
	require.Equal(t, 51, after.Fragments)
	require.Equal(t, 1, after.FreeFragments)

	_, err = a.OptimizePool("missing", GCNormal)
	require.ErrorIs(t, err, ErrPoolNotFound)
}

func TestPressureEscalation(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	var (
		lock   sync.Mutex
		levels []events.PressureLevel
	)
	bus.Subscribe("test", func(e *events.Event) {
		lock.Lock()
		defer lock.Unlock()
		levels = append(levels, e.Payload.(*events.Pressure).Level)
	}, events.PressureChanged)

	a := newAllocator(t,
		WithCeiling(1000),
		WithEventBus(bus),
		WithPool("test", 1000, policy(FirstFit, false)),
	)

	persistent, err := a.Allocate(504, CategoryPersistent, "test")
	require.NoError(t, err)
	require.Equal(t, events.PressureNone, a.PressureLevel())

	older, err := a.Allocate(160, CategoryCache, "test")
	require.NoError(t, err)
	require.Equal(t, events.PressureWarning, a.PressureLevel())
	require.Equal(t, GCNormal, a.GCMode())

	cache, err := a.Allocate(240, CategoryCache, "test")
	require.NoError(t, err)

	_, ok := a.Allocation(older)
	require.False(t, ok, "emergency pressure should force collecting older cache")
	al, ok := a.Allocation(cache)
	require.True(t, ok, "emergency pressure must not collect the triggering allocation")
	require.Equal(t, int64(240), al.Size)
	require.Equal(t, events.PressureCritical, a.PressureLevel())
	require.Equal(t, GCAggressive, a.GCMode())
	require.Equal(t, int64(744), a.OwnerUsage("test").Bytes)

	require.True(t, a.Deallocate(persistent))
	require.Equal(t, events.PressureNone, a.PressureLevel())
	require.Equal(t, GCNormal, a.GCMode())

	u := a.Usage()
	require.Equal(t, int64(240), u.Allocated)
	require.Equal(t, int64(1000), u.Ceiling)
	require.InDelta(t, 0.24, u.Ratio, 0.0001)

	bus.Flush()
	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []events.PressureLevel{
		events.PressureWarning,
		events.PressureEmergency,
		events.PressureCritical,
		events.PressureNone,
	}, levels)
}

func TestEmergencyKeepsTriggeringAllocation(t *testing.T) {
	for _, category := range []Category{CategoryCache, CategoryTransient} {
		a := newAllocator(t,
			WithCeiling(1<<20),
			WithPool("test", 1<<20, policy(FirstFit, false)),
		)

		id, err := a.Allocate(950<<10, category, "svc")
		require.NoError(t, err, category.String())

		al, ok := a.Allocation(id)
		require.True(t, ok, category.String())
		require.Equal(t, int64(950<<10), al.Size)
		require.Equal(t, events.PressureEmergency, a.PressureLevel())
		require.Equal(t, int64(950<<10), a.Usage().Allocated)
		require.Equal(t, int64(950<<10), a.OwnerUsage("svc").Bytes)
		require.NoError(t, a.Validate())
	}
}

func TestPressureHysteresis(t *testing.T) {
	type testCase struct {
		current events.PressureLevel
		ratio   float64
		next    events.PressureLevel
	}

	thresholds := DefaultThresholds()

	for _, tc := range []*testCase{
		{events.PressureNone, 0.50, events.PressureNone},
		{events.PressureNone, 0.65, events.PressureWarning},
		{events.PressureNone, 0.85, events.PressureCritical},
		{events.PressureNone, 0.95, events.PressureEmergency},
		{events.PressureWarning, 0.60, events.PressureWarning},
		{events.PressureWarning, 0.58, events.PressureNone},
		{events.PressureCritical, 0.75, events.PressureCritical},
		{events.PressureCritical, 0.70, events.PressureWarning},
		{events.PressureCritical, 0.10, events.PressureNone},
		{events.PressureEmergency, 0.82, events.PressureEmergency},
		{events.PressureEmergency, 0.80, events.PressureCritical},
		{events.PressureEmergency, 0.60, events.PressureWarning},
	} {
		name := fmt.Sprintf("%s at %.3f", tc.current, tc.ratio)
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.next, thresholds.Next(tc.current, tc.ratio))
		})
	}

	require.Error(t, Thresholds{Warning: 0.9, Critical: 0.8, Emergency: 0.95}.Validate())
	require.NoError(t, thresholds.Validate())
}

func TestOwnerUsage(t *testing.T) {
	a := newAllocator(t, WithPool("test", MiB, DefaultPolicy()))

	for i := 0; i < 3; i++ {
		_, err := a.Allocate(100, CategoryBuffer, "svc-a", WithTags("tag"))
		require.NoError(t, err)
	}
	id, err := a.Allocate(KiB, CategoryCache, "svc-b")
	require.NoError(t, err)
	a.Touch(id)

	u := a.OwnerUsage("svc-a")
	require.Equal(t, 3, u.Allocations)
	require.Equal(t, int64(3*104), u.Bytes)
	require.Equal(t, int64(300), u.Requested)

	u = a.OwnerUsage("svc-b")
	require.Equal(t, int64(1), u.Accesses)

	require.Equal(t, []string{"svc-a", "svc-b"}, a.Owners())

	allocs := a.Allocations(OfOwner("svc-a"))
	require.Len(t, allocs, 3)
	require.True(t, allocs[0].HasTag("tag"))
	require.Len(t, a.Allocations(OfCategory(CategoryCache)), 1)
}

func TestConcurrentAllocations(t *testing.T) {
	a := newAllocator(t, WithPool("test", 16*MiB, policy(BestFit, false)))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id, err := a.Allocate(int64(64+(i*w)%4096), CategoryBuffer, fmt.Sprintf("w%d", w))
				if err != nil {
					continue
				}
				if i%3 != 0 {
					a.Deallocate(id)
				}
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, a.Validate())
	info, err := a.Info("test")
	require.NoError(t, err)
	require.Equal(t, info.Total, info.Allocated+info.Free)
}
