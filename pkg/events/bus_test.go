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

package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memgov/pkg/events"
)

type recorder struct {
	sync.Mutex
	events []*Event
}

func (r *recorder) handle(e *Event) {
	r.Lock()
	defer r.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []Kind {
	r.Lock()
	defer r.Unlock()
	kinds := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestPublishSubscribe(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bus := NewBus(WithClock(func() time.Time { return now }))
	defer bus.Close()

	var (
		all    = &recorder{}
		pools  = &recorder{}
		alerts = &recorder{}
	)

	bus.Subscribe("all", all.handle)
	bus.Subscribe("pools", pools.handle, PoolAllocated, PoolDeallocated)
	bus.Subscribe("alerts", alerts.handle, AlertRaised)

	bus.Publish(PoolAllocated, "test", &Allocation{ID: "a1", Size: 10})
	bus.Publish(PressureChanged, "test", &Pressure{Level: PressureWarning})
	bus.Publish(PoolDeallocated, "test", &Allocation{ID: "a1", Size: 10})
	bus.Flush()

	require.Equal(t, []Kind{PoolAllocated, PressureChanged, PoolDeallocated}, all.kinds())
	require.Equal(t, []Kind{PoolAllocated, PoolDeallocated}, pools.kinds())
	require.Empty(t, alerts.kinds())
	require.Equal(t, int64(3), bus.Published())
	require.Equal(t, now, all.events[0].Time)
	require.Equal(t, "test", all.events[0].Source)
}

func TestDropOnFullQueue(t *testing.T) {
	bus := NewBus(WithQueueSize(1))
	defer bus.Close()

	block := make(chan struct{})
	r := &recorder{}
	sub := bus.Subscribe("slow", func(e *Event) {
		<-block
		r.handle(e)
	})

	for i := 0; i < 10; i++ {
		bus.Publish(CacheEvicted, "test", nil)
	}
	close(block)
	bus.Flush()

	require.Greater(t, sub.Dropped(), int64(0), "events should be dropped, not block the publisher")
	require.Equal(t, sub.Dropped(), bus.Dropped())
	require.Equal(t, int64(10), int64(len(r.kinds()))+sub.Dropped())
}

func TestDropWarningsAreRateLimited(t *testing.T) {
	bus := NewBus(WithQueueSize(1), WithDropLogInterval(time.Hour))
	defer bus.Close()

	block := make(chan struct{})
	sub := bus.Subscribe("slow", func(*Event) { <-block })

	for i := 0; i < 100; i++ {
		bus.Publish(PoolAllocated, "test", nil)
	}
	close(block)
	bus.Flush()

	require.GreaterOrEqual(t, sub.Dropped(), int64(98))
	require.Equal(t, int64(1), bus.DropWarnings(), "drop warnings should be rate limited")
}

func TestHandlerPanic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	r := &recorder{}
	bus.Subscribe("panicky", func(e *Event) {
		if e.Kind == AlertRaised {
			panic("boom")
		}
		r.handle(e)
	})

	bus.Publish(AlertRaised, "test", nil)
	bus.Publish(AlertResolved, "test", nil)
	bus.Flush()

	require.Equal(t, []Kind{AlertResolved}, r.kinds())
}

func TestUnsubscribeAndClose(t *testing.T) {
	bus := NewBus()

	r := &recorder{}
	sub := bus.Subscribe("test", r.handle)
	bus.Publish(LeakDetected, "test", nil)
	sub.Unsubscribe()
	sub.Unsubscribe()
	bus.Publish(LeakDetected, "test", nil)
	bus.Flush()

	require.Equal(t, []Kind{LeakDetected}, r.kinds())

	bus.Close()
	bus.Close()
	bus.Publish(LeakDetected, "test", nil)

	late := bus.Subscribe("late", r.handle)
	late.Unsubscribe()

	var nilBus *Bus
	nilBus.Publish(LeakDetected, "test", nil)
}

func TestKindNames(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range Kinds() {
		name := k.String()
		require.NotEmpty(t, name)
		require.False(t, seen[name], "duplicate kind name %q", name)
		seen[name] = true
	}
	require.Equal(t, "warning", PressureWarning.String())
}
