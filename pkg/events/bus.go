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

package events

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logger "github.com/containers/memgov/pkg/log"
)

var log = logger.Get("events")

// Handler processes a single event. Handlers must be idempotent: the same
// real world occurrence may show up as multiple, similar events.
type Handler func(*Event)

const (
	// DefaultQueueSize is the default per-subscriber queue length.
	DefaultQueueSize = 64
	// DefaultDropLogInterval is the default minimum interval between
	// warnings about dropped events.
	DefaultDropLogInterval = 10 * time.Second
)

// Bus is a typed publish/subscribe event bus.
type Bus struct {
	lock      sync.RWMutex
	subs      map[int]*Subscription
	nextID    int
	queueSize int
	closed    bool
	dropped   atomic.Int64
	published atomic.Int64
	unlogged  atomic.Int64
	warned    atomic.Int64
	dropLog   *rate.Limiter
	now       func() time.Time
}

// Subscription is a registered event handler.
type Subscription struct {
	id      int
	name    string
	bus     *Bus
	kinds   map[Kind]struct{}
	fn      Handler
	queue   chan interface{}
	done    chan struct{}
	dropped atomic.Int64
}

// flush is a marker used to wait for the delivery of queued events.
type flush chan struct{}

// Option is an option for a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue length.
func WithQueueSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// WithDropLogInterval sets the minimum interval between warnings about
// dropped events. Drops in between are counted and reported together.
func WithDropLogInterval(interval time.Duration) Option {
	return func(b *Bus) {
		if interval > 0 {
			b.dropLog = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// WithClock sets the clock used to timestamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// NewBus creates a new event bus.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		subs:      make(map[int]*Subscription),
		queueSize: DefaultQueueSize,
		dropLog:   rate.NewLimiter(rate.Every(DefaultDropLogInterval), 1),
		now:       time.Now,
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// Subscribe registers a handler for the given kinds of events. If no
// kinds are given, the handler receives all events.
func (b *Bus) Subscribe(name string, fn Handler, kinds ...Kind) *Subscription {
	b.lock.Lock()
	defer b.lock.Unlock()

	s := &Subscription{
		id:    b.nextID,
		name:  name,
		bus:   b,
		kinds: make(map[Kind]struct{}),
		fn:    fn,
		queue: make(chan interface{}, b.queueSize),
		done:  make(chan struct{}),
	}
	for _, k := range kinds {
		s.kinds[k] = struct{}{}
	}

	b.nextID++
	if b.closed {
		close(s.done)
		return s
	}

	b.subs[s.id] = s
	go s.deliver()

	log.Debug("subscriber %q registered for %d kinds of events", name, len(kinds))

	return s
}

// Publish publishes an event of the given kind. It never blocks. Events
// are dropped for subscribers whose queue is full.
func (b *Bus) Publish(kind Kind, source string, payload interface{}) {
	if b == nil {
		return
	}

	e := &Event{
		Kind:    kind,
		Source:  source,
		Time:    b.now(),
		Payload: payload,
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	if b.closed {
		return
	}

	b.published.Add(1)
	for _, s := range b.subs {
		if !s.wants(kind) {
			continue
		}
		select {
		case s.queue <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			b.warnDropped(e, s)
		}
	}
}

// warnDropped logs dropped deliveries, at most once per drop log interval.
func (b *Bus) warnDropped(e *Event, s *Subscription) {
	b.unlogged.Add(1)
	if !b.dropLog.Allow() {
		return
	}
	n := b.unlogged.Swap(0)
	b.warned.Add(1)
	log.Warn("dropped %d event(s) since last warning, latest %s for subscriber %q (queue full)",
		n, e, s.name)
}

// Flush waits until all events published so far have been delivered.
func (b *Bus) Flush() {
	b.lock.RLock()
	markers := make([]flush, 0, len(b.subs))
	if !b.closed {
		for _, s := range b.subs {
			f := make(flush)
			s.queue <- f
			markers = append(markers, f)
		}
	}
	b.lock.RUnlock()

	for _, f := range markers {
		<-f
	}
}

// Published returns the number of events published on the bus.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Dropped returns the number of event deliveries dropped.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the bus. Events already queued are delivered before the
// subscribers are released. Close waits for all deliveries to finish.
func (b *Bus) Close() {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*Subscription)
	for _, s := range subs {
		close(s.queue)
	}
	b.lock.Unlock()

	for _, s := range subs {
		<-s.done
	}
}

// Unsubscribe removes the subscription from its bus.
func (s *Subscription) Unsubscribe() {
	b := s.bus

	b.lock.Lock()
	if _, ok := b.subs[s.id]; !ok {
		b.lock.Unlock()
		return
	}
	delete(b.subs, s.id)
	close(s.queue)
	b.lock.Unlock()

	<-s.done
}

// Dropped returns the number of events dropped for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(kind Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

func (s *Subscription) deliver() {
	defer close(s.done)

	for item := range s.queue {
		switch v := item.(type) {
		case flush:
			close(v)
		case *Event:
			s.invoke(v)
		}
	}
}

func (s *Subscription) invoke(e *Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber %q panicked handling %s: %v", s.name, e, r)
		}
	}()
	s.fn(e)
}
