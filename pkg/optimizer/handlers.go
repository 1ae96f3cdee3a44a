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

package optimizer

import (
	"errors"

	"github.com/containers/memgov/pkg/events"
	"github.com/containers/memgov/pkg/pool"
	"github.com/containers/memgov/pkg/stream"
)

func (o *Optimizer) handleEvent(e *events.Event) {
	switch p := e.Payload.(type) {
	case *events.Pressure:
		o.onPressure(p.Level)
	case *events.Alert:
		o.trigger(string(Balanced), "alert:"+p.Metric)
	case *events.Leak:
		o.onLeak(*p)
	case *events.Backpressure:
		o.relieve(p.Stream)
	default:
		log.Warn("ignoring unexpected %s payload %T", e.Kind, e.Payload)
	}
}

// onPressure reacts once to each escalation of the pressure level.
func (o *Optimizer) onPressure(level events.PressureLevel) {
	o.lock.Lock()
	prev := o.level
	o.level = level
	o.lock.Unlock()

	if level <= prev {
		return
	}

	log.Info("memory pressure %s -> %s", prev, level)

	switch level {
	case events.PressureWarning:
		o.trigger(string(Balanced), "pressure:"+level.String())
	case events.PressureCritical:
		o.trigger(string(Aggressive), "pressure:"+level.String())
	case events.PressureEmergency:
		o.emergency()
	}
}

// emergency force collects all pools and flushes all caches.
func (o *Optimizer) emergency() {
	var freed int64
	if o.pools != nil {
		for _, r := range o.pools.OptimizeAll(pool.GCForced) {
			freed += r.BytesFreed
		}
	}

	entries := 0
	for _, c := range o.caches {
		entries += c.Clear()
	}

	log.Warn("emergency memory pressure: collected %d bytes, flushed %d cache entries",
		freed, entries)
}

func (o *Optimizer) trigger(profile, trigger string) {
	id, err := o.startRun(profile, trigger, nil)
	switch {
	case errors.Is(err, errRunning):
		log.Debug("%s: optimization run %s already in progress", trigger, id)
	case err != nil:
		log.Error("%s: failed to start optimization run: %v", trigger, err)
	}
}

func (o *Optimizer) onLeak(l events.Leak) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.leaks = append(o.leaks, l)
	if excess := len(o.leaks) - maxLeaks; excess > 0 {
		o.leaks = o.leaks[excess:]
	}

	log.Warn("suspected leak %s in %s growing %.2f/s (confidence %.2f)",
		l.ID, l.Metric, l.GrowthRate, l.Confidence)
}

// relieve relaxes the backpressure limits of a congested stream and grows
// the buffer class it uses.
func (o *Optimizer) relieve(id string) {
	if o.streams == nil {
		return
	}

	ss, ok := o.streams.Stream(id)
	if !ok {
		return
	}

	hwm, ratio := o.relaxed(ss.HighWaterMark, ss.BackpressureRatio)
	if err := o.streams.ConfigureStream(id, hwm, ratio); err != nil {
		log.Error("failed to reconfigure stream %s: %v", id, err)
	}

	cs, ok := o.streams.Class(ss.Class)
	if !ok {
		return
	}
	if count := min(o.cfg.MaxBuffers, cs.Owned+max(1, cs.Owned/2)); count > cs.Owned {
		if err := o.streams.ResizeClass(cs.Name, count); err != nil {
			log.Error("failed to grow buffer class %s: %v", cs.Name, err)
		}
	}
}

// relaxed returns a raised high-water mark and backpressure ratio.
func (o *Optimizer) relaxed(hwm int64, ratio float64) (int64, float64) {
	hwm = max(hwm, min(o.cfg.MaxHighWaterMark, hwm+hwm/2))
	ratio = max(ratio, min(ratio+0.1, stream.MaxBackpressureRatio))
	return hwm, ratio
}
