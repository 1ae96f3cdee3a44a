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

// Package periodic implements independently stoppable periodic tasks.
package periodic

import (
	"context"
	"sync"
	"time"

	logger "github.com/containers/memgov/pkg/log"
)

var log = logger.Get("periodic")

// Task runs a function periodically until stopped.
type Task struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
	lock     sync.Mutex
	stopCh   chan chan struct{}
	exitCh   chan struct{}
	runs     int64
}

// New creates a new periodic task with the given name, interval and function.
func New(name string, interval time.Duration, fn func(context.Context)) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
	}
}

// Name returns the name of the task.
func (t *Task) Name() string {
	return t.name
}

// Interval returns the interval of the task.
func (t *Task) Interval() time.Duration {
	return t.interval
}

// IsRunning returns true if the task has been started and not stopped.
func (t *Task) IsRunning() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.stopCh != nil
}

// Runs returns the number of times the task function has been invoked.
func (t *Task) Runs() int64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.runs
}

// Start starts the task. Starting a running task or a task with a
// non-positive interval is a no-op.
func (t *Task) Start(ctx context.Context) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.stopCh != nil {
		return
	}
	if t.interval <= 0 {
		log.Info("periodic task %q disabled (interval %s)", t.name, t.interval)
		return
	}

	log.Debug("starting periodic task %q with interval %s", t.name, t.interval)

	t.stopCh = make(chan chan struct{})
	t.exitCh = make(chan struct{})
	go t.run(ctx, t.stopCh, t.exitCh, time.NewTicker(t.interval))
}

// Stop stops the task, waiting for any ongoing invocation to finish.
func (t *Task) Stop() {
	t.lock.Lock()
	stopCh, exitCh := t.stopCh, t.exitCh
	t.stopCh, t.exitCh = nil, nil
	t.lock.Unlock()

	if stopCh == nil {
		return
	}

	doneCh := make(chan struct{})
	select {
	case stopCh <- doneCh:
		<-doneCh
	case <-exitCh:
	}

	log.Debug("stopped periodic task %q", t.name)
}

func (t *Task) run(ctx context.Context, stopCh chan chan struct{}, exitCh chan struct{}, ticker *time.Ticker) {
	defer close(exitCh)
	defer ticker.Stop()

	for {
		select {
		case doneCh := <-stopCh:
			close(doneCh)
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.lock.Lock()
			t.runs++
			t.lock.Unlock()
			t.fn(ctx)
		}
	}
}

// Group is a named collection of tasks.
type Group struct {
	tasks []*Task
}

// Add adds the given tasks to the group.
func (g *Group) Add(tasks ...*Task) {
	g.tasks = append(g.tasks, tasks...)
}

// Get returns the task with the given name.
func (g *Group) Get(name string) (*Task, bool) {
	for _, t := range g.tasks {
		if t.name == name {
			return t, true
		}
	}
	return nil, false
}

// Tasks returns all tasks in the group.
func (g *Group) Tasks() []*Task {
	return g.tasks
}

// Start starts all tasks in the group.
func (g *Group) Start(ctx context.Context) {
	for _, t := range g.tasks {
		t.Start(ctx)
	}
}

// Stop stops all tasks in the group.
func (g *Group) Stop() {
	for _, t := range g.tasks {
		t.Stop()
	}
}
