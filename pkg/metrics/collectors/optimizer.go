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

package collectors

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/memgov/pkg/optimizer"
)

var (
	optimizerRuns    = desc("runs", "Retained optimization runs.", "status")
	optimizerFreed   = desc("freed_bytes", "Bytes freed by retained runs.")
	optimizerPending = desc("recommendations_pending", "Recommendations not yet applied.")
	optimizerApplied = desc("recommendations_applied", "Applied recommendations.")
)

// OptimizerCollector collects the state of an optimizer.
type OptimizerCollector struct {
	o *optimizer.Optimizer
}

// NewOptimizerCollector returns a collector for the given optimizer.
func NewOptimizerCollector(o *optimizer.Optimizer) *OptimizerCollector {
	return &OptimizerCollector{o: o}
}

// Describe implements prometheus.Collector.
func (c *OptimizerCollector) Describe(ch chan<- *prometheus.Desc) {
	describe(ch, optimizerRuns, optimizerFreed, optimizerPending, optimizerApplied)
}

// Collect implements prometheus.Collector.
func (c *OptimizerCollector) Collect(ch chan<- prometheus.Metric) {
	var (
		runs  = map[optimizer.Status]int{}
		freed int64
	)
	for _, r := range c.o.Runs() {
		runs[r.Status]++
		freed += r.BytesFreed
	}
	for _, status := range []optimizer.Status{optimizer.StatusRunning, optimizer.StatusCompleted, optimizer.StatusFailed} {
		gauge(ch, optimizerRuns, float64(runs[status]), string(status))
	}
	gauge(ch, optimizerFreed, float64(freed))

	var pending, applied int
	for _, r := range c.o.Recommendations(false) {
		if r.Applied {
			applied++
		} else {
			pending++
		}
	}
	gauge(ch, optimizerPending, float64(pending))
	gauge(ch, optimizerApplied, float64(applied))
}
