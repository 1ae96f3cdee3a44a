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
	"time"
)

// Status is the status of an optimization run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal returns true for completed and failed runs.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Step is the outcome of a single step of a run.
type Step struct {
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Actions    int           `json:"actions"`
	BytesFreed int64         `json:"bytesFreed"`
	Error      string        `json:"error,omitempty"`
}

// Run is a single optimization run across all governed components.
type Run struct {
	ID       string    `json:"id"`
	Profile  string    `json:"profile"`
	Trigger  string    `json:"trigger"`
	Services []string  `json:"services,omitempty"`
	Status   Status    `json:"status"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Steps    []Step    `json:"steps"`
	// BytesFreed is the number of bytes freed by the run itself.
	BytesFreed int64 `json:"bytesFreed"`
	// EstimatedSavings is the number of bytes pending recommendations would free.
	EstimatedSavings int64 `json:"estimatedSavings"`
	// EstimatedGain is the freed and estimated savings in percents of the
	// governed memory at the start of the run.
	EstimatedGain   float64  `json:"estimatedGain"`
	TargetMet       bool     `json:"targetMet"`
	ServicesTouched int      `json:"servicesTouched"`
	Errors          []string `json:"errors,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`

	done chan struct{}
}

func (r *Run) clone() Run {
	c := *r
	c.Services = append([]string(nil), r.Services...)
	c.Steps = append([]Step(nil), r.Steps...)
	c.Errors = append([]string(nil), r.Errors...)
	c.Recommendations = append([]string(nil), r.Recommendations...)
	c.done = nil
	return c
}
