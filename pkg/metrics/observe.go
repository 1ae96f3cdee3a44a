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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OperationsGroup is the group of the operation timing collector.
	OperationsGroup = "operations"

	statusOK    = "ok"
	statusError = "error"
)

var (
	operations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duration_seconds",
			Help:    "Duration of governor operations.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"component", "operation", "status"},
	)
)

func init() {
	MustRegister("duration", operations, WithGroup(OperationsGroup))
}

// Observe runs fn and records its duration for the component and operation,
// labeled by whether fn failed.
func Observe(component, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	record(component, operation, start, err)
	return err
}

// ObserveValue runs fn and records its duration like Observe, passing
// through the returned value.
func ObserveValue[T any](component, operation string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	record(component, operation, start, err)
	return v, err
}

func record(component, operation string, start time.Time, err error) {
	status := statusOK
	if err != nil {
		status = statusError
	}
	operations.WithLabelValues(component, operation, status).Observe(time.Since(start).Seconds())
}
