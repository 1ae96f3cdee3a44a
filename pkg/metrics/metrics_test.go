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

package metrics_test

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	. "github.com/containers/memgov/pkg/metrics"
)

func gauge(name string, value *atomic.Int64) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: name,
			Help: "Test gauge " + name + ".",
		},
		func() float64 { return float64(value.Load()) },
	)
}

func gathered(t *testing.T, g prometheus.Gatherer) map[string]*model.MetricFamily {
	families, err := g.Gather()
	require.NoError(t, err)
	m := make(map[string]*model.MetricFamily)
	for _, f := range families {
		m[f.GetName()] = f
	}
	return m
}

func gaugeValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	f, ok := gathered(t, g)[name]
	require.True(t, ok, "metric %s not found", name)
	require.Len(t, f.GetMetric(), 1)
	return f.GetMetric()[0].GetGauge().GetValue()
}

func TestRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("hits", gauge("hits", &atomic.Int64{}), WithGroup("cache")))
	require.NoError(t, r.Register("hits", gauge("hits", &atomic.Int64{}), WithGroup("pool")))

	err := r.Register("hits", gauge("hits", &atomic.Int64{}), WithGroup("cache"))
	require.ErrorIs(t, err, ErrExists)
	require.Panics(t, func() { r.MustRegister("hits", gauge("hits", &atomic.Int64{}), WithGroup("pool")) })
}

func TestConfigure(t *testing.T) {
	var (
		hits   = &atomic.Int64{}
		allocs = &atomic.Int64{}
		bytes  = &atomic.Int64{}
	)
	hits.Store(1)
	allocs.Store(2)
	bytes.Store(3)

	type testCase struct {
		name     string
		enabled  []string
		polled   []string
		expected []string
		fail     bool
	}

	for _, tc := range []*testCase{
		{
			name: "everything enabled by default",
			expected: []string{
				"memgov_cache_hits",
				"memgov_pool_allocations",
				"process_bytes",
			},
		},
		{
			name:     "enable by group",
			enabled:  []string{"pool"},
			expected: []string{"memgov_pool_allocations"},
		},
		{
			name:     "enable by full name",
			enabled:  []string{"cache/hits"},
			expected: []string{"memgov_cache_hits"},
		},
		{
			name:     "enable by glob",
			enabled:  []string{"*/hits", "process/*"},
			expected: []string{"memgov_cache_hits", "process_bytes"},
		},
		{
			name:     "polled collectors are enabled",
			enabled:  []string{"cache"},
			polled:   []string{"process"},
			expected: []string{"memgov_cache_hits", "process_bytes"},
		},
		{
			name:    "unmatched glob",
			enabled: []string{"streams"},
			fail:    true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			r.MustRegister("hits", gauge("hits", hits), WithGroup("cache"))
			r.MustRegister("allocations", gauge("allocations", allocs), WithGroup("pool"))
			r.MustRegister("bytes", gauge("process_bytes", bytes), WithGroup("process"), WithoutPrefix())

			g, err := r.NewGatherer(
				WithNamespace("memgov"),
				WithPollInterval(0),
				WithMetrics(tc.enabled, tc.polled),
			)
			if tc.fail {
				require.ErrorIs(t, err, ErrUnmatched)
				return
			}
			require.NoError(t, err)
			defer g.Stop()

			names := []string{}
			for name := range gathered(t, g) {
				names = append(names, name)
			}
			require.ElementsMatch(t, tc.expected, names)
		})
	}
}

func TestPolledCollectors(t *testing.T) {
	var (
		live   = &atomic.Int64{}
		polled = &atomic.Int64{}
	)
	live.Store(1)
	polled.Store(1)

	r := NewRegistry()
	r.MustRegister("live", gauge("live", live), WithGroup("test"))
	r.MustRegister("polled", gauge("polled", polled), WithGroup("test"))

	g, err := r.NewGatherer(
		WithPollInterval(0),
		WithMetrics([]string{"test/live"}, []string{"test/polled"}),
	)
	require.NoError(t, err)
	defer g.Stop()

	require.Equal(t, 1.0, gaugeValue(t, g, "test_live"))
	require.Equal(t, 1.0, gaugeValue(t, g, "test_polled"))

	live.Store(5)
	polled.Store(5)
	require.Equal(t, 5.0, gaugeValue(t, g, "test_live"))
	require.Equal(t, 1.0, gaugeValue(t, g, "test_polled"), "polled value before polling")

	r.Poll()
	require.Equal(t, 5.0, gaugeValue(t, g, "test_polled"), "polled value after polling")
}

func TestObserve(t *testing.T) {
	failure := errors.New("failed")

	require.NoError(t, Observe("test", "succeed", func() error { return nil }))
	require.ErrorIs(t, Observe("test", "fail", func() error { return failure }), failure)

	v, err := ObserveValue("test", "value", func() (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)

	g, err := NewGatherer(WithNamespace("memgov"), WithPollInterval(0))
	require.NoError(t, err)
	defer g.Stop()

	f, ok := gathered(t, g)["memgov_operations_duration_seconds"]
	require.True(t, ok)

	counts := map[string]uint64{}
	for _, m := range f.GetMetric() {
		labels := map[string]string{}
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["component"] != "test" {
			continue
		}
		counts[labels["operation"]+"/"+labels["status"]] += m.GetHistogram().GetSampleCount()
	}

	require.Equal(t, map[string]uint64{
		"succeed/ok": 1,
		"fail/error": 1,
		"value/ok":   1,
	}, counts)
}
