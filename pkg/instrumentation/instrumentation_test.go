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

package instrumentation_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/memgov/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/memgov/pkg/healthz"
	. "github.com/containers/memgov/pkg/instrumentation"
	"github.com/containers/memgov/pkg/metrics"
)

func get(t *testing.T, address, path string) (int, string) {
	rpl, err := http.Get("http://" + address + path)
	require.NoError(t, err)
	defer rpl.Body.Close()

	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)

	return rpl.StatusCode, string(body)
}

func TestPrometheusConfiguration(t *testing.T) {
	r := metrics.NewRegistry()
	r.MustRegister("answer", prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "answer", Help: "The answer."},
		func() float64 { return 42 },
	), metrics.WithGroup("test"))

	s := NewService(r, healthz.NewChecker())
	cfg := &cfgapi.Config{HTTPEndpoint: "127.0.0.1:0"}

	require.NoError(t, s.Start(cfg))
	defer s.Stop()

	address := s.Address()
	require.NotEmpty(t, address)

	code, body := get(t, address, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	code, _ = get(t, address, MetricsPath)
	require.Equal(t, http.StatusNotFound, code)

	cfg = &cfgapi.Config{HTTPEndpoint: "127.0.0.1:0", PrometheusExport: true}
	require.NoError(t, s.Reconfigure(cfg))
	address = s.Address()

	code, body = get(t, address, MetricsPath)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "memgov_test_answer 42")

	s.Stop()
	require.Empty(t, s.Address())
}

func TestInvalidConfiguration(t *testing.T) {
	type testCase struct {
		name string
		cfg  *cfgapi.Config
	}

	for _, tc := range []*testCase{
		{
			name: "unsupported tracing endpoint",
			cfg: &cfgapi.Config{
				TracingCollector:       "grpc://localhost:4317",
				SamplingRatePerMillion: 1000,
			},
		},
		{
			name: "unmatched metrics",
			cfg: &cfgapi.Config{
				PrometheusExport: true,
				Metrics:          &cfgapi.MetricsConfig{Enabled: []string{"nonexistent"}},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewService(metrics.NewRegistry(), nil)
			require.Error(t, s.Start(tc.cfg))
			s.Stop()
		})
	}
}
