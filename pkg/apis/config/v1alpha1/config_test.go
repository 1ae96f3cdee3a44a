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

package v1alpha1_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memgov/pkg/apis/config/v1alpha1"
)

func TestParse(t *testing.T) {
	type testCase struct {
		name  string
		yaml  string
		check func(*testing.T, *Config)
		fail  bool
	}

	for _, tc := range []*testCase{
		{
			name: "empty configuration gets defaults",
			yaml: "",
			check: func(t *testing.T, c *Config) {
				require.Equal(t, APIVersion, c.APIVersion)
				require.Equal(t, Kind, c.Kind)
				require.Equal(t, int64(1<<30), c.Ceiling.Value())
				require.Len(t, c.Pools, 1)
				require.Equal(t, "default", c.Pools[0].Name)
				require.Equal(t, "normal", c.GC.Mode)
				require.Equal(t, "balanced", c.Optimizer.Profile)
				require.Equal(t, 30*time.Second, c.Instrumentation.ReportPeriod.Duration)
			},
		},
		{
			name: "full configuration",
			yaml: `
apiVersion: config.memgov.io/v1alpha1
kind: MemoryGovernor
ceiling: 512Mi
pools:
  - name: buffers
    size: 64Mi
    strategy: first-fit
    categories: [buffer]
  - name: cache
    size: 128Mi
    autoResize: false
pressure:
  warning: 0.6
  critical: 0.75
  emergency: 0.9
gc:
  mode: aggressive
  transientMaxAge: 10s
cache:
  maxSize: 32Mi
  policy: predictive
  defaultTTL: 5m
  prefetch:
    enabled: true
    rate: 10
streaming:
  classes:
    - name: small
      size: 4Ki
      count: 16
  highWaterMark: 1Mi
monitor:
  sampleInterval: 1s
  sink:
    inMemory: true
optimizer:
  interval: 1m
  profile: lean
  profiles:
    - id: lean
      strategy: aggressive
      memoryReduction: 20
log:
  level: debug
  debug: [pool, optimizer]
instrumentation:
  httpEndpoint: ":8891"
  samplingRatePerMillion: 1000
`,
			check: func(t *testing.T, c *Config) {
				require.Equal(t, int64(512<<20), c.Ceiling.Value())
				require.Len(t, c.Pools, 2)
				require.Equal(t, "first-fit", c.Pools[0].Strategy)
				require.Equal(t, []string{"buffer"}, c.Pools[0].Categories)
				require.NotNil(t, c.Pools[1].AutoResize)
				require.False(t, *c.Pools[1].AutoResize)
				require.Equal(t, 0.75, c.Pressure.Critical)
				require.Equal(t, 10*time.Second, c.GC.TransientMaxAge.Duration)
				require.Equal(t, int64(32<<20), c.Cache.MaxSize.Value())
				require.Equal(t, 5*time.Minute, c.Cache.DefaultTTL.Duration)
				require.True(t, c.Cache.Prefetch.Enabled)
				require.Equal(t, int64(4096), c.Streaming.Classes[0].Size.Value())
				require.NotNil(t, c.Monitor.Sink)
				require.Equal(t, 10*time.Minute, c.Monitor.Sink.GCInterval.Duration)
				require.Equal(t, time.Minute, c.Optimizer.Interval.Duration)
				require.Equal(t, "aggressive", c.Optimizer.Profiles[0].Strategy)
				require.Equal(t, "debug", c.Log.Level)
				require.Equal(t, 0.001, c.Instrumentation.SamplingRatio())
			},
		},
		{
			name: "unknown field",
			yaml: "ceiling: 1Gi\npoolz: []\n",
			fail: true,
		},
		{
			name: "wrong kind",
			yaml: "kind: Something\n",
			fail: true,
		},
		{
			name: "pools exceed ceiling",
			yaml: "ceiling: 1Mi\npools:\n  - name: big\n    size: 2Mi\n",
			fail: true,
		},
		{
			name: "duplicate pools",
			yaml: "pools:\n  - name: a\n    size: 1Mi\n  - name: a\n    size: 1Mi\n",
			fail: true,
		},
		{
			name: "zero sized pool",
			yaml: "pools:\n  - name: a\n    size: 0\n",
			fail: true,
		},
		{
			name: "sampling rate out of range",
			yaml: "instrumentation:\n  samplingRatePerMillion: 2000000\n",
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Parse([]byte(tc.yaml))
			if tc.fail {
				require.ErrorIs(t, err, ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			tc.check(t, c)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memgov.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ceiling: 256Mi\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(256<<20), c.Ceiling.Value())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
