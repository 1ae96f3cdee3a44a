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

package pool_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memgov/pkg/pool"
)

func TestParseTypes(t *testing.T) {
	type testCase struct {
		name     string
		category Category
		priority Priority
		strategy Strategy
	}

	for _, tc := range []*testCase{
		{name: "buffer", category: CategoryBuffer},
		{name: "cache", category: CategoryCache},
		{name: "transient", category: CategoryTransient},
		{name: "persistent", category: CategoryPersistent},
	} {
		t.Run("category "+tc.name, func(t *testing.T) {
			c, err := ParseCategory(tc.name)
			require.NoError(t, err)
			require.Equal(t, tc.category, c)
			require.Equal(t, tc.name, c.String())
		})
	}

	for _, tc := range []*testCase{
		{name: "low", priority: PriorityLow},
		{name: "normal", priority: PriorityNormal},
		{name: "high", priority: PriorityHigh},
		{name: "critical", priority: PriorityCritical},
	} {
		t.Run("priority "+tc.name, func(t *testing.T) {
			p, err := ParsePriority(tc.name)
			require.NoError(t, err)
			require.Equal(t, tc.priority, p)
		})
	}

	for _, tc := range []*testCase{
		{name: "first-fit", strategy: FirstFit},
		{name: "best-fit", strategy: BestFit},
		{name: "worst-fit", strategy: WorstFit},
		{name: "buddy-system", strategy: BuddySystem},
	} {
		t.Run("strategy "+tc.name, func(t *testing.T) {
			s, err := ParseStrategy(tc.name)
			require.NoError(t, err)
			require.Equal(t, tc.strategy, s)
		})
	}

	_, err := ParseCategory("bogus")
	require.ErrorIs(t, err, ErrInvalidCategory)
	_, err = ParsePriority("bogus")
	require.ErrorIs(t, err, ErrInvalidPriority)
	_, err = ParseStrategy("bogus")
	require.ErrorIs(t, err, ErrInvalidStrategy)
}

func TestPolicyJSON(t *testing.T) {
	p := DefaultPolicy()
	p.Strategy = WorstFit
	p.MaxSize = 1 << 20

	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.Contains(t, string(data), `"strategy":"worst-fit"`)

	var decoded Policy
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, p, decoded)

	require.Error(t, json.Unmarshal([]byte(`{"strategy":"next-fit"}`), &decoded))
}

func TestHumanReadableSize(t *testing.T) {
	type testCase struct {
		name   string
		size   int64
		result string
	}

	for _, tc := range []*testCase{
		{name: "zero", size: 0, result: "0"},
		{name: "no units", size: 345, result: "345"},
		{name: "1k", size: 1024, result: "1k"},
		{name: "2.5k", size: 2048 + 512, result: "2.5k"},
		{name: "300k", size: 300 * 1024, result: "300k"},
		{name: "1M", size: 1 << 20, result: "1M"},
		{name: "1.5G", size: 3 << 29, result: "1.5G"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.result, HumanReadableSize(tc.size))
		})
	}
}
