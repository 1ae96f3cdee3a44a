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

package healthz_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	. "github.com/containers/memgov/pkg/healthz"
)

func TestChecker(t *testing.T) {
	type testCase struct {
		name     string
		statuses map[string]Status
		code     int
		body     string
	}

	for _, tc := range []*testCase{
		{
			name: "no checkers",
			code: http.StatusOK,
			body: "ok",
		},
		{
			name:     "all healthy",
			statuses: map[string]Status{"pools": Healthy, "caches": Healthy},
			code:     http.StatusOK,
			body:     "ok",
		},
		{
			name:     "degraded",
			statuses: map[string]Status{"pools": Degraded, "caches": Healthy},
			code:     http.StatusOK,
			body:     "degraded\npools: degraded\n",
		},
		{
			name:     "worst status wins",
			statuses: map[string]Status{"pools": Degraded, "caches": NonFunctional},
			code:     http.StatusServiceUnavailable,
			body:     "non-functional\ncaches: non-functional\npools: degraded\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker()
			for name, status := range tc.statuses {
				c.Register(name, func() (Status, error) {
					if status == Healthy {
						return Healthy, nil
					}
					return status, errors.New(status.String())
				})
			}

			r := mux.NewRouter()
			c.Setup(r)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))

			require.Equal(t, tc.code, rec.Code)
			require.Equal(t, tc.body, rec.Body.String())
		})
	}
}

func TestDuplicateChecker(t *testing.T) {
	c := NewChecker()
	c.Register("pools", func() (Status, error) { return Healthy, nil })
	require.Panics(t, func() {
		c.Register("pools", func() (Status, error) { return Healthy, nil })
	})
}
