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

package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	logger "github.com/containers/memgov/pkg/log"
)

var (
	log = logger.NewLogger("health-check")
)

// Path is the default path health is served on.
const Path = "/healthz"

// CheckFn checks the health of a single component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("<unknown status %d>", s)
}

// Checker aggregates the health of registered components.
type Checker struct {
	lock     sync.Mutex
	checkers map[string]CheckFn
	sorted   []string
}

// NewChecker creates a checker with no registered components.
func NewChecker() *Checker {
	return &Checker{checkers: map[string]CheckFn{}}
}

// Register registers the given health checker function.
func (c *Checker) Register(name string, fn CheckFn) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, conflict := c.checkers[name]; conflict {
		panic(fmt.Sprintf("checker %q already registered", name))
	}

	c.checkers[name] = fn
	c.sorted = append(c.sorted, name)
	sort.Strings(c.sorted)
}

// Setup registers the health endpoint with the given router.
func (c *Checker) Setup(r *mux.Router) {
	r.HandleFunc(Path, c.ServeHTTP).Methods(http.MethodGet)
}

// ServeHTTP serves a single health check request. Degraded health is
// reported with status 200 and details, non-functional with 503.
func (c *Checker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status, details := c.Check()

	var body string
	switch status {
	case Healthy:
		w.WriteHeader(http.StatusOK)
		body = "ok"
	case Degraded:
		w.WriteHeader(http.StatusOK)
		body = status.String() + "\n" + details
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		body = status.String() + "\n" + details
	}

	if _, err := w.Write([]byte(body)); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}

// Check runs all checkers, returning the worst status and the details
// reported by unhealthy components.
func (c *Checker) Check() (Status, string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var (
		status  = Healthy
		details strings.Builder
	)

	for _, name := range c.sorted {
		s, err := c.checkers[name]()
		if s == Healthy {
			continue
		}
		if s > status {
			status = s
		}
		if err != nil {
			fmt.Fprintf(&details, "%s: %v\n", name, err)
			log.Warnf("component %s reported %s: %v", name, s, err)
		}
	}

	return status, details.String()
}
