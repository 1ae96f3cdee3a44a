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

// Package instrumentation serves metrics and health over HTTP and sets up
// trace export according to the instrumentation configuration.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/memgov/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/memgov/pkg/healthz"
	"github.com/containers/memgov/pkg/instrumentation/tracing"
	logger "github.com/containers/memgov/pkg/log"
	"github.com/containers/memgov/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "memgov"
	// MetricsPath is the path metrics are served on.
	MetricsPath = "/metrics"

	shutdownTimeout = 5 * time.Second
)

var (
	log = logger.NewLogger("instrumentation")
)

// Service runs the HTTP endpoint and the trace exporter.
type Service struct {
	lock     sync.Mutex
	cfg      *cfgapi.Config
	registry *metrics.Registry
	health   *healthz.Checker
	identity []tracing.KeyValue
	server   *http.Server
	address  string
	gatherer *metrics.Gatherer
}

// NewService creates an instrumentation service serving the collectors of
// the given registry and the given health checker.
func NewService(registry *metrics.Registry, health *healthz.Checker, identity ...tracing.KeyValue) *Service {
	if registry == nil {
		registry = metrics.Default()
	}
	if health == nil {
		health = healthz.NewChecker()
	}
	return &Service{
		cfg:      &cfgapi.Config{},
		registry: registry,
		health:   health,
		identity: identity,
	}
}

// Start starts the instrumentation services with the given configuration.
func (s *Service) Start(cfg *cfgapi.Config) error {
	log.Info("starting instrumentation services...")

	s.lock.Lock()
	defer s.lock.Unlock()

	if cfg != nil {
		s.cfg = cfg
	}

	return s.start()
}

// Stop stops the instrumentation services.
func (s *Service) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.stop()
}

// Reconfigure restarts the instrumentation services with new configuration.
func (s *Service) Reconfigure(cfg *cfgapi.Config) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.stop()
	s.cfg = cfg

	err := s.start()
	if err != nil {
		log.Error("failed to restart instrumentation: %v", err)
	}

	return err
}

// Address returns the address the HTTP server listens on, or an empty
// string if the server is not running.
func (s *Service) Address() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.address
}

func (s *Service) start() error {
	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithIdentity(s.identity...),
		tracing.WithCollectorEndpoint(s.cfg.TracingCollector),
		tracing.WithSamplingRatio(s.cfg.SamplingRatio()),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	router := mux.NewRouter()
	s.health.Setup(router)

	if s.cfg.PrometheusExport {
		var enabled, polled []string
		if m := s.cfg.Metrics; m != nil {
			enabled, polled = m.Enabled, m.Polled
		}
		g, err := s.registry.NewGatherer(
			metrics.WithNamespace(ServiceName),
			metrics.WithPollInterval(s.cfg.ReportPeriod.Duration),
			metrics.WithMetrics(enabled, polled),
		)
		if err != nil {
			return fmt.Errorf("failed to start metrics: %w", err)
		}
		s.gatherer = g
		router.Handle(MetricsPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	if s.cfg.HTTPEndpoint == "" {
		log.Info("HTTP server disabled, no endpoint set")
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.address = ln.Addr().String()
	s.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server)

	log.Info("HTTP server listening on %s", s.address)

	return nil
}

func (s *Service) stop() {
	if s.gatherer != nil {
		s.gatherer.Stop()
		s.gatherer = nil
	}

	tracing.Stop()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Warn("failed to shut down HTTP server: %v", err)
		}
		s.server = nil
		s.address = ""
	}
}
