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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	cfgapi "github.com/containers/memgov/pkg/apis/config/v1alpha1"
	"github.com/containers/memgov/pkg/instrumentation"
	"github.com/containers/memgov/pkg/instrumentation/tracing"
	logger "github.com/containers/memgov/pkg/log"
	"github.com/containers/memgov/pkg/memgov"
	"github.com/containers/memgov/pkg/metrics"
	"github.com/containers/memgov/pkg/metrics/collectors"
)

var (
	log = logger.Default()

	// Version and Build are set at link time.
	Version = "unknown"
	Build   = "unknown"
)

type options struct {
	config  string
	listen  string
	version bool
}

func main() {
	opts := &options{}

	flag.StringVar(&opts.config, "config", "", "configuration file, defaults are used if not given")
	flag.StringVar(&opts.listen, "listen", "", "HTTP endpoint for /metrics and /healthz, overrides configuration")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()

	if opts.version {
		log.Info("memgov-agent version %s, build %s", Version, Build)
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatal("%v", err)
	}

	if err := logger.Configure(&cfg.Log); err != nil {
		log.Fatal("failed to configure logging: %v", err)
	}

	registry := metrics.Default()
	collectors.RegisterStandard(registry, Version, Build)

	gov, err := memgov.New(cfg, memgov.WithRegistry(registry))
	if err != nil {
		log.Fatal("failed to create memory governor: %v", err)
	}

	svc := instrumentation.NewService(registry, gov.Health(),
		tracing.Attribute("version", Version),
		tracing.Attribute("build", Build),
	)
	if err := svc.Start(&cfg.Instrumentation); err != nil {
		log.Fatal("failed to start instrumentation: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gov.Start(ctx); err != nil {
		log.Fatal("failed to start memory governor: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reload(opts, svc)
			continue
		}

		log.Info("received %s, shutting down...", sig)
		break
	}

	svc.Stop()
	if err := gov.Release(); err != nil {
		log.Error("failed to shut down memory governor: %v", err)
	}
	logger.Flush()
}

func loadConfig(opts *options) (*cfgapi.Config, error) {
	var (
		cfg *cfgapi.Config
		err error
	)

	if opts.config == "" {
		cfg = cfgapi.Default()
	} else {
		cfg, err = cfgapi.Load(opts.config)
		if err != nil {
			return nil, err
		}
	}

	if opts.listen != "" {
		cfg.Instrumentation.HTTPEndpoint = opts.listen
		cfg.Instrumentation.PrometheusExport = true
	}

	return cfg, nil
}

// reload applies the logging and instrumentation parts of the configuration
// file. Changes to the governed resources need a restart.
func reload(opts *options, svc *instrumentation.Service) {
	log.Info("reloading configuration...")

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Error("failed to reload configuration: %v", err)
		return
	}

	if err := logger.Configure(&cfg.Log); err != nil {
		log.Error("failed to reconfigure logging: %v", err)
	}
	if err := svc.Reconfigure(&cfg.Instrumentation); err != nil {
		log.Error("failed to reconfigure instrumentation: %v", err)
	}
}
