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

package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	logger "github.com/containers/memgov/pkg/log"
	"github.com/containers/memgov/pkg/metrics"
)

var (
	log = logger.Get("metrics")
)

// StandardGroup is the group of the go runtime and process collectors.
const StandardGroup = "standard"

// NewVersionInfoCollector returns a constant metric labeled by version and build.
func NewVersionInfoCollector(v, b string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "version_info",
			Help: "A metric with constant '1' value labeled by version and build info.",
			ConstLabels: prometheus.Labels{
				"version": v,
				"build":   b,
			},
		},
		func() float64 { return 1 },
	)
}

// RegisterStandard registers the go runtime, process, build and version
// info collectors.
func RegisterStandard(r *metrics.Registry, version, build string) {
	for name, collector := range map[string]prometheus.Collector{
		"buildinfo":   collectors.NewBuildInfoCollector(),
		"golang":      collectors.NewGoCollector(),
		"process":     collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		"versioninfo": NewVersionInfoCollector(version, build),
	} {
		err := r.Register(name, collector, metrics.WithGroup(StandardGroup), metrics.WithoutPrefix())
		if err != nil {
			log.Error("failed to register %s collector: %v", name, err)
		}
	}
}

// desc is a shorthand for creating a description without constant labels.
func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(name, help, labels, nil)
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
}

func describe(ch chan<- *prometheus.Desc, descs ...*prometheus.Desc) {
	for _, d := range descs {
		ch <- d
	}
}
