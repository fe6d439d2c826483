// Copyright (c) 2026 The Mezzo Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics builds the root tally scope for a binary from a
// validated backend selection.
package metrics

import (
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	tallyprom "github.com/uber-go/tally/prometheus"
	tallystatsd "github.com/uber-go/tally/statsd"
)

// Config selects the metrics backend. At most one backend may be
// enabled; with none, metrics are counted into a noop reporter so
// scopes stay cheap but alive.
type Config struct {
	Prometheus *PrometheusConfig `yaml:"prometheus"`
	Statsd     *StatsdConfig     `yaml:"statsd"`
}

// PrometheusConfig enables the pull-based prometheus reporter.
type PrometheusConfig struct {
	Enable bool `yaml:"enable"`
}

// StatsdConfig enables the push-based statsd reporter.
type StatsdConfig struct {
	Enable   bool   `yaml:"enable"`
	Endpoint string `yaml:"endpoint"`
}

func (c *Config) prometheusEnabled() bool {
	return c != nil && c.Prometheus != nil && c.Prometheus.Enable
}

func (c *Config) statsdEnabled() bool {
	return c != nil && c.Statsd != nil && c.Statsd.Enable
}

// Validate rejects backend selections InitScope could only fail on
// later.
func (c *Config) Validate() error {
	if c.prometheusEnabled() && c.statsdEnabled() {
		return errors.New("metrics: prometheus and statsd are mutually exclusive")
	}
	if c.statsdEnabled() && c.Statsd.Endpoint == "" {
		return errors.New("metrics: statsd enabled without an endpoint")
	}
	return nil
}

// backend resolves the configured reporter. The prometheus handler is
// non-nil only for the prometheus backend; the separator is the
// scope separator that backend tolerates.
func (c *Config) backend() (tally.StatsReporter, tally.CachedStatsReporter, nethttp.Handler, string, error) {
	switch {
	case c.prometheusEnabled():
		reporter := tallyprom.NewReporter(tallyprom.Options{})
		return nil, reporter, reporter.HTTPHandler(), "_", nil
	case c.statsdEnabled():
		client, err := statsd.NewClient(c.Statsd.Endpoint, "")
		if err != nil {
			return nil, nil, nil, "", errors.Wrapf(err, "statsd endpoint %s", c.Statsd.Endpoint)
		}
		return tallystatsd.NewReporter(client, tallystatsd.Options{}), nil, nil, ".", nil
	default:
		log.Warn("No metrics backend configured; metrics are dropped")
		client, err := statsd.NewNoopClient()
		if err != nil {
			return nil, nil, nil, "", err
		}
		return tallystatsd.NewReporter(client, tallystatsd.Options{}), nil, nil, ".", nil
	}
}

// InitScope builds the root scope, its closer, and the mux carrying
// the metrics and health endpoints. It runs Validate on the config
// first, so its errors cover an invalid backend selection as well as
// runtime failures (e.g. statsd dial).
func InitScope(
	cfg *Config,
	root string,
	flushInterval time.Duration) (tally.Scope, io.Closer, *nethttp.ServeMux, error) {

	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	reporter, cachedReporter, promHandler, separator, err := cfg.backend()
	if err != nil {
		return nil, nil, nil, err
	}
	if separator == "_" {
		// Prometheus metric names reject "-".
		root = strings.Replace(root, "-", "_", -1)
	}

	mux := nethttp.NewServeMux()
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}
	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	scope, closer := tally.NewRootScope(
		tally.ScopeOptions{
			Prefix:         root,
			Tags:           map[string]string{},
			Reporter:       reporter,
			CachedReporter: cachedReporter,
			Separator:      separator,
		},
		flushInterval)
	return scope, closer, mux, nil
}
