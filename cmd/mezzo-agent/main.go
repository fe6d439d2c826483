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

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/mezzo-rm/mezzo/pkg/agent"
	"github.com/mezzo-rm/mezzo/pkg/common/config"
	"github.com/mezzo-rm/mezzo/pkg/common/metrics"
	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
	"github.com/mezzo-rm/mezzo/pkg/leader"
)

const metricFlushInterval = 1 * time.Second

var (
	app = kingpin.New("mezzo-agent", "Mezzo worker-node agent")

	debug = app.Flag("debug", "Enable debug logging").
		Short('d').Bool()
	cfgFiles = app.Flag("config", "YAML config file (repeatable, later files win)").
			Short('c').Strings()
	ip = app.Flag("ip", "IP to listen on").
		Envar("MEZZO_IP").Default("0.0.0.0").String()
	port = app.Flag("port", "Port to listen on").
		Envar("MEZZO_PORT").Default("5051").Int()
	masterPid = app.Flag("master", "Master pid (master@host:port); overrides ZooKeeper detection").
			Envar("MEZZO_MASTER").String()
	zkServers = app.Flag("zk", "Comma-separated ZooKeeper ensemble for master detection").
			Envar("MEZZO_ZK").String()
	zkRoot = app.Flag("zk-root", "ZooKeeper chroot for this cluster").
		Envar("MEZZO_ZK_ROOT").Default("/mezzo").String()
	cpus = app.Flag("cpus", "CPU shares to offer").
		Envar("MEZZO_CPUS").Default("1").Float64()
	mem = app.Flag("mem", "Memory (MB) to offer").
		Envar("MEZZO_MEM").Default("1024").Float64()
	workDir = app.Flag("work-dir", "Executor sandbox directory").
		Envar("MEZZO_WORK_DIR").Default("/tmp/mezzo").String()
	metricsPort = app.Flag("metrics-port", "Port for metrics and health endpoints").
			Envar("MEZZO_METRICS_PORT").Default("9091").Int()
)

type agentConfig struct {
	Agent    agent.Config          `yaml:"agent"`
	Election leader.ElectionConfig `yaml:"election"`
	Metrics  metrics.Config        `yaml:"metrics"`
}

func main() {
	app.Version("0.1.0")
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	var cfg agentConfig
	if len(*cfgFiles) > 0 {
		if err := config.Load(&cfg, *cfgFiles...); err != nil {
			app.FatalUsage("parsing config: %v", err)
		}
	}
	if cfg.Agent.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.WithError(err).Fatal("Failed to resolve hostname")
		}
		cfg.Agent.Hostname = hostname
	}
	if cfg.Agent.Resources.Empty() {
		cfg.Agent.Resources = resources.NewScalar("cpus", *cpus).
			Add(resources.NewScalar("mem", *mem))
	}
	if cfg.Agent.WorkDir == "" {
		cfg.Agent.WorkDir = *workDir
	}
	if err := os.MkdirAll(cfg.Agent.WorkDir, 0755); err != nil {
		log.WithError(err).Fatal("Failed to create work directory")
	}

	scope, closer, mux, err := metrics.InitScope(&cfg.Metrics, "mezzo-agent", metricFlushInterval)
	if err != nil {
		app.FatalUsage("metrics: %v", err)
	}
	defer closer.Close()
	go func() {
		addr := fmt.Sprintf(":%d", *metricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Warn("Metrics listener failed")
		}
	}()

	node := procs.NewNode()
	addr, err := node.Listen(fmt.Sprintf("%s:%d", *ip, *port))
	if err != nil {
		log.WithError(err).Fatal("Failed to bind node transport")
	}
	log.WithField("address", addr).Info("Agent node listening")
	defer node.Stop()

	a := agent.New(cfg.Agent, agent.NewSubprocessContainerizer(), scope)
	a.Start(node)
	defer a.Stop()
	defer func() {
		if err := a.Shutdown(); err != nil {
			log.WithError(err).Warn("Executor teardown incomplete")
		}
	}()

	var detector leader.MasterDetector
	switch {
	case *masterPid != "":
		pid, err := procs.ParsePID(*masterPid)
		if err != nil {
			app.FatalUsage("parsing --master: %v", err)
		}
		detector = leader.NewStaticDetector(pid)
	case *zkServers != "" || len(cfg.Election.ZKServers) > 0:
		if len(cfg.Election.ZKServers) == 0 {
			if strings.HasPrefix(*zkServers, "zk://") || strings.HasPrefix(*zkServers, "file://") {
				parsed, err := leader.ParseZKURL(*zkServers)
				if err != nil {
					app.FatalUsage("parsing --zk: %v", err)
				}
				cfg.Election = parsed
			} else {
				cfg.Election.ZKServers = strings.Split(*zkServers, ",")
			}
		}
		if cfg.Election.Root == "" {
			cfg.Election.Root = *zkRoot
		}
		var err error
		detector, err = leader.NewZKDetector(cfg.Election, scope)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect master detector")
		}
	default:
		app.FatalUsage("one of --master or --zk is required")
	}
	if err := detector.Detect(a.NewMasterDetected, a.NoMasterDetected); err != nil {
		log.WithError(err).Fatal("Master detection failed to start")
	}
	defer detector.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	log.Info("Shutting down")
}
