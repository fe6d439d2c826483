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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/mezzo-rm/mezzo/pkg/allocator"
	"github.com/mezzo-rm/mezzo/pkg/common/config"
	"github.com/mezzo-rm/mezzo/pkg/common/metrics"
	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/leader"
	"github.com/mezzo-rm/mezzo/pkg/master"
	"github.com/mezzo-rm/mezzo/pkg/registry"
	"github.com/mezzo-rm/mezzo/pkg/state"
)

const metricFlushInterval = 1 * time.Second

var (
	app = kingpin.New("mezzo-master", "Mezzo cluster master")

	debug = app.Flag("debug", "Enable debug logging").
		Short('d').Bool()
	confDir = app.Flag("conf", "Directory holding mezzo.conf (key=value lines)").
		String()
	cfgFiles = app.Flag("config", "YAML config file (repeatable, later files win)").
			Short('c').Strings()
	ip = app.Flag("ip", "IP to listen on").
		Envar("MEZZO_IP").String()
	port = app.Flag("port", "Port to listen on").
		Envar("MEZZO_PORT").Int()
	zkServers = app.Flag("zk", "Comma-separated ZooKeeper ensemble for election and registry").
			Envar("MEZZO_ZK").String()
	zkRoot = app.Flag("zk-root", "ZooKeeper chroot for this cluster").
		Envar("MEZZO_ZK_ROOT").Default("/mezzo").String()
	whitelist = app.Flag("whitelist", "Agent hostname whitelist file").
			Envar("MEZZO_WHITELIST").String()
	metricsPort = app.Flag("metrics-port", "Port for metrics and health endpoints").
			Envar("MEZZO_METRICS_PORT").Default("9090").Int()
)

type masterConfig struct {
	Master    master.Config        `yaml:"master"`
	Allocator allocator.Config     `yaml:"allocator"`
	Election  leader.ElectionConfig `yaml:"election"`
	Metrics   metrics.Config       `yaml:"metrics"`
}

func main() {
	app.Version("0.1.0")
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	// Flat settings resolve CLI > environment > mezzo.conf > default.
	loader := config.NewLoader("")
	loader.SetDefault("port", "5050")
	loader.SetDefault("ip", "0.0.0.0")
	if *confDir != "" {
		if err := loader.LoadFile(filepath.Join(*confDir, "mezzo.conf")); err != nil {
			app.FatalUsage("reading --conf: %v", err)
		}
	}
	loader.LoadEnviron(os.Environ())
	if *ip != "" {
		loader.SetFlag("ip", *ip)
	}
	if *port != 0 {
		loader.SetFlag("port", strconv.Itoa(*port))
	}
	if *zkServers != "" {
		loader.SetFlag("zk", *zkServers)
	}
	if *whitelist != "" {
		loader.SetFlag("whitelist", *whitelist)
	}

	var cfg masterConfig
	if len(*cfgFiles) > 0 {
		if err := config.Load(&cfg, *cfgFiles...); err != nil {
			app.FatalUsage("parsing config: %v", err)
		}
	}
	if v, ok := loader.Get("whitelist"); ok {
		cfg.Master.WhitelistPath = v
	}
	if v, ok := loader.Get("zk"); ok && len(cfg.Election.ZKServers) == 0 {
		if strings.HasPrefix(v, "zk://") || strings.HasPrefix(v, "file://") {
			parsed, err := leader.ParseZKURL(v)
			if err != nil {
				app.FatalUsage("parsing --zk: %v", err)
			}
			cfg.Election = parsed
		} else {
			cfg.Election.ZKServers = strings.Split(v, ",")
		}
	}
	if cfg.Election.Root == "" {
		cfg.Election.Root = *zkRoot
	}

	scope, closer, mux, err := metrics.InitScope(&cfg.Metrics, "mezzo-master", metricFlushInterval)
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

	listenIP, _ := loader.Get("ip")
	listenPort, _ := loader.Get("port")
	node := procs.NewNode()
	addr, err := node.Listen(listenIP + ":" + listenPort)
	if err != nil {
		log.WithError(err).Fatal("Failed to bind node transport")
	}
	log.WithField("address", addr).Info("Master node listening")
	defer node.Stop()

	var store state.Store
	if len(cfg.Election.ZKServers) > 0 {
		store, err = state.NewZooKeeperStore(cfg.Election.ZKServers, cfg.Election.Root)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect registry store")
		}
	} else {
		log.Warn("No ZooKeeper configured; registry is in-memory only")
		store = state.NewMemoryStore()
	}
	defer store.Close()

	m := master.New(nil, registry.New(store, node.Clock()), cfg.Master, scope)
	alloc := allocator.New(node, m, cfg.Allocator, scope)
	defer alloc.Stop()
	m.SetAllocator(alloc)
	pid, err := m.Start(node)
	if err != nil {
		log.WithError(err).Fatal("Failed to start master")
	}
	defer m.Stop()

	if len(cfg.Election.ZKServers) > 0 {
		// The published payload is the master pid; followers parse
		// it to find us.
		candidate, err := leader.NewCandidate(
			cfg.Election, scope, leader.MasterRole, pid.String(),
			leader.Callbacks{
				LostLeadership: func() error {
					log.Warn("Lost master leadership; a peer is taking over")
					return nil
				},
			})
		if err != nil {
			log.WithError(err).Fatal("Failed to create election candidate")
		}
		if err := candidate.Start(); err != nil {
			log.WithError(err).Fatal("Failed to join election")
		}
		defer candidate.Stop()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	log.Info("Shutting down")
}
