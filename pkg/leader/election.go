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

// Package leader elects one master per cluster through ZooKeeper and
// lets schedulers and agents find the winner. A Candidate campaigns
// and publishes its pid as the election payload; MasterDetector
// follows the election and feeds pid changes to drivers and agents.
package leader

import (
	"path"
	"strings"
	"time"

	"github.com/docker/leadership"
	"github.com/docker/libkv/store"
	"github.com/docker/libkv/store/zookeeper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	uatomic "go.uber.org/atomic"
	"k8s.io/utils/clock"

	"github.com/mezzo-rm/mezzo/pkg/common/backoff"
	"github.com/mezzo-rm/mezzo/pkg/common/lifecycle"
)

func init() {
	zookeeper.Register()
}

const (
	// sessionTTL is the ZooKeeper election session ttl; a leader
	// that goes silent loses the role after this.
	sessionTTL = 15 * time.Second
	// Reconnect pacing after ZooKeeper errors: capped exponential,
	// never giving up.
	zkRetryInterval = 500 * time.Millisecond
	zkRetryCap      = 30 * time.Second
)

// ElectionConfig locates the election in ZooKeeper.
type ElectionConfig struct {
	// ZKServers is the ensemble to use.
	ZKServers []string `yaml:"zk_servers"`
	// Root is the chroot for this cluster, e.g. /mezzo/prod.
	Root string `yaml:"root"`
}

// Callbacks are invoked on leadership transitions. Nil entries are
// skipped; a returned error is logged and the campaign continues,
// since a master that cannot react to losing leadership still must
// not stop watching for it.
type Callbacks struct {
	GainedLeadership func() error
	LostLeadership   func() error
}

// Candidate campaigns for a role. The payload (by convention the
// master pid string) is what followers receive when this candidate
// wins.
type Candidate struct {
	role      string
	payload   string
	callbacks Callbacks
	metrics   electionMetrics

	clock     clock.Clock
	retry     backoff.RetryPolicy
	lifeCycle lifecycle.LifeCycle
	leading   uatomic.Bool

	candidate *leadership.Candidate
}

// NewCandidate connects to ZooKeeper and prepares a campaign for the
// given role. Start begins it.
func NewCandidate(
	cfg ElectionConfig,
	scope tally.Scope,
	role string,
	payload string,
	callbacks Callbacks) (*Candidate, error) {

	if role == "" {
		return nil, errors.New("a role to campaign for is required")
	}
	if payload == "" {
		return nil, errors.New("a payload to publish is required")
	}
	client, err := zkStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Candidate{
		role:      role,
		payload:   payload,
		callbacks: callbacks,
		metrics:   newElectionMetrics(scope.SubScope("election"), role),
		clock:     clock.RealClock{},
		retry:     backoff.NewExponentialPolicy(0, zkRetryInterval, zkRetryCap),
		lifeCycle: lifecycle.New(),
		candidate: leadership.NewCandidate(
			client, electionPath(cfg.Root, role), payload, sessionTTL),
	}, nil
}

// Start launches the campaign goroutine. A second call changes
// nothing and returns an error.
func (c *Candidate) Start() error {
	if !c.lifeCycle.Start() {
		return errors.Errorf("already campaigning for %s", c.role)
	}
	c.metrics.Running.Update(1)
	log.WithFields(log.Fields{
		"role":    c.role,
		"payload": c.payload,
	}).Info("Joining election")
	go c.campaign()
	return nil
}

// Stop resigns, ends the campaign and waits for the goroutine to
// drain.
func (c *Candidate) Stop() {
	if !c.lifeCycle.Stop() {
		return
	}
	c.metrics.Running.Update(0)
	// Stopping the library candidate closes its channels, which
	// unblocks the campaign loop. Resigning hands leadership over
	// rather than letting the session time out, but must not run on
	// this goroutine: with the campaign loop already gone nothing
	// consumes the resign signal.
	c.candidate.Stop()
	go c.Resign()
	c.lifeCycle.Wait()
}

// Resign gives up leadership without leaving the election.
func (c *Candidate) Resign() {
	c.metrics.Resigned.Inc(1)
	c.candidate.Resign()
}

// IsLeader reports whether this candidate currently leads.
func (c *Candidate) IsLeader() bool {
	return c.leading.Load()
}

// campaign runs election sessions until stopped, backing off on
// ZooKeeper errors. A session that ends cleanly resets the backoff.
func (c *Candidate) campaign() {
	defer c.lifeCycle.StopComplete()
	attempt := 0
	for {
		select {
		case <-c.lifeCycle.StopCh():
			c.markLost()
			return
		default:
		}

		if err := c.runSession(); err != nil {
			attempt++
			c.metrics.Errors.Inc(1)
			delay := c.retry.CalculateNextDelay(attempt)
			log.WithFields(log.Fields{
				"role":  c.role,
				"retry": delay,
			}).WithError(err).Error("Election session failed")
			if !c.sleep(delay) {
				c.markLost()
				return
			}
			continue
		}
		attempt = 0
		// A session that ended cleanly (library shutdown or session
		// handover) still gets base-interval pacing so a flapping
		// ensemble cannot spin this loop hot.
		if !c.sleep(zkRetryInterval) {
			c.markLost()
			return
		}
	}
}

// runSession drives one RunForElection stream until it errors or is
// closed by Stop.
func (c *Candidate) runSession() error {
	electionCh, errCh := c.candidate.RunForElection()
	for {
		select {
		case elected, ok := <-electionCh:
			if !ok {
				return nil
			}
			if elected {
				c.markGained()
			} else {
				c.markLost()
			}
		case err := <-errCh:
			c.markLost()
			return err
		}
	}
}

func (c *Candidate) markGained() {
	if !c.leading.CAS(false, true) {
		return
	}
	log.WithFields(log.Fields{
		"role":    c.role,
		"payload": c.payload,
	}).Info("Leadership gained")
	c.metrics.Gained.Inc(1)
	c.metrics.IsLeader.Update(1)
	if c.callbacks.GainedLeadership != nil {
		if err := c.callbacks.GainedLeadership(); err != nil {
			log.WithField("role", c.role).WithError(err).
				Error("Gained-leadership callback failed")
		}
	}
}

func (c *Candidate) markLost() {
	if !c.leading.CAS(true, false) {
		return
	}
	log.WithField("role", c.role).Info("Leadership lost")
	c.metrics.Lost.Inc(1)
	c.metrics.IsLeader.Update(0)
	if c.callbacks.LostLeadership != nil {
		if err := c.callbacks.LostLeadership(); err != nil {
			log.WithField("role", c.role).WithError(err).
				Error("Lost-leadership callback failed")
		}
	}
}

// sleep waits out a backoff delay, returning false if stopped first.
func (c *Candidate) sleep(delay time.Duration) bool {
	select {
	case <-c.lifeCycle.StopCh():
		return false
	case <-c.clock.After(delay):
		return true
	}
}

func zkStore(cfg ElectionConfig) (store.Store, error) {
	client, err := zookeeper.New(
		cfg.ZKServers,
		&store.Config{ConnectionTimeout: 10 * time.Second},
	)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to zookeeper")
	}
	return client, nil
}

// electionPath builds the election node path; libkv rejects a
// leading slash.
func electionPath(rootPath, role string) string {
	return strings.TrimPrefix(path.Join(rootPath, role, "leader"), "/")
}
