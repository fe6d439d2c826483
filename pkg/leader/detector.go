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

package leader

import (
	"sync"

	"github.com/docker/leadership"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"k8s.io/utils/clock"

	"github.com/mezzo-rm/mezzo/pkg/common/backoff"
	"github.com/mezzo-rm/mezzo/pkg/common/lifecycle"
	"github.com/mezzo-rm/mezzo/pkg/common/procs"
)

// MasterRole is the election role the master campaigns under.
const MasterRole = "master"

// MasterDetector tells drivers and agents where the master is. The
// onLeader callback fires with the master pid on every leadership
// change; onNone fires when the election has no winner.
type MasterDetector interface {
	Detect(onLeader func(pid procs.PID), onNone func()) error
	Stop()
}

// staticDetector always reports one fixed master; used in tests and
// --master=<pid> deployments without ZooKeeper.
type staticDetector struct {
	pid procs.PID
}

// NewStaticDetector returns a detector pinned to a single master.
func NewStaticDetector(pid procs.PID) MasterDetector {
	return &staticDetector{pid: pid}
}

func (d *staticDetector) Detect(onLeader func(procs.PID), onNone func()) error {
	onLeader(d.pid)
	return nil
}

func (d *staticDetector) Stop() {}

// zkDetector follows the master election directly: it owns the
// follower loop, de-duplicates repeated announcements, parses the
// winner's payload into a pid, and treats an unparsable payload the
// same as having no leader.
type zkDetector struct {
	metrics   detectorMetrics
	follower  *leadership.Follower
	clock     clock.Clock
	retry     backoff.RetryPolicy
	lifeCycle lifecycle.LifeCycle

	mu      sync.Mutex
	current procs.PID
	haveOne bool
}

// NewZKDetector connects to ZooKeeper and prepares to follow the
// master election. Detect starts the watch.
func NewZKDetector(cfg ElectionConfig, scope tally.Scope) (MasterDetector, error) {
	client, err := zkStore(cfg)
	if err != nil {
		return nil, err
	}
	return &zkDetector{
		metrics:   newDetectorMetrics(scope.SubScope("detector")),
		follower:  leadership.NewFollower(client, electionPath(cfg.Root, MasterRole)),
		clock:     clock.RealClock{},
		retry:     backoff.NewExponentialPolicy(0, zkRetryInterval, zkRetryCap),
		lifeCycle: lifecycle.New(),
	}, nil
}

func (d *zkDetector) Detect(onLeader func(procs.PID), onNone func()) error {
	if !d.lifeCycle.Start() {
		return nil
	}
	d.metrics.Running.Update(1)
	log.Info("Watching master election")
	go d.watch(onLeader, onNone)
	return nil
}

func (d *zkDetector) Stop() {
	if !d.lifeCycle.Stop() {
		return
	}
	d.metrics.Running.Update(0)
	d.follower.Stop()
	d.lifeCycle.Wait()
}

// CurrentLeader returns the last announced master pid, false when
// none is known.
func (d *zkDetector) CurrentLeader() (procs.PID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.haveOne
}

// watch follows the election until stopped, backing off through
// ZooKeeper errors. Announcements repeating the current leader are
// swallowed so reconnect churn does not re-trigger registration.
func (d *zkDetector) watch(onLeader func(procs.PID), onNone func()) {
	defer d.lifeCycle.StopComplete()
	attempt := 0
	for {
		select {
		case <-d.lifeCycle.StopCh():
			return
		default:
		}

		if err := d.followSession(onLeader, onNone); err != nil {
			attempt++
			d.metrics.Errors.Inc(1)
			delay := d.retry.CalculateNextDelay(attempt)
			log.WithField("retry", delay).WithError(err).
				Error("Master election watch failed")
			select {
			case <-d.lifeCycle.StopCh():
				return
			case <-d.clock.After(delay):
			}
			continue
		}
		attempt = 0
		// Pace clean session ends too; see Candidate.campaign.
		select {
		case <-d.lifeCycle.StopCh():
			return
		case <-d.clock.After(zkRetryInterval):
		}
	}
}

func (d *zkDetector) followSession(onLeader func(procs.PID), onNone func()) error {
	leaderCh, errCh := d.follower.FollowElection()
	for {
		select {
		case payload, ok := <-leaderCh:
			if !ok {
				return nil
			}
			d.announce(payload, onLeader, onNone)
		case err := <-errCh:
			return err
		}
	}
}

func (d *zkDetector) announce(payload string, onLeader func(procs.PID), onNone func()) {
	if payload == "" {
		d.mu.Lock()
		hadOne := d.haveOne
		d.haveOne = false
		d.mu.Unlock()
		if hadOne {
			log.Warn("Master election has no winner")
			d.metrics.LeaderLost.Inc(1)
			onNone()
		}
		return
	}

	pid, err := procs.ParsePID(payload)
	if err != nil {
		// A garbage payload is indistinguishable from no master.
		log.WithField("payload", payload).WithError(err).
			Error("Election payload is not a master pid")
		d.mu.Lock()
		d.haveOne = false
		d.mu.Unlock()
		onNone()
		return
	}

	d.mu.Lock()
	same := d.haveOne && d.current.String() == pid.String()
	d.current = pid
	d.haveOne = true
	d.mu.Unlock()
	if same {
		return
	}

	log.WithField("master", pid.String()).Info("New master detected")
	d.metrics.LeaderChanged.Inc(1)
	onLeader(pid)
}
