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

package master

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/mezzo-rm/mezzo/pkg/allocator"
	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
	"github.com/mezzo-rm/mezzo/pkg/registry"
	"github.com/mezzo-rm/mezzo/pkg/state"
)

// recorder is a scripted peer (framework or agent side).
type recorder struct {
	sync.Mutex
	proc     *procs.Process
	messages []interface{}
}

func (r *recorder) Receive(_ procs.PID, message interface{}) {
	r.Lock()
	defer r.Unlock()
	r.messages = append(r.messages, message)
}

func (r *recorder) all() []interface{} {
	r.Lock()
	defer r.Unlock()
	return append([]interface{}(nil), r.messages...)
}

func (r *recorder) firstOffer() *protocol.ResourceOffers {
	for _, msg := range r.all() {
		if offers, ok := msg.(*protocol.ResourceOffers); ok {
			return offers
		}
	}
	return nil
}

func (r *recorder) lastOffer() *protocol.ResourceOffers {
	var last *protocol.ResourceOffers
	for _, msg := range r.all() {
		if offers, ok := msg.(*protocol.ResourceOffers); ok {
			last = offers
		}
	}
	return last
}

func (r *recorder) updates() []protocol.StatusUpdate {
	var result []protocol.StatusUpdate
	for _, msg := range r.all() {
		if u, ok := msg.(*protocol.StatusUpdateMessage); ok {
			result = append(result, u.Update)
		}
	}
	return result
}

func (r *recorder) updatesInState(state protocol.TaskState) []protocol.StatusUpdate {
	var result []protocol.StatusUpdate
	for _, u := range r.updates() {
		if u.Status.State == state {
			result = append(result, u)
		}
	}
	return result
}

type MasterTestSuite struct {
	suite.Suite

	clock  *testingclock.FakeClock
	node   *procs.Node
	master *Master
	alloc  *allocator.Allocator

	fw      *recorder
	agentRc *recorder
}

func TestMasterTestSuite(t *testing.T) {
	suite.Run(t, new(MasterTestSuite))
}

func (s *MasterTestSuite) SetupTest() {
	s.clock = testingclock.NewFakeClock(time.Now())
	s.node = procs.NewNode(procs.WithClock(s.clock))

	s.master = New(nil, registry.New(state.NewMemoryStore(), s.clock), Config{}, tally.NoopScope)
	s.alloc = allocator.New(s.node, s.master, allocator.Config{}, tally.NoopScope)
	s.master.SetAllocator(s.alloc)
	_, err := s.master.Start(s.node)
	s.Require().NoError(err)

	s.fw = &recorder{}
	s.fw.proc = s.node.Spawn("framework", s.fw)
	s.agentRc = &recorder{}
	s.agentRc.proc = s.node.Spawn("agentstub", s.agentRc)
}

func (s *MasterTestSuite) TearDownTest() {
	s.node.Stop()
}

// registerFramework runs the registration handshake and returns the
// assigned id.
func (s *MasterTestSuite) registerFramework(failoverTimeout float64) protocol.FrameworkID {
	s.fw.proc.Send(s.master.Self(), &protocol.RegisterFramework{
		Framework: protocol.FrameworkInfo{
			Name:                   "test-framework",
			User:                   "tester",
			FailoverTimeoutSeconds: failoverTimeout,
		},
	})
	s.node.Settle()
	for _, msg := range s.fw.all() {
		if registered, ok := msg.(*protocol.FrameworkRegistered); ok {
			return registered.FrameworkID
		}
	}
	s.Require().FailNow("framework never registered")
	return ""
}

// registerAgent runs the agent handshake and returns the assigned id.
func (s *MasterTestSuite) registerAgent(res resources.Resources) protocol.AgentID {
	s.agentRc.proc.Send(s.master.Self(), &protocol.RegisterAgent{
		Agent: protocol.AgentInfo{Hostname: "host1", Resources: res},
	})
	s.node.Settle()
	for _, msg := range s.agentRc.all() {
		if registered, ok := msg.(*protocol.AgentRegistered); ok {
			return registered.AgentID
		}
	}
	s.Require().FailNow("agent never registered")
	return ""
}

func (s *MasterTestSuite) TestRegistrationAndFirstOffer() {
	fwID := s.registerFramework(60)
	agentID := s.registerAgent(cpuMem(4, 512))

	offers := s.fw.firstOffer()
	s.Require().NotNil(offers)
	s.Require().Len(offers.Offers, 1)
	offer := offers.Offers[0]
	s.Equal(fwID, offer.FrameworkID)
	s.Equal(agentID, offer.AgentID)
	s.Equal("host1", offer.Hostname)
	s.InDelta(4.0, offer.Resources.Expected.GetScalar("cpus"), resources.Epsilon)
	s.Require().Len(offers.AgentPids, 1)
	s.Equal(s.agentRc.proc.Self().String(), offers.AgentPids[0])
}

func (s *MasterTestSuite) TestLaunchTaskFlow() {
	fwID := s.registerFramework(60)
	agentID := s.registerAgent(cpuMem(4, 512))
	offer := s.fw.firstOffer().Offers[0]

	s.fw.proc.Send(s.master.Self(), &protocol.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     offer.OfferID,
		Tasks: []protocol.TaskInfo{{
			Name:         "work",
			TaskID:       "t1",
			AgentID:      agentID,
			Resources:    cpuMem(1, 128),
			MinResources: resources.NewScalar("cpus", 1),
			Executor:     &protocol.ExecutorInfo{ExecutorID: "exec1", Command: "./run"},
		}},
	})
	s.node.Settle()

	// The agent gets the task, the framework sees STAGING first.
	var run *protocol.RunTask
	for _, msg := range s.agentRc.all() {
		if r, ok := msg.(*protocol.RunTask); ok {
			run = r
		}
	}
	s.Require().NotNil(run)
	s.Equal(protocol.TaskID("t1"), run.Task.TaskID)
	s.Equal(fwID, run.FrameworkID)
	s.Require().Len(s.fw.updatesInState(protocol.TaskStaging), 1)

	// Terminal update: resources come back and get re-offered.
	s.agentRc.proc.Send(s.master.Self(), &protocol.StatusUpdateMessage{
		Update: protocol.StatusUpdate{
			FrameworkID: fwID,
			AgentID:     agentID,
			ExecutorID:  "exec1",
			Status: protocol.TaskStatus{
				TaskID: "t1",
				State:  protocol.TaskFinished,
			},
			UUID: "uuid-finished",
		},
	})
	s.node.Settle()

	finished := s.fw.updatesInState(protocol.TaskFinished)
	s.Require().Len(finished, 1)
	s.Equal("uuid-finished", finished[0].UUID)

	// The task's share comes back as its own offer (the unused
	// remainder was already re-offered at launch time).
	last := s.fw.lastOffer()
	s.Require().NotNil(last)
	s.InDelta(1.0, last.Offers[0].Resources.Expected.GetScalar("cpus"), resources.Epsilon)
	s.InDelta(128.0, last.Offers[0].Resources.Expected.GetScalar("mem"), resources.Epsilon)
}

func (s *MasterTestSuite) TestLaunchOnUnknownOfferIsLost() {
	fwID := s.registerFramework(60)
	s.registerAgent(cpuMem(4, 512))

	s.fw.proc.Send(s.master.Self(), &protocol.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     "no-such-offer",
		Tasks: []protocol.TaskInfo{{
			TaskID:    "t1",
			Resources: cpuMem(1, 128),
			Command:   &protocol.CommandInfo{Value: "true"},
		}},
	})
	s.node.Settle()

	lost := s.fw.updatesInState(protocol.TaskLost)
	s.Require().Len(lost, 1)
	s.Equal(protocol.TaskID("t1"), lost[0].Status.TaskID)
	s.NotEmpty(lost[0].UUID)
}

func (s *MasterTestSuite) TestLaunchExceedingOfferIsLost() {
	fwID := s.registerFramework(60)
	agentID := s.registerAgent(cpuMem(4, 512))
	offer := s.fw.firstOffer().Offers[0]

	s.fw.proc.Send(s.master.Self(), &protocol.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     offer.OfferID,
		Tasks: []protocol.TaskInfo{{
			TaskID:    "greedy",
			AgentID:   agentID,
			Resources: cpuMem(16, 4096),
			Command:   &protocol.CommandInfo{Value: "true"},
		}},
	})
	s.node.Settle()

	s.Require().Len(s.fw.updatesInState(protocol.TaskLost), 1)
	// Nothing reached the agent.
	for _, msg := range s.agentRc.all() {
		_, isRun := msg.(*protocol.RunTask)
		s.False(isRun)
	}
}

func (s *MasterTestSuite) TestLaunchWithBothExecutorAndCommandIsLost() {
	fwID := s.registerFramework(60)
	agentID := s.registerAgent(cpuMem(4, 512))
	offer := s.fw.firstOffer().Offers[0]

	s.fw.proc.Send(s.master.Self(), &protocol.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     offer.OfferID,
		Tasks: []protocol.TaskInfo{{
			TaskID:    "confused",
			AgentID:   agentID,
			Resources: cpuMem(1, 128),
			Executor:  &protocol.ExecutorInfo{ExecutorID: "e", Command: "./run"},
			Command:   &protocol.CommandInfo{Value: "true"},
		}},
	})
	s.node.Settle()

	s.Require().Len(s.fw.updatesInState(protocol.TaskLost), 1)
}

func (s *MasterTestSuite) TestDoubleSpendOnOneOfferLosesSecondLaunch() {
	fwID := s.registerFramework(60)
	agentID := s.registerAgent(cpuMem(4, 512))
	offer := s.fw.firstOffer().Offers[0]

	launch := func(taskID protocol.TaskID) *protocol.LaunchTasks {
		return &protocol.LaunchTasks{
			FrameworkID: fwID,
			OfferID:     offer.OfferID,
			Tasks: []protocol.TaskInfo{{
				TaskID:    taskID,
				AgentID:   agentID,
				Resources: cpuMem(1, 128),
				Command:   &protocol.CommandInfo{Value: "true"},
			}},
		}
	}
	// Two launches race on the same offer; the offer closes with the
	// first, so at most one wins and the loser observes TASK_LOST.
	s.fw.proc.Send(s.master.Self(), launch("winner"))
	s.fw.proc.Send(s.master.Self(), launch("loser"))
	s.node.Settle()

	lost := s.fw.updatesInState(protocol.TaskLost)
	s.Require().Len(lost, 1)
	s.Equal(protocol.TaskID("loser"), lost[0].Status.TaskID)
	s.Require().Len(s.fw.updatesInState(protocol.TaskStaging), 1)
}

func (s *MasterTestSuite) TestKillUnknownTaskRepliesLost() {
	fwID := s.registerFramework(60)

	s.fw.proc.Send(s.master.Self(), &protocol.KillTask{
		FrameworkID: fwID,
		TaskID:      "ghost",
	})
	s.node.Settle()

	lost := s.fw.updatesInState(protocol.TaskLost)
	s.Require().Len(lost, 1)
	s.Equal(protocol.TaskID("ghost"), lost[0].Status.TaskID)
}

func (s *MasterTestSuite) TestAgentLossMarksTasksLostAndRescindsOffers() {
	fwID := s.registerFramework(60)
	agentID := s.registerAgent(cpuMem(4, 512))
	offer := s.fw.firstOffer().Offers[0]

	// Launch one task so the agent holds something.
	s.fw.proc.Send(s.master.Self(), &protocol.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     offer.OfferID,
		Tasks: []protocol.TaskInfo{{
			TaskID:    "t1",
			AgentID:   agentID,
			Resources: cpuMem(1, 128),
			Command:   &protocol.CommandInfo{Value: "true"},
		}},
	})
	s.node.Settle()

	// The leftover re-offer is open against the agent when it dies.
	s.agentRc.proc.Terminate()
	s.agentRc.proc.Wait()
	s.node.Settle()

	lost := s.fw.updatesInState(protocol.TaskLost)
	s.Require().Len(lost, 1)
	s.Equal(protocol.TaskID("t1"), lost[0].Status.TaskID)

	// Any open offer for the dead agent was rescinded.
	rescinds := 0
	for _, msg := range s.fw.all() {
		if _, ok := msg.(*protocol.RescindOffer); ok {
			rescinds++
		}
	}
	s.True(rescinds >= 1)
}

func (s *MasterTestSuite) TestFrameworkFailoverTimeout() {
	fwID := s.registerFramework(30)
	agentID := s.registerAgent(cpuMem(4, 512))
	offer := s.fw.firstOffer().Offers[0]

	s.fw.proc.Send(s.master.Self(), &protocol.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     offer.OfferID,
		Tasks: []protocol.TaskInfo{{
			TaskID:    "t1",
			AgentID:   agentID,
			Resources: cpuMem(1, 128),
			Command:   &protocol.CommandInfo{Value: "true"},
		}},
	})
	s.node.Settle()

	// The scheduler goes away without unregistering.
	s.fw.proc.Send(s.master.Self(), &protocol.DeactivateFramework{FrameworkID: fwID})
	s.node.Settle()

	// Inside the window the task survives.
	s.clock.Step(10 * time.Second)
	s.node.Settle()
	shutdowns := func() int {
		n := 0
		for _, msg := range s.agentRc.all() {
			if _, ok := msg.(*protocol.ShutdownFramework); ok {
				n++
			}
		}
		return n
	}
	s.Equal(0, shutdowns())

	// Past the window the framework is removed and the agent told to
	// clean up.
	s.clock.Step(30 * time.Second)
	s.node.Settle()
	s.Equal(1, shutdowns())
}

func (s *MasterTestSuite) TestSchedulerFailoverTakesOver() {
	fwID := s.registerFramework(300)
	s.registerAgent(cpuMem(4, 512))

	s.fw.proc.Send(s.master.Self(), &protocol.DeactivateFramework{FrameworkID: fwID})
	s.node.Settle()

	// A replacement scheduler re-registers with failover inside the
	// window and owns the framework again.
	fw2 := &recorder{}
	fw2.proc = s.node.Spawn("framework2", fw2)
	fw2.proc.Send(s.master.Self(), &protocol.ReregisterFramework{
		FrameworkID: fwID,
		Framework:   protocol.FrameworkInfo{Name: "test-framework", FailoverTimeoutSeconds: 300},
		Failover:    true,
	})
	s.node.Settle()

	var reregistered *protocol.FrameworkReregistered
	for _, msg := range fw2.all() {
		if m, ok := msg.(*protocol.FrameworkReregistered); ok {
			reregistered = m
		}
	}
	s.Require().NotNil(reregistered)
	s.Equal(fwID, reregistered.FrameworkID)

	// The stale failover timer must not tear the framework down.
	s.clock.Step(10 * time.Minute)
	s.node.Settle()
	for _, msg := range s.agentRc.all() {
		_, isShutdown := msg.(*protocol.ShutdownFramework)
		s.False(isShutdown)
	}
}

func (s *MasterTestSuite) TestStatusUpdateAckForwardedToAgent() {
	fwID := s.registerFramework(60)
	agentID := s.registerAgent(cpuMem(4, 512))

	s.fw.proc.Send(s.master.Self(), &protocol.StatusUpdateAck{
		FrameworkID: fwID,
		AgentID:     agentID,
		TaskID:      "t1",
		UUID:        "uuid-1",
	})
	s.node.Settle()

	found := false
	for _, msg := range s.agentRc.all() {
		if ack, ok := msg.(*protocol.StatusUpdateAck); ok && ack.UUID == "uuid-1" {
			found = true
		}
	}
	s.True(found)
}

func cpuMem(cpus, mem float64) resources.Resources {
	return resources.NewScalar("cpus", cpus).Add(resources.NewScalar("mem", mem))
}
