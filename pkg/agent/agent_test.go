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

package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
)

// fakeContainerizer records launches and kills.
type fakeContainerizer struct {
	sync.Mutex
	launched []protocol.ExecutorInfo
	killed   []protocol.ExecutorID
}

func (c *fakeContainerizer) LaunchExecutor(
	_ protocol.FrameworkID, info protocol.ExecutorInfo, _ string, _ map[string]string) error {
	c.Lock()
	defer c.Unlock()
	c.launched = append(c.launched, info)
	return nil
}

func (c *fakeContainerizer) KillExecutor(_ protocol.FrameworkID, id protocol.ExecutorID) error {
	c.Lock()
	defer c.Unlock()
	c.killed = append(c.killed, id)
	return nil
}

func (c *fakeContainerizer) ResourcesChanged(protocol.FrameworkID, protocol.ExecutorID, resources.Resources) error {
	return nil
}

func (c *fakeContainerizer) CollectUsage() (resources.Resources, error) { return nil, nil }

// stub is a recording process that can auto-reply to registrations.
type stub struct {
	sync.Mutex
	proc     *procs.Process
	messages []interface{}
	autoAck  bool
	agentID  protocol.AgentID
}

func (m *stub) Receive(from procs.PID, message interface{}) {
	m.Lock()
	m.messages = append(m.messages, message)
	autoAck := m.autoAck
	m.Unlock()

	if _, ok := message.(*protocol.RegisterAgent); ok && autoAck {
		m.proc.Send(from, &protocol.AgentRegistered{AgentID: m.agentID})
	}
}

func (m *stub) count(match func(interface{}) bool) int {
	m.Lock()
	defer m.Unlock()
	n := 0
	for _, msg := range m.messages {
		if match(msg) {
			n++
		}
	}
	return n
}

func isStatusUpdate(msg interface{}) bool {
	_, ok := msg.(*protocol.StatusUpdateMessage)
	return ok
}

type AgentTestSuite struct {
	suite.Suite

	clock  *testingclock.FakeClock
	node   *procs.Node
	cont   *fakeContainerizer
	agent  *Agent
	pid    procs.PID
	master *stub
}

func TestAgentTestSuite(t *testing.T) {
	suite.Run(t, new(AgentTestSuite))
}

func (s *AgentTestSuite) SetupTest() {
	s.clock = testingclock.NewFakeClock(time.Now())
	s.node = procs.NewNode(procs.WithClock(s.clock))
	s.cont = &fakeContainerizer{}
	s.master = &stub{autoAck: true, agentID: "agent-1"}
	s.master.proc = s.node.Spawn("master", s.master)

	s.agent = New(Config{
		Hostname:  "host1",
		Resources: resources.NewScalar("cpus", 4).Add(resources.NewScalar("mem", 512)),
		WorkDir:   s.T().TempDir(),
	}, s.cont, tally.NoopScope)
	s.pid = s.agent.Start(s.node)

	s.agent.NewMasterDetected(s.master.proc.Self())
	s.node.Settle()
	s.Require().Equal(1, s.master.count(func(m interface{}) bool {
		_, ok := m.(*protocol.RegisterAgent)
		return ok
	}))
}

func (s *AgentTestSuite) TearDownTest() {
	s.node.Stop()
}

// sendUpdate injects an executor-side status update into the agent.
func (s *AgentTestSuite) sendUpdate(from *procs.Process, state protocol.TaskState, id string) protocol.StatusUpdate {
	update := protocol.StatusUpdate{
		FrameworkID: "fw1",
		ExecutorID:  "exec1",
		Status: protocol.TaskStatus{
			TaskID: protocol.TaskID(id),
			State:  state,
		},
		Timestamp: float64(s.clock.Now().UnixNano()) / 1e9,
		UUID:      uuid.New(),
	}
	from.Send(s.pid, &protocol.StatusUpdateMessage{Update: update})
	return update
}

func (s *AgentTestSuite) TestStatusUpdateRetransmitsUntilAcked() {
	executor := s.node.Spawn("executor", procs.HandlerFunc(func(procs.PID, interface{}) {}))

	update := s.sendUpdate(executor, protocol.TaskRunning, "t1")
	s.node.Settle()
	s.Equal(1, s.master.count(isStatusUpdate))

	// No ack: every retry interval the update goes out again.
	s.clock.Step(11 * time.Second)
	s.node.Settle()
	s.Equal(2, s.master.count(isStatusUpdate))

	s.clock.Step(11 * time.Second)
	s.node.Settle()
	s.Equal(3, s.master.count(isStatusUpdate))

	// The ack stops retransmission.
	s.master.proc.Send(s.pid, &protocol.StatusUpdateAck{
		FrameworkID: "fw1",
		AgentID:     "agent-1",
		TaskID:      "t1",
		UUID:        update.UUID,
	})
	s.node.Settle()
	s.clock.Step(30 * time.Second)
	s.node.Settle()
	s.Equal(3, s.master.count(isStatusUpdate))
}

func (s *AgentTestSuite) TestRunTaskLaunchesExecutorAndQueuesUntilRegistration() {
	task := protocol.TaskInfo{
		Name:      "work",
		TaskID:    "t1",
		AgentID:   "agent-1",
		Resources: resources.NewScalar("cpus", 1),
		Executor: &protocol.ExecutorInfo{
			ExecutorID: "exec1",
			Command:    "./run",
		},
	}
	s.master.proc.Send(s.pid, &protocol.RunTask{
		FrameworkID:  "fw1",
		FrameworkPid: "framework@nowhere:1",
		Task:         task,
	})
	s.node.Settle()

	s.cont.Lock()
	s.Require().Len(s.cont.launched, 1)
	s.Equal(protocol.ExecutorID("exec1"), s.cont.launched[0].ExecutorID)
	s.cont.Unlock()

	// The executor comes up and registers; it gets its context and
	// the queued task.
	var got []interface{}
	var mu sync.Mutex
	executor := s.node.Spawn("executor", procs.HandlerFunc(func(_ procs.PID, msg interface{}) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}))
	executor.Send(s.pid, &protocol.RegisterExecutor{FrameworkID: "fw1", ExecutorID: "exec1"})
	s.node.Settle()

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(got, 2)
	registered, ok := got[0].(*protocol.ExecutorRegistered)
	s.Require().True(ok)
	s.Equal(protocol.AgentID("agent-1"), registered.AgentID)
	run, ok := got[1].(*protocol.RunTask)
	s.Require().True(ok)
	s.Equal(protocol.TaskID("t1"), run.Task.TaskID)
}

func (s *AgentTestSuite) TestExecutorExitLosesItsTasks() {
	task := protocol.TaskInfo{
		TaskID:    "t1",
		AgentID:   "agent-1",
		Resources: resources.NewScalar("cpus", 1),
		Executor:  &protocol.ExecutorInfo{ExecutorID: "exec1", Command: "./run"},
	}
	s.master.proc.Send(s.pid, &protocol.RunTask{
		FrameworkID:  "fw1",
		FrameworkPid: "framework@nowhere:1",
		Task:         task,
	})
	executor := s.node.Spawn("executor", procs.HandlerFunc(func(procs.PID, interface{}) {}))
	executor.Send(s.pid, &protocol.RegisterExecutor{FrameworkID: "fw1", ExecutorID: "exec1"})
	s.node.Settle()

	executor.Terminate()
	executor.Wait()
	s.node.Settle()

	// The dead executor's task surfaces as TASK_LOST toward the
	// master, and the containerizer cleans up.
	s.Require().Equal(1, s.master.count(func(m interface{}) bool {
		u, ok := m.(*protocol.StatusUpdateMessage)
		return ok && u.Update.Status.State == protocol.TaskLost &&
			u.Update.Status.TaskID == "t1"
	}))
	s.cont.Lock()
	s.Equal([]protocol.ExecutorID{"exec1"}, s.cont.killed)
	s.cont.Unlock()
}

func (s *AgentTestSuite) TestShutdownFrameworkKillsExecutors() {
	task := protocol.TaskInfo{
		TaskID:    "t1",
		AgentID:   "agent-1",
		Resources: resources.NewScalar("cpus", 1),
		Executor:  &protocol.ExecutorInfo{ExecutorID: "exec1", Command: "./run"},
	}
	s.master.proc.Send(s.pid, &protocol.RunTask{
		FrameworkID:  "fw1",
		FrameworkPid: "framework@nowhere:1",
		Task:         task,
	})
	s.node.Settle()

	s.master.proc.Send(s.pid, &protocol.ShutdownFramework{FrameworkID: "fw1"})
	s.node.Settle()

	s.cont.Lock()
	s.Equal([]protocol.ExecutorID{"exec1"}, s.cont.killed)
	s.cont.Unlock()
}
