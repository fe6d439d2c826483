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

package executor

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
)

// fakeAgent records executor traffic and answers registrations.
type fakeAgent struct {
	sync.Mutex
	proc     *procs.Process
	messages []interface{}
}

func (a *fakeAgent) Receive(from procs.PID, message interface{}) {
	a.Lock()
	a.messages = append(a.messages, message)
	a.Unlock()
	if _, ok := message.(*protocol.RegisterExecutor); ok {
		a.proc.Send(from, &protocol.ExecutorRegistered{
			ExecutorInfo: protocol.ExecutorInfo{ExecutorID: "exec-1", Command: "./run"},
			FrameworkID:  "fw-1",
			Framework:    protocol.FrameworkInfo{Name: "test"},
			AgentID:      "agent-1",
			Agent:        protocol.AgentInfo{Hostname: "host1"},
		})
	}
}

func (a *fakeAgent) updates() []protocol.StatusUpdate {
	a.Lock()
	defer a.Unlock()
	var result []protocol.StatusUpdate
	for _, msg := range a.messages {
		if u, ok := msg.(*protocol.StatusUpdateMessage); ok {
			result = append(result, u.Update)
		}
	}
	return result
}

// recordingExecutor captures callbacks.
type recordingExecutor struct {
	sync.Mutex
	registered int
	launched   []protocol.TaskInfo
	killed     []protocol.TaskID
	data       [][]byte
	shutdowns  int
	errors     []string
}

func (e *recordingExecutor) Registered(_ *Driver, _ protocol.ExecutorInfo, _ protocol.FrameworkInfo, _ protocol.AgentInfo) {
	e.Lock()
	defer e.Unlock()
	e.registered++
}
func (e *recordingExecutor) LaunchTask(_ *Driver, task protocol.TaskInfo) {
	e.Lock()
	defer e.Unlock()
	e.launched = append(e.launched, task)
}
func (e *recordingExecutor) KillTask(_ *Driver, taskID protocol.TaskID) {
	e.Lock()
	defer e.Unlock()
	e.killed = append(e.killed, taskID)
}
func (e *recordingExecutor) FrameworkMessage(_ *Driver, data []byte) {
	e.Lock()
	defer e.Unlock()
	e.data = append(e.data, data)
}
func (e *recordingExecutor) Shutdown(*Driver) {
	e.Lock()
	defer e.Unlock()
	e.shutdowns++
}
func (e *recordingExecutor) Error(_ *Driver, message string) {
	e.Lock()
	defer e.Unlock()
	e.errors = append(e.errors, message)
}

type ExecutorDriverTestSuite struct {
	suite.Suite

	clock  *testingclock.FakeClock
	node   *procs.Node
	agent  *fakeAgent
	exec   *recordingExecutor
	driver *Driver
}

func TestExecutorDriverTestSuite(t *testing.T) {
	suite.Run(t, new(ExecutorDriverTestSuite))
}

func (s *ExecutorDriverTestSuite) SetupTest() {
	s.clock = testingclock.NewFakeClock(time.Now())
	s.node = procs.NewNode(procs.WithClock(s.clock))
	s.agent = &fakeAgent{}
	s.agent.proc = s.node.Spawn("agent", s.agent)

	// The agent would set this environment up before launching the
	// executor process.
	s.T().Setenv(EnvAgentPID, s.agent.proc.Self().String())
	s.T().Setenv(EnvFrameworkID, "fw-1")
	s.T().Setenv(EnvExecutorID, "exec-1")
	s.T().Setenv(EnvDirectory, s.T().TempDir())
	s.T().Setenv(EnvLocal, "1")

	s.exec = &recordingExecutor{}
	var err error
	s.driver, err = NewDriver(s.node, s.exec)
	s.Require().NoError(err)
}

func (s *ExecutorDriverTestSuite) TearDownTest() {
	s.driver.Stop()
	s.node.Stop()
}

func (s *ExecutorDriverTestSuite) start() {
	s.Require().Equal(DriverRunning, s.driver.Start())
	s.node.Settle()
	s.exec.Lock()
	s.Require().Equal(1, s.exec.registered)
	s.exec.Unlock()
}

func (s *ExecutorDriverTestSuite) TestBootstrapRequiresEnvironment() {
	s.T().Setenv(EnvAgentPID, "")
	_, err := NewDriver(s.node, s.exec)
	s.Error(err)
}

func (s *ExecutorDriverTestSuite) TestRegistersWithAgent() {
	s.start()
}

func (s *ExecutorDriverTestSuite) TestLaunchAndKillCallbacks() {
	s.start()

	task := protocol.TaskInfo{
		TaskID:    "t1",
		AgentID:   "agent-1",
		Resources: resources.NewScalar("cpus", 1),
		Executor:  &protocol.ExecutorInfo{ExecutorID: "exec-1", Command: "./run"},
	}
	s.agent.proc.Send(s.driver.proc.Self(), &protocol.RunTask{
		FrameworkID: "fw-1",
		Task:        task,
	})
	s.agent.proc.Send(s.driver.proc.Self(), &protocol.KillTaskRequest{
		FrameworkID: "fw-1",
		TaskID:      "t1",
	})
	s.node.Settle()

	s.exec.Lock()
	defer s.exec.Unlock()
	s.Require().Len(s.exec.launched, 1)
	s.Equal(protocol.TaskID("t1"), s.exec.launched[0].TaskID)
	s.Equal([]protocol.TaskID{"t1"}, s.exec.killed)
}

func (s *ExecutorDriverTestSuite) TestStatusUpdateStampedWithUUID() {
	s.start()

	s.driver.SendStatusUpdate(protocol.TaskStatus{
		TaskID: "t1",
		State:  protocol.TaskRunning,
	})
	s.driver.SendStatusUpdate(protocol.TaskStatus{
		TaskID: "t1",
		State:  protocol.TaskFinished,
	})
	s.node.Settle()

	updates := s.agent.updates()
	s.Require().Len(updates, 2)
	s.NotEmpty(updates[0].UUID)
	s.NotEmpty(updates[1].UUID)
	// Fresh UUID per update: de-duplication depends on it.
	s.NotEqual(updates[0].UUID, updates[1].UUID)
	s.Equal(protocol.FrameworkID("fw-1"), updates[0].FrameworkID)
	s.Equal(protocol.AgentID("agent-1"), updates[0].AgentID)
	s.NotZero(updates[0].Timestamp)
}

func (s *ExecutorDriverTestSuite) TestStagingUpdateAbortsDriver() {
	s.start()

	status := s.driver.SendStatusUpdate(protocol.TaskStatus{
		TaskID: "t1",
		State:  protocol.TaskStaging,
	})
	s.node.Settle()

	s.Equal(DriverAborted, status)
	s.Equal(DriverAborted, s.driver.Join())
	s.exec.Lock()
	s.Require().Len(s.exec.errors, 1)
	s.Contains(s.exec.errors[0], "TASK_STAGING")
	s.exec.Unlock()

	// Nothing was sent for the illegal state.
	s.Empty(s.agent.updates())
}

func (s *ExecutorDriverTestSuite) TestShutdownKillerFiresForStuckExecutor() {
	// Non-local bootstrap: the safety net is live.
	os.Unsetenv(EnvLocal)
	driver, err := NewDriver(s.node, s.exec)
	s.Require().NoError(err)

	killed := make(chan struct{})
	driver.kill = func() { close(killed) }

	s.Require().Equal(DriverRunning, driver.Start())
	s.node.Settle()

	s.agent.proc.Send(driver.proc.Self(), &protocol.ShutdownExecutor{})
	s.node.Settle()
	s.exec.Lock()
	s.Require().Equal(1, s.exec.shutdowns)
	s.exec.Unlock()

	// Inside the grace period the executor is left alone.
	s.clock.Step(shutdownTimeout - time.Second)
	s.node.Settle()
	select {
	case <-killed:
		s.FailNow("killer fired before the grace period elapsed")
	default:
	}

	// A stuck executor gets its process group killed at the deadline.
	s.clock.Step(2 * time.Second)
	s.node.Settle()
	select {
	case <-killed:
	default:
		s.FailNow("killer never fired for a stuck executor")
	}
	driver.Stop()
}

func (s *ExecutorDriverTestSuite) TestCleanExitDisarmsShutdownKiller() {
	os.Unsetenv(EnvLocal)
	driver, err := NewDriver(s.node, s.exec)
	s.Require().NoError(err)

	killed := make(chan struct{})
	driver.kill = func() { close(killed) }

	s.Require().Equal(DriverRunning, driver.Start())
	s.node.Settle()
	s.agent.proc.Send(driver.proc.Self(), &protocol.ShutdownExecutor{})
	s.node.Settle()

	// The executor winds down in time; its driver stops, which drops
	// the armed deadline with it.
	driver.Stop()
	s.clock.Step(2 * shutdownTimeout)
	s.node.Settle()
	select {
	case <-killed:
		s.FailNow("killer fired after a clean exit")
	default:
	}
}

func (s *ExecutorDriverTestSuite) TestShutdownCallback() {
	s.start()

	s.agent.proc.Send(s.driver.proc.Self(), &protocol.ShutdownExecutor{})
	s.node.Settle()

	s.exec.Lock()
	s.Equal(1, s.exec.shutdowns)
	s.exec.Unlock()
}

func (s *ExecutorDriverTestSuite) TestFrameworkMessageRoundTrip() {
	s.start()

	s.agent.proc.Send(s.driver.proc.Self(), &protocol.FrameworkToExecutor{
		FrameworkID: "fw-1",
		ExecutorID:  "exec-1",
		Data:        []byte("hello"),
	})
	s.node.Settle()
	s.exec.Lock()
	s.Require().Len(s.exec.data, 1)
	s.Equal([]byte("hello"), s.exec.data[0])
	s.exec.Unlock()

	s.driver.SendFrameworkMessage([]byte("world"))
	s.node.Settle()
	found := false
	s.agent.Lock()
	for _, msg := range s.agent.messages {
		if m, ok := msg.(*protocol.ExecutorToFramework); ok && string(m.Data) == "world" {
			found = true
		}
	}
	s.agent.Unlock()
	s.True(found)
}
