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
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	uatomic "go.uber.org/atomic"

	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
)

// Bootstrap environment, set by the agent.
const (
	EnvAgentPID    = "MEZZO_AGENT_PID"
	EnvFrameworkID = "MEZZO_FRAMEWORK_ID"
	EnvExecutorID  = "MEZZO_EXECUTOR_ID"
	EnvDirectory   = "MEZZO_DIRECTORY"
	EnvLocal       = "MEZZO_LOCAL"
)

const (
	registrationRetrySeconds = 1.0
	// shutdownTimeout bounds the zombie lifetime of an executor that
	// ignores a shutdown: after this the whole process group is
	// SIGKILLed.
	shutdownTimeout = 5 * time.Second
)

var driverSeq uatomic.Uint64

type registrationRetry struct{}

// shutdownKillTick is the armed safety-net deadline: an executor that
// has not exited by the time it fires gets its process group killed.
type shutdownKillTick struct{}

// Driver connects an executor process to its agent.
type Driver struct {
	mu     sync.Mutex
	cond   *sync.Cond
	status Status

	node *procs.Node
	proc *procs.Process
	exec Executor

	agentPid    procs.PID
	frameworkID protocol.FrameworkID
	executorID  protocol.ExecutorID
	directory   string
	local       bool

	connected    bool
	agentID      protocol.AgentID
	shuttingDown uatomic.Bool

	// kill destroys this process group; replaced in tests.
	kill func()
}

// NewDriver creates a driver, bootstrapping from the environment the
// agent prepared.
func NewDriver(node *procs.Node, exec Executor) (*Driver, error) {
	agentPidValue := os.Getenv(EnvAgentPID)
	if agentPidValue == "" {
		return nil, errors.Errorf("%s not set in environment", EnvAgentPID)
	}
	agentPid, err := procs.ParsePID(agentPidValue)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", EnvAgentPID)
	}
	frameworkID := os.Getenv(EnvFrameworkID)
	if frameworkID == "" {
		return nil, errors.Errorf("%s not set in environment", EnvFrameworkID)
	}
	executorID := os.Getenv(EnvExecutorID)
	if executorID == "" {
		return nil, errors.Errorf("%s not set in environment", EnvExecutorID)
	}

	_, local := os.LookupEnv(EnvLocal)
	d := &Driver{
		status:      DriverNotStarted,
		node:        node,
		exec:        exec,
		agentPid:    agentPid,
		frameworkID: protocol.FrameworkID(frameworkID),
		executorID:  protocol.ExecutorID(executorID),
		directory:   os.Getenv(EnvDirectory),
		local:       local,
		kill: func() {
			syscall.Kill(-os.Getpid(), syscall.SIGKILL)
		},
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Start launches the internal actor and registers with the agent.
func (d *Driver) Start() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != DriverNotStarted {
		return d.status
	}
	id := fmt.Sprintf("executor(%d)", driverSeq.Inc())
	d.proc = d.node.Spawn(id, procs.HandlerFunc(d.receive))
	d.status = DriverRunning

	d.proc.Dispatch(func() {
		d.proc.Link(d.agentPid)
		d.register()
	})
	return d.status
}

// Stop terminates the driver.
func (d *Driver) Stop() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != DriverRunning && d.status != DriverAborted {
		return d.status
	}
	d.proc.Terminate()
	d.setStatusLocked(DriverStopped)
	return d.status
}

// Abort freezes the driver; inbound messages are dropped.
func (d *Driver) Abort() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != DriverRunning {
		return d.status
	}
	d.setStatusLocked(DriverAborted)
	return d.status
}

// Join blocks until a terminal status.
func (d *Driver) Join() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.status == DriverRunning {
		d.cond.Wait()
	}
	return d.status
}

// Run is Start followed by Join.
func (d *Driver) Run() Status {
	if s := d.Start(); s != DriverRunning {
		return s
	}
	return d.Join()
}

// SendStatusUpdate reports a task state change. Every update gets a
// fresh UUID and wall-clock timestamp; TASK_STAGING is owned by the
// control plane and attempting to send it aborts the driver.
func (d *Driver) SendStatusUpdate(status protocol.TaskStatus) Status {
	if !d.running() {
		return d.Status()
	}
	if status.State == protocol.TaskStaging {
		message := fmt.Sprintf(
			"Executor attempted to send TASK_STAGING for task %s", status.TaskID)
		log.Error(message)
		d.proc.Dispatch(func() { d.exec.Error(d, message) })
		return d.Abort()
	}
	return d.enqueue(func() {
		update := protocol.StatusUpdate{
			FrameworkID: d.frameworkID,
			AgentID:     d.agentID,
			ExecutorID:  d.executorID,
			Status:      status,
			Timestamp:   float64(time.Now().UnixNano()) / 1e9,
			UUID:        uuid.New(),
		}
		d.proc.Send(d.agentPid, &protocol.StatusUpdateMessage{Update: update})
	})
}

// SendFrameworkMessage delivers bytes to the framework via the
// agent.
func (d *Driver) SendFrameworkMessage(data []byte) Status {
	return d.enqueue(func() {
		d.proc.Send(d.agentPid, &protocol.ExecutorToFramework{
			FrameworkID: d.frameworkID,
			AgentID:     d.agentID,
			ExecutorID:  d.executorID,
			Data:        data,
		})
	})
}

func (d *Driver) register() {
	if d.connected || !d.running() {
		return
	}
	d.proc.Send(d.agentPid, &protocol.RegisterExecutor{
		FrameworkID: d.frameworkID,
		ExecutorID:  d.executorID,
	})
	d.proc.Delay(time.Duration(registrationRetrySeconds*float64(time.Second)), &registrationRetry{})
}

func (d *Driver) receive(from procs.PID, message interface{}) {
	// The safety-net deadline fires regardless of driver status: an
	// aborted driver in a stuck executor still needs the bound.
	if _, ok := message.(*shutdownKillTick); ok {
		d.fireShutdownKiller()
		return
	}
	if !d.running() {
		log.WithField("message", fmt.Sprintf("%T", message)).
			Debug("Executor driver ignoring message")
		return
	}

	switch msg := message.(type) {
	case *registrationRetry:
		d.register()
	case *protocol.ExecutorRegistered:
		d.connected = true
		d.agentID = msg.AgentID
		log.WithFields(log.Fields{
			"executor_id":  d.executorID,
			"framework_id": d.frameworkID,
			"agent_id":     msg.AgentID,
		}).Info("Executor registered")
		d.exec.Registered(d, msg.ExecutorInfo, msg.Framework, msg.Agent)
	case *protocol.RunTask:
		d.exec.LaunchTask(d, msg.Task)
	case *protocol.KillTaskRequest:
		d.exec.KillTask(d, msg.TaskID)
	case *protocol.FrameworkToExecutor:
		d.exec.FrameworkMessage(d, msg.Data)
	case *protocol.ProgressRequest:
		if reporter, ok := d.exec.(ProgressReporter); ok {
			reporter.Progress(d)
		} else {
			log.Debug("Executor does not report progress")
		}
	case *protocol.ShutdownExecutor:
		log.Info("Executor asked to shut down")
		d.armShutdownKiller()
		d.exec.Shutdown(d)
	case *procs.Exited:
		if msg.PID.String() == d.agentPid.String() {
			// A dead agent orphans this executor; treat it as a
			// shutdown with the same hard deadline.
			log.Warn("Agent connection lost, shutting down")
			d.armShutdownKiller()
			d.exec.Shutdown(d)
		}
	default:
		log.WithFields(log.Fields{
			"from":    from.String(),
			"message": fmt.Sprintf("%T", message),
		}).Warn("Executor driver dropping unexpected message")
	}
}

// armShutdownKiller bounds the worst-case zombie lifetime: unless
// the executor exits first (taking the driver's delayed message with
// it), the whole process group dies after the grace period. Runs on
// the node clock like every other timed behavior, so tests drive it
// by advancing the fake clock.
func (d *Driver) armShutdownKiller() {
	if !d.shuttingDown.CAS(false, true) {
		return
	}
	d.proc.Delay(shutdownTimeout, &shutdownKillTick{})
}

func (d *Driver) fireShutdownKiller() {
	if d.local {
		// Local executors share the host's process group; killing it
		// would take the host down with the executor.
		log.Warn("Executor ignored shutdown; kill suppressed for local run")
		return
	}
	log.Error("Executor did not exit after shutdown, killing process group")
	d.kill()
}

func (d *Driver) enqueue(fn func()) Status {
	d.mu.Lock()
	status := d.status
	proc := d.proc
	d.mu.Unlock()
	if status != DriverRunning {
		return status
	}
	proc.Dispatch(fn)
	return status
}

// Status returns the current driver status.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Driver) running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status == DriverRunning
}

func (d *Driver) setStatusLocked(s Status) {
	d.status = s
	d.cond.Broadcast()
}
