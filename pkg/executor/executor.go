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

// Package executor is the driver embedded in agent-launched executor
// processes. It bootstraps from the environment the agent set up,
// registers with the agent, surfaces task callbacks, and stamps every
// outbound status update with a fresh UUID for at-least-once
// delivery (retransmission is the agent's job).
package executor

import "github.com/mezzo-rm/mezzo/pkg/common/protocol"

// Status is the driver lifecycle state reported by every façade
// call.
type Status int

const (
	// DriverNotStarted is the state before Start.
	DriverNotStarted Status = iota
	// DriverRunning is the normal operating state.
	DriverRunning
	// DriverAborted is terminal.
	DriverAborted
	// DriverStopped is terminal.
	DriverStopped
)

func (s Status) String() string {
	switch s {
	case DriverNotStarted:
		return "DRIVER_NOT_STARTED"
	case DriverRunning:
		return "DRIVER_RUNNING"
	case DriverAborted:
		return "DRIVER_ABORTED"
	case DriverStopped:
		return "DRIVER_STOPPED"
	}
	return "DRIVER_UNKNOWN"
}

// Executor is the callback surface an executor implements. Callbacks
// run serialized on the driver's actor goroutine.
type Executor interface {
	// Registered fires once the agent has accepted the executor.
	Registered(driver *Driver, executorInfo protocol.ExecutorInfo, framework protocol.FrameworkInfo, agent protocol.AgentInfo)
	// LaunchTask hands over one task to run.
	LaunchTask(driver *Driver, task protocol.TaskInfo)
	// KillTask asks for one task to be killed; the executor must
	// still drive the task to a terminal status.
	KillTask(driver *Driver, taskID protocol.TaskID)
	// FrameworkMessage delivers framework bytes.
	FrameworkMessage(driver *Driver, data []byte)
	// Shutdown asks the executor to wind everything down.
	Shutdown(driver *Driver)
	// Error is terminal.
	Error(driver *Driver, message string)
}

// ProgressReporter is optionally implemented by executors that can
// answer progress probes by re-sending current task statuses.
type ProgressReporter interface {
	Progress(driver *Driver)
}
