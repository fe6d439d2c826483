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

package protocol

import (
	"github.com/mezzo-rm/mezzo/pkg/common/procs"
)

// Framework <-> master.

// RegisterFramework asks the master to admit a new framework.
type RegisterFramework struct {
	Framework FrameworkInfo `json:"framework"`
}

// ReregisterFramework reconnects a framework that already holds an
// id. Failover distinguishes a replacement scheduler instance taking
// over from a scheduler retrying against a new master.
type ReregisterFramework struct {
	FrameworkID FrameworkID   `json:"framework_id"`
	Framework   FrameworkInfo `json:"framework"`
	Failover    bool          `json:"failover"`
}

// FrameworkRegistered acknowledges admission.
type FrameworkRegistered struct {
	FrameworkID FrameworkID `json:"framework_id"`
	Master      MasterInfo  `json:"master"`
}

// FrameworkReregistered acknowledges a reconnect.
type FrameworkReregistered struct {
	FrameworkID FrameworkID `json:"framework_id"`
	Master      MasterInfo  `json:"master"`
}

// UnregisterFramework tears the framework down immediately.
type UnregisterFramework struct {
	FrameworkID FrameworkID `json:"framework_id"`
}

// DeactivateFramework detaches the scheduler but leaves tasks and
// reservations in place for the failover window.
type DeactivateFramework struct {
	FrameworkID FrameworkID `json:"framework_id"`
}

// ResourceRequest is advisory; the allocator only logs it.
type ResourceRequest struct {
	FrameworkID FrameworkID `json:"framework_id"`
	Requests    []Request   `json:"requests"`
}

// ResourceOffers hands a batch of offers to a framework. AgentPids
// aligns with Offers and lets the scheduler talk to agents directly.
type ResourceOffers struct {
	Offers    []Offer  `json:"offers"`
	AgentPids []string `json:"agent_pids"`
}

// RescindOffer withdraws a still-open offer.
type RescindOffer struct {
	OfferID OfferID `json:"offer_id"`
}

// LaunchTasks accepts an offer with a set of tasks; unused resources
// are declined under Filters. An empty Tasks list is a pure decline.
type LaunchTasks struct {
	FrameworkID FrameworkID `json:"framework_id"`
	OfferID     OfferID     `json:"offer_id"`
	Tasks       []TaskInfo  `json:"tasks"`
	Filters     Filters     `json:"filters"`
}

// KillTask asks the master to kill one task.
type KillTask struct {
	FrameworkID FrameworkID `json:"framework_id"`
	TaskID      TaskID      `json:"task_id"`
}

// ReviveOffers clears the framework's refusal filters.
type ReviveOffers struct {
	FrameworkID FrameworkID `json:"framework_id"`
}

// StatusUpdateMessage carries an update toward the framework. Pid is
// the agent pid acks should be routed back to; empty for updates the
// master or driver synthesized itself.
type StatusUpdateMessage struct {
	Update StatusUpdate `json:"update"`
	Pid    string       `json:"pid,omitempty"`
}

// StatusUpdateAck confirms one update all the way back to the agent,
// stopping retransmission.
type StatusUpdateAck struct {
	FrameworkID FrameworkID `json:"framework_id"`
	AgentID     AgentID     `json:"agent_id"`
	TaskID      TaskID      `json:"task_id"`
	UUID        string      `json:"uuid"`
}

// FrameworkToExecutor carries opaque framework bytes to an executor.
type FrameworkToExecutor struct {
	FrameworkID FrameworkID `json:"framework_id"`
	AgentID     AgentID     `json:"agent_id"`
	ExecutorID  ExecutorID  `json:"executor_id"`
	Data        []byte      `json:"data"`
}

// ExecutorToFramework carries opaque executor bytes back.
type ExecutorToFramework struct {
	FrameworkID FrameworkID `json:"framework_id"`
	AgentID     AgentID     `json:"agent_id"`
	ExecutorID  ExecutorID  `json:"executor_id"`
	Data        []byte      `json:"data"`
}

// FrameworkError is terminal: the driver aborts after delivering it.
type FrameworkError struct {
	Message string `json:"message"`
}

// Agent <-> master.

// RegisterAgent asks the master to admit a worker node.
type RegisterAgent struct {
	Agent AgentInfo `json:"agent"`
}

// AgentRegistered acknowledges admission.
type AgentRegistered struct {
	AgentID AgentID `json:"agent_id"`
}

// ReregisterAgent reconnects an agent after a master failover,
// carrying its live tasks and executors for reconciliation.
type ReregisterAgent struct {
	AgentID   AgentID         `json:"agent_id"`
	Agent     AgentInfo       `json:"agent"`
	Tasks     []TaskEntry     `json:"tasks"`
	Executors []ExecutorEntry `json:"executors"`
}

// AgentReregistered acknowledges a reconnect.
type AgentReregistered struct {
	AgentID AgentID `json:"agent_id"`
}

// RunTask tells an agent to start one task. FrameworkPid lets the
// agent deliver executor messages without a master round trip.
type RunTask struct {
	FrameworkID  FrameworkID   `json:"framework_id"`
	Framework    FrameworkInfo `json:"framework"`
	FrameworkPid string        `json:"framework_pid"`
	Task         TaskInfo      `json:"task"`
}

// KillTaskRequest tells an agent to kill one task.
type KillTaskRequest struct {
	FrameworkID FrameworkID `json:"framework_id"`
	TaskID      TaskID      `json:"task_id"`
}

// ShutdownFramework tells an agent to tear down everything belonging
// to a framework the master no longer knows.
type ShutdownFramework struct {
	FrameworkID FrameworkID `json:"framework_id"`
}

// Executor <-> agent.

// RegisterExecutor announces a just-launched executor to its agent.
type RegisterExecutor struct {
	FrameworkID FrameworkID `json:"framework_id"`
	ExecutorID  ExecutorID  `json:"executor_id"`
}

// ExecutorRegistered hands the executor its context.
type ExecutorRegistered struct {
	ExecutorInfo ExecutorInfo  `json:"executor_info"`
	FrameworkID  FrameworkID   `json:"framework_id"`
	Framework    FrameworkInfo `json:"framework"`
	AgentID      AgentID       `json:"agent_id"`
	Agent        AgentInfo     `json:"agent"`
}

// ShutdownExecutor asks an executor to wind down; the driver
// force-kills the process group if it does not exit in time.
type ShutdownExecutor struct{}

// ProgressRequest probes an executor to re-report the current state
// of its tasks (the agent uses it to keep its re-registration
// snapshot fresh).
type ProgressRequest struct{}

func init() {
	for _, msg := range []interface{}{
		&RegisterFramework{},
		&ReregisterFramework{},
		&FrameworkRegistered{},
		&FrameworkReregistered{},
		&UnregisterFramework{},
		&DeactivateFramework{},
		&ResourceRequest{},
		&ResourceOffers{},
		&RescindOffer{},
		&LaunchTasks{},
		&KillTask{},
		&ReviveOffers{},
		&StatusUpdateMessage{},
		&StatusUpdateAck{},
		&FrameworkToExecutor{},
		&ExecutorToFramework{},
		&FrameworkError{},
		&RegisterAgent{},
		&AgentRegistered{},
		&ReregisterAgent{},
		&AgentReregistered{},
		&RunTask{},
		&KillTaskRequest{},
		&ShutdownFramework{},
		&RegisterExecutor{},
		&ExecutorRegistered{},
		&ShutdownExecutor{},
		&ProgressRequest{},
	} {
		procs.RegisterMessage(msg)
	}
}
