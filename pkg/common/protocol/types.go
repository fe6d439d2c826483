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

// Package protocol defines the data model and message set spoken
// between frameworks, the master, agents and executors. Ids are
// opaque strings, unique within one master incarnation; offer and
// task ids are minted by the master.
package protocol

import (
	"fmt"

	"github.com/mezzo-rm/mezzo/pkg/common/resources"
)

// Opaque identifiers.
type (
	FrameworkID string
	AgentID     string
	OfferID     string
	TaskID      string
	ExecutorID  string
)

// TaskState is the lifecycle state of a task.
type TaskState int

const (
	TaskStaging TaskState = iota
	TaskStarting
	TaskRunning
	TaskFinished
	TaskFailed
	TaskKilled
	TaskLost
)

var taskStateNames = map[TaskState]string{
	TaskStaging:  "TASK_STAGING",
	TaskStarting: "TASK_STARTING",
	TaskRunning:  "TASK_RUNNING",
	TaskFinished: "TASK_FINISHED",
	TaskFailed:   "TASK_FAILED",
	TaskKilled:   "TASK_KILLED",
	TaskLost:     "TASK_LOST",
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TASK_UNKNOWN(%d)", int(s))
}

// Terminal reports whether a task in this state is done for good.
// Terminal updates release the task's resources.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskKilled, TaskLost:
		return true
	}
	return false
}

// FrameworkInfo describes a tenant scheduler.
type FrameworkInfo struct {
	Name string `json:"name"`
	User string `json:"user"`
	// FailoverTimeoutSeconds is how long the master keeps the
	// framework's tasks and reservations after a disconnect.
	FailoverTimeoutSeconds float64  `json:"failover_timeout_seconds"`
	Capabilities           []string `json:"capabilities,omitempty"`
}

// MasterInfo identifies a master incarnation.
type MasterInfo struct {
	ID   string `json:"id"`
	Pid  string `json:"pid"`
	Host string `json:"host"`
}

// AgentInfo describes a worker node. Total resources are immutable
// for the lifetime of the agent record.
type AgentInfo struct {
	Hostname   string               `json:"hostname"`
	Resources  resources.Resources  `json:"resources"`
	Attributes map[string]string    `json:"attributes,omitempty"`
}

// ExecutorInfo describes a framework-provided executor.
type ExecutorInfo struct {
	ExecutorID ExecutorID          `json:"executor_id"`
	Command    string              `json:"command"`
	Resources  resources.Resources `json:"resources,omitempty"`
	Data       []byte              `json:"data,omitempty"`
}

// CommandInfo is an executor-less task command.
type CommandInfo struct {
	Value string `json:"value"`
}

// TaskInfo is a framework's request to run one task against an offer.
// Exactly one of Executor or Command must be set. Resources must
// contain MinResources.
type TaskInfo struct {
	Name         string              `json:"name"`
	TaskID       TaskID              `json:"task_id"`
	AgentID      AgentID             `json:"agent_id"`
	Resources    resources.Resources `json:"resources"`
	MinResources resources.Resources `json:"min_resources,omitempty"`
	Executor     *ExecutorInfo       `json:"executor,omitempty"`
	Command      *CommandInfo        `json:"command,omitempty"`
	Data         []byte              `json:"data,omitempty"`
}

// Offer is a time-bounded grant of one agent's free resources to one
// framework.
type Offer struct {
	OfferID     OfferID         `json:"offer_id"`
	FrameworkID FrameworkID     `json:"framework_id"`
	AgentID     AgentID         `json:"agent_id"`
	Hostname    string          `json:"hostname"`
	Resources   resources.Hints `json:"resources"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// TaskStatus is the framework-visible view of a task state change.
type TaskStatus struct {
	TaskID  TaskID    `json:"task_id"`
	State   TaskState `json:"state"`
	Message string    `json:"message,omitempty"`
	Data    []byte    `json:"data,omitempty"`
}

// StatusUpdate wraps a TaskStatus for at-least-once delivery from
// executor through agent and master to the framework. UUID is what
// the framework acknowledges; unacked updates are retransmitted by
// the agent.
type StatusUpdate struct {
	FrameworkID FrameworkID `json:"framework_id"`
	AgentID     AgentID     `json:"agent_id"`
	ExecutorID  ExecutorID  `json:"executor_id,omitempty"`
	Status      TaskStatus  `json:"status"`
	Timestamp   float64     `json:"timestamp"`
	UUID        string      `json:"uuid"`
}

// Filters accompanies a decline or partial accept. RefuseSeconds is
// how long the declined resources stay suppressed for this framework
// on that agent; zero disables the filter.
type Filters struct {
	RefuseSeconds float64 `json:"refuse_seconds"`
}

// DefaultRefuseSeconds applies when a decline carries no Filters.
const DefaultRefuseSeconds = 5.0

// Request is an advisory resource request from a framework.
type Request struct {
	AgentID   AgentID             `json:"agent_id,omitempty"`
	Resources resources.Resources `json:"resources"`
}

// ExecutorEntry is an agent's record of one live executor, reported
// on re-registration for reconciliation.
type ExecutorEntry struct {
	FrameworkID FrameworkID  `json:"framework_id"`
	Info        ExecutorInfo `json:"info"`
}

// TaskEntry is an agent's record of one task, reported on
// re-registration.
type TaskEntry struct {
	FrameworkID FrameworkID         `json:"framework_id"`
	ExecutorID  ExecutorID          `json:"executor_id,omitempty"`
	TaskID      TaskID              `json:"task_id"`
	State       TaskState           `json:"state"`
	Resources   resources.Resources `json:"resources"`
}
