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

// Package agent is the worker-node actor: it registers with the
// master, launches executors through the Containerizer, records
// launched tasks as TASK_STAGING (the master, not the agent, reports
// that state to the framework), and guarantees at-least-once delivery of
// status updates through its update manager.
package agent

import (
	"fmt"
	"time"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"

	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
)

const defaultRegistrationRetrySeconds = 1.0

// Bootstrap environment for executors, consumed by the executor
// driver.
const (
	EnvAgentPID    = "MEZZO_AGENT_PID"
	EnvFrameworkID = "MEZZO_FRAMEWORK_ID"
	EnvExecutorID  = "MEZZO_EXECUTOR_ID"
	EnvDirectory   = "MEZZO_DIRECTORY"
	EnvLocal       = "MEZZO_LOCAL"
)

// Config tunes the agent.
type Config struct {
	Hostname   string              `yaml:"hostname"`
	Resources  resources.Resources `yaml:"resources"`
	Attributes map[string]string   `yaml:"attributes"`
	WorkDir    string              `yaml:"work_dir"`
	// RegistrationRetrySeconds re-arms registration while the master
	// has not answered.
	RegistrationRetrySeconds float64 `yaml:"registration_retry_seconds"`
	// UpdateRetrySeconds is the status-update retransmission period.
	UpdateRetrySeconds float64 `yaml:"update_retry_seconds"`
}

type registrationRetry struct{}

type executorRec struct {
	frameworkID protocol.FrameworkID
	info        protocol.ExecutorInfo
	pid         procs.PID
	queued      []*protocol.RunTask
	tasks       map[protocol.TaskID]*protocol.TaskEntry
}

type frameworkRec struct {
	info protocol.FrameworkInfo
	pid  procs.PID
}

// Metrics tracks agent activity.
type Metrics struct {
	TasksRun        tally.Counter
	TasksLost       tally.Counter
	UpdatesPending  tally.Gauge
	ExecutorsActive tally.Gauge
}

// NewMetrics builds agent metrics under the given scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		TasksRun:        scope.Counter("tasks_run"),
		TasksLost:       scope.Counter("tasks_lost"),
		UpdatesPending:  scope.Gauge("updates_pending"),
		ExecutorsActive: scope.Gauge("executors_active"),
	}
}

// Agent is the worker-node actor.
type Agent struct {
	proc          *procs.Process
	cfg           Config
	containerizer Containerizer
	updater       *updater
	metrics       *Metrics

	masterPid  procs.PID
	registered bool
	agentID    protocol.AgentID

	executors  map[executorProcKey]*executorRec
	frameworks map[protocol.FrameworkID]*frameworkRec
}

// New creates an agent.
func New(cfg Config, containerizer Containerizer, scope tally.Scope) *Agent {
	return &Agent{
		cfg:           cfg,
		containerizer: containerizer,
		metrics:       NewMetrics(scope.SubScope("agent")),
		executors:     make(map[executorProcKey]*executorRec),
		frameworks:    make(map[protocol.FrameworkID]*frameworkRec),
	}
}

// Start spawns the agent actor and returns its PID.
func (a *Agent) Start(node *procs.Node) procs.PID {
	a.proc = node.Spawn("agent", procs.HandlerFunc(a.receive))
	a.updater = newUpdater(a.proc, a.cfg.UpdateRetrySeconds, a.forwardToMaster)
	return a.proc.Self()
}

// Stop terminates the agent actor.
func (a *Agent) Stop() {
	a.proc.Terminate()
	a.proc.Wait()
}

// Shutdown kills every live executor and folds the failures into one
// error. Called on process teardown, before Stop.
func (a *Agent) Shutdown() error {
	errCh := make(chan error, 1)
	a.proc.Dispatch(func() {
		var result error
		for key, rec := range a.executors {
			if err := a.containerizer.KillExecutor(rec.frameworkID, rec.info.ExecutorID); err != nil {
				result = multierr.Append(result, err)
			}
			delete(a.executors, key)
		}
		errCh <- result
	})
	return <-errCh
}

// NewMasterDetected points the agent at a (new) master. Called from
// the leader detector.
func (a *Agent) NewMasterDetected(pid procs.PID) {
	a.proc.Dispatch(func() {
		log.WithField("master", pid.String()).Info("Agent detected new master")
		a.masterPid = pid
		a.registered = false
		a.proc.Link(pid)
		a.register()
	})
}

// NoMasterDetected drops the current master; the agent idles until a
// leader reappears.
func (a *Agent) NoMasterDetected() {
	a.proc.Dispatch(func() {
		a.masterPid = procs.PID{}
		a.registered = false
	})
}

func (a *Agent) receive(from procs.PID, message interface{}) {
	switch msg := message.(type) {
	case *registrationRetry:
		a.register()
	case *protocol.AgentRegistered:
		a.agentID = msg.AgentID
		a.registered = true
		log.WithField("agent_id", a.agentID).Info("Agent registered")
	case *protocol.AgentReregistered:
		a.registered = true
		log.WithField("agent_id", a.agentID).Info("Agent re-registered")
	case *protocol.RunTask:
		a.runTask(msg)
	case *protocol.KillTaskRequest:
		a.killTask(msg)
	case *protocol.RegisterExecutor:
		a.registerExecutor(from, msg)
	case *protocol.StatusUpdateMessage:
		a.statusUpdate(msg)
	case *protocol.StatusUpdateAck:
		a.updater.ack(msg.UUID)
		a.metrics.UpdatesPending.Update(float64(a.updater.pendingCount()))
	case *updateRetryTick:
		a.updater.retry()
		a.metrics.UpdatesPending.Update(float64(a.updater.pendingCount()))
		// Piggyback a progress probe so executors refresh any task
		// state the re-registration snapshot might be missing.
		for _, rec := range a.executors {
			if !rec.pid.IsZero() && len(rec.tasks) > 0 {
				a.proc.Send(rec.pid, &protocol.ProgressRequest{})
			}
		}
	case *protocol.FrameworkToExecutor:
		a.frameworkToExecutor(msg)
	case *protocol.ExecutorToFramework:
		a.executorToFramework(msg)
	case *protocol.ShutdownFramework:
		a.shutdownFramework(msg.FrameworkID)
	case *procs.Exited:
		a.exited(msg.PID)
	default:
		log.WithFields(log.Fields{
			"from":    from.String(),
			"message": fmt.Sprintf("%T", message),
		}).Warn("Agent dropping unexpected message")
	}
}

// register sends Register or Reregister depending on whether this
// agent already holds an id, then re-arms itself until acknowledged.
func (a *Agent) register() {
	if a.registered || a.masterPid.IsZero() {
		return
	}
	info := protocol.AgentInfo{
		Hostname:   a.cfg.Hostname,
		Resources:  a.cfg.Resources,
		Attributes: a.cfg.Attributes,
	}
	if a.agentID == "" {
		a.proc.Send(a.masterPid, &protocol.RegisterAgent{Agent: info})
	} else {
		a.proc.Send(a.masterPid, &protocol.ReregisterAgent{
			AgentID:   a.agentID,
			Agent:     info,
			Tasks:     a.taskSnapshot(),
			Executors: a.executorSnapshot(),
		})
	}

	retry := a.cfg.RegistrationRetrySeconds
	if retry <= 0 {
		retry = defaultRegistrationRetrySeconds
	}
	a.proc.Delay(time.Duration(retry*float64(time.Second)), &registrationRetry{})
}

func (a *Agent) runTask(msg *protocol.RunTask) {
	a.metrics.TasksRun.Inc(1)
	fwPid, err := procs.ParsePID(msg.FrameworkPid)
	if err == nil {
		a.frameworks[msg.FrameworkID] = &frameworkRec{info: msg.Framework, pid: fwPid}
	}

	info, ok := executorInfoForTask(msg.Task)
	if !ok {
		a.sendLost(msg.FrameworkID, "", msg.Task.TaskID,
			"Task carries neither executor nor command")
		return
	}

	key := executorProcKey{msg.FrameworkID, info.ExecutorID}
	rec, exists := a.executors[key]
	if !exists {
		rec = &executorRec{
			frameworkID: msg.FrameworkID,
			info:        info,
			tasks:       make(map[protocol.TaskID]*protocol.TaskEntry),
		}
		a.executors[key] = rec
		env := map[string]string{
			EnvAgentPID:    a.proc.Self().String(),
			EnvFrameworkID: string(msg.FrameworkID),
			EnvExecutorID:  string(info.ExecutorID),
			EnvDirectory:   a.cfg.WorkDir,
		}
		if err := a.containerizer.LaunchExecutor(msg.FrameworkID, info, a.cfg.WorkDir, env); err != nil {
			log.WithError(err).WithField("executor_id", info.ExecutorID).
				Error("Executor launch failed")
			delete(a.executors, key)
			a.sendLost(msg.FrameworkID, info.ExecutorID, msg.Task.TaskID,
				"Failed to launch executor")
			return
		}
	}

	rec.tasks[msg.Task.TaskID] = &protocol.TaskEntry{
		FrameworkID: msg.FrameworkID,
		ExecutorID:  info.ExecutorID,
		TaskID:      msg.Task.TaskID,
		State:       protocol.TaskStaging,
		Resources:   msg.Task.Resources,
	}
	a.metrics.ExecutorsActive.Update(float64(len(a.executors)))

	if rec.pid.IsZero() {
		// Executor still bootstrapping; deliver once it registers.
		rec.queued = append(rec.queued, msg)
		return
	}
	a.proc.Send(rec.pid, msg)
}

func (a *Agent) killTask(msg *protocol.KillTaskRequest) {
	for _, rec := range a.executors {
		if rec.frameworkID != msg.FrameworkID {
			continue
		}
		if _, ok := rec.tasks[msg.TaskID]; !ok {
			continue
		}
		if rec.pid.IsZero() {
			// Executor never came up; the task is not running
			// anywhere.
			delete(rec.tasks, msg.TaskID)
			a.sendLost(msg.FrameworkID, rec.info.ExecutorID, msg.TaskID,
				"Task killed before its executor registered")
			return
		}
		a.proc.Send(rec.pid, msg)
		return
	}
	a.sendLost(msg.FrameworkID, "", msg.TaskID, "Kill for unknown task")
}

func (a *Agent) registerExecutor(from procs.PID, msg *protocol.RegisterExecutor) {
	key := executorProcKey{msg.FrameworkID, msg.ExecutorID}
	rec, ok := a.executors[key]
	if !ok {
		log.WithFields(log.Fields{
			"framework_id": msg.FrameworkID,
			"executor_id":  msg.ExecutorID,
		}).Warn("Register from unknown executor, shutting it down")
		a.proc.Send(from, &protocol.ShutdownExecutor{})
		return
	}
	rec.pid = from
	a.proc.Link(from)

	var fwInfo protocol.FrameworkInfo
	if f, ok := a.frameworks[msg.FrameworkID]; ok {
		fwInfo = f.info
	}
	a.proc.Send(from, &protocol.ExecutorRegistered{
		ExecutorInfo: rec.info,
		FrameworkID:  msg.FrameworkID,
		Framework:    fwInfo,
		AgentID:      a.agentID,
		Agent: protocol.AgentInfo{
			Hostname:   a.cfg.Hostname,
			Resources:  a.cfg.Resources,
			Attributes: a.cfg.Attributes,
		},
	})

	for _, queued := range rec.queued {
		a.proc.Send(rec.pid, queued)
	}
	rec.queued = nil
}

// statusUpdate accepts an executor's update, records the state for
// re-registration snapshots, and hands it to the update manager.
func (a *Agent) statusUpdate(msg *protocol.StatusUpdateMessage) {
	update := msg.Update
	update.AgentID = a.agentID

	key := executorProcKey{update.FrameworkID, update.ExecutorID}
	if rec, ok := a.executors[key]; ok {
		if entry, ok := rec.tasks[update.Status.TaskID]; ok {
			entry.State = update.Status.State
			if update.Status.State.Terminal() {
				delete(rec.tasks, update.Status.TaskID)
			}
		}
	}

	a.updater.enqueue(update)
	a.metrics.UpdatesPending.Update(float64(a.updater.pendingCount()))
}

func (a *Agent) frameworkToExecutor(msg *protocol.FrameworkToExecutor) {
	key := executorProcKey{msg.FrameworkID, msg.ExecutorID}
	rec, ok := a.executors[key]
	if !ok || rec.pid.IsZero() {
		log.WithFields(log.Fields{
			"framework_id": msg.FrameworkID,
			"executor_id":  msg.ExecutorID,
		}).Warn("Dropping framework message for unknown executor")
		return
	}
	a.proc.Send(rec.pid, msg)
}

func (a *Agent) executorToFramework(msg *protocol.ExecutorToFramework) {
	msg.AgentID = a.agentID
	if f, ok := a.frameworks[msg.FrameworkID]; ok && !f.pid.IsZero() {
		a.proc.Send(f.pid, msg)
		return
	}
	a.forwardToMasterRaw(msg)
}

func (a *Agent) shutdownFramework(id protocol.FrameworkID) {
	log.WithField("framework_id", id).Info("Shutting down framework")
	for key, rec := range a.executors {
		if rec.frameworkID != id {
			continue
		}
		if !rec.pid.IsZero() {
			a.proc.Send(rec.pid, &protocol.ShutdownExecutor{})
		}
		if err := a.containerizer.KillExecutor(id, rec.info.ExecutorID); err != nil {
			log.WithError(err).WithField("executor_id", rec.info.ExecutorID).
				Warn("Containerizer kill failed")
		}
		delete(a.executors, key)
	}
	delete(a.frameworks, id)
	a.metrics.ExecutorsActive.Update(float64(len(a.executors)))
}

// exited reacts to a lost master (go quiet until the detector finds a
// new one) or a dead executor (its tasks are lost).
func (a *Agent) exited(pid procs.PID) {
	if pid.String() == a.masterPid.String() {
		log.Warn("Agent lost master connection")
		a.registered = false
		return
	}
	for key, rec := range a.executors {
		if rec.pid.String() != pid.String() {
			continue
		}
		log.WithFields(log.Fields{
			"framework_id": rec.frameworkID,
			"executor_id":  rec.info.ExecutorID,
		}).Warn("Executor exited")
		for taskID := range rec.tasks {
			a.sendLost(rec.frameworkID, rec.info.ExecutorID, taskID, "Executor exited")
		}
		if err := a.containerizer.KillExecutor(rec.frameworkID, rec.info.ExecutorID); err != nil {
			log.WithError(err).Warn("Containerizer cleanup failed")
		}
		delete(a.executors, key)
		a.metrics.ExecutorsActive.Update(float64(len(a.executors)))
		return
	}
}

// sendLost synthesizes a TASK_LOST update through the update manager
// so even agent-originated updates are delivered at least once.
func (a *Agent) sendLost(
	frameworkID protocol.FrameworkID,
	executorID protocol.ExecutorID,
	taskID protocol.TaskID,
	reason string) {
	a.metrics.TasksLost.Inc(1)
	a.updater.enqueue(protocol.StatusUpdate{
		FrameworkID: frameworkID,
		AgentID:     a.agentID,
		ExecutorID:  executorID,
		Status: protocol.TaskStatus{
			TaskID:  taskID,
			State:   protocol.TaskLost,
			Message: reason,
		},
		Timestamp: float64(a.proc.Clock().Now().UnixNano()) / 1e9,
		UUID:      uuid.New(),
	})
}

func (a *Agent) forwardToMaster(msg *protocol.StatusUpdateMessage) {
	if a.masterPid.IsZero() {
		// The updater keeps the message buffered; retransmission
		// reaches the next master.
		return
	}
	a.proc.Send(a.masterPid, msg)
}

func (a *Agent) forwardToMasterRaw(msg interface{}) {
	if a.masterPid.IsZero() {
		return
	}
	a.proc.Send(a.masterPid, msg)
}

func (a *Agent) taskSnapshot() []protocol.TaskEntry {
	var entries []protocol.TaskEntry
	for _, rec := range a.executors {
		for _, entry := range rec.tasks {
			entries = append(entries, *entry)
		}
	}
	return entries
}

func (a *Agent) executorSnapshot() []protocol.ExecutorEntry {
	var entries []protocol.ExecutorEntry
	for _, rec := range a.executors {
		entries = append(entries, protocol.ExecutorEntry{
			FrameworkID: rec.frameworkID,
			Info:        rec.info,
		})
	}
	return entries
}

// executorInfoForTask resolves the executor a task runs under: its
// declared executor, or a synthetic one wrapping a bare command.
func executorInfoForTask(task protocol.TaskInfo) (protocol.ExecutorInfo, bool) {
	if (task.Executor == nil) == (task.Command == nil) {
		return protocol.ExecutorInfo{}, false
	}
	if task.Executor != nil {
		return *task.Executor, true
	}
	return protocol.ExecutorInfo{
		ExecutorID: protocol.ExecutorID("command-" + string(task.TaskID)),
		Command:    task.Command.Value,
	}, true
}
