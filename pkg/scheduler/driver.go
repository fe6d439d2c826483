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

package scheduler

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	uatomic "go.uber.org/atomic"

	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/leader"
)

// registrationRetrySeconds re-arms registration while no
// (re)registered message has come back.
const registrationRetrySeconds = 1.0

var driverSeq uatomic.Uint64

type registrationRetry struct{}

// Driver connects one framework to the cluster. The exported API is
// callable from any goroutine; it enqueues onto the internal actor
// and returns the driver status. All Scheduler callbacks run on the
// actor goroutine.
type Driver struct {
	mu     sync.Mutex
	cond   *sync.Cond
	status Status

	node     *procs.Node
	proc     *procs.Process
	sched    Scheduler
	info     protocol.FrameworkInfo
	detector leader.MasterDetector

	// Actor-side state, touched only on the actor goroutine.
	frameworkID protocol.FrameworkID
	failover    bool
	masterPid   procs.PID
	connected   bool

	// savedOffers maps offer -> agent -> agent pid so framework
	// messages can bypass the master. savedAgentPids outlives the
	// offers that introduced each agent.
	savedOffers    map[protocol.OfferID]map[protocol.AgentID]procs.PID
	savedAgentPids map[protocol.AgentID]procs.PID
}

// NewDriver creates a driver for the given framework. A non-empty
// frameworkID makes the first registration a failover takeover.
func NewDriver(
	node *procs.Node,
	sched Scheduler,
	info protocol.FrameworkInfo,
	frameworkID protocol.FrameworkID,
	detector leader.MasterDetector) *Driver {

	d := &Driver{
		status:         DriverNotStarted,
		node:           node,
		sched:          sched,
		info:           info,
		detector:       detector,
		frameworkID:    frameworkID,
		failover:       frameworkID != "",
		savedOffers:    make(map[protocol.OfferID]map[protocol.AgentID]procs.PID),
		savedAgentPids: make(map[protocol.AgentID]procs.PID),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the internal actor and begins master detection.
func (d *Driver) Start() Status {
	d.mu.Lock()
	if d.status != DriverNotStarted {
		status := d.status
		d.mu.Unlock()
		return status
	}
	id := fmt.Sprintf("scheduler(%d)", driverSeq.Inc())
	d.proc = d.node.Spawn(id, procs.HandlerFunc(d.receive))
	d.status = DriverRunning
	d.mu.Unlock()

	// The detector may invoke its callback synchronously, so no lock
	// is held across Detect.
	if err := d.detector.Detect(d.newMasterDetected, d.noMasterDetected); err != nil {
		log.WithError(err).Error("Master detection failed to start")
		d.mu.Lock()
		d.setStatusLocked(DriverAborted)
		status := d.status
		d.mu.Unlock()
		return status
	}
	return DriverRunning
}

// Stop disconnects from the master. With failover true the master
// keeps this framework's tasks and reservations for the failover
// window; with false the framework is torn down immediately.
func (d *Driver) Stop(failover bool) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != DriverRunning && d.status != DriverAborted {
		return d.status
	}

	d.proc.Dispatch(func() {
		if d.connected {
			if failover {
				d.proc.Send(d.masterPid, &protocol.DeactivateFramework{FrameworkID: d.frameworkID})
			} else {
				d.proc.Send(d.masterPid, &protocol.UnregisterFramework{FrameworkID: d.frameworkID})
			}
		}
		d.proc.Terminate()
	})
	d.detector.Stop()
	d.setStatusLocked(DriverStopped)
	return d.status
}

// Abort freezes the driver: inbound messages are dropped from then
// on, the master keeps the framework until its failover timeout.
func (d *Driver) Abort() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != DriverRunning {
		return d.status
	}
	d.proc.Dispatch(func() {
		if d.connected {
			d.proc.Send(d.masterPid, &protocol.DeactivateFramework{FrameworkID: d.frameworkID})
		}
	})
	d.setStatusLocked(DriverAborted)
	return d.status
}

// Join blocks until the driver reaches a terminal status.
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

// RequestResources sends an advisory resource request.
func (d *Driver) RequestResources(requests []protocol.Request) Status {
	return d.enqueue(func() {
		d.sendToMaster(&protocol.ResourceRequest{
			FrameworkID: d.frameworkID,
			Requests:    requests,
		})
	})
}

// LaunchTasks accepts an offer with tasks. Structurally invalid
// tasks are not sent; they come back as locally synthesized
// TASK_LOST updates so every launched task still reaches a terminal
// state.
func (d *Driver) LaunchTasks(offerID protocol.OfferID, tasks []protocol.TaskInfo, filters protocol.Filters) Status {
	return d.enqueue(func() {
		var valid []protocol.TaskInfo
		for _, task := range tasks {
			if (task.Executor == nil) == (task.Command == nil) {
				d.sched.StatusUpdate(d, protocol.TaskStatus{
					TaskID:  task.TaskID,
					State:   protocol.TaskLost,
					Message: "Task requires exactly one of executor and command",
				})
				continue
			}
			valid = append(valid, task)
		}
		delete(d.savedOffers, offerID)
		d.sendToMaster(&protocol.LaunchTasks{
			FrameworkID: d.frameworkID,
			OfferID:     offerID,
			Tasks:       valid,
			Filters:     filters,
		})
	})
}

// DeclineOffer is an accept with no tasks.
func (d *Driver) DeclineOffer(offerID protocol.OfferID, filters protocol.Filters) Status {
	return d.LaunchTasks(offerID, nil, filters)
}

// KillTask asks the master to kill a task.
func (d *Driver) KillTask(taskID protocol.TaskID) Status {
	return d.enqueue(func() {
		d.sendToMaster(&protocol.KillTask{FrameworkID: d.frameworkID, TaskID: taskID})
	})
}

// ReviveOffers clears this framework's refusal filters.
func (d *Driver) ReviveOffers() Status {
	return d.enqueue(func() {
		d.sendToMaster(&protocol.ReviveOffers{FrameworkID: d.frameworkID})
	})
}

// SendFrameworkMessage delivers bytes to an executor, directly to
// the agent when its pid is known, else through the master.
func (d *Driver) SendFrameworkMessage(executorID protocol.ExecutorID, agentID protocol.AgentID, data []byte) Status {
	return d.enqueue(func() {
		msg := &protocol.FrameworkToExecutor{
			FrameworkID: d.frameworkID,
			AgentID:     agentID,
			ExecutorID:  executorID,
			Data:        data,
		}
		if pid, ok := d.savedAgentPids[agentID]; ok {
			d.proc.Send(pid, msg)
			return
		}
		d.sendToMaster(msg)
	})
}

// Internal actor.

func (d *Driver) newMasterDetected(pid procs.PID) {
	if !d.running() {
		return
	}
	d.proc.Dispatch(func() {
		log.WithField("master", pid.String()).Info("New master detected")
		if d.connected {
			d.connected = false
			d.sched.Disconnected(d)
		}
		d.masterPid = pid
		d.proc.Link(pid)
		d.doReliableRegistration()
	})
}

func (d *Driver) noMasterDetected() {
	if !d.running() {
		return
	}
	d.proc.Dispatch(func() {
		log.Warn("No master detected")
		d.masterPid = procs.PID{}
		if d.connected {
			d.connected = false
			d.sched.Disconnected(d)
		}
	})
}

// doReliableRegistration sends Register or Reregister and re-arms
// itself every second until an acknowledgment flips connected.
func (d *Driver) doReliableRegistration() {
	if d.connected || d.masterPid.IsZero() || !d.running() {
		return
	}
	if d.frameworkID == "" {
		d.proc.Send(d.masterPid, &protocol.RegisterFramework{Framework: d.info})
	} else {
		d.proc.Send(d.masterPid, &protocol.ReregisterFramework{
			FrameworkID: d.frameworkID,
			Framework:   d.info,
			Failover:    d.failover,
		})
	}
	d.proc.Delay(time.Duration(registrationRetrySeconds*float64(time.Second)), &registrationRetry{})
}

func (d *Driver) receive(from procs.PID, message interface{}) {
	if !d.running() {
		// Aborted or stopped: log and drop.
		log.WithFields(log.Fields{
			"message": fmt.Sprintf("%T", message),
			"status":  d.Status().String(),
		}).Debug("Driver ignoring message")
		return
	}

	switch msg := message.(type) {
	case *registrationRetry:
		d.doReliableRegistration()
	case *protocol.FrameworkRegistered:
		d.connected = true
		d.setFrameworkID(msg.FrameworkID)
		d.failover = false
		log.WithField("framework_id", msg.FrameworkID).Info("Framework registered")
		d.sched.Registered(d, msg.FrameworkID, msg.Master)
	case *protocol.FrameworkReregistered:
		d.connected = true
		d.failover = false
		log.WithField("framework_id", msg.FrameworkID).Info("Framework re-registered")
		d.sched.Reregistered(d, msg.Master)
	case *protocol.ResourceOffers:
		d.resourceOffers(msg)
	case *protocol.RescindOffer:
		delete(d.savedOffers, msg.OfferID)
		d.sched.OfferRescinded(d, msg.OfferID)
	case *protocol.StatusUpdateMessage:
		d.statusUpdate(msg)
	case *protocol.ExecutorToFramework:
		d.sched.FrameworkMessage(d, msg.ExecutorID, msg.AgentID, msg.Data)
	case *protocol.FrameworkError:
		log.WithField("message", msg.Message).Error("Framework error from master")
		d.sched.Error(d, msg.Message)
		d.Abort()
	case *procs.Exited:
		if msg.PID.String() == d.masterPid.String() && d.connected {
			log.Warn("Master connection lost")
			d.connected = false
			d.sched.Disconnected(d)
		}
	default:
		log.WithFields(log.Fields{
			"from":    from.String(),
			"message": fmt.Sprintf("%T", message),
		}).Warn("Driver dropping unexpected message")
	}
}

func (d *Driver) resourceOffers(msg *protocol.ResourceOffers) {
	for i, offer := range msg.Offers {
		if i >= len(msg.AgentPids) {
			break
		}
		pid, err := procs.ParsePID(msg.AgentPids[i])
		if err != nil {
			log.WithField("pid", msg.AgentPids[i]).WithError(err).
				Warn("Offer carries an unparsable agent pid")
			continue
		}
		if d.savedOffers[offer.OfferID] == nil {
			d.savedOffers[offer.OfferID] = make(map[protocol.AgentID]procs.PID)
		}
		d.savedOffers[offer.OfferID][offer.AgentID] = pid
		d.savedAgentPids[offer.AgentID] = pid
	}
	d.sched.ResourceOffers(d, msg.Offers)
}

// statusUpdate delivers the callback, then acknowledges on the
// framework's behalf so the agent stops retransmitting.
func (d *Driver) statusUpdate(msg *protocol.StatusUpdateMessage) {
	update := msg.Update
	d.sched.StatusUpdate(d, update.Status)

	if update.UUID == "" {
		return
	}
	ack := &protocol.StatusUpdateAck{
		FrameworkID: d.frameworkID,
		AgentID:     update.AgentID,
		TaskID:      update.Status.TaskID,
		UUID:        update.UUID,
	}
	d.sendToMaster(ack)
}

func (d *Driver) sendToMaster(msg interface{}) {
	if d.masterPid.IsZero() {
		log.WithField("message", fmt.Sprintf("%T", msg)).
			Debug("Dropping message, not connected to a master")
		return
	}
	d.proc.Send(d.masterPid, msg)
}

// enqueue runs fn on the actor goroutine if the driver is running.
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

// FrameworkID returns the id assigned by the master, empty before
// registration.
func (d *Driver) FrameworkID() protocol.FrameworkID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameworkID
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

func (d *Driver) setFrameworkID(id protocol.FrameworkID) {
	d.mu.Lock()
	d.frameworkID = id
	d.mu.Unlock()
}
