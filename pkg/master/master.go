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

// Package master is the central actor of the control plane. It holds
// the authoritative framework, agent, offer and task tables, enforces
// the no-over-allocation and one-framework-per-resource invariants,
// and routes protocol messages between schedulers, agents and the
// allocator.
package master

import (
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
	"github.com/mezzo-rm/mezzo/pkg/registry"
)

// Allocator is what the master needs from the allocation engine.
type Allocator interface {
	FrameworkAdded(protocol.FrameworkID, protocol.FrameworkInfo, resources.Resources)
	FrameworkActivated(protocol.FrameworkID, protocol.FrameworkInfo)
	FrameworkDeactivated(protocol.FrameworkID)
	FrameworkRemoved(protocol.FrameworkID)
	AgentAdded(protocol.AgentID, protocol.AgentInfo, map[protocol.FrameworkID]resources.Resources)
	AgentRemoved(protocol.AgentID)
	ResourcesRequested(protocol.FrameworkID, []protocol.Request)
	ResourcesUnused(protocol.FrameworkID, protocol.AgentID, resources.Hints, *protocol.Filters)
	ResourcesRecovered(protocol.FrameworkID, protocol.AgentID, resources.Hints)
	OffersRevived(protocol.FrameworkID)
	UpdateWhitelist([]string)
}

// Config tunes the master.
type Config struct {
	// OfferTimeoutSeconds expires offers a framework sits on; zero
	// means offers only close on accept, decline or rescission.
	OfferTimeoutSeconds float64 `yaml:"offer_timeout_seconds"`
	// WhitelistPath is an optional hostname-per-line file gating
	// which agents are offered; re-read periodically.
	WhitelistPath string `yaml:"whitelist_path"`
	// WhitelistWatchSeconds is the re-read period; zero selects 5s.
	WhitelistWatchSeconds float64 `yaml:"whitelist_watch_seconds"`
}

type whitelistTick struct{}

type frameworkFailoverExpired struct {
	FrameworkID protocol.FrameworkID
	Incarnation uint64
}

type offerExpired struct {
	OfferID protocol.OfferID
}

// Master is the central actor.
type Master struct {
	proc      *procs.Process
	allocator Allocator
	registry  *registry.Registry
	cfg       Config
	metrics   *Metrics

	id   string
	info protocol.MasterInfo

	frameworks map[protocol.FrameworkID]*framework
	agents     map[protocol.AgentID]*agentRec
	offers     map[protocol.OfferID]*offer

	// recovered holds agents readmitted from the registry that have
	// not re-registered yet this incarnation.
	recovered map[protocol.AgentID]protocol.AgentInfo

	nextFrameworkID uint64
	nextAgentID     uint64
	nextOfferID     uint64
}

// New creates a master. reg may be nil to run without persistence.
func New(alloc Allocator, reg *registry.Registry, cfg Config, scope tally.Scope) *Master {
	return &Master{
		allocator:  alloc,
		registry:   reg,
		cfg:        cfg,
		metrics:    NewMetrics(scope.SubScope("master")),
		id:         uuid.New()[:8],
		frameworks: make(map[protocol.FrameworkID]*framework),
		agents:     make(map[protocol.AgentID]*agentRec),
		offers:     make(map[protocol.OfferID]*offer),
		recovered:  make(map[protocol.AgentID]protocol.AgentInfo),
	}
}

// SetAllocator wires the allocation engine in. The allocator and
// master construct against each other; call before Start.
func (m *Master) SetAllocator(alloc Allocator) {
	m.allocator = alloc
}

// Start spawns the master actor on the node and returns its PID.
// Registry recovery runs first so re-registering agents are
// recognized.
func (m *Master) Start(node *procs.Node) (procs.PID, error) {
	if m.registry != nil {
		agents, err := m.registry.Recover()
		if err != nil {
			return procs.PID{}, err
		}
		m.recovered = agents
		log.WithField("agents", len(agents)).Info("Recovered agent registry")
	}

	m.proc = node.Spawn("master", procs.HandlerFunc(m.receive))
	hostname, _ := os.Hostname()
	m.info = protocol.MasterInfo{
		ID:   m.id,
		Pid:  m.proc.Self().String(),
		Host: hostname,
	}
	if m.cfg.WhitelistPath != "" {
		m.proc.Dispatch(func() { m.updateWhitelist() })
	}
	log.WithField("master_id", m.id).Info("Master started")
	return m.proc.Self(), nil
}

// Stop terminates the master actor.
func (m *Master) Stop() {
	m.proc.Terminate()
	m.proc.Wait()
}

// Self returns the master PID.
func (m *Master) Self() procs.PID {
	return m.proc.Self()
}

// Offer implements the allocator's decision sink by re-entering the
// master actor.
func (m *Master) Offer(frameworkID protocol.FrameworkID, offerable map[protocol.AgentID]resources.Hints) {
	m.proc.Dispatch(func() { m.makeOffers(frameworkID, offerable) })
}

func (m *Master) receive(from procs.PID, message interface{}) {
	switch msg := message.(type) {
	case *protocol.RegisterFramework:
		m.registerFramework(from, msg)
	case *protocol.ReregisterFramework:
		m.reregisterFramework(from, msg)
	case *protocol.UnregisterFramework:
		m.unregisterFramework(from, msg)
	case *protocol.DeactivateFramework:
		m.deactivateFramework(msg.FrameworkID)
	case *protocol.ResourceRequest:
		m.allocator.ResourcesRequested(msg.FrameworkID, msg.Requests)
	case *protocol.LaunchTasks:
		m.launchTasks(from, msg)
	case *protocol.KillTask:
		m.killTask(from, msg)
	case *protocol.ReviveOffers:
		m.allocator.OffersRevived(msg.FrameworkID)
	case *protocol.RegisterAgent:
		m.registerAgent(from, msg)
	case *protocol.ReregisterAgent:
		m.reregisterAgent(from, msg)
	case *protocol.StatusUpdateMessage:
		m.statusUpdate(from, msg)
	case *protocol.StatusUpdateAck:
		m.statusUpdateAck(msg)
	case *protocol.FrameworkToExecutor:
		m.frameworkToExecutor(msg)
	case *protocol.ExecutorToFramework:
		m.executorToFramework(msg)
	case *procs.Exited:
		m.exited(msg.PID)
	case *whitelistTick:
		m.updateWhitelist()
	case *frameworkFailoverExpired:
		m.frameworkFailoverTimeout(msg)
	case *offerExpired:
		m.offerTimeout(msg.OfferID)
	default:
		m.metrics.InvalidMessages.Inc(1)
		log.WithFields(log.Fields{
			"from":    from.String(),
			"message": fmt.Sprintf("%T", message),
		}).Warn("Master dropping unexpected message")
	}
}

// Framework handlers.

func (m *Master) registerFramework(from procs.PID, msg *protocol.RegisterFramework) {
	m.nextFrameworkID++
	id := protocol.FrameworkID(fmt.Sprintf("%s-%04d", m.id, m.nextFrameworkID))

	f := &framework{
		id:     id,
		info:   msg.Framework,
		pid:    from,
		active: true,
		offers: make(map[protocol.OfferID]*offer),
		tasks:  make(map[protocol.TaskID]*task),
	}
	m.frameworks[id] = f
	m.proc.Link(from)

	log.WithFields(log.Fields{
		"framework_id": id,
		"name":         msg.Framework.Name,
		"pid":          from.String(),
	}).Info("Registering framework")

	m.allocator.FrameworkAdded(id, msg.Framework, nil)
	m.proc.Send(from, &protocol.FrameworkRegistered{FrameworkID: id, Master: m.info})
	m.updateGauges()
}

func (m *Master) reregisterFramework(from procs.PID, msg *protocol.ReregisterFramework) {
	if msg.FrameworkID == "" {
		m.proc.Send(from, &protocol.FrameworkError{
			Message: "Framework re-registering without an id",
		})
		return
	}

	if f, ok := m.frameworks[msg.FrameworkID]; ok {
		if msg.Failover {
			// A replacement scheduler takes over the framework.
			log.WithFields(log.Fields{
				"framework_id": f.id,
				"old_pid":      f.pid.String(),
				"new_pid":      from.String(),
			}).Info("Framework failing over")
			m.proc.Unlink(f.pid)
		} else if f.pid.String() != from.String() {
			m.proc.Send(from, &protocol.FrameworkError{
				Message: "Framework failed over without failover set",
			})
			return
		}
		f.pid = from
		m.proc.Link(from)
		if f.failoverTimer != nil {
			f.failoverTimer.Cancel()
			f.failoverTimer = nil
		}
		if !f.active {
			f.active = true
			m.allocator.FrameworkActivated(f.id, f.info)
		}
		m.proc.Send(from, &protocol.FrameworkReregistered{FrameworkID: f.id, Master: m.info})
		m.updateGauges()
		return
	}

	// New master incarnation: admit the framework under its old id,
	// charging it for whatever re-registered agents already run.
	f := &framework{
		id:     msg.FrameworkID,
		info:   msg.Framework,
		pid:    from,
		active: true,
		offers: make(map[protocol.OfferID]*offer),
		tasks:  make(map[protocol.TaskID]*task),
	}
	m.frameworks[f.id] = f
	m.proc.Link(from)

	var used resources.Resources
	for _, a := range m.agents {
		for key, t := range a.tasks {
			if key.frameworkID == f.id {
				f.tasks[t.id] = t
				used = used.Add(t.resources)
			}
		}
	}

	log.WithFields(log.Fields{
		"framework_id": f.id,
		"used":         used.String(),
	}).Info("Re-admitting framework from previous master incarnation")

	m.allocator.FrameworkAdded(f.id, f.info, used)
	m.proc.Send(from, &protocol.FrameworkReregistered{FrameworkID: f.id, Master: m.info})
	m.updateGauges()
}

func (m *Master) unregisterFramework(from procs.PID, msg *protocol.UnregisterFramework) {
	f, ok := m.frameworks[msg.FrameworkID]
	if !ok {
		return
	}
	if f.pid.String() != from.String() {
		log.WithFields(log.Fields{
			"framework_id": f.id,
			"pid":          from.String(),
		}).Warn("Ignoring unregister from foreign pid")
		m.metrics.InvalidMessages.Inc(1)
		return
	}
	m.removeFramework(f)
}

func (m *Master) deactivateFramework(id protocol.FrameworkID) {
	f, ok := m.frameworks[id]
	if !ok {
		return
	}
	m.disconnectFramework(f)
}

// disconnectFramework marks the framework inactive, returns its open
// offers to the pool and arms the failover timer.
func (m *Master) disconnectFramework(f *framework) {
	if !f.active {
		return
	}
	f.active = false
	m.allocator.FrameworkDeactivated(f.id)
	m.rescindFrameworkOffers(f)

	f.incarnation++
	timeout := time.Duration(f.info.FailoverTimeoutSeconds * float64(time.Second))
	f.failoverTimer = m.proc.Delay(timeout, &frameworkFailoverExpired{
		FrameworkID: f.id,
		Incarnation: f.incarnation,
	})

	log.WithFields(log.Fields{
		"framework_id": f.id,
		"timeout":      timeout,
	}).Info("Framework disconnected, holding resources for failover window")
	m.updateGauges()
}

func (m *Master) frameworkFailoverTimeout(msg *frameworkFailoverExpired) {
	f, ok := m.frameworks[msg.FrameworkID]
	if !ok || f.active || f.incarnation != msg.Incarnation {
		return
	}
	log.WithField("framework_id", f.id).Info("Framework failover timeout elapsed")
	m.removeFramework(f)
}

// removeFramework tears the framework down: offers rescinded, tasks
// killed and marked lost, resources recovered.
func (m *Master) removeFramework(f *framework) {
	m.rescindFrameworkOffers(f)

	notified := make(map[protocol.AgentID]bool)
	for _, t := range f.tasks {
		a := m.agents[t.agentID]
		if a != nil && !notified[a.id] {
			m.proc.Send(a.pid, &protocol.ShutdownFramework{FrameworkID: f.id})
			notified[a.id] = true
		}
		m.removeTask(t)
		m.metrics.TasksLost.Inc(1)
	}

	if f.failoverTimer != nil {
		f.failoverTimer.Cancel()
	}
	m.proc.Unlink(f.pid)
	delete(m.frameworks, f.id)
	m.allocator.FrameworkRemoved(f.id)
	log.WithField("framework_id", f.id).Info("Removed framework")
	m.updateGauges()
}

// Agent handlers.

func (m *Master) registerAgent(from procs.PID, msg *protocol.RegisterAgent) {
	m.nextAgentID++
	id := protocol.AgentID(fmt.Sprintf("%s-A%04d", m.id, m.nextAgentID))

	a := &agentRec{
		id:     id,
		info:   msg.Agent,
		pid:    from,
		offers: make(map[protocol.OfferID]*offer),
		tasks:  make(map[taskKey]*task),
	}
	m.agents[id] = a
	m.proc.Link(from)

	if m.registry != nil {
		if err := m.registry.AdmitAgent(id, msg.Agent); err != nil {
			// Exhausted CAS retries mean the registry is gone; a
			// master that cannot record admissions must not limp on.
			log.WithError(err).Fatal("Failed to persist agent admission")
		}
	}

	log.WithFields(log.Fields{
		"agent_id": id,
		"hostname": msg.Agent.Hostname,
		"resources": msg.Agent.Resources.String(),
	}).Info("Registering agent")

	m.allocator.AgentAdded(id, msg.Agent, nil)
	m.proc.Send(from, &protocol.AgentRegistered{AgentID: id})
	m.updateGauges()
}

func (m *Master) reregisterAgent(from procs.PID, msg *protocol.ReregisterAgent) {
	if a, ok := m.agents[msg.AgentID]; ok {
		// Same incarnation reconnect: take the new pid and move on.
		a.pid = from
		m.proc.Link(from)
		m.proc.Send(from, &protocol.AgentReregistered{AgentID: a.id})
		return
	}

	// New master incarnation: adopt the agent and reconcile its
	// tasks. Tasks of frameworks this master has never heard of are
	// shut down.
	a := &agentRec{
		id:     msg.AgentID,
		info:   msg.Agent,
		pid:    from,
		offers: make(map[protocol.OfferID]*offer),
		tasks:  make(map[taskKey]*task),
	}

	used := make(map[protocol.FrameworkID]resources.Resources)
	shutdown := make(map[protocol.FrameworkID]bool)
	for _, entry := range msg.Tasks {
		f, known := m.frameworks[entry.FrameworkID]
		if !known {
			if !shutdown[entry.FrameworkID] {
				log.WithFields(log.Fields{
					"agent_id":     a.id,
					"framework_id": entry.FrameworkID,
				}).Info("Shutting down unknown framework on re-registered agent")
				m.proc.Send(from, &protocol.ShutdownFramework{FrameworkID: entry.FrameworkID})
				shutdown[entry.FrameworkID] = true
			}
			continue
		}
		t := &task{
			id:           entry.TaskID,
			frameworkID:  entry.FrameworkID,
			agentID:      a.id,
			executorID:   entry.ExecutorID,
			resources:    entry.Resources,
			state:        entry.State,
		}
		a.tasks[taskKey{t.frameworkID, t.id}] = t
		a.inUse = a.inUse.Add(t.resources)
		f.tasks[t.id] = t
		used[t.frameworkID] = used[t.frameworkID].Add(t.resources)
	}

	if _, known := m.recovered[a.id]; known {
		delete(m.recovered, a.id)
	} else {
		log.WithField("agent_id", a.id).
			Warn("Re-registration from agent absent from the recovered registry")
	}
	m.agents[a.id] = a
	m.proc.Link(from)

	if m.registry != nil {
		if err := m.registry.AdmitAgent(a.id, msg.Agent); err != nil {
			log.WithError(err).Fatal("Failed to persist agent re-admission")
		}
	}

	log.WithFields(log.Fields{
		"agent_id": a.id,
		"tasks":    len(a.tasks),
	}).Info("Re-registering agent")

	m.allocator.AgentAdded(a.id, msg.Agent, used)
	m.proc.Send(from, &protocol.AgentReregistered{AgentID: a.id})
	m.updateGauges()
}

// agentLost handles an unrecoverable agent disconnect: every task on
// it is lost, every open offer for it rescinded.
func (m *Master) agentLost(a *agentRec) {
	log.WithFields(log.Fields{
		"agent_id": a.id,
		"hostname": a.info.Hostname,
	}).Warn("Agent lost")

	for _, o := range m.offersForAgent(a.id) {
		m.rescindOffer(o, true)
	}

	for _, t := range a.tasks {
		update := m.newStatusUpdate(t, protocol.TaskLost, "Agent lost")
		m.forwardToFramework(t.frameworkID, &protocol.StatusUpdateMessage{Update: update})
		m.removeTask(t)
		m.metrics.TasksLost.Inc(1)
	}

	delete(m.agents, a.id)
	m.allocator.AgentRemoved(a.id)
	if m.registry != nil {
		if err := m.registry.RemoveAgent(a.id); err != nil {
			log.WithError(err).Fatal("Failed to persist agent removal")
		}
	}
	m.updateGauges()
}

// Offer lifecycle.

// makeOffers turns one allocator decision into offers. The agent or
// framework can have vanished while the decision was in flight; such
// resources go straight back.
func (m *Master) makeOffers(frameworkID protocol.FrameworkID, offerable map[protocol.AgentID]resources.Hints) {
	f, ok := m.frameworks[frameworkID]
	if !ok || !f.active {
		for agentID, hints := range offerable {
			m.allocator.ResourcesRecovered(frameworkID, agentID, hints)
		}
		return
	}

	var offers []protocol.Offer
	var agentPids []string
	for agentID, hints := range offerable {
		a, ok := m.agents[agentID]
		if !ok {
			m.allocator.ResourcesRecovered(frameworkID, agentID, hints)
			continue
		}

		// Over-allocation is an invariant breach, not an error to
		// tolerate: crash before handing out resources twice.
		outstanding := a.offeredResources().Add(a.inUse).Add(hints.Expected)
		if !a.info.Resources.Contains(outstanding) {
			log.WithFields(log.Fields{
				"agent_id":    a.id,
				"total":       a.info.Resources.String(),
				"outstanding": outstanding.String(),
			}).Fatal("Offer would over-allocate agent")
		}

		m.nextOfferID++
		o := &offer{
			id:          protocol.OfferID(fmt.Sprintf("%s-O%06d", m.id, m.nextOfferID)),
			frameworkID: frameworkID,
			agentID:     agentID,
			hints:       hints,
			createdAt:   m.proc.Clock().Now(),
		}
		if m.cfg.OfferTimeoutSeconds > 0 {
			o.expiryTimer = m.proc.Delay(
				time.Duration(m.cfg.OfferTimeoutSeconds*float64(time.Second)),
				&offerExpired{OfferID: o.id})
		}
		m.offers[o.id] = o
		f.addOffer(o)
		a.addOffer(o)

		offers = append(offers, protocol.Offer{
			OfferID:     o.id,
			FrameworkID: frameworkID,
			AgentID:     agentID,
			Hostname:    a.info.Hostname,
			Resources:   hints,
			Attributes:  a.info.Attributes,
		})
		agentPids = append(agentPids, a.pid.String())
	}

	if len(offers) > 0 {
		log.WithFields(log.Fields{
			"framework_id": frameworkID,
			"offers":       len(offers),
		}).Debug("Sending offers")
		m.proc.Send(f.pid, &protocol.ResourceOffers{Offers: offers, AgentPids: agentPids})
		m.updateGauges()
	}
}

// removeOffer drops the offer from all tables; the caller decides
// what happens to its resources.
func (m *Master) removeOffer(o *offer) {
	if o.expiryTimer != nil {
		o.expiryTimer.Cancel()
	}
	if f, ok := m.frameworks[o.frameworkID]; ok {
		f.removeOffer(o)
	}
	if a, ok := m.agents[o.agentID]; ok {
		a.removeOffer(o)
	}
	delete(m.offers, o.id)
	m.updateGauges()
}

// rescindOffer withdraws an offer and returns its resources. notify
// controls whether the framework hears about it (not when it is the
// framework that went away).
func (m *Master) rescindOffer(o *offer, notify bool) {
	if notify {
		if f, ok := m.frameworks[o.frameworkID]; ok && f.active {
			m.proc.Send(f.pid, &protocol.RescindOffer{OfferID: o.id})
		}
	}
	m.removeOffer(o)
	m.allocator.ResourcesRecovered(o.frameworkID, o.agentID, o.hints)
	m.metrics.OffersRescinded.Inc(1)
}

func (m *Master) rescindFrameworkOffers(f *framework) {
	for _, o := range m.offersForFramework(f.id) {
		m.rescindOffer(o, false)
	}
}

func (m *Master) offerTimeout(id protocol.OfferID) {
	if o, ok := m.offers[id]; ok {
		log.WithField("offer_id", id).Debug("Offer expired unused")
		m.rescindOffer(o, true)
	}
}

// Task lifecycle.

func (m *Master) launchTasks(from procs.PID, msg *protocol.LaunchTasks) {
	f, ok := m.frameworks[msg.FrameworkID]
	if !ok {
		log.WithField("framework_id", msg.FrameworkID).
			Warn("LaunchTasks from unknown framework")
		m.metrics.InvalidMessages.Inc(1)
		return
	}

	o, ok := m.offers[msg.OfferID]
	if !ok || o.frameworkID != f.id {
		// The offer was rescinded, expired, or double-spent by a
		// racing launch: every task is lost, the framework is not.
		for _, ti := range msg.Tasks {
			m.sendLostUpdate(f, ti, "Task launched with an invalid offer")
		}
		return
	}

	a := m.agents[o.agentID]
	if a == nil {
		log.WithField("offer_id", o.id).Error("Offer references missing agent")
		for _, ti := range msg.Tasks {
			m.sendLostUpdate(f, ti, "Agent for offer is gone")
		}
		m.removeOffer(o)
		return
	}

	remaining := o.hints.Expected
	var launched resources.Resources
	for _, ti := range msg.Tasks {
		if reason, ok := validateTask(ti, o, remaining); !ok {
			m.sendLostUpdate(f, ti, reason)
			continue
		}
		if _, dup := f.tasks[ti.TaskID]; dup {
			m.sendLostUpdate(f, ti, "Duplicate task id")
			continue
		}

		remaining = remaining.Subtract(ti.Resources)
		launched = launched.Add(ti.Resources)

		t := &task{
			id:           ti.TaskID,
			frameworkID:  f.id,
			agentID:      a.id,
			resources:    ti.Resources,
			minResources: ti.MinResources,
			state:        protocol.TaskStaging,
		}
		if ti.Executor != nil {
			t.executorID = ti.Executor.ExecutorID
		}
		f.tasks[t.id] = t
		a.tasks[taskKey{f.id, t.id}] = t
		a.inUse = a.inUse.Add(t.resources)
		m.metrics.TasksLaunched.Inc(1)

		// The master owns the STAGING transition; the agent starts
		// reporting at STARTING.
		staging := m.newStatusUpdate(t, protocol.TaskStaging, "")
		m.proc.Send(f.pid, &protocol.StatusUpdateMessage{Update: staging})

		log.WithFields(log.Fields{
			"task_id":      t.id,
			"framework_id": f.id,
			"agent_id":     a.id,
			"resources":    t.resources.String(),
		}).Info("Launching task")

		m.proc.Send(a.pid, &protocol.RunTask{
			FrameworkID:  f.id,
			Framework:    f.info,
			FrameworkPid: f.pid.String(),
			Task:         ti,
		})
	}

	unused := o.hints.Subtract(resources.Hints{Expected: launched})
	m.removeOffer(o)
	if !unused.Expected.Allocatable().Empty() {
		m.allocator.ResourcesUnused(f.id, a.id, unused, &msg.Filters)
	}
	m.updateGauges()
}

// validateTask checks one task against its offer. Placement on the
// offer's agent, fit inside what is left of the offer, and the
// resources >= min_resources contract all hold or the task is lost.
func validateTask(ti protocol.TaskInfo, o *offer, remaining resources.Resources) (string, bool) {
	if ti.AgentID != o.agentID {
		return "Task placed on a different agent than its offer", false
	}
	if (ti.Executor == nil) == (ti.Command == nil) {
		return "Task requires exactly one of executor and command", false
	}
	if !ti.Resources.Contains(ti.MinResources) {
		return "Task min_resources exceed its resources", false
	}
	if !remaining.Contains(ti.Resources) {
		return "Task uses more than the offered resources", false
	}
	return "", true
}

func (m *Master) killTask(from procs.PID, msg *protocol.KillTask) {
	f, ok := m.frameworks[msg.FrameworkID]
	if !ok {
		return
	}
	t, ok := f.tasks[msg.TaskID]
	if !ok {
		// Unknown task: report it lost rather than aborting the
		// framework.
		update := protocol.StatusUpdate{
			FrameworkID: f.id,
			Status: protocol.TaskStatus{
				TaskID:  msg.TaskID,
				State:   protocol.TaskLost,
				Message: "Attempted to kill an unknown task",
			},
			Timestamp: float64(m.proc.Clock().Now().UnixNano()) / 1e9,
			UUID:      uuid.New(),
		}
		m.proc.Send(f.pid, &protocol.StatusUpdateMessage{Update: update})
		return
	}
	a, ok := m.agents[t.agentID]
	if !ok {
		update := m.newStatusUpdate(t, protocol.TaskLost, "Agent for task is gone")
		m.proc.Send(f.pid, &protocol.StatusUpdateMessage{Update: update})
		m.removeTask(t)
		return
	}
	m.proc.Send(a.pid, &protocol.KillTaskRequest{FrameworkID: f.id, TaskID: t.id})
}

// statusUpdate forwards an agent's update toward the framework and
// settles resources on terminal states. Delivery to the framework is
// at-least-once: the agent retransmits until the framework acks, so
// dropping here when the framework is away is safe.
func (m *Master) statusUpdate(from procs.PID, msg *protocol.StatusUpdateMessage) {
	update := msg.Update
	m.metrics.StatusUpdates.Inc(1)

	a, ok := m.agents[update.AgentID]
	if !ok {
		log.WithFields(log.Fields{
			"agent_id": update.AgentID,
			"task_id":  update.Status.TaskID,
		}).Warn("Status update from unknown agent")
		m.metrics.InvalidMessages.Inc(1)
		return
	}

	if t, ok := a.tasks[taskKey{update.FrameworkID, update.Status.TaskID}]; ok {
		t.state = update.Status.State
		if update.Status.State.Terminal() {
			m.removeTask(t)
		}
	}

	m.forwardToFramework(update.FrameworkID, &protocol.StatusUpdateMessage{
		Update: update,
		Pid:    a.pid.String(),
	})
	m.updateGauges()
}

func (m *Master) statusUpdateAck(msg *protocol.StatusUpdateAck) {
	a, ok := m.agents[msg.AgentID]
	if !ok {
		return
	}
	m.proc.Send(a.pid, msg)
}

// removeTask drops the task from all tables and returns its
// resources to the allocator.
func (m *Master) removeTask(t *task) {
	if f, ok := m.frameworks[t.frameworkID]; ok {
		delete(f.tasks, t.id)
	}
	if a, ok := m.agents[t.agentID]; ok {
		delete(a.tasks, taskKey{t.frameworkID, t.id})
		a.inUse = a.inUse.Subtract(t.resources)
	}
	m.allocator.ResourcesRecovered(t.frameworkID, t.agentID, resources.Hints{
		Expected:   t.resources,
		Guaranteed: t.minResources,
	})
}

// Message plumbing.

func (m *Master) frameworkToExecutor(msg *protocol.FrameworkToExecutor) {
	a, ok := m.agents[msg.AgentID]
	if !ok {
		log.WithField("agent_id", msg.AgentID).
			Warn("Dropping framework message for unknown agent")
		return
	}
	m.proc.Send(a.pid, msg)
}

func (m *Master) executorToFramework(msg *protocol.ExecutorToFramework) {
	m.forwardToFramework(msg.FrameworkID, msg)
}

func (m *Master) forwardToFramework(id protocol.FrameworkID, msg interface{}) {
	f, ok := m.frameworks[id]
	if !ok || !f.active {
		log.WithField("framework_id", id).
			Debug("Dropping message for inactive framework")
		return
	}
	m.proc.Send(f.pid, msg)
}

func (m *Master) exited(pid procs.PID) {
	for _, f := range m.frameworks {
		if f.pid.String() == pid.String() {
			log.WithField("framework_id", f.id).Info("Framework connection lost")
			m.disconnectFramework(f)
			return
		}
	}
	for _, a := range m.agents {
		if a.pid.String() == pid.String() {
			m.agentLost(a)
			return
		}
	}
}

// Helpers.

func (m *Master) sendLostUpdate(f *framework, ti protocol.TaskInfo, reason string) {
	log.WithFields(log.Fields{
		"task_id":      ti.TaskID,
		"framework_id": f.id,
		"reason":       reason,
	}).Warn("Refusing task launch")
	m.metrics.TasksLost.Inc(1)
	update := protocol.StatusUpdate{
		FrameworkID: f.id,
		AgentID:     ti.AgentID,
		Status: protocol.TaskStatus{
			TaskID:  ti.TaskID,
			State:   protocol.TaskLost,
			Message: reason,
		},
		Timestamp: float64(m.proc.Clock().Now().UnixNano()) / 1e9,
		UUID:      uuid.New(),
	}
	m.proc.Send(f.pid, &protocol.StatusUpdateMessage{Update: update})
}

func (m *Master) newStatusUpdate(t *task, state protocol.TaskState, message string) protocol.StatusUpdate {
	return protocol.StatusUpdate{
		FrameworkID: t.frameworkID,
		AgentID:     t.agentID,
		ExecutorID:  t.executorID,
		Status: protocol.TaskStatus{
			TaskID:  t.id,
			State:   state,
			Message: message,
		},
		Timestamp: float64(m.proc.Clock().Now().UnixNano()) / 1e9,
		UUID:      uuid.New(),
	}
}

func (m *Master) offersForFramework(id protocol.FrameworkID) []*offer {
	var result []*offer
	for _, o := range m.offers {
		if o.frameworkID == id {
			result = append(result, o)
		}
	}
	return result
}

func (m *Master) offersForAgent(id protocol.AgentID) []*offer {
	var result []*offer
	for _, o := range m.offers {
		if o.agentID == id {
			result = append(result, o)
		}
	}
	return result
}

func (m *Master) updateWhitelist() {
	if m.cfg.WhitelistPath == "" {
		return
	}
	watch := m.cfg.WhitelistWatchSeconds
	if watch <= 0 {
		watch = 5
	}
	defer m.proc.Delay(time.Duration(watch*float64(time.Second)), &whitelistTick{})

	data, err := ioutil.ReadFile(m.cfg.WhitelistPath)
	if err != nil {
		log.WithError(err).WithField("path", m.cfg.WhitelistPath).
			Warn("Failed to read whitelist, keeping previous")
		return
	}
	var hostnames []string
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			hostnames = append(hostnames, line)
		}
	}
	m.allocator.UpdateWhitelist(hostnames)
}

func (m *Master) updateGauges() {
	active := 0
	tasks := 0
	for _, f := range m.frameworks {
		if f.active {
			active++
		}
		tasks += len(f.tasks)
	}
	m.metrics.FrameworksActive.Update(float64(active))
	m.metrics.AgentsActive.Update(float64(len(m.agents)))
	m.metrics.OffersOpen.Update(float64(len(m.offers)))
	m.metrics.TasksRunning.Update(float64(tasks))
}
