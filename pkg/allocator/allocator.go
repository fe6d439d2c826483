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

// Package allocator decides which agent's free resources to offer to
// which framework, using dominant resource fairness with
// refusal-based filters. It is a closed single-threaded actor: events
// come in, offer decisions go out, nothing blocks.
package allocator

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
	"github.com/mezzo-rm/mezzo/pkg/common/stringset"
)

// DefaultBatchSeconds is the period of the standing allocation tick,
// which exists so frameworks hoarding offers cannot starve the queue
// forever.
const DefaultBatchSeconds = 1.0

// OfferSink receives allocation decisions. The master implements it
// by turning each decision into offers.
type OfferSink interface {
	Offer(framework protocol.FrameworkID, offerable map[protocol.AgentID]resources.Hints)
}

// Config tunes the allocator.
type Config struct {
	// BatchSeconds is the standing allocation period; zero selects
	// the default.
	BatchSeconds float64 `yaml:"batch_seconds"`
}

// refusedFilter suppresses re-offering refused resources on one agent
// to one framework until it expires. Filters live in an id-indexed
// arena; the expiry handler looks its id up and no-ops when the
// filter is already gone, so a recycled slot can never be expired
// early.
type refusedFilter struct {
	id       uint64
	agentID  protocol.AgentID
	refused  resources.Resources
	deadline time.Time
}

type filterExpired struct {
	FrameworkID protocol.FrameworkID
	FilterID    uint64
}

type batchTick struct{}

// Allocator is the DRF allocator actor.
type Allocator struct {
	proc    *procs.Process
	sink    OfferSink
	metrics *Metrics
	batch   time.Duration

	frameworks  map[protocol.FrameworkID]protocol.FrameworkInfo
	allocated   map[protocol.FrameworkID]resources.Resources
	agents      map[protocol.AgentID]protocol.AgentInfo
	allocatable map[protocol.AgentID]resources.Resources
	total       resources.Resources

	// whitelist is nil when every agent is eligible.
	whitelist stringset.StringSet

	filters      map[protocol.FrameworkID]map[uint64]*refusedFilter
	nextFilterID uint64
}

// New spawns the allocator actor on the given node.
func New(node *procs.Node, sink OfferSink, cfg Config, scope tally.Scope) *Allocator {
	batch := time.Duration(cfg.BatchSeconds * float64(time.Second))
	if cfg.BatchSeconds == 0 {
		batch = time.Duration(DefaultBatchSeconds * float64(time.Second))
	}
	a := &Allocator{
		sink:        sink,
		metrics:     NewMetrics(scope.SubScope("allocator")),
		batch:       batch,
		frameworks:  make(map[protocol.FrameworkID]protocol.FrameworkInfo),
		allocated:   make(map[protocol.FrameworkID]resources.Resources),
		agents:      make(map[protocol.AgentID]protocol.AgentInfo),
		allocatable: make(map[protocol.AgentID]resources.Resources),
		filters:     make(map[protocol.FrameworkID]map[uint64]*refusedFilter),
	}
	a.proc = node.Spawn("allocator", procs.HandlerFunc(a.receive))
	if batch > 0 {
		a.proc.Delay(a.batch, &batchTick{})
	}
	return a
}

// Stop terminates the actor.
func (a *Allocator) Stop() {
	a.proc.Terminate()
	a.proc.Wait()
}

func (a *Allocator) receive(_ procs.PID, message interface{}) {
	switch msg := message.(type) {
	case *batchTick:
		a.allocate()
		a.proc.Delay(a.batch, &batchTick{})
	case *filterExpired:
		a.expire(msg.FrameworkID, msg.FilterID)
	default:
		log.WithField("message", message).Warn("Allocator ignoring unexpected message")
	}
}

// FrameworkAdded admits a framework with whatever it is already
// using (non-empty after a master failover).
func (a *Allocator) FrameworkAdded(
	id protocol.FrameworkID,
	info protocol.FrameworkInfo,
	used resources.Resources) {
	a.proc.Dispatch(func() {
		if _, ok := a.frameworks[id]; ok {
			return
		}
		a.frameworks[id] = info
		a.allocated[id] = a.allocated[id].Add(used)
		log.WithField("framework_id", id).Info("Allocator added framework")
		a.allocate()
	})
}

// FrameworkActivated rejoins a framework after scheduler failover.
func (a *Allocator) FrameworkActivated(id protocol.FrameworkID, info protocol.FrameworkInfo) {
	a.proc.Dispatch(func() {
		if _, ok := a.frameworks[id]; ok {
			return
		}
		a.frameworks[id] = info
		log.WithField("framework_id", id).Info("Allocator activated framework")
		a.allocate()
	})
}

// FrameworkDeactivated stops offering to a framework but keeps its
// allocation charged for the failover window.
func (a *Allocator) FrameworkDeactivated(id protocol.FrameworkID) {
	a.proc.Dispatch(func() {
		delete(a.frameworks, id)
		log.WithField("framework_id", id).Info("Allocator deactivated framework")
	})
}

// FrameworkRemoved forgets a framework entirely.
func (a *Allocator) FrameworkRemoved(id protocol.FrameworkID) {
	a.proc.Dispatch(func() {
		delete(a.frameworks, id)
		delete(a.allocated, id)
		// Drop the filters from the arena; any in-flight expiry
		// looks up a missing id and no-ops.
		delete(a.filters, id)
		log.WithField("framework_id", id).Info("Allocator removed framework")
		a.allocate()
	})
}

// AgentAdded brings an agent's resources into the pool, net of what
// known frameworks already use on it.
func (a *Allocator) AgentAdded(
	id protocol.AgentID,
	info protocol.AgentInfo,
	used map[protocol.FrameworkID]resources.Resources) {
	a.proc.Dispatch(func() {
		if _, ok := a.agents[id]; ok {
			return
		}
		a.agents[id] = info
		a.total = a.total.Add(info.Resources)

		unused := info.Resources
		for frameworkID, r := range used {
			a.allocated[frameworkID] = a.allocated[frameworkID].Add(r)
			unused = unused.Subtract(r)
		}
		a.allocatable[id] = unused

		log.WithFields(log.Fields{
			"agent_id":  id,
			"hostname":  info.Hostname,
			"resources": info.Resources.String(),
			"available": unused.String(),
		}).Info("Allocator added agent")
		a.allocate()
	})
}

// AgentRemoved drops an agent from the pool. Filters referencing it
// die on their own schedule.
func (a *Allocator) AgentRemoved(id protocol.AgentID) {
	a.proc.Dispatch(func() {
		info, ok := a.agents[id]
		if !ok {
			log.WithField("agent_id", id).Warn("Allocator asked to remove unknown agent")
			return
		}
		a.total = a.total.Subtract(info.Resources)
		delete(a.agents, id)
		delete(a.allocatable, id)
		log.WithField("agent_id", id).Info("Allocator removed agent")
	})
}

// ResourcesRequested is advisory only.
func (a *Allocator) ResourcesRequested(id protocol.FrameworkID, requests []protocol.Request) {
	a.proc.Dispatch(func() {
		log.WithFields(log.Fields{
			"framework_id": id,
			"requests":     len(requests),
		}).Info("Allocator received resource request")
	})
}

// ResourcesUnused returns declined offer resources to the pool and
// installs a refusal filter for the refuse window.
func (a *Allocator) ResourcesUnused(
	frameworkID protocol.FrameworkID,
	agentID protocol.AgentID,
	hints resources.Hints,
	filters *protocol.Filters) {
	a.proc.Dispatch(func() {
		unused := hints.Expected
		if unused.Allocatable().Empty() {
			return
		}
		log.WithFields(log.Fields{
			"framework_id": frameworkID,
			"agent_id":     agentID,
			"resources":    unused.String(),
		}).Debug("Framework left resources unused")

		a.allocated[frameworkID] = a.allocated[frameworkID].Subtract(unused)
		if _, ok := a.allocatable[agentID]; ok {
			a.allocatable[agentID] = a.allocatable[agentID].Add(unused)
		}

		refuseSeconds := protocol.DefaultRefuseSeconds
		if filters != nil {
			refuseSeconds = filters.RefuseSeconds
		}
		// A zero refuse window only skips the new filter; existing
		// filters stand until they expire or offers are revived.
		if refuseSeconds != 0 {
			timeout := time.Duration(refuseSeconds * float64(time.Second))
			a.nextFilterID++
			filter := &refusedFilter{
				id:       a.nextFilterID,
				agentID:  agentID,
				refused:  unused,
				deadline: a.proc.Clock().Now().Add(timeout),
			}
			if a.filters[frameworkID] == nil {
				a.filters[frameworkID] = make(map[uint64]*refusedFilter)
			}
			a.filters[frameworkID][filter.id] = filter
			a.metrics.FiltersActive.Update(float64(a.filterCount()))

			log.WithFields(log.Fields{
				"framework_id": frameworkID,
				"agent_id":     agentID,
				"seconds":      refuseSeconds,
			}).Info("Framework filtered agent")

			a.proc.Delay(timeout, &filterExpired{
				FrameworkID: frameworkID,
				FilterID:    filter.id,
			})
		}

		a.allocate()
	})
}

// ResourcesRecovered returns a terminated task's (or rescinded
// offer's) resources to the pool without filtering.
func (a *Allocator) ResourcesRecovered(
	frameworkID protocol.FrameworkID,
	agentID protocol.AgentID,
	hints resources.Hints) {
	a.proc.Dispatch(func() {
		recovered := hints.Expected
		if recovered.Allocatable().Empty() {
			return
		}
		// Framework or agent may already be gone: offer dispatches
		// can cross removal events.
		if _, ok := a.allocated[frameworkID]; ok {
			a.allocated[frameworkID] = a.allocated[frameworkID].Subtract(recovered)
		}
		if _, ok := a.allocatable[agentID]; ok {
			a.allocatable[agentID] = a.allocatable[agentID].Add(recovered)
			log.WithFields(log.Fields{
				"framework_id": frameworkID,
				"agent_id":     agentID,
				"resources":    recovered.String(),
			}).Debug("Recovered resources")
			a.allocate()
		}
	})
}

// OffersRevived clears a framework's filters.
func (a *Allocator) OffersRevived(frameworkID protocol.FrameworkID) {
	a.proc.Dispatch(func() {
		delete(a.filters, frameworkID)
		a.metrics.FiltersActive.Update(float64(a.filterCount()))
		log.WithField("framework_id", frameworkID).Info("Removed filters for framework")
		a.allocate()
	})
}

// UpdateWhitelist replaces the agent hostname whitelist; nil admits
// every agent.
func (a *Allocator) UpdateWhitelist(hostnames []string) {
	a.proc.Dispatch(func() {
		if hostnames == nil {
			a.whitelist = nil
			return
		}
		a.whitelist = stringset.New(hostnames...)
		log.WithField("hostnames", hostnames).Info("Updated agent whitelist")
	})
}

// dominantShare is D(f): the framework's largest fraction of any
// scalar resource in the cluster total.
func (a *Allocator) dominantShare(frameworkID protocol.FrameworkID) float64 {
	share := 0.0
	for _, q := range a.total {
		if q.Kind != resources.KindScalar || q.Scalar <= 0 {
			continue
		}
		used := a.allocated[frameworkID].GetScalar(q.Name)
		if s := used / q.Scalar; s > share {
			share = s
		}
	}
	return share
}

func (a *Allocator) allocate() {
	a.metrics.AllocationRuns.Inc(1)

	if len(a.frameworks) == 0 {
		return
	}

	// Order frameworks by dominant share, ascending; ties break on
	// the id so the ordering is deterministic.
	frameworkIDs := make([]protocol.FrameworkID, 0, len(a.frameworks))
	for id := range a.frameworks {
		frameworkIDs = append(frameworkIDs, id)
	}
	sort.Slice(frameworkIDs, func(i, j int) bool {
		si, sj := a.dominantShare(frameworkIDs[i]), a.dominantShare(frameworkIDs[j])
		if si == sj {
			return frameworkIDs[i] < frameworkIDs[j]
		}
		return si < sj
	})

	// Project out what is actually worth offering.
	available := make(map[protocol.AgentID]resources.Resources)
	for agentID, free := range a.allocatable {
		if !a.isWhitelisted(agentID) {
			continue
		}
		allocatable := free.Allocatable()
		if allocatable.GetScalar("cpus") >= resources.MinCPUs &&
			allocatable.GetScalar("mem") >= resources.MinMem {
			available[agentID] = allocatable
		}
	}
	if len(available) == 0 {
		return
	}

	now := a.proc.Clock().Now()
	for _, frameworkID := range frameworkIDs {
		offerable := make(map[protocol.AgentID]resources.Hints)
		for agentID, free := range available {
			if a.isFiltered(frameworkID, agentID, free, now) {
				continue
			}
			offerable[agentID] = resources.Hints{Expected: free}
			a.allocated[frameworkID] = a.allocated[frameworkID].Add(free)
			a.allocatable[agentID] = a.allocatable[agentID].Subtract(free)
		}
		if len(offerable) > 0 {
			for agentID := range offerable {
				delete(available, agentID)
			}
			a.metrics.OffersMade.Inc(int64(len(offerable)))
			a.sink.Offer(frameworkID, offerable)
		}
	}
}

func (a *Allocator) isFiltered(
	frameworkID protocol.FrameworkID,
	agentID protocol.AgentID,
	offered resources.Resources,
	now time.Time) bool {
	for _, filter := range a.filters[frameworkID] {
		if filter.agentID == agentID &&
			filter.refused.Contains(offered) &&
			now.Before(filter.deadline) {
			log.WithFields(log.Fields{
				"framework_id": frameworkID,
				"agent_id":     agentID,
				"resources":    offered.String(),
			}).Debug("Filtered resources")
			return true
		}
	}
	return false
}

func (a *Allocator) expire(frameworkID protocol.FrameworkID, filterID uint64) {
	// The framework, or the filter itself, may be long gone; expiry
	// against a missing id is a no-op.
	filters, ok := a.filters[frameworkID]
	if !ok {
		return
	}
	if _, ok := filters[filterID]; !ok {
		return
	}
	delete(filters, filterID)
	if len(filters) == 0 {
		delete(a.filters, frameworkID)
	}
	a.metrics.FiltersActive.Update(float64(a.filterCount()))
	a.allocate()
}

func (a *Allocator) isWhitelisted(agentID protocol.AgentID) bool {
	if a.whitelist == nil {
		return true
	}
	info, ok := a.agents[agentID]
	return ok && a.whitelist.Contains(info.Hostname)
}

func (a *Allocator) filterCount() int {
	count := 0
	for _, filters := range a.filters {
		count += len(filters)
	}
	return count
}
