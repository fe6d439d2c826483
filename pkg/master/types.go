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

package master

import (
	"time"

	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
)

// framework is the master's record of one tenant scheduler. Peer
// references are (id, pid) pairs; no record owns another.
type framework struct {
	id     protocol.FrameworkID
	info   protocol.FrameworkInfo
	pid    procs.PID
	active bool

	// offers and tasks index into the master's authoritative tables;
	// each offer id lives in exactly one framework and one agent.
	offers map[protocol.OfferID]*offer
	tasks  map[protocol.TaskID]*task

	// failoverTimer runs while the framework is disconnected.
	// incarnation guards stale timers across reconnects.
	failoverTimer *procs.Timer
	incarnation   uint64
}

func (f *framework) addOffer(o *offer)    { f.offers[o.id] = o }
func (f *framework) removeOffer(o *offer) { delete(f.offers, o.id) }

// agentRec is the master's record of one worker node. Total
// resources are immutable for the record's lifetime.
type agentRec struct {
	id   protocol.AgentID
	info protocol.AgentInfo
	pid  procs.PID

	offers map[protocol.OfferID]*offer
	tasks  map[taskKey]*task
	// inUse is the sum of resources of non-terminal tasks on the
	// agent.
	inUse resources.Resources
}

// taskKey disambiguates task ids across frameworks on one agent.
type taskKey struct {
	frameworkID protocol.FrameworkID
	taskID      protocol.TaskID
}

func (a *agentRec) addOffer(o *offer)    { a.offers[o.id] = o }
func (a *agentRec) removeOffer(o *offer) { delete(a.offers, o.id) }

// offeredResources sums the resources tied up in open offers.
func (a *agentRec) offeredResources() resources.Resources {
	var sum resources.Resources
	for _, o := range a.offers {
		sum = sum.Add(o.hints.Expected)
	}
	return sum
}

// offer is a live grant of one agent's free resources to one
// framework.
type offer struct {
	id          protocol.OfferID
	frameworkID protocol.FrameworkID
	agentID     protocol.AgentID
	hints       resources.Hints
	createdAt   time.Time
	expiryTimer *procs.Timer
}

// task is the master's record of one task.
type task struct {
	id           protocol.TaskID
	frameworkID  protocol.FrameworkID
	agentID      protocol.AgentID
	executorID   protocol.ExecutorID
	resources    resources.Resources
	minResources resources.Resources
	state        protocol.TaskState
}
