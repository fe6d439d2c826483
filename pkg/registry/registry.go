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

// Package registry persists the master's view of admitted agents so a
// new master incarnation knows which re-registrations to trust.
package registry

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/mezzo-rm/mezzo/pkg/common/backoff"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/state"
)

const agentsVariable = "agents"

// CAS conflicts resolve quickly or not at all; a short bounded retry
// is enough, and exhaustion is a fatal recovery error for the caller.
const (
	casMaxAttempts   = 8
	casRetryInterval = 50 * time.Millisecond
	casRetryCap      = 2 * time.Second
)

// Entry is one admitted agent.
type Entry struct {
	AgentID protocol.AgentID   `json:"agent_id"`
	Info    protocol.AgentInfo `json:"info"`
}

// Registry reads and updates the persisted agent table.
type Registry struct {
	store state.Store
	clock clock.Clock
}

// New creates a Registry over the given store.
func New(store state.Store, c clock.Clock) *Registry {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Registry{store: store, clock: c}
}

// Recover loads the persisted agent table, empty on first boot.
func (r *Registry) Recover() (map[protocol.AgentID]protocol.AgentInfo, error) {
	variable, err := r.store.Get(agentsVariable)
	if err != nil {
		return nil, errors.Wrap(err, "recovering agent registry")
	}
	agents := make(map[protocol.AgentID]protocol.AgentInfo)
	if len(variable.Value()) == 0 {
		return agents, nil
	}
	var entries []Entry
	if err := json.Unmarshal(variable.Value(), &entries); err != nil {
		return nil, errors.Wrap(err, "decoding agent registry")
	}
	for _, e := range entries {
		agents[e.AgentID] = e.Info
	}
	return agents, nil
}

// AdmitAgent adds an agent to the persisted table.
func (r *Registry) AdmitAgent(id protocol.AgentID, info protocol.AgentInfo) error {
	return r.mutate(func(agents map[protocol.AgentID]protocol.AgentInfo) {
		agents[id] = info
	})
}

// RemoveAgent drops an agent from the persisted table.
func (r *Registry) RemoveAgent(id protocol.AgentID) error {
	return r.mutate(func(agents map[protocol.AgentID]protocol.AgentInfo) {
		delete(agents, id)
	})
}

// mutate runs a read-modify-write cycle under CAS, retrying conflicts
// under a bounded policy. Exhaustion surfaces as an error the master
// treats as fatal.
func (r *Registry) mutate(apply func(map[protocol.AgentID]protocol.AgentInfo)) error {
	policy := backoff.NewExponentialPolicy(casMaxAttempts, casRetryInterval, casRetryCap)
	return backoff.Retry(func() error {
		variable, err := r.store.Get(agentsVariable)
		if err != nil {
			return err
		}
		agents := make(map[protocol.AgentID]protocol.AgentInfo)
		if len(variable.Value()) > 0 {
			var entries []Entry
			if err := json.Unmarshal(variable.Value(), &entries); err != nil {
				return err
			}
			for _, e := range entries {
				agents[e.AgentID] = e.Info
			}
		}

		apply(agents)

		entries := make([]Entry, 0, len(agents))
		for id, info := range agents {
			entries = append(entries, Entry{AgentID: id, Info: info})
		}
		value, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		_, ok, err := r.store.Set(variable.Mutate(value))
		if err != nil {
			return err
		}
		if !ok {
			log.WithField("variable", agentsVariable).
				Debug("Registry write lost CAS race, retrying")
			return errors.New("registry write conflict")
		}
		return nil
	}, policy, r.clock)
}
