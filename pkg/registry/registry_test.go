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

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
	"github.com/mezzo-rm/mezzo/pkg/state"
)

func TestRecoverEmptyOnFirstBoot(t *testing.T) {
	r := New(state.NewMemoryStore(), nil)
	agents, err := r.Recover()
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestAdmitRemoveRecoverRoundTrip(t *testing.T) {
	store := state.NewMemoryStore()
	r := New(store, nil)

	info1 := protocol.AgentInfo{
		Hostname:  "host1",
		Resources: resources.NewScalar("cpus", 4),
	}
	info2 := protocol.AgentInfo{
		Hostname:  "host2",
		Resources: resources.NewScalar("cpus", 8),
	}
	require.NoError(t, r.AdmitAgent("agent1", info1))
	require.NoError(t, r.AdmitAgent("agent2", info2))
	require.NoError(t, r.RemoveAgent("agent1"))

	// A new registry over the same store sees the surviving agent,
	// the way a new master incarnation would.
	recovered, err := New(store, nil).Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "host2", recovered["agent2"].Hostname)
}

func TestAdmitIsIdempotent(t *testing.T) {
	store := state.NewMemoryStore()
	r := New(store, nil)

	info := protocol.AgentInfo{Hostname: "host1"}
	require.NoError(t, r.AdmitAgent("agent1", info))
	require.NoError(t, r.AdmitAgent("agent1", info))

	recovered, err := r.Recover()
	require.NoError(t, err)
	assert.Len(t, recovered, 1)
}
