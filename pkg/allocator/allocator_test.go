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

package allocator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
	"github.com/mezzo-rm/mezzo/pkg/common/resources"
)

type decision struct {
	frameworkID protocol.FrameworkID
	offerable   map[protocol.AgentID]resources.Hints
}

// fakeSink records allocation decisions.
type fakeSink struct {
	sync.Mutex
	decisions []decision
}

func (s *fakeSink) Offer(frameworkID protocol.FrameworkID, offerable map[protocol.AgentID]resources.Hints) {
	s.Lock()
	defer s.Unlock()
	s.decisions = append(s.decisions, decision{frameworkID: frameworkID, offerable: offerable})
}

func (s *fakeSink) snapshot() []decision {
	s.Lock()
	defer s.Unlock()
	return append([]decision(nil), s.decisions...)
}

type AllocatorTestSuite struct {
	suite.Suite

	clock *testingclock.FakeClock
	node  *procs.Node
	sink  *fakeSink
	alloc *Allocator
}

func TestAllocatorTestSuite(t *testing.T) {
	suite.Run(t, new(AllocatorTestSuite))
}

func (s *AllocatorTestSuite) SetupTest() {
	s.clock = testingclock.NewFakeClock(time.Now())
	s.node = procs.NewNode(procs.WithClock(s.clock))
	s.sink = &fakeSink{}
	s.alloc = New(s.node, s.sink, Config{}, tally.NoopScope)
}

func (s *AllocatorTestSuite) TearDownTest() {
	s.node.Stop()
}

func (s *AllocatorTestSuite) settle() {
	s.node.Settle()
}

func cpuMem(cpus, mem float64) resources.Resources {
	return resources.NewScalar("cpus", cpus).Add(resources.NewScalar("mem", mem))
}

func (s *AllocatorTestSuite) TestDominantShareOrdering() {
	// Cluster: cpus=10, mem=1000. Framework A holds cpus=6,mem=100
	// (share 0.6), framework B holds mem=800 (share 0.8). The free
	// cpus=4,mem=100 must go to A.
	s.alloc.FrameworkAdded("fwA", protocol.FrameworkInfo{Name: "a"}, nil)
	s.alloc.FrameworkAdded("fwB", protocol.FrameworkInfo{Name: "b"}, nil)
	s.settle()

	s.alloc.AgentAdded("agent1",
		protocol.AgentInfo{Hostname: "host1", Resources: cpuMem(10, 1000)},
		map[protocol.FrameworkID]resources.Resources{
			"fwA": cpuMem(6, 100),
			"fwB": resources.NewScalar("mem", 800),
		})
	s.settle()

	decisions := s.sink.snapshot()
	s.Require().Len(decisions, 1)
	s.Equal(protocol.FrameworkID("fwA"), decisions[0].frameworkID)

	offered := decisions[0].offerable["agent1"]
	s.InDelta(4.0, offered.Expected.GetScalar("cpus"), resources.Epsilon)
	s.InDelta(100.0, offered.Expected.GetScalar("mem"), resources.Epsilon)
}

func (s *AllocatorTestSuite) TestDeterministicTiebreak() {
	// Equal (zero) shares: the lexicographically smaller framework
	// id wins the only agent.
	s.alloc.FrameworkAdded("fw2", protocol.FrameworkInfo{}, nil)
	s.alloc.FrameworkAdded("fw1", protocol.FrameworkInfo{}, nil)
	s.settle()

	s.alloc.AgentAdded("agent1",
		protocol.AgentInfo{Hostname: "host1", Resources: cpuMem(4, 512)}, nil)
	s.settle()

	decisions := s.sink.snapshot()
	s.Require().Len(decisions, 1)
	s.Equal(protocol.FrameworkID("fw1"), decisions[0].frameworkID)
}

func (s *AllocatorTestSuite) TestRefusalFilterSuppressesThenExpires() {
	s.alloc.FrameworkAdded("fw1", protocol.FrameworkInfo{}, nil)
	s.settle()
	s.alloc.AgentAdded("agent1",
		protocol.AgentInfo{Hostname: "host1", Resources: cpuMem(2, 100)}, nil)
	s.settle()

	// The initial allocation offers everything to fw1.
	s.Require().Len(s.sink.snapshot(), 1)

	// fw1 declines with a 5 second refuse window.
	s.alloc.ResourcesUnused("fw1", "agent1",
		resources.Hints{Expected: cpuMem(2, 100)},
		&protocol.Filters{RefuseSeconds: 5})
	s.settle()
	s.Require().Len(s.sink.snapshot(), 1)

	// Within the window nothing is re-offered, batch ticks included.
	s.clock.Step(3 * time.Second)
	s.settle()
	s.Require().Len(s.sink.snapshot(), 1)

	// Past the window the filter expires and the bundle comes back.
	s.clock.Step(3 * time.Second)
	s.settle()
	decisions := s.sink.snapshot()
	s.Require().Len(decisions, 2)
	s.Equal(protocol.FrameworkID("fw1"), decisions[1].frameworkID)
	s.InDelta(2.0, decisions[1].offerable["agent1"].Expected.GetScalar("cpus"), resources.Epsilon)
}

func (s *AllocatorTestSuite) TestReviveOffersClearsFilters() {
	s.alloc.FrameworkAdded("fw1", protocol.FrameworkInfo{}, nil)
	s.settle()
	s.alloc.AgentAdded("agent1",
		protocol.AgentInfo{Hostname: "host1", Resources: cpuMem(2, 100)}, nil)
	s.settle()
	s.Require().Len(s.sink.snapshot(), 1)

	s.alloc.ResourcesUnused("fw1", "agent1",
		resources.Hints{Expected: cpuMem(2, 100)},
		&protocol.Filters{RefuseSeconds: 60})
	s.settle()

	// Revive clears the filter without waiting out the minute.
	s.alloc.OffersRevived("fw1")
	s.settle()
	s.Require().Len(s.sink.snapshot(), 2)

	// The already-scheduled expiry must not blow up against the
	// cleared filter.
	s.clock.Step(2 * time.Minute)
	s.settle()
}

func (s *AllocatorTestSuite) TestZeroRefuseSecondsInstallsNoFilter() {
	s.alloc.FrameworkAdded("fw1", protocol.FrameworkInfo{}, nil)
	s.settle()
	s.alloc.AgentAdded("agent1",
		protocol.AgentInfo{Hostname: "host1", Resources: cpuMem(2, 100)}, nil)
	s.settle()
	s.Require().Len(s.sink.snapshot(), 1)

	s.alloc.ResourcesUnused("fw1", "agent1",
		resources.Hints{Expected: cpuMem(2, 100)},
		&protocol.Filters{RefuseSeconds: 0})
	s.settle()

	// No filter: the decline itself re-triggers allocation and the
	// bundle is offered right back.
	s.Require().Len(s.sink.snapshot(), 2)
}

func (s *AllocatorTestSuite) TestWhitelistGatesAgents() {
	s.alloc.FrameworkAdded("fw1", protocol.FrameworkInfo{}, nil)
	s.alloc.UpdateWhitelist([]string{"elsewhere"})
	s.settle()

	s.alloc.AgentAdded("agent1",
		protocol.AgentInfo{Hostname: "host1", Resources: cpuMem(4, 512)}, nil)
	s.settle()
	s.Empty(s.sink.snapshot())

	s.alloc.UpdateWhitelist([]string{"host1"})
	s.clock.Step(2 * time.Second) // batch tick picks the change up
	s.settle()
	s.Require().Len(s.sink.snapshot(), 1)
}

func (s *AllocatorTestSuite) TestDribbleResourcesNotOffered() {
	s.alloc.FrameworkAdded("fw1", protocol.FrameworkInfo{}, nil)
	s.settle()

	// Below the cpus/mem floors nothing is worth offering.
	s.alloc.AgentAdded("agent1",
		protocol.AgentInfo{Hostname: "host1", Resources: cpuMem(0.005, 8)}, nil)
	s.settle()
	s.Empty(s.sink.snapshot())
}

func (s *AllocatorTestSuite) TestConservationAcrossEvents() {
	s.alloc.FrameworkAdded("fw1", protocol.FrameworkInfo{}, nil)
	s.alloc.FrameworkAdded("fw2", protocol.FrameworkInfo{}, nil)
	s.alloc.AgentAdded("agent1",
		protocol.AgentInfo{Hostname: "h1", Resources: cpuMem(8, 1024)}, nil)
	s.alloc.AgentAdded("agent2",
		protocol.AgentInfo{Hostname: "h2", Resources: cpuMem(4, 512)}, nil)
	s.settle()

	// Bounce some resources around: declines and recoveries.
	s.alloc.ResourcesUnused("fw1", "agent1",
		resources.Hints{Expected: cpuMem(2, 256)}, &protocol.Filters{RefuseSeconds: 1})
	s.alloc.ResourcesRecovered("fw1", "agent1",
		resources.Hints{Expected: cpuMem(1, 128)})
	s.clock.Step(3 * time.Second)
	s.settle()

	// Sum of allocations plus what is still allocatable equals the
	// cluster total; nothing leaked, nothing minted.
	s.alloc.proc.Dispatch(func() {
		sum := resources.Resources{}
		for _, r := range s.alloc.allocated {
			sum = sum.Add(r)
		}
		for _, r := range s.alloc.allocatable {
			sum = sum.Add(r)
		}
		s.True(sum.Equal(s.alloc.total),
			"allocated+allocatable = %s, total = %s", sum.String(), s.alloc.total.String())
	})
	s.settle()
}

func (s *AllocatorTestSuite) TestAgentRemovalIsIdempotent() {
	s.alloc.AgentAdded("agent1",
		protocol.AgentInfo{Hostname: "h1", Resources: cpuMem(4, 512)}, nil)
	s.alloc.AgentRemoved("agent1")
	// Removing again is logged and ignored, never fatal.
	s.alloc.AgentRemoved("agent1")
	s.settle()

	s.alloc.proc.Dispatch(func() {
		s.True(s.alloc.total.Empty())
	})
	s.settle()
}
