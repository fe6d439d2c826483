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

package leader

import "github.com/uber-go/tally"

type electionMetrics struct {
	Gained   tally.Counter
	Lost     tally.Counter
	Resigned tally.Counter
	Errors   tally.Counter
	Running  tally.Gauge
	IsLeader tally.Gauge
}

func newElectionMetrics(scope tally.Scope, role string) electionMetrics {
	s := scope.Tagged(map[string]string{"role": role})
	return electionMetrics{
		Gained:   s.Counter("gained"),
		Lost:     s.Counter("lost"),
		Resigned: s.Counter("resigned"),
		Errors:   s.Counter("errors"),
		Running:  s.Gauge("running"),
		IsLeader: s.Gauge("is_leader"),
	}
}

type detectorMetrics struct {
	LeaderChanged tally.Counter
	LeaderLost    tally.Counter
	Errors        tally.Counter
	Running       tally.Gauge
}

func newDetectorMetrics(scope tally.Scope) detectorMetrics {
	return detectorMetrics{
		LeaderChanged: scope.Counter("leader_changed"),
		LeaderLost:    scope.Counter("leader_lost"),
		Errors:        scope.Counter("errors"),
		Running:       scope.Gauge("running"),
	}
}
