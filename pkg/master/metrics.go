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

import "github.com/uber-go/tally"

// Metrics tracks the master's tables and protocol activity.
type Metrics struct {
	FrameworksActive tally.Gauge
	AgentsActive     tally.Gauge
	OffersOpen       tally.Gauge
	TasksRunning     tally.Gauge

	TasksLaunched  tally.Counter
	TasksLost      tally.Counter
	StatusUpdates  tally.Counter
	OffersRescinded tally.Counter
	InvalidMessages tally.Counter
}

// NewMetrics builds master metrics under the given scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		FrameworksActive: scope.Gauge("frameworks_active"),
		AgentsActive:     scope.Gauge("agents_active"),
		OffersOpen:       scope.Gauge("offers_open"),
		TasksRunning:     scope.Gauge("tasks_running"),
		TasksLaunched:    scope.Counter("tasks_launched"),
		TasksLost:        scope.Counter("tasks_lost"),
		StatusUpdates:    scope.Counter("status_updates"),
		OffersRescinded:  scope.Counter("offers_rescinded"),
		InvalidMessages:  scope.Counter("invalid_messages"),
	}
}
