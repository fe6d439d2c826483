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

import "github.com/uber-go/tally"

// Metrics tracks allocator activity.
type Metrics struct {
	AllocationRuns tally.Counter
	OffersMade     tally.Counter
	FiltersActive  tally.Gauge
}

// NewMetrics builds allocator metrics under the given scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		AllocationRuns: scope.Counter("allocation_runs"),
		OffersMade:     scope.Counter("offers_made"),
		FiltersActive:  scope.Gauge("filters_active"),
	}
}
