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

// Package scheduler is the framework-side driver: a thread-safe
// façade over an internal actor that owns all master communication.
// Frameworks implement Scheduler and receive serialized callbacks on
// the driver's actor goroutine.
package scheduler

import (
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
)

// Status is the driver lifecycle state reported by every façade
// call.
type Status int

const (
	// DriverNotStarted is the state before Start.
	DriverNotStarted Status = iota
	// DriverRunning is the normal operating state.
	DriverRunning
	// DriverAborted is terminal; the actor stays up only to let
	// Join observers drain.
	DriverAborted
	// DriverStopped is terminal.
	DriverStopped
)

func (s Status) String() string {
	switch s {
	case DriverNotStarted:
		return "DRIVER_NOT_STARTED"
	case DriverRunning:
		return "DRIVER_RUNNING"
	case DriverAborted:
		return "DRIVER_ABORTED"
	case DriverStopped:
		return "DRIVER_STOPPED"
	}
	return "DRIVER_UNKNOWN"
}

// Scheduler is the callback surface a framework implements. All
// callbacks run on the driver's actor goroutine, one at a time.
type Scheduler interface {
	// Registered fires on first successful registration.
	Registered(driver *Driver, frameworkID protocol.FrameworkID, master protocol.MasterInfo)
	// Reregistered fires on re-registration with a new master.
	Reregistered(driver *Driver, master protocol.MasterInfo)
	// Disconnected fires when the master connection drops.
	Disconnected(driver *Driver)
	// ResourceOffers delivers a batch of offers.
	ResourceOffers(driver *Driver, offers []protocol.Offer)
	// OfferRescinded withdraws a still-open offer.
	OfferRescinded(driver *Driver, offerID protocol.OfferID)
	// StatusUpdate delivers a task state change. The driver
	// acknowledges automatically after the callback returns.
	StatusUpdate(driver *Driver, status protocol.TaskStatus)
	// FrameworkMessage delivers executor bytes.
	FrameworkMessage(driver *Driver, executorID protocol.ExecutorID, agentID protocol.AgentID, data []byte)
	// AgentLost reports a dead worker node.
	AgentLost(driver *Driver, agentID protocol.AgentID)
	// Error is terminal; the driver aborts after delivering it.
	Error(driver *Driver, message string)
}
