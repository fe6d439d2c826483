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

// Package lifecycle tracks the started/stopped state of a long-lived
// component and lets its goroutines coordinate shutdown.
package lifecycle

import "sync"

// LifeCycle is owned by a component with background goroutines:
//
//	lc.Start()
//	go func() {
//		<-lc.StopCh()
//		// clean up
//		lc.StopComplete()
//	}()
//	lc.Stop() // signal
//	lc.Wait() // block until StopComplete
type LifeCycle interface {
	// Start is idempotent; returns false if already started.
	Start() bool
	// Stop broadcasts on StopCh; returns false if not running.
	Stop() bool
	// StopComplete unblocks Wait. Called by the owner once teardown
	// is finished.
	StopComplete()
	// StopCh is closed when Stop is called.
	StopCh() <-chan struct{}
	// Wait blocks until StopComplete.
	Wait()
}

// New creates an unstarted LifeCycle.
func New() LifeCycle {
	return &lifeCycle{
		completeCh: make(chan struct{}, 1),
	}
}

type lifeCycle struct {
	sync.Mutex
	stopCh     chan struct{}
	completeCh chan struct{}
}

func (l *lifeCycle) Start() bool {
	l.Lock()
	defer l.Unlock()
	if l.stopCh != nil {
		return false
	}
	l.stopCh = make(chan struct{})
	return true
}

func (l *lifeCycle) Stop() bool {
	l.Lock()
	defer l.Unlock()
	if l.stopCh == nil {
		return false
	}
	close(l.stopCh)
	l.stopCh = nil
	return true
}

func (l *lifeCycle) StopCh() <-chan struct{} {
	l.Lock()
	defer l.Unlock()
	// Stop may race ahead of a goroutine fetching the channel; hand
	// such callers an already-closed one.
	if l.stopCh == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.stopCh
}

func (l *lifeCycle) StopComplete() {
	select {
	case l.completeCh <- struct{}{}:
	default:
	}
}

func (l *lifeCycle) Wait() {
	<-l.completeCh
}
