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

package procs

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Process is a single-threaded actor. All handler invocations happen
// on one goroutine; everything else enqueues.
type Process struct {
	node    *Node
	pid     PID
	handler Handler
	mailbox chan envelope
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Self returns the process PID.
func (p *Process) Self() PID {
	return p.pid
}

// Clock returns the hosting node's clock.
func (p *Process) Clock() clock.Clock {
	return p.node.clock
}

// Send enqueues a message to another pid, attributed to this process.
func (p *Process) Send(to PID, msg interface{}) {
	p.node.Send(p.pid, to, msg)
}

// Dispatch runs a closure on the process goroutine, serialized with
// message handling.
func (p *Process) Dispatch(fn func()) {
	p.deliver(envelope{from: p.pid, fn: fn})
}

// Link subscribes to the termination of a peer. An Exited message is
// delivered when the peer process terminates or its node becomes
// unreachable.
func (p *Process) Link(to PID) {
	p.node.link(p, to)
}

// Unlink drops a previous Link subscription.
func (p *Process) Unlink(to PID) {
	p.node.unlink(p, to)
}

// Terminate stops the process. Messages still queued are discarded.
// Idempotent.
func (p *Process) Terminate() {
	p.once.Do(func() { close(p.quit) })
}

// Wait blocks until the process goroutine has exited.
func (p *Process) Wait() {
	<-p.done
}

// Timer is a cancelable delayed self-message.
type Timer struct {
	stop chan struct{}
	once sync.Once
}

// Cancel stops the timer; a no-op after delivery.
func (t *Timer) Cancel() {
	t.once.Do(func() { close(t.stop) })
}

// Delay enqueues msg to this process after d has elapsed on the
// node's clock. The returned Timer cancels delivery.
func (p *Process) Delay(d time.Duration, msg interface{}) *Timer {
	t := &Timer{stop: make(chan struct{})}
	p.node.trackTimer(t, p.node.clock.Now().Add(d))
	go func() {
		ct := p.node.clock.NewTimer(d)
		defer ct.Stop()
		select {
		case <-ct.C():
			// Enqueue before untracking so Settle never observes a
			// gap between "timer due" and "message inflight".
			p.deliver(envelope{from: p.pid, msg: msg})
			p.node.untrackTimer(t)
		case <-t.stop:
			p.node.untrackTimer(t)
		case <-p.done:
			p.node.untrackTimer(t)
		}
	}()
	return t
}

func (p *Process) deliver(env envelope) {
	select {
	case <-p.done:
		return
	default:
	}
	p.node.enqueued()
	select {
	case p.mailbox <- env:
	case <-p.done:
		p.node.handled()
	}
}

func (p *Process) run() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			p.drain()
			p.node.removeProcess(p)
			return
		case env := <-p.mailbox:
			p.handle(env)
		}
	}
}

func (p *Process) handle(env envelope) {
	defer p.node.handled()
	defer func() {
		if r := recover(); r != nil {
			// A panicking handler kills the whole OS process: an
			// actor with corrupted state must not keep running.
			log.WithFields(log.Fields{
				"process": p.pid.ID,
				"panic":   r,
			}).Fatal("Process handler panicked")
		}
	}()
	if env.fn != nil {
		env.fn()
		return
	}
	p.handler.Receive(env.from, env.msg)
}

func (p *Process) drain() {
	for {
		select {
		case <-p.mailbox:
			p.node.handled()
		default:
			return
		}
	}
}
