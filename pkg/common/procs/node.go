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

// Package procs is the actor runtime the control plane is written
// against: single-consumer mailbox processes addressed by PID, with
// send / dispatch / delay / link / terminate / wait, FIFO delivery per
// (source, destination) pair, a pluggable clock so tests can drive
// time, and a TCP transport that makes PIDs reachable across nodes.
package procs

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

const defaultMailboxSize = 1024

// Handler is the single-threaded body of a process. Receive is only
// ever invoked from the process's own goroutine.
type Handler interface {
	Receive(from PID, message interface{})
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(from PID, message interface{})

// Receive implements Handler.
func (f HandlerFunc) Receive(from PID, message interface{}) { f(from, message) }

// Exited is delivered to linked processes when the peer terminates or
// the connection to its node is lost.
type Exited struct {
	PID PID `json:"pid"`
}

type envelope struct {
	from PID
	msg  interface{}
	fn   func()
}

// Node hosts processes and routes messages between them, locally or
// over the wire.
type Node struct {
	mu    sync.Mutex
	cond  *sync.Cond
	clock clock.Clock
	addr  string

	procs map[string]*Process
	// links: watched pid string -> local watcher process ids
	links map[string]map[string]bool

	// inflight counts enqueued-but-unprocessed envelopes; timers
	// tracks armed delayed messages by deadline. Both exist for
	// Settle.
	inflight int
	timers   map[*Timer]time.Time

	transport *transport
	stopped   bool
}

// Option configures a Node.
type Option func(*Node)

// WithClock substitutes the clock; tests pass a fake.
func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// NewNode creates a node without a network listener; its PIDs are
// only routable in-process. Use Listen to expose it.
func NewNode(opts ...Option) *Node {
	n := &Node{
		clock: clock.RealClock{},
		procs: make(map[string]*Process),
		links: make(map[string]map[string]bool),
		timers: make(map[*Timer]time.Time),
	}
	n.cond = sync.NewCond(&n.mu)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Listen binds the node transport on addr ("ip:port", port 0 picks a
// free one) and returns the bound address.
func (n *Node) Listen(addr string) (string, error) {
	t, err := newTransport(n, addr)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	n.transport = t
	n.addr = t.addr()
	n.mu.Unlock()
	return t.addr(), nil
}

// Addr returns the bound transport address, empty when not listening.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// Clock returns the node's clock so components can share it.
func (n *Node) Clock() clock.Clock {
	return n.clock
}

// Spawn starts a process with the given id. The id must be unique on
// the node.
func (n *Node) Spawn(id string, h Handler) *Process {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		log.WithField("process", id).Warn("Spawn on stopped node")
		return nil
	}
	if _, ok := n.procs[id]; ok {
		log.WithField("process", id).Panic("duplicate process id")
	}
	p := &Process{
		node:    n,
		pid:     PID{ID: id, Addr: n.addr},
		handler: h,
		mailbox: make(chan envelope, defaultMailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	n.procs[id] = p
	go p.run()
	return p
}

// Send routes a message to any PID. Local destinations go straight to
// the mailbox, remote ones through the transport. Unroutable messages
// are logged and dropped, matching at-most-once delivery on the wire.
func (n *Node) Send(from, to PID, msg interface{}) {
	n.mu.Lock()
	local, ok := n.procs[to.ID]
	isLocal := ok && (to.Addr == "" || to.Addr == n.addr)
	transport := n.transport
	n.mu.Unlock()

	if isLocal {
		local.deliver(envelope{from: from, msg: msg})
		return
	}
	if to.Addr == "" || transport == nil {
		log.WithFields(log.Fields{"to": to.String(), "message": msg}).
			Warn("Dropping message to unroutable pid")
		return
	}
	if err := transport.send(from, to, msg); err != nil {
		log.WithFields(log.Fields{"to": to.String(), "error": err}).
			Warn("Remote send failed")
		n.peerLost(to.Addr)
	}
}

// Terminate stops the process with the given pid, if local.
func (n *Node) Terminate(pid PID) {
	n.mu.Lock()
	p, ok := n.procs[pid.ID]
	n.mu.Unlock()
	if ok {
		p.Terminate()
	}
}

// Stop terminates every process and closes the transport.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	procs := make([]*Process, 0, len(n.procs))
	for _, p := range n.procs {
		procs = append(procs, p)
	}
	t := n.transport
	n.mu.Unlock()

	for _, p := range procs {
		p.Terminate()
		p.Wait()
	}
	if t != nil {
		t.close()
	}
}

// Settle blocks until every delivered message has been handled and no
// armed delayed message is already due. Only meaningful under a fake
// clock, where "due" cannot move on its own.
func (n *Node) Settle() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		due := false
		now := n.clock.Now()
		for _, deadline := range n.timers {
			if !deadline.After(now) {
				due = true
				break
			}
		}
		if n.inflight == 0 && !due {
			return
		}
		n.cond.Wait()
	}
}

// link registers watcher as interested in target's termination. If
// the target is local and already gone, Exited is delivered at once.
// Remote targets get a connection probe so a dead node is noticed.
func (n *Node) link(watcher *Process, target PID) {
	n.mu.Lock()
	if target.Addr == "" || target.Addr == n.addr {
		if _, alive := n.procs[target.ID]; !alive {
			n.mu.Unlock()
			watcher.deliver(envelope{from: target, msg: &Exited{PID: target}})
			return
		}
	}
	key := target.String()
	if n.links[key] == nil {
		n.links[key] = make(map[string]bool)
	}
	n.links[key][watcher.pid.ID] = true
	transport := n.transport
	n.mu.Unlock()

	if target.Addr != "" && target.Addr != n.addr && transport != nil {
		if err := transport.probe(target.Addr); err != nil {
			n.peerLost(target.Addr)
		}
	}
}

func (n *Node) unlink(watcher *Process, target PID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if watchers, ok := n.links[target.String()]; ok {
		delete(watchers, watcher.pid.ID)
		if len(watchers) == 0 {
			delete(n.links, target.String())
		}
	}
}

// exited fans an Exited notification out to every watcher of pid.
func (n *Node) exited(pid PID) {
	n.mu.Lock()
	var watchers []*Process
	for id := range n.links[pid.String()] {
		if p, ok := n.procs[id]; ok {
			watchers = append(watchers, p)
		}
	}
	delete(n.links, pid.String())
	n.mu.Unlock()

	for _, w := range watchers {
		w.deliver(envelope{from: pid, msg: &Exited{PID: pid}})
	}
}

// peerLost triggers Exited for every watched pid on a lost node.
func (n *Node) peerLost(addr string) {
	n.mu.Lock()
	var lost []PID
	for key := range n.links {
		pid, err := ParsePID(key)
		if err == nil && pid.Addr == addr {
			lost = append(lost, pid)
		}
	}
	n.mu.Unlock()

	for _, pid := range lost {
		n.exited(pid)
	}
}

func (n *Node) removeProcess(p *Process) {
	n.mu.Lock()
	delete(n.procs, p.pid.ID)
	n.mu.Unlock()
	n.exited(p.pid)
}

func (n *Node) enqueued() {
	n.mu.Lock()
	n.inflight++
	n.mu.Unlock()
}

func (n *Node) handled() {
	n.mu.Lock()
	n.inflight--
	n.cond.Broadcast()
	n.mu.Unlock()
}

func (n *Node) trackTimer(t *Timer, deadline time.Time) {
	n.mu.Lock()
	n.timers[t] = deadline
	n.mu.Unlock()
}

func (n *Node) untrackTimer(t *Timer) {
	n.mu.Lock()
	delete(n.timers, t)
	n.cond.Broadcast()
	n.mu.Unlock()
}
