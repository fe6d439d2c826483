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

package agent

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mezzo-rm/mezzo/pkg/common/cirbuf"
	"github.com/mezzo-rm/mezzo/pkg/common/procs"
	"github.com/mezzo-rm/mezzo/pkg/common/protocol"
)

const (
	defaultUpdateBufferSize    = 1024
	defaultUpdateRetrySeconds  = 10.0
	// Retransmission pacing: a long master outage must not turn
	// into a burst that floods the reconnected master.
	retransmitRate  = rate.Limit(200)
	retransmitBurst = 64
)

type updateRetryTick struct{}

// updater is the agent's status-update manager. Every update is held
// in a sequence-numbered buffer and retransmitted on a timer until
// the framework's ack makes it back; that gives the at-least-once
// guarantee the protocol promises.
type updater struct {
	proc     *procs.Process
	buffer   *cirbuf.CircularBuffer
	interval time.Duration
	limiter  *rate.Limiter

	// acked marks sequence ids confirmed by the framework; the
	// buffer tail advances over a fully-acked prefix.
	acked   map[uint64]bool
	byUUID  map[string]uint64
	armed   bool

	send func(*protocol.StatusUpdateMessage)
}

func newUpdater(proc *procs.Process, retrySeconds float64, send func(*protocol.StatusUpdateMessage)) *updater {
	if retrySeconds <= 0 {
		retrySeconds = defaultUpdateRetrySeconds
	}
	return &updater{
		proc:     proc,
		buffer:   cirbuf.New(defaultUpdateBufferSize),
		interval: time.Duration(retrySeconds * float64(time.Second)),
		limiter:  rate.NewLimiter(retransmitRate, retransmitBurst),
		acked:    make(map[uint64]bool),
		byUUID:   make(map[string]uint64),
		send:     send,
	}
}

// enqueue records an update and sends it once immediately.
func (u *updater) enqueue(update protocol.StatusUpdate) {
	item, err := u.buffer.Add(update)
	if err != nil {
		// A full window means the framework has been unreachable
		// for the whole buffer's worth of updates.
		log.WithFields(log.Fields{
			"task_id": update.Status.TaskID,
			"uuid":    update.UUID,
		}).Error("Status update buffer full, dropping update")
		return
	}
	u.byUUID[update.UUID] = item.SequenceID
	u.send(&protocol.StatusUpdateMessage{Update: update, Pid: u.proc.Self().String()})
	if !u.armed {
		u.armed = true
		u.proc.Delay(u.interval, &updateRetryTick{})
	}
}

// ack confirms one update by uuid and trims the buffer's acked
// prefix.
func (u *updater) ack(uuid string) {
	seq, ok := u.byUUID[uuid]
	if !ok {
		// Retransmission means duplicate acks are normal.
		return
	}
	delete(u.byUUID, uuid)
	u.acked[seq] = true

	_, tail := u.buffer.Range()
	newTail := tail
	for u.acked[newTail] {
		delete(u.acked, newTail)
		newTail++
	}
	if newTail > tail {
		if _, err := u.buffer.MoveTail(newTail); err != nil {
			log.WithError(err).Error("Status update buffer tail move failed")
		}
	}
}

// retry resends every unacked update, paced by the limiter, and
// re-arms itself while anything is pending.
func (u *updater) retry() {
	pending := 0
	for _, item := range u.buffer.Items() {
		if u.acked[item.SequenceID] {
			continue
		}
		pending++
		if !u.limiter.Allow() {
			// Over budget: the next tick picks the rest up.
			break
		}
		update := item.Value.(protocol.StatusUpdate)
		log.WithFields(log.Fields{
			"task_id": update.Status.TaskID,
			"uuid":    update.UUID,
			"state":   update.Status.State.String(),
		}).Debug("Retransmitting status update")
		u.send(&protocol.StatusUpdateMessage{Update: update, Pid: u.proc.Self().String()})
	}

	if pending > 0 {
		u.proc.Delay(u.interval, &updateRetryTick{})
	} else {
		u.armed = false
	}
}

// pendingCount reports how many updates still await acks.
func (u *updater) pendingCount() int {
	count := 0
	for _, item := range u.buffer.Items() {
		if !u.acked[item.SequenceID] {
			count++
		}
	}
	return count
}
