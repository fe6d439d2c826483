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
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Frames on the wire are a 4-byte big-endian length followed by a
// JSON envelope. Only the message semantics are normative; JSON keeps
// the protocol debuggable with nothing but tcpdump.
const maxFrameSize = 4 << 20

type frame struct {
	To   string          `json:"to"`
	From string          `json:"from"`
	Name string          `json:"name"`
	Body json.RawMessage `json:"body"`
}

type transport struct {
	node     *Node
	listener net.Listener

	mu    sync.Mutex
	conns map[string]*peerConn
	done  bool
}

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func newTransport(n *Node, addr string) (*transport, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s", addr)
	}
	t := &transport{
		node:     n,
		listener: l,
		conns:    make(map[string]*peerConn),
	}
	go t.accept()
	return t, nil
}

func (t *transport) addr() string {
	return t.listener.Addr().String()
}

func (t *transport) accept() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			done := t.done
			t.mu.Unlock()
			if !done {
				log.WithError(err).Error("Transport accept failed")
			}
			return
		}
		go t.read(conn, "")
	}
}

// read pumps inbound frames from one connection into local mailboxes.
// peer is the dialed address for outbound connections, empty for
// accepted ones.
func (t *transport) read(conn net.Conn, peer string) {
	defer conn.Close()
	var header [4]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			break
		}
		size := binary.BigEndian.Uint32(header[:])
		if size == 0 || size > maxFrameSize {
			log.WithField("size", size).Warn("Dropping connection with bad frame size")
			break
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(conn, body); err != nil {
			break
		}
		t.dispatch(body)
	}
	if peer != "" {
		t.drop(peer)
		t.node.peerLost(peer)
	}
}

func (t *transport) dispatch(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		log.WithError(err).Warn("Dropping undecodable frame")
		return
	}
	from, err := ParsePID(f.From)
	if err != nil {
		log.WithError(err).Warn("Dropping frame with bad source pid")
		return
	}
	to, err := ParsePID(f.To)
	if err != nil {
		log.WithError(err).Warn("Dropping frame with bad destination pid")
		return
	}
	msg, err := decodeMessage(f.Name, f.Body)
	if err != nil {
		log.WithFields(log.Fields{"name": f.Name, "error": err}).
			Warn("Dropping undecodable message")
		return
	}

	t.node.mu.Lock()
	p, ok := t.node.procs[to.ID]
	t.node.mu.Unlock()
	if !ok {
		log.WithFields(log.Fields{"to": to.String(), "name": f.Name}).
			Debug("Dropping message for unknown local process")
		return
	}
	p.deliver(envelope{from: from, msg: msg})
}

func (t *transport) send(from, to PID, msg interface{}) error {
	name, err := messageName(msg)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", name)
	}
	raw, err := json.Marshal(frame{
		To:   to.String(),
		From: from.String(),
		Name: name,
		Body: body,
	})
	if err != nil {
		return err
	}

	pc, err := t.connect(to.Addr)
	if err != nil {
		return err
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(raw)))

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, err := pc.conn.Write(header[:]); err != nil {
		t.drop(to.Addr)
		return errors.Wrapf(err, "writing to %s", to.Addr)
	}
	if _, err := pc.conn.Write(raw); err != nil {
		t.drop(to.Addr)
		return errors.Wrapf(err, "writing to %s", to.Addr)
	}
	return nil
}

// probe ensures a connection to addr exists, dialing if needed, so
// link failure detection has something to watch.
func (t *transport) probe(addr string) error {
	_, err := t.connect(addr)
	return err
}

func (t *transport) connect(addr string) (*peerConn, error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil, errors.New("transport closed")
	}
	if pc, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return pc, nil
	}
	t.mu.Unlock()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}

	t.mu.Lock()
	if existing, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	pc := &peerConn{conn: conn}
	t.conns[addr] = pc
	t.mu.Unlock()

	// Outbound connections are bidirectional: the peer may answer on
	// the same socket.
	go t.read(conn, addr)
	return pc, nil
}

func (t *transport) drop(addr string) {
	t.mu.Lock()
	pc, ok := t.conns[addr]
	if ok {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

func (t *transport) close() {
	t.mu.Lock()
	t.done = true
	conns := t.conns
	t.conns = make(map[string]*peerConn)
	t.mu.Unlock()

	t.listener.Close()
	for _, pc := range conns {
		pc.conn.Close()
	}
}
