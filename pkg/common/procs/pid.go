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
	"fmt"
	"strings"
)

// PID names a process: a node-unique id plus the host:port of the
// node hosting it. Addr is empty for processes that were never
// exposed on the wire.
type PID struct {
	ID   string `json:"id"`
	Addr string `json:"addr,omitempty"`
}

// ParsePID parses "id@host:port" (or a bare "id") back into a PID.
func ParsePID(s string) (PID, error) {
	if s == "" {
		return PID{}, fmt.Errorf("empty pid")
	}
	parts := strings.SplitN(s, "@", 2)
	pid := PID{ID: parts[0]}
	if len(parts) == 2 {
		pid.Addr = parts[1]
	}
	if pid.ID == "" {
		return PID{}, fmt.Errorf("pid %q has no id", s)
	}
	return pid, nil
}

func (p PID) String() string {
	if p.Addr == "" {
		return p.ID
	}
	return p.ID + "@" + p.Addr
}

// IsZero reports whether the PID names nothing.
func (p PID) IsZero() bool {
	return p.ID == ""
}
