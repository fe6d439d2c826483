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

// Package state is a versioned-variable store with optimistic
// concurrency. A Get hands back the value together with an opaque
// version token; a Set only succeeds when the token is still current,
// so concurrent writers race cleanly: one wins, the rest re-read.
package state

// Variable is one named value at one version. The zero-token
// Variable returned for a never-written name can be Mutated and Set
// to create it.
type Variable struct {
	name  string
	value []byte
	token interface{}
}

// Name returns the variable name.
func (v Variable) Name() string { return v.name }

// Value returns the stored bytes, nil for a never-written variable.
func (v Variable) Value() []byte { return v.value }

// Mutate returns a copy of the variable carrying a new value and the
// same version token, ready to Set.
func (v Variable) Mutate(value []byte) Variable {
	return Variable{name: v.name, value: value, token: v.token}
}

// Store is the versioned-variable interface.
type Store interface {
	// Get fetches the variable, zero-token if never written.
	Get(name string) (Variable, error)
	// Set writes the variable if its token is still current. ok is
	// false on a conflict; the caller re-reads and retries. On
	// success the returned Variable carries the new token.
	Set(v Variable) (Variable, bool, error)
	// Close releases the backend.
	Close() error
}
