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
	"encoding/json"
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// The message registry maps stable wire names to concrete types so a
// receiving node can decode a frame into the same pointer type the
// sender passed to Send. Registration happens in package init()
// blocks; a name collision is a programming error and panics.

var (
	registryMu sync.RWMutex
	registry   = make(map[string]reflect.Type)
)

// RegisterMessage makes a message type decodable on receive. The
// sample must be a pointer to a struct; the wire name is the struct's
// type name.
func RegisterMessage(sample interface{}) {
	t := reflect.TypeOf(sample)
	if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		panic("procs: RegisterMessage requires a pointer to struct")
	}
	name := t.Elem().Name()

	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := registry[name]; ok && existing != t.Elem() {
		panic("procs: duplicate message name " + name)
	}
	registry[name] = t.Elem()
}

func messageName(msg interface{}) (string, error) {
	t := reflect.TypeOf(msg)
	if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return "", errors.Errorf("message %T is not a pointer to struct", msg)
	}
	return t.Elem().Name(), nil
}

func decodeMessage(name string, body []byte) (interface{}, error) {
	registryMu.RLock()
	t, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unregistered message %q", name)
	}
	msg := reflect.New(t).Interface()
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, errors.Wrapf(err, "decoding %q", name)
	}
	return msg, nil
}
