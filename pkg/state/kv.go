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

package state

import (
	"path"
	"strings"
	"time"

	"github.com/docker/libkv"
	"github.com/docker/libkv/store"
	"github.com/docker/libkv/store/zookeeper"
	"github.com/pkg/errors"
)

func init() {
	zookeeper.Register()
}

const kvConnectionTimeout = 10 * time.Second

// kvStore persists variables in a libkv backend (ZooKeeper in
// production). The CAS token is the backend's KVPair, whose LastIndex
// guards AtomicPut.
type kvStore struct {
	kv   store.Store
	root string
}

// NewZooKeeperStore connects to the given ZooKeeper ensemble and
// roots all variables under rootPath.
func NewZooKeeperStore(servers []string, rootPath string) (Store, error) {
	kv, err := libkv.NewStore(
		store.ZK,
		servers,
		&store.Config{ConnectionTimeout: kvConnectionTimeout},
	)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to zookeeper")
	}
	return &kvStore{
		kv: kv,
		// libkv dislikes a leading slash.
		root: strings.TrimPrefix(rootPath, "/"),
	}, nil
}

func (s *kvStore) key(name string) string {
	return path.Join(s.root, name)
}

func (s *kvStore) Get(name string) (Variable, error) {
	pair, err := s.kv.Get(s.key(name))
	if err == store.ErrKeyNotFound {
		return Variable{name: name}, nil
	}
	if err != nil {
		return Variable{}, errors.Wrapf(err, "reading variable %s", name)
	}
	return Variable{name: name, value: pair.Value, token: pair}, nil
}

func (s *kvStore) Set(v Variable) (Variable, bool, error) {
	var previous *store.KVPair
	if v.token != nil {
		pair, ok := v.token.(*store.KVPair)
		if !ok {
			return Variable{}, false, errors.Errorf("foreign token on variable %s", v.name)
		}
		previous = pair
	}

	ok, pair, err := s.kv.AtomicPut(s.key(v.name), v.value, previous, nil)
	if err == store.ErrKeyModified || err == store.ErrKeyExists {
		return Variable{}, false, nil
	}
	if err != nil {
		return Variable{}, false, errors.Wrapf(err, "writing variable %s", v.name)
	}
	if !ok {
		return Variable{}, false, nil
	}
	return Variable{name: v.name, value: v.value, token: pair}, true, nil
}

func (s *kvStore) Close() error {
	s.kv.Close()
	return nil
}
