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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetUnwrittenVariable(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	v, err := store.Get("slaves")
	require.NoError(t, err)
	assert.Equal(t, "slaves", v.Name())
	assert.Nil(t, v.Value())
}

func TestSetCreatesAndVersions(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	v, err := store.Get("slaves")
	require.NoError(t, err)

	v2, ok, err := store.Set(v.Mutate([]byte("one")))
	require.NoError(t, err)
	require.True(t, ok)

	read, err := store.Get("slaves")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), read.Value())

	// The returned variable carries the fresh token and can write
	// again without re-reading.
	_, ok, err = store.Set(v2.Mutate([]byte("two")))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentCASExactlyOneWins(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	base, err := store.Get("slaves")
	require.NoError(t, err)
	_, ok, err := store.Set(base.Mutate([]byte("base")))
	require.NoError(t, err)
	require.True(t, ok)

	// Two writers holding the same prior token race; exactly one
	// wins.
	a, err := store.Get("slaves")
	require.NoError(t, err)
	b, err := store.Get("slaves")
	require.NoError(t, err)

	_, okA, err := store.Set(a.Mutate([]byte("from-a")))
	require.NoError(t, err)
	_, okB, err := store.Set(b.Mutate([]byte("from-b")))
	require.NoError(t, err)

	assert.True(t, okA)
	assert.False(t, okB)

	// The loser re-reads and observes the winner's write.
	reread, err := store.Get("slaves")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), reread.Value())

	// And succeeds with the fresh token.
	_, ok, err = store.Set(reread.Mutate([]byte("from-b-retry")))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStaleCreateLoses(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	a, err := store.Get("slaves")
	require.NoError(t, err)
	b, err := store.Get("slaves")
	require.NoError(t, err)

	_, okA, err := store.Set(a.Mutate([]byte("a")))
	require.NoError(t, err)
	require.True(t, okA)

	// b still holds a creation token for a now-existing variable.
	_, okB, err := store.Set(b.Mutate([]byte("b")))
	require.NoError(t, err)
	assert.False(t, okB)
}
