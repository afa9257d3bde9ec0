// Copyright 2024 The solsight Authors
// This file is part of the solsight library.
//
// The solsight library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The solsight library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the solsight library. If not, see <http://www.gnu.org/licenses/>.

package kv

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreSuite(t *testing.T, store KVStore) {
	t.Helper()

	// Missing keys are not an error.
	v, err := store.Get([]byte("missing"))
	require.NoError(t, err)
	assert.Nil(t, v)
	has, err := store.Has([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.Put([]byte("k"), []byte("v")))
	v, err = store.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	has, err = store.Has([]byte("k"))
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, store.Delete([]byte("k")))
	has, err = store.Has([]byte("k"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMemDB(t *testing.T) {
	store := NewMemDB()
	defer store.Close()
	runStoreSuite(t, store)
}

func TestLevelDB(t *testing.T) {
	dir, err := ioutil.TempDir("", "solsight-test-kv")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	store, err := New(&Config{Backend: LevelDB, Dir: dir})
	require.NoError(t, err)
	defer store.Close()
	runStoreSuite(t, store)
}

func TestBadgerDB(t *testing.T) {
	dir, err := ioutil.TempDir("", "solsight-test-kv-badger")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	store, err := New(&Config{Backend: BadgerDB, Dir: dir})
	require.NoError(t, err)
	defer store.Close()
	runStoreSuite(t, store)
}

func TestUnknownBackend(t *testing.T) {
	_, err := New(&Config{Backend: "bogus"})
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, []byte("seen/Wa/sig1"), SeenKey("Wa", "sig1"))
	assert.Equal(t, []byte("meta/Mint1"), MetaKey("Mint1"))
}
