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

package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAddress(t *testing.T) {
	valid := []string{
		"So11111111111111111111111111111111111111112",
		strings.Repeat("A", 32),
		strings.Repeat("z", 44),
	}
	for _, addr := range valid {
		assert.NoError(t, ValidateAddress(addr), addr)
	}

	invalid := []string{
		"",
		"short",
		strings.Repeat("A", 31),
		strings.Repeat("A", 45),
		strings.Repeat("A", 31) + "0", // 0 is not base58
		strings.Repeat("A", 31) + "O",
		strings.Repeat("A", 31) + "I",
		strings.Repeat("A", 31) + "l",
		strings.Repeat("A", 31) + "!",
	}
	for _, addr := range invalid {
		assert.Error(t, ValidateAddress(addr), addr)
	}
}

func TestValidateSignature(t *testing.T) {
	assert.True(t, ValidateSignature(strings.Repeat("5", 88)))
	assert.True(t, ValidateSignature(strings.Repeat("5", 64)))
	assert.False(t, ValidateSignature(strings.Repeat("5", 63)))
	assert.False(t, ValidateSignature(strings.Repeat("5", 89)))
	assert.False(t, ValidateSignature(strings.Repeat("0", 64)))
}

func TestUniqueAddresses(t *testing.T) {
	in := []string{"a", "b", "a", "c", "b"}
	assert.Equal(t, []string{"a", "b", "c"}, UniqueAddresses(in))
	assert.Empty(t, UniqueAddresses(nil))
}

func TestCache(t *testing.T) {
	c := NewCache(2)
	c.Add("a", 1)
	c.Add("b", 2)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// Exceeding capacity evicts the least recently used entry.
	c.Add("c", 3)
	assert.False(t, c.Contains("b"))

	c.Purge()
	assert.False(t, c.Contains("a"))
}
