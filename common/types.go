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

	"github.com/pkg/errors"
)

// Address is a base58-encoded on-chain account address.
type Address = string

// Signature is a base58-encoded transaction signature.
type Signature = string

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const (
	addressMinLen = 32
	addressMaxLen = 44

	signatureMinLen = 64
	signatureMaxLen = 88
)

var ErrInvalidAddress = errors.New("invalid wallet address")

func isBase58(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune(base58Alphabet, c) {
			return false
		}
	}
	return true
}

// ValidateAddress performs a shape check only; existence on chain is not
// verified here.
func ValidateAddress(addr Address) error {
	if len(addr) < addressMinLen || len(addr) > addressMaxLen || !isBase58(addr) {
		return errors.Wrap(ErrInvalidAddress, addr)
	}
	return nil
}

// ValidateSignature performs a shape check on a transaction signature.
func ValidateSignature(sig Signature) bool {
	return len(sig) >= signatureMinLen && len(sig) <= signatureMaxLen && isBase58(sig)
}

// UniqueAddresses returns the input addresses with duplicates removed,
// preserving first-seen order.
func UniqueAddresses(addrs []Address) []Address {
	seen := make(map[Address]struct{}, len(addrs))
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
