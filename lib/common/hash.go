// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package common holds small value types shared across the parachain
// subsystems: the 32-byte Hash identifier and its hashing helper.
package common

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashLength is the expected length of the common.Hash type.
const HashLength = 32

// Hash used to for a block, transaction, candidate or any other 32 byte digest.
type Hash [HashLength]byte

// NewHash casts a byte slice to a Hash, left-padding or truncating it does not.
// It panics if the input is not exactly HashLength bytes.
func NewHash(b []byte) Hash {
	if len(b) != HashLength {
		panic(fmt.Sprintf("cannot create Hash from %d bytes, expected %d", len(b), HashLength))
	}
	var h Hash
	copy(h[:], b)
	return h
}

// String returns the hex string representation of the hash.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsEmpty returns true if the hash is the zero value.
func (h Hash) IsEmpty() bool {
	return h == Hash{}
}

// Blake2bHash returns the blake2b-256 hash of the given data.
func Blake2bHash(data []byte) (Hash, error) {
	out := blake2b.Sum256(data)
	return Hash(out), nil
}

// MustBlake2bHash is like Blake2bHash but panics on error (blake2b-256 never
// errors for in-memory input, this exists for call-sites that want to avoid
// threading an error they know to be unreachable).
func MustBlake2bHash(data []byte) Hash {
	h, err := Blake2bHash(data)
	if err != nil {
		panic(err)
	}
	return h
}
