// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package keystore models "the keys this node controls" as a small
// in-memory interface. Real key custody (hardware wallets, encrypted
// files, remote signers) is an external collaborator; the dispute
// coordinator and collation generation subsystems only need to know
// which sr25519 keypairs are available and ask them to sign.
package keystore

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
)

// KeyPair is anything that can sign on behalf of a validator identity and
// report its public key.
type KeyPair interface {
	Sign(msg []byte) ([]byte, error)
	Public() *sr25519.PublicKey
}

type keypair struct {
	kp *sr25519.Keypair
}

func (k keypair) Sign(msg []byte) ([]byte, error) { return k.kp.Sign(msg) }
func (k keypair) Public() *sr25519.PublicKey      { return k.kp.Public() }

// Keystore holds the set of keypairs this validator node controls, keyed
// by the raw public key bytes.
type Keystore struct {
	mu   sync.RWMutex
	keys map[[sr25519.PublicKeyLength]byte]KeyPair
}

// New returns an empty Keystore.
func New() *Keystore {
	return &Keystore{keys: make(map[[sr25519.PublicKeyLength]byte]KeyPair)}
}

// Insert adds a generated keypair under its own public key and returns it.
func (ks *Keystore) Insert(kp *sr25519.Keypair) KeyPair {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	var id [sr25519.PublicKeyLength]byte
	copy(id[:], kp.Public().Encode())
	entry := keypair{kp: kp}
	ks.keys[id] = entry
	return entry
}

// GetKeypair returns the controlled keypair for pub, or nil if this node
// does not control that key.
func (ks *Keystore) GetKeypair(pub *sr25519.PublicKey) KeyPair {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	var id [sr25519.PublicKeyLength]byte
	copy(id[:], pub.Encode())
	return ks.keys[id]
}

// Controlled returns the public key bytes of every keypair this node
// controls, in a stable order.
func (ks *Keystore) Controlled() [][sr25519.PublicKeyLength]byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([][sr25519.PublicKeyLength]byte, 0, len(ks.keys))
	for id := range ks.keys {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
