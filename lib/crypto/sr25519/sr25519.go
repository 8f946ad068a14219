// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package sr25519 wraps ChainSafe/go-schnorrkel behind the small
// NewPublicKey/Verify/Sign surface gossamer's parachain code already
// assumes. The construction of the signature scheme itself is out of this
// core's scope; this package only calls into the real
// ecosystem library as a black box.
package sr25519

import (
	"fmt"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
)

const PublicKeyLength = 32

// PublicKey is an sr25519 public key.
type PublicKey struct {
	key *schnorrkel.PublicKey
}

// NewPublicKey parses a 32-byte sr25519 public key.
func NewPublicKey(b []byte) (*PublicKey, error) {
	if len(b) != PublicKeyLength {
		return nil, fmt.Errorf("invalid public key length: %d", len(b))
	}
	var buf [32]byte
	copy(buf[:], b)
	pk := &schnorrkel.PublicKey{}
	if err := pk.Decode(buf); err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return &PublicKey{key: pk}, nil
}

// Verify checks a 64-byte sr25519 signature over msg.
func (p *PublicKey) Verify(msg, sig []byte) (bool, error) {
	if len(sig) != 64 {
		return false, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	var sigBuf [64]byte
	copy(sigBuf[:], sig)
	signature := &schnorrkel.Signature{}
	if err := signature.Decode(sigBuf); err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	transcript := schnorrkel.NewSigningContext([]byte("substrate"), msg)
	return p.key.Verify(signature, transcript)
}

// Keypair is an sr25519 signing keypair.
type Keypair struct {
	kp *schnorrkel.Keypair
}

// GenerateKeypair creates a new random sr25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	kp, err := schnorrkel.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &Keypair{kp: kp}, nil
}

// Public returns the keypair's public key.
func (k *Keypair) Public() *PublicKey {
	return &PublicKey{key: k.kp.Public()}
}

// Sign produces a 64-byte sr25519 signature over msg.
func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	transcript := schnorrkel.NewSigningContext([]byte("substrate"), msg)
	sig, err := k.kp.Sign(transcript)
	if err != nil {
		return nil, err
	}
	out := sig.Encode()
	return out[:], nil
}

// Encode returns the raw 32-byte encoding of the public key.
func (p *PublicKey) Encode() []byte {
	enc := p.key.Encode()
	return enc[:]
}
