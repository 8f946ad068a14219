// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package parachaintypes

import (
	"errors"
	"fmt"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/ChainSafe/gossamer/pkg/scale"
)

// ErrUnknownOverseerMessage is returned by a subsystem's message switch
// default case.
var ErrUnknownOverseerMessage = errors.New("unknown overseer message type")

// ParaId is the 32-bit identifier of a parachain.
type ParaId uint32

// SessionIndex is a monotonic 32-bit session counter.
type SessionIndex uint32

// BlockNumber is a monotonic 32-bit relay-chain block counter.
type BlockNumber uint32

// ValidatorIndex indexes into a session's validator set.
type ValidatorIndex uint32

// ValidatorID is a validator's raw sr25519 public key.
type ValidatorID [sr25519.PublicKeyLength]byte

// Signature is a raw sr25519 signature.
type Signature [64]byte

// ValidatorSignature is the signature with which parachain validators sign.
type ValidatorSignature Signature

// CollatorID is a collator's raw sr25519 public key.
type CollatorID [sr25519.PublicKeyLength]byte

// CollatorSignature is the signature with which a collator signs a candidate
// descriptor.
type CollatorSignature Signature

// CandidateHash makes it easy to enforce that a hash is a candidate hash on
// the type level.
type CandidateHash struct {
	Value common.Hash `scale:"1"`
}

// ValidationCodeHash is the blake2b hash of a ValidationCode.
type ValidationCodeHash common.Hash

// ValidationCode is the parachain validation function's compiled WASM blob.
// Executing it is explicitly out of this core's scope; we only
// ever hash it and hand it to the external ValidationHost.
type ValidationCode []byte

// Hash returns the blake2b hash of the validation code.
func (v ValidationCode) Hash() ValidationCodeHash {
	return ValidationCodeHash(common.MustBlake2bHash(v))
}

// PoV is the proof-of-validity block submitted by a collator.
type PoV struct {
	BlockData []byte `scale:"1"`
}

// Encode returns the canonical encoding of the PoV.
func (p PoV) Encode() ([]byte, error) {
	return scale.Marshal(p)
}

// Hash returns the blake2b hash of the PoV's canonical encoding.
func (p PoV) Hash() (common.Hash, error) {
	enc, err := p.Encode()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encoding PoV: %w", err)
	}
	return common.Blake2bHash(enc)
}

// PersistedValidationData is the subset of validation data that persists
// across candidate validation, supplied to the validation function.
type PersistedValidationData struct {
	ParentHead             []byte      `scale:"1"`
	RelayParentNumber      BlockNumber `scale:"2"`
	RelayParentStorageRoot common.Hash `scale:"3"`
	MaxPovSize             uint32      `scale:"4"`
}

// Hash returns the blake2b hash of the persisted validation data's
// canonical encoding, used to match a candidate descriptor's
// ValidationDataHash against the runtime's view under a given assumption.
func (p PersistedValidationData) Hash() (common.Hash, error) {
	enc, err := scale.Marshal(p)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encoding persisted validation data: %w", err)
	}
	return common.Blake2bHash(enc)
}

// CandidateDescriptor commits a parachain block to its relay-parent,
// collator, and PoV.
type CandidateDescriptor struct {
	ParaID             ParaId             `scale:"1"`
	RelayParent        common.Hash        `scale:"2"`
	Collator           CollatorID         `scale:"3"`
	PovHash            common.Hash        `scale:"4"`
	ValidationDataHash common.Hash        `scale:"5"`
	ValidationCodeHash ValidationCodeHash `scale:"6"`
	Signature          CollatorSignature  `scale:"7"`
}

// SigningPayload returns (relay_parent, para_id, validation_data_hash,
// pov_hash), the exact payload the collator signature is taken over.
func (d CandidateDescriptor) SigningPayload() ([]byte, error) {
	type payload struct {
		RelayParent        common.Hash
		ParaID             ParaId
		ValidationDataHash common.Hash
		PovHash            common.Hash
	}
	return scale.Marshal(payload{
		RelayParent:        d.RelayParent,
		ParaID:             d.ParaID,
		ValidationDataHash: d.ValidationDataHash,
		PovHash:            d.PovHash,
	})
}

// CheckCollatorSignature verifies the descriptor's collator signature over
// its own signing payload.
func (d CandidateDescriptor) CheckCollatorSignature() error {
	payload, err := d.SigningPayload()
	if err != nil {
		return fmt.Errorf("building signing payload: %w", err)
	}

	pub, err := sr25519.NewPublicKey(d.Collator[:])
	if err != nil {
		return fmt.Errorf("parsing collator public key: %w", err)
	}

	ok, err := pub.Verify(payload, d.Signature[:])
	if err != nil {
		return fmt.Errorf("verifying collator signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("collator signature does not match")
	}
	return nil
}

// OutboundHrmpMessage is a message a parachain block sends to another
// parachain, identified by recipient.
type OutboundHrmpMessage struct {
	Recipient ParaId `scale:"1"`
	Data      []byte `scale:"2"`
}

// CandidateCommitments are the outputs of a successful candidate
// validation: outgoing messages, optional code upgrade, new head, and
// downward-message bookkeeping.
type CandidateCommitments struct {
	UpwardMessages            [][]byte              `scale:"1"`
	HorizontalMessages        []OutboundHrmpMessage `scale:"2"`
	NewValidationCode         *ValidationCode        `scale:"3"`
	HeadData                  []byte                `scale:"4"`
	ProcessedDownwardMessages uint32                 `scale:"5"`
	HrmpWatermark             BlockNumber            `scale:"6"`
	ErasureRoot               common.Hash            `scale:"7"`
}

// Hash returns the blake2b hash of the commitments' canonical encoding.
func (c CandidateCommitments) Hash() (common.Hash, error) {
	enc, err := scale.Marshal(c)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encoding commitments: %w", err)
	}
	return common.Blake2bHash(enc)
}

// CandidateReceipt commits a parachain block: a descriptor plus the hash of
// its commitments.
type CandidateReceipt struct {
	Descriptor      CandidateDescriptor `scale:"1"`
	CommitmentsHash common.Hash         `scale:"2"`
}

// Hash returns the candidate hash: the blake2b hash of the receipt's
// canonical encoding.
func (c CandidateReceipt) Hash() (CandidateHash, error) {
	enc, err := scale.Marshal(c)
	if err != nil {
		return CandidateHash{}, fmt.Errorf("encoding candidate receipt: %w", err)
	}
	h, err := common.Blake2bHash(enc)
	if err != nil {
		return CandidateHash{}, err
	}
	return CandidateHash{Value: h}, nil
}

// CommittedCandidateReceipt is a CandidateReceipt together with the full
// commitments it commits to (rather than just their hash).
type CommittedCandidateReceipt struct {
	Descriptor  CandidateDescriptor  `scale:"1"`
	Commitments CandidateCommitments `scale:"2"`
}

// ToPlain drops the full commitments down to their hash, producing the
// compact CandidateReceipt used on the wire and in storage keys.
func (c CommittedCandidateReceipt) ToPlain() (CandidateReceipt, error) {
	h, err := c.Commitments.Hash()
	if err != nil {
		return CandidateReceipt{}, err
	}
	return CandidateReceipt{Descriptor: c.Descriptor, CommitmentsHash: h}, nil
}

// SubSystemName identifies one of the overseer's registered subsystems.
type SubSystemName string

const (
	CandidateValidation SubSystemName = "candidate-validation"
	CollationGeneration SubSystemName = "collation-generation"
	DisputeCoordinator  SubSystemName = "dispute-coordinator"
	ChainSelection      SubSystemName = "chain-selection"
	AvailabilityStore   SubSystemName = "availability-store"
	NetworkBridgeTx     SubSystemName = "network-bridge-tx"
)

// OverseerFuncRes wraps the result of a request/response subsystem call,
// carried back over a one-shot reply channel embedded in the request.
type OverseerFuncRes[T any] struct {
	Data T
	Err  error
}

// ActivatedLeaf describes a relay-chain block that just became a viable
// leaf of the best chain.
type ActivatedLeaf struct {
	Hash   common.Hash
	Number BlockNumber
}

// ActiveLeavesUpdateSignal is broadcast by the overseer whenever the set of
// active leaves changes.
type ActiveLeavesUpdateSignal struct {
	Activated   *ActivatedLeaf
	Deactivated []common.Hash
}

// BlockFinalizedSignal is broadcast by the overseer when a block finalizes.
type BlockFinalizedSignal struct {
	Hash   common.Hash
	Number BlockNumber
}

// ConcludeSignal is broadcast once, telling every subsystem to drain
// in-flight work and exit.
type ConcludeSignal struct{}
