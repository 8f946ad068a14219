// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package networkbridge defines the message contract between the node-side
// subsystems and the (external, out-of-scope) peer-to-peer gossip network:
// the wire-message sum type and the DistributeCollation send point. Peer
// discovery, transport, and peer-set configuration live outside this
// package's scope.
package networkbridge

import (
	"fmt"
	"reflect"
	"sort"

	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/pkg/scale"
)

// MessageType tags a WireMessage's payload kind for transport framing.
type MessageType byte

const (
	CollationMsgType MessageType = iota
	ValidationMsgType
)

type WireMessage scale.VaryingDataType

// NewWireMessage returns a new WireMessage varying data type
func NewWireMessage() WireMessage {
	vdt := scale.MustNewVaryingDataType(ProtocolMessage{}, ViewUpdate{})
	return WireMessage(vdt)
}

// New will enable scale to create new instance when needed
func (WireMessage) New() WireMessage {
	return NewWireMessage()
}

// Set will set a value using the underlying  varying data type
func (w *WireMessage) Set(val scale.VaryingDataTypeValue) (err error) {
	vdt := scale.VaryingDataType(*w)
	err = vdt.Set(val)
	if err != nil {
		return
	}
	*w = WireMessage(vdt)
	return
}

// Value returns the value from the underlying varying data type
func (w *WireMessage) Value() (val scale.VaryingDataTypeValue, err error) {
	vdt := scale.VaryingDataType(*w)
	return vdt.Value()
}

func (w WireMessage) Type() MessageType {
	val, err := w.Value()
	if err != nil {
		return CollationMsgType
	}
	if _, ok := val.(ProtocolMessage); ok {
		return CollationMsgType
	}
	return ValidationMsgType
}

func (w WireMessage) Hash() (common.Hash, error) {
	// scale encode the message
	encMsg, err := w.Encode()
	if err != nil {
		return common.Hash{}, fmt.Errorf("cannot encode message: %w", err)
	}

	return common.Blake2bHash(encMsg)
}

// Encode a collator protocol message using scale encode
func (w WireMessage) Encode() ([]byte, error) {
	enc, err := scale.Marshal(w)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

type ViewUpdate View

// View is a succinct representation of a peer's view. This consists of a bounded amount of chain heads
// and the highest known finalized block number.
//
// Up to `N` (5?) chain heads.
type View struct {
	// a bounded amount of chain heads
	heads []common.Hash
	// the highest known finalized number
	finalizedNumber uint32
}

type SortableHeads []common.Hash

func (s SortableHeads) Len() int {
	return len(s)
}

func (s SortableHeads) Less(i, j int) bool {
	return s[i].String() > s[j].String()
}

func (s SortableHeads) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// checkHeadsEqual checks if the heads of the view are equal to the heads of the other view.
func (v View) checkHeadsEqual(other View) bool {
	if len(v.heads) != len(other.heads) {
		return false
	}

	localHeads := v.heads
	sort.Sort(SortableHeads(localHeads))
	otherHeads := other.heads
	sort.Sort(SortableHeads(otherHeads))

	return reflect.DeepEqual(localHeads, otherHeads)
}

// Index returns the index of varying data type
func (ViewUpdate) Index() uint {
	return 2
}

// ProtocolMessage carries a collator-protocol payload: today, only the
// single outgoing point collation generation emits.
type ProtocolMessage struct {
	Collation CollationAnnouncement `scale:"1"`
}

// Index returns the index of varying data type
func (ProtocolMessage) Index() uint {
	return 1
}

// CollationAnnouncement is the payload of a DistributeCollation send: a
// freshly produced candidate receipt together with its PoV.
type CollationAnnouncement struct {
	Receipt parachaintypes.CandidateReceipt `scale:"1"`
	PoV     parachaintypes.PoV              `scale:"2"`
}

// DistributeCollation is the message collation generation sends to the
// network bridge once a candidate receipt and its PoV are ready
//. The bridge's job ends at handing the wire message
// to the (unspecified) gossip transport.
type DistributeCollation struct {
	Receipt parachaintypes.CandidateReceipt
	PoV     parachaintypes.PoV
}

// ToWireMessage wraps the announcement as the WireMessage sent over the
// (external) gossip transport.
func (d DistributeCollation) ToWireMessage() (WireMessage, error) {
	w := NewWireMessage()
	err := w.Set(ProtocolMessage{Collation: CollationAnnouncement{Receipt: d.Receipt, PoV: d.PoV}})
	return w, err
}
