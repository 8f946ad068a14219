// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package main

import (
	"errors"

	collationgeneration "github.com/ChainSafe/gossamer/dot/parachain/collation-generation"
	"github.com/ChainSafe/gossamer/dot/parachain/dispute"
	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/lib/common"
)

// errRelayChainClientRequired is returned by every stand-in collaborator
// below. Wiring these interfaces to a live relay-chain client (on-chain
// runtime state, the sandboxed PVF worker, the gossip network) is outside
// this core's scope; these stand-ins exist only so `run` links and starts
// the overseer with every route bound to something.
var errRelayChainClientRequired = errors.New("parachain-validator: no relay-chain client wired for this collaborator")

type unwiredCores struct{}

func (unwiredCores) ScheduledCores(common.Hash) ([]collationgeneration.ScheduledCore, error) {
	return nil, errRelayChainClientRequired
}

type unwiredValidationData struct{}

func (unwiredValidationData) PersistedValidationData(parachaintypes.ParaId, common.Hash) (
	*parachaintypes.PersistedValidationData, error) {
	return nil, errRelayChainClientRequired
}

func (unwiredValidationData) ValidationCodeHash(parachaintypes.ParaId, common.Hash) (
	parachaintypes.ValidationCodeHash, error) {
	return parachaintypes.ValidationCodeHash{}, errRelayChainClientRequired
}

type unwiredErasureCoder struct{}

func (unwiredErasureCoder) ErasureRoot(collationgeneration.AvailableData, uint32) (common.Hash, error) {
	return common.Hash{}, errRelayChainClientRequired
}

type unwiredSessionInfo struct{}

func (unwiredSessionInfo) SessionIndexForChild(common.Hash) (parachaintypes.SessionIndex, error) {
	return 0, errRelayChainClientRequired
}

func (unwiredSessionInfo) SessionInfo(parachaintypes.SessionIndex) (dispute.SessionInfo, error) {
	return dispute.SessionInfo{}, errRelayChainClientRequired
}

// loggingParticipator satisfies dispute.Participator by logging every
// dispatch; a production node instead forwards to the approval-voting and
// candidate-validation subsystems to actually re-execute the candidate.
type loggingParticipator struct{}

func (loggingParticipator) Participate(req dispute.ParticipationRequest) {
	logger.Infof("dispute participation requested for candidate %x (session %d)",
		req.CandidateHash.Value, req.Session)
}
