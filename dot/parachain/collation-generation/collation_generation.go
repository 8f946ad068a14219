// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package collationgeneration implements the per-leaf, per-scheduled-core
// fan-out that produces candidate receipts for a configured parachain.
package collationgeneration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	networkbridge "github.com/ChainSafe/gossamer/dot/parachain/network-bridge"
	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/internal/log"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/lib/keystore"
)

var logger = log.NewFromGlobal(log.AddContext("pkg", "parachain-collation-generation"))

// ErrAlreadyInitialized is returned when Initialize is sent a second time.
var ErrAlreadyInitialized = errors.New("collation generation: already initialized")

// ScheduledCore describes one core a leaf's relay-parent has scheduled a
// parachain onto.
type ScheduledCore struct {
	ParaID   parachaintypes.ParaId
	Occupied bool
}

// ScheduledCoresQuerier resolves the cores scheduled at a relay-parent,
// an external collaborator representing on-chain runtime state.
type ScheduledCoresQuerier interface {
	ScheduledCores(relayParent common.Hash) ([]ScheduledCore, error)
}

// ValidationDataQuerier resolves the persisted validation data a new
// candidate must build on, another runtime-state collaborator.
type ValidationDataQuerier interface {
	PersistedValidationData(paraID parachaintypes.ParaId, relayParent common.Hash) (
		*parachaintypes.PersistedValidationData, error)
	ValidationCodeHash(paraID parachaintypes.ParaId, relayParent common.Hash) (
		parachaintypes.ValidationCodeHash, error)
}

// AvailableData is the payload an ErasureCoder commits to: the validation
// data a candidate builds on together with its PoV.
type AvailableData struct {
	ValidationData parachaintypes.PersistedValidationData
	PoV            parachaintypes.PoV
}

// ErasureCoder is the external erasure-coding/Merkle-commitment primitive
// that turns a candidate's available data into its erasure root.
type ErasureCoder interface {
	ErasureRoot(data AvailableData, numValidators uint32) (common.Hash, error)
}

// CollationResult is what the caller-supplied collator function produces
// for a given leaf: a PoV and the commitments it yields.
type CollationResult struct {
	PoV         parachaintypes.PoV
	Commitments parachaintypes.CandidateCommitments
}

// CollatorFunc builds a candidate on top of the persisted validation data
// for relayParent.
type CollatorFunc func(ctx context.Context, relayParent common.Hash,
	validationData parachaintypes.PersistedValidationData) (CollationResult, error)

// Config is set exactly once per subsystem lifetime.
type Config struct {
	ParaID        parachaintypes.ParaId
	Collator      keystore.KeyPair
	CollatorFn    CollatorFunc
	NumValidators uint32
}

// Initialize is the one-shot message that sets the subsystem's Config.
type Initialize struct {
	Config Config
}

// CollationGeneration is the Collation Generation subsystem.
type CollationGeneration struct {
	wg       sync.WaitGroup
	stopChan chan struct{}

	SubsystemToOverseer chan<- any
	OverseerToSubsystem <-chan any
	OverseerSignals     <-chan any

	cores       ScheduledCoresQuerier
	validation  ValidationDataQuerier
	erasure     ErasureCoder

	mu     sync.Mutex
	config *Config
}

// New constructs a CollationGeneration subsystem, wired to its runtime and
// erasure-coding collaborators.
func New(overseerChan chan<- any, cores ScheduledCoresQuerier,
	validation ValidationDataQuerier, erasure ErasureCoder) *CollationGeneration {
	return &CollationGeneration{
		SubsystemToOverseer: overseerChan,
		stopChan:            make(chan struct{}),
		cores:               cores,
		validation:          validation,
		erasure:             erasure,
	}
}

func (*CollationGeneration) Name() parachaintypes.SubSystemName { return parachaintypes.CollationGeneration }

// Run starts the subsystem's message loop.
func (cg *CollationGeneration) Run(_ context.Context, signals <-chan any, overseerToSubsystem <-chan any,
	subsystemToOverseer chan<- any) {
	cg.OverseerSignals = signals
	cg.OverseerToSubsystem = overseerToSubsystem
	cg.SubsystemToOverseer = subsystemToOverseer
	cg.wg.Add(1)
	go cg.processMessages(&cg.wg)
}

func (cg *CollationGeneration) Stop() {
	close(cg.stopChan)
	cg.wg.Wait()
}

func (*CollationGeneration) ProcessBlockFinalizedSignal(parachaintypes.BlockFinalizedSignal) error { return nil }

func (cg *CollationGeneration) ProcessActiveLeavesUpdateSignal(signal parachaintypes.ActiveLeavesUpdateSignal) error {
	if signal.Activated == nil {
		return nil
	}
	cg.onActivatedLeaf(signal.Activated.Hash)
	return nil
}

func (cg *CollationGeneration) processMessages(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case sig := <-cg.OverseerSignals:
			if cg.handleSignal(sig) {
				return
			}
			continue
		default:
		}

		select {
		case sig := <-cg.OverseerSignals:
			if cg.handleSignal(sig) {
				return
			}

		case msg := <-cg.OverseerToSubsystem:
			switch m := msg.(type) {
			case Initialize:
				if err := cg.initialize(m.Config); err != nil {
					logger.Errorf("initializing collation generation: %s", err)
					return
				}
			default:
				logger.Warnf("%s: unhandled message type %T", parachaintypes.ErrUnknownOverseerMessage, m)
			}
		case <-cg.stopChan:
			return
		}
	}
}

// handleSignal dispatches one lifecycle signal and reports whether the
// subsystem should exit.
func (cg *CollationGeneration) handleSignal(sig any) bool {
	switch s := sig.(type) {
	case parachaintypes.ActiveLeavesUpdateSignal:
		_ = cg.ProcessActiveLeavesUpdateSignal(s)
	case parachaintypes.BlockFinalizedSignal:
	case parachaintypes.ConcludeSignal:
		return true
	}
	return false
}

func (cg *CollationGeneration) initialize(config Config) error {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	if cg.config != nil {
		return ErrAlreadyInitialized
	}
	cg.config = &config
	return nil
}

func (cg *CollationGeneration) activeConfig() *Config {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	return cg.config
}

// onActivatedLeaf fans out one goroutine per matching, unoccupied scheduled
// core at leafHash.
func (cg *CollationGeneration) onActivatedLeaf(leafHash common.Hash) {
	config := cg.activeConfig()
	if config == nil {
		return
	}

	cores, err := cg.cores.ScheduledCores(leafHash)
	if err != nil {
		logger.Errorf("querying scheduled cores at %s: %s", leafHash, err)
		return
	}

	for _, core := range cores {
		if core.ParaID != config.ParaID || core.Occupied {
			continue
		}
		cg.wg.Add(1)
		go func() {
			defer cg.wg.Done()
			if err := cg.buildAndDistribute(context.Background(), leafHash, config); err != nil {
				logger.Errorf("building collation at leaf %s: %s", leafHash, err)
			}
		}()
	}
}

// buildAndDistribute fetches validation data, runs the collator function,
// computes the erasure root, and distributes the resulting collation.
func (cg *CollationGeneration) buildAndDistribute(ctx context.Context, relayParent common.Hash, config *Config) error {
	validationData, err := cg.validation.PersistedValidationData(config.ParaID, relayParent)
	if err != nil {
		return fmt.Errorf("fetching persisted validation data: %w", err)
	}

	result, err := config.CollatorFn(ctx, relayParent, *validationData)
	if err != nil {
		return fmt.Errorf("running collator function: %w", err)
	}

	povHash, err := result.PoV.Hash()
	if err != nil {
		return fmt.Errorf("hashing PoV: %w", err)
	}

	erasureRoot, err := cg.erasure.ErasureRoot(AvailableData{
		ValidationData: *validationData,
		PoV:            result.PoV,
	}, config.NumValidators)
	if err != nil {
		return fmt.Errorf("computing erasure root: %w", err)
	}
	result.Commitments.ErasureRoot = erasureRoot

	commitmentsHash, err := result.Commitments.Hash()
	if err != nil {
		return fmt.Errorf("hashing commitments: %w", err)
	}

	validationDataHash, err := validationData.Hash()
	if err != nil {
		return fmt.Errorf("hashing validation data: %w", err)
	}

	validationCodeHash, err := cg.validation.ValidationCodeHash(config.ParaID, relayParent)
	if err != nil {
		return fmt.Errorf("fetching validation code hash: %w", err)
	}

	descriptor := parachaintypes.CandidateDescriptor{
		ParaID:             config.ParaID,
		RelayParent:        relayParent,
		PovHash:            povHash,
		ValidationDataHash: validationDataHash,
		ValidationCodeHash: validationCodeHash,
	}
	copy(descriptor.Collator[:], config.Collator.Public().Encode())

	payload, err := descriptor.SigningPayload()
	if err != nil {
		return fmt.Errorf("building signing payload: %w", err)
	}
	sig, err := config.Collator.Sign(payload)
	if err != nil {
		return fmt.Errorf("signing candidate descriptor: %w", err)
	}
	copy(descriptor.Signature[:], sig)

	receipt := parachaintypes.CandidateReceipt{
		Descriptor:      descriptor,
		CommitmentsHash: commitmentsHash,
	}

	msg := networkbridge.DistributeCollation{Receipt: receipt, PoV: result.PoV}
	select {
	case cg.SubsystemToOverseer <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
