// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package candidatevalidation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	parachainruntime "github.com/ChainSafe/gossamer/dot/parachain/runtime"
	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/internal/log"
	"github.com/ChainSafe/gossamer/lib/common"
)

var logger = log.NewFromGlobal(log.AddContext("pkg", "parachain-candidate-validation"))

var (
	ErrValidationCodeMismatch   = errors.New("validation code hash does not match")
	ErrValidationInputOverLimit = errors.New("validation input is over the limit")
)

// CandidateInvalidity enumerates why validateFromExhaustive rejected a
// candidate without an internal error occurring.
type CandidateInvalidity int

const (
	ParamsTooLarge CandidateInvalidity = iota
	CodeHashMismatch
	PoVHashMismatch
	BadSignature
	BadParent
	Timeout
	BadReturn
	ExecutionError
)

func (c CandidateInvalidity) String() string {
	switch c {
	case ParamsTooLarge:
		return "params too large"
	case CodeHashMismatch:
		return "validation code hash mismatch"
	case PoVHashMismatch:
		return "PoV hash mismatch"
	case BadSignature:
		return "bad collator signature"
	case BadParent:
		return "validation data hash does not match the resolved occupied-core assumption"
	case Timeout:
		return "validation worker timed out"
	case BadReturn:
		return "validation worker returned a malformed result"
	case ExecutionError:
		return "validation worker execution error"
	default:
		return "unknown invalidity"
	}
}

// ValidValidationResult carries the outputs of a successful validation.
type ValidValidationResult struct {
	CandidateCommitments    parachaintypes.CandidateCommitments
	PersistedValidationData parachaintypes.PersistedValidationData
}

// ValidationResult is either Valid(outputs) or Invalid(kind); exactly one
// of the two fields is non-nil.
type ValidationResult struct {
	ValidResult   *ValidValidationResult
	InvalidResult *CandidateInvalidity
}

// ValidateFromChainState resolves validation data from the runtime by
// trying occupied-core assumptions in sequence, then validates.
type ValidateFromChainState struct {
	CandidateReceipt parachaintypes.CandidateReceipt
	Pov              parachaintypes.PoV
	Ch               chan parachaintypes.OverseerFuncRes[ValidationResult]
}

// ValidateFromExhaustive validates with every input supplied explicitly,
// skipping runtime-data resolution.
type ValidateFromExhaustive struct {
	PersistedValidationData parachaintypes.PersistedValidationData
	TransientValidationData *TransientValidationData
	ValidationCode          parachaintypes.ValidationCode
	CandidateReceipt        parachaintypes.CandidateReceipt
	PoV                     parachaintypes.PoV
	Ch                      chan parachaintypes.OverseerFuncRes[ValidationResult]
}

// TransientValidationData are the per-assumption constraints a successful
// validation's outputs must satisfy.
type TransientValidationData struct {
	MaxHeadDataSize          uint32
	CodeUpgradeAllowed       bool
	MaxNewValidationCodeSize uint32
}

// PreCheck asks whether a parachain's validation code is well-formed,
// without fully validating a candidate against it.
type PreCheck struct {
	ParaID             parachaintypes.ParaId
	RelayParent        common.Hash
	ValidationCodeHash parachaintypes.ValidationCodeHash
}

// PoVRequestor gets proof of validity by issuing network requests to validators of the current backing group.
type PoVRequestor interface {
	RequestPoV(povHash common.Hash) parachaintypes.PoV
}

// CandidateValidation is a parachain subsystem that validates candidate parachain blocks
type CandidateValidation struct {
	wg       sync.WaitGroup
	stopChan chan struct{}

	SubsystemToOverseer chan<- any
	OverseerToSubsystem <-chan any
	OverseerSignals     <-chan any
	ValidationHost      parachainruntime.ValidationHost
	RuntimeInstance     parachainruntime.RuntimeInstance
}

// NewCandidateValidation creates a new CandidateValidation subsystem
func NewCandidateValidation(overseerChan chan<- any) *CandidateValidation {
	candidateValidation := CandidateValidation{
		SubsystemToOverseer: overseerChan,
		stopChan:            make(chan struct{}),
	}
	return &candidateValidation
}

// Run starts the CandidateValidation subsystem
func (cv *CandidateValidation) Run(_ context.Context, signals <-chan any, overseerToSubsystem <-chan any,
	subsystemToOverseer chan<- any) {
	cv.OverseerSignals = signals
	cv.OverseerToSubsystem = overseerToSubsystem
	cv.SubsystemToOverseer = subsystemToOverseer
	cv.wg.Add(1)
	go cv.processMessages(&cv.wg)
}

// Name returns the name of the subsystem
func (*CandidateValidation) Name() parachaintypes.SubSystemName {
	return parachaintypes.CandidateValidation
}

// ProcessActiveLeavesUpdateSignal processes active leaves update signal
func (*CandidateValidation) ProcessActiveLeavesUpdateSignal(parachaintypes.ActiveLeavesUpdateSignal) error {
	// NOTE: this subsystem does not process active leaves update signal
	return nil
}

// ProcessBlockFinalizedSignal processes block finalized signal
func (*CandidateValidation) ProcessBlockFinalizedSignal(parachaintypes.BlockFinalizedSignal) error {
	// NOTE: this subsystem does not process block finalized signal
	return nil
}

// Stop stops the CandidateValidation subsystem
func (cv *CandidateValidation) Stop() {
	close(cv.stopChan)
	cv.wg.Wait()
}

// processMessages processes messages sent to the CandidateValidation
// subsystem, giving the signal channel priority over the message inbox.
func (cv *CandidateValidation) processMessages(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case sig := <-cv.OverseerSignals:
			if cv.handleSignal(sig) {
				return
			}
			continue
		default:
		}

		select {
		case sig := <-cv.OverseerSignals:
			if cv.handleSignal(sig) {
				return
			}

		case msg := <-cv.OverseerToSubsystem:
			logger.Debugf("received message %v", msg)
			switch msg := msg.(type) {
			case ValidateFromChainState:
				result, err := validateFromChainState(cv.RuntimeInstance, cv.ValidationHost, msg.Pov, msg.CandidateReceipt)
				reply(msg.Ch, result, err)

			case ValidateFromExhaustive:
				result, err := validateFromExhaustive(cv.ValidationHost, msg.PersistedValidationData,
					msg.TransientValidationData, msg.ValidationCode, msg.CandidateReceipt, msg.PoV)
				reply(msg.Ch, result, err)

			case PreCheck:
				// NOTE: validation code well-formedness checking is delegated to the
				// (out-of-scope) WASM executor; this subsystem does not implement it.
				logger.Debugf("pre-check requested for para %d, not implemented", msg.ParaID)

			default:
				logger.Errorf("%s: %T", parachaintypes.ErrUnknownOverseerMessage, msg)
			}

		case <-cv.stopChan:
			return
		}
	}
}

// handleSignal dispatches one lifecycle signal and reports whether the
// subsystem should exit.
func (cv *CandidateValidation) handleSignal(sig any) bool {
	switch s := sig.(type) {
	case parachaintypes.ActiveLeavesUpdateSignal:
		_ = cv.ProcessActiveLeavesUpdateSignal(s)
	case parachaintypes.BlockFinalizedSignal:
		_ = cv.ProcessBlockFinalizedSignal(s)
	case parachaintypes.ConcludeSignal:
		return true
	}
	return false
}

func reply(ch chan parachaintypes.OverseerFuncRes[ValidationResult], result *ValidationResult, err error) {
	if ch == nil {
		return
	}
	if err != nil {
		logger.Errorf("validation failed: %s", err)
		ch <- parachaintypes.OverseerFuncRes[ValidationResult]{Err: err}
		return
	}
	ch <- parachaintypes.OverseerFuncRes[ValidationResult]{Data: *result}
}

// getValidationData gets validation data for a parachain block from the runtime instance,
// trying the Included assumption and then the TimedOut assumption. The Free assumption is not tried.
// The first assumption whose persisted validation data resolves without error is returned.
func getValidationData(runtimeInstance parachainruntime.RuntimeInstance, paraID parachaintypes.ParaId,
) (*parachaintypes.PersistedValidationData, *parachaintypes.ValidationCode, error) {

	var mergedError error

	for _, assumptionValue := range []parachaintypes.OccupiedCoreAssumption{
		mustAssumption(parachaintypes.IncludedOccupiedCoreAssumption{}),
		mustAssumption(parachaintypes.TimedOutOccupiedCoreAssumption{}),
	} {
		persistedValidationData, err := runtimeInstance.ParachainHostPersistedValidationData(paraID, assumptionValue)
		if err != nil {
			mergedError = errors.Join(mergedError, err)
			continue
		}

		validationCode, err := runtimeInstance.ParachainHostValidationCode(paraID, assumptionValue)
		if err != nil {
			return nil, nil, fmt.Errorf("getting validation code: %w", err)
		}

		return persistedValidationData, validationCode, nil
	}

	return nil, nil, fmt.Errorf("getting persisted validation data: %w", mergedError)
}

func mustAssumption(val any) parachaintypes.OccupiedCoreAssumption {
	assumption := parachaintypes.NewOccupiedCoreAssumption()
	if err := assumption.SetValue(val); err != nil {
		panic(err)
	}
	return assumption
}

// validateFromChainState validates a candidate parachain block with provided parameters using relay-chain
// state and using the parachain runtime.
func validateFromChainState(runtimeInstance parachainruntime.RuntimeInstance, validationHost parachainruntime.ValidationHost,
	pov parachaintypes.PoV, candidateReceipt parachaintypes.CandidateReceipt) (
	*ValidationResult, error) {

	persistedValidationData, validationCode, err := getValidationData(runtimeInstance,
		candidateReceipt.Descriptor.ParaID)
	if err != nil {
		return nil, fmt.Errorf("getting validation data: %w", err)
	}

	// the descriptor's ValidationDataHash must match the assumption we just
	// resolved; otherwise the candidate is invalid. Only that one assumption
	// is compared: a mismatch yields BadParent without trying TimedOut.
	pvdHash, err := persistedValidationData.Hash()
	if err != nil {
		return nil, fmt.Errorf("hashing persisted validation data: %w", err)
	}
	if pvdHash != candidateReceipt.Descriptor.ValidationDataHash {
		invalid := BadParent
		return &ValidationResult{InvalidResult: &invalid}, nil
	}

	return validateFromExhaustive(validationHost, *persistedValidationData, nil, *validationCode,
		candidateReceipt, pov)
}

// validateFromExhaustive validates a candidate parachain block with provided parameters
func validateFromExhaustive(validationHost parachainruntime.ValidationHost,
	persistedValidationData parachaintypes.PersistedValidationData,
	transient *TransientValidationData,
	validationCode parachaintypes.ValidationCode,
	candidateReceipt parachaintypes.CandidateReceipt, pov parachaintypes.PoV) (
	*ValidationResult, error) {

	validationCodeHash := validationCode.Hash()
	// basic checks
	validationErr, internalErr := performBasicChecks(&candidateReceipt.Descriptor, persistedValidationData.MaxPovSize,
		pov,
		validationCodeHash)
	if validationErr != nil || internalErr != nil {
		return &ValidationResult{InvalidResult: validationErr}, internalErr
	}

	validationParams := parachainruntime.ValidationParameters{
		ParentHeadData:         persistedValidationData.ParentHead,
		BlockData:              pov.BlockData,
		RelayParentNumber:      persistedValidationData.RelayParentNumber,
		RelayParentStorageRoot: persistedValidationData.RelayParentStorageRoot,
	}

	workerResult, err := validationHost.ValidateBlock(context.Background(), validationParams, validationCode)
	if err != nil {
		if ci := workerErrToInvalidity(err); ci != nil {
			return &ValidationResult{InvalidResult: ci}, nil
		}
		return nil, fmt.Errorf("executing validate_block: %w", err)
	}

	if ci := postCheck(transient, workerResult); ci != nil {
		return &ValidationResult{InvalidResult: ci}, nil
	}

	result := &ValidationResult{
		ValidResult: &ValidValidationResult{
			CandidateCommitments: parachaintypes.CandidateCommitments{
				UpwardMessages:            workerResult.UpwardMessages,
				HorizontalMessages:        workerResult.HorizontalMessages,
				NewValidationCode:         workerResult.NewValidationCode,
				HeadData:                  workerResult.HeadData,
				ProcessedDownwardMessages: workerResult.ProcessedDownwardMessages,
				HrmpWatermark:             workerResult.HrmpWatermark,
			},
			PersistedValidationData: persistedValidationData,
		},
	}
	return result, nil
}

// workerErrToInvalidity classifies worker failures as
// a CandidateInvalidity, or returns nil when the error should surface as an
// internal error instead.
func workerErrToInvalidity(err error) *CandidateInvalidity {
	var ci CandidateInvalidity
	switch {
	case errors.Is(err, parachainruntime.ErrWorkerTimeout):
		ci = Timeout
	case errors.Is(err, parachainruntime.ErrWorkerParamsTooLarge), errors.Is(err, parachainruntime.ErrWorkerCodeTooLarge):
		ci = ParamsTooLarge
	case errors.Is(err, parachainruntime.ErrWorkerBadReturn):
		ci = BadReturn
	case errors.Is(err, parachainruntime.ErrWorkerExecution):
		ci = ExecutionError
	default:
		return nil
	}
	return &ci
}

// postCheck enforces the transient constraints supplied alongside an
// exhaustive request.
func postCheck(transient *TransientValidationData, result *parachainruntime.WorkerValidationResult) *CandidateInvalidity {
	if transient == nil {
		return nil
	}
	if transient.MaxHeadDataSize != 0 && uint32(len(result.HeadData)) > transient.MaxHeadDataSize {
		ci := BadReturn
		return &ci
	}
	if result.NewValidationCode != nil {
		if !transient.CodeUpgradeAllowed {
			ci := BadReturn
			return &ci
		}
		if transient.MaxNewValidationCodeSize != 0 &&
			uint32(len(*result.NewValidationCode)) > transient.MaxNewValidationCodeSize {
			ci := CodeHashMismatch
			return &ci
		}
	}
	return nil
}

// performBasicChecks Does basic checks of a candidate. Provide the encoded PoV-block.
// Returns CandidateInvalidity and internal error if any.
func performBasicChecks(candidate *parachaintypes.CandidateDescriptor, maxPoVSize uint32,
	pov parachaintypes.PoV, validationCodeHash parachaintypes.ValidationCodeHash) (validationError *CandidateInvalidity,
	internalError error) {
	povHash, err := pov.Hash()
	if err != nil {
		return nil, fmt.Errorf("hashing PoV: %w", err)
	}

	if povHash != candidate.PovHash {
		ci := PoVHashMismatch
		return &ci, nil
	}

	encodedPoV, err := pov.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding PoV: %w", err)
	}
	encodedPoVSize := uint32(len(encodedPoV))

	if maxPoVSize != 0 && encodedPoVSize > maxPoVSize {
		ci := ParamsTooLarge
		return &ci, nil
	}

	if validationCodeHash != candidate.ValidationCodeHash {
		ci := CodeHashMismatch
		return &ci, nil
	}

	if err := candidate.CheckCollatorSignature(); err != nil {
		ci := BadSignature
		return &ci, nil
	}
	return nil, nil
}
