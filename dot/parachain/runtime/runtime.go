// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package runtime defines the boundary between the candidate-validation
// subsystem and its two external collaborators: the
// on-chain runtime API, and the sandboxed WASM validation worker. Neither
// collaborator's internals are implemented here; this package only
// declares the interfaces and the host-side framing of the worker
// protocol.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/lib/common"
)

// RuntimeInstance is the request/response interface onto on-chain state,
// keyed by relay-parent hash, that candidate validation consumes. A concrete implementation talks to the relay-chain
// client; that wiring lives outside this core.
type RuntimeInstance interface {
	ParachainHostPersistedValidationData(
		paraID parachaintypes.ParaId,
		assumption parachaintypes.OccupiedCoreAssumption,
	) (*parachaintypes.PersistedValidationData, error)

	ParachainHostValidationCode(
		paraID parachaintypes.ParaId,
		assumption parachaintypes.OccupiedCoreAssumption,
	) (*parachaintypes.ValidationCode, error)
}

// ValidationParameters are handed to the external worker: everything it
// needs to re-execute the parachain validation function.
type ValidationParameters struct {
	ParentHeadData         []byte
	BlockData              []byte
	RelayParentNumber      parachaintypes.BlockNumber
	RelayParentStorageRoot common.Hash
}

// WorkerValidationResult is what a successful worker execution returns.
type WorkerValidationResult struct {
	HeadData                  []byte
	UpwardMessages            [][]byte
	HorizontalMessages        []parachaintypes.OutboundHrmpMessage
	NewValidationCode         *parachaintypes.ValidationCode
	ProcessedDownwardMessages uint32
	HrmpWatermark             parachaintypes.BlockNumber
}

// Sentinel worker failure classes.
var (
	ErrWorkerTimeout        = errors.New("validation worker: deadline exceeded")
	ErrWorkerParamsTooLarge = errors.New("validation worker: parameters too large")
	ErrWorkerCodeTooLarge   = errors.New("validation worker: validation code too large")
	ErrWorkerBadReturn      = errors.New("validation worker: malformed result header")
	ErrWorkerExecution      = errors.New("validation worker: execution error")
)

// maxParamsSize / maxCodeSize are the shared-region caps for the validation
// worker's memory-mapped parameter and code regions.
const (
	maxParamsSize = 16 * 1024 * 1024
	maxCodeSize   = 1 * 1024 * 1024
)

// ValidationHost is the host-side handle to the external, sandboxed WASM
// validation worker process. Implementations frame the
// (code_size, params_size) header, hand the shared region to the worker,
// wait on the result event under a deadline, and translate the worker's
// ValidationResultHeader back into a WorkerValidationResult or a typed
// error. The sandbox itself is out of this core's scope.
type ValidationHost interface {
	ValidateBlock(ctx context.Context, params ValidationParameters, code parachaintypes.ValidationCode) (*WorkerValidationResult, error)
}

// FramingValidationHost implements the host-side envelope (size caps,
// deadline wait) around a Worker that writes the header and payload and
// performs the actual attach/signal/read dance with the external process.
type FramingValidationHost struct {
	Worker  Worker
	Timeout time.Duration
}

// Worker is the low-level shared-memory protocol driver for a single
// external validation worker process.
type Worker interface {
	// Execute writes the header and payload into the shared region, signals
	// the worker, and blocks until the worker signals a result or ctx is done.
	Execute(ctx context.Context, params []byte, code []byte) (*WorkerValidationResult, error)
}

// ValidateBlock enforces the §6 size caps before ever touching the shared
// region, then delegates to the Worker under Timeout.
func (h *FramingValidationHost) ValidateBlock(
	ctx context.Context, params ValidationParameters, code parachaintypes.ValidationCode,
) (*WorkerValidationResult, error) {
	encodedParams, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding validation parameters: %w", err)
	}
	if len(encodedParams) > maxParamsSize {
		return nil, ErrWorkerParamsTooLarge
	}
	if len(code) > maxCodeSize {
		return nil, ErrWorkerCodeTooLarge
	}

	deadline := h.Timeout
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := h.Worker.Execute(callCtx, encodedParams, code)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrWorkerTimeout
		}
		return nil, fmt.Errorf("%w: %s", ErrWorkerExecution, err)
	}
	if result == nil {
		return nil, ErrWorkerBadReturn
	}
	return result, nil
}

func encodeParams(params ValidationParameters) ([]byte, error) {
	out := make([]byte, 0, len(params.ParentHeadData)+len(params.BlockData)+40)
	out = append(out, params.ParentHeadData...)
	out = append(out, params.BlockData...)
	return out, nil
}
