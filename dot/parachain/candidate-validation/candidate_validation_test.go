// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package candidatevalidation

import (
	"context"
	"testing"

	parachainruntime "github.com/ChainSafe/gossamer/dot/parachain/runtime"
	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/stretchr/testify/require"
)

type fakeValidationHost struct {
	result *parachainruntime.WorkerValidationResult
	err    error
}

func (f *fakeValidationHost) ValidateBlock(context.Context, parachainruntime.ValidationParameters,
	parachaintypes.ValidationCode) (*parachainruntime.WorkerValidationResult, error) {
	return f.result, f.err
}

func signedDescriptor(t *testing.T, pov parachaintypes.PoV, pvd parachaintypes.PersistedValidationData,
	code parachaintypes.ValidationCode) parachaintypes.CandidateDescriptor {
	t.Helper()

	kp, err := sr25519.GenerateKeypair()
	require.NoError(t, err)

	povHash, err := pov.Hash()
	require.NoError(t, err)
	pvdHash, err := pvd.Hash()
	require.NoError(t, err)

	var collator parachaintypes.CollatorID
	copy(collator[:], kp.Public().Encode())

	desc := parachaintypes.CandidateDescriptor{
		ParaID:             1,
		RelayParent:        common.Hash{9},
		Collator:           collator,
		PovHash:            povHash,
		ValidationDataHash: pvdHash,
		ValidationCodeHash: code.Hash(),
	}

	payload, err := desc.SigningPayload()
	require.NoError(t, err)
	sig, err := kp.Sign(payload)
	require.NoError(t, err)
	copy(desc.Signature[:], sig)

	return desc
}

func TestPerformBasicChecks(t *testing.T) {
	pov := parachaintypes.PoV{BlockData: []byte("block")}
	pvd := parachaintypes.PersistedValidationData{ParentHead: []byte("parent"), MaxPovSize: 1024}
	code := parachaintypes.ValidationCode("code")
	desc := signedDescriptor(t, pov, pvd, code)

	t.Run("valid descriptor passes", func(t *testing.T) {
		ci, err := performBasicChecks(&desc, pvd.MaxPovSize, pov, code.Hash())
		require.NoError(t, err)
		require.Nil(t, ci)
	})

	t.Run("PoV hash mismatch", func(t *testing.T) {
		tampered := pov
		tampered.BlockData = []byte("tampered")
		ci, err := performBasicChecks(&desc, pvd.MaxPovSize, tampered, code.Hash())
		require.NoError(t, err)
		require.NotNil(t, ci)
		require.Equal(t, PoVHashMismatch, *ci)
	})

	t.Run("code hash mismatch", func(t *testing.T) {
		ci, err := performBasicChecks(&desc, pvd.MaxPovSize, pov, parachaintypes.ValidationCodeHash{1})
		require.NoError(t, err)
		require.NotNil(t, ci)
		require.Equal(t, CodeHashMismatch, *ci)
	})

	t.Run("PoV too large", func(t *testing.T) {
		ci, err := performBasicChecks(&desc, 1, pov, code.Hash())
		require.NoError(t, err)
		require.NotNil(t, ci)
		require.Equal(t, ParamsTooLarge, *ci)
	})

	t.Run("bad collator signature", func(t *testing.T) {
		bad := desc
		bad.Signature[0] ^= 0xff
		ci, err := performBasicChecks(&bad, pvd.MaxPovSize, pov, code.Hash())
		require.NoError(t, err)
		require.NotNil(t, ci)
		require.Equal(t, BadSignature, *ci)
	})
}

func TestValidateFromExhaustive_Valid(t *testing.T) {
	pov := parachaintypes.PoV{BlockData: []byte("block")}
	pvd := parachaintypes.PersistedValidationData{ParentHead: []byte("parent"), MaxPovSize: 1024}
	code := parachaintypes.ValidationCode("code")
	desc := signedDescriptor(t, pov, pvd, code)
	receipt := parachaintypes.CandidateReceipt{Descriptor: desc}

	host := &fakeValidationHost{result: &parachainruntime.WorkerValidationResult{HeadData: []byte("head")}}

	result, err := validateFromExhaustive(host, pvd, nil, code, receipt, pov)
	require.NoError(t, err)
	require.NotNil(t, result.ValidResult)
	require.Nil(t, result.InvalidResult)
	require.Equal(t, []byte("head"), result.ValidResult.CandidateCommitments.HeadData)
}

func TestValidateFromExhaustive_InvalidBasicCheck(t *testing.T) {
	pov := parachaintypes.PoV{BlockData: []byte("block")}
	pvd := parachaintypes.PersistedValidationData{ParentHead: []byte("parent"), MaxPovSize: 1024}
	code := parachaintypes.ValidationCode("code")
	desc := signedDescriptor(t, pov, pvd, code)
	desc.PovHash = common.Hash{0xff}
	receipt := parachaintypes.CandidateReceipt{Descriptor: desc}

	host := &fakeValidationHost{}
	result, err := validateFromExhaustive(host, pvd, nil, code, receipt, pov)
	require.NoError(t, err)
	require.Nil(t, result.ValidResult)
	require.NotNil(t, result.InvalidResult)
	require.Equal(t, PoVHashMismatch, *result.InvalidResult)
}

func TestValidateFromExhaustive_WorkerTimeout(t *testing.T) {
	pov := parachaintypes.PoV{BlockData: []byte("block")}
	pvd := parachaintypes.PersistedValidationData{ParentHead: []byte("parent"), MaxPovSize: 1024}
	code := parachaintypes.ValidationCode("code")
	desc := signedDescriptor(t, pov, pvd, code)
	receipt := parachaintypes.CandidateReceipt{Descriptor: desc}

	host := &fakeValidationHost{err: parachainruntime.ErrWorkerTimeout}
	result, err := validateFromExhaustive(host, pvd, nil, code, receipt, pov)
	require.NoError(t, err)
	require.NotNil(t, result.InvalidResult)
	require.Equal(t, Timeout, *result.InvalidResult)
}

func TestPostCheck(t *testing.T) {
	t.Run("nil transient always passes", func(t *testing.T) {
		require.Nil(t, postCheck(nil, &parachainruntime.WorkerValidationResult{HeadData: make([]byte, 1000)}))
	})

	t.Run("head data too large", func(t *testing.T) {
		transient := &TransientValidationData{MaxHeadDataSize: 4}
		ci := postCheck(transient, &parachainruntime.WorkerValidationResult{HeadData: []byte("too long")})
		require.NotNil(t, ci)
		require.Equal(t, BadReturn, *ci)
	})

	t.Run("code upgrade not allowed", func(t *testing.T) {
		transient := &TransientValidationData{CodeUpgradeAllowed: false}
		newCode := parachaintypes.ValidationCode("new")
		ci := postCheck(transient, &parachainruntime.WorkerValidationResult{NewValidationCode: &newCode})
		require.NotNil(t, ci)
		require.Equal(t, BadReturn, *ci)
	})

	t.Run("code upgrade within limits", func(t *testing.T) {
		transient := &TransientValidationData{CodeUpgradeAllowed: true, MaxNewValidationCodeSize: 10}
		newCode := parachaintypes.ValidationCode("new")
		ci := postCheck(transient, &parachainruntime.WorkerValidationResult{NewValidationCode: &newCode})
		require.Nil(t, ci)
	})
}

type fakeRuntimeInstance struct {
	included *parachaintypes.PersistedValidationData
	timedOut *parachaintypes.PersistedValidationData
	code     *parachaintypes.ValidationCode
}

func (f *fakeRuntimeInstance) ParachainHostPersistedValidationData(_ parachaintypes.ParaId,
	assumption parachaintypes.OccupiedCoreAssumption) (*parachaintypes.PersistedValidationData, error) {
	val, err := assumption.Value()
	if err != nil {
		return nil, err
	}
	switch val.(type) {
	case parachaintypes.IncludedOccupiedCoreAssumption:
		if f.included == nil {
			return nil, context.DeadlineExceeded
		}
		return f.included, nil
	case parachaintypes.TimedOutOccupiedCoreAssumption:
		if f.timedOut == nil {
			return nil, context.DeadlineExceeded
		}
		return f.timedOut, nil
	default:
		return nil, context.DeadlineExceeded
	}
}

func (f *fakeRuntimeInstance) ParachainHostValidationCode(parachaintypes.ParaId,
	parachaintypes.OccupiedCoreAssumption) (*parachaintypes.ValidationCode, error) {
	return f.code, nil
}

func TestGetValidationData_FallsBackToTimedOut(t *testing.T) {
	code := parachaintypes.ValidationCode("code")
	timedOut := &parachaintypes.PersistedValidationData{ParentHead: []byte("timed-out")}
	rt := &fakeRuntimeInstance{timedOut: timedOut, code: &code}

	pvd, gotCode, err := getValidationData(rt, 1)
	require.NoError(t, err)
	require.Equal(t, timedOut, pvd)
	require.Equal(t, &code, gotCode)
}

func TestGetValidationData_NeitherAssumptionResolves(t *testing.T) {
	rt := &fakeRuntimeInstance{}
	_, _, err := getValidationData(rt, 1)
	require.Error(t, err)
}
