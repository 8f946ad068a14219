// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package collationgeneration

import (
	"context"
	"testing"
	"time"

	networkbridge "github.com/ChainSafe/gossamer/dot/parachain/network-bridge"
	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/ChainSafe/gossamer/lib/keystore"
	"github.com/stretchr/testify/require"
)

type fakeCores struct {
	cores []ScheduledCore
	err   error
}

func (f *fakeCores) ScheduledCores(common.Hash) ([]ScheduledCore, error) { return f.cores, f.err }

type fakeValidation struct {
	data *parachaintypes.PersistedValidationData
	code parachaintypes.ValidationCodeHash
}

func (f *fakeValidation) PersistedValidationData(parachaintypes.ParaId, common.Hash) (
	*parachaintypes.PersistedValidationData, error) {
	return f.data, nil
}

func (f *fakeValidation) ValidationCodeHash(parachaintypes.ParaId, common.Hash) (
	parachaintypes.ValidationCodeHash, error) {
	return f.code, nil
}

type fakeErasureCoder struct{ root common.Hash }

func (f *fakeErasureCoder) ErasureRoot(AvailableData, uint32) (common.Hash, error) { return f.root, nil }

func newTestCollator(t *testing.T) keystore.KeyPair {
	t.Helper()
	ks := keystore.New()
	kp, err := sr25519.GenerateKeypair()
	require.NoError(t, err)
	return ks.Insert(kp)
}

func TestBuildAndDistributeEmitsExactlyOneDistributeCollation(t *testing.T) {
	overseerChan := make(chan any, 4)
	cores := &fakeCores{cores: []ScheduledCore{{ParaID: 1, Occupied: false}}}
	validation := &fakeValidation{
		data: &parachaintypes.PersistedValidationData{ParentHead: []byte("parent"), MaxPovSize: 1024},
		code: parachaintypes.ValidationCodeHash{1},
	}
	erasure := &fakeErasureCoder{root: common.Hash{7}}

	cg := New(overseerChan, cores, validation, erasure)
	collator := newTestCollator(t)
	collatorFn := func(_ context.Context, _ common.Hash, _ parachaintypes.PersistedValidationData) (CollationResult, error) {
		return CollationResult{PoV: parachaintypes.PoV{BlockData: []byte("block")}}, nil
	}

	require.NoError(t, cg.initialize(Config{ParaID: 1, Collator: collator, CollatorFn: collatorFn, NumValidators: 5}))

	cg.onActivatedLeaf(common.Hash{1})
	cg.wg.Wait()

	require.Len(t, overseerChan, 1)
	msg := <-overseerChan
	dc, ok := msg.(networkbridge.DistributeCollation)
	require.True(t, ok)
	require.Equal(t, parachaintypes.ParaId(1), dc.Receipt.Descriptor.ParaID)
}

func TestOnActivatedLeafSkipsOccupiedCores(t *testing.T) {
	overseerChan := make(chan any, 4)
	cores := &fakeCores{cores: []ScheduledCore{{ParaID: 1, Occupied: true}}}
	validation := &fakeValidation{data: &parachaintypes.PersistedValidationData{}}
	erasure := &fakeErasureCoder{}

	cg := New(overseerChan, cores, validation, erasure)
	collator := newTestCollator(t)
	require.NoError(t, cg.initialize(Config{ParaID: 1, Collator: collator, CollatorFn: func(
		context.Context, common.Hash, parachaintypes.PersistedValidationData) (CollationResult, error) {
		t.Fatal("collator function should not be called for an occupied core")
		return CollationResult{}, nil
	}}))

	cg.onActivatedLeaf(common.Hash{1})
	cg.wg.Wait()

	require.Empty(t, overseerChan)
}

func TestDoubleInitializeRejected(t *testing.T) {
	cg := New(make(chan any, 1), &fakeCores{}, &fakeValidation{}, &fakeErasureCoder{})
	collator := newTestCollator(t)
	require.NoError(t, cg.initialize(Config{ParaID: 1, Collator: collator}))
	err := cg.initialize(Config{ParaID: 2, Collator: collator})
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestRunTerminatesOnSecondInitialize(t *testing.T) {
	overseerChan := make(chan any, 1)
	cg := New(overseerChan, &fakeCores{}, &fakeValidation{}, &fakeErasureCoder{})
	toSub := make(chan any)
	cg.Run(context.Background(), make(chan any), toSub, overseerChan)

	collator := newTestCollator(t)
	toSub <- Initialize{Config: Config{ParaID: 1, Collator: collator}}
	toSub <- Initialize{Config: Config{ParaID: 2, Collator: collator}}

	done := make(chan struct{})
	go func() {
		cg.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subsystem did not terminate after double initialize")
	}
}
