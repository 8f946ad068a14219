// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package availabilitystore

import (
	"testing"

	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/internal/database"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *AvailabilityStore {
	t.Helper()
	db, err := database.NewPebbleDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

// TestAvailabilityFinalizationScenario covers two candidates queued at the
// same relay parent where only one of them makes it into the finalized set.
func TestAvailabilityFinalizationScenario(t *testing.T) {
	store := newTestStore(t)

	relayParent := common.Hash{0x01}
	candidateA := parachaintypes.CandidateHash{Value: common.Hash{0x02}}
	candidateB := parachaintypes.CandidateHash{Value: common.Hash{0x03}}

	require.NoError(t, store.MakeAvailable(relayParent, candidateA, AvailabilityRecord{BlockData: []byte("a-data")}))
	require.NoError(t, store.MakeAvailable(relayParent, candidateB, AvailabilityRecord{BlockData: []byte("b-data")}))

	require.NoError(t, store.CandidatesFinalized(relayParent, map[parachaintypes.CandidateHash]struct{}{
		candidateA: {},
	}))

	data, ok, err := store.BlockData(relayParent, candidateA)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a-data"), data)

	_, ok, err = store.BlockData(relayParent, candidateB)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueueByRootPersistsAcrossFinalization(t *testing.T) {
	store := newTestStore(t)

	relayParent := common.Hash{0x10}
	candidate := parachaintypes.CandidateHash{Value: common.Hash{0x11}}
	root := common.Hash{0x20}

	require.NoError(t, store.MakeAvailable(relayParent, candidate, AvailabilityRecord{
		BlockData: []byte("data"),
		Queues:    []QueueEntry{{Root: root, Messages: [][]byte{[]byte("msg-1"), []byte("msg-2")}}},
	}))

	require.NoError(t, store.CandidatesFinalized(relayParent, map[parachaintypes.CandidateHash]struct{}{}))

	messages, ok, err := store.QueueByRoot(root)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("msg-1"), []byte("msg-2")}, messages)
}

func TestCandidatesFinalizedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	relayParent := common.Hash{0x30}
	candidate := parachaintypes.CandidateHash{Value: common.Hash{0x31}}

	require.NoError(t, store.MakeAvailable(relayParent, candidate, AvailabilityRecord{BlockData: []byte("x")}))
	require.NoError(t, store.CandidatesFinalized(relayParent, nil))
	require.NoError(t, store.CandidatesFinalized(relayParent, nil))

	_, ok, err := store.BlockData(relayParent, candidate)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlockDataNotFound(t *testing.T) {
	store := newTestStore(t)
	_, ok, err := store.BlockData(common.Hash{0x99}, parachaintypes.CandidateHash{Value: common.Hash{0x98}})
	require.NoError(t, err)
	require.False(t, ok)
}
