// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package dispute

import (
	"testing"
	"time"

	disputetypes "github.com/ChainSafe/gossamer/dot/parachain/dispute/types"
	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/internal/database"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/ChainSafe/gossamer/lib/keystore"
	"github.com/stretchr/testify/require"
)

type fakeParticipator struct {
	requests []ParticipationRequest
}

func (f *fakeParticipator) Participate(r ParticipationRequest) { f.requests = append(f.requests, r) }

func newTestCoordinator(t *testing.T, numValidators int) (*Coordinator, *SessionWindow, []*sr25519.Keypair, *fakeParticipator) {
	t.Helper()
	db, err := database.NewPebbleDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend := NewBackend(db)
	window := NewSessionWindow()

	keys := make([]*sr25519.Keypair, numValidators)
	validators := make([]parachaintypes.ValidatorID, numValidators)
	for i := range keys {
		kp, err := sr25519.GenerateKeypair()
		require.NoError(t, err)
		keys[i] = kp
		copy(validators[i][:], kp.Public().Encode())
	}
	window.Advance(1, SessionInfo{Validators: validators})

	participator := &fakeParticipator{}
	coordinator := NewCoordinator(make(chan any, 8), backend, window, keystore.New(), participator, nil)
	return coordinator, window, keys, participator
}

// fakeSessionInfoQuerier reports a fixed session for every relay-parent,
// reusing the given SessionInfo for every session index.
type fakeSessionInfoQuerier struct {
	session parachaintypes.SessionIndex
	info    SessionInfo
}

func (f fakeSessionInfoQuerier) SessionIndexForChild(common.Hash) (parachaintypes.SessionIndex, error) {
	return f.session, nil
}

func (f fakeSessionInfoQuerier) SessionInfo(parachaintypes.SessionIndex) (SessionInfo, error) {
	return f.info, nil
}

func statementFor(t *testing.T, kp *sr25519.Keypair, validatorIndex parachaintypes.ValidatorIndex,
	candidateHash common.Hash, session parachaintypes.SessionIndex, valid bool) disputetypes.Statement {
	t.Helper()
	ks := keystore.New()
	entry := ks.Insert(kp)
	signed, err := disputetypes.NewSignedDisputeStatement(entry, valid, candidateHash, session)
	require.NoError(t, err)
	return disputetypes.Statement{SignedDisputeStatement: signed, ValidatorIndex: validatorIndex}
}

func TestImportStatementsReachesSupermajorityAndParticipatesOnce(t *testing.T) {
	coordinator, _, keys, participator := newTestCoordinator(t, 4)
	candidateHash := parachaintypes.CandidateHash{Value: common.Hash{1}}
	receipt := parachaintypes.CandidateReceipt{}

	// Threshold for 4 validators is floor(4*2/3)+1 = 3.
	s0 := statementFor(t, keys[0], 0, candidateHash.Value, 1, false)
	s1 := statementFor(t, keys[1], 1, candidateHash.Value, 1, true)

	require.NoError(t, coordinator.importStatements(candidateHash, receipt, 1, []disputetypes.Statement{s0, s1}))
	require.Len(t, participator.requests, 1, "dispute should trigger exactly one participation request")

	s2 := statementFor(t, keys[2], 2, candidateHash.Value, 1, false)
	s3 := statementFor(t, keys[3], 3, candidateHash.Value, 1, false)
	require.NoError(t, coordinator.importStatements(candidateHash, receipt, 1, []disputetypes.Statement{s2, s3}))

	status, ok, err := coordinator.backend.Status(1, candidateHash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusConcludedAgainst, status.Kind)

	// A further import must not re-trigger participation.
	s1b := statementFor(t, keys[1], 1, candidateHash.Value, 1, true)
	require.NoError(t, coordinator.importStatements(candidateHash, receipt, 1, []disputetypes.Statement{s1b}))
	require.Len(t, participator.requests, 1)
}

func TestImportStatementsAllValidNeverDisputesOrParticipates(t *testing.T) {
	coordinator, _, keys, participator := newTestCoordinator(t, 4)
	candidateHash := parachaintypes.CandidateHash{Value: common.Hash{2}}
	receipt := parachaintypes.CandidateReceipt{}

	var statements []disputetypes.Statement
	for i, kp := range keys {
		statements = append(statements, statementFor(t, kp, parachaintypes.ValidatorIndex(i), candidateHash.Value, 1, true))
	}

	require.NoError(t, coordinator.importStatements(candidateHash, receipt, 1, statements))
	require.Empty(t, participator.requests, "all-valid votes never become a dispute")

	_, ok, err := coordinator.backend.Status(1, candidateHash)
	require.NoError(t, err)
	require.False(t, ok, "a candidate that never disputed gets no status record at all")
}

func TestImportStatementsRejectsValidatorKeyMismatch(t *testing.T) {
	coordinator, _, keys, _ := newTestCoordinator(t, 2)
	candidateHash := parachaintypes.CandidateHash{Value: common.Hash{3}}

	stmt := statementFor(t, keys[0], 1, candidateHash.Value, 1, true) // index 1 claimed with keys[0]'s signature
	err := coordinator.importStatements(candidateHash, parachaintypes.CandidateReceipt{}, 1, []disputetypes.Statement{stmt})
	require.ErrorIs(t, err, ErrValidatorKeyMismatch)
}

func TestImportStatementsDropsOldSessions(t *testing.T) {
	coordinator, window, keys, _ := newTestCoordinator(t, 4)
	for s := parachaintypes.SessionIndex(2); s <= windowSize+1; s++ {
		window.Advance(s, SessionInfo{})
	}
	require.Greater(t, window.EarliestSession(), parachaintypes.SessionIndex(1))

	candidateHash := parachaintypes.CandidateHash{Value: common.Hash{4}}
	stmt := statementFor(t, keys[0], 0, candidateHash.Value, 1, true)
	require.NoError(t, coordinator.importStatements(candidateHash, parachaintypes.CandidateReceipt{}, 1,
		[]disputetypes.Statement{stmt}))

	_, ok, err := coordinator.backend.Status(1, candidateHash)
	require.NoError(t, err)
	require.False(t, ok, "statements older than the dispute window must be dropped")
}

func TestDetermineUndisputedChain(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t, 4)

	blockA := common.Hash{0xa}
	blockB := common.Hash{0xb}
	blockC := common.Hash{0xc}
	compromised := parachaintypes.CandidateHash{Value: common.Hash{0xd}}
	require.NoError(t, coordinator.backend.SetStatus(1, compromised, DisputeStatus{Kind: StatusActive}))

	descriptions := []BlockDescription{
		{Hash: blockA, Session: 1, Candidates: nil},
		{Hash: blockB, Session: 1, Candidates: []parachaintypes.CandidateHash{compromised}},
		{Hash: blockC, Session: 1, Candidates: nil},
	}

	hash, err := coordinator.determineUndisputedChain(0, descriptions)
	require.NoError(t, err)
	require.NotNil(t, hash)
	require.Equal(t, blockA, *hash, "the safe hash is the block BEFORE the compromised one")
}

func TestDetermineUndisputedChainFirstBlockCompromisedReturnsNothing(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t, 4)

	compromised := parachaintypes.CandidateHash{Value: common.Hash{0xe}}
	require.NoError(t, coordinator.backend.SetStatus(1, compromised, DisputeStatus{Kind: StatusConcludedAgainst}))

	descriptions := []BlockDescription{
		{Hash: common.Hash{0xf}, Session: 1, Candidates: []parachaintypes.CandidateHash{compromised}},
	}

	hash, err := coordinator.determineUndisputedChain(0, descriptions)
	require.NoError(t, err)
	require.Nil(t, hash)
}

func TestDetermineUndisputedChainNoneCompromisedReturnsLast(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t, 4)

	descriptions := []BlockDescription{
		{Hash: common.Hash{1}, Session: 1},
		{Hash: common.Hash{2}, Session: 1},
	}

	hash, err := coordinator.determineUndisputedChain(0, descriptions)
	require.NoError(t, err)
	require.NotNil(t, hash)
	require.Equal(t, common.Hash{2}, *hash)
}

func TestPruneSessionsBelow(t *testing.T) {
	coordinator, _, keys, _ := newTestCoordinator(t, 2)
	candidateHash := parachaintypes.CandidateHash{Value: common.Hash{9}}
	stmt := statementFor(t, keys[0], 0, candidateHash.Value, 1, true)
	require.NoError(t, coordinator.importStatements(candidateHash, parachaintypes.CandidateReceipt{}, 1,
		[]disputetypes.Statement{stmt}))

	require.NoError(t, coordinator.backend.PruneSessionsBelow([]parachaintypes.SessionIndex{1}, 2))

	_, ok, err := coordinator.backend.CandidateVotes(1, candidateHash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestImportStatementsRecordsRealConclusionTimestamp(t *testing.T) {
	coordinator, _, keys, _ := newTestCoordinator(t, 4)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	coordinator.now = func() time.Time { return fixed }

	candidateHash := parachaintypes.CandidateHash{Value: common.Hash{5}}
	receipt := parachaintypes.CandidateReceipt{}

	statements := []disputetypes.Statement{
		statementFor(t, keys[0], 0, candidateHash.Value, 1, false),
		statementFor(t, keys[1], 1, candidateHash.Value, 1, true),
		statementFor(t, keys[2], 2, candidateHash.Value, 1, false),
		statementFor(t, keys[3], 3, candidateHash.Value, 1, false),
	}
	require.NoError(t, coordinator.importStatements(candidateHash, receipt, 1, statements))

	status, ok, err := coordinator.backend.Status(1, candidateHash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusConcludedAgainst, status.Kind)
	require.Equal(t, uint64(fixed.Unix()), status.Timestamp, "conclusion timestamp must reflect the injected clock")
}

func TestActiveLeavesUpdateAdvancesWindowAndPrunesExpiredSessions(t *testing.T) {
	coordinator, window, keys, _ := newTestCoordinator(t, 2)

	candidateHash := parachaintypes.CandidateHash{Value: common.Hash{6}}
	stmt := statementFor(t, keys[0], 0, candidateHash.Value, 1, true)
	require.NoError(t, coordinator.importStatements(candidateHash, parachaintypes.CandidateReceipt{}, 1,
		[]disputetypes.Statement{stmt}))
	_, ok, err := coordinator.backend.CandidateVotes(1, candidateHash)
	require.NoError(t, err)
	require.True(t, ok, "session 1 must have a recorded vote before it is pruned")

	coordinator.sessions = fakeSessionInfoQuerier{session: windowSize + 1}

	leaf := common.Hash{0xaa}
	err = coordinator.ProcessActiveLeavesUpdateSignal(parachaintypes.ActiveLeavesUpdateSignal{
		Activated: &parachaintypes.ActivatedLeaf{Hash: leaf, Number: 1},
	})
	require.NoError(t, err)
	require.Equal(t, parachaintypes.SessionIndex(windowSize+1), window.latest)

	_, ok, err = coordinator.backend.CandidateVotes(1, candidateHash)
	require.NoError(t, err)
	require.False(t, ok, "session 1 falls below the advanced window's lower bound and must be pruned")
}
