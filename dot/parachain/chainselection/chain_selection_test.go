// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package chainselection

import (
	"testing"
	"time"

	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/stretchr/testify/require"
)

type fakeHeader struct {
	parent      common.Hash
	number      parachaintypes.BlockNumber
	reversions  []parachaintypes.BlockNumber
}

type fakeChain struct {
	headers map[common.Hash]fakeHeader
	weights map[common.Hash]Weight
}

func newFakeChain() *fakeChain {
	return &fakeChain{headers: make(map[common.Hash]fakeHeader), weights: make(map[common.Hash]Weight)}
}

func (f *fakeChain) add(hash, parent common.Hash, number parachaintypes.BlockNumber, weight Weight, reversions ...parachaintypes.BlockNumber) {
	f.headers[hash] = fakeHeader{parent: parent, number: number, reversions: reversions}
	f.weights[hash] = weight
}

func (f *fakeChain) Header(hash common.Hash) (HeaderInfo, error) {
	h := f.headers[hash]
	return HeaderInfo{ParentHash: h.parent, Number: h.number, Reversions: h.reversions}, nil
}

func (f *fakeChain) Weight(hash common.Hash) (Weight, error) {
	return f.weights[hash], nil
}

// acceptAll is an AncestryQuerier that accepts the whole chain handed to it.
type acceptAll struct{}

func (acceptAll) DeepestAcceptable(chain []common.Hash) (*common.Hash, error) {
	if len(chain) == 0 {
		return nil, nil
	}
	h := chain[len(chain)-1]
	return &h, nil
}

func newTestSelection(fc *fakeChain) *ChainSelection {
	return New(fc, fc, acceptAll{}, acceptAll{}, time.Hour, 0)
}

func TestLeafOrderingAcrossForks(t *testing.T) {
	fc := newFakeChain()
	root := common.Hash{0x00}
	a1, a2, a3 := common.Hash{0xa1}, common.Hash{0xa2}, common.Hash{0xa3}
	b2 := common.Hash{0xb2}
	c1, c2 := common.Hash{0xc1}, common.Hash{0xc2}

	fc.add(a1, root, 1, 1)
	fc.add(a2, a1, 2, 1)
	fc.add(a3, a2, 3, 2)
	fc.add(b2, a1, 2, 2)
	fc.add(c1, root, 1, 1)
	fc.add(c2, c1, 2, 3)

	cs := newTestSelection(fc)
	require.NoError(t, cs.Import(a3))
	require.NoError(t, cs.Import(b2))
	require.NoError(t, cs.Import(c2))

	require.Equal(t, []common.Hash{c2, a3, b2}, cs.Leaves())
}

func TestReversionSuppressesLeaf(t *testing.T) {
	fc := newFakeChain()
	root := common.Hash{0x00}
	a1, a2, a3 := common.Hash{0xa1}, common.Hash{0xa2}, common.Hash{0xa3}

	fc.add(a1, root, 1, 1)
	fc.add(a2, a1, 2, 1)
	fc.add(a3, a2, 3, 1, 1) // a3 reverts block number 1 (a1)

	cs := newTestSelection(fc)
	require.NoError(t, cs.Import(a3))

	require.Empty(t, cs.Leaves(), "a reverted ancestor leaves no viable leaf behind")
	require.Len(t, cs.entries, 3, "all three blocks remain stored")
	require.True(t, cs.entries[a1].Reverted)
	require.False(t, cs.entries[a2].Viable())
	require.False(t, cs.entries[a3].Viable())
}

func TestReversionIgnoresOutOfRangeEntries(t *testing.T) {
	fc := newFakeChain()
	root := common.Hash{0x00}
	a1, a2 := common.Hash{0xa1}, common.Hash{0xa2}

	// a2 names itself (2) and a future block (5) as reverted; both out of range.
	fc.add(a1, root, 1, 1)
	fc.add(a2, a1, 2, 2, 2, 5)

	cs := newTestSelection(fc)
	require.NoError(t, cs.Import(a2))

	require.Equal(t, []common.Hash{a2}, cs.Leaves())
	require.False(t, cs.entries[a1].Reverted)
}

func TestFinalityTargetFollowsBestLeafContainingTarget(t *testing.T) {
	fc := newFakeChain()
	root := common.Hash{0x00}
	a1, a2 := common.Hash{0xa1}, common.Hash{0xa2}
	b1, b2 := common.Hash{0xb1}, common.Hash{0xb2}

	fc.add(a1, root, 1, 2)
	fc.add(a2, a1, 2, 3)
	fc.add(b1, root, 1, 1)
	fc.add(b2, b1, 2, 1)

	cs := newTestSelection(fc)
	require.NoError(t, cs.Import(a2))
	require.NoError(t, cs.Import(b2))

	target, err := cs.FinalityTarget(a1, nil)
	require.NoError(t, err)
	require.NotNil(t, target)
	require.Equal(t, a2, *target)

	target, err = cs.FinalityTarget(b1, nil)
	require.NoError(t, err)
	require.NotNil(t, target)
	require.Equal(t, b2, *target)
}

func TestFinalityTargetReturnsNilWhenTargetNotAncestor(t *testing.T) {
	fc := newFakeChain()
	root := common.Hash{0x00}
	a1 := common.Hash{0xa1}
	unrelated := common.Hash{0xff}

	fc.add(a1, root, 1, 1)

	cs := newTestSelection(fc)
	require.NoError(t, cs.Import(a1))

	target, err := cs.FinalityTarget(unrelated, nil)
	require.NoError(t, err)
	require.Nil(t, target)
}

// rejectAfter is an AncestryQuerier that refuses to accept anything past a
// fixed hash in the chain.
type rejectAfter struct{ boundary common.Hash }

func (r rejectAfter) DeepestAcceptable(chain []common.Hash) (*common.Hash, error) {
	for i, h := range chain {
		if h == r.boundary {
			b := chain[i]
			return &b, nil
		}
	}
	if len(chain) == 0 {
		return nil, nil
	}
	first := chain[0]
	return &first, nil
}

func TestFinalityTargetIntersectsApprovalAndDisputeBoundaries(t *testing.T) {
	fc := newFakeChain()
	root := common.Hash{0x00}
	a1, a2, a3 := common.Hash{0xa1}, common.Hash{0xa2}, common.Hash{0xa3}

	fc.add(a1, root, 1, 1)
	fc.add(a2, a1, 2, 1)
	fc.add(a3, a2, 3, 1)

	cs := New(fc, fc, rejectAfter{boundary: a2}, acceptAll{}, time.Hour, 0)
	require.NoError(t, cs.Import(a3))

	target, err := cs.FinalityTarget(a1, nil)
	require.NoError(t, err)
	require.NotNil(t, target)
	require.Equal(t, a2, *target, "the more restrictive of the two collaborators wins")
}

func TestStagnantBlockExcludedFromFinalityTarget(t *testing.T) {
	fc := newFakeChain()
	root := common.Hash{0x00}
	a1, a2 := common.Hash{0xa1}, common.Hash{0xa2}
	fc.add(a1, root, 1, 1)
	fc.add(a2, a1, 2, 1)

	cs := New(fc, fc, acceptAll{}, acceptAll{}, time.Minute, 0)
	cs.now = func() time.Time { return time.Unix(0, 0) }
	require.NoError(t, cs.Import(a2))
	require.NoError(t, cs.Approve(a1), "a1 already cleared approval before a2 goes stagnant")

	cs.now = func() time.Time { return time.Unix(0, 0).Add(2 * time.Minute) }
	target, err := cs.FinalityTarget(a1, nil)
	require.NoError(t, err)
	require.NotNil(t, target)
	require.Equal(t, a1, *target, "a2 is stagnant and never approved, so the target stops at a1")

	require.NoError(t, cs.Approve(a2))
	target, err = cs.FinalityTarget(a1, nil)
	require.NoError(t, err)
	require.Equal(t, a2, *target, "approval clears the stagnant exclusion")
}

func TestFinalizePrunesSiblingsAndBelow(t *testing.T) {
	fc := newFakeChain()
	root := common.Hash{0x00}
	a1, a2 := common.Hash{0xa1}, common.Hash{0xa2}
	b1 := common.Hash{0xb1}

	fc.add(a1, root, 1, 2)
	fc.add(a2, a1, 2, 2)
	fc.add(b1, root, 1, 1)

	cs := newTestSelection(fc)
	require.NoError(t, cs.Import(a2))
	require.NoError(t, cs.Import(b1))

	cs.Finalize(a1, 1)

	_, stillThere := cs.entries[a1]
	require.True(t, stillThere)
	_, siblingGone := cs.entries[b1]
	require.False(t, siblingGone, "finalizing a1 prunes its sibling b1")
	_, descendantStays := cs.entries[a2]
	require.True(t, descendantStays, "a1's own descendant survives finalization")
}
