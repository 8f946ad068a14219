// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package chainselection maintains a forest of not-yet-finalized blocks, a
// weight-ordered leaf set, and the finality-target algorithm that picks the
// best leaf whose ancestry is both approved and dispute-free.
package chainselection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/internal/log"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/tidwall/btree"
)

var logger = log.NewFromGlobal(log.AddContext("pkg", "parachain-chain-selection"))

// ErrUnknownBlock is returned when an operation names a hash this forest
// has no entry for.
var ErrUnknownBlock = errors.New("chain selection: unknown block")

// Weight is a block's cumulative consensus weight; higher is better.
type Weight uint64

// HeaderInfo is the subset of a block header chain selection needs: its
// parent, its number, and any reversion entries it carries (ancestor
// numbers its author wants to declare unviable).
type HeaderInfo struct {
	ParentHash common.Hash
	Number     parachaintypes.BlockNumber
	Reversions []parachaintypes.BlockNumber
}

// HeaderQuerier resolves a block's header, an external collaborator over
// chain state.
type HeaderQuerier interface {
	Header(hash common.Hash) (HeaderInfo, error)
}

// WeightQuerier resolves a block's cumulative consensus weight.
type WeightQuerier interface {
	Weight(hash common.Hash) (Weight, error)
}

// AncestryQuerier answers "how far along this root-to-tip chain can we
// go", returning the deepest member of chain that still satisfies the
// collaborator's own criterion. ApprovalQuerier and DisputeQuerier are
// both instances of this shape, backed by the approval-voting subsystem
// and the dispute coordinator respectively.
type AncestryQuerier interface {
	DeepestAcceptable(chain []common.Hash) (*common.Hash, error)
}

// BlockEntry is one node of the forest.
type BlockEntry struct {
	Hash             common.Hash
	Number           parachaintypes.BlockNumber
	ParentHash       common.Hash
	Weight           Weight
	Children         []common.Hash
	Reverted         bool
	UnviableAncestor *common.Hash
	Approved         bool
	ImportedAt       time.Time
}

// Viable reports whether entry may still be, or become, a leaf: neither it
// nor any ancestor has been reverted.
func (e *BlockEntry) Viable() bool {
	return !e.Reverted && e.UnviableAncestor == nil
}

// ChainSelection is the block-entry forest described above.
type ChainSelection struct {
	mu              sync.Mutex
	entries         map[common.Hash]*BlockEntry
	byNumber        btree.Map[parachaintypes.BlockNumber, []common.Hash]
	leaves          btree.Map[string, common.Hash]
	stagnantAt      btree.Map[int64, []common.Hash]
	finalizedNumber parachaintypes.BlockNumber

	headers  HeaderQuerier
	weights  WeightQuerier
	approval AncestryQuerier
	disputes AncestryQuerier

	stagnantAfter time.Duration
	now           func() time.Time
}

// New returns an empty ChainSelection rooted at finalizedNumber.
func New(headers HeaderQuerier, weights WeightQuerier, approval, disputes AncestryQuerier,
	stagnantAfter time.Duration, finalizedNumber parachaintypes.BlockNumber) *ChainSelection {
	return &ChainSelection{
		entries:         make(map[common.Hash]*BlockEntry),
		byNumber:        *btree.NewMap[parachaintypes.BlockNumber, []common.Hash](0),
		leaves:          *btree.NewMap[string, common.Hash](0),
		stagnantAt:      *btree.NewMap[int64, []common.Hash](0),
		finalizedNumber: finalizedNumber,
		headers:         headers,
		weights:         weights,
		approval:        approval,
		disputes:        disputes,
		stagnantAfter:   stagnantAfter,
		now:             time.Now,
	}
}

func leafKey(e *BlockEntry) string {
	key := make([]byte, 0, 8+4+len(e.Hash))
	key = append(key,
		byte(e.Weight>>56), byte(e.Weight>>48), byte(e.Weight>>40), byte(e.Weight>>32),
		byte(e.Weight>>24), byte(e.Weight>>16), byte(e.Weight>>8), byte(e.Weight))
	key = append(key,
		byte(e.Number>>24), byte(e.Number>>16), byte(e.Number>>8), byte(e.Number))
	key = append(key, e.Hash[:]...)
	return string(key)
}

func (cs *ChainSelection) addLeaf(e *BlockEntry) {
	cs.leaves.Set(leafKey(e), e.Hash)
}

func (cs *ChainSelection) removeLeaf(e *BlockEntry) {
	cs.leaves.Delete(leafKey(e))
}

// refreshLeafStatus recomputes whether e belongs in the leaf set: viable,
// with no viable child of its own.
func (cs *ChainSelection) refreshLeafStatus(e *BlockEntry) {
	isLeaf := e.Viable()
	if isLeaf {
		for _, childHash := range e.Children {
			if child, ok := cs.entries[childHash]; ok && child.Viable() {
				isLeaf = false
				break
			}
		}
	}
	if isLeaf {
		cs.addLeaf(e)
	} else {
		cs.removeLeaf(e)
	}
}

// Import walks back from leafHash via parent pointers, fetching headers
// and weights for every not-yet-known ancestor down to the finalized
// cutoff, storing each as a BlockEntry and applying any reversion entries
// those headers carry.
func (cs *ChainSelection) Import(leafHash common.Hash) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, known := cs.entries[leafHash]; known {
		return nil
	}

	type walked struct {
		hash common.Hash
		info HeaderInfo
	}
	var chain []walked
	cur := leafHash
	for {
		info, err := cs.headers.Header(cur)
		if err != nil {
			return fmt.Errorf("fetching header for %x: %w", cur, err)
		}
		chain = append(chain, walked{cur, info})
		if _, known := cs.entries[info.ParentHash]; known {
			break
		}
		if info.Number <= cs.finalizedNumber+1 {
			break
		}
		cur = info.ParentHash
	}

	for i := len(chain) - 1; i >= 0; i-- {
		w := chain[i]
		if _, exists := cs.entries[w.hash]; exists {
			continue
		}

		weight, err := cs.weights.Weight(w.hash)
		if err != nil {
			return fmt.Errorf("fetching weight for %x: %w", w.hash, err)
		}

		entry := &BlockEntry{
			Hash:       w.hash,
			Number:     w.info.Number,
			ParentHash: w.info.ParentHash,
			Weight:     weight,
			ImportedAt: cs.now(),
		}
		cs.entries[w.hash] = entry
		existingAtNumber, _ := cs.byNumber.Get(entry.Number)
		cs.byNumber.Set(entry.Number, append(existingAtNumber, w.hash))
		deadline := entry.ImportedAt.Add(cs.stagnantAfter).Unix()
		existingAtDeadline, _ := cs.stagnantAt.Get(deadline)
		cs.stagnantAt.Set(deadline, append(existingAtDeadline, w.hash))

		if parent, ok := cs.entries[w.info.ParentHash]; ok {
			parent.Children = append(parent.Children, w.hash)
			if !parent.Viable() {
				ancestor := parent.UnviableAncestor
				if parent.Reverted {
					ancestor = &parent.Hash
				}
				entry.UnviableAncestor = ancestor
			}
			cs.refreshLeafStatus(parent)
		}

		for _, revertedNumber := range w.info.Reversions {
			if revertedNumber <= cs.finalizedNumber || revertedNumber >= entry.Number {
				logger.Debugf("ignoring out-of-range reversion entry %d from block %x", revertedNumber, w.hash)
				continue
			}
			if ancestor := cs.ancestorAtNumber(entry, revertedNumber); ancestor != nil && !ancestor.Reverted {
				cs.revert(ancestor)
			}
		}

		cs.refreshLeafStatus(entry)
	}

	return nil
}

// ancestorAtNumber walks parent pointers from e back to the tracked
// ancestor at exactly number, or nil if the walk falls off the known
// forest first.
func (cs *ChainSelection) ancestorAtNumber(e *BlockEntry, number parachaintypes.BlockNumber) *BlockEntry {
	cur := e
	for cur.Number > number {
		parent, ok := cs.entries[cur.ParentHash]
		if !ok {
			return nil
		}
		cur = parent
	}
	if cur.Number == number {
		return cur
	}
	return nil
}

// revert marks ancestor itself reverted and propagates unviability to
// every descendant already known, then lets the viable frontier right
// above ancestor become a leaf in its place.
func (cs *ChainSelection) revert(ancestor *BlockEntry) {
	ancestor.Reverted = true
	cs.removeLeaf(ancestor)

	queue := append([]common.Hash{}, ancestor.Children...)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		e, ok := cs.entries[h]
		if !ok || e.UnviableAncestor != nil {
			continue
		}
		ancestorHash := ancestor.Hash
		e.UnviableAncestor = &ancestorHash
		cs.removeLeaf(e)
		queue = append(queue, e.Children...)
	}

	if parent, ok := cs.entries[ancestor.ParentHash]; ok {
		cs.refreshLeafStatus(parent)
	}
}

// Leaves returns every viable leaf hash, best (highest weight, then
// number, then hash) first.
func (cs *ChainSelection) Leaves() []common.Hash {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.leavesDescendingLocked()
}

func (cs *ChainSelection) leavesDescendingLocked() []common.Hash {
	out := make([]common.Hash, 0)
	cs.leaves.Reverse(func(_ string, hash common.Hash) bool {
		out = append(out, hash)
		return true
	})
	return out
}

// chainTo returns the root(target)-to-leaf chain of hashes if target is an
// ancestor of leaf within the tracked forest, or nil otherwise.
func (cs *ChainSelection) chainTo(leaf *BlockEntry, target common.Hash) []common.Hash {
	var reverse []common.Hash
	cur := leaf
	for {
		reverse = append(reverse, cur.Hash)
		if cur.Hash == target {
			chain := make([]common.Hash, len(reverse))
			for i, h := range reverse {
				chain[len(reverse)-1-i] = h
			}
			return chain
		}
		parent, ok := cs.entries[cur.ParentHash]
		if !ok {
			return nil
		}
		cur = parent
	}
}

func indexOf(chain []common.Hash, target common.Hash) int {
	for i, h := range chain {
		if h == target {
			return i
		}
	}
	return -1
}

// FinalityTarget finds the best-weighted leaf whose ancestry contains
// target, and returns the deepest ancestor on that leaf's chain (up to
// maxNumber, if given) that the approval-voting and dispute-coordinator
// collaborators both still accept, and that is not itself stagnant. A nil
// result means no leaf whose ancestry reaches target yields such a block.
func (cs *ChainSelection) FinalityTarget(target common.Hash, maxNumber *parachaintypes.BlockNumber) (*common.Hash, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, leafHash := range cs.leavesDescendingLocked() {
		leaf := cs.entries[leafHash]
		chain := cs.chainTo(leaf, target)
		if chain == nil {
			continue
		}

		cutoff := leaf.Number
		if maxNumber != nil && *maxNumber < cutoff {
			cutoff = *maxNumber
		}
		truncated := chain
		for i, h := range chain {
			if cs.entries[h].Number > cutoff {
				truncated = chain[:i]
				break
			}
		}
		if len(truncated) == 0 {
			continue
		}

		approved, err := cs.approval.DeepestAcceptable(truncated)
		if err != nil {
			return nil, fmt.Errorf("querying approved ancestor: %w", err)
		}
		undisputed, err := cs.disputes.DeepestAcceptable(truncated)
		if err != nil {
			return nil, fmt.Errorf("querying undisputed ancestor: %w", err)
		}
		if approved == nil || undisputed == nil {
			continue
		}

		best := *approved
		if indexOf(truncated, *undisputed) < indexOf(truncated, best) {
			best = *undisputed
		}
		nonStagnant := cs.deepestNonStagnant(truncated)
		if nonStagnant == nil {
			continue
		}
		if indexOf(truncated, *nonStagnant) < indexOf(truncated, best) {
			best = *nonStagnant
		}

		return &best, nil
	}

	return nil, nil
}

// deepestNonStagnant returns the deepest prefix of chain (from its root)
// that contains no block still awaiting approval past stagnantAfter.
func (cs *ChainSelection) deepestNonStagnant(chain []common.Hash) *common.Hash {
	var result *common.Hash
	for _, h := range chain {
		e := cs.entries[h]
		if !e.Approved && cs.now().Sub(e.ImportedAt) > cs.stagnantAfter {
			break
		}
		hh := h
		result = &hh
	}
	return result
}

// Approve marks hash as approved, clearing it from the stagnant set.
func (cs *ChainSelection) Approve(hash common.Hash) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e, ok := cs.entries[hash]
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownBlock, hash)
	}
	e.Approved = true
	return nil
}

// StagnantBlocks returns every tracked, unapproved block whose stagnation
// deadline is at or before now.
func (cs *ChainSelection) StagnantBlocks(now time.Time) []common.Hash {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []common.Hash
	deadline := now.Unix()
	cs.stagnantAt.Ascend(0, func(at int64, hashes []common.Hash) bool {
		if at > deadline {
			return false
		}
		for _, h := range hashes {
			if e, ok := cs.entries[h]; ok && !e.Approved {
				out = append(out, h)
			}
		}
		return true
	})
	return out
}

// Finalize records number as the new finalized boundary, dropping every
// tracked block at or below it other than finalizedHash itself, which
// becomes the new root (its parent pointer is no longer meaningful inside
// the forest, so it is cleared).
func (cs *ChainSelection) Finalize(finalizedHash common.Hash, number parachaintypes.BlockNumber) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.finalizedNumber = number

	var toDrop []parachaintypes.BlockNumber
	cs.byNumber.Ascend(0, func(n parachaintypes.BlockNumber, hashes []common.Hash) bool {
		if n > number {
			return false
		}
		toDrop = append(toDrop, n)
		for _, h := range hashes {
			if h == finalizedHash {
				continue
			}
			if e, ok := cs.entries[h]; ok {
				cs.removeLeaf(e)
				delete(cs.entries, h)
			}
		}
		return true
	})
	for _, n := range toDrop {
		if n == number {
			cs.byNumber.Set(n, []common.Hash{finalizedHash})
			continue
		}
		cs.byNumber.Delete(n)
	}
	if e, ok := cs.entries[finalizedHash]; ok {
		e.ParentHash = common.Hash{}
	}
}
