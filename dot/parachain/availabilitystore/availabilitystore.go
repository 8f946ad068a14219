// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package availabilitystore is the persistent mapping validators use to
// retain parachain block data and outgoing message queues, pruned on
// finalization. Unlike the other subsystems it is a
// synchronous library called directly by multiple subsystems, not an
// actor with its own message loop.
package availabilitystore

import (
	"fmt"

	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/internal/database"
	"github.com/ChainSafe/gossamer/internal/log"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/pkg/scale"
)

var logger = log.NewFromGlobal(log.AddContext("pkg", "parachain-availability-store"))

// QueueEntry is an outgoing message queue keyed by its Merkle root; once
// written it persists for the lifetime of the store.
type QueueEntry struct {
	Root     common.Hash `scale:"1"`
	Messages [][]byte    `scale:"2"`
}

// AvailabilityRecord is everything written for a single candidate by one
// make_available call.
type AvailabilityRecord struct {
	BlockData []byte
	Queues    []QueueEntry
}

// candidateHashList is the meta column's per-relay-parent value: the set
// of candidate hashes with data stored under that parent.
type candidateHashList struct {
	Candidates []parachaintypes.CandidateHash `scale:"1"`
}

// AvailabilityStore persists candidate block data and PoV-queue metadata
// over two logical column families (data, meta), here addressed as
// key-prefixed Tables over a single shared pebble.DB handle.
type AvailabilityStore struct {
	db         *database.PebbleDB
	dataBlocks *database.Table
	dataQueues *database.Table
	meta       *database.Table
}

// New opens an AvailabilityStore over db.
func New(db *database.PebbleDB) *AvailabilityStore {
	return &AvailabilityStore{
		db:         db,
		dataBlocks: database.NewTable(db, "avail/data/block/"),
		dataQueues: database.NewTable(db, "avail/data/queue/"),
		meta:       database.NewTable(db, "avail/meta/"),
	}
}

func blockDataKey(relayParent common.Hash, candidateHash parachaintypes.CandidateHash) []byte {
	key := make([]byte, 0, len(relayParent)+len(candidateHash.Value)+1)
	key = append(key, relayParent[:]...)
	key = append(key, candidateHash.Value[:]...)
	key = append(key, 0)
	return key
}

func queueKey(root common.Hash) []byte {
	return root[:]
}

func metaKey(relayParent common.Hash) []byte {
	return relayParent[:]
}

// MakeAvailable appends candidateHash to the meta list at relayParent,
// writes the block data under the composite key, and writes every queue
// entry under its root, all in one transaction.
func (s *AvailabilityStore) MakeAvailable(relayParent common.Hash, candidateHash parachaintypes.CandidateHash,
	record AvailabilityRecord) error {

	list, err := s.readCandidateList(relayParent)
	if err != nil {
		return fmt.Errorf("reading meta list: %w", err)
	}
	if !containsCandidate(list.Candidates, candidateHash) {
		list.Candidates = append(list.Candidates, candidateHash)
	}
	encodedList, err := scale.Marshal(list)
	if err != nil {
		return fmt.Errorf("encoding meta list: %w", err)
	}

	batch := s.db.NewBatch()
	metaBatch := s.meta.NewBatchOn(batch)
	blocksBatch := s.dataBlocks.NewBatchOn(batch)
	queuesBatch := s.dataQueues.NewBatchOn(batch)

	if err := metaBatch.Put(metaKey(relayParent), encodedList); err != nil {
		return fmt.Errorf("writing meta list: %w", err)
	}
	if err := blocksBatch.Put(blockDataKey(relayParent, candidateHash), record.BlockData); err != nil {
		return fmt.Errorf("writing block data: %w", err)
	}
	for _, q := range record.Queues {
		encodedQueue, err := scale.Marshal(q)
		if err != nil {
			return fmt.Errorf("encoding queue entry: %w", err)
		}
		if err := queuesBatch.Put(queueKey(q.Root), encodedQueue); err != nil {
			return fmt.Errorf("writing queue entry: %w", err)
		}
	}

	return batch.Flush()
}

// CandidatesFinalized deletes the meta entry for parent, then for every
// candidate listed there that is not in finalizedSet, deletes its block
// data. Queue entries are never deleted.
func (s *AvailabilityStore) CandidatesFinalized(relayParent common.Hash,
	finalizedSet map[parachaintypes.CandidateHash]struct{}) error {

	list, err := s.readCandidateList(relayParent)
	if err != nil {
		return fmt.Errorf("reading meta list: %w", err)
	}

	batch := s.db.NewBatch()
	metaBatch := s.meta.NewBatchOn(batch)
	blocksBatch := s.dataBlocks.NewBatchOn(batch)

	if err := metaBatch.Del(metaKey(relayParent)); err != nil {
		return fmt.Errorf("deleting meta list: %w", err)
	}
	for _, candidateHash := range list.Candidates {
		if _, ok := finalizedSet[candidateHash]; ok {
			continue
		}
		if err := blocksBatch.Del(blockDataKey(relayParent, candidateHash)); err != nil {
			return fmt.Errorf("deleting block data: %w", err)
		}
	}

	return batch.Flush()
}

// BlockData is a point lookup, returning the stored bytes or (nil, false)
// if absent.
func (s *AvailabilityStore) BlockData(relayParent common.Hash,
	candidateHash parachaintypes.CandidateHash) ([]byte, bool, error) {
	v, err := s.dataBlocks.Get(blockDataKey(relayParent, candidateHash))
	if err != nil {
		return nil, false, err
	}
	return v, v != nil, nil
}

// QueueByRoot is a point lookup of a previously stored queue's messages.
func (s *AvailabilityStore) QueueByRoot(root common.Hash) ([][]byte, bool, error) {
	v, err := s.dataQueues.Get(queueKey(root))
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	var entry QueueEntry
	if err := scale.Unmarshal(v, &entry); err != nil {
		// decoding failures are treated as not found.
		logger.Warnf("decoding queue entry for root %s: %s", root, err)
		return nil, false, nil
	}
	return entry.Messages, true, nil
}

func (s *AvailabilityStore) readCandidateList(relayParent common.Hash) (candidateHashList, error) {
	v, err := s.meta.Get(metaKey(relayParent))
	if err != nil {
		return candidateHashList{}, err
	}
	if v == nil {
		return candidateHashList{}, nil
	}
	var list candidateHashList
	if err := scale.Unmarshal(v, &list); err != nil {
		logger.Warnf("decoding meta list for relay parent %s: %s", relayParent, err)
		return candidateHashList{}, nil
	}
	return list, nil
}

func containsCandidate(list []parachaintypes.CandidateHash, target parachaintypes.CandidateHash) bool {
	for _, c := range list {
		if c == target {
			return true
		}
	}
	return false
}
