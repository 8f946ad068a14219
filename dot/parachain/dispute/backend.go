// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package dispute

import (
	"fmt"
	"sort"

	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/internal/database"
	"github.com/ChainSafe/gossamer/pkg/scale"
)

// Vote is a single recorded (validator, signature) pair for one side of a
// dispute, sorted ascending by ValidatorIndex with no duplicates.
type Vote struct {
	ValidatorIndex parachaintypes.ValidatorIndex `scale:"1"`
	Signature      parachaintypes.ValidatorSignature `scale:"2"`
}

// CandidateVotes is the persisted vote record for one (session, candidate).
type CandidateVotes struct {
	Receipt parachaintypes.CandidateReceipt `scale:"1"`
	Valid   []Vote                          `scale:"2"`
	Invalid []Vote                          `scale:"3"`
}

func insertVoteSorted(votes []Vote, v Vote) ([]Vote, bool) {
	i := sort.Search(len(votes), func(i int) bool { return votes[i].ValidatorIndex >= v.ValidatorIndex })
	if i < len(votes) && votes[i].ValidatorIndex == v.ValidatorIndex {
		return votes, false
	}
	votes = append(votes, Vote{})
	copy(votes[i+1:], votes[i:])
	votes[i] = v
	return votes, true
}

// DisputeStatusKind is the Active/ConcludedFor/ConcludedAgainst sum type,
// with the monotonicity rule that ConcludedAgainst always dominates
// ConcludedFor.
type DisputeStatusKind uint8

const (
	StatusActive DisputeStatusKind = iota
	StatusConcludedFor
	StatusConcludedAgainst
)

// DisputeStatus is a dispute's current status plus, for concluded
// disputes, the timestamp of the earliest conclusion observed.
type DisputeStatus struct {
	Kind      DisputeStatusKind `scale:"1"`
	Timestamp uint64            `scale:"2"`
}

// Apply applies the status-transition rule: invalid dominates valid, and
// re-concluding keeps the earlier timestamp.
func (s DisputeStatus) Apply(concludedFor, concludedAgainst bool, now uint64) DisputeStatus {
	switch {
	case concludedAgainst:
		if s.Kind == StatusConcludedAgainst {
			return s
		}
		if s.Kind == StatusConcludedFor && s.Timestamp < now {
			return DisputeStatus{Kind: StatusConcludedAgainst, Timestamp: s.Timestamp}
		}
		return DisputeStatus{Kind: StatusConcludedAgainst, Timestamp: now}
	case concludedFor:
		if s.Kind == StatusConcludedFor || s.Kind == StatusConcludedAgainst {
			return s
		}
		return DisputeStatus{Kind: StatusConcludedFor, Timestamp: now}
	default:
		return s
	}
}

func votesKey(session parachaintypes.SessionIndex, candidate parachaintypes.CandidateHash) []byte {
	key := make([]byte, 0, 4+len(candidate.Value))
	key = append(key, uint32ToBytes(uint32(session))...)
	key = append(key, candidate.Value[:]...)
	return key
}

func sessionIndexKey(session parachaintypes.SessionIndex) []byte {
	return uint32ToBytes(uint32(session))
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// sessionCandidateList is the per-session index's value: every candidate
// hash that has a vote record in that session, letting PruneSessionsBelow
// delete exactly those entries without a table scan (the same meta-list
// pattern the availability store uses for its relay-parent index).
type sessionCandidateList struct {
	Candidates []parachaintypes.CandidateHash `scale:"1"`
}

// Backend is the pebble-backed persistent store of recent disputes and
// per-(session, candidate) vote records.
type Backend struct {
	db      *database.PebbleDB
	votes   *database.Table
	status  *database.Table
	session *database.Table
}

// NewBackend opens a dispute Backend over db.
func NewBackend(db *database.PebbleDB) *Backend {
	return &Backend{
		db:      db,
		votes:   database.NewTable(db, "dispute/votes/"),
		status:  database.NewTable(db, "dispute/status/"),
		session: database.NewTable(db, "dispute/session/"),
	}
}

func (b *Backend) readSessionCandidates(session parachaintypes.SessionIndex) (sessionCandidateList, error) {
	v, err := b.session.Get(sessionIndexKey(session))
	if err != nil {
		return sessionCandidateList{}, err
	}
	if v == nil {
		return sessionCandidateList{}, nil
	}
	var list sessionCandidateList
	if err := scale.Unmarshal(v, &list); err != nil {
		return sessionCandidateList{}, nil
	}
	return list, nil
}

// CandidateVotes returns the persisted vote record for (session, candidate),
// or (zero value, false) if none exists.
func (b *Backend) CandidateVotes(session parachaintypes.SessionIndex,
	candidate parachaintypes.CandidateHash) (CandidateVotes, bool, error) {
	v, err := b.votes.Get(votesKey(session, candidate))
	if err != nil {
		return CandidateVotes{}, false, err
	}
	if v == nil {
		return CandidateVotes{}, false, nil
	}
	var votes CandidateVotes
	if err := scale.Unmarshal(v, &votes); err != nil {
		return CandidateVotes{}, false, nil
	}
	return votes, true, nil
}

// SetCandidateVotes persists votes for (session, candidate), registering
// the candidate in that session's index if this is its first vote record.
func (b *Backend) SetCandidateVotes(session parachaintypes.SessionIndex,
	candidate parachaintypes.CandidateHash, votes CandidateVotes) error {
	enc, err := scale.Marshal(votes)
	if err != nil {
		return fmt.Errorf("encoding candidate votes: %w", err)
	}

	list, err := b.readSessionCandidates(session)
	if err != nil {
		return fmt.Errorf("reading session index: %w", err)
	}
	if !containsCandidate(list.Candidates, candidate) {
		list.Candidates = append(list.Candidates, candidate)
		encodedList, err := scale.Marshal(list)
		if err != nil {
			return fmt.Errorf("encoding session index: %w", err)
		}
		if err := b.session.Put(sessionIndexKey(session), encodedList); err != nil {
			return fmt.Errorf("writing session index: %w", err)
		}
	}

	return b.votes.Put(votesKey(session, candidate), enc)
}

func containsCandidate(list []parachaintypes.CandidateHash, target parachaintypes.CandidateHash) bool {
	for _, c := range list {
		if c == target {
			return true
		}
	}
	return false
}

// Status returns the persisted dispute status for (session, candidate).
func (b *Backend) Status(session parachaintypes.SessionIndex,
	candidate parachaintypes.CandidateHash) (DisputeStatus, bool, error) {
	v, err := b.status.Get(votesKey(session, candidate))
	if err != nil {
		return DisputeStatus{}, false, err
	}
	if v == nil {
		return DisputeStatus{}, false, nil
	}
	var status DisputeStatus
	if err := scale.Unmarshal(v, &status); err != nil {
		return DisputeStatus{}, false, nil
	}
	return status, true, nil
}

// SetStatus persists the dispute status for (session, candidate).
func (b *Backend) SetStatus(session parachaintypes.SessionIndex,
	candidate parachaintypes.CandidateHash, status DisputeStatus) error {
	enc, err := scale.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding dispute status: %w", err)
	}
	return b.status.Put(votesKey(session, candidate), enc)
}

// PruneSessionsBelow deletes every status and vote entry, and the session
// index itself, for every session in sessions older than lowerBound, in
// one transaction.
func (b *Backend) PruneSessionsBelow(sessions []parachaintypes.SessionIndex,
	lowerBound parachaintypes.SessionIndex) error {
	batch := b.db.NewBatch()
	statusBatch := b.status.NewBatchOn(batch)
	votesBatch := b.votes.NewBatchOn(batch)
	sessionBatch := b.session.NewBatchOn(batch)

	for _, session := range sessions {
		if session >= lowerBound {
			continue
		}
		list, err := b.readSessionCandidates(session)
		if err != nil {
			return fmt.Errorf("reading session index for pruning: %w", err)
		}
		for _, candidate := range list.Candidates {
			key := votesKey(session, candidate)
			if err := statusBatch.Del(key); err != nil {
				return fmt.Errorf("pruning status: %w", err)
			}
			if err := votesBatch.Del(key); err != nil {
				return fmt.Errorf("pruning votes: %w", err)
			}
		}
		if err := sessionBatch.Del(sessionIndexKey(session)); err != nil {
			return fmt.Errorf("pruning session index: %w", err)
		}
	}
	return batch.Flush()
}
