// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package dispute implements the Dispute Coordinator, the central keeper
// of per-(session, candidate) vote state.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	disputetypes "github.com/ChainSafe/gossamer/dot/parachain/dispute/types"
	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/internal/log"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/ChainSafe/gossamer/lib/keystore"
)

var logger = log.NewFromGlobal(log.AddContext("pkg", "parachain-dispute-coordinator"))

// ErrUnknownValidator is returned when an imported statement's claimed
// validator index does not resolve in its session's validator set.
var ErrUnknownValidator = errors.New("dispute coordinator: unknown validator for session")

// ErrValidatorKeyMismatch is returned when a statement's signing key does
// not match its claimed validator index.
var ErrValidatorKeyMismatch = errors.New("dispute coordinator: validator key does not match claimed index")

// BlockDescription is one entry of the linear chain description passed to
// DetermineUndisputedChain.
type BlockDescription struct {
	Hash       common.Hash
	Session    parachaintypes.SessionIndex
	Candidates []parachaintypes.CandidateHash
}

// ImportStatements is the message that feeds one candidate's votes through
// the import algorithm.
type ImportStatements struct {
	CandidateHash parachaintypes.CandidateHash
	Receipt       parachaintypes.CandidateReceipt
	Session       parachaintypes.SessionIndex
	Statements    []disputetypes.Statement
	Ch            chan parachaintypes.OverseerFuncRes[struct{}]
}

// RecentDisputesMsg queries every dispute status currently retained.
type RecentDisputesMsg struct {
	Ch chan parachaintypes.OverseerFuncRes[map[DisputeKey]DisputeStatus]
}

// ActiveDisputesMsg queries only disputes whose status is Active.
type ActiveDisputesMsg struct {
	Ch chan parachaintypes.OverseerFuncRes[map[DisputeKey]DisputeStatus]
}

// QueryCandidateVotesMsg queries the persisted vote record for one
// (session, candidate).
type QueryCandidateVotesMsg struct {
	Session       parachaintypes.SessionIndex
	CandidateHash parachaintypes.CandidateHash
	Ch            chan parachaintypes.OverseerFuncRes[CandidateVotes]
}

// IssueLocalStatementMsg asks the coordinator to sign and import a fresh
// local statement for every validator key this node controls.
type IssueLocalStatementMsg struct {
	Session       parachaintypes.SessionIndex
	CandidateHash parachaintypes.CandidateHash
	Receipt       parachaintypes.CandidateReceipt
	Valid         bool
}

// DetermineUndisputedChainMsg is the finality guard query.
type DetermineUndisputedChainMsg struct {
	BaseNumber        parachaintypes.BlockNumber
	BlockDescriptions []BlockDescription
	Ch                chan parachaintypes.OverseerFuncRes[*common.Hash]
}

// DisputeKey identifies one dispute by (session, candidate).
type DisputeKey struct {
	Session       parachaintypes.SessionIndex
	CandidateHash parachaintypes.CandidateHash
}

// ParticipationRequest is dispatched exactly once per candidate per
// session, the instant a dispute's recorded status goes from none to some.
type ParticipationRequest struct {
	Session       parachaintypes.SessionIndex
	CandidateHash parachaintypes.CandidateHash
	Receipt       parachaintypes.CandidateReceipt
	NumValidators int
}

// Participator receives ParticipationRequest dispatches; an external
// collaborator covering the approval-voting/backing-adjacent
// participation machinery.
type Participator interface {
	Participate(ParticipationRequest)
}

// SessionInfoQuerier resolves the session active at a relay-parent and the
// validator set for a given session, an external collaborator representing
// on-chain runtime state (the same role ScheduledCoresQuerier plays for
// collation generation).
type SessionInfoQuerier interface {
	SessionIndexForChild(relayParent common.Hash) (parachaintypes.SessionIndex, error)
	SessionInfo(session parachaintypes.SessionIndex) (SessionInfo, error)
}

// Coordinator is the Dispute Coordinator subsystem.
type Coordinator struct {
	wg       sync.WaitGroup
	stopChan chan struct{}

	SubsystemToOverseer chan<- any
	OverseerToSubsystem <-chan any
	OverseerSignals     <-chan any

	backend      *Backend
	window       *SessionWindow
	keystore     *keystore.Keystore
	participator Participator
	sessions     SessionInfoQuerier

	now func() time.Time

	mu sync.Mutex
}

// NewCoordinator constructs a Coordinator over the given backend, wired to
// a session cache, keystore, participation collaborator, and (optionally,
// nil is accepted) a session-info collaborator used to advance the session
// window and prune expired sessions as leaves activate.
func NewCoordinator(overseerChan chan<- any, backend *Backend, window *SessionWindow,
	ks *keystore.Keystore, participator Participator, sessions SessionInfoQuerier) *Coordinator {
	return &Coordinator{
		SubsystemToOverseer: overseerChan,
		stopChan:            make(chan struct{}),
		backend:             backend,
		window:              window,
		keystore:            ks,
		participator:        participator,
		sessions:            sessions,
		now:                 time.Now,
	}
}

func (*Coordinator) Name() parachaintypes.SubSystemName { return parachaintypes.DisputeCoordinator }

func (c *Coordinator) Run(_ context.Context, signals <-chan any, overseerToSubsystem <-chan any,
	subsystemToOverseer chan<- any) {
	c.OverseerSignals = signals
	c.OverseerToSubsystem = overseerToSubsystem
	c.SubsystemToOverseer = subsystemToOverseer
	c.wg.Add(1)
	go c.processMessages(&c.wg)
}

func (c *Coordinator) Stop() {
	close(c.stopChan)
	c.wg.Wait()
}

// ProcessActiveLeavesUpdateSignal advances the session window to the
// newly activated leaf's session and prunes any session the window drops
// as a result, in a single backend transaction.
func (c *Coordinator) ProcessActiveLeavesUpdateSignal(signal parachaintypes.ActiveLeavesUpdateSignal) error {
	if signal.Activated == nil || c.sessions == nil {
		return nil
	}

	session, err := c.sessions.SessionIndexForChild(signal.Activated.Hash)
	if err != nil {
		return fmt.Errorf("resolving session for leaf %s: %w", signal.Activated.Hash, err)
	}
	info, err := c.sessions.SessionInfo(session)
	if err != nil {
		return fmt.Errorf("resolving session info for session %d: %w", session, err)
	}

	c.mu.Lock()
	evicted := c.window.Advance(session, info)
	lowerBound := c.window.EarliestSession()
	c.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}
	if err := c.backend.PruneSessionsBelow(evicted, lowerBound); err != nil {
		return fmt.Errorf("pruning sessions below %d: %w", lowerBound, err)
	}
	return nil
}

func (*Coordinator) ProcessBlockFinalizedSignal(parachaintypes.BlockFinalizedSignal) error { return nil }

func (c *Coordinator) processMessages(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case sig := <-c.OverseerSignals:
			if c.handleSignal(sig) {
				return
			}
			continue
		default:
		}

		select {
		case sig := <-c.OverseerSignals:
			if c.handleSignal(sig) {
				return
			}

		case msg := <-c.OverseerToSubsystem:
			switch m := msg.(type) {
			case ImportStatements:
				err := c.importStatements(m.CandidateHash, m.Receipt, m.Session, m.Statements)
				m.Ch <- parachaintypes.OverseerFuncRes[struct{}]{Err: err}
			case RecentDisputesMsg:
				m.Ch <- parachaintypes.OverseerFuncRes[map[DisputeKey]DisputeStatus]{Data: c.recentDisputes(false)}
			case ActiveDisputesMsg:
				m.Ch <- parachaintypes.OverseerFuncRes[map[DisputeKey]DisputeStatus]{Data: c.recentDisputes(true)}
			case QueryCandidateVotesMsg:
				votes, _, err := c.backend.CandidateVotes(m.Session, m.CandidateHash)
				m.Ch <- parachaintypes.OverseerFuncRes[CandidateVotes]{Data: votes, Err: err}
			case IssueLocalStatementMsg:
				if err := c.issueLocalStatement(m.Session, m.CandidateHash, m.Receipt, m.Valid); err != nil {
					logger.Errorf("issuing local statement: %s", err)
				}
			case DetermineUndisputedChainMsg:
				hash, err := c.determineUndisputedChain(m.BaseNumber, m.BlockDescriptions)
				m.Ch <- parachaintypes.OverseerFuncRes[*common.Hash]{Data: hash, Err: err}
			default:
				logger.Warnf("%s: unhandled message type %T", parachaintypes.ErrUnknownOverseerMessage, m)
			}
		case <-c.stopChan:
			return
		}
	}
}

// handleSignal dispatches one lifecycle signal and reports whether the
// subsystem should exit.
func (c *Coordinator) handleSignal(sig any) bool {
	switch s := sig.(type) {
	case parachaintypes.ActiveLeavesUpdateSignal:
		if err := c.ProcessActiveLeavesUpdateSignal(s); err != nil {
			logger.Errorf("processing active leaves update: %s", err)
		}
	case parachaintypes.BlockFinalizedSignal:
	case parachaintypes.ConcludeSignal:
		return true
	}
	return false
}

// importStatements validates and records a batch of statements for one
// candidate, updating its dispute status and, on a fresh dispute,
// dispatching exactly one participation request.
func (c *Coordinator) importStatements(candidateHash parachaintypes.CandidateHash,
	receipt parachaintypes.CandidateReceipt, session parachaintypes.SessionIndex,
	statements []disputetypes.Statement) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if session < c.window.EarliestSession() {
		logger.Debugf("dropping statements for session %d older than dispute window", session)
		return nil
	}

	sessionInfo, ok := c.window.Session(session)
	if !ok {
		return fmt.Errorf("%w: session %d", ErrUnknownValidator, session)
	}

	votes, existed, err := c.backend.CandidateVotes(session, candidateHash)
	if err != nil {
		return fmt.Errorf("reading candidate votes: %w", err)
	}
	if !existed {
		votes.Receipt = receipt
	}

	priorStatus, hadStatus, err := c.backend.Status(session, candidateHash)
	if err != nil {
		return fmt.Errorf("reading dispute status: %w", err)
	}
	wasSome := hadStatus

	for _, stmt := range statements {
		if int(stmt.ValidatorIndex) >= len(sessionInfo.Validators) {
			return fmt.Errorf("%w: index %d", ErrUnknownValidator, stmt.ValidatorIndex)
		}
		if sessionInfo.Validators[stmt.ValidatorIndex] != stmt.SignedDisputeStatement.ValidatorPublic {
			return fmt.Errorf("%w: validator %d", ErrValidatorKeyMismatch, stmt.ValidatorIndex)
		}

		valid, err := stmt.SignedDisputeStatement.DisputeStatement.IsValid()
		if err != nil {
			return fmt.Errorf("reading statement validity: %w", err)
		}

		vote := Vote{
			ValidatorIndex: stmt.ValidatorIndex,
			Signature:      stmt.SignedDisputeStatement.ValidatorSignature,
		}
		if valid {
			votes.Valid, _ = insertVoteSorted(votes.Valid, vote)
		} else {
			votes.Invalid, _ = insertVoteSorted(votes.Invalid, vote)
		}
	}

	if err := c.backend.SetCandidateVotes(session, candidateHash, votes); err != nil {
		return fmt.Errorf("writing candidate votes: %w", err)
	}

	isDisputed := len(votes.Valid) > 0 && len(votes.Invalid) > 0
	threshold := sessionInfo.SupermajorityThreshold()
	concludedFor := len(votes.Valid) >= threshold
	concludedAgainst := len(votes.Invalid) >= threshold

	// A status only ever comes into existence via a fresh dispute (a
	// candidate with both a valid and an invalid vote recorded against
	// it); reaching a one-sided supermajority without ever disputing is
	// ordinary consensus, not a dispute, and records nothing here.
	if !hadStatus && !isDisputed {
		return nil
	}

	newStatus := priorStatus
	if !hadStatus {
		newStatus = DisputeStatus{Kind: StatusActive}
	}
	newStatus = newStatus.Apply(concludedFor, concludedAgainst, uint64(c.now().Unix()))

	if err := c.backend.SetStatus(session, candidateHash, newStatus); err != nil {
		return fmt.Errorf("writing dispute status: %w", err)
	}

	if !wasSome && c.participator != nil {
		c.participator.Participate(ParticipationRequest{
			Session:       session,
			CandidateHash: candidateHash,
			Receipt:       votes.Receipt,
			NumValidators: len(sessionInfo.Validators),
		})
	}

	return nil
}

// recentDisputes enumerates every dispute status recorded within the
// current session window, filtering to Active-only when requested.
func (c *Coordinator) recentDisputes(activeOnly bool) map[DisputeKey]DisputeStatus {
	out := make(map[DisputeKey]DisputeStatus)
	for _, session := range c.window.Sessions() {
		list, err := c.backend.readSessionCandidates(session)
		if err != nil {
			logger.Warnf("reading session index for session %d: %s", session, err)
			continue
		}
		for _, candidateHash := range list.Candidates {
			status, ok, err := c.backend.Status(session, candidateHash)
			if err != nil || !ok {
				continue
			}
			if activeOnly && status.Kind != StatusActive {
				continue
			}
			out[DisputeKey{Session: session, CandidateHash: candidateHash}] = status
		}
	}
	return out
}

// issueLocalStatement signs an explicit statement for every controlled
// validator key that has not yet voted, then feeds it through the same
// import path.
func (c *Coordinator) issueLocalStatement(session parachaintypes.SessionIndex,
	candidateHash parachaintypes.CandidateHash, receipt parachaintypes.CandidateReceipt, valid bool) error {
	sessionInfo, ok := c.window.Session(session)
	if !ok {
		return fmt.Errorf("%w: session %d", ErrUnknownValidator, session)
	}

	votes, _, err := c.backend.CandidateVotes(session, candidateHash)
	if err != nil {
		return fmt.Errorf("reading candidate votes: %w", err)
	}
	voted := make(map[parachaintypes.ValidatorID]struct{}, len(votes.Valid)+len(votes.Invalid))
	for i, validatorID := range sessionInfo.Validators {
		for _, v := range votes.Valid {
			if int(v.ValidatorIndex) == i {
				voted[validatorID] = struct{}{}
			}
		}
		for _, v := range votes.Invalid {
			if int(v.ValidatorIndex) == i {
				voted[validatorID] = struct{}{}
			}
		}
	}

	var statements []disputetypes.Statement
	for i, validatorID := range sessionInfo.Validators {
		if _, already := voted[validatorID]; already {
			continue
		}
		pub, err := sr25519.NewPublicKey(validatorID[:])
		if err != nil {
			return fmt.Errorf("parsing validator public key: %w", err)
		}
		kp := c.keystore.GetKeypair(pub)
		if kp == nil {
			continue
		}
		signed, err := disputetypes.NewSignedDisputeStatement(kp, valid, candidateHash.Value, session)
		if err != nil {
			return fmt.Errorf("signing local statement: %w", err)
		}
		statements = append(statements, disputetypes.Statement{
			SignedDisputeStatement: signed,
			ValidatorIndex:         parachaintypes.ValidatorIndex(i),
		})
	}

	if len(statements) == 0 {
		return nil
	}
	return c.importStatements(candidateHash, receipt, session, statements)
}

// determineUndisputedChain walks block descriptions forward and returns
// the hash of the last block before the first one carrying a possibly
// invalid candidate.
func (c *Coordinator) determineUndisputedChain(baseNumber parachaintypes.BlockNumber,
	descriptions []BlockDescription) (*common.Hash, error) {
	if len(descriptions) == 0 {
		return nil, nil
	}

	for i, desc := range descriptions {
		compromised, err := c.anyCandidatePossiblyInvalid(desc.Session, desc.Candidates)
		if err != nil {
			return nil, err
		}
		if compromised {
			if i == 0 {
				return nil, nil
			}
			h := descriptions[i-1].Hash
			return &h, nil
		}
	}

	h := descriptions[len(descriptions)-1].Hash
	return &h, nil
}

func (c *Coordinator) anyCandidatePossiblyInvalid(session parachaintypes.SessionIndex,
	candidates []parachaintypes.CandidateHash) (bool, error) {
	for _, candidateHash := range candidates {
		status, ok, err := c.backend.Status(session, candidateHash)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if status.Kind == StatusActive || status.Kind == StatusConcludedAgainst {
			return true, nil
		}
	}
	return false, nil
}

