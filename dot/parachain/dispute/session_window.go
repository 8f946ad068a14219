// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package dispute

import (
	"sync"

	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
)

// windowSize is the number of trailing sessions the window retains.
const windowSize = 6

// SessionInfo holds what a dispute needs to know about one session: its
// validator set (to validate a statement's claimed identity) and the
// supermajority threshold derived from that set's size.
type SessionInfo struct {
	Validators []parachaintypes.ValidatorID
}

// SupermajorityThreshold is the smallest vote count exceeding 2/3 of the
// validator set.
func (s SessionInfo) SupermajorityThreshold() int {
	n := len(s.Validators)
	return (n*2)/3 + 1
}

// SessionWindow is a sliding cache of the most recent windowSize sessions'
// metadata.
type SessionWindow struct {
	mu       sync.Mutex
	sessions map[parachaintypes.SessionIndex]SessionInfo
	earliest parachaintypes.SessionIndex
	latest   parachaintypes.SessionIndex
	has      bool
}

// NewSessionWindow returns an empty SessionWindow.
func NewSessionWindow() *SessionWindow {
	return &SessionWindow{sessions: make(map[parachaintypes.SessionIndex]SessionInfo)}
}

// Advance records info for session, evicting any session older than the
// new windowSize-wide lower bound. It returns the evicted sessions so the
// caller can prune their backend records in the same step.
func (w *SessionWindow) Advance(session parachaintypes.SessionIndex, info SessionInfo) []parachaintypes.SessionIndex {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sessions[session] = info
	if !w.has || session > w.latest {
		w.latest = session
	}
	w.has = true

	var lowerBound parachaintypes.SessionIndex
	if w.latest >= windowSize {
		lowerBound = w.latest - windowSize + 1
	}

	var evicted []parachaintypes.SessionIndex
	for s := range w.sessions {
		if s < lowerBound {
			evicted = append(evicted, s)
			delete(w.sessions, s)
		}
	}
	w.earliest = lowerBound
	return evicted
}

// Session returns the cached info for session, if still within the window.
func (w *SessionWindow) Session(session parachaintypes.SessionIndex) (SessionInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, ok := w.sessions[session]
	return info, ok
}

// EarliestSession is the oldest session boundary still retained; sessions
// older than this are dropped on import.
func (w *SessionWindow) EarliestSession() parachaintypes.SessionIndex {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.earliest
}

// Sessions returns every session index currently cached.
func (w *SessionWindow) Sessions() []parachaintypes.SessionIndex {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]parachaintypes.SessionIndex, 0, len(w.sessions))
	for s := range w.sessions {
		out = append(out, s)
	}
	return out
}
