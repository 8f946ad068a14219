// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package overseer

import (
	"context"
	"sync"
	"testing"
	"time"

	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/stretchr/testify/require"
)

// pingMessage is a toy point-to-point message routed to echoSubsystem.
type pingMessage struct {
	Reply chan string
}

// echoSubsystem is a minimal Subsystem used to exercise signal broadcast
// and message routing without depending on a real subsystem package.
type echoSubsystem struct {
	name parachaintypes.SubSystemName

	mu       sync.Mutex
	leaves   []parachaintypes.ActiveLeavesUpdateSignal
	finals   []parachaintypes.BlockFinalizedSignal
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newEchoSubsystem(name parachaintypes.SubSystemName) *echoSubsystem {
	return &echoSubsystem{name: name, stopChan: make(chan struct{})}
}

func (e *echoSubsystem) Name() parachaintypes.SubSystemName { return e.name }

func (e *echoSubsystem) Run(_ context.Context, signals <-chan any, in <-chan any, _ chan<- any) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case sig := <-signals:
				if e.handleSignal(sig) {
					return
				}
				continue
			default:
			}

			select {
			case sig := <-signals:
				if e.handleSignal(sig) {
					return
				}
			case msg := <-in:
				if m, ok := msg.(pingMessage); ok {
					m.Reply <- "pong"
				}
			case <-e.stopChan:
				return
			}
		}
	}()
}

func (e *echoSubsystem) handleSignal(sig any) bool {
	switch s := sig.(type) {
	case parachaintypes.ActiveLeavesUpdateSignal:
		_ = e.ProcessActiveLeavesUpdateSignal(s)
	case parachaintypes.BlockFinalizedSignal:
		_ = e.ProcessBlockFinalizedSignal(s)
	case parachaintypes.ConcludeSignal:
		return true
	}
	return false
}

func (e *echoSubsystem) ProcessActiveLeavesUpdateSignal(s parachaintypes.ActiveLeavesUpdateSignal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leaves = append(e.leaves, s)
	return nil
}

func (e *echoSubsystem) ProcessBlockFinalizedSignal(s parachaintypes.BlockFinalizedSignal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finals = append(e.finals, s)
	return nil
}

func (e *echoSubsystem) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

func (e *echoSubsystem) leafCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.leaves)
}

func (e *echoSubsystem) finalCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.finals)
}

func TestOverseerBroadcastsSignalsToEverySubsystem(t *testing.T) {
	o := NewOverseer()
	ss1 := newEchoSubsystem("echo-1")
	ss2 := newEchoSubsystem("echo-2")
	o.RegisterSubsystem(ss1)
	o.RegisterSubsystem(ss2)

	o.Start(context.Background())

	hash := [32]byte{1}
	o.ImportLeaf(hash, 1)
	o.Finalize(hash, 1)

	require.Eventually(t, func() bool {
		return ss1.leafCount() == 1 && ss2.leafCount() == 1
	}, time.Second, time.Millisecond*10)
	require.Eventually(t, func() bool {
		return ss1.finalCount() == 1 && ss2.finalCount() == 1
	}, time.Second, time.Millisecond*10)

	o.Stop()
	<-o.Done()
}

func TestOverseerRoutesMessageByType(t *testing.T) {
	o := NewOverseer()
	ss := newEchoSubsystem("echo-1")
	o.RegisterSubsystem(ss)
	o.RegisterRoute(pingMessage{}, "echo-1")

	o.Start(context.Background())

	reply := make(chan string, 1)
	require.NoError(t, o.SendMessage(pingMessage{Reply: reply}))

	select {
	case res := <-reply:
		require.Equal(t, "pong", res)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}

	o.Stop()
	<-o.Done()
}

func TestOverseerOpensAndClosesLeafSpans(t *testing.T) {
	o := NewOverseer()
	o.Start(context.Background())
	defer o.Stop()

	hash := [32]byte{7}
	_, ok := o.SpanID(hash)
	require.False(t, ok, "no span before the leaf activates")

	o.ImportLeaf(hash, 1)
	id, ok := o.SpanID(hash)
	require.True(t, ok)
	require.NotZero(t, id)

	o.Finalize(hash, 1)
	_, stillOpen := o.SpanID(hash)
	require.True(t, stillOpen, "the finalized hash itself is never deactivated")

	other := [32]byte{8}
	o.ImportLeaf(other, 2)
	o.Finalize(hash, 2)
	_, ok = o.SpanID(other)
	require.False(t, ok, "a leaf at the new finalized number closes its span")
}

// stalledSubsystem never drains its message inbox, so a full inbox would
// block signal delivery if signals shared that channel.
type stalledSubsystem struct {
	name     parachaintypes.SubSystemName
	stopChan chan struct{}
	got      chan parachaintypes.ActiveLeavesUpdateSignal
}

func newStalledSubsystem(name parachaintypes.SubSystemName) *stalledSubsystem {
	return &stalledSubsystem{name: name, stopChan: make(chan struct{}), got: make(chan parachaintypes.ActiveLeavesUpdateSignal, 1)}
}

func (s *stalledSubsystem) Name() parachaintypes.SubSystemName { return s.name }

func (s *stalledSubsystem) Run(_ context.Context, signals <-chan any, _ <-chan any, _ chan<- any) {
	go func() {
		for {
			select {
			case sig := <-signals:
				if leaves, ok := sig.(parachaintypes.ActiveLeavesUpdateSignal); ok {
					s.got <- leaves
				}
			case <-s.stopChan:
				return
			}
		}
	}()
}

func (s *stalledSubsystem) ProcessActiveLeavesUpdateSignal(parachaintypes.ActiveLeavesUpdateSignal) error {
	return nil
}
func (s *stalledSubsystem) ProcessBlockFinalizedSignal(parachaintypes.BlockFinalizedSignal) error {
	return nil
}
func (s *stalledSubsystem) Stop() { close(s.stopChan) }

func TestOverseerSignalDeliveryIsNotBlockedByFullMessageInbox(t *testing.T) {
	o := NewOverseer()
	stalled := newStalledSubsystem("stalled")
	o.RegisterSubsystem(stalled)
	o.RegisterRoute(pingMessage{}, "stalled")
	o.Start(context.Background())
	defer o.Stop()

	// Saturate the bounded message inbox; stalledSubsystem never reads it.
	for i := 0; i < inboxSize; i++ {
		require.NoError(t, o.SendMessage(pingMessage{Reply: make(chan string, 1)}))
	}

	hash := [32]byte{9}
	o.ImportLeaf(hash, 1)

	select {
	case <-stalled.got:
	case <-time.After(time.Second):
		t.Fatal("signal delivery blocked behind a full, undrained message inbox")
	}
}

func TestOverseerUnroutedMessageErrors(t *testing.T) {
	o := NewOverseer()
	o.Start(context.Background())
	defer o.Stop()

	err := o.SendMessage(pingMessage{Reply: make(chan string, 1)})
	require.Error(t, err)
}
