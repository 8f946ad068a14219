// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package overseer implements the message-router that supervises the
// parachain node's subsystems: it owns one task per subsystem, broadcasts
// lifecycle signals in order, and routes point-to-point messages to the
// single subsystem that consumes each type.
package overseer

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/internal/log"
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
)

var logger = log.NewFromGlobal(log.AddContext("pkg", "parachain-overseer"))

// inboxSize is the bound on a subsystem's point-to-point message inbox; the
// signal path is a separate, unbounded priority channel.
const inboxSize = 128

// stopTimeout bounds how long the overseer waits for a subsystem to drain
// and exit after Conclude before giving up on it.
const stopTimeout = 5 * time.Second

// Subsystem is a long-lived actor the overseer supervises. Concrete
// subsystems (candidate validation, collation generation, the dispute
// coordinator) implement this by
// embedding a message loop that selects over the signal and message
// channels Run hands it, giving the signal channel priority so a full
// message inbox can never delay ActiveLeaves, BlockFinalized, or Conclude.
type Subsystem interface {
	Name() parachaintypes.SubSystemName
	Run(ctx context.Context, signals <-chan any, overseerToSubsystem <-chan any, subsystemToOverseer chan<- any)
	ProcessActiveLeavesUpdateSignal(parachaintypes.ActiveLeavesUpdateSignal) error
	ProcessBlockFinalizedSignal(parachaintypes.BlockFinalizedSignal) error
	Stop()
}

// Overseer routes typed messages between subsystems and broadcasts
// lifecycle signals, preserving per-subsystem signal and message order.
type Overseer struct {
	mu          sync.Mutex
	subsystems  map[parachaintypes.SubSystemName]Subsystem
	inboxes     map[parachaintypes.SubSystemName]chan any
	signals     map[parachaintypes.SubSystemName]*signalQueue
	signalOrder []parachaintypes.SubSystemName
	routes      map[reflect.Type]parachaintypes.SubSystemName

	toOverseer chan any

	activeLeaves map[common.Hash]parachaintypes.BlockNumber
	finalized    parachaintypes.BlockNumber

	spans map[common.Hash]leafSpan

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	stopped   chan struct{}
}

// leafSpan tracks the lifetime of one active leaf's trace span: opened
// when the leaf activates, closed when it deactivates. No external
// tracing backend is wired here; this is the in-memory lifecycle
// bookkeeping the overseer's own trace span attachment needs.
type leafSpan struct {
	ID     uuid.UUID
	Number parachaintypes.BlockNumber
	Opened time.Time
}

// NewOverseer returns an empty, unstarted Overseer.
func NewOverseer() *Overseer {
	return &Overseer{
		subsystems:   make(map[parachaintypes.SubSystemName]Subsystem),
		inboxes:      make(map[parachaintypes.SubSystemName]chan any),
		signals:      make(map[parachaintypes.SubSystemName]*signalQueue),
		routes:       make(map[reflect.Type]parachaintypes.SubSystemName),
		toOverseer:   make(chan any, inboxSize),
		activeLeaves: make(map[common.Hash]parachaintypes.BlockNumber),
		spans:        make(map[common.Hash]leafSpan),
		stopped:      make(chan struct{}),
	}
}

// RegisterSubsystem adds a subsystem to be supervised. Must be called
// before Start.
func (o *Overseer) RegisterSubsystem(sub Subsystem) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name := sub.Name()
	o.subsystems[name] = sub
	o.inboxes[name] = make(chan any, inboxSize)
	o.signals[name] = newSignalQueue()
	o.signalOrder = append(o.signalOrder, name)
}

// RegisterRoute binds a concrete message type to the subsystem that
// consumes it, making the routing table compile-time derivable at wiring
// time. Callers pass a zero value of the message type, e.g.
// RegisterRoute(candidatevalidation.ValidateFromChainState{}, ...); a pointer
// to the type is accepted too and routes the same type.
func (o *Overseer) RegisterRoute(msgTypeSample any, target parachaintypes.SubSystemName) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := reflect.TypeOf(msgTypeSample)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	o.routes[t] = target
}

// Start launches one goroutine per registered subsystem plus the router
// goroutine, and returns once every subsystem has been handed its
// channels.
func (o *Overseer) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	for name, sub := range o.subsystems {
		inbox := o.inboxes[name]
		signals := o.signals[name]
		sub := sub
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			sub.Run(o.ctx, signals.out, inbox, o.toOverseer)
		}()
	}

	o.wg.Add(1)
	go o.route()
}

// route drains the shared subsystem->overseer funnel and forwards each
// message to the subsystem registered for its concrete type.
func (o *Overseer) route() {
	defer o.wg.Done()
	for {
		select {
		case msg, ok := <-o.toOverseer:
			if !ok {
				return
			}
			if err := o.dispatch(msg); err != nil {
				logger.Errorf("routing message: %s", err)
			}
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Overseer) dispatch(msg any) error {
	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	o.mu.Lock()
	target, ok := o.routes[t]
	var inbox chan any
	if ok {
		inbox = o.inboxes[target]
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no route for %s", parachaintypes.ErrUnknownOverseerMessage, t)
	}

	select {
	case inbox <- msg:
		return nil
	case <-o.ctx.Done():
		return fmt.Errorf("overseer shutting down, dropping message for %s", target)
	}
}

// SendMessage routes msg to whichever subsystem RegisterRoute bound its
// type to. External callers (CLI, RPC, tests) use this as the overseer's
// public send_message(M) entry point.
func (o *Overseer) SendMessage(msg any) error {
	return o.dispatch(msg)
}

// ImportLeaf records a newly activated leaf and broadcasts ActiveLeaves to
// every subsystem, in signal order.
func (o *Overseer) ImportLeaf(hash common.Hash, number parachaintypes.BlockNumber) {
	o.mu.Lock()
	o.activeLeaves[hash] = number
	o.spans[hash] = leafSpan{ID: uuid.New(), Number: number, Opened: time.Now()}
	o.mu.Unlock()

	o.broadcast(parachaintypes.ActiveLeavesUpdateSignal{
		Activated: &parachaintypes.ActivatedLeaf{Hash: hash, Number: number},
	})
}

// Finalize deactivates every active leaf at or below the finalized number
// that is not itself the finalized block,
// and broadcasts BlockFinalized.
func (o *Overseer) Finalize(hash common.Hash, number parachaintypes.BlockNumber) {
	o.mu.Lock()
	o.finalized = number
	var deactivated []common.Hash
	for leafHash, leafNumber := range o.activeLeaves {
		if leafHash == hash {
			continue
		}
		if leafNumber <= number {
			deactivated = append(deactivated, leafHash)
		}
	}
	for _, h := range deactivated {
		delete(o.activeLeaves, h)
		delete(o.spans, h)
	}
	o.mu.Unlock()

	if len(deactivated) > 0 {
		o.broadcast(parachaintypes.ActiveLeavesUpdateSignal{Deactivated: deactivated})
	}
	o.broadcast(parachaintypes.BlockFinalizedSignal{Hash: hash, Number: number})
}

// SpanID reports the trace span opened for hash while it remains an
// active leaf, and whether one is currently open.
func (o *Overseer) SpanID(hash common.Hash) (uuid.UUID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.spans[hash]
	return s.ID, ok
}

// broadcast pushes signal onto every subsystem's priority signal queue, in
// registration order. The push itself never blocks: signalQueue is
// unbounded, so a stalled subsystem can never hold up delivery to the
// others, and a full message inbox never delays a signal behind it.
func (o *Overseer) broadcast(signal any) {
	o.mu.Lock()
	order := append([]parachaintypes.SubSystemName(nil), o.signalOrder...)
	o.mu.Unlock()

	for _, name := range order {
		o.mu.Lock()
		queue := o.signals[name]
		o.mu.Unlock()
		queue.push(signal)
	}
}

// Stop broadcasts Conclude, waits (bounded by stopTimeout) for every
// subsystem to drain and exit, then tears down the router.
func (o *Overseer) Stop() {
	o.closeOnce.Do(func() {
		o.broadcast(parachaintypes.ConcludeSignal{})

		o.mu.Lock()
		subs := make([]Subsystem, 0, len(o.subsystems))
		for _, s := range o.subsystems {
			subs = append(subs, s)
		}
		o.mu.Unlock()

		done := make(chan struct{})
		go func() {
			for _, s := range subs {
				s.Stop()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(stopTimeout):
			logger.Errorf("timed out waiting for subsystems to stop")
		}

		o.cancel()
		o.wg.Wait()

		o.mu.Lock()
		for _, q := range o.signals {
			q.close()
		}
		o.mu.Unlock()

		close(o.stopped)
	})
}

// Done reports when the overseer has fully stopped.
func (o *Overseer) Done() <-chan struct{} {
	return o.stopped
}

// signalQueue is an unbounded, FIFO-ordered delivery channel for lifecycle
// signals: push never blocks regardless of how many signals are already
// queued, so a stalled or slow-draining subsystem can never back up signal
// delivery to any other subsystem, or behind its own bounded message inbox.
// The backing buffer is a block-allocated ring deque rather than a plain
// growing slice, so a long burst of queued signals doesn't pin down one
// ever-growing backing array.
type signalQueue struct {
	mu   sync.Mutex
	buf  *deque.Deque[any]
	wake chan struct{}
	out  chan any
	done chan struct{}
}

func newSignalQueue() *signalQueue {
	q := &signalQueue{
		buf:  deque.New[any](),
		wake: make(chan struct{}, 1),
		out:  make(chan any),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// push enqueues signal and returns immediately.
func (q *signalQueue) push(signal any) {
	q.mu.Lock()
	q.buf.PushBack(signal)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run drains buf onto out one signal at a time, blocking only on an empty
// queue or while out has no reader.
func (q *signalQueue) run() {
	for {
		q.mu.Lock()
		if q.buf.Len() == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		next := q.buf.PopFront()
		q.mu.Unlock()

		select {
		case q.out <- next:
		case <-q.done:
			return
		}
	}
}

func (q *signalQueue) close() {
	close(q.done)
}
