/* NVBridge poll scheduler.

   Copyright (c) 2025, NVBridge Authors

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   THE AUTHORS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

*/

// Each tick the scheduler reads the aggregated event status register,
// routes asserted condition bits through the dispatch table, and steps
// every engine with a command in flight. Waiting is always expressed by
// an engine staying in its state across ticks, never by spinning inside
// a call.
package sched

import (
	"errors"
	"log/slog"
	"sync"

	dev "github.com/nvbridge/nvbridge/bridge/device"
	"github.com/nvbridge/nvbridge/bridge/dispatch"
	"github.com/nvbridge/nvbridge/bridge/engine"
	"github.com/nvbridge/nvbridge/bridge/queue"
	"github.com/nvbridge/nvbridge/bridge/slot"
	"github.com/nvbridge/nvbridge/util/debug"
)

// Debug option masks.
const (
	debugEvent = 1 << iota
	debugStep
)

var debugOption = map[string]int{
	"EVENT": debugEvent,
	"STEP":  debugStep,
}

var debugMsk int

// Enable debug option.
func Debug(opt string) error {
	flag, ok := debugOption[opt]
	if !ok {
		return errors.New("sched debug option invalid: " + opt)
	}
	debugMsk |= flag
	return nil
}

// Aggregated event status bits and the events they raise.
const (
	EvtBitQueue uint8 = 0x01 // Completion queue activity
	EvtBitLink  uint8 = 0x02 // PCIe link change
	EvtBitError uint8 = 0x04 // Error condition latched
	EvtBitTimer uint8 = 0x08 // Device side timer expired
)

// Called when a deferred command reaches a terminal state.
type CompletionFunc func(h slot.Handle, status uint8)

// Counters surfaced by the console.
type Stats struct {
	Ticks     uint64
	Events    uint64
	Completed uint64
	Failed    uint64
	FatalSeen uint64
}

// Scheduler drives the bridge forward one tick at a time.
type Scheduler struct {
	mu      sync.Mutex
	port    dev.Port
	disp    *dispatch.Table
	engines []*engine.Engine
	sq      *queue.Cursor
	cq      *queue.Cursor
	done    CompletionFunc
	stats   Stats
}

// Create a scheduler stepping the given engines and retiring entries
// from the submission and completion queues.
func New(port dev.Port, disp *dispatch.Table, sq, cq *queue.Cursor, engines ...*engine.Engine) *Scheduler {
	return &Scheduler{port: port, disp: disp, sq: sq, cq: cq, engines: engines}
}

// Install the completion callback. Must be set before the first tick.
func (s *Scheduler) OnCompletion(fn CompletionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = fn
}

// One scheduler tick. Safe against overlapping invocation; a tick
// arriving while another runs waits its turn rather than interleaving.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Ticks++

	s.dispatchEvents()
	for _, eng := range s.engines {
		s.stepEngine(eng)
	}
}

// Read the aggregated status register and raise one event per asserted
// condition bit.
func (s *Scheduler) dispatchEvents() {
	status, err := s.port.Read(dev.RegEventStatus)
	if err != nil {
		slog.Error("event status read failed", "err", err)
		return
	}
	if status == 0 {
		return
	}
	debug.Debugf("SCHED", debugMsk, debugEvent, "event status %02x", status)

	bits := []struct {
		bit   uint8
		event dispatch.EventID
	}{
		{EvtBitQueue, dispatch.EventQueue},
		{EvtBitLink, dispatch.EventLinkChange},
		{EvtBitError, dispatch.EventError},
		{EvtBitTimer, dispatch.EventTimerTick},
	}
	for _, b := range bits {
		if status&b.bit == 0 {
			continue
		}
		s.stats.Events++
		if err := s.disp.Dispatch(b.event, int(status)); err != nil &&
			!errors.Is(err, dev.ErrUnsupported) {
			slog.Error("event dispatch failed", "event", b.event, "err", err)
		}
	}
	// Acknowledge the conditions just handled.
	if err := s.port.Write(dev.RegEventStatus, 0); err != nil {
		slog.Error("event status clear failed", "err", err)
	}
}

// Advance one engine. Completion and error both release the engine;
// Fatal is left standing for the operator, with only the host command
// failed out.
func (s *Scheduler) stepEngine(eng *engine.Engine) {
	switch eng.State() {
	case engine.Triggered, engine.WaitingForCompletion:
	default:
		return
	}

	state, err := eng.Poll()
	debug.Debugf("SCHED", debugMsk, debugStep, "%s stepped to %s", eng.Name(), state)
	switch state {
	case engine.Complete:
		// The device has consumed the submission entry by the time the
		// command is terminal; retire it so the ring never fills up with
		// finished commands.
		s.sq.AdvanceHead()
		s.cq.AdvanceHead()
		s.complete(eng.Handle(), dev.HostStatusGood)
		s.stats.Completed++
		if err := eng.Reset(); err != nil {
			slog.Error("engine reset failed", "engine", eng.Name(), "err", err)
		}
	case engine.Error:
		s.sq.AdvanceHead()
		s.complete(eng.Handle(), dev.HostStatusCheck)
		s.stats.Failed++
		if err := eng.Reset(); err != nil {
			slog.Error("engine reset failed", "engine", eng.Name(), "err", err)
		}
	case engine.Fatal:
		// Terminal until an operator reset; only the affected command
		// pipeline dies.
		s.sq.AdvanceHead()
		s.complete(eng.Handle(), dev.HostStatusCheck)
		s.stats.Failed++
		s.stats.FatalSeen++
		slog.Error("engine entered fatal state", "engine", eng.Name(), "err", err)
	}
}

func (s *Scheduler) complete(h slot.Handle, status uint8) {
	if s.done != nil {
		s.done(h, status)
	}
}

// Counter snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Engines under this scheduler, for the console.
func (s *Scheduler) Engines() []*engine.Engine {
	return s.engines
}
