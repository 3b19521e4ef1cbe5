/* NVBridge poll scheduler tests.

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

package sched

import (
	"testing"
	"time"

	dev "github.com/nvbridge/nvbridge/bridge/device"
	"github.com/nvbridge/nvbridge/bridge/dispatch"
	"github.com/nvbridge/nvbridge/bridge/engine"
	"github.com/nvbridge/nvbridge/bridge/master"
	"github.com/nvbridge/nvbridge/bridge/queue"
	"github.com/nvbridge/nvbridge/bridge/slot"
	"github.com/nvbridge/nvbridge/bridge/testport"
)

type fixture struct {
	sched *Scheduler
	port  *testport.Port
	disp  *dispatch.Table
	eng   *engine.Engine
	table *slot.Table
	sq    *queue.Cursor
	cq    *queue.Cursor

	completions []uint8
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.port = testport.New()
	f.disp = dispatch.New(f.port)
	f.table = slot.New(slot.IODepth)
	f.eng = engine.New("eng0", f.port, f.table)
	sq, err := queue.New(slot.IODepth, dev.RegDoorbellSQ)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	f.sq = sq
	cq, err := queue.New(slot.IODepth, dev.RegDoorbellCQ)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	f.cq = cq
	f.sched = New(f.port, f.disp, f.sq, f.cq, f.eng)
	f.sched.OnCompletion(func(h slot.Handle, status uint8) {
		f.completions = append(f.completions, status)
	})
	return f
}

func (f *fixture) startCommand(t *testing.T, timeout int) slot.Handle {
	t.Helper()
	h, err := f.table.Allocate(0x28, slot.Params{Timeout: timeout})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := f.eng.Configure(h, engine.ProfileDirect); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := f.sq.ReserveEntry(); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := f.eng.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := f.sq.RingDoorbell(f.port); err != nil {
		t.Fatalf("doorbell: %v", err)
	}
	return h
}

// Asserted condition bits each raise their event; handled conditions
// are acknowledged by clearing the status register.
func TestEventFanout(t *testing.T) {
	f := newFixture(t)

	var events []dispatch.EventID
	record := func(event dispatch.EventID) dispatch.Handler {
		return func(int) error {
			events = append(events, event)
			return nil
		}
	}
	for _, e := range []dispatch.EventID{
		dispatch.EventQueue, dispatch.EventLinkChange,
		dispatch.EventError, dispatch.EventTimerTick,
	} {
		if err := f.disp.Register(e, dispatch.ModuleCore, record(e)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	f.disp.Seal()

	f.port.Set(dev.RegEventStatus, EvtBitQueue|EvtBitError)
	f.sched.Tick()

	if len(events) != 2 || events[0] != dispatch.EventQueue || events[1] != dispatch.EventError {
		t.Errorf("events raised: %v", events)
	}
	status, _ := f.port.Read(dev.RegEventStatus)
	if status != 0 {
		t.Errorf("event status not acknowledged: %#02x", status)
	}

	// Quiet status raises nothing.
	events = nil
	f.sched.Tick()
	if len(events) != 0 {
		t.Errorf("events raised on quiet tick: %v", events)
	}
}

// A command in flight is carried to completion across ticks and the
// engine returns to idle with the slot freed.
func TestCommandCompletion(t *testing.T) {
	f := newFixture(t)
	f.disp.Seal()
	f.startCommand(t, 10)

	f.sched.Tick() // Triggered -> WaitingForCompletion
	f.sched.Tick() // WaitingForCompletion -> Complete, reset

	if len(f.completions) != 1 || f.completions[0] != dev.HostStatusGood {
		t.Fatalf("completions: %v", f.completions)
	}
	if f.eng.State() != engine.Idle {
		t.Errorf("engine state %v", f.eng.State())
	}
	if f.table.Live() != 0 {
		t.Errorf("slot not freed: %d live", f.table.Live())
	}
	head, _ := f.cq.Position()
	if head != 1 {
		t.Errorf("completion queue head %d", head)
	}
	// The finished command's submission entry is retired, so the ring
	// never clogs with completed commands.
	if f.sq.Pending() != 0 {
		t.Errorf("submission queue pending %d", f.sq.Pending())
	}
	if f.sched.Stats().Completed != 1 {
		t.Errorf("stats: %+v", f.sched.Stats())
	}
}

// A device error fails the command to the host and recycles the engine.
func TestCommandError(t *testing.T) {
	f := newFixture(t)
	f.disp.Seal()
	f.port.Script(dev.RegErrCount, 0, 5)
	f.startCommand(t, 10)

	f.sched.Tick()
	f.sched.Tick()

	if len(f.completions) != 1 || f.completions[0] != dev.HostStatusCheck {
		t.Fatalf("completions: %v", f.completions)
	}
	if f.eng.State() != engine.Idle {
		t.Errorf("engine state %v", f.eng.State())
	}
}

// A fatal engine fails the command but stays fatal for the operator;
// the scheduler keeps running.
func TestFatalLeavesEngineDown(t *testing.T) {
	f := newFixture(t)
	f.disp.Seal()
	f.port.Set(dev.RegComplStatus, dev.ComplBusy)
	const budget = 3
	f.startCommand(t, budget)

	for range budget + 2 {
		f.sched.Tick()
	}

	if f.eng.State() != engine.Fatal {
		t.Fatalf("engine state %v", f.eng.State())
	}
	if len(f.completions) != 1 || f.completions[0] != dev.HostStatusCheck {
		t.Errorf("completions: %v", f.completions)
	}
	if f.sched.Stats().FatalSeen != 1 {
		t.Errorf("fatal counted %d times", f.sched.Stats().FatalSeen)
	}

	// Further ticks must not re-complete the dead command.
	f.sched.Tick()
	if len(f.completions) != 1 {
		t.Errorf("completions after fatal: %v", f.completions)
	}
}

func TestTicker(t *testing.T) {
	masterChannel := make(chan master.Packet)
	ticker := NewTicker(masterChannel, 2*time.Millisecond)
	defer ticker.Shutdown()

	counter := 0
	done := make(chan struct{})
	go func() {
		for {
			select {
			case p := <-masterChannel:
				if p.Msg != master.TimeClock {
					t.Errorf("unexpected message %d", p.Msg)
				}
				counter++
			case <-done:
				return
			}
		}
	}()

	ticker.Start()
	time.Sleep(50 * time.Millisecond)
	ticker.Stop()
	time.Sleep(5 * time.Millisecond)
	close(done)

	if counter < 10 {
		t.Errorf("expected at least 10 ticks, got %d", counter)
	}
}
