/* NVBridge command engine driver tests.

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

package engine

import (
	"errors"
	"testing"

	dev "github.com/nvbridge/nvbridge/bridge/device"
	"github.com/nvbridge/nvbridge/bridge/slot"
	"github.com/nvbridge/nvbridge/bridge/testport"
)

func newEngine() (*Engine, *testport.Port, *slot.Table) {
	port := testport.New()
	table := slot.New(slot.IODepth)
	return New("eng0", port, table), port, table
}

func allocate(t *testing.T, table *slot.Table, params slot.Params) slot.Handle {
	t.Helper()
	h, err := table.Allocate(0x28, params)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	return h
}

// Every configuration write must land before the trigger write.
func TestWriteOrdering(t *testing.T) {
	eng, port, table := newEngine()
	h := allocate(t, table, slot.Params{Mode: slot.ModeRead, LBA: 0x00010000, Length: 8})

	if err := eng.Configure(h, ProfileDirect); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	trigger := port.FirstWrite(dev.RegTrigger)
	if trigger < 0 {
		t.Fatal("trigger never written")
	}
	for _, reg := range []dev.Reg{
		dev.RegOpcode, dev.RegLBA0, dev.RegLBA1, dev.RegLBA2,
		dev.RegLBA3, dev.RegLenLo, dev.RegLenHi, dev.RegControl,
	} {
		idx := port.FirstWrite(reg)
		if idx < 0 {
			t.Errorf("register %d never written", reg)
			continue
		}
		if idx > trigger {
			t.Errorf("register %d written after trigger", reg)
		}
	}

	// LBA bytes must carry the configured address.
	writes := port.Writes()
	want := map[dev.Reg]uint8{
		dev.RegOpcode: 0x28,
		dev.RegLBA0:   0x00,
		dev.RegLBA1:   0x00,
		dev.RegLBA2:   0x01,
		dev.RegLBA3:   0x00,
		dev.RegLenLo:  8,
	}
	for _, w := range writes {
		if value, ok := want[w.Reg]; ok && w.Value != value {
			t.Errorf("register %d: wrote %#x, want %#x", w.Reg, w.Value, value)
		}
	}
}

// Full lifetime: trigger, complete, reset, slot reusable.
func TestCompleteLifetime(t *testing.T) {
	eng, _, table := newEngine()
	h := allocate(t, table, slot.Params{Mode: slot.ModeRead, LBA: 0x00010000, Length: 8})

	if err := eng.Configure(h, ProfileDirect); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	// All status registers read zero: first poll advances to waiting,
	// second poll completes.
	state, err := eng.Poll()
	if err != nil || state != WaitingForCompletion {
		t.Fatalf("poll 1: state %v err %v", state, err)
	}
	state, err = eng.Poll()
	if err != nil || state != Complete {
		t.Fatalf("poll 2: state %v err %v", state, err)
	}

	if err := eng.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if eng.State() != Idle {
		t.Errorf("engine not idle after reset: %v", eng.State())
	}
	if table.Live() != 0 {
		t.Errorf("slot not released: %d live", table.Live())
	}

	// The index may be reused by a later allocation.
	h2 := allocate(t, table, slot.Params{Mode: slot.ModeWrite})
	if h2.Index() != h.Index() {
		t.Errorf("expected slot %d reused, got %d", h.Index(), h2.Index())
	}

	stats := eng.Stats()
	if stats.Started != 1 || stats.Completed != 1 {
		t.Errorf("stats wrong: %+v", stats)
	}
}

// The engine stays Triggered while the composite busy condition holds.
func TestBusyHolds(t *testing.T) {
	eng, port, table := newEngine()
	h := allocate(t, table, slot.Params{Timeout: 10})

	port.Script(dev.RegStatus, dev.StatusBusy, dev.StatusBusy, 0)

	if err := eng.Configure(h, ProfileQueued); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	for i := range 2 {
		state, err := eng.Poll()
		if err != nil || state != Triggered {
			t.Fatalf("poll %d: state %v err %v", i, state, err)
		}
	}
	state, err := eng.Poll()
	if err != nil || state != WaitingForCompletion {
		t.Fatalf("final poll: state %v err %v", state, err)
	}
}

// Each leg of the composite busy condition keeps the engine triggered.
func TestBusyComposite(t *testing.T) {
	cases := []struct {
		name  string
		reg   dev.Reg
		value uint8
	}{
		{"status bit 1", dev.RegStatus, dev.StatusBusy},
		{"busy bit 0", dev.RegBusy, dev.BusyActive},
		{"error count", dev.RegErrCount, 1},
		{"status bit 3", dev.RegStatus, dev.StatusErr},
	}
	for _, tc := range cases {
		eng, port, table := newEngine()
		h := allocate(t, table, slot.Params{Timeout: 5})
		port.Script(tc.reg, tc.value, 0)

		if err := eng.Configure(h, ProfileDirect); err != nil {
			t.Fatalf("%s: configure: %v", tc.name, err)
		}
		if err := eng.Trigger(); err != nil {
			t.Fatalf("%s: trigger: %v", tc.name, err)
		}
		state, err := eng.Poll()
		if err != nil || state != Triggered {
			t.Errorf("%s: expected to stay triggered, state %v err %v", tc.name, state, err)
		}
	}
}

// A command stuck busy exhausts its budget and reports timeout.
func TestTriggeredTimeout(t *testing.T) {
	eng, port, table := newEngine()
	h := allocate(t, table, slot.Params{Timeout: 4})
	port.Set(dev.RegBusy, dev.BusyActive)

	if err := eng.Configure(h, ProfileDirect); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	for i := range 3 {
		state, err := eng.Poll()
		if err != nil || state != Triggered {
			t.Fatalf("poll %d: state %v err %v", i, state, err)
		}
	}
	state, err := eng.Poll()
	if state != Error || !errors.Is(err, dev.ErrTimeout) {
		t.Fatalf("expected timeout error, state %v err %v", state, err)
	}
}

// A stuck completion handshake goes Fatal after exactly the configured
// budget, never fewer, never more.
func TestCompletionTimeoutExact(t *testing.T) {
	const budget = 5
	eng, port, table := newEngine()
	h := allocate(t, table, slot.Params{Timeout: budget})
	port.Set(dev.RegComplStatus, dev.ComplBusy)

	if err := eng.Configure(h, ProfileDirect); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	state, err := eng.Poll()
	if err != nil || state != WaitingForCompletion {
		t.Fatalf("advance poll: state %v err %v", state, err)
	}

	for i := range budget - 1 {
		state, err := eng.Poll()
		if err != nil || state != WaitingForCompletion {
			t.Fatalf("waiting poll %d: state %v err %v", i, state, err)
		}
	}
	state, err = eng.Poll()
	if state != Fatal || !errors.Is(err, dev.ErrTimeout) {
		t.Fatalf("expected fatal on poll %d, state %v err %v", budget, state, err)
	}

	// Fatal is terminal until reset.
	state, err = eng.Poll()
	if state != Fatal || err != nil {
		t.Fatalf("fatal not terminal: state %v err %v", state, err)
	}
	if eng.Stats().Fatals != 1 {
		t.Errorf("expected 1 fatal, got %d", eng.Stats().Fatals)
	}
}

// A non-zero error count at completion surfaces as a device error.
func TestDeviceError(t *testing.T) {
	eng, port, table := newEngine()
	h := allocate(t, table, slot.Params{})
	port.Script(dev.RegErrCount, 0, 3)

	if err := eng.Configure(h, ProfileDirect); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	state, err := eng.Poll()
	if err != nil || state != WaitingForCompletion {
		t.Fatalf("advance poll: state %v err %v", state, err)
	}
	state, err = eng.Poll()
	if state != Error || !errors.Is(err, dev.ErrDevice) {
		t.Fatalf("expected device error, state %v err %v", state, err)
	}

	if err := eng.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if table.Live() != 0 {
		t.Error("slot not released after error reset")
	}
}

// Configure is only legal from Idle, Trigger only from Configured.
// Reset abandons a configured command but never a triggered one.
func TestStateGuards(t *testing.T) {
	eng, _, table := newEngine()
	h := allocate(t, table, slot.Params{})

	if err := eng.Trigger(); err == nil {
		t.Error("trigger from idle accepted")
	}
	if err := eng.Configure(h, ProfileDirect); err != nil {
		t.Fatalf("configure: %v", err)
	}
	h2 := allocate(t, table, slot.Params{})
	if err := eng.Configure(h2, ProfileDirect); err == nil {
		t.Error("configure while configured accepted")
	}

	// Abandoning the configured command frees its slot.
	if err := eng.Reset(); err != nil {
		t.Fatalf("reset from configured: %v", err)
	}
	if err := table.Release(h2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if table.Live() != 0 {
		t.Errorf("slot not released: %d live", table.Live())
	}

	h3 := allocate(t, table, slot.Params{})
	if err := eng.Configure(h3, ProfileDirect); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := eng.Reset(); err == nil {
		t.Error("reset from triggered accepted")
	}
}

// The trigger byte profiles carry the hardware trigger values.
func TestTriggerProfiles(t *testing.T) {
	eng, port, table := newEngine()
	h := allocate(t, table, slot.Params{})

	if uint8(ProfileDirect) != dev.TriggerNormal || uint8(ProfileQueued) != dev.TriggerQueued {
		t.Fatalf("profiles %#02x %#02x", uint8(ProfileDirect), uint8(ProfileQueued))
	}

	if err := eng.Configure(h, ProfileQueued); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	writes := port.Writes()
	last := writes[len(writes)-1]
	if last.Reg != dev.RegTrigger || last.Value != dev.TriggerQueued {
		t.Errorf("trigger write wrong: %+v", last)
	}
}

// A failed trigger write must not strand the engine: the command lands
// in Error, a reset recovers both the engine and the slot.
func TestTriggerWriteFailure(t *testing.T) {
	eng, port, table := newEngine()
	h := allocate(t, table, slot.Params{})

	if err := eng.Configure(h, ProfileDirect); err != nil {
		t.Fatalf("configure: %v", err)
	}
	port.FailWrites = true
	if err := eng.Trigger(); err == nil {
		t.Fatal("trigger write failure not reported")
	}
	if eng.State() != Error {
		t.Fatalf("engine state %v", eng.State())
	}
	port.FailWrites = false

	if err := eng.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if eng.State() != Idle {
		t.Errorf("engine state %v after reset", eng.State())
	}
	if table.Live() != 0 {
		t.Errorf("slot leaked: %d live", table.Live())
	}

	// The engine is immediately reusable.
	h2 := allocate(t, table, slot.Params{})
	if err := eng.Configure(h2, ProfileDirect); err != nil {
		t.Fatalf("configure after recovery: %v", err)
	}
	if err := eng.Trigger(); err != nil {
		t.Fatalf("trigger after recovery: %v", err)
	}
}

// The sequence counter rotates through 3 bits.
func TestSequenceCounter(t *testing.T) {
	eng, _, table := newEngine()

	for i := range 9 {
		h := allocate(t, table, slot.Params{})
		if err := eng.Configure(h, ProfileDirect); err != nil {
			t.Fatalf("configure %d: %v", i, err)
		}
		if err := eng.Trigger(); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
		if _, err := eng.Poll(); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if _, err := eng.Poll(); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if err := eng.Reset(); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
	}
	// Nine resets: 9 & 7 == 1.
	if eng.Seq() != 1 {
		t.Errorf("expected sequence 1 after 9 commands, got %d", eng.Seq())
	}
}
