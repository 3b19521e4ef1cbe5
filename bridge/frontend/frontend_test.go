/* NVBridge host protocol front end tests.

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

package frontend

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nvbridge/nvbridge/bridge/cfgblock"
	dev "github.com/nvbridge/nvbridge/bridge/device"
	"github.com/nvbridge/nvbridge/bridge/dispatch"
	"github.com/nvbridge/nvbridge/bridge/engine"
	"github.com/nvbridge/nvbridge/bridge/fwupdate"
	"github.com/nvbridge/nvbridge/bridge/queue"
	"github.com/nvbridge/nvbridge/bridge/slot"
	"github.com/nvbridge/nvbridge/bridge/testport"
)

type fixture struct {
	fe    *FrontEnd
	port  *testport.Port
	io    *slot.Table
	adm   *slot.Table
	eng   *engine.Engine
	sq    *queue.Cursor
	disp  *dispatch.Table
	store *cfgblock.Store
	fw    *fwupdate.Updater
}

func newFixture(t *testing.T, magic bool) *fixture {
	t.Helper()
	port := testport.New()
	io := slot.New(slot.IODepth)
	adm := slot.New(slot.AdminDepth)
	eng := engine.New("eng0", port, io)
	sq, err := queue.New(slot.IODepth, dev.RegDoorbellSQ)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	disp := dispatch.New(port)
	store := cfgblock.New()
	if magic {
		store.SetVendorMagic()
	}
	fw := fwupdate.New(store)

	fe := New(port, io, adm, eng, sq, disp, store, fw)
	if err := fe.RegisterAdminHandlers(); err != nil {
		t.Fatalf("register admin handlers: %v", err)
	}
	if err := disp.Register(dispatch.EventReset, dispatch.ModuleCore, nil); err != nil {
		t.Fatalf("register reset: %v", err)
	}
	disp.Seal()

	return &fixture{fe: fe, port: port, io: io, adm: adm, eng: eng,
		sq: sq, disp: disp, store: store, fw: fw}
}

func TestStandardRead(t *testing.T) {
	f := newFixture(t, false)

	cdb := []uint8{OpRead10, 0, 0x00, 0x01, 0x00, 0x00, 0, 0x00, 0x08, 0}
	resp, err := f.fe.Submit(cdb, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !resp.Deferred || resp.Status != dev.HostStatusGood {
		t.Fatalf("response wrong: %+v", resp)
	}
	if f.eng.State() != engine.Triggered {
		t.Errorf("engine state %v", f.eng.State())
	}

	s, err := f.io.Get(resp.Handle)
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	if s.LBA != 0x00010000 || s.Length != 8 || s.Mode != slot.ModeRead {
		t.Errorf("slot decoded wrong: %+v", s)
	}

	// Doorbell rings only after the trigger, which follows every
	// parameter write.
	doorbell := f.port.FirstWrite(dev.RegDoorbellSQ)
	trigger := f.port.FirstWrite(dev.RegTrigger)
	if doorbell < 0 || trigger < 0 || doorbell < trigger {
		t.Errorf("doorbell at %d, trigger at %d", doorbell, trigger)
	}
}

// A second I/O while the engine is occupied backs off with busy status
// and does not leak its slot or advance the submission queue.
func TestEngineBusy(t *testing.T) {
	f := newFixture(t, false)
	cdb := []uint8{OpWrite10, 0, 0, 0, 0, 1, 0, 0, 1, 0}

	if _, err := f.fe.Submit(cdb, nil); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, tail := f.sq.Position()
	resp, err := f.fe.Submit(cdb, nil)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if resp.Status != dev.HostStatusBusy || resp.Deferred {
		t.Errorf("response wrong: %+v", resp)
	}
	if f.io.Live() != 1 {
		t.Errorf("slot leaked: %d live", f.io.Live())
	}

	// The rejected command must not have claimed a submission entry;
	// the next doorbell would announce a phantom otherwise.
	if _, tailAfter := f.sq.Position(); tailAfter != tail {
		t.Errorf("tail moved from %d to %d on rejected command", tail, tailAfter)
	}
	if f.sq.Pending() != 1 {
		t.Errorf("expected 1 pending, got %d", f.sq.Pending())
	}
}

// A failed trigger write fails the command out cleanly: no slot leak,
// no queue entry, and the engine accepts the next command.
func TestTriggerFailureRecovery(t *testing.T) {
	f := newFixture(t, false)
	cdb := []uint8{OpRead10, 0, 0, 0, 0, 1, 0, 0, 1, 0}

	// Eight parameter writes succeed, the ninth is the trigger.
	f.port.FailWritesAfter = 9
	resp, err := f.fe.Submit(cdb, nil)
	if err == nil {
		t.Fatal("trigger write failure not reported")
	}
	if resp.Status != dev.HostStatusCheck || resp.Deferred {
		t.Fatalf("response wrong: %+v", resp)
	}
	if f.io.Live() != 0 {
		t.Errorf("slot leaked: %d live", f.io.Live())
	}
	if f.sq.Pending() != 0 {
		t.Errorf("queue entry leaked: %d pending", f.sq.Pending())
	}
	if f.eng.State() != engine.Idle {
		t.Fatalf("engine state %v", f.eng.State())
	}

	f.port.FailWrites = false
	resp, err = f.fe.Submit(cdb, nil)
	if err != nil || !resp.Deferred {
		t.Fatalf("submit after recovery: %+v %v", resp, err)
	}
}

// A full submission queue is backpressure, reported the same way as
// slot exhaustion.
func TestQueueFull(t *testing.T) {
	f := newFixture(t, false)
	for range f.sq.Depth() {
		if _, err := f.sq.ReserveEntry(); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}

	cdb := []uint8{OpRead10, 0, 0, 0, 0, 1, 0, 0, 1, 0}
	resp, err := f.fe.Submit(cdb, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != dev.HostStatusTaskSetFull || resp.Deferred {
		t.Fatalf("response wrong: %+v", resp)
	}
	if f.io.Live() != 0 {
		t.Errorf("slot leaked: %d live", f.io.Live())
	}
	if f.eng.State() != engine.Idle {
		t.Errorf("engine state %v", f.eng.State())
	}
}

// Raw memory access must be refused when the vendor magic is absent.
func TestVendorMagicGate(t *testing.T) {
	f := newFixture(t, false)

	for _, opcode := range []uint8{OpMemRead, OpMemWrite} {
		cdb := []uint8{opcode, 0x00, 0x00, 0x10, 0x00, 4}
		resp, err := f.fe.Submit(cdb, nil)
		if !errors.Is(err, dev.ErrUnsupported) {
			t.Errorf("opcode %#02x: expected ErrUnsupported, got %v", opcode, err)
		}
		if resp.Status != dev.HostStatusCheck {
			t.Errorf("opcode %#02x: status %#02x", opcode, resp.Status)
		}
	}
}

func TestRawMemoryAccess(t *testing.T) {
	f := newFixture(t, true)
	f.port.Set(dev.RegMemWindow, 0x7E)

	cdb := []uint8{OpMemRead, 0x12, 0x34, 0x56, 0x78, 4}
	resp, err := f.fe.Submit(cdb, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != dev.HostStatusGood || len(resp.Data) != 4 {
		t.Fatalf("response wrong: %+v", resp)
	}

	// Oversize reads are bounded.
	cdb[5] = 0xFF
	if _, err := f.fe.Submit(cdb, nil); err == nil {
		t.Error("oversize memory read accepted")
	}

	// Raw write pokes the window register with the value byte.
	f.port.ResetTrace()
	cdb = []uint8{OpMemWrite, 0, 0, 0, 0x10, 0xAB}
	if _, err := f.fe.Submit(cdb, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	writes := f.port.Writes()
	if len(writes) != 5 || writes[4].Value != 0xAB {
		t.Errorf("write trace wrong: %+v", writes)
	}
}

func TestConfigBlockRoundTrip(t *testing.T) {
	f := newFixture(t, true)

	payload := []uint8{0xAA, 0xBB, 0xCC}
	resp, err := f.fe.Submit([]uint8{OpCfgWrite, 0, 5}, payload)
	if err != nil || resp.Status != dev.HostStatusGood {
		t.Fatalf("write: %+v %v", resp, err)
	}

	resp, err = f.fe.Submit([]uint8{OpCfgRead, 0, 5}, nil)
	if err != nil || resp.Status != dev.HostStatusGood {
		t.Fatalf("read: %+v %v", resp, err)
	}
	if len(resp.Data) != cfgblock.BlockSize {
		t.Fatalf("block size %d", len(resp.Data))
	}
	if !bytes.Equal(resp.Data[:3], payload) {
		t.Errorf("payload %x", resp.Data[:3])
	}
}

func TestFlashRead(t *testing.T) {
	f := newFixture(t, true)
	if err := f.store.WriteFlash(0x000203, []uint8{0x42, 0x43}); err != nil {
		t.Fatalf("seed flash: %v", err)
	}

	cdb := []uint8{OpFlashRead, 0x00, 0x02, 0x03, 0x00, 0x02}
	resp, err := f.fe.Submit(cdb, nil)
	if err != nil || resp.Status != dev.HostStatusGood {
		t.Fatalf("submit: %+v %v", resp, err)
	}
	if !bytes.Equal(resp.Data, []uint8{0x42, 0x43}) {
		t.Errorf("flash data %x", resp.Data)
	}
}

// The full firmware write sequence through vendor opcode 0xE3.
func TestFirmwareWriteSequence(t *testing.T) {
	f := newFixture(t, true)
	image := []uint8{1, 2, 3, 4}

	steps := []struct {
		cdb  []uint8
		data []uint8
	}{
		{[]uint8{OpFwWrite, fwupdate.FlagInitial, 0, 0, 0x20, 0}, nil},
		{[]uint8{OpFwWrite, fwupdate.FlagWrite, 0, 0, 0, 0}, image},
		{[]uint8{OpFwWrite, fwupdate.FlagErase, 0, 0, 0, 0}, nil},
	}
	for i, step := range steps {
		resp, err := f.fe.Submit(step.cdb, step.data)
		if err != nil || resp.Status != dev.HostStatusGood {
			t.Fatalf("step %d: %+v %v", i, resp, err)
		}
	}

	// Verify needs the staged checksum; fetch it from the ack data of a
	// deliberately failing out-of-order commit first.
	if _, err := f.fe.Submit([]uint8{OpFwWrite, fwupdate.FlagCommit, 0, 0, 0, 0}, nil); err == nil {
		t.Fatal("commit before verify accepted")
	}
}

func TestAdminIdentify(t *testing.T) {
	f := newFixture(t, true)

	resp, err := f.fe.Submit([]uint8{OpAdminPass, AdmIdentify, 1}, nil)
	if err != nil || resp.Status != dev.HostStatusGood {
		t.Fatalf("submit: %+v %v", resp, err)
	}
	if len(resp.Data) == 0 || !bytes.Equal(resp.Data[:8], []uint8("NVBridge")) {
		t.Errorf("identify data %x", resp.Data)
	}
	// Dispatch leaves the admin module active.
	if f.disp.Active() != dispatch.ModuleAdmin {
		t.Errorf("active module %d", f.disp.Active())
	}
	// Borrowed admin slot must be returned.
	if f.adm.Live() != 0 {
		t.Errorf("admin slot leaked: %d live", f.adm.Live())
	}
}

// Sub-opcodes whose ROM region is empty dispatch as successful no-ops.
func TestAdminNoopSubOps(t *testing.T) {
	f := newFixture(t, true)

	for _, sub := range []uint8{AdmAsyncEvent, AdmFormat, AdmSanitize, AdmSecurity} {
		resp, err := f.fe.Submit([]uint8{OpAdminPass, sub, 0}, nil)
		if err != nil {
			t.Errorf("sub %#02x: %v", sub, err)
		}
		if resp.Status != dev.HostStatusGood {
			t.Errorf("sub %#02x: status %#02x", sub, resp.Status)
		}
	}
}

func TestAdminGetSetFeatures(t *testing.T) {
	f := newFixture(t, true)

	resp, err := f.fe.Submit([]uint8{OpAdminPass, AdmGetFeatures, 0x07}, nil)
	if err != nil || len(resp.Data) != 1 {
		t.Fatalf("get features: %+v %v", resp, err)
	}
	if resp.Data[0] != 0x01 {
		t.Errorf("feature value %#02x", resp.Data[0])
	}

	// Unknown feature identifier is rejected.
	if _, err := f.fe.Submit([]uint8{OpAdminPass, AdmGetFeatures, 0x7F}, nil); err == nil {
		t.Error("unknown feature accepted")
	}
}

func TestAdminUnknownSubOp(t *testing.T) {
	f := newFixture(t, true)
	resp, err := f.fe.Submit([]uint8{OpAdminPass, 15, 0}, nil)
	if !errors.Is(err, dev.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if resp.Status != dev.HostStatusCheck {
		t.Errorf("status %#02x", resp.Status)
	}
}

func TestUnknownOpcode(t *testing.T) {
	f := newFixture(t, true)
	resp, err := f.fe.Submit([]uint8{0x99}, nil)
	if !errors.Is(err, dev.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if resp.Status != dev.HostStatusCheck {
		t.Errorf("status %#02x", resp.Status)
	}
}

func TestInquiry(t *testing.T) {
	f := newFixture(t, false)
	resp, err := f.fe.Submit([]uint8{OpInquiry, 0, 0, 0, 36, 0}, nil)
	if err != nil || resp.Status != dev.HostStatusGood {
		t.Fatalf("inquiry: %+v %v", resp, err)
	}
	if !bytes.Equal(resp.Data[8:16], []uint8("NVBRIDGE")) {
		t.Errorf("inquiry vendor %q", resp.Data[8:16])
	}
}

func TestResetCommand(t *testing.T) {
	f := newFixture(t, true)
	resp, err := f.fe.Submit([]uint8{OpReset, 0}, nil)
	if err != nil || resp.Status != dev.HostStatusGood {
		t.Fatalf("reset: %+v %v", resp, err)
	}
	resp, err = f.fe.Submit([]uint8{OpReset, 1}, nil)
	if err != nil || resp.Status != dev.HostStatusGood {
		t.Fatalf("commit: %+v %v", resp, err)
	}
}
