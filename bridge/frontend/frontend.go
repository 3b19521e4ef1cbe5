/* NVBridge host protocol front end.

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

// Decodes host SCSI command descriptor blocks into bridge commands.
// Standard reads and writes become command slots driven by the command
// engine; the vendor range 0xE0-0xE8 covers maintenance operations.
package frontend

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nvbridge/nvbridge/bridge/cfgblock"
	dev "github.com/nvbridge/nvbridge/bridge/device"
	"github.com/nvbridge/nvbridge/bridge/dispatch"
	"github.com/nvbridge/nvbridge/bridge/engine"
	"github.com/nvbridge/nvbridge/bridge/fwupdate"
	"github.com/nvbridge/nvbridge/bridge/queue"
	"github.com/nvbridge/nvbridge/bridge/slot"
	"github.com/nvbridge/nvbridge/util/debug"
)

// Debug option masks.
const (
	debugCDB = 1 << iota
	debugVendor
)

var debugOption = map[string]int{
	"CDB":    debugCDB,
	"VENDOR": debugVendor,
}

var debugMsk int

// Enable debug option.
func Debug(opt string) error {
	flag, ok := debugOption[opt]
	if !ok {
		return errors.New("frontend debug option invalid: " + opt)
	}
	debugMsk |= flag
	return nil
}

// Host opcodes handled by the bridge.
const (
	OpTestUnitReady uint8 = 0x00
	OpInquiry       uint8 = 0x12
	OpRead10        uint8 = 0x28
	OpWrite10       uint8 = 0x2A

	// Vendor maintenance range.
	OpCfgRead   uint8 = 0xE0
	OpCfgWrite  uint8 = 0xE1
	OpFlashRead uint8 = 0xE2
	OpFwWrite   uint8 = 0xE3
	OpMemRead   uint8 = 0xE4
	OpMemWrite  uint8 = 0xE5
	OpAdminPass uint8 = 0xE6
	OpReset     uint8 = 0xE8
)

// NVMe admin passthrough sub-opcodes, the fixed 15 entry table behind
// opcode 0xE6.
const (
	AdmIdentify uint8 = iota
	AdmGetFeatures
	AdmSetFeatures
	AdmGetLogPage
	AdmAsyncEvent
	AdmAbort
	AdmCreateIOSQ
	AdmDeleteIOSQ
	AdmCreateIOCQ
	AdmDeleteIOCQ
	AdmFwCommit
	AdmFwDownload
	AdmFormat
	AdmSanitize
	AdmSecurity

	NumAdminOps = int(AdmSecurity) + 1
)

// Largest transfer allowed through the raw memory backdoor.
const rawLimit = 64

// Outcome of one submitted CDB. Deferred responses carry the slot handle
// of an in-flight command; final status arrives through the scheduler
// when the engine completes.
type Response struct {
	Status   uint8
	Data     []uint8
	Deferred bool
	Handle   slot.Handle
}

// FrontEnd decodes CDBs and owns the admin passthrough table.
type FrontEnd struct {
	port  dev.Port
	io    *slot.Table
	adm   *slot.Table
	eng   *engine.Engine
	sq    *queue.Cursor
	disp  *dispatch.Table
	store *cfgblock.Store
	fw    *fwupdate.Updater

	adminData  []uint8 // Data-in staged by the last admin handler
	featureMap map[int]uint8
	nextTag    uint16
}

// Create a front end bound to its collaborators.
func New(port dev.Port, io, adm *slot.Table, eng *engine.Engine, sq *queue.Cursor,
	disp *dispatch.Table, store *cfgblock.Store, fw *fwupdate.Updater) *FrontEnd {
	return &FrontEnd{
		port: port, io: io, adm: adm, eng: eng, sq: sq,
		disp: disp, store: store, fw: fw,
	}
}

// Build the 15 entry admin passthrough table in the admin overlay
// module. Async event, format, sanitize and security land in ROM regions
// that hold no code on this controller; they register as no-ops.
func (fe *FrontEnd) RegisterAdminHandlers() error {
	handlers := map[uint8]dispatch.Handler{
		AdmIdentify:    fe.admIdentify,
		AdmGetFeatures: fe.admGetFeatures,
		AdmSetFeatures: fe.admSetFeatures,
		AdmGetLogPage:  fe.admGetLogPage,
		AdmAsyncEvent:  nil,
		AdmAbort:       fe.admAbort,
		AdmCreateIOSQ:  fe.admQueueOp,
		AdmDeleteIOSQ:  fe.admQueueOp,
		AdmCreateIOCQ:  fe.admQueueOp,
		AdmDeleteIOCQ:  fe.admQueueOp,
		AdmFwCommit:    fe.admFwCommit,
		AdmFwDownload:  fe.admFwDownload,
		AdmFormat:      nil,
		AdmSanitize:    nil,
		AdmSecurity:    nil,
	}
	for sub := range uint8(NumAdminOps) {
		event := dispatch.EventAdminBase + dispatch.EventID(sub)
		if err := fe.disp.Register(event, dispatch.ModuleAdmin, handlers[sub]); err != nil {
			return err
		}
	}
	return nil
}

// Decode and start one host command. Deferred I/O responses complete
// later through the scheduler; everything else is answered in place.
func (fe *FrontEnd) Submit(cdb []uint8, dataOut []uint8) (Response, error) {
	if len(cdb) == 0 {
		return Response{Status: dev.HostStatusCheck}, fmt.Errorf("empty CDB: %w", dev.ErrUnsupported)
	}

	opcode := cdb[0]
	debug.Debugf("FRONTEND", debugMsk, debugCDB, "cdb % 02x", cdb)
	switch opcode {
	case OpTestUnitReady:
		return Response{Status: dev.HostStatusGood}, nil
	case OpInquiry:
		return Response{Status: dev.HostStatusGood, Data: inquiryData()}, nil
	case OpRead10, OpWrite10:
		return fe.submitIO(cdb)
	}

	if opcode >= OpCfgRead && opcode <= OpReset {
		// A vendor command is only a vendor command when the magic
		// byte is present in the config region. Without it the opcode
		// is simply unknown.
		if fe.store.VendorMagicPresent() {
			return fe.submitVendor(cdb, dataOut)
		}
	}

	return Response{Status: dev.HostStatusCheck},
		fmt.Errorf("opcode %#02x: %w", opcode, dev.ErrUnsupported)
}

// Standard READ(10)/WRITE(10): allocate a slot, hand the command to the
// engine, reserve a submission entry, trigger, then ring the doorbell.
// The doorbell write follows every parameter write by construction.
func (fe *FrontEnd) submitIO(cdb []uint8) (Response, error) {
	if len(cdb) < 10 {
		return Response{Status: dev.HostStatusCheck},
			fmt.Errorf("short CDB for %#02x: %w", cdb[0], dev.ErrUnsupported)
	}

	mode := slot.ModeRead
	if cdb[0] == OpWrite10 {
		mode = slot.ModeWrite
	}
	lba := uint32(cdb[2])<<24 | uint32(cdb[3])<<16 | uint32(cdb[4])<<8 | uint32(cdb[5])
	length := uint16(cdb[7])<<8 | uint16(cdb[8])

	fe.nextTag++
	h, err := fe.io.Allocate(cdb[0], slot.Params{
		Mode:   mode,
		LBA:    lba,
		Length: length,
		Tag:    fe.nextTag,
	})
	if err != nil {
		// Backpressure to the host instead of stalling the link.
		return Response{Status: dev.HostStatusTaskSetFull}, nil
	}

	if err := fe.eng.Configure(h, engine.ProfileQueued); err != nil {
		if relErr := fe.io.Release(h); relErr != nil {
			slog.Error("slot release failed", "err", relErr)
		}
		return Response{Status: dev.HostStatusBusy}, nil
	}
	// The submission entry is claimed only once the engine holds the
	// command, so a rejected configure never advances the tail.
	if _, err := fe.sq.ReserveEntry(); err != nil {
		fe.abandon()
		return Response{Status: dev.HostStatusTaskSetFull}, nil
	}
	if err := fe.eng.Trigger(); err != nil {
		// The entry was never announced; back it out along with the
		// failed command so nothing leaks.
		fe.sq.ReleaseEntry()
		fe.abandon()
		return Response{Status: dev.HostStatusCheck}, err
	}
	if err := fe.sq.RingDoorbell(fe.port); err != nil {
		return Response{Status: dev.HostStatusCheck}, err
	}

	return Response{Status: dev.HostStatusGood, Deferred: true, Handle: h}, nil
}

// Give up on a command the engine holds but the device never saw. The
// engine reset frees the slot.
func (fe *FrontEnd) abandon() {
	if err := fe.eng.Reset(); err != nil {
		slog.Error("engine reset failed", "err", err)
	}
}

func (fe *FrontEnd) submitVendor(cdb []uint8, dataOut []uint8) (Response, error) {
	debug.Debugf("FRONTEND", debugMsk, debugVendor, "vendor op %02x", cdb[0])
	switch cdb[0] {
	case OpCfgRead, OpCfgWrite:
		return fe.vendorConfig(cdb, dataOut)
	case OpFlashRead:
		return fe.vendorFlashRead(cdb)
	case OpFwWrite:
		return fe.vendorFwWrite(cdb, dataOut)
	case OpMemRead, OpMemWrite:
		return fe.vendorMem(cdb)
	case OpAdminPass:
		return fe.vendorAdmin(cdb)
	case OpReset:
		return fe.vendorReset(cdb)
	}
	return Response{Status: dev.HostStatusCheck},
		fmt.Errorf("vendor opcode %#02x: %w", cdb[0], dev.ErrUnsupported)
}

// 0xE0/0xE1: config block read or write, selected by the opcode's low
// bit. CDB[2] carries the block index.
func (fe *FrontEnd) vendorConfig(cdb []uint8, dataOut []uint8) (Response, error) {
	if len(cdb) < 3 {
		return Response{Status: dev.HostStatusCheck},
			fmt.Errorf("short config CDB: %w", dev.ErrUnsupported)
	}
	index := int(cdb[2])

	if cdb[0]&0x01 == 0 {
		block, err := fe.store.ReadBlock(index)
		if err != nil {
			return Response{Status: dev.HostStatusCheck}, err
		}
		return Response{Status: dev.HostStatusGood, Data: block}, nil
	}

	if err := fe.store.WriteBlock(index, dataOut); err != nil {
		return Response{Status: dev.HostStatusCheck}, err
	}
	return Response{Status: dev.HostStatusGood}, nil
}

// 0xE2: flash read, 24 bit address in CDB[1..3], length in CDB[4..5].
func (fe *FrontEnd) vendorFlashRead(cdb []uint8) (Response, error) {
	if len(cdb) < 6 {
		return Response{Status: dev.HostStatusCheck},
			fmt.Errorf("short flash CDB: %w", dev.ErrUnsupported)
	}
	addr := uint32(cdb[1])<<16 | uint32(cdb[2])<<8 | uint32(cdb[3])
	count := int(cdb[4])<<8 | int(cdb[5])

	data, err := fe.store.ReadFlash(addr, count)
	if err != nil {
		return Response{Status: dev.HostStatusCheck}, err
	}
	return Response{Status: dev.HostStatusGood, Data: data}, nil
}

// 0xE3: firmware write step. CDB[1] selects the step by its flag bit;
// begin carries the flash base in CDB[2..5], verify the image checksum
// in CDB[2].
func (fe *FrontEnd) vendorFwWrite(cdb []uint8, dataOut []uint8) (Response, error) {
	if len(cdb) < 6 {
		return Response{Status: dev.HostStatusCheck},
			fmt.Errorf("short firmware CDB: %w", dev.ErrUnsupported)
	}

	var err error
	switch cdb[1] {
	case fwupdate.FlagInitial:
		base := uint32(cdb[2])<<24 | uint32(cdb[3])<<16 | uint32(cdb[4])<<8 | uint32(cdb[5])
		err = fe.fw.Begin(base)
	case fwupdate.FlagWrite:
		err = fe.fw.Write(dataOut)
	case fwupdate.FlagErase:
		err = fe.fw.Erase()
	case fwupdate.FlagVerify:
		err = fe.fw.Verify(cdb[2])
	case fwupdate.FlagCommit:
		err = fe.fw.Commit()
	default:
		err = fmt.Errorf("firmware step %#02x: %w", cdb[1], dev.ErrUnsupported)
	}
	if err != nil {
		return Response{Status: dev.HostStatusCheck}, err
	}
	// The acknowledge mask rides back so the host can track each flag.
	return Response{Status: dev.HostStatusGood, Data: []uint8{fe.fw.Acked()}}, nil
}

// 0xE4/0xE5: raw memory space access, the debug backdoor. The 32 bit
// address latches through the memory window register; CDB[5] is the read
// size or the write value. Size is bounded; the vendor magic gate in
// Submit is the access control.
func (fe *FrontEnd) vendorMem(cdb []uint8) (Response, error) {
	if len(cdb) < 6 {
		return Response{Status: dev.HostStatusCheck},
			fmt.Errorf("short memory CDB: %w", dev.ErrUnsupported)
	}

	// Latch the address, high byte first.
	for _, b := range cdb[1:5] {
		if err := fe.port.Write(dev.RegMemWindow, b); err != nil {
			return Response{Status: dev.HostStatusCheck}, err
		}
	}

	if cdb[0] == OpMemWrite {
		if err := fe.port.Write(dev.RegMemWindow, cdb[5]); err != nil {
			return Response{Status: dev.HostStatusCheck}, err
		}
		return Response{Status: dev.HostStatusGood}, nil
	}

	count := int(cdb[5])
	if count == 0 || count > rawLimit {
		return Response{Status: dev.HostStatusCheck},
			fmt.Errorf("memory read size %d: %w", count, dev.ErrUnsupported)
	}
	data := make([]uint8, count)
	if err := fe.port.Copy(data, dev.RegMemWindow, count); err != nil {
		return Response{Status: dev.HostStatusCheck}, err
	}
	return Response{Status: dev.HostStatusGood, Data: data}, nil
}

// 0xE6: NVMe admin passthrough. CDB[1] indexes the sub-opcode table;
// the command borrows an admin slot for the duration of the dispatch.
func (fe *FrontEnd) vendorAdmin(cdb []uint8) (Response, error) {
	if len(cdb) < 3 {
		return Response{Status: dev.HostStatusCheck},
			fmt.Errorf("short admin CDB: %w", dev.ErrUnsupported)
	}
	sub := cdb[1]
	if int(sub) >= NumAdminOps {
		return Response{Status: dev.HostStatusCheck},
			fmt.Errorf("admin sub-opcode %#02x: %w", sub, dev.ErrUnsupported)
	}

	h, err := fe.adm.Allocate(OpAdminPass, slot.Params{Mode: slot.ModeAdmin})
	if err != nil {
		return Response{Status: dev.HostStatusTaskSetFull}, nil
	}
	defer func() {
		if err := fe.adm.Release(h); err != nil {
			slog.Error("admin slot release failed", "err", err)
		}
	}()

	fe.adminData = nil
	event := dispatch.EventAdminBase + dispatch.EventID(sub)
	if err := fe.disp.Dispatch(event, int(cdb[2])); err != nil {
		return Response{Status: dev.HostStatusCheck}, err
	}
	return Response{Status: dev.HostStatusGood, Data: fe.adminData}, nil
}

// 0xE8: reset or commit, selected by CDB[1].
func (fe *FrontEnd) vendorReset(cdb []uint8) (Response, error) {
	if len(cdb) >= 2 && cdb[1] == 1 {
		if err := fe.store.Save(); err != nil {
			return Response{Status: dev.HostStatusCheck}, err
		}
		return Response{Status: dev.HostStatusGood}, nil
	}
	if err := fe.disp.Dispatch(dispatch.EventReset, 0); err != nil {
		return Response{Status: dev.HostStatusCheck}, err
	}
	return Response{Status: dev.HostStatusGood}, nil
}

func inquiryData() []uint8 {
	data := make([]uint8, 36)
	data[1] = 0x80 // Removable
	data[4] = 31   // Additional length
	copy(data[8:], "NVBRIDGE")
	copy(data[16:], "USB-NVMe Bridge")
	copy(data[32:], "0100")
	return data
}
