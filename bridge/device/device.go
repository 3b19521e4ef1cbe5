/* NVBridge device port interface.

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

package device

import "errors"

// Named registers of the bridge controller. The core addresses registers
// only by these handles; the port implementation binds each handle to a
// hardware address from the configuration file.
type Reg uint16

const (
	RegOpcode Reg = iota // Command opcode working register
	RegLBA0              // LBA byte 0 (low)
	RegLBA1              // LBA byte 1
	RegLBA2              // LBA byte 2
	RegLBA3              // LBA byte 3 (high)
	RegLenLo             // Transfer length low byte
	RegLenHi             // Transfer length high byte
	RegControl           // Command control flags
	RegTrigger           // Command trigger
	RegStatus            // Engine status
	RegBusy              // Engine busy flags
	RegErrCount          // Error counter
	RegComplCtl          // Completion control
	RegComplStatus       // Completion busy status
	RegBank              // Active overlay bank select
	RegEventStatus       // Aggregated event condition bits
	RegDoorbellSQ        // I/O submission queue doorbell
	RegDoorbellCQ        // I/O completion queue doorbell
	RegDoorbellAdm       // Admin queue doorbell
	RegLinkStatus        // PCIe link status
	RegMemWindow         // Raw memory access window base

	NumRegs = int(RegMemWindow) + 1
)

// Status register bits checked by the command engine.
const (
	StatusReady uint8 = 0x01 // Engine accepted command
	StatusBusy  uint8 = 0x02 // Engine processing
	StatusErr   uint8 = 0x08 // Engine error latch

	BusyActive uint8 = 0x01 // Busy register active bit

	ComplBusy uint8 = 0x01 // Completion handshake in progress

	TriggerStart  uint8 = 0x80 // Raise hardware trigger bit
	TriggerNormal uint8 = 0x01 // Direct command trigger value
	TriggerQueued uint8 = 0x05 // Queued command trigger value
)

// SCSI status bytes returned to the host.
const (
	HostStatusGood        uint8 = 0x00
	HostStatusCheck       uint8 = 0x02
	HostStatusBusy        uint8 = 0x08
	HostStatusTaskSetFull uint8 = 0x28
)

// Error taxonomy shared by all bridge packages.
var (
	ErrBusy        = errors.New("resource busy")
	ErrTimeout     = errors.New("poll budget exhausted")
	ErrDevice      = errors.New("device reported error")
	ErrFatal       = errors.New("fatal pipeline failure")
	ErrUnsupported = errors.New("unsupported operation")
)

// Interface to the hardware register file. WaitBit polls for the masked
// bits of reg to become set or clear, giving up after budget polls.
type Port interface {
	Read(reg Reg) (uint8, error)
	Write(reg Reg, value uint8) error
	WaitBit(reg Reg, mask uint8, set bool, budget int) bool
	Copy(dst []uint8, reg Reg, count int) error
}
