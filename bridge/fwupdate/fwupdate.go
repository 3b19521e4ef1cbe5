/* NVBridge firmware update sequencer.

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

// The firmware write command (vendor opcode 0xE3) walks a five flag
// state machine: initial, write pending, erase pending, verify pending,
// commit pending. Each step acknowledges exactly one flag; out of order
// steps are rejected.
package fwupdate

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sigurn/crc8"

	"github.com/nvbridge/nvbridge/bridge/cfgblock"
	dev "github.com/nvbridge/nvbridge/bridge/device"
)

// Acknowledge flags, one per update step.
const (
	FlagInitial uint8 = 0x01
	FlagWrite   uint8 = 0x02
	FlagErase   uint8 = 0x04
	FlagVerify  uint8 = 0x08
	FlagCommit  uint8 = 0x10
)

var crcTable = crc8.MakeTable(crc8.CRC8_MAXIM)

// Updater stages a firmware image through the five step sequence and
// commits it into the flash window of the store.
type Updater struct {
	mu    sync.Mutex
	store *cfgblock.Store

	acked uint8
	image []uint8
	base  uint32
	crc   uint8
}

func New(store *cfgblock.Store) *Updater {
	return &Updater{store: store}
}

// Start a new update sequence at the given flash base address. Restarts
// an abandoned sequence from scratch.
func (u *Updater) Begin(base uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.acked = FlagInitial
	u.image = nil
	u.base = base
	u.crc = 0
	return nil
}

// Stage image bytes. Legal any time after Begin and before Erase; the
// image accumulates across calls.
func (u *Updater) Write(data []uint8) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.require(FlagInitial, FlagErase|FlagVerify|FlagCommit); err != nil {
		return err
	}
	u.image = append(u.image, data...)
	u.crc = crc8.Checksum(u.image, crcTable)
	u.acked |= FlagWrite
	return nil
}

// Erase the target flash range. Requires staged data.
func (u *Updater) Erase() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.require(FlagWrite, FlagVerify|FlagCommit); err != nil {
		return err
	}
	if err := u.store.EraseFlash(u.base, len(u.image)); err != nil {
		return err
	}
	u.acked |= FlagErase
	return nil
}

// Check the staged image against the checksum supplied by the host.
func (u *Updater) Verify(crc uint8) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.require(FlagErase, FlagCommit); err != nil {
		return err
	}
	if crc != u.crc {
		return fmt.Errorf("firmware image checksum %#x, staged %#x: %w", crc, u.crc, dev.ErrDevice)
	}
	u.acked |= FlagVerify
	return nil
}

// Program the verified image into flash and finish the sequence.
func (u *Updater) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.require(FlagVerify, 0); err != nil {
		return err
	}
	if err := u.store.WriteFlash(u.base, u.image); err != nil {
		return err
	}
	u.acked |= FlagCommit
	slog.Info("firmware committed", "base", u.base, "size", len(u.image))
	u.image = nil
	return nil
}

// A step needs its predecessor flag acknowledged and must not have been
// passed already.
func (u *Updater) require(need, forbid uint8) error {
	if u.acked&need != need || u.acked&forbid != 0 {
		return fmt.Errorf("firmware update step out of order, acked %#02x: %w", u.acked, dev.ErrUnsupported)
	}
	return nil
}

// Flags acknowledged so far.
func (u *Updater) Acked() uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.acked
}

// Abandon any sequence in progress.
func (u *Updater) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.acked = 0
	u.image = nil
}
