/* NVBridge command slot table.

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

package slot

import (
	"fmt"
	"sync"

	dev "github.com/nvbridge/nvbridge/bridge/device"
)

// Queue depths observed on the controller. The I/O subsystem carries 32
// slots, the admin subsystem a small 6 entry table. Depth is a per-table
// constant supplied to New, never a global.
const (
	IODepth    = 0x20
	AdminDepth = 6
)

// Transfer direction of a command.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeAdmin
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeAdmin:
		return "admin"
	}
	return "unknown"
}

// Slot lifecycle states.
type State int

const (
	Free State = iota
	Allocated
	Active
	Done
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case Active:
		return "active"
	case Done:
		return "done"
	}
	return "unknown"
}

// Parameters captured when the front end accepts a host command.
type Params struct {
	Mode    Mode
	LBA     uint32
	Length  uint16
	Tag     uint16
	Ctrl    uint8 // Control flags forwarded to the engine
	Timeout int   // Poll budget for this command
}

// One in-flight hardware command.
type CommandSlot struct {
	Index   int
	Opcode  uint8
	Mode    Mode
	LBA     uint32
	Length  uint16
	Tag     uint16
	Ctrl    uint8
	Timeout int
	State   State

	gen uint32 // Bumped on release to invalidate stale handles
}

// Reference to an allocated slot. Handles stay valid from Allocate until
// Release; a stale handle is rejected by Get.
type Handle struct {
	index int
	gen   uint32
}

func (h Handle) Index() int {
	return h.index
}

// Fixed capacity table of in-flight commands. Shared between the poll
// loop and the tick handler, so every operation holds the table lock.
type Table struct {
	mu    sync.Mutex
	slots []CommandSlot
	live  int
}

// Create a slot table of the given depth.
func New(depth int) *Table {
	table := &Table{slots: make([]CommandSlot, depth)}
	for i := range table.slots {
		table.slots[i].Index = i
	}
	return table
}

// Find the first free slot and claim it for opcode. Returns ErrBusy when
// every slot is in flight; the caller reports task set full to the host
// rather than stalling the link.
func (t *Table) Allocate(opcode uint8, params Params) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].State != Free {
			continue
		}
		gen := t.slots[i].gen
		t.slots[i] = CommandSlot{
			Index:   i,
			Opcode:  opcode,
			Mode:    params.Mode,
			LBA:     params.LBA,
			Length:  params.Length,
			Tag:     params.Tag,
			Ctrl:    params.Ctrl,
			Timeout: params.Timeout,
			State:   Allocated,
			gen:     gen,
		}
		t.live++
		return Handle{index: i, gen: gen}, nil
	}
	return Handle{}, dev.ErrBusy
}

// Return the slot for a live handle.
func (t *Table) Get(h Handle) (*CommandSlot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(h)
}

func (t *Table) get(h Handle) (*CommandSlot, error) {
	if h.index < 0 || h.index >= len(t.slots) {
		return nil, fmt.Errorf("slot %d: %w", h.index, dev.ErrUnsupported)
	}
	s := &t.slots[h.index]
	if s.State == Free || s.gen != h.gen {
		return nil, fmt.Errorf("slot %d: stale handle: %w", h.index, dev.ErrUnsupported)
	}
	return s, nil
}

// Mark a slot active. Called by the engine when the command is handed to
// hardware.
func (t *Table) SetState(h Handle, state State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(h)
	if err != nil {
		return err
	}
	s.State = state
	return nil
}

// Return a slot to the pool. The generation bump makes any handle still
// referring to this index stale, so asynchronous completion arriving late
// cannot touch a recycled slot.
func (t *Table) Release(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(h)
	if err != nil {
		return err
	}
	s.State = Free
	s.gen++
	t.live--
	return nil
}

// Number of slots currently in flight.
func (t *Table) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Depth of the table.
func (t *Table) Depth() int {
	return len(t.slots)
}

// Snapshot of every non-free slot for the console show command.
func (t *Table) Snapshot() []CommandSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []CommandSlot
	for i := range t.slots {
		if t.slots[i].State != Free {
			out = append(out, t.slots[i])
		}
	}
	return out
}
