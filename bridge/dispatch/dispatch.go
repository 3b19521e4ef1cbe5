/* NVBridge event dispatch table.

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

// Handlers for asynchronous controller events live in overlay modules,
// the descendants of the original firmware's program memory banks. A
// dispatch activates the target module before the handler runs and leaves
// it active afterwards, so handlers may chain into further dispatches.
package dispatch

import (
	"fmt"
	"sync"

	dev "github.com/nvbridge/nvbridge/bridge/device"
)

// Event identifiers routed through the table.
type EventID uint8

const (
	EventTimerTick EventID = iota
	EventLinkChange
	EventQueue
	EventError
	EventReset

	// NVMe admin passthrough sub-opcodes occupy a range of their own.
	EventAdminBase EventID = 0x40
)

// Overlay module identifiers.
type ModuleID uint8

const (
	ModuleCore ModuleID = iota
	ModuleAdmin
	ModuleFlash
	ModuleLink
)

// Event handler. The integer argument carries per-event context, the way
// the original handlers received a register argument.
type Handler func(arg int) error

// One immutable table entry.
type Entry struct {
	Event   EventID
	Module  ModuleID
	Handler Handler // Nil handler is a valid no-op
}

// Table routes events to handlers across overlay modules. The bank
// switch of the original trampoline is modeled as a device port write
// selecting the active module.
type Table struct {
	mu      sync.Mutex
	port    dev.Port
	entries map[EventID]Entry
	active  ModuleID
	sealed  bool

	dispatched uint64
	noops      uint64
}

// Create an empty dispatch table. The active module starts as ModuleCore.
func New(port dev.Port) *Table {
	return &Table{port: port, entries: make(map[EventID]Entry)}
}

// Register a handler during initialization. A nil handler registers a
// valid no-op, matching dispatch targets whose ROM region is empty.
// Registration after Seal is a programming error.
func (t *Table) Register(event EventID, module ModuleID, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return fmt.Errorf("dispatch: register %d after seal: %w", event, dev.ErrUnsupported)
	}
	if _, ok := t.entries[event]; ok {
		return fmt.Errorf("dispatch: event %d registered twice: %w", event, dev.ErrUnsupported)
	}
	t.entries[event] = Entry{Event: event, Module: module, Handler: handler}
	return nil
}

// Freeze the table. The original table is built once in ROM; sealing
// keeps runtime code from mutating it.
func (t *Table) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
}

// Route one event. Switches the active module when the entry lives in a
// different one, runs the handler, and leaves the module switched.
func (t *Table) Dispatch(event EventID, arg int) error {
	t.mu.Lock()
	entry, ok := t.entries[event]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("dispatch: event %d: %w", event, dev.ErrUnsupported)
	}
	t.dispatched++
	if entry.Module != t.active {
		if err := t.port.Write(dev.RegBank, uint8(entry.Module)); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("dispatch: bank switch to %d: %w", entry.Module, err)
		}
		t.active = entry.Module
	}
	handler := entry.Handler
	if handler == nil {
		t.noops++
		t.mu.Unlock()
		return nil
	}
	// Run outside the lock so handlers may chain into further
	// dispatches.
	t.mu.Unlock()
	return handler(arg)
}

// Module left active by the last dispatch.
func (t *Table) Active() ModuleID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// True when the event has an entry.
func (t *Table) Registered(event EventID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[event]
	return ok
}

// Counter snapshot for the console show command.
func (t *Table) Stats() (dispatched, noops uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dispatched, t.noops
}
