/* NVBridge command engine driver.

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
	"fmt"
	"log/slog"
	"sync"

	dev "github.com/nvbridge/nvbridge/bridge/device"
	"github.com/nvbridge/nvbridge/bridge/slot"
	"github.com/nvbridge/nvbridge/util/debug"
)

// Debug option masks.
const (
	debugCmd = 1 << iota
	debugState
)

var debugOption = map[string]int{
	"CMD":   debugCmd,
	"STATE": debugState,
}

var debugMsk int

// Enable debug option.
func Debug(opt string) error {
	flag, ok := debugOption[opt]
	if !ok {
		return errors.New("engine debug option invalid: " + opt)
	}
	debugMsk |= flag
	return nil
}

// Engine states. A command occupies the engine only while Triggered or
// WaitingForCompletion; the engine itself lives for the controller
// lifetime.
type State int

const (
	Idle State = iota
	Configured
	Triggered
	WaitingForCompletion
	Complete
	Error
	Fatal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configured:
		return "configured"
	case Triggered:
		return "triggered"
	case WaitingForCompletion:
		return "waiting"
	case Complete:
		return "complete"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Trigger byte profile, selected when the command is configured. The
// controller uses one value for direct commands and another for queued
// commands.
type TriggerProfile uint8

const (
	ProfileDirect = TriggerProfile(dev.TriggerNormal)
	ProfileQueued = TriggerProfile(dev.TriggerQueued)
)

// Default poll budgets when the slot does not carry its own.
const (
	DefaultBudget      = 200
	DefaultComplBudget = 50
)

// Counters surfaced by the console.
type Stats struct {
	Started   uint64
	Completed uint64
	Errors    uint64
	Timeouts  uint64
	Fatals    uint64
}

// Driver for one physical command engine register block. Exactly one
// engine instance may own a register block; the Idle precondition on
// Configure keeps two commands from being triggered on the same block.
type Engine struct {
	mu    sync.Mutex
	name  string
	port  dev.Port
	table *slot.Table

	state       State
	handle      slot.Handle
	profile     TriggerProfile
	savedStatus uint8 // Engine status latched while triggered
	budget      int   // Remaining polls while Triggered
	complBudget int   // Remaining polls while WaitingForCompletion
	seq         uint8 // 3-bit rotating command sequence counter
	lastErr     error

	defBudget      int
	defComplBudget int

	stats Stats
}

// Create a driver for one register block.
func New(name string, port dev.Port, table *slot.Table) *Engine {
	return &Engine{
		name:           name,
		port:           port,
		table:          table,
		defBudget:      DefaultBudget,
		defComplBudget: DefaultComplBudget,
	}
}

// Override the default poll budgets, from the configuration file.
func (e *Engine) SetBudgets(budget int, complBudget int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if budget > 0 {
		e.defBudget = budget
	}
	if complBudget > 0 {
		e.defComplBudget = complBudget
	}
}

// Write the command parameters from a slot into the working registers.
// Execution does not start until Trigger. The engine must be Idle;
// configuring a non-idle engine is a programming error and is rejected.
func (e *Engine) Configure(h slot.Handle, profile TriggerProfile) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Idle {
		return fmt.Errorf("engine %s: configure while %s: %w", e.name, e.state, dev.ErrBusy)
	}
	s, err := e.table.Get(h)
	if err != nil {
		return err
	}

	// Parameter writes must all land before the trigger write. The
	// register file has program order semantics, so issuing them in
	// sequence is the ordering guarantee.
	writes := []struct {
		reg   dev.Reg
		value uint8
	}{
		{dev.RegOpcode, s.Opcode},
		{dev.RegLBA0, uint8(s.LBA)},
		{dev.RegLBA1, uint8(s.LBA >> 8)},
		{dev.RegLBA2, uint8(s.LBA >> 16)},
		{dev.RegLBA3, uint8(s.LBA >> 24)},
		{dev.RegLenLo, uint8(s.Length)},
		{dev.RegLenHi, uint8(s.Length >> 8)},
		{dev.RegControl, s.Ctrl},
	}
	for _, w := range writes {
		if err := e.port.Write(w.reg, w.value); err != nil {
			return fmt.Errorf("engine %s: configure: %w", e.name, err)
		}
	}

	e.handle = h
	e.profile = profile
	e.budget = s.Timeout
	if e.budget <= 0 {
		e.budget = e.defBudget
	}
	e.complBudget = s.Timeout
	if e.complBudget <= 0 {
		e.complBudget = e.defComplBudget
	}
	e.savedStatus = 0
	e.lastErr = nil
	e.state = Configured
	debug.DebugSlotf(h.Index(), debugMsk, debugCmd, "configured op %02x lba %08x len %04x",
		s.Opcode, s.LBA, s.Length)
	return nil
}

// Start execution of the configured command by writing the trigger byte
// for the selected profile.
func (e *Engine) Trigger() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Configured {
		return fmt.Errorf("engine %s: trigger while %s: %w", e.name, e.state, dev.ErrUnsupported)
	}
	if err := e.port.Write(dev.RegTrigger, uint8(e.profile)); err != nil {
		// The command never started; land in Error so the engine can be
		// reset and the slot recovered.
		e.state = Error
		e.stats.Errors++
		e.lastErr = fmt.Errorf("engine %s: trigger: %w", e.name, err)
		return e.lastErr
	}
	if err := e.table.SetState(e.handle, slot.Active); err != nil {
		return err
	}
	e.state = Triggered
	e.stats.Started++
	debug.DebugSlotf(e.handle.Index(), debugMsk, debugCmd, "triggered profile %02x", uint8(e.profile))
	return nil
}

// One poll step. Never blocks; waiting is expressed by remaining in
// Triggered or WaitingForCompletion across scheduler ticks. Returns the
// state after the step.
func (e *Engine) Poll() (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Triggered:
		return e.pollTriggered()
	case WaitingForCompletion:
		return e.pollWaiting()
	default:
		return e.state, nil
	}
}

func (e *Engine) pollTriggered() (State, error) {
	status, err := e.port.Read(dev.RegStatus)
	if err != nil {
		return e.fatal(fmt.Errorf("engine %s: status read: %w", e.name, err))
	}
	busyReg, err := e.port.Read(dev.RegBusy)
	if err != nil {
		return e.fatal(fmt.Errorf("engine %s: busy read: %w", e.name, err))
	}
	errCount, err := e.port.Read(dev.RegErrCount)
	if err != nil {
		return e.fatal(fmt.Errorf("engine %s: error count read: %w", e.name, err))
	}
	e.savedStatus = status

	// Composite busy condition: status bit 1, busy bit 0, any error
	// count, or status bit 3.
	busy := (status&dev.StatusBusy) != 0 || (busyReg&dev.BusyActive) != 0 ||
		errCount != 0 || (status&dev.StatusErr) != 0

	if busy {
		e.budget--
		if e.budget > 0 {
			return Triggered, nil
		}
		e.stats.Timeouts++
		e.state = Error
		e.lastErr = fmt.Errorf("engine %s: command stuck busy: %w", e.name, dev.ErrTimeout)
		slog.Warn("command engine timeout", "engine", e.name, "slot", e.handle.Index())
		return e.state, e.lastErr
	}

	// Command accepted, begin the completion handshake: write the saved
	// status byte to completion control, then raise the hardware trigger
	// bit.
	if err := e.port.Write(dev.RegComplCtl, e.savedStatus); err != nil {
		return e.fatal(fmt.Errorf("engine %s: completion control: %w", e.name, err))
	}
	if err := e.port.Write(dev.RegTrigger, uint8(e.profile)|dev.TriggerStart); err != nil {
		return e.fatal(fmt.Errorf("engine %s: completion trigger: %w", e.name, err))
	}
	e.state = WaitingForCompletion
	debug.Debugf("ENGINE", debugMsk, debugState, "%s: waiting for completion", e.name)
	return e.state, nil
}

func (e *Engine) pollWaiting() (State, error) {
	compl, err := e.port.Read(dev.RegComplStatus)
	if err != nil {
		return e.fatal(fmt.Errorf("engine %s: completion read: %w", e.name, err))
	}

	if (compl & dev.ComplBusy) != 0 {
		e.complBudget--
		if e.complBudget > 0 {
			return WaitingForCompletion, nil
		}
		// The original firmware spins forever here. Exhausting the
		// budget lands in the terminal Fatal state instead.
		return e.fatal(fmt.Errorf("engine %s: completion handshake stuck: %w", e.name, dev.ErrTimeout))
	}

	errCount, err := e.port.Read(dev.RegErrCount)
	if err != nil {
		return e.fatal(fmt.Errorf("engine %s: error count read: %w", e.name, err))
	}
	if errCount != 0 {
		e.state = Error
		e.stats.Errors++
		e.lastErr = fmt.Errorf("engine %s: error count %d: %w", e.name, errCount, dev.ErrDevice)
		return e.state, e.lastErr
	}

	e.state = Complete
	e.stats.Completed++
	debug.Debugf("ENGINE", debugMsk, debugState, "%s: complete", e.name)
	if err := e.table.SetState(e.handle, slot.Done); err != nil {
		return e.state, err
	}
	return e.state, nil
}

func (e *Engine) fatal(err error) (State, error) {
	e.state = Fatal
	e.stats.Fatals++
	e.lastErr = err
	slog.Error("command engine fatal", "engine", e.name, "slot", e.handle.Index(), "err", err)
	return e.state, err
}

// Return the engine to Idle from a terminal state, or abandon a
// configured command before its trigger. Frees the slot and advances
// the 3-bit sequence counter. A triggered command can not be reset out
// from under the hardware.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Configured, Complete, Error, Fatal:
	case Idle:
		return nil
	default:
		return fmt.Errorf("engine %s: reset while %s: %w", e.name, e.state, dev.ErrBusy)
	}

	if err := e.table.Release(e.handle); err != nil {
		return err
	}
	e.seq = (e.seq + 1) & 0x07
	e.state = Idle
	e.lastErr = nil
	return nil
}

// Current state without side effects.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Handle of the command occupying the engine.
func (e *Engine) Handle() slot.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle
}

// Last error recorded by a terminal transition.
func (e *Engine) LastErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Sequence counter, 3 bits.
func (e *Engine) Seq() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

func (e *Engine) Name() string {
	return e.name
}

// Counter snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
