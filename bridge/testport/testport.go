/* NVBridge recording device port for tests.

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

package testport

import (
	"sync"

	dev "github.com/nvbridge/nvbridge/bridge/device"
)

// One recorded register access.
type Access struct {
	Reg   dev.Reg
	Value uint8
	Write bool
}

// Port implements device.Port against an in-memory register file and
// records every access in order. Register values may be scripted so a
// sequence of reads of the same register returns successive values.
type Port struct {
	mu      sync.Mutex
	regs    [dev.NumRegs]uint8
	scripts map[dev.Reg][]uint8
	trace   []Access

	// Number of WaitBit polls before the condition is reported met.
	// Negative means the condition is never met.
	WaitAfter int

	// Force read/write errors for fault injection. FailWritesAfter set
	// to N fails the Nth write and every one after it.
	FailReads       bool
	FailWrites      bool
	FailWritesAfter int
}

func New() *Port {
	return &Port{scripts: make(map[dev.Reg][]uint8)}
}

// Preload a register with a fixed value.
func (p *Port) Set(reg dev.Reg, value uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[reg] = value
}

// Script successive read values for a register. Once the script is
// drained reads return the last scripted value.
func (p *Port) Script(reg dev.Reg, values ...uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[reg] = values
}

func (p *Port) Read(reg dev.Reg) (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailReads {
		return 0, dev.ErrDevice
	}
	if script, ok := p.scripts[reg]; ok && len(script) > 0 {
		value := script[0]
		if len(script) > 1 {
			p.scripts[reg] = script[1:]
		}
		p.regs[reg] = value
		p.trace = append(p.trace, Access{Reg: reg, Value: value})
		return value, nil
	}
	value := p.regs[reg]
	p.trace = append(p.trace, Access{Reg: reg, Value: value})
	return value, nil
}

func (p *Port) Write(reg dev.Reg, value uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWrites {
		return dev.ErrDevice
	}
	if p.FailWritesAfter > 0 {
		p.FailWritesAfter--
		if p.FailWritesAfter == 0 {
			p.FailWrites = true
			return dev.ErrDevice
		}
	}
	p.regs[reg] = value
	p.trace = append(p.trace, Access{Reg: reg, Value: value, Write: true})
	return nil
}

func (p *Port) WaitBit(reg dev.Reg, mask uint8, set bool, budget int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WaitAfter < 0 || p.WaitAfter >= budget {
		return false
	}
	if set {
		p.regs[reg] |= mask
	} else {
		p.regs[reg] &^= mask
	}
	return true
}

func (p *Port) Copy(dst []uint8, reg dev.Reg, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailReads {
		return dev.ErrDevice
	}
	for i := range count {
		dst[i] = p.regs[reg]
	}
	return nil
}

// Return recorded accesses in order.
func (p *Port) Trace() []Access {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Access, len(p.trace))
	copy(out, p.trace)
	return out
}

// Return only recorded writes, in order.
func (p *Port) Writes() []Access {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Access
	for _, a := range p.trace {
		if a.Write {
			out = append(out, a)
		}
	}
	return out
}

// Index of the first write to reg in the trace, -1 when not written.
func (p *Port) FirstWrite(reg dev.Reg) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.trace {
		if a.Write && a.Reg == reg {
			return i
		}
	}
	return -1
}

// Clear the recorded trace.
func (p *Port) ResetTrace() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trace = nil
}
