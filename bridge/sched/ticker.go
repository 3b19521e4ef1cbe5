/* NVBridge periodic tick source.

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
	"log/slog"
	"sync"
	"time"

	"github.com/nvbridge/nvbridge/bridge/master"
)

// Default tick period. The original hardware timer fired at roughly
// this rate.
const DefaultPeriod = 5 * time.Millisecond

// Ticker delivers the periodic scheduler tick on the master channel,
// standing in for the hardware timer interrupt.
type Ticker struct {
	wg      sync.WaitGroup
	running bool
	period  time.Duration
	master  chan master.Packet
	enable  chan bool
	done    chan struct{}
	ticker  *time.Ticker
}

// Create a tick source posting to the master channel. The ticker starts
// disabled; call Start to begin delivery.
func NewTicker(masterChannel chan master.Packet, period time.Duration) *Ticker {
	if period <= 0 {
		period = DefaultPeriod
	}
	t := &Ticker{
		master: masterChannel,
		period: period,
		enable: make(chan bool, 1),
		done:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// Begin tick delivery.
func (t *Ticker) Start() {
	t.enable <- true
}

// Pause tick delivery.
func (t *Ticker) Stop() {
	t.enable <- false
}

// Shut the ticker down for good.
func (t *Ticker) Shutdown() {
	close(t.done)
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(time.Second):
		slog.Warn("Timed out waiting for ticker to finish.")
		return
	}
}

func (t *Ticker) run() {
	defer t.wg.Done()
	t.ticker = time.NewTicker(t.period)
	defer t.ticker.Stop()
	t.running = false

	for {
		select {
		case <-t.ticker.C:
			if t.running {
				t.master <- master.Packet{Msg: master.TimeClock}
			}
		case t.running = <-t.enable:
			if t.running {
				t.ticker.Reset(t.period)
			}
		case <-t.done:
			return
		}
	}
}
