/* NVBridge core loop.

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

// The single active control flow of the bridge. All work arrives as
// packets on the master channel and is processed strictly in order, so
// the tick handler can never interleave with a host command in flight.
package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nvbridge/nvbridge/bridge/cfgblock"
	dev "github.com/nvbridge/nvbridge/bridge/device"
	"github.com/nvbridge/nvbridge/bridge/dispatch"
	"github.com/nvbridge/nvbridge/bridge/engine"
	"github.com/nvbridge/nvbridge/bridge/frontend"
	"github.com/nvbridge/nvbridge/bridge/fwupdate"
	"github.com/nvbridge/nvbridge/bridge/master"
	"github.com/nvbridge/nvbridge/bridge/queue"
	"github.com/nvbridge/nvbridge/bridge/sched"
	"github.com/nvbridge/nvbridge/bridge/slot"
)

// Geometry and policy, filled from the configuration file.
type Settings struct {
	IODepth     int // I/O queue and slot table depth
	AdminDepth  int // Admin slot table depth
	Budget      int // Default poll budget per command
	ComplBudget int // Completion wait budget
	TickPeriod  time.Duration
	ImagePath   string // Config block and flash image
}

func DefaultSettings() Settings {
	return Settings{
		IODepth:     slot.IODepth,
		AdminDepth:  slot.AdminDepth,
		Budget:      engine.DefaultBudget,
		ComplBudget: engine.DefaultComplBudget,
		TickPeriod:  sched.DefaultPeriod,
	}
}

// Bridge wires every component together and runs the core loop.
type Bridge struct {
	wg      sync.WaitGroup
	done    chan struct{}
	running bool
	Master  chan master.Packet

	port  dev.Port
	io    *slot.Table
	adm   *slot.Table
	eng   *engine.Engine
	sq    *queue.Cursor
	cq    *queue.Cursor
	disp  *dispatch.Table
	store *cfgblock.Store
	fw    *fwupdate.Updater
	fe    *frontend.FrontEnd
	sched *sched.Scheduler

	// Deferred host commands awaiting engine completion, by slot index.
	pending map[int]chan master.Reply
}

// Build a bridge on the given device port.
func New(port dev.Port, settings Settings, masterChannel chan master.Packet) (*Bridge, error) {
	b := &Bridge{
		done:    make(chan struct{}),
		Master:  masterChannel,
		port:    port,
		pending: make(map[int]chan master.Reply),
	}

	b.io = slot.New(settings.IODepth)
	b.adm = slot.New(settings.AdminDepth)
	b.eng = engine.New("io0", port, b.io)
	b.eng.SetBudgets(settings.Budget, settings.ComplBudget)

	var err error
	if b.sq, err = queue.New(settings.IODepth, dev.RegDoorbellSQ); err != nil {
		return nil, err
	}
	if b.cq, err = queue.New(settings.IODepth, dev.RegDoorbellCQ); err != nil {
		return nil, err
	}

	if settings.ImagePath != "" {
		if b.store, err = cfgblock.Load(settings.ImagePath); err != nil {
			return nil, err
		}
	} else {
		b.store = cfgblock.New()
	}
	b.fw = fwupdate.New(b.store)

	b.disp = dispatch.New(port)
	b.fe = frontend.New(port, b.io, b.adm, b.eng, b.sq, b.disp, b.store, b.fw)
	if err := b.registerHandlers(); err != nil {
		return nil, err
	}
	b.disp.Seal()

	b.sched = sched.New(port, b.disp, b.sq, b.cq, b.eng)
	b.sched.OnCompletion(b.completeCommand)
	return b, nil
}

// Build the dispatch table: core events plus the admin passthrough
// range. The timer tick handler region is empty on this controller.
func (b *Bridge) registerHandlers() error {
	entries := []struct {
		event   dispatch.EventID
		module  dispatch.ModuleID
		handler dispatch.Handler
	}{
		{dispatch.EventTimerTick, dispatch.ModuleCore, nil},
		{dispatch.EventQueue, dispatch.ModuleCore, b.onQueueEvent},
		{dispatch.EventLinkChange, dispatch.ModuleLink, b.onLinkChange},
		{dispatch.EventError, dispatch.ModuleCore, b.onErrorEvent},
		{dispatch.EventReset, dispatch.ModuleCore, b.onReset},
	}
	for _, e := range entries {
		if err := b.disp.Register(e.event, e.module, e.handler); err != nil {
			return err
		}
	}
	return b.fe.RegisterAdminHandlers()
}

func (b *Bridge) onQueueEvent(arg int) error {
	slog.Debug("completion queue event", "status", arg)
	return nil
}

func (b *Bridge) onLinkChange(arg int) error {
	status, err := b.port.Read(dev.RegLinkStatus)
	if err != nil {
		return err
	}
	slog.Info("PCIe link change", "status", status)
	return nil
}

func (b *Bridge) onErrorEvent(arg int) error {
	slog.Warn("device error condition", "status", arg)
	return nil
}

// Reset event: abandon any update sequence and recover engines parked
// in a terminal state.
func (b *Bridge) onReset(arg int) error {
	b.fw.Reset()
	switch b.eng.State() {
	case engine.Complete, engine.Error, engine.Fatal:
		return b.eng.Reset()
	}
	return nil
}

// Run the core loop until Stop.
func (b *Bridge) Start() {
	b.wg.Add(1)
	defer b.wg.Done()
	b.running = true

	for {
		select {
		case <-b.done:
			b.shutdown()
			return
		case packet := <-b.Master:
			b.processPacket(packet)
		}
	}
}

// Stop the core loop.
func (b *Bridge) Stop() {
	slog.Info("Shutting down bridge")
	close(b.done)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(time.Second):
		slog.Warn("Timed out waiting for bridge to finish.")
		return
	}
}

func (b *Bridge) processPacket(packet master.Packet) {
	switch packet.Msg {
	case master.TimeClock:
		if b.running {
			b.sched.Tick()
		}
	case master.HostCommand:
		b.processCommand(packet)
	case master.Connect:
		slog.Info("host link connected", "conn", packet.ConnID)
	case master.Disconnect:
		slog.Info("host link disconnected", "conn", packet.ConnID)
	case master.Start:
		b.running = true
	case master.Stop:
		b.running = false
	}
}

// Decode and start one host command. Deferred commands reply later from
// the completion callback; everything else replies here.
func (b *Bridge) processCommand(packet master.Packet) {
	resp, err := b.fe.Submit(packet.CDB, packet.Data)
	if err != nil {
		slog.Debug("command rejected", "err", err)
	}
	if resp.Deferred {
		if packet.Reply != nil {
			b.pending[resp.Handle.Index()] = packet.Reply
		}
		return
	}
	if packet.Reply != nil {
		packet.Reply <- master.Reply{Status: resp.Status, Data: resp.Data}
	}
}

// Completion callback from the scheduler; runs on the core goroutine.
func (b *Bridge) completeCommand(h slot.Handle, status uint8) {
	reply, ok := b.pending[h.Index()]
	if !ok {
		return
	}
	delete(b.pending, h.Index())
	reply <- master.Reply{Status: status}
}

func (b *Bridge) shutdown() {
	// Fail any commands still waiting so link sessions can unblock.
	for index, reply := range b.pending {
		delete(b.pending, index)
		reply <- master.Reply{Status: dev.HostStatusCheck}
	}
	if err := b.store.Save(); err != nil {
		slog.Error("config image save failed", "err", err)
	}
}

// Accessors for the console.
func (b *Bridge) Slots() *slot.Table           { return b.io }
func (b *Bridge) AdminSlots() *slot.Table      { return b.adm }
func (b *Bridge) Engine() *engine.Engine       { return b.eng }
func (b *Bridge) SubmitQueue() *queue.Cursor   { return b.sq }
func (b *Bridge) CompleteQueue() *queue.Cursor { return b.cq }
func (b *Bridge) Dispatch() *dispatch.Table    { return b.disp }
func (b *Bridge) Scheduler() *sched.Scheduler  { return b.sched }
func (b *Bridge) Store() *cfgblock.Store       { return b.store }

// Control messages, used by the console.
func (b *Bridge) SendStart() {
	b.Master <- master.Packet{Msg: master.Start}
}

func (b *Bridge) SendStop() {
	b.Master <- master.Packet{Msg: master.Stop}
}
