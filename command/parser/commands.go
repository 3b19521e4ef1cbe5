/* NVBridge command executer.

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

package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nvbridge/nvbridge/bridge/cfgblock"
	core "github.com/nvbridge/nvbridge/bridge/core"
	"github.com/nvbridge/nvbridge/bridge/master"
	"github.com/nvbridge/nvbridge/bridge/slot"
	command "github.com/nvbridge/nvbridge/command/command"
	"github.com/nvbridge/nvbridge/util/hex"
)

var cmdList = []cmd{
	{Name: "show", Min: 2, Process: show, Complete: showComplete},
	{Name: "inject", Min: 1, Process: inject},
	{Name: "examine", Min: 2, Process: examine},
	{Name: "deposit", Min: 2, Process: deposit},
	{Name: "reset", Min: 1, Process: reset},
	{Name: "start", Min: 3, Process: start},
	{Name: "stop", Min: 3, Process: stop},
	{Name: "quit", Min: 1, Process: quit},
}

func init() {
	command.Register(command.Topic{Name: "slots", Min: 2, Show: showSlots})
	command.Register(command.Topic{Name: "stats", Min: 2, Show: showStats})
	command.Register(command.Topic{Name: "queues", Min: 1, Show: showQueues})
	command.Register(command.Topic{Name: "engine", Min: 1, Show: showEngine})
	command.Register(command.Topic{Name: "dispatch", Min: 1, Show: showDispatch})
	command.Register(command.Topic{Name: "config", Min: 1, Show: showConfig})
	command.Register(command.Topic{Name: "flash", Min: 1, Show: showFlash})
}

// How long the console waits for a command it injected.
const injectTimeout = 5 * time.Second

// Run one CDB through the core loop and wait for its reply.
func submit(bridge *core.Bridge, cdb []uint8, data []uint8) (master.Reply, error) {
	reply := make(chan master.Reply, 1)
	bridge.Master <- master.Packet{Msg: master.HostCommand, CDB: cdb, Data: data, Reply: reply}
	select {
	case result := <-reply:
		return result, nil
	case <-time.After(injectTimeout):
		return master.Reply{}, errors.New("command timed out")
	}
}

// Process the show command.
func show(line *cmdLine, bridge *core.Bridge) (bool, error) {
	slog.Debug("Command Show")
	name := line.getWord(false)
	if name == "" {
		return false, errors.New("show requires a topic")
	}

	match := command.Match(name)
	if len(match) == 0 {
		return false, errors.New("unknown topic: " + name)
	}
	if len(match) > 1 {
		return false, errors.New("unique topic not found: " + name)
	}

	out, err := match[0].Show(bridge, line.getArgs())
	if err != nil {
		return false, err
	}
	fmt.Println(out)
	return false, nil
}

// Show command completion.
func showComplete(line *cmdLine) []string {
	leading := line.line[:line.pos]
	name := line.getWord(false)
	var matches []string
	for _, topic := range command.Names(name) {
		matches = append(matches, leading+topic+" ")
	}
	return matches
}

// Inject a CDB as if it arrived from the host.
func inject(line *cmdLine, bridge *core.Bridge) (bool, error) {
	slog.Debug("Command Inject")
	cdb, err := line.getHexBytes()
	if err != nil {
		return false, err
	}

	reply, err := submit(bridge, cdb, nil)
	if err != nil {
		return false, err
	}
	fmt.Printf("status %02X\n", reply.Status)
	if len(reply.Data) > 0 {
		str := &strings.Builder{}
		hex.FormatDump(str, 0, reply.Data)
		fmt.Print(str.String())
	}
	return false, nil
}

// Recover an engine parked in a terminal state.
func reset(_ *cmdLine, bridge *core.Bridge) (bool, error) {
	slog.Debug("Command Reset")
	for _, eng := range bridge.Scheduler().Engines() {
		if err := eng.Reset(); err != nil {
			return false, err
		}
		fmt.Printf("%s: idle\n", eng.Name())
	}
	return false, nil
}

// Resume scheduler ticks.
func start(_ *cmdLine, bridge *core.Bridge) (bool, error) {
	slog.Debug("Command Start")
	bridge.SendStart()
	return false, nil
}

// Suspend scheduler ticks.
func stop(_ *cmdLine, bridge *core.Bridge) (bool, error) {
	slog.Debug("Command Stop")
	bridge.SendStop()
	return false, nil
}

// Leave the console.
func quit(_ *cmdLine, _ *core.Bridge) (bool, error) {
	slog.Debug("Command Quit")
	return true, nil
}

func formatSlots(str *strings.Builder, name string, table *slot.Table) {
	fmt.Fprintf(str, "%s slots: %d/%d live\n", name, table.Live(), table.Depth())
	for _, s := range table.Snapshot() {
		if s.State == slot.Free {
			continue
		}
		fmt.Fprintf(str, "  %2d %-9s op %02X %-5s lba %08X len %04X tag %04X\n",
			s.Index, s.State, s.Opcode, s.Mode, s.LBA, s.Length, s.Tag)
	}
}

func showSlots(bridge *core.Bridge, _ []string) (string, error) {
	str := &strings.Builder{}
	formatSlots(str, "io", bridge.Slots())
	formatSlots(str, "admin", bridge.AdminSlots())
	return str.String(), nil
}

func showQueues(bridge *core.Bridge, _ []string) (string, error) {
	str := &strings.Builder{}
	for _, q := range []struct {
		name   string
		cursor interface {
			Position() (int, int)
			Phase() bool
			Pending() int
			Depth() int
		}
	}{
		{"submit", bridge.SubmitQueue()},
		{"complete", bridge.CompleteQueue()},
	} {
		head, tail := q.cursor.Position()
		fmt.Fprintf(str, "%-8s head %2d tail %2d phase %v pending %d of %d\n",
			q.name, head, tail, q.cursor.Phase(), q.cursor.Pending(), q.cursor.Depth())
	}
	return str.String(), nil
}

func showEngine(bridge *core.Bridge, _ []string) (string, error) {
	str := &strings.Builder{}
	for _, eng := range bridge.Scheduler().Engines() {
		stats := eng.Stats()
		fmt.Fprintf(str, "%s: %s seq %d\n", eng.Name(), eng.State(), eng.Seq())
		fmt.Fprintf(str, "  started %d completed %d errors %d timeouts %d fatals %d\n",
			stats.Started, stats.Completed, stats.Errors, stats.Timeouts, stats.Fatals)
		if err := eng.LastErr(); err != nil {
			fmt.Fprintf(str, "  last error: %v\n", err)
		}
	}
	return str.String(), nil
}

func showDispatch(bridge *core.Bridge, _ []string) (string, error) {
	dispatched, noops := bridge.Dispatch().Stats()
	return fmt.Sprintf("active module %d, dispatched %d, no-ops %d\n",
		bridge.Dispatch().Active(), dispatched, noops), nil
}

func showStats(bridge *core.Bridge, _ []string) (string, error) {
	stats := bridge.Scheduler().Stats()
	return fmt.Sprintf("ticks %d events %d completed %d failed %d fatal %d\n",
		stats.Ticks, stats.Events, stats.Completed, stats.Failed, stats.FatalSeen), nil
}

// show config [block]
func showConfig(bridge *core.Bridge, args []string) (string, error) {
	index := 0
	if len(args) > 0 {
		var err error
		index, err = strconv.Atoi(args[0])
		if err != nil {
			return "", errors.New("block index must be a number: " + args[0])
		}
	}
	block, err := bridge.Store().ReadBlock(index)
	if err != nil {
		return "", err
	}
	str := &strings.Builder{}
	hex.FormatDump(str, index*cfgblock.BlockSize, block)
	return str.String(), nil
}

// show flash <hexaddr> [count]
func showFlash(bridge *core.Bridge, args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("flash requires an address")
	}
	addr, err := strconv.ParseUint(args[0], 16, 24)
	if err != nil {
		return "", errors.New("address must be hex: " + args[0])
	}
	count := 128
	if len(args) > 1 {
		count, err = strconv.Atoi(args[1])
		if err != nil || count < 1 {
			return "", errors.New("count invalid: " + args[1])
		}
	}
	data, err := bridge.Store().ReadFlash(uint32(addr), count)
	if err != nil {
		return "", err
	}
	str := &strings.Builder{}
	hex.FormatDump(str, int(addr), data)
	return str.String(), nil
}
