/* NVBridge bridge settings configuration.

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

// Bridge geometry and policy keywords for the configuration file:
//
//	HOSTPORT 127.0.0.1:3270
//	IMAGE    nvbridge.img
//	QUEUE    32 ADMIN=6
//	BUDGET   200 COMPLETION=50
//	TICK     5
package bridgeconfig

import (
	"errors"
	"fmt"
	"time"

	"github.com/nvbridge/nvbridge/bridge/engine"
	"github.com/nvbridge/nvbridge/bridge/sched"
	"github.com/nvbridge/nvbridge/bridge/slot"
	config "github.com/nvbridge/nvbridge/config/configparser"
)

// Settings collected from the configuration file.
type Settings struct {
	HostPort    string        // Host link listen address.
	ImagePath   string        // Config block and flash image.
	IODepth     int           // I/O queue and slot table depth.
	AdminDepth  int           // Admin slot table depth.
	Budget      int           // Default poll budget per command.
	ComplBudget int           // Completion wait budget.
	TickPeriod  time.Duration // Scheduler tick period.
}

var current Settings

// Register the bridge keywords on initialize.
func init() {
	Reset()
	config.RegisterValue("HOSTPORT", setHostPort)
	config.RegisterValue("IMAGE", setImage)
	config.RegisterOptions("QUEUE", setQueue)
	config.RegisterOptions("BUDGET", setBudget)
	config.RegisterValue("TICK", setTick)
}

// Settings as loaded. Unset keywords keep their defaults.
func Current() Settings {
	return current
}

// Restore default settings, used before a reload and by tests.
func Reset() {
	current = Settings{
		IODepth:     slot.IODepth,
		AdminDepth:  slot.AdminDepth,
		Budget:      engine.DefaultBudget,
		ComplBudget: engine.DefaultComplBudget,
		TickPeriod:  sched.DefaultPeriod,
	}
}

func setHostPort(value string, _ []config.Option) error {
	current.HostPort = value
	return nil
}

func setImage(value string, _ []config.Option) error {
	current.ImagePath = value
	return nil
}

func setQueue(value string, options []config.Option) error {
	depth, err := config.ParseNumber(value)
	if err != nil {
		return errors.New("queue depth must be a number: " + value)
	}
	if depth < 2 || depth > slot.IODepth {
		return fmt.Errorf("queue depth %d out of range", depth)
	}
	current.IODepth = depth
	for _, opt := range options {
		switch opt.Name {
		case "ADMIN":
			admin, err := config.ParseNumber(opt.EqualOpt)
			if err != nil || admin < 1 || admin > slot.AdminDepth {
				return errors.New("admin depth invalid: " + opt.EqualOpt)
			}
			current.AdminDepth = admin
		default:
			return errors.New("queue option invalid: " + opt.Name)
		}
	}
	return nil
}

func setBudget(value string, options []config.Option) error {
	budget, err := config.ParseNumber(value)
	if err != nil || budget < 1 {
		return errors.New("budget must be a positive number: " + value)
	}
	current.Budget = budget
	for _, opt := range options {
		switch opt.Name {
		case "COMPLETION":
			compl, err := config.ParseNumber(opt.EqualOpt)
			if err != nil || compl < 1 {
				return errors.New("completion budget invalid: " + opt.EqualOpt)
			}
			current.ComplBudget = compl
		default:
			return errors.New("budget option invalid: " + opt.Name)
		}
	}
	return nil
}

// Tick period in milliseconds.
func setTick(value string, _ []config.Option) error {
	ms, err := config.ParseNumber(value)
	if err != nil || ms < 1 || ms > 1000 {
		return errors.New("tick period invalid: " + value)
	}
	current.TickPeriod = time.Duration(ms) * time.Millisecond
	return nil
}
