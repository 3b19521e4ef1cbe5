/* NVBridge memory examine and deposit commands.

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
	"strings"

	core "github.com/nvbridge/nvbridge/bridge/core"
	dev "github.com/nvbridge/nvbridge/bridge/device"
	"github.com/nvbridge/nvbridge/bridge/frontend"
	"github.com/nvbridge/nvbridge/util/hex"
)

// The examine and deposit commands ride the vendor memory window
// opcodes, so they obey the same magic byte gate as a host would.

// examine <hexaddr> [count]
func examine(line *cmdLine, bridge *core.Bridge) (bool, error) {
	slog.Debug("Command Examine")
	addr, err := line.getHex()
	if err != nil {
		return false, errors.New("examine requires a hex address")
	}
	count := uint32(16)
	if !line.isEOL() {
		count, err = line.getHex()
		if err != nil || count == 0 || count > 64 {
			return false, errors.New("examine count invalid")
		}
	}

	cdb := []uint8{frontend.OpMemRead,
		uint8(addr >> 24), uint8(addr >> 16), uint8(addr >> 8), uint8(addr),
		uint8(count)}
	reply, err := submit(bridge, cdb, nil)
	if err != nil {
		return false, err
	}
	if reply.Status != dev.HostStatusGood {
		return false, fmt.Errorf("examine failed, status %02X", reply.Status)
	}

	str := &strings.Builder{}
	hex.FormatDump(str, int(addr), reply.Data)
	fmt.Print(str.String())
	return false, nil
}

// deposit <hexaddr> <hexvalue>
func deposit(line *cmdLine, bridge *core.Bridge) (bool, error) {
	slog.Debug("Command Deposit")
	addr, err := line.getHex()
	if err != nil {
		return false, errors.New("deposit requires a hex address")
	}
	value, err := line.getHex()
	if err != nil || value > 0xff {
		return false, errors.New("deposit requires a byte value")
	}

	cdb := []uint8{frontend.OpMemWrite,
		uint8(addr >> 24), uint8(addr >> 16), uint8(addr >> 8), uint8(addr),
		uint8(value)}
	reply, err := submit(bridge, cdb, nil)
	if err != nil {
		return false, err
	}
	if reply.Status != dev.HostStatusGood {
		return false, fmt.Errorf("deposit failed, status %02X", reply.Status)
	}
	return false, nil
}
