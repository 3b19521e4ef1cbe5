/* NVBridge NVMe admin passthrough handlers.

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

package frontend

import (
	"fmt"
	"log/slog"

	dev "github.com/nvbridge/nvbridge/bridge/device"
	"github.com/nvbridge/nvbridge/bridge/fwupdate"
)

// Feature values settable through get/set features. Keyed by feature
// identifier, the dispatch argument.
var defaultFeatures = map[int]uint8{
	0x01: 0x00, // Arbitration
	0x02: 0x00, // Power management
	0x07: 0x01, // Number of queues
	0x0B: 0x00, // Async event config
}

func (fe *FrontEnd) admIdentify(arg int) error {
	data := make([]uint8, 64)
	copy(data[0:], "NVBridge")
	copy(data[24:], "FW0100")
	data[40] = uint8(fe.sq.Depth())
	data[41] = uint8(fe.adm.Depth())
	data[42] = uint8(arg) // Controller/namespace structure selector
	fe.adminData = data
	return nil
}

func (fe *FrontEnd) admGetFeatures(arg int) error {
	value, ok := fe.features()[arg]
	if !ok {
		return fmt.Errorf("feature %#02x: %w", arg, dev.ErrUnsupported)
	}
	fe.adminData = []uint8{value}
	return nil
}

func (fe *FrontEnd) admSetFeatures(arg int) error {
	features := fe.features()
	if _, ok := features[arg]; !ok {
		return fmt.Errorf("feature %#02x: %w", arg, dev.ErrUnsupported)
	}
	// The new value rides in the high bits of the argument.
	features[arg] = uint8(arg >> 8)
	return nil
}

func (fe *FrontEnd) admGetLogPage(arg int) error {
	// Error information log: one entry per engine error recorded.
	stats := fe.eng.Stats()
	data := make([]uint8, 16)
	data[0] = uint8(arg) // Log page identifier
	data[1] = uint8(stats.Errors)
	data[2] = uint8(stats.Timeouts)
	data[3] = uint8(stats.Fatals)
	fe.adminData = data
	return nil
}

func (fe *FrontEnd) admAbort(arg int) error {
	// Mid-flight cancellation does not exist on this controller; abort
	// acknowledges but reports nothing aborted, as the device does.
	fe.adminData = []uint8{0x01}
	return nil
}

// Create/delete I/O queue commands all validate the queue identifier
// and acknowledge. Queue geometry on this bridge is fixed by the config
// file, so the commands cannot reshape it.
func (fe *FrontEnd) admQueueOp(arg int) error {
	if arg <= 0 || arg > 2 {
		return fmt.Errorf("queue identifier %d: %w", arg, dev.ErrUnsupported)
	}
	return nil
}

func (fe *FrontEnd) admFwCommit(arg int) error {
	return fe.fw.Commit()
}

func (fe *FrontEnd) admFwDownload(arg int) error {
	// Passthrough download stages through the same five flag sequencer
	// as vendor opcode 0xE3.
	if fe.fw.Acked()&fwupdate.FlagInitial == 0 {
		if err := fe.fw.Begin(uint32(arg)); err != nil {
			return err
		}
	}
	slog.Debug("admin firmware download", "arg", arg)
	return nil
}

func (fe *FrontEnd) features() map[int]uint8 {
	if fe.featureMap == nil {
		fe.featureMap = make(map[int]uint8, len(defaultFeatures))
		for k, v := range defaultFeatures {
			fe.featureMap[k] = v
		}
	}
	return fe.featureMap
}
