/* NVBridge debug trace output.

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

// Trace output for the per-package debug masks. Each package keeps its
// own mask and option names; this package only owns the output file.
package debug

import (
	"fmt"
	"os"
	"strconv"

	config "github.com/nvbridge/nvbridge/config/configparser"
)

var logFile *os.File

// Generic debug message.
func Debugf(module string, mask int, level int, format string, a ...interface{}) {
	if logFile != nil && (mask&level) != 0 {
		fmt.Fprintf(logFile, module+": "+format+"\n", a...)
	}
}

// Debug message tagged with a command slot.
func DebugSlotf(index int, mask int, level int, format string, a ...interface{}) {
	if logFile != nil && (mask&level) != 0 {
		slot := strconv.FormatInt(int64(index), 16)
		fmt.Fprintf(logFile, "slot "+slot+": "+format+"\n", a...)
	}
}

// Register the debug file keyword on initialize.
func init() {
	config.RegisterValue("DEBUGFILE", create)
}

// Open the trace file named in the configuration.
func create(fileName string, _ []config.Option) error {
	if logFile != nil {
		return fmt.Errorf("can't have more then one debug file, previous: %s", logFile.Name())
	}

	file, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("unable to create debug file: %s", fileName)
	}

	logFile = file
	return nil
}
