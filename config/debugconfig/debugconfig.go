/* NVBridge debug options configuration.

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

package debugconfig

import (
	"errors"
	"strings"

	"github.com/nvbridge/nvbridge/bridge/engine"
	"github.com/nvbridge/nvbridge/bridge/frontend"
	"github.com/nvbridge/nvbridge/bridge/sched"
	config "github.com/nvbridge/nvbridge/config/configparser"
)

// Register the debug keyword on initialize.
func init() {
	config.RegisterOptions("DEBUG", setDebug)
}

// DEBUG <module> <option>...
//
// Each module keeps its own option names; unknown options are rejected
// by the module itself.
func setDebug(module string, options []config.Option) error {
	var set func(string) error
	switch strings.ToUpper(module) {
	case "ENGINE":
		set = engine.Debug
	case "SCHED":
		set = sched.Debug
	case "FRONTEND":
		set = frontend.Debug
	default:
		return errors.New("debug module invalid: " + module)
	}

	if len(options) == 0 {
		return errors.New("debug " + module + " requires at least one option")
	}
	for _, opt := range options {
		if opt.EqualOpt != "" {
			return errors.New("debug option can't take a value: " + opt.Name)
		}
		if err := set(opt.Name); err != nil {
			return err
		}
	}
	return nil
}
