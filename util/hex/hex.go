/* NVBridge hex formatting for the console.

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

package hex

import "strings"

var hexMap = "0123456789ABCDEF"

func FormatByte(str *strings.Builder, data byte) {
	str.WriteByte(hexMap[(data>>4)&0xf])
	str.WriteByte(hexMap[data&0xf])
}

func FormatBytes(str *strings.Builder, space bool, data []uint8) {
	for _, by := range data {
		FormatByte(str, by)
		if space {
			str.WriteByte(' ')
		}
	}
}

// Flash and register addresses are at most 24 bits.
func FormatAddr(str *strings.Builder, addr int) {
	shift := 20
	for range 6 {
		str.WriteByte(hexMap[(addr>>shift)&0xf])
		shift -= 4
	}
}

// Format a region as rows of sixteen bytes with a leading address and a
// printable-character gutter.
func FormatDump(str *strings.Builder, base int, data []uint8) {
	for row := 0; row < len(data); row += 16 {
		FormatAddr(str, base+row)
		str.WriteString(": ")
		end := min(row+16, len(data))
		FormatBytes(str, true, data[row:end])
		for i := end; i < row+16; i++ {
			str.WriteString("   ")
		}
		str.WriteByte(' ')
		for _, by := range data[row:end] {
			if by >= 0x20 && by < 0x7f {
				str.WriteByte(by)
			} else {
				str.WriteByte('.')
			}
		}
		str.WriteByte('\n')
	}
}
