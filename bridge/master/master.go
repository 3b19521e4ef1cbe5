/* NVBridge master channel packets.

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

// Everything that can interrupt the bridge core loop arrives as a packet
// on the master channel: timer ticks, host commands, link sessions and
// console control. Serializing through one channel gives the tick
// handler and the command path the mutual exclusion the original
// firmware got from interrupt semantics.
package master

// Packet message types.
type Message int

const (
	TimeClock Message = iota // Periodic scheduler tick
	HostCommand              // CDB arrived from the host link
	Connect                  // Host link session opened
	Disconnect               // Host link session closed
	Start                    // Begin scheduling
	Stop                     // Pause scheduling
)

// Final status of a host command.
type Reply struct {
	Status uint8
	Data   []uint8
}

// One message to the bridge core.
type Packet struct {
	Msg    Message
	ConnID int
	CDB    []uint8
	Data   []uint8
	Reply  chan Reply // Buffered; core sends exactly one reply per CDB
}
