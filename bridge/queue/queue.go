/* NVBridge submission/completion queue bookkeeping.

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

package queue

import (
	"fmt"
	"sync"

	dev "github.com/nvbridge/nvbridge/bridge/device"
)

// Cursor tracks one circular queue. The phase bit flips each time tail
// wraps, letting a consumer tell produced entries from stale ones without
// a separate valid flag.
type Cursor struct {
	mu       sync.Mutex
	head     int
	tail     int
	count    int // Occupied entries, disambiguates head == tail
	phase    bool
	depth    int
	doorbell dev.Reg // Doorbell register for this queue

	// Counters surfaced by the console.
	reserved  uint64
	advanced  uint64
	doorbells uint64
}

// Create a queue cursor of the given depth ringing the given doorbell
// register. Depth is per queue, never global.
func New(depth int, doorbell dev.Reg) (*Cursor, error) {
	if depth < 2 {
		return nil, fmt.Errorf("queue depth %d: %w", depth, dev.ErrUnsupported)
	}
	return &Cursor{depth: depth, doorbell: doorbell}, nil
}

// Reserve the next submission entry. Returns the index to fill and
// advances tail modulo depth; wrapping past the end flips the phase bit.
// A full queue refuses the reservation rather than overwriting entries
// the device has not consumed.
func (q *Cursor) ReserveEntry() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count >= q.depth {
		return 0, fmt.Errorf("queue full at depth %d: %w", q.depth, dev.ErrBusy)
	}
	index := q.tail
	q.tail++
	if q.tail >= q.depth {
		q.tail = 0
		q.phase = !q.phase
	}
	q.count++
	q.reserved++
	return index, nil
}

// Back out the most recent reservation. Only legal while the entry is
// still unannounced; once the doorbell has rung the device owns it.
func (q *Cursor) ReleaseEntry() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return
	}
	q.tail--
	if q.tail < 0 {
		q.tail = q.depth - 1
		q.phase = !q.phase
	}
	q.count--
	q.reserved--
}

// Consume one completed entry. Consuming an empty queue is a no-op on
// the occupancy count.
func (q *Cursor) AdvanceHead() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	index := q.head
	q.head++
	if q.head >= q.depth {
		q.head = 0
	}
	if q.count > 0 {
		q.count--
	}
	q.advanced++
	return index
}

// Announce new entries to the device. The caller must have finished the
// entry content writes before ringing; the doorbell write is what makes
// the entries visible to the device.
func (q *Cursor) RingDoorbell(port dev.Port) error {
	q.mu.Lock()
	tail := uint8(q.tail)
	q.doorbells++
	q.mu.Unlock()
	return port.Write(q.doorbell, tail)
}

// Current phase bit.
func (q *Cursor) Phase() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.phase
}

// Number of occupied entries. Counted directly so a full queue is
// distinguishable from an empty one when head equals tail.
func (q *Cursor) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Cursor) Depth() int {
	return q.depth
}

// Head and tail for the console show command.
func (q *Cursor) Position() (head, tail int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head, q.tail
}

// Counter snapshot for the console show command.
func (q *Cursor) Stats() (reserved, advanced, doorbells uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reserved, q.advanced, q.doorbells
}
