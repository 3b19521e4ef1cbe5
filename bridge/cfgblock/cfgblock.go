/* NVBridge config block and flash window store.

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

// Backing store for the vendor maintenance commands: the 128 byte config
// blocks behind opcodes 0xE0/0xE1 and the SPI flash window behind 0xE2
// and the firmware update sequence.
package cfgblock

import (
	"fmt"
	"os"
	"sync"

	"github.com/sigurn/crc8"

	dev "github.com/nvbridge/nvbridge/bridge/device"
)

const (
	BlockSize = 128             // Full block, CRC trailer included
	BlockData = BlockSize - 1   // Payload bytes per block
	NumBlocks = 16              // Config region block count
	FlashSize = 64 * 1024       // SPI flash window

	// The vendor command magic lives at a fixed spot in block 0.
	// Without it vendor opcodes are not recognized.
	MagicOffset = 0
	VendorMagic = 0x5A
)

var crcTable = crc8.MakeTable(crc8.CRC8_MAXIM)

// In-memory image of the config region and flash window, optionally
// persisted to a file.
type Store struct {
	mu     sync.Mutex
	blocks []uint8
	flash  []uint8
	path   string
}

// Create an empty store. Flash reads as erased (0xFF).
func New() *Store {
	s := &Store{
		blocks: make([]uint8, NumBlocks*BlockSize),
		flash:  make([]uint8, FlashSize),
	}
	for i := range s.flash {
		s.flash[i] = 0xFF
	}
	// Seal every block with a valid CRC over its zero payload.
	for i := range NumBlocks {
		block := s.blocks[i*BlockSize : (i+1)*BlockSize]
		block[BlockData] = crc8.Checksum(block[:BlockData], crcTable)
	}
	return s
}

// Load the store image from a file. A short or missing file leaves the
// store empty rather than failing startup.
func Load(path string) (*Store, error) {
	s := New()
	s.path = path
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("config image %s: %w", path, err)
	}
	n := copy(s.blocks, data)
	if len(data) > n {
		copy(s.flash, data[n:])
	}
	return s, nil
}

// Write the image back to its file. No-op when the store was created
// without one.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	image := make([]uint8, 0, len(s.blocks)+len(s.flash))
	image = append(image, s.blocks...)
	image = append(image, s.flash...)
	return os.WriteFile(s.path, image, 0o644)
}

// Read one config block, verifying its CRC trailer. Returns the full
// 128 bytes, trailer included.
func (s *Store) ReadBlock(index int) ([]uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= NumBlocks {
		return nil, fmt.Errorf("config block %d: %w", index, dev.ErrUnsupported)
	}
	block := s.blocks[index*BlockSize : (index+1)*BlockSize]
	if crc8.Checksum(block[:BlockData], crcTable) != block[BlockData] {
		return nil, fmt.Errorf("config block %d: bad checksum: %w", index, dev.ErrDevice)
	}
	out := make([]uint8, BlockSize)
	copy(out, block)
	return out, nil
}

// Write one config block payload and reseal its CRC trailer.
func (s *Store) WriteBlock(index int, data []uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= NumBlocks {
		return fmt.Errorf("config block %d: %w", index, dev.ErrUnsupported)
	}
	if len(data) > BlockData {
		return fmt.Errorf("config block %d: %d bytes: %w", index, len(data), dev.ErrUnsupported)
	}
	block := s.blocks[index*BlockSize : (index+1)*BlockSize]
	for i := range BlockData {
		if i < len(data) {
			block[i] = data[i]
		} else {
			block[i] = 0
		}
	}
	block[BlockData] = crc8.Checksum(block[:BlockData], crcTable)
	return nil
}

// True when the vendor command magic byte is present. Its absence means
// vendor opcodes are not recognized at all.
func (s *Store) VendorMagicPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[MagicOffset] == VendorMagic
}

// Install the vendor magic byte and reseal block 0.
func (s *Store) SetVendorMagic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[MagicOffset] = VendorMagic
	block := s.blocks[:BlockSize]
	block[BlockData] = crc8.Checksum(block[:BlockData], crcTable)
}

// Read from the flash window, any length within bounds.
func (s *Store) ReadFlash(addr uint32, count int) ([]uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count < 0 || int(addr)+count > FlashSize {
		return nil, fmt.Errorf("flash read %#x+%d: %w", addr, count, dev.ErrUnsupported)
	}
	out := make([]uint8, count)
	copy(out, s.flash[addr:])
	return out, nil
}

// Program the flash window. Programming can only clear bits; the range
// must have been erased first.
func (s *Store) WriteFlash(addr uint32, data []uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr)+len(data) > FlashSize {
		return fmt.Errorf("flash write %#x+%d: %w", addr, len(data), dev.ErrUnsupported)
	}
	for i, b := range data {
		s.flash[int(addr)+i] &= b
	}
	return nil
}

// Erase a flash range back to 0xFF.
func (s *Store) EraseFlash(addr uint32, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count < 0 || int(addr)+count > FlashSize {
		return fmt.Errorf("flash erase %#x+%d: %w", addr, count, dev.ErrUnsupported)
	}
	for i := range count {
		s.flash[int(addr)+i] = 0xFF
	}
	return nil
}
