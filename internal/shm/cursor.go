/*
 *
 * Copyright 2025 the msgq authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

// Cursor packs a wraparound epoch and a byte offset into a single 64-bit
// word so both fields can be observed or replaced with one atomic operation.
// The epoch disambiguates offsets that alias after the ring wraps: two
// cursors at the same offset one full lap apart compare unequal.
type Cursor uint64

// NewCursor builds a cursor from an epoch (full-lap count) and a byte
// offset into the ring data area.
func NewCursor(epoch, offset uint32) Cursor {
	return Cursor(uint64(epoch)<<32 | uint64(offset))
}

// Epoch returns the wraparound counter.
func (c Cursor) Epoch() uint32 {
	return uint32(uint64(c) >> 32)
}

// Offset returns the byte position within the ring data area.
func (c Cursor) Offset() uint32 {
	return uint32(uint64(c) & 0xFFFFFFFF)
}

// Raw returns the packed 64-bit representation.
func (c Cursor) Raw() uint64 {
	return uint64(c)
}

// Mono linearizes the cursor onto a monotonic byte axis for a ring of the
// given size: epoch*size + offset. Differences between Mono values are the
// basis of the overrun check; epoch overflow after 2^32 laps is accepted as
// out of practical scope.
func (c Cursor) Mono(size uint64) uint64 {
	return uint64(c.Epoch())*size + uint64(c.Offset())
}

// advance returns the cursor moved forward by n bytes, bumping the epoch
// when the position wraps past the end of the ring. n must not exceed size.
func (c Cursor) advance(n, size uint64) Cursor {
	pos := uint64(c.Offset()) + n
	epoch := c.Epoch()
	if pos >= size {
		pos -= size
		epoch++
	}
	return NewCursor(epoch, uint32(pos))
}
