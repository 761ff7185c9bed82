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

import "testing"

func TestCursorPackUnpack(t *testing.T) {
	c := NewCursor(7, 4096)
	if c.Epoch() != 7 {
		t.Errorf("Epoch() = %d, want 7", c.Epoch())
	}
	if c.Offset() != 4096 {
		t.Errorf("Offset() = %d, want 4096", c.Offset())
	}
	if c.Raw() != 7<<32|4096 {
		t.Errorf("Raw() = %#x, want %#x", c.Raw(), uint64(7)<<32|4096)
	}
}

func TestCursorAdvance(t *testing.T) {
	const size = 1024

	c := NewCursor(0, 0).advance(64, size)
	if c.Epoch() != 0 || c.Offset() != 64 {
		t.Errorf("advance(64) = (epoch %d, offset %d), want (0, 64)", c.Epoch(), c.Offset())
	}

	// Landing exactly on the end wraps to offset 0 of the next epoch.
	c = NewCursor(0, size-64).advance(64, size)
	if c.Epoch() != 1 || c.Offset() != 0 {
		t.Errorf("advance to end = (epoch %d, offset %d), want (1, 0)", c.Epoch(), c.Offset())
	}

	c = NewCursor(3, size-8).advance(32, size)
	if c.Epoch() != 4 || c.Offset() != 24 {
		t.Errorf("advance past end = (epoch %d, offset %d), want (4, 24)", c.Epoch(), c.Offset())
	}
}

func TestCursorMonoOrdersAcrossEpochs(t *testing.T) {
	const size = 1024

	// Same offset one lap apart must not compare equal or equal-mono.
	a := NewCursor(1, 512)
	b := NewCursor(2, 512)
	if a == b {
		t.Fatal("cursors one epoch apart compare equal")
	}
	if b.Mono(size)-a.Mono(size) != size {
		t.Errorf("mono gap = %d, want %d", b.Mono(size)-a.Mono(size), size)
	}

	// Mono is monotone under advance even across the wrap.
	c := NewCursor(0, size-8)
	d := c.advance(16, size)
	if d.Mono(size) != c.Mono(size)+16 {
		t.Errorf("mono after wrap = %d, want %d", d.Mono(size), c.Mono(size)+16)
	}
}
