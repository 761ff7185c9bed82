//go:build linux && (amd64 || arm64)

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

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// Linux futex constants. The futex word lives in shared memory mapped by
// multiple processes, so the PRIVATE flag must not be used here.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

const futexSupported = true

// futexWaitTimeout waits on addr until the value changes from val or the
// timeout (in nanoseconds, must be positive) elapses, in which case it
// returns ErrFutexTimeout. Callers must re-check their logical condition
// after it returns: spurious wakeups are possible.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	// Re-check the value before entering the syscall. This closes the
	// lost-wake race where the publisher bumps the sequence between our
	// snapshot and the futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var ts syscall.Timespec
	ts.Sec = timeoutNs / 1e9
	ts.Nsec = timeoutNs % 1e9

	_, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	if errno != 0 {
		// EAGAIN: value no longer matched. EINTR: interrupted by a
		// signal. Neither is an error for our purposes.
		if errno == syscall.EAGAIN || errno == syscall.EINTR {
			return nil
		}
		if errno == syscall.ETIMEDOUT {
			return ErrFutexTimeout
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}

	return nil
}

// futexWake wakes up to n threads waiting on addr and returns how many
// were woken.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)

	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}

	return int(r1), nil
}
