//go:build linux

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

package event

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Event is a binary cross-process event over an eventfd counter. Event does
// not own its file descriptor; the SocketEventHandle that allocated it does.
type Event struct {
	fd int
}

// NewEvent wraps an existing eventfd.
func NewEvent(fd int) *Event {
	return &Event{fd: fd}
}

// Fd returns the underlying descriptor.
func (e *Event) Fd() int {
	return e.fd
}

// Valid reports whether the event has a usable descriptor.
func (e *Event) Valid() bool {
	return e != nil && e.fd >= 0
}

// Signal increments the event counter. It never blocks.
func (e *Event) Signal() error {
	if !e.Valid() {
		return ErrClosed
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("failed to signal event: %w", err)
	}
	return nil
}

// Clear reads and resets the counter, returning how many signals had
// accumulated since the last clear.
func (e *Event) Clear() (int, error) {
	if !e.Valid() {
		return 0, ErrClosed
	}
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if err == unix.EAGAIN {
		return 0, nil // nonblocking eventfd, nothing accumulated
	}
	if err != nil {
		return 0, fmt.Errorf("failed to clear event: %w", err)
	}
	return int(binary.LittleEndian.Uint64(buf[:])), nil
}

// Peek reports whether the event is signaled, without consuming it.
func (e *Event) Peek() bool {
	if !e.Valid() {
		return false
	}
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	return err == nil && n > 0
}

// Wait blocks until the event is signaled or the timeout elapses. A
// negative timeout waits indefinitely. The wait leaves termination signals
// deliverable so the process stays killable while blocked.
func (e *Event) Wait(timeout time.Duration) error {
	if !e.Valid() {
		return ErrClosed
	}

	start := time.Now()
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}

	n, err := unix.Ppoll(fds, timespecFor(timeout), waitSigmask())
	if n == 0 && err == nil {
		return fmt.Errorf("%w after %v (pid %d)", ErrTimeout, time.Since(start).Round(time.Millisecond), os.Getpid())
	}
	if err != nil {
		return fmt.Errorf("event poll failed (pid %d): %w", os.Getpid(), err)
	}
	return nil
}

// WaitForAny blocks until one of the events is signaled and returns its
// index within events. A negative timeout waits indefinitely.
func WaitForAny(events []*Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("no events to wait for")
	}

	fds := make([]unix.PollFd, 0, len(events))
	idx := make([]int, 0, len(events))
	for i, ev := range events {
		if ev.Valid() {
			fds = append(fds, unix.PollFd{Fd: int32(ev.fd), Events: unix.POLLIN})
			idx = append(idx, i)
		}
	}
	if len(fds) == 0 {
		return 0, ErrClosed
	}

	start := time.Now()
	n, err := unix.Ppoll(fds, timespecFor(timeout), waitSigmask())
	if n == 0 && err == nil {
		return 0, fmt.Errorf("%w after %v (pid %d)", ErrTimeout, time.Since(start).Round(time.Millisecond), os.Getpid())
	}
	if err != nil {
		return 0, fmt.Errorf("event poll failed (pid %d): %w", os.Getpid(), err)
	}

	for i := range fds {
		if fds[i].Revents&unix.POLLIN != 0 {
			return idx[i], nil
		}
	}
	return 0, fmt.Errorf("no event ready after poll returned")
}

// timespecFor converts a timeout to a ppoll timespec; nil means infinite.
func timespecFor(timeout time.Duration) *unix.Timespec {
	if timeout < 0 {
		return nil
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	return &ts
}

// waitSigmask blocks every signal during the wait except the ones that must
// keep working so the process remains interruptible and killable.
func waitSigmask() *unix.Sigset_t {
	var ss unix.Sigset_t
	for i := range ss.Val {
		ss.Val[i] = ^uint64(0)
	}
	for _, sig := range []unix.Signal{unix.SIGALRM, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT} {
		bit := uint(sig) - 1
		ss.Val[bit/64] &^= uint64(1) << (bit % 64)
	}
	return &ss
}
