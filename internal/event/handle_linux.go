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
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// eventState is the shared-memory layout behind a SocketEventHandle: two
// eventfd numbers plus an enabled flag, padded to 16 bytes. The descriptor
// numbers are only meaningful in the creating process and any children that
// inherit them.
type eventState struct {
	fds     [2]int32
	enabled int32
	_       int32
}

const eventStateSize = 16

// EventsDir is the directory component under which event state files live.
const EventsDir = "msgq_events"

type handleOptions struct {
	dir    string
	prefix string
}

// HandleOption configures a SocketEventHandle.
type HandleOption func(*handleOptions)

// WithDir overrides the base directory for event state files. The default
// is /dev/shm when present, else the system temp directory.
func WithDir(dir string) HandleOption {
	return func(o *handleOptions) { o.dir = dir }
}

// WithPrefix namespaces the state file under an extra directory component,
// isolating concurrent test environments from each other.
func WithPrefix(prefix string) HandleOption {
	return func(o *handleOptions) { o.prefix = prefix }
}

// SocketEventHandle pairs two events, recvCalled and recvReady, in a named
// shared-memory block so a test harness in one process can gate the receive
// loop of another. The creator owns the eventfds and the backing file.
type SocketEventHandle struct {
	path  string
	mem   []byte
	state *eventState

	recvCalled *Event
	recvReady  *Event

	creator bool
	closed  bool
}

// NewSocketEventHandle opens (create=false) or creates (create=true) the
// event state for endpoint under identifier. The creator allocates both
// eventfds; an opener reuses the stored descriptor numbers, which is valid
// only within the creating process or a child that inherited them.
func NewSocketEventHandle(endpoint, identifier string, create bool, opts ...HandleOption) (*SocketEventHandle, error) {
	var o handleOptions
	for _, opt := range opts {
		opt(&o)
	}

	dir := o.dir
	if dir == "" {
		dir = "/dev/shm"
		if _, err := os.Stat(dir); err != nil {
			dir = os.TempDir()
		}
	}
	if o.prefix != "" {
		dir = filepath.Join(dir, o.prefix)
	}
	dir = filepath.Join(dir, EventsDir, identifier)
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, fmt.Errorf("failed to create event state directory: %w", err)
	}
	path := filepath.Join(dir, endpoint)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return nil, fmt.Errorf("failed to open event state %q: %w", path, err)
	}
	if err := file.Truncate(eventStateSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size event state %q: %w", path, err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, eventStateSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	file.Close() // the mapping keeps the state alive
	if err != nil {
		return nil, fmt.Errorf("failed to map event state %q: %w", path, err)
	}

	h := &SocketEventHandle{
		path:    path,
		mem:     mem,
		state:   (*eventState)(unsafe.Pointer(&mem[0])),
		creator: create,
	}

	if create {
		for i := range h.state.fds {
			fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
			if err != nil {
				h.Close()
				return nil, fmt.Errorf("failed to create eventfd: %w", err)
			}
			atomic.StoreInt32(&h.state.fds[i], int32(fd))
		}
		atomic.StoreInt32(&h.state.enabled, 0)
	}

	h.recvCalled = NewEvent(int(atomic.LoadInt32(&h.state.fds[0])))
	h.recvReady = NewEvent(int(atomic.LoadInt32(&h.state.fds[1])))
	return h, nil
}

// RecvCalled is signaled by the receiving side each time its recv is
// entered.
func (h *SocketEventHandle) RecvCalled() *Event {
	return h.recvCalled
}

// RecvReady is signaled by the controlling side to release a pending recv.
func (h *SocketEventHandle) RecvReady() *Event {
	return h.recvReady
}

// Enabled reports whether recv gating is switched on.
func (h *SocketEventHandle) Enabled() bool {
	if h.closed {
		return false
	}
	return atomic.LoadInt32(&h.state.enabled) != 0
}

// SetEnabled switches recv gating on or off.
func (h *SocketEventHandle) SetEnabled(enabled bool) {
	if h.closed {
		return
	}
	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&h.state.enabled, v)
}

// Path returns the backing state file path.
func (h *SocketEventHandle) Path() string {
	return h.path
}

// Close releases the mapping; the creator additionally closes both eventfds
// and unlinks the state file. Idempotent.
func (h *SocketEventHandle) Close() error {
	if h == nil || h.closed {
		return nil
	}
	h.closed = true

	var firstErr error
	if h.creator {
		for i := range h.state.fds {
			fd := atomic.SwapInt32(&h.state.fds[i], -1)
			if fd >= 0 {
				if err := unix.Close(int(fd)); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("failed to close eventfd: %w", err)
				}
			}
		}
	}
	if h.mem != nil {
		if err := unix.Munmap(h.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to unmap event state: %w", err)
		}
		h.mem = nil
		h.state = nil
	}
	if h.creator {
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("failed to unlink event state: %w", err)
		}
	}
	return firstErr
}
