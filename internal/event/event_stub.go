//go:build !linux

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

import "time"

// Event is unavailable off Linux; every operation reports
// ErrUnsupportedPlatform.
type Event struct{}

func NewEvent(fd int) *Event { return &Event{} }

func (e *Event) Fd() int { return -1 }

func (e *Event) Valid() bool { return false }

func (e *Event) Signal() error { return ErrUnsupportedPlatform }

func (e *Event) Clear() (int, error) { return 0, ErrUnsupportedPlatform }

func (e *Event) Peek() bool { return false }

func (e *Event) Wait(timeout time.Duration) error { return ErrUnsupportedPlatform }

func WaitForAny(events []*Event, timeout time.Duration) (int, error) {
	return 0, ErrUnsupportedPlatform
}

// EventsDir is the directory component under which event state files live.
const EventsDir = "msgq_events"

// HandleOption configures a SocketEventHandle.
type HandleOption func(*handleOptions)

type handleOptions struct{}

func WithDir(dir string) HandleOption { return func(*handleOptions) {} }

func WithPrefix(prefix string) HandleOption { return func(*handleOptions) {} }

// SocketEventHandle is unavailable off Linux.
type SocketEventHandle struct{}

func NewSocketEventHandle(endpoint, identifier string, create bool, opts ...HandleOption) (*SocketEventHandle, error) {
	return nil, ErrUnsupportedPlatform
}

func (h *SocketEventHandle) RecvCalled() *Event      { return NewEvent(-1) }
func (h *SocketEventHandle) RecvReady() *Event       { return NewEvent(-1) }
func (h *SocketEventHandle) Enabled() bool           { return false }
func (h *SocketEventHandle) SetEnabled(enabled bool) {}
func (h *SocketEventHandle) Path() string            { return "" }
func (h *SocketEventHandle) Close() error            { return nil }
