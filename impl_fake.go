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

package msgq

import (
	"fmt"
	"time"

	"github.com/rtelemetry/msgq/internal/event"
)

func init() {
	registerBackend(BackendFakeSHM, fakeFactories(BackendSHM))
	registerBackend(BackendFakeZMQ, fakeFactories(BackendZMQ))
}

// fakeFactories wraps a real backend's factories with test event hooks.
// The base factories are looked up at call time, after every init has run.
func fakeFactories(base Backend) backendFactories {
	return backendFactories{
		sub: func(ctx *Context, endpoint string, cfg subConfig) (SubSocket, error) {
			inner, err := backends[base].sub(ctx, endpoint, cfg)
			if err != nil {
				return nil, err
			}
			h, err := event.NewSocketEventHandle(endpoint, ctx.identifier, false,
				event.WithDir(ctx.shmDir))
			if err != nil {
				inner.Close()
				return nil, fmt.Errorf("failed to open event hooks for %q: %w", endpoint, err)
			}
			return &fakeSubSocket{inner: inner, hooks: h}, nil
		},
		pub: func(ctx *Context, endpoint string) (PubSocket, error) {
			// Publishing needs no gating; the real backend is used as is.
			return backends[base].pub(ctx, endpoint)
		},
		poller: func(ctx *Context) Poller {
			return &fakePoller{}
		},
	}
}

// fakeSubSocket gates each receive on a pair of cross-process events. With
// the hooks enabled, every Recv first signals recvCalled and then blocks
// until the controlling harness signals recvReady, so the harness decides
// exactly when the subscriber observes each message.
type fakeSubSocket struct {
	inner SubSocket
	hooks *event.SocketEventHandle
}

func (s *fakeSubSocket) step() error {
	if !s.hooks.Enabled() {
		return nil
	}
	if err := s.hooks.RecvCalled().Signal(); err != nil {
		return err
	}
	if err := s.hooks.RecvReady().Wait(-1); err != nil {
		return err
	}
	_, err := s.hooks.RecvReady().Clear()
	return err
}

func (s *fakeSubSocket) Recv() (*Message, error) {
	if err := s.step(); err != nil {
		return nil, err
	}
	return s.inner.Recv()
}

func (s *fakeSubSocket) RecvNonBlocking() (*Message, error) {
	if err := s.step(); err != nil {
		return nil, err
	}
	return s.inner.RecvNonBlocking()
}

func (s *fakeSubSocket) SetTimeout(d time.Duration) {
	s.inner.SetTimeout(d)
}

func (s *fakeSubSocket) msgReady() bool {
	rc, ok := s.inner.(readyChecker)
	return ok && rc.msgReady()
}

func (s *fakeSubSocket) Close() error {
	err := s.inner.Close()
	if herr := s.hooks.Close(); err == nil {
		err = herr
	}
	return err
}

// fakePoller reports every registered socket as ready. Tests drive message
// timing through the event hooks, so readiness scanning would only add
// nondeterminism back in.
type fakePoller struct {
	socks []SubSocket
}

func (p *fakePoller) Register(s SubSocket) error {
	if len(p.socks) >= MaxPollers {
		return fmt.Errorf("%w: poller is limited to %d sockets", ErrCapacity, MaxPollers)
	}
	p.socks = append(p.socks, s)
	return nil
}

func (p *fakePoller) Poll(timeout time.Duration) []SubSocket {
	return p.socks
}

// FakeEventHandle is the harness side of a fake subscriber's event hooks:
// it creates the shared event state a fakeSubSocket attaches to and drives
// the recvCalled/recvReady handshake.
type FakeEventHandle struct {
	h *event.SocketEventHandle
}

// NewFakeEventHandle creates the event state for endpoint. Create the
// handle before the fake subscriber connects, and close it after the
// subscriber is done.
func NewFakeEventHandle(ctx *Context, endpoint string) (*FakeEventHandle, error) {
	h, err := event.NewSocketEventHandle(endpoint, ctx.identifier, true,
		event.WithDir(ctx.shmDir))
	if err != nil {
		return nil, err
	}
	return &FakeEventHandle{h: h}, nil
}

// SetEnabled switches recv gating on or off for the attached subscriber.
func (f *FakeEventHandle) SetEnabled(enabled bool) {
	f.h.SetEnabled(enabled)
}

// WaitRecvCalled blocks until the subscriber enters a receive.
func (f *FakeEventHandle) WaitRecvCalled(timeout time.Duration) error {
	return f.h.RecvCalled().Wait(timeout)
}

// ClearRecvCalled resets the recvCalled counter and returns how many
// receives the subscriber entered since the last clear.
func (f *FakeEventHandle) ClearRecvCalled() (int, error) {
	return f.h.RecvCalled().Clear()
}

// SignalRecvReady releases one pending receive.
func (f *FakeEventHandle) SignalRecvReady() error {
	return f.h.RecvReady().Signal()
}

// Close tears down the event state.
func (f *FakeEventHandle) Close() error {
	return f.h.Close()
}
