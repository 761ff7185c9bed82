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

// Package msgq is a publish/subscribe messaging layer with pluggable
// transports. The primary backend is a lock-free shared-memory queue for
// same-host fan-out; a ZeroMQ backend covers cross-host use with the same
// socket API, and fake variants wrap either one with event hooks so tests
// can single-step the message flow deterministically.
package msgq

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rtelemetry/msgq/internal/shm"
)

// Backend selects the transport implementation behind the socket API.
type Backend int

const (
	// BackendSHM is the shared-memory queue, same-host only.
	BackendSHM Backend = iota
	// BackendZMQ is the ZeroMQ transport, usable across hosts.
	BackendZMQ
	// BackendFakeSHM wraps the shared-memory backend with test event hooks.
	BackendFakeSHM
	// BackendFakeZMQ wraps the ZeroMQ backend with test event hooks.
	BackendFakeZMQ
)

// String returns the backend name used in logs and errors.
func (b Backend) String() string {
	switch b {
	case BackendSHM:
		return "shm"
	case BackendZMQ:
		return "zmq"
	case BackendFakeSHM:
		return "fake-shm"
	case BackendFakeZMQ:
		return "fake-zmq"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// base returns the real transport behind a fake backend.
func (b Backend) base() Backend {
	switch b {
	case BackendFakeSHM:
		return BackendSHM
	case BackendFakeZMQ:
		return BackendZMQ
	default:
		return b
	}
}

// fake reports whether the backend wraps its transport with test hooks.
func (b Backend) fake() bool {
	return b == BackendFakeSHM || b == BackendFakeZMQ
}

// BackendFromEnv picks the backend the way deployments configure it:
// MSGQ_ZMQ selects ZeroMQ over shared memory, MSGQ_FAKE wraps the choice
// with test event hooks.
func BackendFromEnv() Backend {
	useZMQ := os.Getenv("MSGQ_ZMQ") != ""
	useFake := os.Getenv("MSGQ_FAKE") != ""
	switch {
	case useFake && useZMQ:
		return BackendFakeZMQ
	case useFake:
		return BackendFakeSHM
	case useZMQ:
		return BackendZMQ
	default:
		return BackendSHM
	}
}

// MaxPollers bounds how many sockets one poller can watch.
const MaxPollers = 128

// DefaultAddress is the only address the shared-memory backend serves.
const DefaultAddress = "127.0.0.1"

// Context carries backend selection and shared configuration for the
// sockets created from it. A Context is immutable after construction and
// safe to share.
type Context struct {
	backend     Backend
	segmentSize uint64
	shmDir      string
	identifier  string
	log         *slog.Logger
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithSegmentSize overrides the shared-memory ring size in bytes.
func WithSegmentSize(size uint64) ContextOption {
	return func(c *Context) { c.segmentSize = size }
}

// WithShmDir overrides the directory backing files are created in. Used by
// tests to keep segments and event state inside a scratch directory.
func WithShmDir(dir string) ContextOption {
	return func(c *Context) { c.shmDir = dir }
}

// WithIdentifier namespaces the fake backends' event state, so concurrent
// test environments do not trip over each other's hooks.
func WithIdentifier(id string) ContextOption {
	return func(c *Context) { c.identifier = id }
}

// WithContextLogger overrides the logger sockets report through.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(c *Context) { c.log = l }
}

// NewContext builds a messaging context for the given backend.
func NewContext(backend Backend, opts ...ContextOption) *Context {
	c := &Context{
		backend:     backend,
		segmentSize: shm.DefaultSegmentSize,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backend returns the transport this context selects.
func (c *Context) Backend() Backend {
	return c.backend
}

// SubSocket receives messages from one endpoint.
type SubSocket interface {
	// Recv returns the next message, blocking up to the configured
	// timeout. A nil message with a nil error means the timeout passed
	// with nothing to read.
	Recv() (*Message, error)

	// RecvNonBlocking returns the next message if one is ready, else
	// (nil, nil).
	RecvNonBlocking() (*Message, error)

	// SetTimeout bounds how long Recv blocks. Negative means forever.
	SetTimeout(d time.Duration)

	// Close releases the socket's resources.
	Close() error
}

// PubSocket sends messages to one endpoint. Publishing never blocks on
// slow subscribers.
type PubSocket interface {
	// Send publishes one payload and returns the byte count sent.
	Send(data []byte) (int, error)

	// SendMessage publishes a Message's payload.
	SendMessage(m *Message) (int, error)

	// AllReadersUpdated reports whether every subscriber has consumed all
	// published data. Backends without that visibility report false.
	AllReadersUpdated() bool

	// Close releases the socket's resources.
	Close() error
}

// Poller multiplexes readiness over subscriber sockets.
type Poller interface {
	// Register adds a socket to the watch set.
	Register(s SubSocket) error

	// Poll blocks up to timeout and returns the sockets with data ready.
	Poll(timeout time.Duration) []SubSocket
}

// subConfig is the resolved per-subscriber configuration.
type subConfig struct {
	address  string
	conflate bool
	verify   bool
	timeout  time.Duration
}

// SubOption configures a subscriber socket.
type SubOption func(*subConfig)

// WithAddress sets the publisher address to subscribe at. The default is
// DefaultAddress; the shared-memory backend accepts nothing else.
func WithAddress(addr string) SubOption {
	return func(c *subConfig) { c.address = addr }
}

// WithConflate makes Recv skip intermediate messages and return only the
// newest one. Telemetry consumers that only care about the latest value
// use this to stay current under bursty publishers.
func WithConflate() SubOption {
	return func(c *subConfig) { c.conflate = true }
}

// SkipVerify downgrades a connect failure from an error to a warning log.
// The returned socket reports ErrConnection on every receive. Tooling that
// subscribes to many endpoints opportunistically uses this to tolerate the
// ones that are down.
func SkipVerify() SubOption {
	return func(c *subConfig) { c.verify = false }
}

// WithRecvTimeout bounds how long Recv blocks; negative means forever,
// which is also the default.
func WithRecvTimeout(d time.Duration) SubOption {
	return func(c *subConfig) { c.timeout = d }
}

// backendFactories is one backend's socket constructors.
type backendFactories struct {
	sub    func(ctx *Context, endpoint string, cfg subConfig) (SubSocket, error)
	pub    func(ctx *Context, endpoint string) (PubSocket, error)
	poller func(ctx *Context) Poller
}

var backends = make(map[Backend]backendFactories)

// registerBackend wires a transport into the factory table. Called from
// the impl files' init functions only.
func registerBackend(b Backend, f backendFactories) {
	backends[b] = f
}

// NewSubSocket connects a subscriber to endpoint over the context's
// backend. With SkipVerify, a connect failure is logged and swallowed; the
// returned socket then fails every receive with ErrConnection.
func NewSubSocket(ctx *Context, endpoint string, opts ...SubOption) (SubSocket, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrConfiguration)
	}

	cfg := subConfig{
		address: DefaultAddress,
		verify:  true,
		timeout: -1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f, ok := backends[ctx.backend]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %v", ErrConfiguration, ctx.backend)
	}

	s, err := f.sub(ctx, endpoint, cfg)
	if err != nil {
		if cfg.verify {
			return nil, fmt.Errorf("failed to connect subscriber to %q over %v: %w", endpoint, ctx.backend, err)
		}
		ctx.log.Warn("subscriber connect failed, continuing unconnected",
			"endpoint", endpoint,
			"backend", ctx.backend.String(),
			"error", err,
		)
		return &unconnectedSub{endpoint: endpoint}, nil
	}
	return s, nil
}

// NewPubSocket binds a publisher to endpoint over the context's backend.
func NewPubSocket(ctx *Context, endpoint string) (PubSocket, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrConfiguration)
	}
	f, ok := backends[ctx.backend]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %v", ErrConfiguration, ctx.backend)
	}
	p, err := f.pub(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to bind publisher to %q over %v: %w", endpoint, ctx.backend, err)
	}
	return p, nil
}

// NewPoller builds a poller for the context's backend.
func NewPoller(ctx *Context) (Poller, error) {
	f, ok := backends[ctx.backend]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %v", ErrConfiguration, ctx.backend)
	}
	return f.poller(ctx), nil
}

// DialSub subscribes to endpoint over the environment-selected backend.
func DialSub(endpoint string, opts ...SubOption) (SubSocket, error) {
	return NewSubSocket(NewContext(BackendFromEnv()), endpoint, opts...)
}

// DialPub publishes to endpoint over the environment-selected backend.
func DialPub(endpoint string) (PubSocket, error) {
	return NewPubSocket(NewContext(BackendFromEnv()), endpoint)
}

// unconnectedSub stands in for a subscriber whose connect failure was
// swallowed by SkipVerify.
type unconnectedSub struct {
	endpoint string
}

func (s *unconnectedSub) Recv() (*Message, error) {
	return nil, fmt.Errorf("%w: %q", ErrConnection, s.endpoint)
}

func (s *unconnectedSub) RecvNonBlocking() (*Message, error) {
	return nil, fmt.Errorf("%w: %q", ErrConnection, s.endpoint)
}

func (s *unconnectedSub) SetTimeout(time.Duration) {}

func (s *unconnectedSub) Close() error { return nil }
