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

	"github.com/rtelemetry/msgq/internal/shm"
)

func init() {
	registerBackend(BackendSHM, backendFactories{
		sub:    newSHMSub,
		pub:    newSHMPub,
		poller: newScanPoller,
	})
}

// shmSubSocket subscribes over the shared-memory queue. Same-host only:
// the backend serves no address but DefaultAddress.
type shmSubSocket struct {
	q       *shm.Queue
	timeout time.Duration
}

func newSHMSub(ctx *Context, endpoint string, cfg subConfig) (SubSocket, error) {
	if cfg.address != DefaultAddress {
		return nil, fmt.Errorf("%w: shared memory cannot reach %q, only %s",
			ErrConfiguration, cfg.address, DefaultAddress)
	}

	q, err := shm.NewQueue(endpoint, ctx.segmentSize,
		shm.WithDir(ctx.shmDir), shm.WithLogger(ctx.log))
	if err != nil {
		return nil, err
	}
	if err := q.InitSubscriber(cfg.conflate); err != nil {
		q.Close()
		return nil, err
	}
	return &shmSubSocket{q: q, timeout: cfg.timeout}, nil
}

func (s *shmSubSocket) Recv() (*Message, error) {
	data, err := s.q.Recv(s.timeout, false)
	if err != nil || data == nil {
		return nil, err
	}
	return NewMessage(data), nil
}

func (s *shmSubSocket) RecvNonBlocking() (*Message, error) {
	data, err := s.q.Recv(0, true)
	if err != nil || data == nil {
		return nil, err
	}
	return NewMessage(data), nil
}

func (s *shmSubSocket) SetTimeout(d time.Duration) {
	s.timeout = d
}

func (s *shmSubSocket) msgReady() bool {
	return s.q.MsgReady()
}

func (s *shmSubSocket) Close() error {
	return s.q.Close()
}

// shmPubSocket publishes over the shared-memory queue.
type shmPubSocket struct {
	q *shm.Queue
}

func newSHMPub(ctx *Context, endpoint string) (PubSocket, error) {
	q, err := shm.NewQueue(endpoint, ctx.segmentSize,
		shm.WithDir(ctx.shmDir), shm.WithLogger(ctx.log))
	if err != nil {
		return nil, err
	}
	if err := q.InitPublisher(); err != nil {
		q.Close()
		return nil, err
	}
	return &shmPubSocket{q: q}, nil
}

func (p *shmPubSocket) Send(data []byte) (int, error) {
	if err := p.q.Send(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (p *shmPubSocket) SendMessage(m *Message) (int, error) {
	return p.Send(m.Data())
}

func (p *shmPubSocket) AllReadersUpdated() bool {
	return p.q.AllReadersUpdated()
}

func (p *shmPubSocket) Close() error {
	return p.q.Close()
}

// readyChecker is the readiness probe the scan poller needs from a socket.
type readyChecker interface {
	msgReady() bool
}

// pollQuantum is how often the scan poller re-checks readiness while
// waiting. Kernel-level multiplexing is not possible here: each queue's
// wait word is a separate futex, and futexes cannot be poll()ed together.
const pollQuantum = 2 * time.Millisecond

// scanPoller polls by scanning each registered socket's readiness and
// sleeping between rounds. Used by every backend whose sockets can answer
// a readiness probe.
type scanPoller struct {
	socks []SubSocket
}

func newScanPoller(ctx *Context) Poller {
	return &scanPoller{}
}

func (p *scanPoller) Register(s SubSocket) error {
	if len(p.socks) >= MaxPollers {
		return fmt.Errorf("%w: poller is limited to %d sockets", ErrCapacity, MaxPollers)
	}
	if _, ok := s.(readyChecker); !ok {
		return fmt.Errorf("%w: socket type %T cannot be polled", ErrConfiguration, s)
	}
	p.socks = append(p.socks, s)
	return nil
}

// Poll scans until a socket is ready or the timeout elapses. A negative
// timeout waits indefinitely.
func (p *scanPoller) Poll(timeout time.Duration) []SubSocket {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		var ready []SubSocket
		for _, s := range p.socks {
			if s.(readyChecker).msgReady() {
				ready = append(ready, s)
			}
		}
		if len(ready) > 0 {
			return ready
		}

		sleep := pollQuantum
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			if remaining < sleep {
				sleep = remaining
			}
		}
		time.Sleep(sleep)
	}
}
