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
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

func init() {
	registerBackend(BackendZMQ, backendFactories{
		sub:    newZMQSub,
		pub:    newZMQPub,
		poller: newScanPoller,
	})
}

// zmqPort maps an endpoint name onto a stable TCP port so publisher and
// subscribers agree on the wire address without a registry. Collisions
// across distinct endpoint names surface as bind failures at publisher
// startup.
func zmqPort(endpoint string) uint16 {
	h := fnv.New32a()
	h.Write([]byte(endpoint))
	return uint16(40000 + h.Sum32()%10000)
}

// zmqSubSocket subscribes over a ZeroMQ SUB socket. A pump goroutine moves
// frames from the socket into a channel so Recv can honor timeouts and
// conflation, which the underlying socket API does not expose.
type zmqSubSocket struct {
	sock     zmq4.Socket
	msgs     chan []byte
	conflate bool
	timeout  time.Duration

	done      <-chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newZMQSub(ctx *Context, endpoint string, cfg subConfig) (SubSocket, error) {
	sockCtx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewSub(sockCtx)

	addr := fmt.Sprintf("tcp://%s:%d", cfg.address, zmqPort(endpoint))
	if err := sock.Dial(addr); err != nil {
		cancel()
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		sock.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	s := &zmqSubSocket{
		sock:     sock,
		msgs:     make(chan []byte, 64),
		conflate: cfg.conflate,
		timeout:  cfg.timeout,
		done:     sockCtx.Done(),
		cancel:   cancel,
	}
	if cfg.conflate {
		s.msgs = make(chan []byte, 1)
	}
	go s.pump()
	return s, nil
}

// pump drains the socket into the message channel until the socket closes.
// In conflating mode a full channel drops its stale element so the newest
// frame always wins.
func (s *zmqSubSocket) pump() {
	defer close(s.msgs)
	for {
		msg, err := s.sock.Recv()
		if err != nil {
			return
		}
		data := append([]byte(nil), msg.Bytes()...)
		if s.conflate {
			for {
				select {
				case s.msgs <- data:
				default:
					select {
					case <-s.msgs:
					default:
					}
					continue
				}
				break
			}
		} else {
			// The send must not outlive the socket: with the buffer full
			// and no receiver draining it, Close would otherwise leave
			// this goroutine parked forever.
			select {
			case s.msgs <- data:
			case <-s.done:
				return
			}
		}
	}
}

func (s *zmqSubSocket) Recv() (*Message, error) {
	if s.timeout < 0 {
		data, ok := <-s.msgs
		if !ok {
			return nil, ErrClosed
		}
		return NewMessage(data), nil
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case data, ok := <-s.msgs:
		if !ok {
			return nil, ErrClosed
		}
		return NewMessage(data), nil
	case <-timer.C:
		return nil, nil
	}
}

func (s *zmqSubSocket) RecvNonBlocking() (*Message, error) {
	select {
	case data, ok := <-s.msgs:
		if !ok {
			return nil, ErrClosed
		}
		return NewMessage(data), nil
	default:
		return nil, nil
	}
}

func (s *zmqSubSocket) SetTimeout(d time.Duration) {
	s.timeout = d
}

func (s *zmqSubSocket) msgReady() bool {
	return len(s.msgs) > 0
}

func (s *zmqSubSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.sock.Close()
	})
	return err
}

// zmqPubSocket publishes over a ZeroMQ PUB socket bound to the endpoint's
// derived port.
type zmqPubSocket struct {
	sock      zmq4.Socket
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newZMQPub(ctx *Context, endpoint string) (PubSocket, error) {
	sockCtx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewPub(sockCtx)

	addr := fmt.Sprintf("tcp://*:%d", zmqPort(endpoint))
	if err := sock.Listen(addr); err != nil {
		cancel()
		sock.Close()
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return &zmqPubSocket{sock: sock, cancel: cancel}, nil
}

func (p *zmqPubSocket) Send(data []byte) (int, error) {
	if err := p.sock.Send(zmq4.NewMsg(data)); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (p *zmqPubSocket) SendMessage(m *Message) (int, error) {
	return p.Send(m.Data())
}

// AllReadersUpdated reports false: ZeroMQ gives the publisher no view of
// subscriber progress.
func (p *zmqPubSocket) AllReadersUpdated() bool {
	return false
}

func (p *zmqPubSocket) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.sock.Close()
	})
	return err
}
