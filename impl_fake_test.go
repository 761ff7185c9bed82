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

package msgq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newFakeSHMContext(t *testing.T) *Context {
	t.Helper()
	return NewContext(BackendFakeSHM,
		WithShmDir(t.TempDir()),
		WithSegmentSize(4096),
		WithIdentifier("harness"),
	)
}

func TestFakeSubscriberPassthroughWhenDisabled(t *testing.T) {
	ctx := newFakeSHMContext(t)

	harness, err := NewFakeEventHandle(ctx, "sensors")
	require.NoError(t, err)
	defer harness.Close()

	pub, err := NewPubSocket(ctx, "sensors")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := NewSubSocket(ctx, "sensors")
	require.NoError(t, err)
	defer sub.Close()

	// Hooks exist but are disabled: the fake socket behaves like the real
	// backend underneath it.
	_, err = pub.Send([]byte("raw"))
	require.NoError(t, err)

	msg, err := sub.RecvNonBlocking()
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "raw", string(msg.Data()))
}

func TestFakeSubscriberGatedRecv(t *testing.T) {
	ctx := newFakeSHMContext(t)

	harness, err := NewFakeEventHandle(ctx, "sensors")
	require.NoError(t, err)
	defer harness.Close()

	pub, err := NewPubSocket(ctx, "sensors")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := NewSubSocket(ctx, "sensors")
	require.NoError(t, err)
	defer sub.Close()

	harness.SetEnabled(true)

	var g errgroup.Group
	got := make(chan *Message, 1)
	g.Go(func() error {
		msg, err := sub.RecvNonBlocking()
		if err != nil {
			return err
		}
		got <- msg
		return nil
	})

	// The subscriber must be parked in its hook before anything is
	// published, so the harness fully controls what it observes.
	require.NoError(t, harness.WaitRecvCalled(2*time.Second))
	_, err = harness.ClearRecvCalled()
	require.NoError(t, err)

	_, err = pub.Send([]byte("step 1"))
	require.NoError(t, err)
	require.NoError(t, harness.SignalRecvReady())

	require.NoError(t, g.Wait())
	msg := <-got
	require.NotNil(t, msg)
	require.Equal(t, "step 1", string(msg.Data()))
}

func TestFakePollerReturnsAllRegistered(t *testing.T) {
	ctx := newFakeSHMContext(t)

	harness, err := NewFakeEventHandle(ctx, "sensors")
	require.NoError(t, err)
	defer harness.Close()

	sub, err := NewSubSocket(ctx, "sensors")
	require.NoError(t, err)
	defer sub.Close()

	poller, err := NewPoller(ctx)
	require.NoError(t, err)
	require.NoError(t, poller.Register(sub))

	ready := poller.Poll(0)
	require.Len(t, ready, 1)
	require.Same(t, sub, ready[0])
}
