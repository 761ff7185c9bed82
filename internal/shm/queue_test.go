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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"
)

// newQueuePair opens a publisher and a subscriber handle onto the same
// fresh queue segment.
func newQueuePair(t *testing.T, size uint64, conflate bool) (*Queue, *Queue) {
	t.Helper()
	dir := t.TempDir()

	pub, err := NewQueue("pair", size, WithDir(dir))
	if err != nil {
		t.Fatalf("publisher NewQueue failed: %v", err)
	}
	t.Cleanup(func() { pub.Close() })
	if err := pub.InitPublisher(); err != nil {
		t.Fatalf("InitPublisher failed: %v", err)
	}

	sub, err := NewQueue("pair", size, WithDir(dir))
	if err != nil {
		t.Fatalf("subscriber NewQueue failed: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	if err := sub.InitSubscriber(conflate); err != nil {
		t.Fatalf("InitSubscriber failed: %v", err)
	}

	return pub, sub
}

func TestQueueRoundTrip(t *testing.T) {
	pub, sub := newQueuePair(t, 4096, false)

	msgs := [][]byte{
		[]byte("first"),
		[]byte("second message, a bit longer"),
		{},
		[]byte{0x00, 0xFF, 0x7F, 0x80},
	}
	for i, m := range msgs {
		if err := pub.Send(m); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	for i, want := range msgs {
		got, err := sub.Recv(0, true)
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Recv %d = %q, want %q", i, got, want)
		}
	}

	got, err := sub.Recv(0, true)
	if err != nil {
		t.Fatalf("Recv on drained queue failed: %v", err)
	}
	if got != nil {
		t.Errorf("Recv on drained queue = %q, want nil", got)
	}
	if sub.MsgReady() {
		t.Error("MsgReady true on drained queue")
	}
}

func TestLateJoinerSeesNoHistory(t *testing.T) {
	dir := t.TempDir()

	pub, err := NewQueue("history", 4096, WithDir(dir))
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	defer pub.Close()
	if err := pub.InitPublisher(); err != nil {
		t.Fatalf("InitPublisher failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := pub.Send([]byte(fmt.Sprintf("early %d", i))); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	sub, err := NewQueue("history", 4096, WithDir(dir))
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	defer sub.Close()
	if err := sub.InitSubscriber(false); err != nil {
		t.Fatalf("InitSubscriber failed: %v", err)
	}

	if sub.MsgReady() {
		t.Error("late joiner has data ready before any new send")
	}
	if got, err := sub.Recv(0, true); err != nil || got != nil {
		t.Errorf("late joiner Recv = (%q, %v), want (nil, nil)", got, err)
	}

	if err := pub.Send([]byte("after join")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := sub.Recv(0, true)
	if err != nil || string(got) != "after join" {
		t.Errorf("late joiner Recv = (%q, %v), want (\"after join\", nil)", got, err)
	}
}

func TestConflationReturnsNewest(t *testing.T) {
	pub, conflating := newQueuePair(t, 4096, true)

	for _, m := range []string{"b1", "b2", "b3"} {
		if err := pub.Send([]byte(m)); err != nil {
			t.Fatalf("Send %q failed: %v", m, err)
		}
	}

	got, err := conflating.Recv(0, true)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if string(got) != "b3" {
		t.Errorf("conflating Recv = %q, want \"b3\"", got)
	}

	if got, err := conflating.Recv(0, true); err != nil || got != nil {
		t.Errorf("conflating Recv after drain = (%q, %v), want (nil, nil)", got, err)
	}
}

func TestNonConflatingSeesEveryFrame(t *testing.T) {
	pub, sub := newQueuePair(t, 4096, false)

	for _, m := range []string{"b1", "b2", "b3"} {
		if err := pub.Send([]byte(m)); err != nil {
			t.Fatalf("Send %q failed: %v", m, err)
		}
	}
	for _, want := range []string{"b1", "b2", "b3"} {
		got, err := sub.Recv(0, true)
		if err != nil || string(got) != want {
			t.Errorf("Recv = (%q, %v), want (%q, nil)", got, err, want)
		}
	}
}

func TestQueueWraparound(t *testing.T) {
	const size = 1024
	pub, sub := newQueuePair(t, size, false)

	// Enough traffic for several full laps; drain after every send so the
	// subscriber is never overrun.
	for i := 0; i < 200; i++ {
		msg := bytes.Repeat([]byte{byte(i)}, 1+i%96)
		if err := pub.Send(msg); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		got, err := sub.Recv(0, true)
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("Recv %d = %v, want %v", i, got, msg)
		}
	}

	if pub.seg.Header().WriteCursor().Epoch() < 2 {
		t.Errorf("write cursor epoch = %d, expected at least 2 full laps",
			pub.seg.Header().WriteCursor().Epoch())
	}
	if sub.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", sub.Dropped())
	}
}

func TestOverrunResynchronizes(t *testing.T) {
	const size = 1024
	pub, sub := newQueuePair(t, size, false)

	// Lap the idle subscriber several times over.
	var last []byte
	for i := 0; i < 100; i++ {
		last = []byte(fmt.Sprintf("overrun message %03d", i))
		if err := pub.Send(last); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	// The subscriber was lapped: it must resync, count the drop, and then
	// read only intact frames. After resync it is at the write cursor, so
	// nothing is ready until the next send.
	if got, err := sub.Recv(0, true); err != nil || got != nil {
		t.Fatalf("Recv after overrun = (%q, %v), want (nil, nil)", got, err)
	}
	if sub.Dropped() == 0 {
		t.Error("Dropped() = 0 after overrun, want >= 1")
	}

	if err := pub.Send([]byte("fresh")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := sub.Recv(0, true)
	if err != nil || string(got) != "fresh" {
		t.Errorf("Recv after resync = (%q, %v), want (\"fresh\", nil)", got, err)
	}
}

func TestInFlightWriteOneLapAheadIsDetected(t *testing.T) {
	const size = 128
	pub, sub := newQueuePair(t, size, false)

	// Two 64-byte frames park the write cursor at epoch 1, offset 0:
	// exactly one lap ahead of the idle subscriber, the narrowest window
	// the overrun rule must still close.
	a := bytes.Repeat([]byte{'A'}, 56)
	if err := pub.Send(a); err != nil {
		t.Fatalf("Send A failed: %v", err)
	}
	if err := pub.Send(bytes.Repeat([]byte{'B'}, 56)); err != nil {
		t.Fatalf("Send B failed: %v", err)
	}

	hdr := pub.seg.Header()
	w := hdr.WriteCursor()
	if w.Epoch() != 1 || w.Offset() != 0 {
		t.Fatalf("write cursor = (epoch %d, offset %d), want (1, 0)", w.Epoch(), w.Offset())
	}

	// Replay the first half of a third send: reserve the region and write
	// the frame's bytes over frame A, but leave the write cursor alone,
	// as a publisher mid-memcpy would.
	c := bytes.Repeat([]byte{'C'}, 56)
	next := w.advance(64, size)
	hdr.SetWriteIntent(next)
	var fh [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(fh[0:4], uint32(len(c)))
	pub.seg.WriteBytes(0, fh[:])
	pub.seg.WriteBytes(frameHeaderSize, c)

	// The published cursor still says the subscriber's frame is intact;
	// the reserved region says its bytes are being overwritten. The
	// subscriber must drop and resynchronize, never return those bytes.
	got, err := sub.Recv(0, true)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if got != nil {
		t.Fatalf("Recv returned %q while the frame was mid-overwrite, want nil", got)
	}
	if sub.Dropped() == 0 {
		t.Error("Dropped() = 0 after in-flight overwrite, want >= 1")
	}

	// Finish the publication; the new frame reads back intact.
	hdr.SetLastFrame(w)
	hdr.SetWriteCursor(next)
	got, err = sub.Recv(0, true)
	if err != nil {
		t.Fatalf("Recv after publication failed: %v", err)
	}
	if !bytes.Equal(got, c) {
		t.Errorf("Recv after publication = %q, want %q", got, c)
	}
}

func TestBlockingRecvIndefiniteTimeout(t *testing.T) {
	pub, sub := newQueuePair(t, 4096, false)

	type result struct {
		msg []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := sub.Recv(-1, false)
		done <- result{msg, err}
	}()

	// Past one full wait quantum, so the send lands in a later slice of
	// the indefinite wait loop.
	time.Sleep(150 * time.Millisecond)
	if err := pub.Send([]byte("eventually")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("indefinite Recv failed: %v", r.err)
		}
		if string(r.msg) != "eventually" {
			t.Errorf("indefinite Recv = %q, want \"eventually\"", r.msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("indefinite Recv did not wake after Send")
	}
}

func TestMessageTooLarge(t *testing.T) {
	pub, _ := newQueuePair(t, 1024, false)

	err := pub.Send(make([]byte, 1024)) // frame header pushes it past the ring
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Send oversized = %v, want ErrMessageTooLarge", err)
	}

	// Largest payload that still fits with its header.
	if err := pub.Send(make([]byte, 1024-frameHeaderSize)); err != nil {
		t.Errorf("Send max-size payload failed: %v", err)
	}
}

func TestRoleStateErrors(t *testing.T) {
	pub, sub := newQueuePair(t, 4096, false)

	if _, err := pub.Recv(0, true); !errors.Is(err, ErrState) {
		t.Errorf("publisher Recv = %v, want ErrState", err)
	}
	if err := sub.Send([]byte("nope")); !errors.Is(err, ErrState) {
		t.Errorf("subscriber Send = %v, want ErrState", err)
	}
	if err := pub.InitSubscriber(false); !errors.Is(err, ErrState) {
		t.Errorf("re-configure publisher = %v, want ErrState", err)
	}
	if err := sub.InitPublisher(); !errors.Is(err, ErrState) {
		t.Errorf("re-configure subscriber = %v, want ErrState", err)
	}

	unconfigured, err := NewQueue("pair", 4096, WithDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	defer unconfigured.Close()
	if err := unconfigured.Send([]byte("x")); !errors.Is(err, ErrState) {
		t.Errorf("unconfigured Send = %v, want ErrState", err)
	}
	if _, err := unconfigured.Recv(0, true); !errors.Is(err, ErrState) {
		t.Errorf("unconfigured Recv = %v, want ErrState", err)
	}
}

func TestSubscriberCapacity(t *testing.T) {
	dir := t.TempDir()

	subs := make([]*Queue, 0, MaxReaders)
	for i := 0; i < MaxReaders; i++ {
		q, err := NewQueue("capacity", 4096, WithDir(dir))
		if err != nil {
			t.Fatalf("NewQueue %d failed: %v", i, err)
		}
		defer q.Close()
		if err := q.InitSubscriber(false); err != nil {
			t.Fatalf("InitSubscriber %d failed: %v", i, err)
		}
		subs = append(subs, q)
	}

	if n := subs[0].NumReaders(); n != MaxReaders {
		t.Errorf("NumReaders() = %d, want %d", n, MaxReaders)
	}

	extra, err := NewQueue("capacity", 4096, WithDir(dir))
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	defer extra.Close()
	if err := extra.InitSubscriber(false); !errors.Is(err, ErrCapacity) {
		t.Errorf("subscriber %d InitSubscriber = %v, want ErrCapacity", MaxReaders+1, err)
	}
}

func TestAllReadersUpdated(t *testing.T) {
	pub, sub := newQueuePair(t, 4096, false)

	if !pub.AllReadersUpdated() {
		t.Error("AllReadersUpdated false before any send")
	}
	if err := pub.Send([]byte("pending")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if pub.AllReadersUpdated() {
		t.Error("AllReadersUpdated true with an unread frame")
	}
	if _, err := sub.Recv(0, true); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if !pub.AllReadersUpdated() {
		t.Error("AllReadersUpdated false after drain")
	}
}

func TestBlockingRecvWakesOnSend(t *testing.T) {
	pub, sub := newQueuePair(t, 4096, false)

	type result struct {
		msg []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := sub.Recv(2*time.Second, false)
		done <- result{msg, err}
	}()

	time.Sleep(100 * time.Millisecond)
	if err := pub.Send([]byte("wake up")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("blocking Recv failed: %v", r.err)
		}
		if string(r.msg) != "wake up" {
			t.Errorf("blocking Recv = %q, want \"wake up\"", r.msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("blocking Recv did not wake after Send")
	}
}

func TestRecvTimeout(t *testing.T) {
	_, sub := newQueuePair(t, 4096, false)

	start := time.Now()
	got, err := sub.Recv(50*time.Millisecond, false)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if got != nil {
		t.Errorf("Recv on empty queue = %q, want nil", got)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond {
		t.Errorf("Recv returned after %v, want >= 50ms", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("Recv took %v, want prompt return after timeout", elapsed)
	}
}

func TestTelemetryScenario(t *testing.T) {
	pub, sub := newQueuePair(t, 4096, false)

	go func() {
		pub.Send([]byte(`{"seq":1}`))
		time.Sleep(20 * time.Millisecond)
		pub.Send([]byte(`{"seq":2}`))
	}()

	var got []string
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		msg, err := sub.Recv(100*time.Millisecond, false)
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if msg != nil {
			got = append(got, string(msg))
		}
	}

	want := []string{`{"seq":1}`, `{"seq":2}`}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("received %q, want %q", got, want)
	}
}

func TestDroppedCountsOverrunEvents(t *testing.T) {
	const size = 1024
	pub, sub := newQueuePair(t, size, false)

	for lap := 0; lap < 3; lap++ {
		for i := 0; i < 50; i++ {
			if err := pub.Send(make([]byte, 56)); err != nil {
				t.Fatalf("Send failed: %v", err)
			}
		}
		if _, err := sub.Recv(0, true); err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
	}
	if sub.Dropped() < 3 {
		t.Errorf("Dropped() = %d after 3 laps, want >= 3", sub.Dropped())
	}
}
