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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"
)

// Frame wire format inside the ring: an 8-byte header (u32 little-endian
// payload length + u32 reserved) followed by the payload. Frames start at
// 8-byte-aligned ring offsets; the next frame begins at
// alignTo8(start + frameHeaderSize + length).
const frameHeaderSize = 8

// DefaultTimeout is the poll quantum for indefinite blocking receives: a
// Recv with a negative timeout waits on the futex in slices of this length
// so the wait re-enters the kernel with a bounded timeout each round.
const DefaultTimeout = 100 * time.Millisecond

type role int

const (
	roleNone role = iota
	rolePublisher
	roleSubscriber
)

// Queue is a handle onto a named SPMC queue segment. A handle is configured
// exactly once, as either a publisher or a subscriber; the single-writer
// invariant (at most one live publisher per queue name) is a contract the
// caller upholds, not something the engine enforces.
//
// A Queue handle is not safe for concurrent use by multiple goroutines;
// shared state lives in the segment header and is safe across handles and
// processes.
type Queue struct {
	seg  *Segment
	name string
	log  *slog.Logger

	role      role
	conflate  bool
	readerID  int
	readerUID uint64

	dropped atomic.Uint64
}

// NewQueue maps (creating if needed) the named queue segment and returns an
// unconfigured handle. size is the ring data size in bytes; 0 selects
// DefaultSegmentSize. On platforms without the kernel wait primitive the
// constructor fails with ErrUnsupportedPlatform rather than producing a
// handle that silently cannot block.
func NewQueue(name string, size uint64, opts ...Option) (*Queue, error) {
	if !futexSupported {
		return nil, fmt.Errorf("queue %q: %w", name, ErrUnsupportedPlatform)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	seg, err := OpenOrCreate(name, size, opts...)
	if err != nil {
		return nil, err
	}

	log := o.logger
	if log == nil {
		log = slog.Default()
	}

	return &Queue{seg: seg, name: name, log: log}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// NumReaders returns the number of claimed subscriber slots.
func (q *Queue) NumReaders() int {
	return int(q.seg.Header().NumReaders())
}

// Dropped returns how many overrun events this subscriber has observed.
// Each event may cover any number of overwritten frames.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// InitPublisher configures the handle as the queue's publisher. Terminal:
// a configured handle cannot be re-configured.
func (q *Queue) InitPublisher() error {
	if q.role != roleNone {
		return fmt.Errorf("%w: handle already configured", ErrState)
	}
	q.role = rolePublisher
	return nil
}

// InitSubscriber claims a reader slot and configures the handle as a
// subscriber. The slot's cursor starts at the current write cursor, so a
// late joiner sees no history. With conflate set, Recv skips intermediate
// frames and returns only the newest one.
func (q *Queue) InitSubscriber(conflate bool) error {
	if q.role != roleNone {
		return fmt.Errorf("%w: handle already configured", ErrState)
	}

	uid := newCreationUID()
	slot, err := q.seg.Header().ClaimReaderSlot(uid)
	if err != nil {
		return fmt.Errorf("queue %q: %w", q.name, err)
	}

	q.role = roleSubscriber
	q.conflate = conflate
	q.readerID = slot
	q.readerUID = uid
	return nil
}

// Send writes one framed message and publishes it by advancing the write
// cursor. It never blocks and applies no backpressure: a fast publisher
// overwrites frames slow subscribers have not read, by design.
func (q *Queue) Send(data []byte) error {
	if q.role != rolePublisher {
		return fmt.Errorf("%w: send requires a publisher handle", ErrState)
	}

	size := q.seg.Size()
	frame := alignTo8(frameHeaderSize + uint64(len(data)))
	if frame > size {
		return fmt.Errorf("%w: %d byte payload (+%d header) exceeds %d byte buffer",
			ErrMessageTooLarge, len(data), frameHeaderSize, size)
	}

	hdr := q.seg.Header()
	w := hdr.WriteCursor()
	next := w.advance(frame, size)
	off := uint64(w.Offset())

	// Reserve the frame's region before dirtying any byte of it. Readers
	// validate their window against writeIntent, so a reader exactly one
	// lap behind sees this store and resyncs instead of copying bytes the
	// memcpy below is concurrently overwriting.
	hdr.SetWriteIntent(next)

	var fh [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(fh[0:4], uint32(len(data)))
	q.seg.WriteBytes(off, fh[:])
	if len(data) > 0 {
		q.seg.WriteBytes((off+frameHeaderSize)%size, data)
	}

	// lastFrame before writeCursor: a reader that acquires the new write
	// cursor must also see a lastFrame no older than this frame.
	hdr.SetLastFrame(w)
	hdr.SetWriteCursor(next)

	hdr.BumpDataSequence()
	futexWake(&hdr.dataSeq, math.MaxInt32)
	return nil
}

// Recv returns the next frame for this subscriber, or nil when none is
// available within the timeout. timeout < 0 waits indefinitely; timeout 0
// or nonBlocking true return immediately. An overrun (publisher lapped this
// subscriber) is not an error: the subscriber resynchronizes to the write
// cursor, counts the drop, and keeps going.
func (q *Queue) Recv(timeout time.Duration, nonBlocking bool) ([]byte, error) {
	if q.role != roleSubscriber {
		return nil, fmt.Errorf("%w: recv requires a subscriber handle", ErrState)
	}

	hdr := q.seg.Header()
	if hdr.ReaderUID(q.readerID) != q.readerUID {
		return nil, fmt.Errorf("%w: reader slot %d no longer owned by this handle", ErrState, q.readerID)
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if msg, ok := q.tryRecv(); ok {
			return msg, nil
		}
		if nonBlocking {
			return nil, nil
		}

		// Snapshot the sequence, then re-check for data that arrived
		// between tryRecv and the snapshot. futexWait re-checks the word
		// itself, so a send after this point wakes us.
		seq := hdr.DataSequence()
		if q.MsgReady() {
			continue
		}

		// Indefinite waits run in DefaultTimeout slices; a timed-out slice
		// just loops back to re-check for data.
		wait := DefaultTimeout
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
			wait = remaining
		}
		if err := futexWaitTimeout(&hdr.dataSeq, seq, wait.Nanoseconds()); err != nil {
			if errors.Is(err, ErrFutexTimeout) {
				if timeout >= 0 {
					return nil, nil
				}
				continue
			}
			return nil, fmt.Errorf("queue %q recv wait: %w", q.name, err)
		}
	}
}

// tryRecv attempts to copy out one frame without blocking. It returns
// (nil, false) when the subscriber is fully caught up.
func (q *Queue) tryRecv() ([]byte, bool) {
	hdr := q.seg.Header()
	size := q.seg.Size()

	for {
		r := hdr.ReadCursor(q.readerID)
		if q.conflate {
			// Jump to the newest frame. lastFrame is stored before the
			// write cursor, so loading the write cursor after it keeps
			// mono(w) >= mono(lf) + frame for a committed frame.
			if lf := hdr.LastFrame(); lf.Mono(size) > r.Mono(size) {
				r = lf
			}
		}
		w := hdr.WriteCursor()
		if r == w {
			return nil, false
		}

		monoR := r.Mono(size)
		monoW := w.Mono(size)

		// The window check runs against writeIntent, not the write
		// cursor: the publisher reserves a frame's region before writing
		// its bytes, so a send in flight exactly one lap ahead already
		// shows up here even though the write cursor has not moved.
		if hdr.WriteIntent().Mono(size)-monoR > size {
			q.resync(w)
			continue
		}

		var fh [frameHeaderSize]byte
		q.seg.ReadBytes(uint64(r.Offset()), fh[:])
		length := binary.LittleEndian.Uint32(fh[0:4])
		frame := alignTo8(frameHeaderSize + uint64(length))
		if frame > size || monoR+frame > monoW {
			// Implausible length: the header bytes were overwritten under
			// us. Same treatment as a detected lap.
			q.resync(hdr.WriteCursor())
			continue
		}

		payload := make([]byte, length)
		if length > 0 {
			q.seg.ReadBytes((uint64(r.Offset())+frameHeaderSize)%size, payload)
		}

		// Validate the window again after the copy: either it held for
		// the whole copy and the bytes are intact, or the read is torn
		// and must be discarded.
		if hdr.WriteIntent().Mono(size)-monoR > size {
			q.resync(hdr.WriteCursor())
			continue
		}

		hdr.SetReadCursor(q.readerID, r.advance(frame, size))
		return payload, true
	}
}

// resync fast-forwards the subscriber to the current write position after
// an overrun. Reported, never thrown: losing old data under a slow
// consumer is the queue's intended trade-off.
func (q *Queue) resync(w Cursor) {
	q.seg.Header().SetReadCursor(q.readerID, w)
	n := q.dropped.Add(1)
	q.log.Warn("subscriber overrun, resynchronized to write cursor",
		"queue", q.name,
		"reader", q.readerID,
		"overruns", n,
		"pid", os.Getpid(),
	)
}

// MsgReady reports whether a Recv would find data, without blocking.
func (q *Queue) MsgReady() bool {
	if q.role != roleSubscriber {
		return false
	}
	hdr := q.seg.Header()
	return hdr.ReadCursor(q.readerID) != hdr.WriteCursor()
}

// AllReadersUpdated reports whether every claimed reader slot has consumed
// up to the current write cursor. Publishers use it to drain before exit.
func (q *Queue) AllReadersUpdated() bool {
	hdr := q.seg.Header()
	w := hdr.WriteCursor()
	n := int(hdr.NumReaders())
	for i := 0; i < n; i++ {
		if hdr.ReadCursor(i) != w {
			return false
		}
	}
	return true
}

// Close unmaps the segment. Idempotent; the shared segment itself stays
// alive for other processes.
func (q *Queue) Close() error {
	return q.seg.Close()
}

// Unlink removes the segment's backing file. Explicit teardown only.
func (q *Queue) Unlink() error {
	return q.seg.Unlink()
}
