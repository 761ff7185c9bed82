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

// Package shm implements a lock-free single-publisher multi-subscriber
// message queue over a memory-mapped shared segment. One publisher appends
// length-prefixed frames to a circular byte region and advances an atomic
// packed write cursor; each subscriber owns a private read-cursor slot and
// copies frames out without coordinating with anyone else. A fast publisher
// overwrites frames a slow subscriber has not read yet; subscribers detect
// that from cursor arithmetic and resynchronize instead of blocking the
// publisher.
package shm

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
)

// Memory layout constants
const (
	// Magic bytes for segment identification
	SegmentMagic = "MSGQSHM\x00"

	// Current protocol version
	SegmentVersion = uint32(1)

	// Queue header size (fixed, 8-byte aligned fields padded to 320 bytes)
	HeaderSize = 320

	// MaxReaders is the number of subscriber slots in the header.
	MaxReaders = 15

	// DefaultSegmentSize is the default ring data size (10MB).
	DefaultSegmentSize = 10 * 1024 * 1024
)

// Header is the shared queue header. It lives at offset 0 of the mapped
// segment and is followed immediately by bufferSize bytes of ring data.
// Every mutable field is accessed through sync/atomic only; the header is
// the single piece of cross-process mutable state in the design.
type Header struct {
	magic       [8]byte          // 0x000: "MSGQSHM\0"
	version     uint32           // 0x008: protocol version
	maxReaders  uint32           // 0x00C: slot count (MaxReaders)
	bufferSize  uint64           // 0x010: ring data size in bytes
	creationUID uint64           // 0x018: random id of the creating open
	writeCursor uint64           // 0x020: packed cursor, publisher only
	lastFrame   uint64           // 0x028: packed cursor of newest frame start
	writeIntent uint64           // 0x030: packed cursor past the frame being written
	dataSeq     uint32           // 0x038: futex word, bumped per send
	numReaders  uint32           // 0x03C: claimed subscriber slots
	readCursors [MaxReaders]uint64 // 0x040: per-subscriber packed cursors
	readerUIDs  [MaxReaders]uint64 // 0x0B8: per-slot owner ids
	reserved    [16]byte         // 0x130: padding to 320B
}

// Magic returns the magic bytes.
func (h *Header) Magic() [8]byte {
	return h.magic
}

// Version returns the protocol version.
func (h *Header) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// BufferSize returns the ring data size in bytes.
func (h *Header) BufferSize() uint64 {
	return atomic.LoadUint64(&h.bufferSize)
}

// CreationUID returns the id written by whichever process initialized the
// segment. It distinguishes a recreated segment from the one a handle
// originally mapped.
func (h *Header) CreationUID() uint64 {
	return atomic.LoadUint64(&h.creationUID)
}

// WriteCursor returns the publisher's packed cursor. The load is acquire:
// payload bytes written before the publisher's release store are visible
// to any reader that observes the new cursor.
func (h *Header) WriteCursor() Cursor {
	return Cursor(atomic.LoadUint64(&h.writeCursor))
}

// SetWriteCursor publishes a new write cursor. The store is release: it
// must follow all payload writes for the frame it covers.
func (h *Header) SetWriteCursor(c Cursor) {
	atomic.StoreUint64(&h.writeCursor, c.Raw())
}

// LastFrame returns the cursor of the most recent frame's start, used by
// conflating subscribers to jump directly to the newest value.
func (h *Header) LastFrame() Cursor {
	return Cursor(atomic.LoadUint64(&h.lastFrame))
}

// SetLastFrame records the start of the frame being published. Stored
// before the write cursor so a reader that sees the new write cursor also
// sees a lastFrame no older than the previous frame.
func (h *Header) SetLastFrame(c Cursor) {
	atomic.StoreUint64(&h.lastFrame, c.Raw())
}

// WriteIntent returns the cursor one past the frame the publisher is
// currently writing (equal to the write cursor when no send is in flight).
func (h *Header) WriteIntent() Cursor {
	return Cursor(atomic.LoadUint64(&h.writeIntent))
}

// SetWriteIntent reserves the region of the frame about to be written.
// Stored before any payload byte is touched, so a subscriber can tell
// in-flight writes from published data: bytes below writeIntent minus one
// full lap may be dirty even though the write cursor has not moved yet.
func (h *Header) SetWriteIntent(c Cursor) {
	atomic.StoreUint64(&h.writeIntent, c.Raw())
}

// DataSequence returns the futex word subscribers block on.
func (h *Header) DataSequence() uint32 {
	return atomic.LoadUint32(&h.dataSeq)
}

// BumpDataSequence increments the futex word after a send.
func (h *Header) BumpDataSequence() uint32 {
	return atomic.AddUint32(&h.dataSeq, 1)
}

// NumReaders returns the number of claimed subscriber slots.
func (h *Header) NumReaders() uint32 {
	return atomic.LoadUint32(&h.numReaders)
}

// ReadCursor returns subscriber slot i's packed cursor.
func (h *Header) ReadCursor(i int) Cursor {
	return Cursor(atomic.LoadUint64(&h.readCursors[i]))
}

// SetReadCursor stores subscriber slot i's packed cursor. Only the slot's
// owning subscriber may call this.
func (h *Header) SetReadCursor(i int, c Cursor) {
	atomic.StoreUint64(&h.readCursors[i], c.Raw())
}

// ReaderUID returns the owner id recorded for slot i.
func (h *Header) ReaderUID(i int) uint64 {
	return atomic.LoadUint64(&h.readerUIDs[i])
}

// SetReaderUID records the owner id for slot i.
func (h *Header) SetReaderUID(i int, uid uint64) {
	atomic.StoreUint64(&h.readerUIDs[i], uid)
}

// ClaimReaderSlot atomically claims the next free subscriber slot and
// returns its index. It fails once all MaxReaders slots are taken. The
// CAS loop (rather than a blind add) keeps the counter from running past
// the slot array under concurrent registration.
func (h *Header) ClaimReaderSlot(uid uint64) (int, error) {
	for {
		n := atomic.LoadUint32(&h.numReaders)
		if n >= MaxReaders {
			return 0, fmt.Errorf("%w: %d subscriber slots in use", ErrCapacity, n)
		}
		if atomic.CompareAndSwapUint32(&h.numReaders, n, n+1) {
			slot := int(n)
			h.SetReaderUID(slot, uid)
			// New subscribers start at the current write position: no
			// history for late joiners.
			h.SetReadCursor(slot, h.WriteCursor())
			return slot, nil
		}
	}
}

// alignTo8 aligns a size to an 8-byte boundary.
func alignTo8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// Segment is a mapped shared-memory queue segment: the Header followed by
// bufferSize bytes of ring data.
type Segment struct {
	File *os.File // backing file descriptor
	Mem  []byte   // the mmapped region
	Path string   // backing file path

	size uint64 // ring data size in bytes
}

// Option configures segment and queue opening.
type Option func(*options)

type options struct {
	dir    string
	logger *slog.Logger
}

// WithDir overrides the directory the backing file is created in. The
// default prefers /dev/shm and falls back to the temp dir; tests use this
// to keep segments inside t.TempDir().
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithLogger overrides the logger queue handles report overruns through.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// segmentPath derives the backing file path for a queue name.
func segmentPath(name, dir string) string {
	if dir == "" {
		dir = os.TempDir()
		if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
			dir = "/dev/shm"
		}
	}
	return filepath.Join(dir, "msgq_"+name)
}

// newCreationUID derives a 64-bit segment id from a fresh uuid.
func newCreationUID() uint64 {
	u := uuid.New()
	return binary.LittleEndian.Uint64(u[:8])
}

// OpenOrCreate opens an existing queue segment of the given name or creates
// and sizes a new one. The first process to map the segment initializes the
// header; later openers validate it. Queues outlive any single process: the
// backing file is removed only by an explicit Unlink.
func OpenOrCreate(name string, size uint64, opts ...Option) (*Segment, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if size == 0 {
		size = DefaultSegmentSize
	}
	size = alignTo8(size)
	totalSize := HeaderSize + size

	path := segmentPath(name, o.dir)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0660)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
	}

	info, err := file.Stat()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to stat segment file %s: %w", path, err)
	}
	fresh := info.Size() == 0

	if fresh {
		if err := file.Truncate(int64(totalSize)); err != nil {
			cleanup()
			os.Remove(path)
			return nil, fmt.Errorf("failed to size segment file %s to %d bytes: %w", path, totalSize, err)
		}
	} else if info.Size() != int64(totalSize) {
		cleanup()
		return nil, fmt.Errorf("segment %s is %d bytes, expected %d (queue size mismatch)", path, info.Size(), totalSize)
	}

	mem, err := mmapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment %s: %w", path, err)
	}

	seg := &Segment{
		File: file,
		Mem:  mem,
		Path: path,
		size: size,
	}

	hdr := seg.Header()
	if fresh {
		hdr.magic = [8]byte{'M', 'S', 'G', 'Q', 'S', 'H', 'M', 0}
		atomic.StoreUint32(&hdr.version, SegmentVersion)
		atomic.StoreUint32(&hdr.maxReaders, MaxReaders)
		atomic.StoreUint64(&hdr.bufferSize, size)
		atomic.StoreUint64(&hdr.creationUID, newCreationUID())
	} else if err := validateHeader(hdr, size); err != nil {
		seg.Close()
		return nil, fmt.Errorf("invalid segment header in %s: %w", path, err)
	}

	return seg, nil
}

// validateHeader checks an existing segment's header for consistency with
// the size this opener asked for.
func validateHeader(h *Header, size uint64) error {
	if string(h.magic[:]) != SegmentMagic {
		return fmt.Errorf("bad magic bytes %q", h.magic[:])
	}
	if v := h.Version(); v != SegmentVersion {
		return fmt.Errorf("unsupported version %d, expected %d", v, SegmentVersion)
	}
	if bs := h.BufferSize(); bs != size {
		return fmt.Errorf("buffer size %d does not match requested %d", bs, size)
	}
	return nil
}

// Header returns the typed view of the queue header.
func (s *Segment) Header() *Header {
	return (*Header)(unsafe.Pointer(&s.Mem[0]))
}

// Size returns the ring data size in bytes.
func (s *Segment) Size() uint64 {
	return s.size
}

// data returns the ring data area.
func (s *Segment) data() []byte {
	return s.Mem[HeaderSize : HeaderSize+s.size]
}

// WriteBytes copies data into the ring at the given offset, wrapping at the
// buffer boundary. The caller guarantees len(data) <= buffer size.
func (s *Segment) WriteBytes(offset uint64, data []byte) {
	buf := s.data()
	n := copy(buf[offset:], data)
	if n < len(data) {
		copy(buf, data[n:])
	}
}

// ReadBytes copies len(dst) bytes out of the ring starting at offset,
// wrapping at the buffer boundary.
func (s *Segment) ReadBytes(offset uint64, dst []byte) {
	buf := s.data()
	n := copy(dst, buf[offset:])
	if n < len(dst) {
		copy(dst[n:], buf)
	}
}

// Close unmaps the memory and closes the backing file. It is safe to call
// more than once; the backing file stays on disk for other processes.
func (s *Segment) Close() error {
	var firstErr error

	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
	}

	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}

	return firstErr
}

// Unlink removes the backing file. Explicit only: queues are meant to
// outlive processes, so nothing calls this automatically.
func (s *Segment) Unlink() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
