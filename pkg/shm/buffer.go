/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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
 */

package shm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A stream is a chain of chunks. The first chunk is a root buffer and every
// later one is allocated beneath it, so deallocating the root frees the whole
// stream. Each chunk payload starts with a header.
//
// chunkHeader layout: cap 4 byte | size 4 byte | next 4 byte | flag 4 byte
const (
	chunkCapOffset  = 0
	chunkSizeOffset = 4
	chunkNextOffset = 8
	chunkFlagOffset = 12
	chunkHeaderSize = 16

	hasNextChunkFlag = 0b1
)

type chunkHeader []byte

func (h chunkHeader) cap() int {
	return int(binary.LittleEndian.Uint32(h[chunkCapOffset:]))
}

func (h chunkHeader) size() int {
	return int(binary.LittleEndian.Uint32(h[chunkSizeOffset:]))
}

func (h chunkHeader) setSize(n int) {
	binary.LittleEndian.PutUint32(h[chunkSizeOffset:], uint32(n))
}

func (h chunkHeader) nextChunkOffset() uint64 {
	return uint64(binary.LittleEndian.Uint32(h[chunkNextOffset:]))
}

func (h chunkHeader) hasNext() bool {
	return h[chunkFlagOffset]&hasNextChunkFlag > 0
}

func (h chunkHeader) linkNext(next uint64) {
	binary.LittleEndian.PutUint32(h[chunkNextOffset:], uint32(next))
	h[chunkFlagOffset] |= hasNextChunkFlag
}

func (h chunkHeader) reset(capacity int) {
	binary.LittleEndian.PutUint32(h[chunkCapOffset:], uint32(capacity))
	binary.LittleEndian.PutUint32(h[chunkSizeOffset:], 0)
	binary.LittleEndian.PutUint32(h[chunkNextOffset:], 0)
	h[chunkFlagOffset] = 0
}

// Writer appends bytes to a stream held in the region. Readers in any process
// mapping the region can follow the stream from its root Buffer.
//
// A Writer is not safe for concurrent use, and readers must not run
// concurrently with it.
type Writer struct {
	mem       *Memory
	root      Buffer
	chunkSize uint64
	cur       []byte
	n         int
}

// NewWriter starts a stream whose chunks hold chunkSize bytes each, header
// included.
func (m *Memory) NewWriter(chunkSize uint64) (*Writer, error) {
	if chunkSize <= chunkHeaderSize {
		return nil, fmt.Errorf("%w: chunk size %d must exceed %d", ErrInvalidSize, chunkSize, chunkHeaderSize)
	}
	root, err := m.Allocate(chunkSize)
	if err != nil {
		return nil, err
	}
	cur, err := m.Bytes(root)
	if err != nil {
		return nil, err
	}
	chunkHeader(cur).reset(int(chunkSize - chunkHeaderSize))
	return &Writer{mem: m, root: root, chunkSize: chunkSize, cur: cur}, nil
}

// Buffer returns the root of the stream. Pass it to NewReader, or to
// Deallocate to free the stream.
func (w *Writer) Buffer() Buffer { return w.root }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return w.n }

// Write appends p, growing the stream a chunk at a time. On ErrOutOfMemory
// the bytes that fit stay written.
func (w *Writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		h := chunkHeader(w.cur)
		if h.size() == h.cap() {
			if err := w.grow(); err != nil {
				w.n += written
				return written, err
			}
			continue
		}
		n := copy(w.cur[chunkHeaderSize+h.size():], p)
		h.setSize(h.size() + n)
		p = p[n:]
		written += n
	}
	w.n += written
	return written, nil
}

func (w *Writer) grow() error {
	next, err := w.mem.AllocateMore(w.chunkSize, w.root)
	if err != nil {
		return err
	}
	b, err := w.mem.Bytes(next)
	if err != nil {
		return err
	}
	chunkHeader(b).reset(int(w.chunkSize - chunkHeaderSize))
	chunkHeader(w.cur).linkNext(next.Offset)
	w.cur = b
	return nil
}

// Reader reads a stream written by a Writer.
type Reader struct {
	mem       *Memory
	cur       []byte
	readIndex int
}

// NewReader returns a Reader positioned at the start of the stream rooted at
// root.
func (m *Memory) NewReader(root Buffer) (*Reader, error) {
	cur, err := m.chunk(root.Offset)
	if err != nil {
		return nil, err
	}
	return &Reader{mem: m, cur: cur}, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		h := chunkHeader(r.cur)
		if r.readIndex < h.size() {
			n := copy(p, r.cur[chunkHeaderSize+r.readIndex:chunkHeaderSize+h.size()])
			r.readIndex += n
			return n, nil
		}
		if !h.hasNext() {
			return 0, io.EOF
		}
		next, err := r.mem.chunk(h.nextChunkOffset())
		if err != nil {
			return 0, err
		}
		r.cur = next
		r.readIndex = 0
	}
}

// chunk maps the chunk whose payload starts at off, header included.
func (m *Memory) chunk(off uint64) ([]byte, error) {
	head, err := m.Bytes(Buffer{Offset: off, Size: chunkHeaderSize})
	if err != nil {
		return nil, err
	}
	capacity := uint64(chunkHeader(head).cap())
	b, err := m.Bytes(Buffer{Offset: off, Size: chunkHeaderSize + capacity})
	if err != nil {
		return nil, fmt.Errorf("%w: chunk at %d claims %d bytes", ErrInvalidBuffer, off, capacity)
	}
	return b, nil
}
