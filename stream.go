// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"github.com/pkg/errors"
)

// ErrNoMemory is returned when the shared block pool is exhausted.
// It is fatal to the tunnel that hit it, never to the process.
type ErrNoMemory struct{}

func (ErrNoMemory) Error() string { return "block pool exhausted" }

// BlockPool is a bounded, thread-safe allocator of fixed-size stream
// blocks shared by all contexts of a gateway.
type BlockPool struct {
	free chan []byte
	sem  chan struct{}
}

// NewBlockPool returns a pool bounded to maxBlocks outstanding blocks.
func NewBlockPool(maxBlocks int) *BlockPool {
	if maxBlocks < 1 {
		maxBlocks = 1
	}
	return &BlockPool{
		free: make(chan []byte, maxBlocks),
		sem:  make(chan struct{}, maxBlocks),
	}
}

// get returns an empty block, or nil when the pool is exhausted.
func (p *BlockPool) get() []byte {
	select {
	case b := <-p.free:
		return b[:0]
	default:
	}
	select {
	case p.sem <- struct{}{}:
		return make([]byte, 0, StreamBlockSize)
	default:
		return nil
	}
}

func (p *BlockPool) put(b []byte) {
	if b == nil {
		return
	}
	select {
	case p.free <- b[:0]:
	default:
		<-p.sem
	}
}

// LineStatus reports the outcome of scanning the stream for a header line.
type LineStatus int

const (
	// LineUnavailable means no complete line is buffered yet.
	LineUnavailable LineStatus = iota
	// LineAvailable means a complete line was extracted.
	LineAvailable
	// LineFail means a block filled up without a line terminator.
	LineFail
)

// Stream is a framed, growable byte buffer backed by pooled blocks.
// It supports append-from-socket, line extraction, rewind and chunked
// read-out, and backs both the request-read and response-write paths.
type Stream struct {
	pool    *BlockPool
	blocks  [][]byte
	rdBlock int
	rdOff   int
}

// NewStream returns an empty stream drawing blocks from pool.
func NewStream(pool *BlockPool) *Stream {
	return &Stream{pool: pool}
}

// WriteBuffer returns the free space of the tail block, allocating a
// fresh block when none remains. The caller fills a prefix of the
// returned slice and reports it via Advance.
func (s *Stream) WriteBuffer() ([]byte, error) {
	if n := len(s.blocks); n > 0 {
		tail := s.blocks[n-1]
		if len(tail) < cap(tail) {
			return tail[len(tail):cap(tail)], nil
		}
	}
	b := s.pool.get()
	if b == nil {
		return nil, errors.WithStack(ErrNoMemory{})
	}
	s.blocks = append(s.blocks, b)
	return b[:cap(b)], nil
}

// Advance records that n bytes of the last WriteBuffer were filled.
func (s *Stream) Advance(n int) {
	last := len(s.blocks) - 1
	tail := s.blocks[last]
	s.blocks[last] = tail[:len(tail)+n]
}

// Write implements io.Writer by copying p into pooled blocks.
func (s *Stream) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		var buf []byte
		if buf, err = s.WriteBuffer(); err != nil {
			return
		}
		m := copy(buf, p)
		s.Advance(m)
		p = p[m:]
		n += m
	}
	return
}

// TotalLength returns the number of unread bytes in the stream.
func (s *Stream) TotalLength() (n int) {
	for i := s.rdBlock; i < len(s.blocks); i++ {
		if i == s.rdBlock {
			n += len(s.blocks[i]) - s.rdOff
		} else {
			n += len(s.blocks[i])
		}
	}
	return
}

// ReadLine scans for CR-LF and extracts one line with the terminator
// stripped. A scan exceeding one block size without a terminator is a
// protocol failure.
func (s *Stream) ReadLine() ([]byte, LineStatus) {
	var line []byte
	blk, off := s.rdBlock, s.rdOff
	scanned := 0
	for blk < len(s.blocks) {
		b := s.blocks[blk]
		for i := off; i < len(b); i++ {
			if b[i] == '\n' {
				line = append(line, b[off:i]...)
				if n := len(line); n > 0 && line[n-1] == '\r' {
					line = line[:n-1]
				}
				s.rdBlock, s.rdOff = blk, i+1
				s.normalize()
				return line, LineAvailable
			}
			if scanned++; scanned >= StreamBlockSize {
				return nil, LineFail
			}
		}
		line = append(line, b[off:]...)
		blk, off = blk+1, 0
	}
	return nil, LineUnavailable
}

// Peek returns the contiguous unread bytes of the current block without
// advancing the read cursor.
func (s *Stream) Peek() []byte {
	s.normalize()
	if s.rdBlock >= len(s.blocks) {
		return nil
	}
	return s.blocks[s.rdBlock][s.rdOff:]
}

// ReadChunk returns the contiguous unread bytes of the current block and
// advances past them. The slice stays valid until Clear or Reconstruct.
func (s *Stream) ReadChunk() []byte {
	p := s.Peek()
	s.Skip(len(p))
	return p
}

// Skip advances the read cursor by n bytes.
func (s *Stream) Skip(n int) {
	for n > 0 && s.rdBlock < len(s.blocks) {
		avail := len(s.blocks[s.rdBlock]) - s.rdOff
		if n < avail {
			s.rdOff += n
			return
		}
		n -= avail
		s.rdBlock++
		s.rdOff = 0
	}
}

// Rewind resets the read cursor to the head of the buffered data. It is
// used when a fragment header arrives split across reads and must be
// re-inspected.
func (s *Stream) Rewind() {
	s.rdBlock, s.rdOff = 0, 0
}

// normalize moves the cursor off an exhausted block boundary.
func (s *Stream) normalize() {
	for s.rdBlock < len(s.blocks) && s.rdOff >= len(s.blocks[s.rdBlock]) {
		s.rdBlock++
		s.rdOff = 0
	}
}

// Reconstruct compacts unread bytes to the front of the stream so the
// next fragment starts at offset zero of the first block. It returns the
// new total length.
func (s *Stream) Reconstruct() (int, error) {
	dst := NewStream(s.pool)
	for {
		p := s.ReadChunk()
		if len(p) == 0 {
			break
		}
		if _, err := dst.Write(p); err != nil {
			dst.Clear()
			return 0, err
		}
	}
	s.Clear()
	*s = *dst
	return s.TotalLength(), nil
}

// Clear releases all blocks back to the pool and resets the stream.
func (s *Stream) Clear() {
	for _, b := range s.blocks {
		s.pool.put(b)
	}
	s.blocks = nil
	s.rdBlock, s.rdOff = 0, 0
}
