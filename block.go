// Copyright 2016 The gmysql Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"io"
)

// BlockSize is the maximum number of payload bytes a single MAPI block may
// carry (§3, §6).
const BlockSize = 8190

// promptSentinel is the two-byte PROMPT marker the framer synthesizes after
// every final block so line-oriented consumers can detect message
// boundaries without being wired into the framer's read path (§4.1).
var promptSentinel = []byte{0x01, 0x01}

// blockFramer wraps a raw bidirectional byte transport and frames it into
// the length-delimited MAPI block protocol. It is not safe for concurrent
// use (§5): one logical read and one logical write may proceed at once,
// matching the split the background send worker (§4.9) relies on.
type blockFramer struct {
	rw io.ReadWriteCloser

	// outgoing accumulation buffer.
	out    [BlockSize]byte
	outLen int

	// incoming: payload bytes not yet delivered to Read, plus the
	// synthesized trailer appended at the end of a final block.
	in       []byte
	inPos    int
	rdHeader [2]byte

	stats *ProtocolStats
}

func newBlockFramer(rw io.ReadWriteCloser, stats *ProtocolStats) *blockFramer {
	return &blockFramer{rw: rw, stats: stats}
}

// Write accumulates bytes into the outgoing buffer, emitting a non-final
// block (header low bit = 0) each time the buffer fills (§4.1).
func (f *blockFramer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := copy(f.out[f.outLen:], p)
		f.outLen += n
		p = p[n:]
		written += n
		if f.outLen == BlockSize {
			if err := f.emit(f.out[:f.outLen], false); err != nil {
				return written, err
			}
			f.outLen = 0
		}
	}
	return written, nil
}

// Flush emits a final block (possibly empty) for whatever remains in the
// outgoing buffer, then flushes the underlying transport.
func (f *blockFramer) Flush() error {
	if err := f.emit(f.out[:f.outLen], true); err != nil {
		return err
	}
	f.outLen = 0
	if flusher, ok := f.rw.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

func (f *blockFramer) emit(payload []byte, last bool) error {
	header := make([]byte, 2, 2+len(payload))
	l := len(payload) << 1
	if last {
		l |= 1
	}
	header[0] = byte(l)
	header[1] = byte(l >> 8)
	header = append(header, payload...)
	n, err := f.rw.Write(header)
	if f.stats != nil && n > 2 {
		f.stats.addWritten(int64(n - 2)) // payload only, like addRead
	}
	if err != nil {
		return &IOError{Op: "write block", Err: err}
	}
	if last {
		if f.stats != nil {
			f.stats.BlocksWritten++
		}
	} else if f.stats != nil {
		f.stats.BlocksWritten++
	}
	return nil
}

// Read fills buf with decoded payload bytes, reading further blocks from
// the underlying transport as needed. It returns io.EOF only on a clean
// close before any header byte was read; any other truncation is a hard
// protocol error (§4.1, §9 "OldMapiBlockInputStream" note).
func (f *blockFramer) Read(buf []byte) (int, error) {
	if f.inPos >= len(f.in) {
		if err := f.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(buf, f.in[f.inPos:])
	f.inPos += n
	return n, nil
}

func (f *blockFramer) fill() error {
	payload, last, err := f.readBlock()
	if err != nil {
		return err
	}
	if last {
		if len(payload) == 0 || payload[len(payload)-1] != '\n' {
			payload = append(payload, '\n')
		}
		payload = append(payload, promptSentinel...)
		payload = append(payload, '\n')
	}
	f.in = payload
	f.inPos = 0
	return nil
}

// readBlock reads exactly one raw block (header + payload) with no
// line-layer synthesis, for consumers below the line protocol — namely
// the file-transfer download stream (§4.8), which must see binary block
// boundaries exactly as the server sent them.
func (f *blockFramer) readBlock() ([]byte, bool, error) {
	n, err := io.ReadFull(f.rw, f.rdHeader[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, false, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, false, &ProtocolError{Message: "incomplete block"}
		}
		return nil, false, &IOError{Op: "read block header", Err: err}
	}
	b0, b1 := f.rdHeader[0], f.rdHeader[1]
	length := int(b0>>1) | int(b1)<<7
	last := b0&1 == 1

	if length > BlockSize {
		return nil, false, &ProtocolError{Message: "block length exceeds BLOCK_SIZE"}
	}

	payload := make([]byte, length)
	if length > 0 {
		rn, rerr := io.ReadFull(f.rw, payload)
		if f.stats != nil {
			f.stats.addRead(int64(rn))
		}
		if rerr != nil {
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				return nil, false, &ProtocolError{Message: "incomplete block"}
			}
			return nil, false, &IOError{Op: "read block payload", Err: rerr}
		}
	}

	if f.stats != nil {
		f.stats.BlocksRead++
	}
	return payload, last, nil
}

// Close closes the underlying transport. Idempotent.
func (f *blockFramer) Close() error {
	if f.rw == nil {
		return nil
	}
	err := f.rw.Close()
	f.rw = nil
	return err
}
