// Copyright 2016 The gmysql Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"github.com/google/uuid"
)

// DefaultUploadChunkSize is the default boundary at which an upload
// stream flushes and waits for a server prompt (§4.8).
const DefaultUploadChunkSize = 1 << 20 // 1 MiB

// UploadOption configures a single UploadStream and is passed to
// NewUploadStream. The only current option controls the upload chunk size
// (§4.8).
type UploadOption func(*uploadConfig)

type uploadConfig struct {
	chunkSize int
}

// WithUploadChunkSize overrides DefaultUploadChunkSize.
func WithUploadChunkSize(n int) UploadOption {
	return func(c *uploadConfig) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// CancelFunc is invoked at most once if the server aborts an in-flight
// upload (§4.8).
type CancelFunc func(streamID string)

// UploadStream writes a caller's bytes to the server in chunks, pausing at
// each boundary for a MORE/FILETRANSFER acknowledgement (§4.8). Opened in
// response to a `{0x01,0x03}<action>` server line.
type UploadStream struct {
	conn      *Conn
	streamID  string
	chunkSize int
	onCancel  CancelFunc

	buf       []byte
	cancelled bool
	closed    bool
	err       error
}

// NewUploadStream opens an upload stream on conn. onCancel may be nil.
func NewUploadStream(conn *Conn, onCancel CancelFunc, opts ...UploadOption) *UploadStream {
	cfg := uploadConfig{chunkSize: DefaultUploadChunkSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &UploadStream{
		conn:      conn,
		streamID:  uuid.New().String(),
		chunkSize: cfg.chunkSize,
		onCancel:  onCancel,
	}
}

// StreamID returns the correlation id minted for this stream (§4.8); it is
// also the argument passed to the CancelFunc. The file-transfer streams
// write no DebugSink lines, so the id does not appear in traces.
func (u *UploadStream) StreamID() string { return u.streamID }

// Write buffers p, flushing and waiting for a prompt every time the
// buffered amount reaches the configured chunk size. It fails immediately
// once the server has cancelled the transfer.
func (u *UploadStream) Write(p []byte) (int, error) {
	if u.cancelled {
		return 0, &CanceledError{Message: "upload stream cancelled by server"}
	}
	if u.closed || u.err != nil {
		return 0, ErrInvalidConn
	}

	total := 0
	for len(p) > 0 {
		room := u.chunkSize - len(u.buf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		u.buf = append(u.buf, p[:n]...)
		p = p[n:]
		total += n

		if len(u.buf) >= u.chunkSize {
			if err := u.flushChunk(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// flushChunk writes the buffered bytes, flushes them as a final block and
// waits for the server's per-chunk prompt.
func (u *UploadStream) flushChunk() error {
	if _, err := u.conn.framer.Write(u.buf); err != nil {
		u.err = err
		return err
	}
	u.buf = u.buf[:0]
	if err := u.conn.framer.Flush(); err != nil {
		u.err = err
		return err
	}

	u.conn.reader.resetKind()
	if err := u.conn.reader.advance(); err != nil {
		u.err = err
		return err
	}
	switch u.conn.reader.kind() {
	case LineMore:
		return nil
	case LineFileTransfer:
		u.cancelled = true
		if u.onCancel != nil {
			u.onCancel(u.streamID)
			u.onCancel = nil
		}
		return &CanceledError{Message: "server aborted upload"}
	default:
		err := &ProtocolError{Message: "unexpected line during upload: " + string(u.conn.reader.line())}
		u.err = err
		return err
	}
}

// Close flushes any remaining buffered bytes, emits the zero-length final
// block, and requires the server's closing FILETRANSFER acknowledgement
// (§4.8). Idempotent.
func (u *UploadStream) Close() error {
	if u.closed {
		return u.err
	}
	u.closed = true
	if u.cancelled {
		return u.err
	}

	if len(u.buf) > 0 {
		if _, err := u.conn.framer.Write(u.buf); err != nil {
			u.err = err
			return err
		}
		u.buf = u.buf[:0]
	}
	if err := u.conn.framer.Flush(); err != nil {
		u.err = err
		return err
	}
	// Zero-length final block signals end of upload.
	if err := u.conn.framer.Flush(); err != nil {
		u.err = err
		return err
	}

	u.conn.reader.resetKind()
	if err := u.conn.reader.advance(); err != nil {
		u.err = err
		return err
	}
	if u.conn.reader.kind() != LineFileTransfer {
		u.err = &ProtocolError{Message: "missing closing FILETRANSFER acknowledgement"}
		return u.err
	}
	return nil
}

// DownloadStream drains a server-initiated download, one block at a time,
// with an optional CRLF transform (§4.8).
type DownloadStream struct {
	conn     *Conn
	streamID string
	crlf     bool

	pendingNL bool // "newline pending" latch carried across buffer boundaries
	done      bool
	closed    bool
	err       error
}

// NewDownloadStream opens a download stream on conn. crlf requests that
// every '\n' in the payload be transformed to "\r\n".
func NewDownloadStream(conn *Conn, crlf bool) *DownloadStream {
	return &DownloadStream{conn: conn, streamID: uuid.New().String(), crlf: crlf}
}

// StreamID returns the correlation id minted for this stream.
func (d *DownloadStream) StreamID() string { return d.streamID }

// Read drains the next raw block and copies (optionally CRLF-transformed)
// bytes into p. Once the end block has been consumed, further calls return
// errDownloadDone.
func (d *DownloadStream) Read(p []byte) (int, error) {
	if d.done {
		return 0, errDownloadDone
	}
	if d.err != nil {
		return 0, d.err
	}

	payload, last, err := d.conn.framer.readBlock()
	if err != nil {
		d.err = err
		return 0, err
	}
	if last {
		d.done = true
	}

	out := payload
	if d.crlf {
		out = d.transformCRLF(payload)
		if last && d.pendingNL {
			// No block follows the end block: emit the held-back '\n' now.
			out = append(out, '\n')
			d.pendingNL = false
		}
	}
	n := copy(p, out)
	if n < len(out) {
		// Callers are expected to size p to at least len(payload)*2 for
		// the CRLF case; truncation here would silently drop bytes, so
		// surface it as a protocol error instead of corrupting the stream.
		d.err = &ProtocolError{Message: "download buffer too small for block"}
		return n, d.err
	}
	return n, nil
}

// transformCRLF prepends '\r' to every '\n', carrying a one-byte latch so
// that a '\n' on the final byte of one call still emits correctly at the
// start of the next (§4.8).
func (d *DownloadStream) transformCRLF(in []byte) []byte {
	out := make([]byte, 0, len(in)+len(in)/4+1)
	if d.pendingNL {
		out = append(out, '\n')
		d.pendingNL = false
	}
	for i, b := range in {
		if b == '\n' {
			if i == len(in)-1 {
				d.pendingNL = true
				out = append(out, '\r')
				continue
			}
			out = append(out, '\r', '\n')
			continue
		}
		out = append(out, b)
	}
	return out
}

// Close drains any remaining blocks, acknowledges with a single '\n', and
// flushes (§4.8). Idempotent.
func (d *DownloadStream) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	for !d.done {
		_, last, err := d.conn.framer.readBlock()
		if err != nil {
			d.err = err
			return err
		}
		if last {
			d.done = true
		}
	}
	return d.ack()
}

func (d *DownloadStream) ack() error {
	if _, err := d.conn.framer.Write([]byte{'\n'}); err != nil {
		return err
	}
	return d.conn.framer.Flush()
}

var errDownloadDone = &ProtocolError{Message: "download stream already closed"}
