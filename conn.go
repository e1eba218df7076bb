// Copyright 2016 The gmysql Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"net"
	"time"
)

// Conn is a single established MAPI session (§5): not safe for concurrent
// use by multiple callers, one logical in-flight request at a time, and
// transient — it persists no state across process restarts.
type Conn struct {
	nc     net.Conn
	framer *blockFramer
	reader *lineReader
	sender *sendWorker

	target *Target
	debug  debugger
	stats  *ProtocolStats
	id     string

	sequence int
	closed   bool
}

// Close is idempotent: the second and later calls are a no-op (§8
// "Idempotent close").
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.sender != nil {
		c.sender.shutdown()
	}
	c.reader.close()
	return c.framer.Close()
}

// SetTimeout sets the read and write deadline of the underlying transport
// to d from now (§5 "setSoTimeout may be called at any time"); d <= 0
// clears it. The deadline is absolute and is not re-armed before each
// blocking call: it bounds all I/O up to that instant, not each read.
func (c *Conn) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return c.nc.SetDeadline(time.Time{})
	}
	return c.nc.SetDeadline(time.Now().Add(d))
}

// Stats returns the connection's live protocol counters
func (c *Conn) Stats() ProtocolStats { return *c.stats }

// Target returns the (possibly redirect-merged) target this connection
// established against.
func (c *Conn) Target() *Target { return c.target }

// ID returns the per-connection correlation id used to tag debug-sink
// lines. File-transfer streams mint their own stream ids and do not use it.
func (c *Conn) ID() string { return c.id }

// EnableBackgroundSend starts the optional §4.9 worker, decoupling the
// producer of large queries from the blocking socket. Calling it more than
// once is a no-op.
func (c *Conn) EnableBackgroundSend() {
	if c.sender != nil {
		return
	}
	c.sender = newSendWorker(c)
}
