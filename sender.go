// Copyright 2016 The gmysql Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import "sync"

type senderState int

const (
	senderIdle senderState = iota
	senderSending
	senderShutdown
)

// pendingSend is one (prefix, body, suffix) write job submitted while the
// worker is Idle (§4.9).
type pendingSend struct {
	prefix, body, suffix string
}

// sendWorker offloads framer writes to a dedicated goroutine so a caller
// producing a query larger than the server's receive buffer cannot
// deadlock against a reader that hasn't started draining yet (§4.9). It is
// a single-producer/single-consumer split over the same socket: the
// worker holds exclusive write access while Idle→Sending, the owning Conn
// holds exclusive read access once the response starts arriving.
type sendWorker struct {
	mu        sync.Mutex
	queryCond *sync.Cond // signaled when a job is submitted
	idleCond  *sync.Cond // signaled when the worker returns to Idle
	state     senderState
	job       *pendingSend
	err       error
	framer    *blockFramer
}

func newSendWorker(c *Conn) *sendWorker {
	w := &sendWorker{framer: c.framer}
	w.queryCond = sync.NewCond(&w.mu)
	w.idleCond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *sendWorker) run() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		for w.job == nil && w.state != senderShutdown {
			w.queryCond.Wait()
		}
		if w.state == senderShutdown && w.job == nil {
			return
		}
		job := w.job
		w.job = nil
		w.state = senderSending

		w.mu.Unlock()
		_, err := w.framer.Write([]byte(job.prefix + job.body + job.suffix))
		if err == nil {
			err = w.framer.Flush()
		}
		w.mu.Lock()

		w.err = err
		if w.state != senderShutdown {
			w.state = senderIdle
		}
		w.idleCond.Broadcast()
	}
}

// submit hands a query to the worker; it returns once the worker has
// accepted the job (not once it has finished sending it). Submitting
// while not Idle blocks until the previous job completes.
func (w *sendWorker) submit(prefix, body, suffix string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.state == senderSending {
		w.idleCond.Wait()
	}
	w.job = &pendingSend{prefix: prefix, body: body, suffix: suffix}
	if w.state != senderShutdown {
		// The job counts as in flight from here on, so getErrors and a
		// further submit wait for it even before the worker picks it up.
		w.state = senderSending
	}
	w.queryCond.Signal()
}

// getErrors blocks until the worker is back to Idle and returns whatever
// I/O error, if any, the last send captured (§4.9 "get_errors").
func (w *sendWorker) getErrors() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.state == senderSending {
		w.idleCond.Wait()
	}
	return w.err
}

// shutdown stops the worker goroutine. Idempotent: a second call observes
// state already Shutdown and returns immediately.
func (w *sendWorker) shutdown() {
	w.mu.Lock()
	if w.state == senderShutdown {
		w.mu.Unlock()
		return
	}
	for w.state == senderSending {
		w.idleCond.Wait()
	}
	w.state = senderShutdown
	w.mu.Unlock()
	w.queryCond.Signal()
}
