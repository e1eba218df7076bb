package mapi

import (
	"bytes"
	"sync"
	"testing"
)

func newTestSendWorker(framer *blockFramer) *sendWorker {
	w := &sendWorker{framer: framer}
	w.queryCond = sync.NewCond(&w.mu)
	w.idleCond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func TestSendWorkerSubmitWritesFramedBody(t *testing.T) {
	rw := newFakeRW()
	framer := newBlockFramer(rw, &ProtocolStats{})
	w := newTestSendWorker(framer)
	defer w.shutdown()

	w.submit("s", "select 1", "\n;")
	if err := w.getErrors(); err != nil {
		t.Fatalf("getErrors: %v", err)
	}

	out := rw.out.Bytes()
	if !bytes.Contains(out, []byte("select 1")) {
		t.Fatalf("expected the framed body to contain the query, got %q", out)
	}
}

func TestSendWorkerGetErrorsBlocksUntilIdle(t *testing.T) {
	rw := newFakeRW()
	framer := newBlockFramer(rw, &ProtocolStats{})
	w := newTestSendWorker(framer)
	defer w.shutdown()

	w.submit("", "first", "\n")
	if err := w.getErrors(); err != nil {
		t.Fatalf("getErrors after first submit: %v", err)
	}
	w.submit("", "second", "\n")
	if err := w.getErrors(); err != nil {
		t.Fatalf("getErrors after second submit: %v", err)
	}

	out := rw.out.Bytes()
	if !bytes.Contains(out, []byte("first")) || !bytes.Contains(out, []byte("second")) {
		t.Fatalf("expected both jobs to have been written, got %q", out)
	}
}

func TestSendWorkerShutdownIdempotent(t *testing.T) {
	rw := newFakeRW()
	framer := newBlockFramer(rw, &ProtocolStats{})
	w := newTestSendWorker(framer)

	w.shutdown()
	w.shutdown()
}

func TestEnableBackgroundSendIsIdempotent(t *testing.T) {
	rw := newFakeRW()
	framer := newBlockFramer(rw, &ProtocolStats{})
	c := &Conn{framer: framer, reader: newLineReader(framer), stats: &ProtocolStats{}, debug: newDebugger(nil, "test")}

	c.EnableBackgroundSend()
	first := c.sender
	c.EnableBackgroundSend()
	if c.sender != first {
		t.Fatal("EnableBackgroundSend should not replace an existing worker")
	}
	c.sender.shutdown()
}

func TestNewSendWorkerSubmitRoundTrip(t *testing.T) {
	rw := newFakeRW()
	framer := newBlockFramer(rw, &ProtocolStats{})
	c := &Conn{framer: framer}
	w := newSendWorker(c)
	defer w.shutdown()

	w.submit("X", "reply_size 10", "\n")
	if err := w.getErrors(); err != nil {
		t.Fatalf("getErrors: %v", err)
	}
	if !bytes.Contains(rw.out.Bytes(), []byte("reply_size 10")) {
		t.Fatalf("expected framed output to contain the directive, got %q", rw.out.Bytes())
	}
}
