package mapi

import (
	"bytes"
	"testing"
)

func newTransferConn(t *testing.T, serverLines string) *Conn {
	t.Helper()
	src := newFakeRW()
	writer := newBlockFramer(src, &ProtocolStats{})
	if _, err := writer.Write([]byte(serverLines)); err != nil {
		t.Fatalf("script setup Write: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("script setup Flush: %v", err)
	}
	rw := &fakeRW{in: src.out, out: &bytes.Buffer{}}
	framer := newBlockFramer(rw, &ProtocolStats{})
	return &Conn{
		framer: framer,
		reader: newLineReader(framer),
		stats:  &ProtocolStats{},
		debug:  newDebugger(nil, "test"),
	}
}

func TestUploadStreamChunkBoundaryWaitsForMore(t *testing.T) {
	// One MORE prompt per chunk boundary, then a FILETRANSFER close ack.
	c := newTransferConn(t, string([]byte{0x01, 0x02})+"\n"+string([]byte{0x01, 0x03})+"\n")
	u := NewUploadStream(c, nil, WithUploadChunkSize(4))

	if _, err := u.Write([]byte("abcd")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestUploadStreamCancellation(t *testing.T) {
	c := newTransferConn(t, string([]byte{0x01, 0x03})+"\n")
	var cancelledID string
	u := NewUploadStream(c, func(id string) { cancelledID = id }, WithUploadChunkSize(2))

	_, err := u.Write([]byte("xy"))
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if _, ok := err.(*CanceledError); !ok {
		t.Fatalf("got %T, want *CanceledError", err)
	}
	if cancelledID != u.StreamID() {
		t.Errorf("onCancel got id %q, want %q", cancelledID, u.StreamID())
	}
	// Further writes after cancellation fail immediately without touching
	// the (already exhausted) server script.
	if _, err := u.Write([]byte("z")); err == nil {
		t.Fatal("expected write after cancellation to fail")
	}
	// Close after cancellation is a no-op, not a second protocol round trip.
	if err := u.Close(); err != nil {
		t.Fatalf("Close after cancel: %v", err)
	}
}

func TestUploadStreamCloseIdempotent(t *testing.T) {
	c := newTransferConn(t, string([]byte{0x01, 0x03})+"\n")
	u := NewUploadStream(c, nil)
	if err := u.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestUploadStreamMissingClosingAck(t *testing.T) {
	c := newTransferConn(t, "#not a filetransfer ack\n")
	u := NewUploadStream(c, nil)
	err := u.Close()
	if err == nil {
		t.Fatal("expected an error for a missing FILETRANSFER ack")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("got %T, want *ProtocolError", err)
	}
}

func TestDownloadStreamReadsRawBlocks(t *testing.T) {
	c := newTransferConn(t, "line one\nline two\n")
	d := NewDownloadStream(c, false)

	buf := make([]byte, 256)
	n, err := d.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "line one\nline two\n" {
		t.Fatalf("got %q", buf[:n])
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDownloadStreamCRLFTransformAcrossBoundary(t *testing.T) {
	c := newTransferConn(t, "")
	d := NewDownloadStream(c, true)

	// First chunk ends exactly on a newline: its '\r' is emitted now and the
	// '\n' is deferred to the start of the next call, not dropped or
	// duplicated, so the joined output reads "abc\r\ndef".
	out1 := d.transformCRLF([]byte("abc\n"))
	if string(out1) != "abc\r" {
		t.Fatalf("got %q, want abc\\r", out1)
	}
	if !d.pendingNL {
		t.Fatal("expected a pending newline latch across the boundary")
	}
	out2 := d.transformCRLF([]byte("def"))
	if string(out2) != "\ndef" {
		t.Fatalf("got %q, want \\ndef", out2)
	}
}

func TestDownloadStreamCloseIdempotent(t *testing.T) {
	c := newTransferConn(t, "only block\n")
	d := NewDownloadStream(c, false)
	if err := d.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestDownloadStreamReadAfterDoneReturnsDoneError(t *testing.T) {
	c := newTransferConn(t, "x\n")
	d := NewDownloadStream(c, false)
	buf := make([]byte, 64)
	if _, err := d.Read(buf); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if _, err := d.Read(buf); err != errDownloadDone {
		t.Fatalf("got %v, want errDownloadDone", err)
	}
}

func TestUploadAndDownloadStreamIDsAreUnique(t *testing.T) {
	c := newTransferConn(t, "")
	u1 := NewUploadStream(c, nil)
	u2 := NewUploadStream(c, nil)
	if u1.StreamID() == u2.StreamID() {
		t.Error("expected distinct stream ids")
	}
	d1 := NewDownloadStream(c, false)
	d2 := NewDownloadStream(c, false)
	if d1.StreamID() == d2.StreamID() || d1.StreamID() == u1.StreamID() {
		t.Error("expected distinct download stream ids")
	}
}
