package mapi

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRW is an in-memory io.ReadWriteCloser used to drive the framer
// without a real socket.
type fakeRW struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (f *fakeRW) Read(p []byte) (int, error)  { return f.in.Read(p) }
func (f *fakeRW) Write(p []byte) (int, error) { return f.out.Write(p) }
func (f *fakeRW) Close() error                { return nil }

func newFakeRW() *fakeRW {
	return &fakeRW{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
}

func TestBlockFramerWriteSingleBlock(t *testing.T) {
	rw := newFakeRW()
	f := newBlockFramer(rw, &ProtocolStats{})

	payload := []byte("select 1;")
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	out := rw.out.Bytes()
	if len(out) != 2+len(payload) {
		t.Fatalf("got %d bytes, want %d", len(out), 2+len(payload))
	}
	length := int(out[0]>>1) | int(out[1])<<7
	last := out[0]&1 == 1
	if length != len(payload) || !last {
		t.Fatalf("got length=%d last=%v, want length=%d last=true", length, last, len(payload))
	}
	if !bytes.Equal(out[2:], payload) {
		t.Fatalf("payload mismatch: got %q", out[2:])
	}
}

func TestBlockFramerWriteMultiBlock(t *testing.T) {
	rw := newFakeRW()
	f := newBlockFramer(rw, &ProtocolStats{})

	payload := bytes.Repeat([]byte("x"), BlockSize+100)
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// First block: full BlockSize, not last.
	out := rw.out.Bytes()
	length := int(out[0]>>1) | int(out[1])<<7
	last := out[0]&1 == 1
	if length != BlockSize || last {
		t.Fatalf("first block: got length=%d last=%v", length, last)
	}
}

func TestBlockFramerReadRoundTrip(t *testing.T) {
	rw := newFakeRW()
	writer := newBlockFramer(rw, &ProtocolStats{})
	_, err := writer.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, writer.Flush())

	reader := &fakeRW{in: bytes.NewBuffer(rw.out.Bytes()), out: &bytes.Buffer{}}
	framer := newBlockFramer(reader, &ProtocolStats{})

	buf := make([]byte, 64)
	n, err := framer.Read(buf)
	require.NoError(t, err)

	// Last-block payload has the synthesized trailer appended (§4.1).
	want := append([]byte("hello\n"), append(append([]byte(nil), promptSentinel...), '\n')...)
	assert.Equal(t, want, buf[:n])
}

func TestBlockFramerRejectsOversizeBlock(t *testing.T) {
	rw := newFakeRW()
	// Hand-craft a header claiming a length above BlockSize.
	header := make([]byte, 2)
	l := (BlockSize + 1) << 1
	header[0] = byte(l)
	header[1] = byte(l >> 8)
	rw.in.Write(header)

	framer := newBlockFramer(rw, &ProtocolStats{})
	_, err := framer.Read(make([]byte, 16))
	require.Error(t, err)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestBlockFramerCloseIdempotent(t *testing.T) {
	rw := newFakeRW()
	f := newBlockFramer(rw, &ProtocolStats{})
	if err := f.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
