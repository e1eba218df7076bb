package mapi

import (
	"bytes"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		line []byte
		want LineType
	}{
		{"error", []byte("!42000!syntax error"), LineError},
		{"header", []byte("% name # name"), LineHeader},
		{"result-bracket", []byte("[ 1,\t2 ]"), LineResult},
		{"result-scalar", []byte("=42"), LineResult},
		{"soheader", []byte("&1 1 1"), LineSOHeader},
		{"redirect", []byte("^mapi:monetdb://host:50000/db"), LineRedirect},
		{"info", []byte("#some info"), LineInfo},
		{"prompt", []byte{0x01, 0x01}, LinePrompt},
		{"more", []byte{0x01, 0x02}, LineMore},
		{"filetransfer", []byte{0x01, 0x03}, LineFileTransfer},
		{"unknown", []byte("garbage"), LineUnknown},
		{"empty", nil, LineUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classify(c.line); got != c.want {
				t.Errorf("classify(%q) = %v, want %v", c.line, got, c.want)
			}
		})
	}
}

func TestNormalizeErrorLineInjectsSQLState(t *testing.T) {
	got := normalizeErrorLine([]byte("!table not found"))
	want := "!22000!table not found"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeErrorLinePassesThroughExistingState(t *testing.T) {
	line := []byte("!42S02!table not found")
	got := normalizeErrorLine(line)
	if string(got) != string(line) {
		t.Errorf("got %q, want unchanged %q", got, line)
	}
}

func TestLineReaderPushback(t *testing.T) {
	writer := newFakeRW()
	wf := newBlockFramer(writer, &ProtocolStats{})
	if _, err := wf.Write([]byte("% foo # name\n&1 1 1\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wf.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reader := newLineReader(newBlockFramer(&fakeRW{in: writer.out, out: &bytes.Buffer{}}, &ProtocolStats{}))

	if err := reader.advance(); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if reader.kind() != LineHeader {
		t.Fatalf("got kind %v, want LineHeader", reader.kind())
	}

	reader.pushback(append([]byte(nil), reader.line()...))
	if err := reader.advance(); err != nil {
		t.Fatalf("advance after pushback: %v", err)
	}
	if string(reader.line()) != "% foo # name" {
		t.Errorf("pushback did not replay the same line: got %q", reader.line())
	}
}
