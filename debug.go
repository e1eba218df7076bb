package mapi

import "time"

// DebugSink is the entire observability surface of the core (§6
// "Environment integration"). It is optional: a nil sink is replaced by a
// no-op sink, which is still called for every traced line.
type DebugSink interface {
	// Trace receives one tagged line: this package emits "RX" for each
	// line read from the server and "TX" for each request written (both
	// at the line layer, in command.go and handshake.go) and emits no
	// "RD" or "TD" lines. connID identifies the connection (§3
	// ConnInfo/uuid correlation), and at is the time the line was
	// recorded.
	Trace(tag string, connID string, at time.Time, data []byte)
}

// noopSink is used whenever a Conn has no DebugSink configured.
type noopSink struct{}

func (noopSink) Trace(string, string, time.Time, []byte) {}

// debugger is a tiny helper so call sites read like "conn.debug.trace(...)"
// without nil checks scattered everywhere.
type debugger struct {
	sink   DebugSink
	connID string
}

func newDebugger(sink DebugSink, connID string) debugger {
	if sink == nil {
		sink = noopSink{}
	}
	return debugger{sink: sink, connID: connID}
}

func (d debugger) trace(tag string, data []byte) {
	d.sink.Trace(tag, d.connID, time.Now(), data)
}
