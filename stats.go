package mapi

import "sync/atomic"

// ProtocolStats is a small set of per-connection counters updated by the
// block framer and tuple parser. It carries no goroutine and no
// pooling/health-check behavior — gathering counters is the only ambient
// instrumentation this core provides; reconnection and health monitoring
// belong to a layer above this poolless core.
type ProtocolStats struct {
	BlocksRead    int64
	BlocksWritten int64
	bytesRead     int64
	bytesWritten  int64
	TuplesParsed  int64
}

func (s *ProtocolStats) addRead(n int64)    { atomic.AddInt64(&s.bytesRead, n) }
func (s *ProtocolStats) addWritten(n int64) { atomic.AddInt64(&s.bytesWritten, n) }

// BytesRead returns the number of payload bytes read from the transport.
func (s *ProtocolStats) BytesRead() int64 { return atomic.LoadInt64(&s.bytesRead) }

// BytesWritten returns the number of payload bytes written to the transport.
func (s *ProtocolStats) BytesWritten() int64 { return atomic.LoadInt64(&s.bytesWritten) }
