// Copyright 2016 The gmysql Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"encoding/hex"
	"math"
	"strconv"
	"sync/atomic"
)

// columnKind is the per-column dispatch tag computed once from the HEADER
// "type" row and cached on ColumnMeta, rather than re-derived from the
// type string on every row (§9 design note: "the column-kind tag is
// computed once per result, not per row").
type columnKind int

const (
	columnString columnKind = iota
	columnBoolean
	columnTinyint
	columnSmallint
	columnInteger
	columnBigint
	columnReal
	columnDouble
	columnDecimal
	columnDate
	columnTime
	columnTimeTZ
	columnTimestamp
	columnTimestampTZ
	columnBlob
	columnOther
)

func columnKindOf(typeName string) columnKind {
	switch typeName {
	case "boolean":
		return columnBoolean
	case "tinyint":
		return columnTinyint
	case "smallint":
		return columnSmallint
	case "int", "integer", "month_interval":
		return columnInteger
	case "bigint", "sec_interval", "hugeint":
		return columnBigint
	case "real":
		return columnReal
	case "double":
		return columnDouble
	case "decimal", "numeric":
		return columnDecimal
	case "date":
		return columnDate
	case "time":
		return columnTime
	case "timetz":
		return columnTimeTZ
	case "timestamp":
		return columnTimestamp
	case "timestamptz":
		return columnTimestampTZ
	case "blob":
		return columnBlob
	case "char", "varchar", "clob", "str":
		return columnString
	default:
		return columnOther
	}
}

// Null sentinels (§3 "Null sentinels"), matching MonetDB's historical
// convention of reusing the type's minimum representable value rather than
// a side-channel null bitmap.
const (
	nullTinyint  = math.MinInt8
	nullSmallint = math.MinInt16
	nullInteger  = math.MinInt32
	nullBigint   = math.MinInt64
)

var (
	nullReal   = math.SmallestNonzeroFloat32
	nullDouble = math.SmallestNonzeroFloat64
)

// Value is one decoded cell. Kind selects the meaningful typed field: I64
// for boolean and integer kinds, F64 for real and double, Blob for blob and
// Str for the rest; a decimal cell fills both Str (the literal) and F64.
// Null reports whether the cell held the column type's null sentinel.
type Value struct {
	Kind columnKind
	Null bool

	Str  string
	I64  int64
	F64  float64
	Blob []byte
}

// TableResult holds the rows of one "&1"/"&6" table result element (§4.6,
// §4.7). Its tuple lines are read off the connection into pending when the
// element is dispatched; Next parses them lazily, one line per call.
type TableResult struct {
	conn    *Conn
	columns []ColumnMeta

	rowCount int
	row      []Value
	scratch  []byte // reused across Next() calls to avoid per-row allocation (§4.7)

	pending [][]byte // pre-buffered lines: the table's rows, or the scalar "=value" line
	done    bool
	err     error
}

// Columns returns the result's column metadata.
func (t *TableResult) Columns() []ColumnMeta { return t.columns }

// Err returns the first error encountered by Next, if any.
func (t *TableResult) Err() error { return t.err }

// Next advances to the next row, parsing it into t's reusable Value slice
// (retrieved via Row). It returns false at end of result or on error; check
// Err to distinguish the two.
func (t *TableResult) Next() bool {
	if t.err != nil || t.done && len(t.pending) == 0 {
		return false
	}

	var line []byte
	if len(t.pending) > 0 {
		line = t.pending[0]
		t.pending = t.pending[1:]
	} else {
		if err := t.conn.reader.advance(); err != nil {
			t.err = err
			return false
		}
		switch t.conn.reader.kind() {
		case LineResult:
			line = t.conn.reader.line()
		case LinePrompt, LineSOHeader, LineError:
			// End of this table's rows; push the line back so the caller's
			// drainResponse loop (or the next Next on a sibling result)
			// sees it.
			t.conn.reader.pushback(append([]byte(nil), t.conn.reader.line()...))
			t.done = true
			return false
		default:
			t.done = true
			return false
		}
	}

	row, err := parseTupleLine(line, t.columns, &t.scratch)
	if err != nil {
		t.err = err
		return false
	}
	t.row = row
	if t.conn.stats != nil {
		atomic.AddInt64(&t.conn.stats.TuplesParsed, 1)
	}
	return true
}

// Row returns the most recently parsed row. Its backing array is reused by
// the next call to Next; copy values out if they must outlive that call.
func (t *TableResult) Row() []Value { return t.row }

// Close drains any remaining rows so the connection can issue its next
// command; it is safe to call at any point, including after Next has
// already returned false.
func (t *TableResult) Close() error {
	for t.Next() {
	}
	return t.err
}

// parseTupleLine implements §4.7: scans line byte by byte tracking
// in_string/escaped/field_has_escape, splits on unescaped field-boundary
// tabs, and dispatches each field to a type-specific decoder selected by
// columns[i].kind. scratch is reused for unescaping quoted fields across
// calls.
func parseTupleLine(line []byte, columns []ColumnMeta, scratch *[]byte) ([]Value, error) {
	if scratch == nil {
		scratch = new([]byte)
	}
	if len(line) > 0 && line[0] == '=' {
		if len(columns) != 1 {
			return nil, &ProtocolError{Message: "scalar RESULT line with non-unary schema"}
		}
		v, err := decodeField(line[1:], columns[0].kind, false, scratch)
		if err != nil {
			return nil, err
		}
		return []Value{v}, nil
	}

	if len(line) < 2 || line[0] != '[' {
		return nil, &ProtocolError{Message: "malformed tuple line"}
	}
	body := line[1:]
	if n := len(body); n > 0 && body[n-1] == ']' {
		body = body[:n-1]
	}

	values := make([]Value, 0, len(columns))
	fieldStart := 0
	inString := false
	escaped := false
	fieldHasEscape := false

	flush := func(end int) error {
		field := body[fieldStart:end]
		// Fields are separated by ",\t"; trim any leading spaces or tabs
		// left by that convention as well as the ", " the server sometimes uses.
		for len(field) > 0 && (field[0] == ' ' || field[0] == '\t') {
			field = field[1:]
		}
		idx := len(values)
		if idx >= len(columns) {
			return &ProtocolError{Message: "too many tuple fields"}
		}
		v, err := decodeField(field, columns[idx].kind, fieldHasEscape, scratch)
		if err != nil {
			return err
		}
		values = append(values, v)
		fieldHasEscape = false
		return nil
	}

	i := 0
	for i < len(body) {
		b := body[i]
		switch {
		case escaped:
			escaped = false
		case b == '\\' && inString:
			escaped = true
			fieldHasEscape = true
		case b == '"':
			inString = !inString
		case b == '\t' && !inString:
			// A field boundary tab is either preceded by ',' or is the
			// final tab before the (already-stripped) closing ']' (§4.7
			// step 2, rule (b)).
			if i > 0 && body[i-1] == ',' {
				if err := flush(i - 1); err != nil {
					return nil, err
				}
				fieldStart = i + 1
			} else if i == len(body)-1 {
				if err := flush(i); err != nil {
					return nil, err
				}
				fieldStart = i + 1
			}
		}
		i++
	}
	if fieldStart < len(body) {
		if err := flush(len(body)); err != nil {
			return nil, err
		}
	}

	if len(values) != len(columns) {
		return nil, ErrColumnCount
	}
	return values, nil
}

// decodeField decodes one already-isolated field per §4.7 step 3. scratch
// is the connection's reusable unescape buffer (§4.7 "Goal"): quoted
// fields with escapes are decoded into it rather than a fresh allocation,
// and only copied out into the returned Value's string once.
func decodeField(field []byte, kind columnKind, hasEscape bool, scratch *[]byte) (Value, error) {
	if len(field) >= 2 && field[0] == '"' && field[len(field)-1] == '"' {
		inner := field[1 : len(field)-1]
		if hasEscape {
			decoded := unescapeInto(scratch, inner)
			return Value{Kind: kind, Str: string(decoded)}, nil
		}
		return Value{Kind: kind, Str: string(inner)}, nil
	}
	if len(field) == 4 && field[0] == 'N' && field[1] == 'U' && field[2] == 'L' && field[3] == 'L' {
		return nullValue(kind), nil
	}
	return parseTyped(field, kind)
}

// unescapeInto decodes \\ \" \n \t \r \f and three-digit octal \DDD (§4.7
// step 3) into *scratch, reusing and growing that buffer across calls
// instead of allocating a fresh one per field. Any other \x collapses to
// x rather than failing. The returned slice aliases *scratch and is only
// valid until the next call.
func unescapeInto(scratch *[]byte, in []byte) []byte {
	out := (*scratch)[:0]
	if cap(out) < len(in) {
		out = make([]byte, 0, len(in))
	}
	for i := 0; i < len(in); i++ {
		if in[i] != '\\' || i == len(in)-1 {
			out = append(out, in[i])
			continue
		}
		next := in[i+1]
		switch next {
		case '\\':
			out = append(out, '\\')
			i++
		case '"':
			out = append(out, '"')
			i++
		case 'n':
			out = append(out, '\n')
			i++
		case 't':
			out = append(out, '\t')
			i++
		case 'r':
			out = append(out, '\r')
			i++
		case 'f':
			out = append(out, '\f')
			i++
		default:
			if next >= '0' && next <= '3' && i+3 < len(in) &&
				isOctalDigit(in[i+2]) && isOctalDigit(in[i+3]) {
				val := int(next-'0')*64 + int(in[i+2]-'0')*8 + int(in[i+3]-'0')
				if val <= 0xFF {
					out = append(out, byte(val))
					i += 3
					continue
				}
			}
			// Invalid octal escape or unrecognized \x: emit the raw
			// character and drop the backslash (§4.7 step 3, §9).
			out = append(out, next)
			i++
		}
	}
	*scratch = out
	return out
}

func isOctalDigit(b byte) bool { return b >= '0' && b <= '7' }

func nullValue(kind columnKind) Value {
	switch kind {
	case columnBoolean, columnTinyint:
		return Value{Kind: kind, Null: true, I64: nullTinyint}
	case columnSmallint:
		return Value{Kind: kind, Null: true, I64: nullSmallint}
	case columnInteger:
		return Value{Kind: kind, Null: true, I64: nullInteger}
	case columnBigint:
		return Value{Kind: kind, Null: true, I64: nullBigint}
	case columnReal:
		return Value{Kind: kind, Null: true, F64: float64(nullReal)}
	case columnDouble:
		return Value{Kind: kind, Null: true, F64: nullDouble}
	default:
		return Value{Kind: kind, Null: true}
	}
}

// parseTyped dispatches an unquoted, non-NULL field to its type-specific
// fast parser (§4.7 step 3).
func parseTyped(field []byte, kind columnKind) (Value, error) {
	switch kind {
	case columnBoolean:
		switch string(field) {
		case "true", "1":
			return Value{Kind: kind, I64: 1}, nil
		default:
			return Value{Kind: kind, I64: 0}, nil
		}
	case columnTinyint, columnSmallint, columnInteger, columnBigint:
		n, err := parseIntFast(field)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, I64: n}, nil
	case columnReal, columnDouble:
		f, err := strconv.ParseFloat(string(field), 64)
		if err != nil {
			return Value{}, &ProtocolError{Message: "malformed float: " + string(field)}
		}
		return Value{Kind: kind, F64: f}, nil
	case columnDecimal:
		// Decimal arrives as a plain digit string with an implicit decimal
		// point; callers needing the scale consult ColumnMeta.Length. Kept
		// as the literal string plus a best-effort float for convenience.
		f, _ := strconv.ParseFloat(string(field), 64)
		return Value{Kind: kind, F64: f, Str: string(field)}, nil
	case columnBlob:
		decoded, err := hex.DecodeString(string(field))
		if err != nil {
			return Value{}, &ProtocolError{Message: "malformed blob hex: " + err.Error()}
		}
		return Value{Kind: kind, Blob: decoded}, nil
	case columnDate, columnTime, columnTimeTZ, columnTimestamp, columnTimestampTZ, columnString, columnOther:
		return Value{Kind: kind, Str: string(field)}, nil
	default:
		return Value{Kind: kind, Str: string(field)}, nil
	}
}

// parseIntFast parses a signed integer digit-by-digit, without an
// intermediate string allocation, per §4.7's "Integer fast-path". An
// embedded '.' terminates the scan early (decimal intervals render as
// "NNN.MMM"); any other non-digit byte is a protocol error.
func parseIntFast(field []byte) (int64, error) {
	if len(field) == 0 {
		return 0, &ProtocolError{Message: "empty integer field"}
	}
	neg := false
	i := 0
	if field[0] == '-' {
		neg = true
		i = 1
	}
	if i >= len(field) {
		return 0, &ProtocolError{Message: "malformed integer: " + string(field)}
	}
	var n int64
	for ; i < len(field); i++ {
		b := field[i]
		if b == '.' {
			break
		}
		if b < '0' || b > '9' {
			return 0, &ProtocolError{Message: "malformed integer: " + string(field)}
		}
		n = n*10 + int64(b-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}
