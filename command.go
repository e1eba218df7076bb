// Copyright 2016 The gmysql Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"fmt"
	"strconv"
	"strings"
)

// Language names one of the three request dialects the command pipeline
// knows how to frame (§4.6).
type Language string

const (
	LangSQL     Language = "sql"
	LangMAL     Language = "mal"
	LangControl Language = "control"
)

// commandTemplate is the (prefix, suffix) pair concatenated around a
// query/command body before it is sent (§4.6).
type commandTemplate struct {
	prefix string
	suffix string
}

var queryTemplates = map[Language]commandTemplate{
	LangSQL:     {"s", "\n;"},
	LangMAL:     {"", "\n"},
	LangControl: {"X", "\n"},
}

// SOHeaderKind identifies the single digit after '&' that starts a new
// result element (§4.6).
type SOHeaderKind int

const (
	SOTable        SOHeaderKind = 1
	SOUpdateCount  SOHeaderKind = 2
	SOSchemaChange SOHeaderKind = 3
	SOAutocommit   SOHeaderKind = 4
	SOPrepare      SOHeaderKind = 5
	SODataBlock    SOHeaderKind = 6
)

// ColumnMeta is one column's metadata, assembled from the "name" / "length"
// / "type" / "table_name" HEADER rows that follow a table SOHEADER (§4.6,
// §3 "Column buffer").
type ColumnMeta struct {
	Name      string
	Length    int
	Type      string
	TableName string
	kind      columnKind
}

// PrepareHandle is the minimal server-side handle produced by a "&5"
// prepare SOHEADER (§4.6). Building a full prepared-statement façade on
// top of it is explicitly out of this core's scope (§1); this only carries
// enough to let the command pipeline recognize and release/close it.
type PrepareHandle struct {
	ID         int
	ParamCount int
	conn       *Conn
}

// Release sends "release ID" for this handle (§4.6 control commands).
func (h *PrepareHandle) Release() error { return h.conn.Release(h.ID) }

// Close sends "close ID" for this handle (§4.6 control commands).
func (h *PrepareHandle) Close() error { return h.conn.CloseHandle(h.ID) }

// ResultElement is one dispatched element of a response (§4.6). Kind
// selects the field that carries it: Table for table results, Prepare for
// prepare results, UpdateCount for update counts and AutocommitOn for
// autocommit toggles; a schema-change element carries no value.
type ResultElement struct {
	Kind SOHeaderKind

	Table        *TableResult
	UpdateCount  int64
	AutocommitOn bool
	Prepare      *PrepareHandle
}

// Response is the full result of a single query/command (§4.6): zero or
// more result elements plus any warnings accumulated while draining it.
type Response struct {
	Elements []ResultElement
	Warnings []string
}

// AutoCommit sends the "auto_commit 0|1" control command (§4.6).
func (c *Conn) AutoCommit(enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	return c.execControl("auto_commit " + v)
}

// ReplySize sends the "reply_size N" control command (§4.6).
func (c *Conn) ReplySize(n int) error {
	return c.execControl("reply_size " + strconv.Itoa(n))
}

// Release sends the "release ID" control command (§4.6).
func (c *Conn) Release(id int) error {
	return c.execControl("release " + strconv.Itoa(id))
}

// CloseHandle sends the "close ID" control command (§4.6).
func (c *Conn) CloseHandle(id int) error {
	return c.execControl("close " + strconv.Itoa(id))
}

func (c *Conn) execControl(directive string) error {
	resp, err := c.send(LangControl, directive)
	if err != nil {
		return err
	}
	_ = resp
	return nil
}

// Query sends body framed for language and drains the full response into a
// Response (§4.6). Table elements carry a *TableResult whose rows have
// already been read off the connection; Next parses them one at a time.
func (c *Conn) Query(language Language, body string) (*Response, error) {
	return c.send(language, body)
}

func (c *Conn) send(language Language, body string) (*Response, error) {
	if c.closed {
		return nil, ErrInvalidConn
	}
	tmpl := queryTemplates[language]
	c.debug.trace("TX", []byte(tmpl.prefix+body+tmpl.suffix))

	if c.sender != nil {
		// Hand the write off to the background worker (§4.9) so a query
		// larger than the server's receive buffer can't deadlock against
		// a reader that hasn't started draining the response yet.
		c.sender.submit(tmpl.prefix, body, tmpl.suffix)
		if err := c.sender.getErrors(); err != nil {
			return nil, err
		}
	} else {
		if _, err := c.framer.Write([]byte(tmpl.prefix + body + tmpl.suffix)); err != nil {
			return nil, err
		}
		if err := c.framer.Flush(); err != nil {
			return nil, err
		}
	}
	c.reader.resetKind()

	return c.drainResponse()
}

// drainResponse reads lines until PROMPT, dispatching each by LineType
// (§4.6). The rows of a table element are read into its TableResult before
// the next line is dispatched (see bufferTupleLines). An ERROR line is
// reported only after the PROMPT has been read, so the connection is left
// at the start of the next response.
func (c *Conn) drainResponse() (*Response, error) {
	resp := &Response{}
	var serverErr *ServerError
	for {
		if err := c.reader.advance(); err != nil {
			return nil, err
		}
		line := c.reader.line()
		c.debug.trace("RX", line)

		switch c.reader.kind() {
		case LinePrompt:
			if serverErr != nil {
				return nil, serverErr
			}
			return resp, nil

		case LineError:
			// The reader has normalized the line to "!XXXXX!message".
			if serverErr == nil {
				serverErr = &ServerError{SQLState: sqlStateOf(string(line)), Message: string(line[7:])}
			}

		case LineInfo:
			resp.Warnings = append(resp.Warnings, string(line[1:]))

		case LineRedirect:
			resp.Warnings = append(resp.Warnings, "redirect ignored outside handshake: "+string(line[1:]))

		case LineSOHeader:
			elem, err := c.readResultElement(line)
			if err != nil {
				return nil, err
			}
			resp.Elements = append(resp.Elements, elem)

		case LineResult:
			// A scalar "=value" RESULT line with no preceding SOHEADER;
			// surface it as a one-row, one-column table for uniformity.
			tr := &TableResult{conn: c, columns: []ColumnMeta{{Name: "", Type: "varchar", kind: columnString}}}
			tr.pending = append(tr.pending, append([]byte(nil), line...))
			tr.done = true
			resp.Elements = append(resp.Elements, ResultElement{Kind: SOTable, Table: tr})

		default:
			// UNKNOWN lines are tolerated; MAPI servers occasionally emit
			// informational chatter outside the tagged set.
		}
	}
}

// readResultElement parses one "&K ..." SOHEADER line and, for table
// results, the HEADER metadata rows that follow it (§4.6).
func (c *Conn) readResultElement(soheader []byte) (ResultElement, error) {
	fields := strings.Fields(string(soheader[1:]))
	if len(fields) == 0 {
		return ResultElement{}, &ProtocolError{Message: "empty SOHEADER"}
	}
	kindNum, err := strconv.Atoi(fields[0])
	if err != nil {
		return ResultElement{}, &ProtocolError{Message: "malformed SOHEADER: " + string(soheader)}
	}
	kind := SOHeaderKind(kindNum)

	switch kind {
	case SOUpdateCount:
		// "&2 <rowcount> <lastid>": the affected-row count comes immediately
		// after the kind digit, followed by the last-generated id.
		var count int64
		if len(fields) > 1 {
			count, _ = strconv.ParseInt(fields[1], 10, 64)
		}
		return ResultElement{Kind: kind, UpdateCount: count}, nil

	case SOSchemaChange:
		return ResultElement{Kind: kind}, nil

	case SOAutocommit:
		on := len(fields) > 1 && fields[1] == "1"
		return ResultElement{Kind: kind, AutocommitOn: on}, nil

	case SOPrepare:
		id := 0
		params := 0
		if len(fields) > 1 {
			id, _ = strconv.Atoi(fields[1])
		}
		if len(fields) > 4 {
			params, _ = strconv.Atoi(fields[4])
		}
		return ResultElement{Kind: kind, Prepare: &PrepareHandle{ID: id, ParamCount: params, conn: c}}, nil

	case SOTable, SODataBlock:
		rowCount := 0
		colCount := 0
		if len(fields) > 2 {
			rowCount, _ = strconv.Atoi(fields[2])
		}
		if len(fields) > 3 {
			colCount, _ = strconv.Atoi(fields[3])
		}
		columns, err := c.readColumnHeaders(colCount)
		if err != nil {
			return ResultElement{}, err
		}
		tr := &TableResult{conn: c, columns: columns, rowCount: rowCount}
		if err := c.bufferTupleLines(tr, rowCount); err != nil {
			return ResultElement{}, err
		}
		return ResultElement{Kind: SOTable, Table: tr}, nil

	default:
		return ResultElement{}, &ProtocolError{Message: fmt.Sprintf("unknown SOHEADER kind %d", kind)}
	}
}

// readColumnHeaders reads the "% ... # name" / "% ... # type" / "% ... #
// table_name" / "% ... # length" HEADER rows following a table SOHEADER,
// stopping (and pushing back) at the first non-HEADER line (§4.6). colCount
// is informational only; servers may omit it.
func (c *Conn) readColumnHeaders(colCount int) ([]ColumnMeta, error) {
	var names, types, tableNames []string
	var lengths []int

	for {
		if err := c.reader.advance(); err != nil {
			return nil, err
		}
		line := c.reader.line()
		if c.reader.kind() != LineHeader {
			c.reader.pushback(append([]byte(nil), line...))
			return buildColumns(names, types, tableNames, lengths), nil
		}

		hashIdx := strings.IndexByte(string(line), '#')
		if hashIdx < 0 {
			continue
		}
		valuesPart := strings.TrimSpace(string(line[1:hashIdx]))
		tag := strings.TrimSpace(string(line[hashIdx+1:]))
		values := strings.Split(valuesPart, ",\t")
		if len(values) == 1 {
			values = strings.Split(valuesPart, ",")
		}
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}

		switch tag {
		case "name":
			names = values
		case "type":
			types = values
		case "table_name":
			tableNames = values
		case "length":
			lengths = make([]int, len(values))
			for i, v := range values {
				lengths[i], _ = strconv.Atoi(v)
			}
		}
	}
}

// bufferTupleLines eagerly reads rowCount RESULT lines straight into tr's
// pending buffer (§4.6, §4.7 "Column buffer"). A table's rows sit directly
// in the response stream between its HEADER rows and the next element (or
// PROMPT), with no terminator of their own, so drainResponse's dispatch
// loop cannot safely interleave reading them lazily alongside any further
// elements the same response may carry (update counts from a later
// statement in a batch, for instance); buffering the known row count here
// keeps TableResult's lazy Next()/Row() API while letting the dispatch loop
// move past this element cleanly.
func (c *Conn) bufferTupleLines(tr *TableResult, rowCount int) error {
	for i := 0; i < rowCount; i++ {
		if err := c.reader.advance(); err != nil {
			return err
		}
		if c.reader.kind() != LineResult {
			return &ProtocolError{Message: "expected tuple line, got: " + string(c.reader.line())}
		}
		tr.pending = append(tr.pending, append([]byte(nil), c.reader.line()...))
	}
	tr.done = true
	return nil
}

func buildColumns(names, types, tableNames []string, lengths []int) []ColumnMeta {
	cols := make([]ColumnMeta, len(names))
	for i, name := range names {
		cols[i].Name = name
		if i < len(types) {
			cols[i].Type = types[i]
			cols[i].kind = columnKindOf(types[i])
		}
		if i < len(tableNames) {
			cols[i].TableName = tableNames[i]
		}
		if i < len(lengths) {
			cols[i].Length = lengths[i]
		}
	}
	return cols
}
