// Copyright 2016 The gmysql Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"bytes"
	"log"
	"testing"
)

func TestErrorsSetLogger(t *testing.T) {
	previous := errLog
	defer func() { errLog = previous }()

	const expected = "prefix: test\n"
	buffer := bytes.NewBuffer(make([]byte, 0, 64))
	logger := log.New(buffer, "prefix: ", 0)

	if err := SetLogger(logger); err != nil {
		t.Fatalf("SetLogger returned error: %v", err)
	}
	errLog.Print("test")

	if actual := buffer.String(); actual != expected {
		t.Errorf("expected %q, got %q", expected, actual)
	}
}

func TestErrorsSetLoggerRejectsNil(t *testing.T) {
	if err := SetLogger(nil); err == nil {
		t.Error("expected an error setting a nil logger")
	}
}

func TestServerErrorFormatting(t *testing.T) {
	err := &ServerError{SQLState: "42000", Message: "syntax error"}
	if got, want := err.Error(), "!42000!syntax error"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
