// Copyright 2016 The gmysql Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRedirectTTL bounds the number of Redirected -> Init transitions a
// single Handshake call will follow (§4.4).
const DefaultRedirectTTL = 10

// supportedProtocolVersion is the only MAPI protocol version this core
// understands (§3 "Server challenge").
const supportedProtocolVersion = "9"

// OptionsCallback is invoked once per <language>=<level> pair advertised in
// the challenge's options_spec field (§4.4.1). It may call contribute for
// any option whose level is strictly less than the announced level;
// contributions are concatenated into the authentication response line.
type OptionsCallback func(language string, level int, contribute func(field string, value int))

// HandshakeOptions configures a single connection attempt.
type HandshakeOptions struct {
	// Dialer is used to open the network connection. Defaults to a
	// net.Dialer using Timeout below.
	Dialer    *net.Dialer
	Timeout   time.Duration
	Options   OptionsCallback
	DebugSink DebugSink
	RedirectTTL int // 0 means DefaultRedirectTTL
}

// serverChallenge is the parsed "salt:kind:version:hashes:endian:pwhash[:opts][:binary]"
// record (§3).
type serverChallenge struct {
	salt            string
	serverKind      string
	version         string
	supportedHashes []string
	endianness      string
	passwordHashAlgo string
	optionsSpec     string
	binarySpec      string
	acceptsClientInfo bool
}

func parseChallenge(line []byte) (serverChallenge, error) {
	fields := strings.Split(string(line), ":")
	if len(fields) < 6 {
		return serverChallenge{}, &AuthError{Message: "challenge has fewer than 6 fields"}
	}
	c := serverChallenge{
		salt:             fields[0],
		serverKind:       fields[1],
		version:          fields[2],
		supportedHashes:  splitNonEmpty(fields[3], ","),
		endianness:       fields[4],
		passwordHashAlgo: fields[5],
	}
	if len(fields) > 6 {
		c.optionsSpec = fields[6]
	}
	if len(fields) > 7 {
		c.binarySpec = fields[7]
	}
	c.acceptsClientInfo = len(fields) >= 9
	if c.version != supportedProtocolVersion {
		return serverChallenge{}, &AuthError{Message: "unsupported protocol version " + c.version}
	}
	return c, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}

// ConnInfo is a read-only snapshot of an established session (§3).
type ConnInfo struct {
	ServerKind   string
	ChosenHash   string
	Warnings     []string
	TLSState     *tls.ConnectionState
	ID           string
}

// Handshake drives the Init -> ... -> Established state machine of §4.4
// against target, following redirects up to opts.RedirectTTL (or
// DefaultRedirectTTL).
func Handshake(ctx context.Context, target *Target, opts HandshakeOptions) (*Conn, *ConnInfo, error) {
	ttl := opts.RedirectTTL
	if ttl <= 0 {
		ttl = DefaultRedirectTTL
	}

	cur := target
	var warnings []string
	connID := uuid.New().String()
	dbg := newDebugger(opts.DebugSink, connID)

	var nc net.Conn
	var framer *blockFramer
	var reader *lineReader
	var err error

	for {
		if nc == nil {
			nc, err = dialTarget(ctx, cur, opts)
			if err != nil {
				return nil, nil, err
			}
			if !cur.TLS {
				if _, werr := nc.Write(make([]byte, 8)); werr != nil {
					nc.Close()
					return nil, nil, &IOError{Op: "write TLS probe", Err: werr}
				}
			} else {
				tlsCfg, terr := buildTLSConfig(cur)
				if terr != nil {
					nc.Close()
					return nil, nil, terr
				}
				tconn := tls.Client(nc, tlsCfg)
				if herr := tconn.HandshakeContext(ctx); herr != nil {
					nc.Close()
					return nil, nil, &TLSError{Mode: "handshake", Err: herr}
				}
				nc = tconn
			}
			framer = newBlockFramer(nc, &ProtocolStats{})
			reader = newLineReader(framer)
		}

		if err := reader.advance(); err != nil {
			nc.Close()
			return nil, nil, err
		}
		if reader.kind() == LineError {
			msg := string(reader.line())
			nc.Close()
			return nil, nil, &ServerError{SQLState: sqlStateOf(msg), Message: msg[7:]}
		}
		challengeLine := append([]byte(nil), reader.line()...)
		dbg.trace("RX", challengeLine)

		if err := reader.advance(); err != nil || reader.kind() != LinePrompt {
			nc.Close()
			return nil, nil, &ProtocolError{Message: "challenge not followed by a prompt"}
		}

		challenge, err := parseChallenge(challengeLine)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}

		algo, err := chooseHashAlgo(challenge.supportedHashes, cur.HashAlgos)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}

		respLine, err := buildAuthResponse(cur, challenge, algo, opts.Options)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}

		dbg.trace("TX", []byte(respLine))
		if _, werr := framer.Write([]byte(respLine)); werr != nil {
			nc.Close()
			return nil, nil, werr
		}
		if werr := framer.Flush(); werr != nil {
			nc.Close()
			return nil, nil, werr
		}

		var errs []string
		var redirect string
		reader.resetKind()
	drain:
		for {
			if err := reader.advance(); err != nil {
				nc.Close()
				return nil, nil, err
			}
			line := reader.line()
			switch reader.kind() {
			case LinePrompt:
				break drain
			case LineError:
				errs = append(errs, string(line))
			case LineInfo:
				warnings = append(warnings, string(line[1:]))
			case LineRedirect:
				if redirect == "" {
					redirect = string(line[1:])
				}
			}
		}

		if len(errs) > 0 {
			nc.Close()
			return nil, nil, &AuthError{Message: strings.Join(errs, "\n")}
		}

		if redirect != "" {
			ttl--
			if ttl < 0 {
				nc.Close()
				return nil, nil, &RedirectExhaustedError{TTL: opts.redirectTTLOrDefault()}
			}
			next, scheme, perr := parseRedirect(redirect)
			if perr != nil {
				nc.Close()
				return nil, nil, perr
			}
			merged := mergeRedirectTarget(cur, next)
			cur = merged
			if scheme == "merovingian" {
				// proxy is about to forward: do not close, just re-arm
				// the reader and re-enter the challenge read.
				reader.resetKind()
				continue
			}
			nc.Close()
			nc = nil
			continue
		}

		info := &ConnInfo{
			ServerKind: challenge.serverKind,
			ChosenHash: algo.mapiName,
			Warnings:   warnings,
			ID:         connID,
		}
		if tconn, ok := nc.(*tls.Conn); ok {
			state := tconn.ConnectionState()
			info.TLSState = &state
		}

		conn := &Conn{
			nc:     nc,
			framer: framer,
			reader: reader,
			target: cur,
			debug:  dbg,
			stats:  framer.stats,
			id:     connID,
		}
		return conn, info, nil
	}
}

func (o HandshakeOptions) redirectTTLOrDefault() int {
	if o.RedirectTTL <= 0 {
		return DefaultRedirectTTL
	}
	return o.RedirectTTL
}

func dialTarget(ctx context.Context, t *Target, opts HandshakeOptions) (net.Conn, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: opts.Timeout}
	}

	var nc net.Conn
	var err error
	if t.UnixSocket != "" {
		nc, err = dialer.DialContext(ctx, "unix", t.UnixSocket)
	} else {
		addr := net.JoinHostPort(t.Host, strconv.Itoa(t.EffectivePort()))
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &IOError{Op: "dial " + t.Redact(), Err: err}
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			nc.Close()
			return nil, &IOError{Op: "set TCP_NODELAY", Err: err}
		}
		if err := tc.SetKeepAlive(true); err != nil {
			nc.Close()
			return nil, &IOError{Op: "set SO_KEEPALIVE", Err: err}
		}
	}
	if opts.Timeout > 0 {
		nc.SetDeadline(time.Now().Add(opts.Timeout))
	}
	return nc, nil
}

// buildAuthResponse implements §4.4 step 6-8: scramble the password with
// the server-announced pre-hash algorithm, then with the chosen
// challenge-response algorithm, and format the response line. If the
// server identifies as "merovingian" and the requested language isn't
// "control", the user and password are both replaced with the literal
// "merovingian" — the proxy authenticates out of band.
func buildAuthResponse(t *Target, c serverChallenge, algo hashAlgo, cb OptionsCallback) (string, error) {
	user := t.User
	passwd := t.Passwd
	if c.serverKind == "merovingian" && t.Language != "control" {
		user = "merovingian"
		passwd = "merovingian"
	}

	preHasher, ok := passwordHasher(c.passwordHashAlgo)
	if !ok {
		return "", &AuthError{Message: "unsupported password_hash_algo: " + c.passwordHashAlgo}
	}
	pre := hexHash(preHasher, []byte(passwd))
	resp := hexHash(algo.new, []byte(pre), []byte(c.salt))

	options := collectOptions(c.optionsSpec, t.Language, cb)

	return fmt.Sprintf("BIG:%s:{%s}%s:%s:%s:FILETRANSFER:%s:\n",
		user, algo.mapiName, resp, t.Language, t.Database, options), nil
}

// collectOptions parses the challenge's "<language>=<level>" options_spec
// and invokes cb once per pair, gathering contributions into a
// comma-joined "name=value" list (§4.4.1).
func collectOptions(spec string, language string, cb OptionsCallback) string {
	if spec == "" || cb == nil {
		return ""
	}
	var contributed []string
	contribute := func(field string, value int) {
		contributed = append(contributed, fmt.Sprintf("%s=%d", field, value))
	}
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		level, err := strconv.Atoi(kv[1])
		if err != nil {
			continue
		}
		cb(kv[0], level, contribute)
	}
	return strings.Join(contributed, ",")
}

// parseRedirect splits a "mapi:monetdb://..." or "mapi:merovingian://proxy"
// redirect line into a Target overlay and its scheme name (§4.4 step 10).
// The merovingian case never carries a real host/port/db to redirect to —
// "proxy" is a fixed literal, not the next hop — so it is detected up front
// and returned as an empty overlay; running it through ParseTarget would
// hand mergeRedirectTarget a Target whose Host is the literal string
// "proxy", clobbering the connection's real host.
func parseRedirect(raw string) (*Target, string, error) {
	if strings.Contains(raw, "merovingian://") {
		return &Target{Port: -1}, "merovingian", nil
	}
	t, err := ParseTarget(raw, nil)
	if err != nil {
		return nil, "", err
	}
	return t, "monetdb", nil
}

// mergeRedirectTarget layers a redirect's fields on top of the current
// target without mutating either input (§3 "Lifecycle").
func mergeRedirectTarget(cur, next *Target) *Target {
	merged := cur.clone()
	if next.Host != "" {
		merged.Host = next.Host
		merged.UnixSocket = ""
	}
	if next.Port != -1 {
		merged.Port = next.Port
	}
	if next.Database != "" {
		merged.Database = next.Database
	}
	if next.TableSchema != "" {
		merged.TableSchema = next.TableSchema
	}
	if next.Table != "" {
		merged.Table = next.Table
	}
	return merged
}

// sqlStateOf extracts the 5-character SQLSTATE from a normalized ERROR
// line "!XXXXX!message".
func sqlStateOf(line string) string {
	if len(line) >= 7 && line[0] == '!' && line[6] == '!' {
		return line[1:6]
	}
	return "22000"
}
