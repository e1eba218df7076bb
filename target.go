// Copyright 2016 The gmysql Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// DefaultReplySize is used when the URL/overlay does not set one. MonetDB's
// own JDBC/ODBC drivers default to 200 (Open Question #1).
const DefaultReplySize = 200

const defaultPort = 50000

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)
var certHashPattern = regexp.MustCompile(`^sha256:[0-9a-fA-F:]+$`)

// Target is a validated, immutable bundle of connection parameters (§3).
// Once constructed it is not mutated for the rest of a connection attempt;
// a redirect produces a new Target layered on top of the previous one.
type Target struct {
	Host       string
	Port       int // -1 means unset (default 50000)
	UnixSocket string

	Database    string
	TableSchema string
	Table       string

	User   string
	Passwd string

	TLS      bool
	Cert     string // path to a PEM/DER cert for Cert-mode trust
	CertHash string // "sha256:...." prefix for Hash-mode trust
	ClientCert string
	ClientKey  string

	Language    string // "sql" (default), "mal", "control"
	AutoCommit  bool
	ReplySize   int
	Timezone    string
	HashAlgos   []string // user-preferred subset, in no particular order

	Binary int // negotiated binary-result level; -1 == unset

	Params map[string]string // unrecognized-but-namespaced (contains "_") keys
}

// ParseTarget normalizes a MonetDB URL (modern monetdb[s]:// or classic
// mapi:monetdb://|mapi:merovingian://) plus an overlay settings map into a
// Target (§4.3). The overlay wins over anything parsed from the URL.
func ParseTarget(rawURL string, overlay map[string]string) (*Target, error) {
	t := &Target{
		Port:      -1,
		Language:  "sql",
		ReplySize: DefaultReplySize,
		Binary:    -1,
		Params:    map[string]string{},
	}

	switch {
	case strings.HasPrefix(rawURL, "monetdb://"), strings.HasPrefix(rawURL, "monetdbs://"):
		if err := parseModernURL(t, rawURL); err != nil {
			return nil, err
		}
	case strings.HasPrefix(rawURL, "mapi:monetdb://"), strings.HasPrefix(rawURL, "mapi:merovingian://"):
		if err := parseClassicURL(t, rawURL); err != nil {
			return nil, err
		}
	default:
		return nil, &ConfigError{Message: "unrecognized URL scheme: " + rawURL}
	}

	for k, v := range overlay {
		if err := applyParam(t, k, v); err != nil {
			return nil, err
		}
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseModernURL(t *Target, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigError{Message: "invalid URL: " + err.Error()}
	}
	t.TLS = u.Scheme == "monetdbs"

	if u.Host != "" {
		t.Host = u.Hostname()
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return &ConfigError{Field: "port", Message: "not a number"}
			}
			t.Port = port
		}
	}

	if u.User != nil {
		t.User = u.User.Username()
		t.Passwd, _ = u.User.Password()
	}

	if err := applyPath(t, u.Path); err != nil {
		return err
	}

	for k, vs := range u.Query() {
		if len(vs) == 0 {
			continue
		}
		if err := applyParam(t, k, vs[len(vs)-1]); err != nil {
			return err
		}
	}
	return nil
}

// parseClassicURL handles "mapi:monetdb://[host[:port]][/db]?..." and
// "mapi:merovingian://proxy[?...]" and the unix-socket form
// "mapi:monetdb:///path/to/socket" (§4.3, §6).
func parseClassicURL(t *Target, raw string) error {
	rest := strings.TrimPrefix(raw, "mapi:")
	u, err := url.Parse(rest)
	if err != nil {
		return &ConfigError{Message: "invalid classic URL: " + err.Error()}
	}

	if u.Scheme == "merovingian" {
		t.Language = "control"
	}

	if u.Host == "" {
		// empty authority: classic URL maps to a Unix-domain socket at <path>.
		if u.Path != "" {
			t.UnixSocket = u.Path
		}
	} else {
		t.Host = u.Hostname()
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return &ConfigError{Field: "port", Message: "not a number"}
			}
			t.Port = port
		}
		if err := applyPath(t, u.Path); err != nil {
			return err
		}
	}

	for k, vs := range u.Query() {
		if len(vs) == 0 {
			continue
		}
		if err := applyParam(t, k, vs[len(vs)-1]); err != nil {
			return err
		}
	}
	return nil
}

// applyPath maps "/database[/schema[/table]]" onto the Target (§4.3).
func applyPath(t *Target, path string) error {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.SplitN(path, "/", 3)
	t.Database = parts[0]
	if len(parts) > 1 {
		t.TableSchema = parts[1]
	}
	if len(parts) > 2 {
		t.Table = parts[2]
	}
	return nil
}

// applyParam applies a single key=value setting, whether it came from the
// URL query string or the overlay map. Unknown keys are rejected unless
// they are namespaced with an underscore (reserved for extension).
func applyParam(t *Target, key, value string) error {
	decoded, err := url.QueryUnescape(value)
	if err == nil {
		value = decoded
	}

	switch key {
	case "host":
		t.Host = value
	case "port":
		p, err := strconv.Atoi(value)
		if err != nil {
			return &ConfigError{Field: "port", Message: "not a number"}
		}
		t.Port = p
	case "database":
		t.Database = value
	case "tableschema":
		t.TableSchema = value
	case "table":
		t.Table = value
	case "user":
		t.User = value
	case "password", "passwd":
		t.Passwd = value
	case "tls":
		b, ok := readBool(value)
		if !ok {
			return &ConfigError{Field: "tls", Message: "invalid boolean: " + value}
		}
		t.TLS = b
	case "cert":
		t.Cert = value
	case "certhash":
		t.CertHash = value
	case "clientcert":
		t.ClientCert = value
	case "clientkey":
		t.ClientKey = value
	case "language":
		t.Language = value
	case "autocommit":
		b, ok := readBool(value)
		if !ok {
			return &ConfigError{Field: "autocommit", Message: "invalid boolean: " + value}
		}
		t.AutoCommit = b
	case "replysize":
		n, err := strconv.Atoi(value)
		if err != nil {
			return &ConfigError{Field: "replysize", Message: "not a number"}
		}
		t.ReplySize = n
	case "timezone":
		t.Timezone = value
	case "hash":
		t.HashAlgos = strings.Split(value, ",")
	case "binary":
		n, ok, err := parseBinaryParam(value)
		if err != nil {
			return err
		}
		if !ok {
			return &ConfigError{Field: "binary", Message: "invalid value: " + value}
		}
		t.Binary = n
	case "unix_socket":
		t.UnixSocket = value
	default:
		if !strings.Contains(key, "_") {
			return &ConfigError{Field: key, Message: "unknown setting"}
		}
		t.Params[key] = value
	}
	return nil
}

func parseBinaryParam(value string) (int, bool, error) {
	if b, ok := readBool(value); ok {
		if b {
			return 65535, true, nil
		}
		return 0, true, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, nil
	}
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

func readBool(value string) (bool, bool) {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// Validate enforces the invariants of §3. A failure is a non-retriable
// ConfigError.
func (t *Target) Validate() error {
	hasSocket := t.UnixSocket != ""
	hasHost := t.Host != ""
	if hasSocket == hasHost {
		return &ConfigError{Message: "exactly one of unix-socket path or host must be set"}
	}
	if hasSocket && t.TLS {
		return &ConfigError{Message: "TLS is incompatible with unix-socket transport"}
	}
	if t.Port != -1 && (t.Port < 1 || t.Port > 65535) {
		return &ConfigError{Field: "port", Message: "must be -1 or in 1..65535"}
	}
	if t.CertHash != "" && !certHashPattern.MatchString(t.CertHash) {
		return &ConfigError{Field: "certhash", Message: "must begin sha256: followed by hex and colons"}
	}
	for name, v := range map[string]string{"database": t.Database, "tableschema": t.TableSchema, "table": t.Table} {
		if v != "" && !identPattern.MatchString(v) {
			return &ConfigError{Field: name, Message: "must match [A-Za-z_][A-Za-z0-9_.-]*"}
		}
	}
	if t.Table != "" && t.TableSchema == "" {
		return &ConfigError{Message: "non-empty table requires a non-empty tableschema"}
	}
	if t.TableSchema != "" && t.Database == "" {
		return &ConfigError{Message: "non-empty tableschema requires a non-empty database"}
	}
	if t.Binary != -1 && t.Binary < 0 {
		return &ConfigError{Field: "binary", Message: "must be a non-negative integer"}
	}
	if t.ClientCert != "" && t.ClientKey == "" {
		return &ConfigError{Message: "clientcert requires clientkey"}
	}
	return nil
}

// EffectivePort returns the port to dial: Port if set, else the MAPI
// default of 50000.
func (t *Target) EffectivePort() int {
	if t.Port == -1 {
		return defaultPort
	}
	return t.Port
}

// Redact renders the target for logs/errors with credentials masked. Never
// print a raw Target in a debug line (§4.3).
func (t *Target) Redact() string {
	passwd := ""
	if t.Passwd != "" {
		passwd = "***"
	}
	certHash := t.CertHash
	if idx := strings.Index(certHash, ":"); idx >= 0 && len(certHash) > idx+5 {
		certHash = certHash[:idx+5] + "***"
	}
	addr := t.Host
	if t.UnixSocket != "" {
		addr = t.UnixSocket
	}
	return fmt.Sprintf("user=%s passwd=%s addr=%s port=%d db=%s tls=%v certhash=%s",
		t.User, passwd, addr, t.EffectivePort(), t.Database, t.TLS, certHash)
}

// clone returns a deep-enough copy of t (Params and HashAlgos duplicated)
// so a redirect can be layered on top without mutating the original (§4.4
// step 10, §3 "Lifecycle").
func (t *Target) clone() *Target {
	c := *t
	c.Params = make(map[string]string, len(t.Params))
	for k, v := range t.Params {
		c.Params[k] = v
	}
	c.HashAlgos = append([]string(nil), t.HashAlgos...)
	return &c
}
