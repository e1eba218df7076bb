// Copyright 2016 The gmysql Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
)

// trustMode names the three verification modes of §4.5.
type trustMode int

const (
	trustSystem trustMode = iota
	trustCert
	trustHash
)

func (m trustMode) String() string {
	switch m {
	case trustCert:
		return "cert"
	case trustHash:
		return "hash"
	default:
		return "system"
	}
}

// buildTLSConfig derives a *tls.Config from the target's TLS trust settings
// (§4.5). SNI is always the original hostname, never an IP literal. TLS 1.3
// is the minimum version accepted; servers offering only older versions are
// refused.
func buildTLSConfig(t *Target) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: t.Host,
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{"mapi/9"},
	}

	mode := trustSystem
	switch {
	case t.CertHash != "":
		mode = trustHash
	case t.Cert != "":
		mode = trustCert
	}

	switch mode {
	case trustHash:
		prefix := strings.TrimPrefix(t.CertHash, "sha256:")
		prefix = strings.ToLower(strings.ReplaceAll(prefix, ":", ""))
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return &TLSError{Mode: "hash", Err: fmt.Errorf("server presented no certificate")}
			}
			sum := sha256.Sum256(rawCerts[0])
			got := hex.EncodeToString(sum[:])
			if !strings.HasPrefix(got, prefix) {
				return &TLSError{Mode: "hash", Err: fmt.Errorf("leaf certificate hash %s does not start with %s", got, prefix)}
			}
			return nil
		}

	case trustCert:
		data, err := os.ReadFile(t.Cert)
		if err != nil {
			return nil, &TLSError{Mode: "cert", Err: err}
		}
		pool := x509.NewCertPool()
		if !appendCert(pool, data) {
			return nil, &TLSError{Mode: "cert", Err: fmt.Errorf("failed to parse certificate at %s", t.Cert)}
		}
		cfg.RootCAs = pool

	case trustSystem:
		// Uses the process-wide cached default trust store; see
		// defaultTrustStore below. Hostname verification stays enabled.
		cfg.RootCAs = defaultTrustStore()
	}

	if t.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, &TLSError{Mode: mode.String(), Err: err}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// appendCert accepts either PEM or DER encoded certificate bytes, since
// spec §4.5 allows either for the Cert trust mode.
func appendCert(pool *x509.CertPool, data []byte) bool {
	if pool.AppendCertsFromPEM(data) {
		return true
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return false
	}
	pool.AddCert(cert)
	return true
}

var (
	trustStoreMu    sync.Mutex
	cachedTrustStore *x509.CertPool
	trustStoreLoaded bool
)

// defaultTrustStore returns the process-wide cached platform trust store,
// initialized lazily under a mutex (§5, §9 "Global state"). A nil return
// leaves tls.Config.RootCAs unset, which falls back to the platform roots
// on its own.
func defaultTrustStore() *x509.CertPool {
	trustStoreMu.Lock()
	defer trustStoreMu.Unlock()
	if trustStoreLoaded {
		return cachedTrustStore
	}
	trustStoreLoaded = true
	if pool, err := x509.SystemCertPool(); err == nil {
		cachedTrustStore = pool
	}
	return cachedTrustStore
}
