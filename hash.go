package mapi

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
)

// hashAlgo names one of the challenge-response digests in preference order
// (§4.4 step 6): SHA-512, SHA-384, SHA-256, SHA-1, all stdlib crypto
// primitives.
type hashAlgo struct {
	mapiName string // name used inside "{name}" in the response line (§4.4 step 7)
	new      func() hash.Hash
}

// hashPreference lists the supported algorithms from strongest to weakest,
// matching §4.4 step 6's "SHA-512, SHA-384, SHA-256, SHA-1" order.
var hashPreference = []hashAlgo{
	{"SHA512", sha512.New},
	{"SHA384", sha512.New384},
	{"SHA256", sha256.New},
	{"SHA1", sha1.New},
}

// chooseHashAlgo intersects the server-offered algorithms with the
// caller-configured subset (if any) and picks the strongest available
// (§4.4 step 6, §8 "Hash selection"). An empty intersection is an
// AuthError.
func chooseHashAlgo(serverOffered []string, userAllowed []string) (hashAlgo, error) {
	offered := make(map[string]bool, len(serverOffered))
	for _, name := range serverOffered {
		offered[normalizeHashName(name)] = true
	}

	var allowed map[string]bool
	if len(userAllowed) > 0 {
		allowed = make(map[string]bool, len(userAllowed))
		for _, name := range userAllowed {
			allowed[normalizeHashName(name)] = true
		}
	}

	for _, cand := range hashPreference {
		if !offered[cand.mapiName] {
			continue
		}
		if allowed != nil && !allowed[cand.mapiName] {
			continue
		}
		return cand, nil
	}
	return hashAlgo{}, &AuthError{Message: "no supported hash algorithm in common with the server"}
}

func normalizeHashName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '-' || c == '_' || c == ' ' {
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// passwordHasher looks up the hash.Hash constructor the server named as its
// password_hash_algo (§3 "Server challenge"): the single algorithm the
// server used to pre-hash the stored password, independent of the
// challenge-response algorithm chosen in step 6.
func passwordHasher(name string) (func() hash.Hash, bool) {
	norm := normalizeHashName(name)
	for _, cand := range hashPreference {
		if cand.mapiName == norm {
			return cand.new, true
		}
	}
	return nil, false
}

// hexHash returns hex(h(data)).
func hexHash(newHash func() hash.Hash, data ...[]byte) string {
	h := newHash()
	for _, d := range data {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil))
}
