package mapi

import (
	"crypto/sha256"
	"testing"
)

func TestChooseHashAlgoPicksStrongest(t *testing.T) {
	algo, err := chooseHashAlgo([]string{"SHA1", "SHA256", "SHA512"}, nil)
	if err != nil {
		t.Fatalf("chooseHashAlgo: %v", err)
	}
	if algo.mapiName != "SHA512" {
		t.Errorf("got %s, want SHA512", algo.mapiName)
	}
}

func TestChooseHashAlgoRespectsUserSubset(t *testing.T) {
	algo, err := chooseHashAlgo([]string{"SHA1", "SHA256", "SHA512"}, []string{"SHA256", "SHA1"})
	if err != nil {
		t.Fatalf("chooseHashAlgo: %v", err)
	}
	if algo.mapiName != "SHA256" {
		t.Errorf("got %s, want SHA256", algo.mapiName)
	}
}

func TestChooseHashAlgoNoCommonAlgorithm(t *testing.T) {
	_, err := chooseHashAlgo([]string{"MD5"}, nil)
	if err == nil {
		t.Fatal("expected an error when no algorithm is in common")
	}
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("got %T, want *AuthError", err)
	}
}

func TestNormalizeHashNameCaseAndSeparators(t *testing.T) {
	cases := map[string]string{
		"sha-256": "SHA256",
		"SHA_512": "SHA512",
		"sha1":    "SHA1",
	}
	for in, want := range cases {
		if got := normalizeHashName(in); got != want {
			t.Errorf("normalizeHashName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHexHashDeterministic(t *testing.T) {
	got := hexHash(sha256.New, []byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestPasswordHasherLookup(t *testing.T) {
	newHash, ok := passwordHasher("sha256")
	if !ok {
		t.Fatal("expected sha256 to be a recognized password hash algorithm")
	}
	if got := hexHash(newHash, []byte("abc")); got != hexHash(sha256.New, []byte("abc")) {
		t.Errorf("passwordHasher(sha256) did not resolve to crypto/sha256")
	}
}
