package rnscrypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

func testKeys(t *testing.T) (signingKey, encryptionKey []byte) {
	t.Helper()
	derived, err := HKDFSHA256([]byte("salt"), bytes.Repeat([]byte{0x11}, 32), []byte("info"), TokenKeySize)
	if err != nil {
		t.Fatalf("HKDFSHA256: %v", err)
	}
	sk, ek, err := SplitTokenKey(derived)
	if err != nil {
		t.Fatalf("SplitTokenKey: %v", err)
	}
	return sk, ek
}

func TestTokenRoundTrip(t *testing.T) {
	sk, ek := testKeys(t)

	for _, plaintext := range [][]byte{
		{},
		[]byte("a"),
		bytes.Repeat([]byte{0xAB}, 15),
		bytes.Repeat([]byte{0xAB}, 16),
		bytes.Repeat([]byte{0xAB}, 383),
	} {
		wrapped, err := TokenEncrypt(sk, ek, plaintext)
		if err != nil {
			t.Fatalf("TokenEncrypt(len=%d): %v", len(plaintext), err)
		}
		got, err := TokenDecrypt(sk, ek, wrapped)
		if err != nil {
			t.Fatalf("TokenDecrypt(len=%d): %v", len(plaintext), err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round-trip mismatch: got %x, want %x", got, plaintext)
		}
	}
}

func TestTokenDecryptRejectsTamperedHMAC(t *testing.T) {
	sk, ek := testKeys(t)
	wrapped, err := TokenEncrypt(sk, ek, []byte("hello"))
	if err != nil {
		t.Fatalf("TokenEncrypt: %v", err)
	}
	wrapped[len(wrapped)-1] ^= 0x01

	_, err = TokenDecrypt(sk, ek, wrapped)
	if !errors.Is(err, rnserrors.ErrAuth) {
		t.Fatalf("TokenDecrypt error = %v, want rnserrors.ErrAuth", err)
	}
}

func TestTokenDecryptRejectsWrongSigningKey(t *testing.T) {
	sk, ek := testKeys(t)
	wrapped, err := TokenEncrypt(sk, ek, []byte("hello"))
	if err != nil {
		t.Fatalf("TokenEncrypt: %v", err)
	}

	wrongSK := append([]byte(nil), sk...)
	wrongSK[0] ^= 0xFF

	_, err = TokenDecrypt(wrongSK, ek, wrapped)
	if !errors.Is(err, rnserrors.ErrAuth) {
		t.Fatalf("TokenDecrypt error = %v, want rnserrors.ErrAuth", err)
	}
}
