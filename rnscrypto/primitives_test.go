package rnscrypto

import (
	"bytes"
	"testing"
)

func TestX25519ECDHAgreement(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 alice: %v", err)
	}
	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 bob: %v", err)
	}

	aliceShared, err := X25519ECDH(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("alice ecdh: %v", err)
	}
	bobShared, err := X25519ECDH(bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("bob ecdh: %v", err)
	}
	if aliceShared != bobShared {
		t.Fatalf("shared secrets disagree: %x vs %x", aliceShared, bobShared)
	}
}

func TestEd25519SignVerify(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	msg := []byte("reticulum announce payload")
	sig := Sign(kp.Private, msg)
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64", len(sig))
	}
	if !Verify(kp.Public, msg, sig) {
		t.Fatalf("Verify rejected a valid signature")
	}

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0x01
	if Verify(kp.Public, msg, tampered) {
		t.Fatalf("Verify accepted a tampered signature")
	}
}

func TestHKDFSHA256Deterministic(t *testing.T) {
	ikm := bytes.Repeat([]byte{0x42}, 32)
	salt := []byte("salt")
	info := []byte("info")

	out1, err := HKDFSHA256(salt, ikm, info, 64)
	if err != nil {
		t.Fatalf("HKDFSHA256: %v", err)
	}
	out2, err := HKDFSHA256(salt, ikm, info, 64)
	if err != nil {
		t.Fatalf("HKDFSHA256: %v", err)
	}
	if !bytes.Equal(out1, out2) {
		t.Fatalf("HKDF output not deterministic for identical inputs")
	}

	out3, _ := HKDFSHA256([]byte("other-salt"), ikm, info, 64)
	if bytes.Equal(out1, out3) {
		t.Fatalf("HKDF output identical despite different salt")
	}
}
