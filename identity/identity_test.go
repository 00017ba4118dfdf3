package identity

import (
	"bytes"
	"testing"
)

// TestSaveLoadRoundTrip covers P1: load(save(I)).address == I.address and
// signatures produced by the reloaded identity verify under I's public key.
func TestSaveLoadRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	blob := id.Save()
	reloaded, err := Load(blob)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if reloaded.Address() != id.Address() {
		t.Fatalf("address mismatch after reload: %x != %x", reloaded.Address(), id.Address())
	}

	msg := []byte("a message worth signing")
	sig, err := reloaded.Sign(msg)
	if err != nil {
		t.Fatalf("reloaded.Sign: %v", err)
	}
	if !id.Verify(msg, sig) {
		t.Fatalf("original identity rejected signature produced after reload")
	}
}

func TestSaveLoadPublicOnly(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pubOnly, err := FromPublicBytes(id.PublicBytes())
	if err != nil {
		t.Fatalf("FromPublicBytes: %v", err)
	}
	if pubOnly.HasPrivate() {
		t.Fatalf("public-only identity reports HasPrivate")
	}
	if pubOnly.Address() != id.Address() {
		t.Fatalf("address is not a pure function of public halves")
	}

	blob := pubOnly.Save()
	reloaded, err := Load(blob)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.HasPrivate() {
		t.Fatalf("reloaded public-only identity reports HasPrivate")
	}
	if reloaded.Address() != id.Address() {
		t.Fatalf("public-only round trip changed address")
	}

	if _, err := pubOnly.Sign([]byte("x")); err == nil {
		t.Fatalf("expected Sign on public-only identity to fail")
	}
}

func TestAddressIsFunctionOfPublicHalvesOnly(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pubOnly, err := FromPublicBytes(id.PublicBytes())
	if err != nil {
		t.Fatalf("FromPublicBytes: %v", err)
	}
	if pubOnly.Address() != id.Address() {
		t.Fatalf("addresses diverge between full and public-only identity constructed from same public bytes")
	}
}

func TestECIESRoundTrip(t *testing.T) {
	peer, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	plaintext := []byte("opaque command request bytestring")

	ciphertext, err := Encrypt(peer, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := peer.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("ECIES round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestECIESDecryptFailsForWrongIdentity(t *testing.T) {
	peer, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ciphertext, err := Encrypt(peer, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := other.Decrypt(ciphertext); err == nil {
		t.Fatalf("expected decrypt under the wrong identity to fail")
	}
}
