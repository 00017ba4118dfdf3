// Package rnscrypto collects the cryptographic primitives the rest of the
// stack builds on: X25519 ECDH, Ed25519 signatures, HKDF-SHA256, and the
// Token cipher (AES-256-CBC + HMAC-SHA256) used for link and ECIES payload
// encryption. Every primitive here is a free function, the same shape the
// teacher's ntor package uses rather than a service object.
package rnscrypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// X25519KeyPair holds a Curve25519 scalar/point pair.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519 creates a fresh ephemeral X25519 keypair.
func GenerateX25519() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("generate x25519 private: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("derive x25519 public: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// X25519PublicFromPrivate derives the public point for a given X25519 scalar.
func X25519PublicFromPrivate(priv [32]byte) ([32]byte, error) {
	var out [32]byte
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return out, fmt.Errorf("derive x25519 public: %w", err)
	}
	copy(out[:], pub)
	return out, nil
}

// X25519ECDH computes the Diffie-Hellman shared secret priv*pub.
func X25519ECDH(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("x25519 ecdh: %w", err)
	}
	if isAllZero(shared) {
		return out, fmt.Errorf("x25519 ecdh produced all-zeros point")
	}
	copy(out[:], shared)
	return out, nil
}

func isAllZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// Ed25519KeyPair holds the expanded Ed25519 private key and its public half.
type Ed25519KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateEd25519 creates a fresh Ed25519 signing keypair.
func GenerateEd25519() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return Ed25519KeyPair{Private: priv, Public: pub}, nil
}

// Sign produces a 64-byte Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// HKDFSHA256 derives length bytes of key material from ikm, salt and info.
func HKDFSHA256(salt, ikm, info []byte, length int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("hkdf-sha256: %w", err)
	}
	return out, nil
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA512 returns the SHA-512 digest of data.
func SHA512(data []byte) [64]byte {
	return sha512.Sum512(data)
}

// HMACSHA256 returns the HMAC-SHA256 tag of data under key.
func HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// ConstantTimeEqual compares two byte slices without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
