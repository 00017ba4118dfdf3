package identity

import (
	"fmt"

	"github.com/wyre-mesh/reticulum-go/rnscrypto"
	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// eciesInfo is the HKDF info label for single-destination ECIES, mirroring
// the teacher's convention of a fixed protocol-id string as HKDF info
// (ntor.protoID) rather than an empty label.
const eciesInfo = "reticulum-ecies-v1"

// Encrypt implements single-destination ECIES: generate an ephemeral X25519
// keypair, ECDH with the peer's X25519 public key, HKDF(salt=peer address,
// ikm=ecdh, length=64) into a Token key pair, Token-encrypt, and prefix the
// ephemeral public key. The peer identity need only have public material.
func Encrypt(peer *Identity, plaintext []byte) ([]byte, error) {
	ephemeral, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("identity encrypt: generate ephemeral: %w", err)
	}

	shared, err := rnscrypto.X25519ECDH(ephemeral.Private, peer.X25519Public())
	if err != nil {
		return nil, fmt.Errorf("identity encrypt: ecdh: %w", err)
	}

	addr := peer.Address()
	derived, err := rnscrypto.HKDFSHA256(addr[:], shared[:], []byte(eciesInfo), rnscrypto.TokenKeySize)
	if err != nil {
		return nil, fmt.Errorf("identity encrypt: hkdf: %w", err)
	}
	signingKey, encryptionKey, err := rnscrypto.SplitTokenKey(derived)
	if err != nil {
		return nil, fmt.Errorf("identity encrypt: %w", err)
	}

	wrapped, err := rnscrypto.TokenEncrypt(signingKey, encryptionKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("identity encrypt: token encrypt: %w", err)
	}

	out := make([]byte, 0, 32+len(wrapped))
	out = append(out, ephemeral.Public[:]...)
	out = append(out, wrapped...)
	return out, nil
}

// Decrypt inverts Encrypt. It requires this identity's X25519 private key.
// Authentication failure (bad HMAC, truncated input) surfaces as
// rnserrors.ErrAuth.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
	if !id.hasPrivate {
		return nil, fmt.Errorf("identity decrypt: requires private key material")
	}
	if len(ciphertext) < 32 {
		return nil, fmt.Errorf("identity decrypt: ciphertext too short (%d bytes): %w", len(ciphertext), rnserrors.ErrAuth)
	}

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], ciphertext[:32])
	wrapped := ciphertext[32:]

	shared, err := rnscrypto.X25519ECDH(id.x25519Priv, ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("identity decrypt: ecdh: %w", err)
	}

	addr := id.Address()
	derived, err := rnscrypto.HKDFSHA256(addr[:], shared[:], []byte(eciesInfo), rnscrypto.TokenKeySize)
	if err != nil {
		return nil, fmt.Errorf("identity decrypt: hkdf: %w", err)
	}
	signingKey, encryptionKey, err := rnscrypto.SplitTokenKey(derived)
	if err != nil {
		return nil, fmt.Errorf("identity decrypt: %w", err)
	}

	plaintext, err := rnscrypto.TokenDecrypt(signingKey, encryptionKey, wrapped)
	if err != nil {
		return nil, fmt.Errorf("identity decrypt: %w", err)
	}
	return plaintext, nil
}
