package rnscrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// TokenKeySize is the length of the HKDF output split into a signing half
// and an encryption half for the Token cipher.
const TokenKeySize = 64

// SplitTokenKey splits a 64-byte derived key into its signing and encryption
// halves: signing_key = derived[0:32], encryption_key = derived[32:64].
func SplitTokenKey(derived []byte) (signingKey, encryptionKey []byte, err error) {
	if len(derived) != TokenKeySize {
		return nil, nil, fmt.Errorf("split token key: want %d bytes, got %d", TokenKeySize, len(derived))
	}
	return derived[0:32], derived[32:64], nil
}

// TokenEncrypt wraps plaintext as IV(16) || AES-256-CBC(plaintext) ||
// HMAC-SHA256(IV||ciphertext)(32), the same encrypt-then-MAC construction
// Reticulum calls its Token cipher.
func TokenEncrypt(signingKey, encryptionKey, plaintext []byte) ([]byte, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("token encrypt: encryption key must be 32 bytes, got %d", len(encryptionKey))
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("token encrypt: new aes cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("token encrypt: generate iv: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(iv)+len(ciphertext)+32)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	mac := HMACSHA256(signingKey, out)
	out = append(out, mac...)
	return out, nil
}

// TokenDecrypt verifies the HMAC-SHA256 tag in constant time and, on
// success, AES-256-CBC-decrypts and strips PKCS7 padding. It returns
// rnserrors.ErrAuth (via errors.Is) on any authentication failure.
func TokenDecrypt(signingKey, encryptionKey, wrapped []byte) ([]byte, error) {
	if len(wrapped) < aes.BlockSize+32 {
		return nil, fmt.Errorf("token decrypt: wrapped data too short (%d bytes): %w", len(wrapped), rnserrors.ErrAuth)
	}
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("token decrypt: encryption key must be 32 bytes, got %d", len(encryptionKey))
	}

	macOffset := len(wrapped) - 32
	body, gotMAC := wrapped[:macOffset], wrapped[macOffset:]

	wantMAC := HMACSHA256(signingKey, body)
	if !ConstantTimeEqual(wantMAC, gotMAC) {
		return nil, fmt.Errorf("token decrypt: hmac mismatch: %w", rnserrors.ErrAuth)
	}

	iv := body[:aes.BlockSize]
	ciphertext := body[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("token decrypt: ciphertext length %d not a multiple of block size: %w", len(ciphertext), rnserrors.ErrAuth)
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("token decrypt: new aes cipher: %w", err)
	}

	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)

	plain, err := pkcs7Unpad(plainPadded)
	if err != nil {
		return nil, fmt.Errorf("token decrypt: %w: %w", err, rnserrors.ErrAuth)
	}
	return plain, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7 unpad: empty input")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("pkcs7 unpad: invalid padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("pkcs7 unpad: inconsistent padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
