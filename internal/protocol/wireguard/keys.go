package wireguard

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GenerateKeyPair returns a base64 private and public key in the format
// wg(8) uses.
func GenerateKeyPair() (private, public string, err error) {
	var k [curve25519.ScalarSize]byte
	if _, err := rand.Read(k[:]); err != nil {
		return "", "", fmt.Errorf("reading random key: %w", err)
	}
	// Clamp as wg genkey does.
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64

	private = base64.StdEncoding.EncodeToString(k[:])
	public, err = PublicKey(private)
	if err != nil {
		return "", "", err
	}
	return private, public, nil
}

// PublicKey derives the public key from a base64 private key.
func PublicKey(private string) (string, error) {
	k, err := base64.StdEncoding.DecodeString(private)
	if err != nil {
		return "", fmt.Errorf("decoding private key: %w", err)
	}
	if len(k) != curve25519.ScalarSize {
		return "", fmt.Errorf("private key is %d bytes, want %d", len(k), curve25519.ScalarSize)
	}
	pub, err := curve25519.X25519(k, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("deriving public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}
