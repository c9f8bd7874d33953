package wgdriver

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GeneratePrivateKey returns 32 random bytes clamped per the Curve25519
// specification, suitable for use as a WireGuard private key.
func GeneratePrivateKey() ([]byte, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("wgdriver: generate private key: %w", err)
	}

	priv[0] &^= 0x07
	priv[31] &^= 0x80
	priv[31] |= 0x40

	return priv, nil
}

// DerivePublicKey computes the Curve25519 public key for priv.
func DerivePublicKey(priv []byte) ([]byte, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("wgdriver: private key must be 32 bytes, got %d", len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("wgdriver: derive public key: %w", err)
	}
	return pub, nil
}
