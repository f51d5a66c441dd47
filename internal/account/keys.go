package account

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// generateKeyPair creates a new WireGuard-compatible Curve25519 key pair
// for key rotation (spec §4.3): the daemon always generates its own
// keys locally and only ever submits the public half to the API.
func generateKeyPair() (privateKey, publicKey string, err error) {
	var priv [curve25519.PointSize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", fmt.Errorf("generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv[:]), base64.StdEncoding.EncodeToString(pub), nil
}
