// Package identity derives instance identifiers from Ed25519 keys and manages
// the on-disk keypair of a running instance.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
)

// InstanceID identifies one participating instance. It is stable for the
// lifetime of the instance's signing key.
type InstanceID string

// FromPublicKey returns the first 8 bytes of pub as 16 lowercase hex characters.
func FromPublicKey(pub ed25519.PublicKey) InstanceID {
	return InstanceID(hex.EncodeToString(pub[:8]))
}

// Keypair bundles an instance's signing key with its derived identifier.
type Keypair struct {
	ID      InstanceID
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Sign signs msg with the private key.
func (k Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// Generate creates a fresh keypair.
func Generate() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{ID: FromPublicKey(pub), Public: pub, Private: priv}, nil
}

// LoadOrGenerate loads an Ed25519 private key from path, or generates one and
// writes it with 0600 permissions if the file does not exist. The file holds
// the raw 64-byte private key.
func LoadOrGenerate(path string) (Keypair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return Keypair{}, fmt.Errorf("invalid key file: expected %d bytes, got %d", ed25519.PrivateKeySize, len(data))
		}
		priv := ed25519.PrivateKey(data)
		pub := priv.Public().(ed25519.PublicKey)
		return Keypair{ID: FromPublicKey(pub), Public: pub, Private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return Keypair{}, fmt.Errorf("read key file: %w", err)
	}

	kp, err := Generate()
	if err != nil {
		return Keypair{}, err
	}
	if err := os.WriteFile(path, []byte(kp.Private), 0600); err != nil {
		return Keypair{}, fmt.Errorf("write key file: %w", err)
	}
	return kp, nil
}

// Verify reports whether sig is a valid signature of msg under pub. Keys of
// the wrong length never verify.
func Verify(pub []byte, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
