package intent

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"hypernode-facilitator/internal/models"
)

// KeyPair is an ed25519 identity. Its public key, hex encoded, is the identity
// string used for clients, node authorities and the oracle.
type KeyPair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateKey creates a fresh random key pair.
func GenerateKey() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &KeyPair{priv: priv, pub: pub}, nil
}

// KeyPairFromHex accepts a hex encoded 32-byte seed or 64-byte private key.
func KeyPairFromHex(s string) (*KeyPair, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("invalid private key size: %d", len(raw))
	}
	return &KeyPair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Identity is the hex encoded public key.
func (k *KeyPair) Identity() string {
	return hex.EncodeToString(k.pub)
}

// SeedHex exports the private seed for storage in config files.
func (k *KeyPair) SeedHex() string {
	return hex.EncodeToString(k.priv.Seed())
}

// PrivateKey exposes the raw key for token signing.
func (k *KeyPair) PrivateKey() ed25519.PrivateKey {
	return k.priv
}

// PublicKey exposes the raw public key.
func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return k.pub
}

// Sign returns the hex encoded signature of data.
func (k *KeyPair) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.priv, data))
}

// SignIntent signs the intent's canonical signing message.
func (k *KeyPair) SignIntent(pi models.PaymentIntent) string {
	return k.Sign([]byte(SigningMessage(pi)))
}

// ParseIdentity decodes a hex public key.
func ParseIdentity(identity string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(identity)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a hex signature over data under the hex identity. A malformed
// key or signature is reported as an error; a well-formed but wrong signature
// returns false with a nil error.
func Verify(identity, sigHex string, data []byte) (bool, error) {
	pub, err := ParseIdentity(identity)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size: %d", len(sig))
	}
	return ed25519.Verify(pub, data, sig), nil
}
