// Package keyring manages the Ed25519 signing keys used to seal audit
// anchors and grant tokens. The in-memory provider is suitable for
// development and tests; production deployments swap in an HSM or KMS
// backed provider.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/eatp-io/eatp/pkg/canonical"
)

// KeyProvider defines the interface for cryptographic signing operations.
// This allows swapping the in-memory backend for an HSM, Vault, or Cloud KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider is an in-memory implementation for development and tests.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// NewMemoryKeyProviderFromSeed builds a deterministic provider from a
// 32-byte Ed25519 seed.
func NewMemoryKeyProviderFromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// Seed exposes the private seed for key derivation.
func (m *MemoryKeyProvider) Seed() []byte {
	return m.priv.Seed()
}

// Keyring signs and verifies structured records using a KeyProvider.
// Records are canonicalized (RFC 8785) before signing so the signature is
// independent of field ordering.
type Keyring struct {
	keyID    string
	provider KeyProvider
}

func New(keyID string, p KeyProvider) (*Keyring, error) {
	if p == nil {
		return nil, fmt.Errorf("keyring: provider must not be nil")
	}
	return &Keyring{keyID: keyID, provider: p}, nil
}

// KeyID identifies the signing key (surfaced in anchors and tokens).
func (k *Keyring) KeyID() string {
	return k.keyID
}

// Sign canonicalizes data and returns a hex-encoded Ed25519 signature.
func (k *Keyring) Sign(data any) (string, error) {
	msg, err := canonical.Marshal(data)
	if err != nil {
		return "", err
	}
	sig, err := k.provider.Sign(msg)
	if err != nil {
		return "", fmt.Errorf("keyring: sign failed: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex-encoded signature over the canonical form of data.
func (k *Keyring) Verify(data any, signature string) (bool, error) {
	msg, err := canonical.Marshal(data)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("keyring: malformed signature: %w", err)
	}
	return ed25519.Verify(k.provider.PublicKey(), msg, sig), nil
}

// PublicKey returns the hex-encoded public key.
func (k *Keyring) PublicKey() string {
	return hex.EncodeToString(k.provider.PublicKey())
}

// PrivateKey exposes the raw Ed25519 private key for signing schemes that
// need it directly (e.g. EdDSA JWTs).
func (k *Keyring) PrivateKey() (ed25519.PrivateKey, bool) {
	m, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, false
	}
	return m.priv, true
}

// RawPublicKey returns the Ed25519 public key.
func (k *Keyring) RawPublicKey() ed25519.PublicKey {
	return k.provider.PublicKey()
}

// DeriveForAuthority derives an authority-specific Keyring using HKDF-SHA256.
// The master key's private seed is used as IKM and the authority ID as info,
// so each authority gets a unique, deterministic Ed25519 keypair.
func (k *Keyring) DeriveForAuthority(authorityID string) (*Keyring, error) {
	if authorityID == "" {
		return nil, fmt.Errorf("keyring: authorityID must not be empty")
	}

	master, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, fmt.Errorf("keyring: authority key derivation requires MemoryKeyProvider")
	}

	hkdfReader := hkdf.New(sha256.New, master.Seed(), []byte("eatp-authority-kdf"), []byte(authorityID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdfReader, seed); err != nil {
		return nil, fmt.Errorf("keyring: HKDF derivation failed: %w", err)
	}

	derived, err := NewMemoryKeyProviderFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return New(k.keyID+"/"+authorityID, derived)
}
