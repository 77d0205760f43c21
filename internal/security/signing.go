// Package security manages the ed25519 keys that sign ledger records.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	PublicKeyFile  = "ledger.pub"
	PrivateKeyFile = "ledger.key"
)

var ErrInvalidKey = errors.New("invalid key")

// Signer holds one ed25519 key pair.
type Signer struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigner creates a fresh key pair.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Signer{Public: pub, Private: priv}, nil
}

// Save writes the pair as hex files into dir.
func (s *Signer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte(hex.EncodeToString(s.Public)), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte(hex.EncodeToString(s.Private)), 0o600)
}

// LoadSigner reads the key pair stored in dir.
func LoadSigner(dir string) (*Signer, error) {
	priv, err := LoadPrivateKey(filepath.Join(dir, PrivateKeyFile))
	if err != nil {
		return nil, err
	}
	pub, err := LoadPublicKey(filepath.Join(dir, PublicKeyFile))
	if err != nil {
		return nil, err
	}
	if !pub.Equal(priv.Public()) {
		return nil, fmt.Errorf("%w: public key in %s does not match private key", ErrInvalidKey, dir)
	}
	return &Signer{Public: pub, Private: priv}, nil
}

// EnsureSigner loads the key pair from dir, generating one if none exists.
func EnsureSigner(dir string) (*Signer, error) {
	s, err := LoadSigner(dir)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if s, err = GenerateSigner(); err != nil {
		return nil, err
	}
	if err := s.Save(dir); err != nil {
		return nil, fmt.Errorf("save keys: %w", err)
	}
	return s, nil
}

// Sign returns the hex signature of data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.Private, data))
}

// PublicHex returns the hex-encoded public key.
func (s *Signer) PublicHex() string {
	return hex.EncodeToString(s.Public)
}

// LoadPrivateKey loads a hex-encoded private key file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	b, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key size %d", ErrInvalidKey, len(b))
	}
	return ed25519.PrivateKey(b), nil
}

// LoadPublicKey loads a hex-encoded public key file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	b, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key size %d", ErrInvalidKey, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func readHex(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, path, err)
	}
	return b, nil
}

// VerifyHex checks a hex signature of data against a hex public key.
func VerifyHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key size %d", ErrInvalidKey, len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
