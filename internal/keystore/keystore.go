// Package keystore caches a long-term Curve25519 key pair per Provider URL
// on disk, generating it on first use and reusing it forever thereafter.
package keystore

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshgate/meshtund/internal/fsutil"
	"github.com/meshgate/meshtund/internal/wgdriver"
)

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// PublicKeyB64 returns the standard base64 encoding of the public key.
func (k KeyPair) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(k.PublicKey)
}

// PrivateKeyB64 returns the standard base64 encoding of the private key.
func (k KeyPair) PrivateKeyB64() string {
	return base64.StdEncoding.EncodeToString(k.PrivateKey)
}

// Store caches one key pair per Provider URL under a root directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a Store rooted at dir. dir is created on first write if it
// does not exist.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger.With("component", "keystore")}
}

// pathFor returns the deterministic, filesystem-safe path for providerURL's
// key pair: a lower-hex SHA-256 digest of the URL, so the path never embeds
// raw URL characters.
func (s *Store) pathFor(providerURL string) string {
	sum := sha256.Sum256([]byte(providerURL))
	return filepath.Join(s.root, hex.EncodeToString(sum[:])+".key")
}

// GetOrGenerate returns the cached key pair for providerURL, generating and
// persisting a new one on first use. If an existing pair's public key no
// longer matches its private key, it is regenerated and overwritten.
func (s *Store) GetOrGenerate(providerURL string) (KeyPair, error) {
	path := s.pathFor(providerURL)

	if kp, err := s.load(path); err == nil {
		derived, derr := wgdriver.DerivePublicKey(kp.PrivateKey)
		if derr == nil && bytes.Equal(derived, kp.PublicKey) {
			return kp, nil
		}
		s.logger.Warn("key pair mismatch, regenerating", "provider", providerURL)
	} else if !os.IsNotExist(err) {
		return KeyPair{}, fmt.Errorf("keystore: load %s: %w", path, err)
	}

	kp, err := s.generate()
	if err != nil {
		return KeyPair{}, err
	}
	if err := s.save(path, kp); err != nil {
		return KeyPair{}, err
	}

	s.logger.Info("generated new key pair", "provider", providerURL)
	return kp, nil
}

func (s *Store) generate() (KeyPair, error) {
	priv, err := wgdriver.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: generate: %w", err)
	}
	pub, err := wgdriver.DerivePublicKey(priv)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: generate: %w", err)
	}
	return KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// fileFormat is "<base64 private key>\n<base64 public key>\n".
func (s *Store) load(path string) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, err
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		return KeyPair{}, fmt.Errorf("keystore: malformed key file %s", path)
	}

	priv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[0]))
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: decode private key: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: decode public key: %w", err)
	}

	return KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

func (s *Store) save(path string, kp KeyPair) error {
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return fmt.Errorf("keystore: create dir %s: %w", s.root, err)
	}

	data := []byte(base64.StdEncoding.EncodeToString(kp.PrivateKey) + "\n" +
		base64.StdEncoding.EncodeToString(kp.PublicKey) + "\n")

	if err := fsutil.WriteFileAtomic(s.root, filepath.Base(path), data, 0600); err != nil {
		return fmt.Errorf("keystore: write %s: %w", path, err)
	}
	return nil
}
