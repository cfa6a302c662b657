// Package signer signs release bundles with an RSA keypair persisted on
// disk. Signatures cover the deterministic JSON of the unsigned bundle so
// any byte flip in the artifact invalidates them.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/appforge/forge/pkg/models"
)

const (
	// Algorithm identifies the signature scheme on the wire.
	Algorithm = "RSA-SHA256"

	keyBits        = 2048
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
)

// ErrNotInitialized is returned when signing or verifying before the
// keypair is loaded.
var ErrNotInitialized = errors.New("signer not initialized")

// Signer signs and verifies bundles. Stateless after key load, safe for
// concurrent use.
type Signer struct {
	dir     string
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	logger  *slog.Logger
}

// New creates a signer persisting its keypair under dir. Keys are not
// loaded until Initialize.
func New(dir string, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{dir: dir, logger: logger}
}

// Initialize loads the keypair from disk, generating and persisting a
// fresh 2048-bit pair on first use. The private key file is owner-only.
func (s *Signer) Initialize() error {
	privPath := filepath.Join(s.dir, privateKeyFile)

	if data, err := os.ReadFile(privPath); err == nil {
		key, err := parsePrivateKeyPEM(data)
		if err != nil {
			return fmt.Errorf("load %s: %w", privPath, err)
		}
		s.private = key
		s.public = &key.PublicKey
		s.logger.Info("loaded signing keypair", "dir", s.dir, "key_id", s.Fingerprint())
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", privPath, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPEM, err := encodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	s.private = key
	s.public = &key.PublicKey
	s.logger.Info("generated signing keypair", "dir", s.dir, "key_id", s.Fingerprint())
	return nil
}

// IsInitialized reports whether the keypair is loaded.
func (s *Signer) IsInitialized() bool {
	return s.private != nil
}

// Sign produces a signed bundle. The signature covers the canonical JSON
// of the bundle with any pre-existing signature stripped.
func (s *Signer) Sign(b models.Bundle) (*models.SignedBundle, error) {
	if !s.IsInitialized() {
		return nil, ErrNotInitialized
	}

	digest, err := bundleDigest(b)
	if err != nil {
		return nil, err
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.private, crypto.SHA256, digest)
	if err != nil {
		return nil, fmt.Errorf("sign bundle %s: %w", b.ID, err)
	}

	return &models.SignedBundle{
		Bundle: b,
		Signature: &models.Signature{
			Algorithm: Algorithm,
			Value:     base64.StdEncoding.EncodeToString(sig),
			SignedAt:  time.Now().UTC().Format(time.RFC3339Nano),
			KeyID:     s.Fingerprint(),
		},
	}, nil
}

// Verify checks a signed bundle against the signer's own public key.
func (s *Signer) Verify(sb *models.SignedBundle) (bool, error) {
	if !s.IsInitialized() {
		return false, ErrNotInitialized
	}
	return VerifyWith(s.public, sb)
}

// VerifyWith checks a signed bundle against a supplied public key. Any
// mismatch between the signature and the bundle content returns false.
func VerifyWith(pub *rsa.PublicKey, sb *models.SignedBundle) (bool, error) {
	if sb == nil || sb.Signature == nil {
		return false, nil
	}
	if sb.Signature.Algorithm != Algorithm {
		return false, fmt.Errorf("unsupported signature algorithm %q", sb.Signature.Algorithm)
	}

	sig, err := base64.StdEncoding.DecodeString(sb.Signature.Value)
	if err != nil {
		return false, nil
	}

	digest, err := bundleDigest(sb.Bundle)
	if err != nil {
		return false, err
	}

	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig); err != nil {
		return false, nil
	}
	return true, nil
}

// Fingerprint returns the SHA-256 fingerprint of the public key, hex
// encoded. Used as the signature's key_id.
func (s *Signer) Fingerprint() string {
	if s.public == nil {
		return ""
	}
	der, err := x509.MarshalPKIXPublicKey(s.public)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ExportPublicKeyPEM returns the public key in PEM form for distribution
// to verifiers.
func (s *Signer) ExportPublicKeyPEM() ([]byte, error) {
	if !s.IsInitialized() {
		return nil, ErrNotInitialized
	}
	return encodePublicKeyPEM(s.public)
}

// LoadPublicKey parses a foreign public key from PEM.
func LoadPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key: %T", parsed)
	}
	return pub, nil
}

// bundleDigest hashes the canonical JSON of the unsigned bundle. Bundle
// carries no signature field, so serializing it directly already strips
// any signature the caller held alongside.
func bundleDigest(b models.Bundle) ([]byte, error) {
	canonical, err := CanonicalJSON(b)
	if err != nil {
		return nil, fmt.Errorf("canonicalize bundle %s: %w", b.ID, err)
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key: %T", parsed)
	}
	return key, nil
}

func encodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
