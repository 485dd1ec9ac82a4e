// Package keyexchange owns the server's long-lived RSA key pair and turns
// RSA-OAEP wrapped session keys into entries of the session registry.
package keyexchange

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	// MinKeyBits is the smallest RSA modulus accepted for the server key.
	MinKeyBits = 2048

	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
)

var (
	// ErrWeakKey is returned when a persisted key is smaller than MinKeyBits.
	ErrWeakKey = errors.New("rsa key is smaller than 2048 bits")
	// ErrInvalidPEM is returned when a key file holds no usable PEM block.
	ErrInvalidPEM = errors.New("invalid pem key file")
)

// KeyPair is the process-wide RSA key pair shared by all connections.
type KeyPair struct {
	private   *rsa.PrivateKey
	publicPEM []byte
}

// GenerateKeyPair creates a fresh key pair of the requested size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits < MinKeyBits {
		bits = MinKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return newKeyPair(priv)
}

func newKeyPair(priv *rsa.PrivateKey) (*KeyPair, error) {
	if priv.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("%w: got %d bits", ErrWeakKey, priv.N.BitLen())
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return &KeyPair{
		private:   priv,
		publicPEM: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
	}, nil
}

// LoadOrCreate reads the key pair stored in dir, generating and persisting
// a new one when no private key file exists yet.
func LoadOrCreate(dir string, bits int, logger *zap.Logger) (*KeyPair, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	privPath := filepath.Join(dir, privateKeyFile)

	raw, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		kp, err := parsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", privPath, err)
		}
		logger.Info("loaded server key pair", zap.String("path", privPath), zap.Int("bits", kp.Bits()))
		return kp, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", privPath, err)
	}

	kp, err := GenerateKeyPair(bits)
	if err != nil {
		return nil, err
	}
	if err := kp.Save(dir); err != nil {
		return nil, err
	}
	logger.Info("generated server key pair", zap.String("path", privPath), zap.Int("bits", kp.Bits()))
	return kp, nil
}

func parsePrivateKey(raw []byte) (*KeyPair, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	var priv *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 key: %w", err)
		}
		priv = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: pkcs8 key is %T, not rsa", ErrInvalidPEM, key)
		}
		priv = rsaKey
	default:
		return nil, fmt.Errorf("%w: unexpected block type %q", ErrInvalidPEM, block.Type)
	}

	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("validate rsa key: %w", err)
	}
	return newKeyPair(priv)
}

// Save writes private.pem (0600) and public.pem (0644) into dir.
func (kp *KeyPair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(kp.private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if err := writeFileAtomic(filepath.Join(dir, privateKeyFile), privPEM, 0o600); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, publicKeyFile), kp.publicPEM, 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// PublicKeyPEM returns the SubjectPublicKeyInfo PEM encoding of the public key.
func (kp *KeyPair) PublicKeyPEM() []byte {
	return append([]byte(nil), kp.publicPEM...)
}

// PublicKey returns the RSA public key.
func (kp *KeyPair) PublicKey() *rsa.PublicKey {
	return &kp.private.PublicKey
}

// Bits returns the modulus size.
func (kp *KeyPair) Bits() int {
	return kp.private.N.BitLen()
}
