package crx

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	crx3 "github.com/mediabuyerbot/go-crx3"
)

const (
	// DefaultKeyFilename is looked up in the extension directory when no key path is configured.
	DefaultKeyFilename = "key.pem"

	// DefaultKeyBits is the RSA modulus size used by GenerateKey.
	DefaultKeyBits = 2048

	// crxIDLength is the number of SHA-256 bytes forming the crx_id.
	crxIDLength = 16

	keyFileMode os.FileMode = 0o600
)

var (
	// ErrKeyNotFound is returned when the signing key file does not exist.
	ErrKeyNotFound = errors.New("private key not found")
	// ErrUnsupportedKey is returned for PEM blocks that are not RSA private keys.
	ErrUnsupportedKey = errors.New("unsupported private key")
	// ErrKeyExists is returned by WriteKey when it would overwrite a key.
	ErrKeyExists = errors.New("private key already exists")
)

// ReadKey loads an RSA private key from a PEM file (PKCS#8 or PKCS#1).
func ReadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrKeyNotFound)
		}

		return nil, fmt.Errorf("read private key: %w", err)
	}

	return ParseKey(data)
}

// ParseKey decodes the first PEM block of data into an RSA private key.
// Both "PRIVATE KEY" and "RSA PRIVATE KEY" blocks may hold PKCS#8 or PKCS#1 bytes:
// crx3.WritePrivateKey labels PKCS#8 data as "RSA PRIVATE KEY".
func ParseKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block: %w", ErrUnsupportedKey)
	}

	if block.Type != "PRIVATE KEY" && block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("PEM type %q: %w", block.Type, ErrUnsupportedKey)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return nil, fmt.Errorf("parse private key: %w", errors.Join(err, pkcs1Err))
		}

		return key, nil
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%T: %w", parsed, ErrUnsupportedKey)
	}

	return key, nil
}

// GenerateKey creates a new RSA key; bits <= 0 selects DefaultKeyBits.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 || bits == DefaultKeyBits {
		key, err := crx3.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate RSA key: %w", err)
		}

		return key, nil
	}

	// crx3 only sizes keys through a process-wide setter.
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	return key, nil
}

// WriteKey stores key as a PEM file with mode 0600. It refuses to overwrite unless force is set.
func WriteKey(path string, key *rsa.PrivateKey, force bool) (err error) {
	path = filepath.Clean(path)

	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, keyFileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", path, ErrKeyExists)
		}

		return fmt.Errorf("open key file: %w", err)
	}

	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close key file: %w", closeErr)
		}
	}()

	// OpenFile keeps the mode of an existing file.
	if err = f.Chmod(keyFileMode); err != nil {
		return fmt.Errorf("chmod key file: %w", err)
	}

	if err = crx3.WritePrivateKey(f, key); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	return nil
}

// PublicKeyDER returns the SubjectPublicKeyInfo encoding of the key's public half.
func PublicKeyDER(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return der, nil
}

// crxID is the first 16 bytes of SHA-256 over the public key DER.
func crxID(publicKeyDER []byte) []byte {
	sum := sha256.Sum256(publicKeyDER)

	return sum[:crxIDLength]
}

// EncodeID renders a crx_id in the a-p alphabet used for extension IDs.
func EncodeID(id []byte) string {
	out := make([]byte, 0, len(id)*2)
	for _, b := range id {
		out = append(out, 'a'+(b>>4), 'a'+(b&0x0f))
	}

	return string(out)
}

// IDFromKey computes the extension ID for key.
func IDFromKey(key *rsa.PrivateKey) (string, error) {
	der, err := PublicKeyDER(key)
	if err != nil {
		return "", err
	}

	id, err := crx3.IDFromPubKey([]byte(base64.StdEncoding.EncodeToString(der)))
	if err != nil {
		return "", fmt.Errorf("derive extension ID: %w", err)
	}

	return id, nil
}
