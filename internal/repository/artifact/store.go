package artifact

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/crx-server/internal/crx"

	// Ensure SHA512 is linked for artifact checksums.
	_ "crypto/sha512"
)

const (
	// UpdateDocumentFilename is the update document name inside the public directory.
	UpdateDocumentFilename = "update.xml"
	// BundleFilename is the bundle name inside the public directory.
	BundleFilename = "extension.crx"

	// DefaultFileMode is applied to published artifacts.
	DefaultFileMode os.FileMode = 0o644
	// DefaultDirMode is applied when creating the public directory.
	DefaultDirMode os.FileMode = 0o755

	// checksumFunction guards each replacement against corrupted buffers.
	checksumFunction = crypto.SHA512
)

var (
	// ErrNotFound is returned when no update document has been published yet.
	ErrNotFound = errors.New("update document not found")
	// errHashUnavailable is returned when SHA512 is not linked in.
	errHashUnavailable = errors.New("hash function unavailable")
)

// Repository is the storage the repack service depends on.
type Repository interface {
	Ensure() error
	PreviousVersion(ctx context.Context) (string, error)
	SaveBundle(ctx context.Context, data []byte) error
	SaveUpdateDocument(ctx context.Context, data []byte) error
	BundlePath() string
	UpdateDocumentPath() string
}

// Store publishes artifacts into a directory.
type Store struct {
	// dir is the public directory.
	dir string
	// mu serializes replacements.
	mu sync.Mutex
}

// compile-time check.
var _ Repository = (*Store)(nil)

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		dir: filepath.Clean(dir),
	}
}

// Dir returns the public directory.
func (s *Store) Dir() string {
	return s.dir
}

// BundlePath returns the bundle location.
func (s *Store) BundlePath() string {
	return filepath.Join(s.dir, BundleFilename)
}

// UpdateDocumentPath returns the update document location.
func (s *Store) UpdateDocumentPath() string {
	return filepath.Join(s.dir, UpdateDocumentFilename)
}

// Ensure creates the public directory and its parents when missing.
func (s *Store) Ensure() error {
	if err := os.MkdirAll(s.dir, DefaultDirMode); err != nil {
		return fmt.Errorf("create public directory: %w", err)
	}

	return nil
}

// PreviousVersion returns the version recorded in the published update document.
// A missing document, or one without a version, yields ErrNotFound.
func (s *Store) PreviousVersion(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.UpdateDocumentPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}

		return "", fmt.Errorf("read update document: %w", err)
	}

	doc, err := crx.ParseUpdateDocument(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	version, err := doc.Version()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	return version, nil
}

// SaveBundle replaces the published bundle.
func (s *Store) SaveBundle(_ context.Context, data []byte) error {
	if err := s.replace(s.BundlePath(), data); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}

	return nil
}

// SaveUpdateDocument replaces the published update document.
func (s *Store) SaveUpdateDocument(_ context.Context, data []byte) error {
	if err := s.replace(s.UpdateDocumentPath(), data); err != nil {
		return fmt.Errorf("publish update document: %w", err)
	}

	return nil
}

// replace swaps target for data by rename, creating an empty target first
// because go-update moves the existing file aside before renaming.
func (s *Store) replace(target string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	checksum, err := checksumOf(data)
	if err != nil {
		return err
	}

	if _, err = os.Stat(target); errors.Is(err, os.ErrNotExist) {
		f, createErr := os.Create(filepath.Clean(target))
		if createErr != nil {
			return createErr
		}

		_ = f.Close()
	}

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: DefaultFileMode,
		Checksum:   checksum,
		Hash:       checksumFunction,
	}

	if err = goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return err
	}

	// Windows hides the previous file instead of deleting it.
	oldFilename := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".old")
	if _, err = os.Stat(oldFilename); err == nil {
		_ = os.Remove(oldFilename)
	}

	return nil
}

func checksumOf(data []byte) ([]byte, error) {
	if !checksumFunction.Available() {
		return nil, errHashUnavailable
	}

	hasher := checksumFunction.New()
	_, _ = hasher.Write(data)

	return hasher.Sum(nil), nil
}
