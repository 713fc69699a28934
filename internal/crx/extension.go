package crx

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"path/filepath"

	crx3 "github.com/mediabuyerbot/go-crx3"

	"github.com/oshokin/crx-server/internal/domain/manifest"
)

// ErrNotLoaded is returned by Pack and UpdateDocument before a successful Load.
var ErrNotLoaded = errors.New("extension is not loaded")

// Packer signs and serializes an extension directory.
type Packer interface {
	// Load reads the extension found in dir.
	Load(ctx context.Context, dir string) error
	// Pack returns the signed bundle of the loaded extension.
	Pack(ctx context.Context) ([]byte, error)
	// UpdateDocument returns the gupdate document for the loaded extension.
	UpdateDocument() ([]byte, error)
	// ID returns the extension ID derived from the signing key.
	ID() string
}

// Factory creates a Packer for one pack cycle.
type Factory func(opts *Options) (Packer, error)

// Options configure a Packer.
type Options struct {
	// PrivateKeyPath is the PEM signing key.
	PrivateKeyPath string
	// Codebase is the URL browsers download the bundle from.
	Codebase string
	// ExcludeDirs are directories left out of the archive, such as a
	// public directory nested inside the extension directory.
	ExcludeDirs []string
	// ExcludeFiles are files left out of the archive in addition to the key.
	ExcludeFiles []string
}

// Extension is the CRX3 Packer.
type Extension struct {
	// key signs the bundle.
	key *rsa.PrivateKey
	// id is cached from key.
	id string
	// excludeDirs holds absolute directories skipped while archiving.
	excludeDirs map[string]struct{}
	// excludeFiles holds absolute files skipped while archiving, keyPath included.
	excludeFiles map[string]struct{}
	// codebase is written into the update document.
	codebase string

	// version is taken from the loaded manifest.
	version string
	// archive is the zip of the loaded directory.
	archive []byte
}

// compile-time check.
var _ Packer = (*Extension)(nil)

// NewPacker is the default Factory.
//
//nolint:ireturn // Factory signature returns the interface.
func NewPacker(opts *Options) (Packer, error) {
	return NewExtension(opts)
}

// NewExtension reads the signing key and prepares an Extension.
func NewExtension(opts *Options) (*Extension, error) {
	key, err := ReadKey(opts.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	id, err := IDFromKey(key)
	if err != nil {
		return nil, err
	}

	keyPath, err := filepath.Abs(opts.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("resolve key path: %w", err)
	}

	excludeDirs, err := absSet(opts.ExcludeDirs)
	if err != nil {
		return nil, err
	}

	excludeFiles, err := absSet(opts.ExcludeFiles)
	if err != nil {
		return nil, err
	}

	excludeFiles[keyPath] = struct{}{}

	return &Extension{
		key:          key,
		id:           id,
		excludeDirs:  excludeDirs,
		excludeFiles: excludeFiles,
		codebase:     opts.Codebase,
	}, nil
}

// absSet resolves paths to a set of absolute paths, ignoring empty entries.
func absSet(paths []string) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(paths)+1)

	for _, path := range paths {
		if path == "" {
			continue
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve excluded path: %w", err)
		}

		set[abs] = struct{}{}
	}

	return set, nil
}

// Load reads manifest.json for the version and archives dir.
func (e *Extension) Load(ctx context.Context, dir string) error {
	m, err := manifest.Load(dir)
	if err != nil {
		return err
	}

	archive, err := zipDirectory(ctx, filepath.Clean(dir), &exclusions{
		files: e.excludeFiles,
		dirs:  e.excludeDirs,
	})
	if err != nil {
		return err
	}

	e.version = m.Version()
	e.archive = archive

	return nil
}

// Pack signs the loaded archive.
func (e *Extension) Pack(ctx context.Context) ([]byte, error) {
	if e.archive == nil {
		return nil, ErrNotLoaded
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var bundle bytes.Buffer
	if err := crx3.PackZipToCRX(bytes.NewReader(e.archive), &bundle, e.key); err != nil {
		return nil, fmt.Errorf("sign archive: %w", err)
	}

	return bundle.Bytes(), nil
}

// UpdateDocument renders the gupdate document for the loaded version.
func (e *Extension) UpdateDocument() ([]byte, error) {
	if e.archive == nil {
		return nil, ErrNotLoaded
	}

	return NewUpdateDocument(e.id, e.codebase, e.version).Marshal(), nil
}

// ID returns the extension ID.
func (e *Extension) ID() string {
	return e.id
}

// Version returns the version read by the last Load.
func (e *Extension) Version() string {
	return e.version
}
