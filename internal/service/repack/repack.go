package repack

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/oshokin/crx-server/internal/crx"
	"github.com/oshokin/crx-server/internal/domain/manifest"
	"github.com/oshokin/crx-server/internal/domain/semver"
	"github.com/oshokin/crx-server/internal/logger"
	"github.com/oshokin/crx-server/internal/repository/artifact"
)

const (
	// UpdateDocumentRoute is appended to the base URL to form update_url.
	UpdateDocumentRoute = "/update.xml"
	// BundleRoute is appended to the base URL to form the codebase.
	BundleRoute = "/extension"
)

var (
	// ErrPackingFailed wraps failures of the packer and of publishing its output.
	ErrPackingFailed = errors.New("packing failed")
	// errExtensionDirRequired is returned when Options has no extension directory.
	errExtensionDirRequired = errors.New("extension directory must be provided")
	// errPublicDirRequired is returned when Options has no public directory.
	errPublicDirRequired = errors.New("public directory must be provided")
)

// Options are the inputs of one pack cycle.
type Options struct {
	// ExtensionDir holds manifest.json and the extension sources.
	ExtensionDir string
	// PublicDir receives extension.crx and update.xml.
	PublicDir string
	// BaseURL is the public URL the artifacts are served under.
	BaseURL string
	// UpdatePath overrides UpdateDocumentRoute.
	UpdatePath string
	// BundlePath overrides BundleRoute.
	BundlePath string
	// PrivateKeyPath overrides ExtensionDir/key.pem.
	PrivateKeyPath string
	// Version is empty, a bump keyword or an explicit version.
	Version string
	// Packer overrides crx.NewPacker.
	Packer crx.Factory
	// Store overrides the artifact store rooted at PublicDir.
	Store artifact.Repository
}

// Result describes a published cycle.
type Result struct {
	// ExtensionID is derived from the signing key.
	ExtensionID string
	// Version is the version written into the bundle and update document.
	Version string
	// PreviousVersion is the version the resolution started from.
	PreviousVersion string
	// UpdateURL is the update_url written into the manifest.
	UpdateURL string
	// CodebaseURL is the bundle URL written into the update document.
	CodebaseURL string
	// BundlePath is the published bundle file.
	BundlePath string
	// UpdateDocumentPath is the published update document file.
	UpdateDocumentPath string
}

// Run executes a pack cycle.
//
// Missing manifest or key files fail the cycle before anything is written.
// Once the derived manifest is on disk the original is restored whatever
// happens next; packer and publishing failures are logged and returned
// wrapped in ErrPackingFailed.
func Run(ctx context.Context, opts *Options) (*Result, error) {
	ctx = logger.WithName(ctx, "repack")

	if err := validate(opts); err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store = artifact.NewStore(opts.PublicDir)
	}

	if err := store.Ensure(); err != nil {
		return nil, err
	}

	original, err := manifest.Load(opts.ExtensionDir)
	if err != nil {
		return nil, err
	}

	previous := previousVersion(ctx, store, original)
	next := semver.Resolve(opts.Version, previous)

	if previous != "" && opts.Version != "" && !semver.IsUpgrade(previous, next) {
		logger.WarnKV(ctx, "Resolved version is not newer, browsers will not update",
			"previous", previous, "next", next)
	}

	result := &Result{
		Version:            next,
		PreviousVersion:    previous,
		UpdateURL:          JoinURL(opts.BaseURL, opts.UpdatePath, UpdateDocumentRoute),
		CodebaseURL:        JoinURL(opts.BaseURL, opts.BundlePath, BundleRoute),
		BundlePath:         store.BundlePath(),
		UpdateDocumentPath: store.UpdateDocumentPath(),
	}

	factory := opts.Packer
	if factory == nil {
		factory = crx.NewPacker
	}

	packer, err := factory(&crx.Options{
		PrivateKeyPath: privateKeyPath(opts),
		Codebase:       result.CodebaseURL,
		ExcludeDirs:    []string{opts.PublicDir},
		ExcludeFiles:   []string{result.BundlePath, result.UpdateDocumentPath},
	})
	if err != nil {
		return nil, fmt.Errorf("prepare packer: %w", err)
	}

	result.ExtensionID = packer.ID()

	if err = original.Derive(next, result.UpdateURL).Write(); err != nil {
		return nil, err
	}

	if err = pack(ctx, opts, packer, store, original); err != nil {
		logger.WarnKV(ctx, "Pack cycle failed", "error", err, "version", next)

		return nil, fmt.Errorf("%w: %w", ErrPackingFailed, err)
	}

	logger.InfoKV(ctx, "Extension packed",
		"extension_id", result.ExtensionID,
		"version", next,
		"update_url", result.UpdateURL)

	return result, nil
}

// pack runs the packer against the derived manifest and publishes its output.
// The original manifest is written back before returning.
func pack(
	ctx context.Context,
	opts *Options,
	packer crx.Packer,
	store artifact.Repository,
	original *manifest.Manifest,
) (err error) {
	defer func() {
		if restoreErr := original.Write(); restoreErr != nil {
			logger.ErrorKV(ctx, "Failed to restore manifest", "path", original.Path(), "error", restoreErr)
			err = errors.Join(err, fmt.Errorf("restore manifest: %w", restoreErr))
		}
	}()

	if err = packer.Load(ctx, opts.ExtensionDir); err != nil {
		return fmt.Errorf("load extension: %w", err)
	}

	bundle, err := packer.Pack(ctx)
	if err != nil {
		return fmt.Errorf("pack extension: %w", err)
	}

	document, err := packer.UpdateDocument()
	if err != nil {
		return fmt.Errorf("generate update document: %w", err)
	}

	if err = store.SaveUpdateDocument(ctx, document); err != nil {
		return err
	}

	return store.SaveBundle(ctx, bundle)
}

// previousVersion prefers the published update document over the manifest.
func previousVersion(ctx context.Context, store artifact.Repository, m *manifest.Manifest) string {
	version, err := store.PreviousVersion(ctx)
	if err == nil {
		return version
	}

	if errors.Is(err, artifact.ErrNotFound) {
		logger.DebugKV(ctx, "No published update document, starting from manifest version",
			"version", m.Version())
	} else {
		logger.WarnKV(ctx, "Unable to read published update document", "error", err)
	}

	return m.Version()
}

func validate(opts *Options) error {
	switch {
	case opts == nil || opts.ExtensionDir == "":
		return errExtensionDirRequired
	case opts.PublicDir == "":
		return errPublicDirRequired
	default:
		return nil
	}
}

func privateKeyPath(opts *Options) string {
	if opts.PrivateKeyPath != "" {
		return opts.PrivateKeyPath
	}

	return filepath.Join(opts.ExtensionDir, crx.DefaultKeyFilename)
}

// JoinURL appends route (or fallback) to base without doubling slashes.
func JoinURL(base, route, fallback string) string {
	if route == "" {
		route = fallback
	}

	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(route, "/")
}
