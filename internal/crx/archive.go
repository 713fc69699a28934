package crx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// skippedDirs are never added to the archive.
//
//nolint:gochecknoglobals // Read-only lookup table.
var skippedDirs = map[string]struct{}{
	".git": {},
	".hg":  {},
	".svn": {},
}

// exclusions are absolute paths left out of an archive.
type exclusions struct {
	files map[string]struct{}
	dirs  map[string]struct{}
}

// zipDirectory archives every regular file under dir with slash-separated relative names.
func zipDirectory(ctx context.Context, dir string, exclude *exclusions) ([]byte, error) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path == dir {
				return nil
			}

			if _, skip := skippedDirs[d.Name()]; skip {
				return filepath.SkipDir
			}

			if _, skip := exclude.dirs[abs]; skip {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		if _, skip := exclude.files[abs]; skip {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		return addFile(zw, path, filepath.ToSlash(rel), d)
	})
	if err != nil {
		_ = zw.Close()

		return nil, fmt.Errorf("archive %s: %w", dir, err)
	}

	if err = zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}

	return buf.Bytes(), nil
}

func addFile(zw *zip.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	_, err = io.Copy(w, f)

	return err
}
