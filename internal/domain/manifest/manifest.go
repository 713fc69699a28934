package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
)

const (
	// Filename is the descriptor name inside an extension directory.
	Filename = "manifest.json"

	// VersionField holds the extension version.
	VersionField = "version"
	// UpdateURLField points the browser at the update document.
	UpdateURLField = "update_url"

	// fileMode is used when the manifest is rewritten.
	fileMode os.FileMode = 0o644
)

// ErrNotFound is returned when the extension directory has no manifest.json.
var ErrNotFound = errors.New("manifest not found")

// Manifest is a decoded manifest.json bound to its location on disk.
type Manifest struct {
	// path is the absolute-or-relative file location.
	path string
	// raw holds the bytes read from disk; nil for derived copies.
	raw []byte
	// fields are the decoded top-level members.
	fields map[string]any
}

// Load reads dir/manifest.json.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(filepath.Clean(dir), Filename)

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}

		return nil, fmt.Errorf("read manifest: %w", err)
	}

	fields, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}

	return &Manifest{
		path:   path,
		raw:    raw,
		fields: fields,
	}, nil
}

// Path returns the file the manifest was loaded from.
func (m *Manifest) Path() string {
	return m.path
}

// Version returns the version member, or "" when absent.
func (m *Manifest) Version() string {
	return m.stringField(VersionField)
}

// UpdateURL returns the update_url member, or "" when absent.
func (m *Manifest) UpdateURL() string {
	return m.stringField(UpdateURLField)
}

// Name returns the name member, or "" when absent.
func (m *Manifest) Name() string {
	return m.stringField("name")
}

// Derive returns a copy with version and update_url replaced.
// The receiver is not modified.
func (m *Manifest) Derive(version, updateURL string) *Manifest {
	fields := maps.Clone(m.fields)
	fields[VersionField] = version
	fields[UpdateURLField] = updateURL

	return &Manifest{
		path:   m.path,
		fields: fields,
	}
}

// Marshal encodes the manifest as tab-indented JSON.
// A loaded, unmodified manifest yields its original bytes.
func (m *Manifest) Marshal() ([]byte, error) {
	if m.raw != nil {
		return bytes.Clone(m.raw), nil
	}

	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "\t")

	if err := enc.Encode(m.fields); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	return buf.Bytes(), nil
}

// Write stores the manifest at its path.
func (m *Manifest) Write() error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}

	if err = os.WriteFile(m.path, data, fileMode); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

func (m *Manifest) stringField(name string) string {
	value, ok := m.fields[name]
	if !ok || value == nil {
		return ""
	}

	if s, ok := value.(string); ok {
		return s
	}

	return fmt.Sprint(value)
}

// decode parses a JSON object keeping numbers as json.Number so they survive re-encoding.
func decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}

	if fields == nil {
		fields = make(map[string]any)
	}

	return fields, nil
}
