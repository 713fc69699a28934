package integration

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/crx-server/internal/crx"
)

const (
	testKeyBits  = 1024
	testManifest = "{\n  \"manifest_version\": 3,\n  \"name\": \"Demo\",\n  \"version\": \"1.0.0\"\n}\n"
)

// reservePort returns a loopback address that was free a moment ago.
func reservePort(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	_ = l.Close()

	return addr
}

// newExtension writes a minimal extension with a signing key and returns its directory.
func newExtension(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(testManifest), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "background.js"), []byte("console.log('hi');\n"), 0o600))

	key, err := crx.GenerateKey(testKeyBits)
	require.NoError(t, err)
	require.NoError(t, crx.WriteKey(filepath.Join(dir, crx.DefaultKeyFilename), key, false))

	return dir
}

// fetch GETs url and returns the body, failing on anything but 200.
func fetch(t *testing.T, url string) []byte {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	return body
}

// servedVersion fetches the update document and returns its version attribute.
func servedVersion(t *testing.T, url string) string {
	t.Helper()

	doc, err := crx.ParseUpdateDocument(fetch(t, url))
	require.NoError(t, err)

	version, err := doc.Version()
	require.NoError(t, err)

	return version
}

// currentVersion is servedVersion for polling loops: failures yield "".
func currentVersion(url string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return ""
	}

	doc, err := crx.ParseUpdateDocument(body)
	if err != nil {
		return ""
	}

	version, _ := doc.Version()

	return version
}
