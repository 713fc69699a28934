package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/crx-server/internal/api/grpc/health"
	"github.com/oshokin/crx-server/internal/api/http/extension"
	"github.com/oshokin/crx-server/internal/config"
	"github.com/oshokin/crx-server/internal/crx"
	"github.com/oshokin/crx-server/internal/service/repack"
	"github.com/oshokin/crx-server/internal/tunnel"
)

const (
	testKeyBits  = 1024
	testManifest = `{"manifest_version":3,"name":"Demo","version":"1.0.0"}`
)

var errTestTunnel = errors.New("test tunnel error")

// fakeTunnel records calls and fails on demand.
type fakeTunnel struct {
	mu            sync.Mutex
	connectErr    error
	disconnectErr error
	connected     int
	disconnected  int
	shutdowns     int
	port          int
}

func (f *fakeTunnel) Connect(_ context.Context, port int, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connected++
	f.port = port

	if f.connectErr != nil {
		return "", errors.Join(tunnel.ErrConnect, f.connectErr)
	}

	return "https://demo.example.test/", nil
}

func (f *fakeTunnel) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnected++

	return f.disconnectErr
}

func (f *fakeTunnel) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.shutdowns++

	return nil
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	ext := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ext, "manifest.json"), []byte(testManifest), 0o600))

	key, err := crx.GenerateKey(testKeyBits)
	require.NoError(t, err)
	require.NoError(t, crx.WriteKey(filepath.Join(ext, crx.DefaultKeyFilename), key, false))

	return &config.Config{
		ExtensionDir: ext,
		PublicDir:    t.TempDir(),
		Tunnel:       config.Tunnel{Provider: tunnel.ProviderLocal},
	}
}

func publishedVersion(t *testing.T, cfg *config.Config) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(cfg.PublicDir, "update.xml"))
	require.NoError(t, err)

	doc, err := crx.ParseUpdateDocument(data)
	require.NoError(t, err)

	version, err := doc.Version()
	require.NoError(t, err)

	return version
}

// TestNew_FailsFast rejects missing directories before any I/O.
func TestNew_FailsFast(t *testing.T) {
	t.Parallel()

	_, err := New(&config.Config{PublicDir: t.TempDir()})
	require.ErrorIs(t, err, config.ErrConfiguration)

	_, err = New(&config.Config{ExtensionDir: t.TempDir()})
	require.ErrorIs(t, err, config.ErrConfiguration)

	_, err = New(nil)
	require.ErrorIs(t, err, config.ErrConfiguration)
}

// TestServer_Lifecycle starts, updates and stops with the fake tunnel.
func TestServer_Lifecycle(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	ft := new(fakeTunnel)

	srv, err := New(cfg, WithTunnel(ft))
	require.NoError(t, err)
	require.Equal(t, StateStopped, srv.State())

	require.ErrorIs(t, srv.Update(context.Background(), "patch"), ErrNotRunning)

	baseURL, err := srv.Start(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "https://demo.example.test", baseURL)
	require.Equal(t, StateRunning, srv.State())
	require.Equal(t, "https://demo.example.test/update.xml", srv.UpdateURL())
	require.Equal(t, "https://demo.example.test/extension", srv.ExtensionURL())
	require.Len(t, srv.ExtensionID(), 32)
	require.Positive(t, ft.port)
	require.Equal(t, "1.0.1", publishedVersion(t, cfg))

	_, err = srv.Start(context.Background(), false)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, srv.Update(context.Background(), "3.0.5"))
	require.Equal(t, "3.0.5", publishedVersion(t, cfg))

	require.NoError(t, srv.Update(context.Background(), "minor"))
	require.Equal(t, "3.1.0", publishedVersion(t, cfg))

	manifest, err := os.ReadFile(filepath.Join(cfg.ExtensionDir, "manifest.json"))
	require.NoError(t, err)
	require.Equal(t, testManifest, string(manifest))

	require.NoError(t, srv.Stop(context.Background()))
	require.Equal(t, StateStopped, srv.State())
	require.Empty(t, srv.UpdateURL())
	require.Equal(t, 1, ft.disconnected)
	require.Equal(t, 1, ft.shutdowns)

	// Second stop is a no-op.
	require.NoError(t, srv.Stop(context.Background()))
	require.Equal(t, 1, ft.disconnected)

	require.ErrorIs(t, srv.Update(context.Background(), "patch"), ErrNotRunning)
}

// TestServer_StartTunnelFailure leaves the server stopped and the port free.
func TestServer_StartTunnelFailure(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	ft := &fakeTunnel{connectErr: errTestTunnel}

	srv, err := New(cfg, WithTunnel(ft))
	require.NoError(t, err)

	_, err = srv.Start(context.Background(), false)
	require.ErrorIs(t, err, tunnel.ErrConnect)
	require.Equal(t, StateStopped, srv.State())

	_, err = os.Stat(filepath.Join(cfg.PublicDir, "update.xml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	// A later start works once the tunnel recovers.
	ft.mu.Lock()
	ft.connectErr = nil
	ft.mu.Unlock()

	_, err = srv.Start(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, srv.ExtensionID(), 32)
	require.NoError(t, srv.Stop(context.Background()))
}

// TestServer_StopAggregatesErrors reports tunnel teardown failures.
func TestServer_StopAggregatesErrors(t *testing.T) {
	t.Parallel()

	ft := &fakeTunnel{disconnectErr: errTestTunnel}

	srv, err := New(newTestConfig(t), WithTunnel(ft))
	require.NoError(t, err)

	_, err = srv.Start(context.Background(), true)
	require.NoError(t, err)

	err = srv.Stop(context.Background())
	require.ErrorIs(t, err, errTestTunnel)
	require.Equal(t, StateStopped, srv.State())
	require.Equal(t, 1, ft.shutdowns)
}

// TestServer_PackingFailure keeps running and surfaces the typed error.
func TestServer_PackingFailure(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	hs := health.NewServer()

	srv, err := New(cfg, WithTunnel(new(fakeTunnel)), WithHealth(hs), WithPacker(func(*crx.Options) (crx.Packer, error) {
		return failingPacker{}, nil
	}))
	require.NoError(t, err)

	ctx := context.Background()

	_, err = srv.Start(ctx, false)
	require.ErrorIs(t, err, repack.ErrPackingFailed)
	require.Equal(t, StateRunning, srv.State())
	require.False(t, hs.Serving(ctx))

	manifest, err := os.ReadFile(filepath.Join(cfg.ExtensionDir, "manifest.json"))
	require.NoError(t, err)
	require.Equal(t, testManifest, string(manifest))

	require.NoError(t, srv.Stop(context.Background()))
}

// TestServer_HealthFollowsPacking reports SERVING after a successful initial pack.
func TestServer_HealthFollowsPacking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hs := health.NewServer()

	srv, err := New(newTestConfig(t), WithTunnel(new(fakeTunnel)), WithHealth(hs))
	require.NoError(t, err)

	_, err = srv.Start(ctx, false)
	require.NoError(t, err)
	require.True(t, hs.Serving(ctx))

	require.NoError(t, srv.Stop(ctx))
	require.False(t, hs.Serving(ctx))
}

var errTestPack = errors.New("test pack error")

type failingPacker struct{}

func (failingPacker) Load(context.Context, string) error { return nil }

func (failingPacker) Pack(context.Context) ([]byte, error) { return nil, errTestPack }

func (failingPacker) UpdateDocument() ([]byte, error) { return nil, errTestPack }

func (failingPacker) ID() string { return "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" }

// TestServer_LocalTunnelServesArtifacts fetches both routes through the
// local provider and checks the observer.
func TestServer_LocalTunnelServesArtifacts(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)

	var (
		mu     sync.Mutex
		routes []string
	)

	srv, err := New(cfg)
	require.NoError(t, err)

	srv.OnRequest(extension.ObserverFunc(func(_ context.Context, req *extension.Request) {
		mu.Lock()
		defer mu.Unlock()

		routes = append(routes, req.Route)
	}))

	baseURL, err := srv.Start(context.Background(), false)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, srv.Stop(ctx))
	})

	client := &http.Client{Timeout: 5 * time.Second}

	for _, url := range []string{srv.UpdateURL(), srv.ExtensionURL()} {
		resp, getErr := client.Get(url) //nolint:noctx // Test request.
		require.NoError(t, getErr)

		body, readErr := io.ReadAll(resp.Body)
		require.NoError(t, readErr)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NotEmpty(t, body)
	}

	require.Contains(t, srv.UpdateURL(), baseURL)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(routes) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []string{extension.RouteUpdateDocument, extension.RouteBundle}, routes)
}
