package integration

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/crx-server/internal/api/grpc/health"
	"github.com/oshokin/crx-server/internal/config"
	"github.com/oshokin/crx-server/internal/service/server"
	"github.com/oshokin/crx-server/internal/tunnel"
)

// TestRun_ServesWatchesAndReports runs the whole process from a settings
// file: artifacts, watcher repacks, metrics and the control endpoint.
func TestRun_ServesWatchesAndReports(t *testing.T) {
	t.Parallel()

	_, portText, err := net.SplitHostPort(reservePort(t))
	require.NoError(t, err)

	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	extDir := newExtension(t)
	controlAddr := reservePort(t)
	metricsAddr := reservePort(t)

	cfgPath := filepath.Join(t.TempDir(), "crx-server.yaml")
	require.NoError(t, config.Save(cfgPath, &config.Config{
		Port:          port,
		ExtensionDir:  extDir,
		PublicDir:     t.TempDir(),
		Tunnel:        config.Tunnel{Provider: tunnel.ProviderLocal},
		ControlAddr:   controlAddr,
		MetricsAddr:   metricsAddr,
		Watch:         true,
		WatchDebounce: 100 * time.Millisecond,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- server.Run(ctx, &server.Options{ConfigPath: cfgPath})
	}()

	updateURL := "http://127.0.0.1:" + portText + "/update.xml"

	require.Eventually(t, func() bool {
		status, probeErr := health.Probe(context.Background(), controlAddr)

		return probeErr == nil && status == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 50*time.Millisecond)

	require.Equal(t, "1.0.1", servedVersion(t, updateURL))

	// Let the watcher register the tree.
	time.Sleep(300 * time.Millisecond)

	// A source change is repacked with a patch bump.
	require.NoError(t, os.WriteFile(filepath.Join(extDir, "background.js"), []byte("console.log('v2');\n"), 0o600))

	require.Eventually(t, func() bool {
		return currentVersion(updateURL) == "1.0.2"
	}, 5*time.Second, 100*time.Millisecond)

	// The repack's own manifest writes do not trigger another cycle.
	time.Sleep(500 * time.Millisecond)
	require.Equal(t, "1.0.2", servedVersion(t, updateURL))

	metrics := string(fetch(t, "http://"+metricsAddr+"/metrics"))
	require.Contains(t, metrics, "crx_server_requests_total")
	require.Contains(t, metrics, `route="update_document"`)

	cancel()

	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

// TestRun_InvalidConfiguration fails before binding anything.
func TestRun_InvalidConfiguration(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "crx-server.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("port: 9000\n"), 0o600))

	err := server.Run(context.Background(), &server.Options{ConfigPath: cfgPath})
	require.ErrorIs(t, err, config.ErrConfiguration)
}
