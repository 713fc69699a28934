package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/oshokin/crx-server/internal/api/grpc/health"
	"github.com/oshokin/crx-server/internal/api/http/extension"
	"github.com/oshokin/crx-server/internal/config"
	"github.com/oshokin/crx-server/internal/crx"
	"github.com/oshokin/crx-server/internal/logger"
	"github.com/oshokin/crx-server/internal/repository/artifact"
	"github.com/oshokin/crx-server/internal/service/repack"
	"github.com/oshokin/crx-server/internal/tunnel"
)

// State is a lifecycle phase of a Server.
type State string

const (
	// StateStopped is the initial and final state.
	StateStopped State = "stopped"
	// StateStarting covers binding, tunnel connect and the initial pack.
	StateStarting State = "starting"
	// StateRunning accepts Update calls.
	StateRunning State = "running"
	// StateStopping covers HTTP shutdown and tunnel teardown.
	StateStopping State = "stopping"
)

var (
	// ErrNotRunning is returned by Update outside StateRunning.
	ErrNotRunning = errors.New("server is not running")
	// ErrAlreadyRunning is returned by Start outside StateStopped.
	ErrAlreadyRunning = errors.New("server is already running")
)

// Option customizes a Server.
type Option func(*Server)

// WithTunnel replaces the tunnel selected by the configured provider.
func WithTunnel(t tunnel.Tunnel) Option {
	return func(s *Server) {
		s.tunnel = t
	}
}

// WithPacker replaces crx.NewPacker.
func WithPacker(f crx.Factory) Option {
	return func(s *Server) {
		s.packer = f
	}
}

// WithObserver sets the initial request observer.
func WithObserver(o extension.Observer) Option {
	return func(s *Server) {
		s.http.SetObserver(o)
	}
}

// WithHealth reports the lifecycle through a gRPC health server.
func WithHealth(h *health.Server) Option {
	return func(s *Server) {
		s.health = h
	}
}

// Server serves one extension over one tunnel.
type Server struct {
	cfg    config.Config
	http   *extension.Server
	tunnel tunnel.Tunnel
	packer crx.Factory
	health *health.Server
	// store is shared by every pack cycle of this server.
	store *artifact.Store

	// lifecycle serializes Start, Update and Stop.
	lifecycle sync.Mutex
	listener  net.Listener
	serveDone chan error

	// mu guards the fields below.
	mu           sync.RWMutex
	state        State
	baseURL      string
	updateURL    string
	extensionURL string
	extensionID  string
}

// New validates cfg and builds a stopped Server. No I/O happens here.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is not set", config.ErrConfiguration)
	}

	s := &Server{
		cfg:   *cfg,
		state: StateStopped,
	}

	if err := config.Validate(&s.cfg); err != nil {
		return nil, err
	}

	s.store = artifact.NewStore(s.cfg.PublicDir)

	s.http = extension.NewServer(&extension.Options{
		PublicDir:  s.cfg.PublicDir,
		UpdatePath: s.cfg.UpdatePath,
		BundlePath: s.cfg.BundlePath,
	})

	for _, opt := range opts {
		opt(s)
	}

	if s.tunnel == nil {
		t, err := tunnel.New(s.cfg.Tunnel.Provider)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
		}

		s.tunnel = t
	}

	return s, nil
}

// Start binds the HTTP listener, connects the tunnel and, unless
// skipInitialPack is set, packs with the configured initial version.
//
// Listener and tunnel failures leave the server stopped. A packing failure
// is returned together with the base URL and the server keeps running, but
// health stays NOT_SERVING until a pack cycle succeeds.
func (s *Server) Start(ctx context.Context, skipInitialPack bool) (string, error) {
	ctx = logger.WithName(ctx, "server")

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != StateStopped {
		return "", ErrAlreadyRunning
	}

	s.setState(StateStarting)

	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		s.setState(StateStopped)

		return "", fmt.Errorf("listen on port %d: %w", s.cfg.Port, err)
	}

	port := s.cfg.Port
	if addr, ok := lis.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	serveDone := make(chan error, 1)

	go func() {
		serveDone <- s.http.Serve(lis)
	}()

	s.listener = lis
	s.serveDone = serveDone

	logger.InfoKV(ctx, "Serving extension artifacts", "port", port, "public_dir", s.cfg.PublicDir)

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.Tunnel.ConnectTimeout)
	defer cancel()

	publicURL, err := s.tunnel.Connect(connectCtx, port, s.cfg.Tunnel.Options)
	if err != nil {
		logger.ErrorKV(ctx, "Tunnel connect failed", "provider", s.cfg.Tunnel.Provider, "error", err)

		s.shutdownHTTP(ctx)
		s.setState(StateStopped)

		return "", err
	}

	baseURL := strings.TrimRight(publicURL, "/")

	s.mu.Lock()
	s.baseURL = baseURL
	s.updateURL = repack.JoinURL(baseURL, s.cfg.UpdatePath, repack.UpdateDocumentRoute)
	s.extensionURL = repack.JoinURL(baseURL, s.cfg.BundlePath, repack.BundleRoute)
	s.state = StateRunning
	s.mu.Unlock()

	logger.InfoKV(ctx, "Server started", "base_url", baseURL, "update_url", s.UpdateURL())

	if !skipInitialPack {
		return baseURL, s.repack(ctx, s.cfg.InitialVersion)
	}

	s.loadExtensionID(ctx)

	// Previously published artifacts are served as they are.
	if s.health != nil {
		s.health.SetServing(true)
	}

	return baseURL, nil
}

// Update runs one repack cycle against the established base URL.
// versionSpec is empty, a bump keyword or an explicit version.
func (s *Server) Update(ctx context.Context, versionSpec string) error {
	ctx = logger.WithName(ctx, "server")

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != StateRunning {
		return ErrNotRunning
	}

	return s.repack(ctx, versionSpec)
}

// Stop shuts the HTTP server down, then disconnects and shuts down the
// tunnel. Errors of every step are aggregated. Stopping a stopped server is
// a no-op.
func (s *Server) Stop(ctx context.Context) error {
	ctx = logger.WithName(ctx, "server")

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == StateStopped {
		return nil
	}

	s.setState(StateStopping)

	if s.health != nil {
		s.health.SetServing(false)
	}

	var result *multierror.Error

	if err := s.http.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown http: %w", err))
	}

	if err := s.waitServe(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("serve http: %w", err))
	}

	if err := s.tunnel.Disconnect(ctx); err != nil {
		logger.WarnKV(ctx, "Tunnel disconnect failed", "error", err)
		result = multierror.Append(result, err)
	}

	if err := s.tunnel.Shutdown(ctx); err != nil {
		logger.WarnKV(ctx, "Tunnel shutdown failed", "error", err)
		result = multierror.Append(result, err)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.baseURL = ""
	s.updateURL = ""
	s.extensionURL = ""
	s.mu.Unlock()

	logger.Info(ctx, "Server stopped")

	return result.ErrorOrNil()
}

// OnRequest replaces the observer notified after every served request.
func (s *Server) OnRequest(o extension.Observer) {
	s.http.SetObserver(o)
}

// State returns the current lifecycle phase.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// BaseURL returns the public base URL, empty unless running.
func (s *Server) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.baseURL
}

// UpdateURL returns the public update document URL, empty unless running.
func (s *Server) UpdateURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.updateURL
}

// ExtensionURL returns the public bundle URL, empty unless running.
func (s *Server) ExtensionURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.extensionURL
}

// ExtensionID returns the ID derived from the signing key, empty until known.
func (s *Server) ExtensionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.extensionID
}

// MetricsHandler exposes the request metrics.
func (s *Server) MetricsHandler() http.Handler {
	return s.http.MetricsHandler()
}

func (s *Server) repack(ctx context.Context, versionSpec string) error {
	result, err := repack.Run(ctx, &repack.Options{
		ExtensionDir:   s.cfg.ExtensionDir,
		PublicDir:      s.cfg.PublicDir,
		BaseURL:        s.BaseURL(),
		UpdatePath:     s.cfg.UpdatePath,
		BundlePath:     s.cfg.BundlePath,
		PrivateKeyPath: s.cfg.PrivateKeyPath,
		Version:        versionSpec,
		Packer:         s.packer,
		Store:          s.store,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.extensionID = result.ExtensionID
	s.mu.Unlock()

	if s.health != nil {
		s.health.SetServing(true)
	}

	return nil
}

// loadExtensionID derives the ID when no pack ran; a missing key is only logged.
func (s *Server) loadExtensionID(ctx context.Context) {
	key, err := crx.ReadKey(s.cfg.PrivateKeyPath)
	if err != nil {
		logger.WarnKV(ctx, "Extension ID unknown until the first pack", "error", err)

		return
	}

	id, err := crx.IDFromKey(key)
	if err != nil {
		logger.WarnKV(ctx, "Extension ID unknown until the first pack", "error", err)

		return
	}

	s.mu.Lock()
	s.extensionID = id
	s.mu.Unlock()
}

func (s *Server) shutdownHTTP(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		logger.WarnKV(ctx, "HTTP shutdown failed", "error", err)
	}

	if err := s.waitServe(ctx); err != nil {
		logger.WarnKV(ctx, "HTTP server failed", "error", err)
	}
}

// waitServe closes the listener and waits for the Serve goroutine started by
// Start. Closing the listener covers a Shutdown that ran before Serve did.
func (s *Server) waitServe(ctx context.Context) error {
	if s.serveDone == nil {
		return nil
	}

	_ = s.listener.Close()

	select {
	case err := <-s.serveDone:
		s.serveDone = nil
		s.listener = nil

		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
