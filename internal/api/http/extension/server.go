package extension

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/oshokin/crx-server/internal/logger"
	"github.com/oshokin/crx-server/internal/repository/artifact"
)

const (
	// DefaultUpdatePath serves the update document.
	DefaultUpdatePath = "/update.xml"
	// DefaultBundlePath serves the bundle.
	DefaultBundlePath = "/extension"

	// ContentTypeUpdateDocument is sent with the update document.
	ContentTypeUpdateDocument = "application/xml"
	// ContentTypeBundle is sent with the bundle.
	ContentTypeBundle = "application/x-chrome-extension"

	readHeaderTimeout = 10 * time.Second
)

func init() { //nolint:gochecknoinits // gin reads its mode from a package variable.
	gin.SetMode(gin.ReleaseMode)
}

// Options configure a Server.
type Options struct {
	// PublicDir holds update.xml and extension.crx.
	PublicDir string
	// UpdatePath overrides DefaultUpdatePath.
	UpdatePath string
	// BundlePath overrides DefaultBundlePath.
	BundlePath string
	// Observer is notified after each served request; may be nil.
	Observer Observer
}

// Server serves the two artifact routes.
type Server struct {
	// engine routes requests.
	engine *gin.Engine
	// metrics collects per-route counters.
	metrics *metrics
	// publicDir is where artifacts are read from.
	publicDir string

	// mu guards observer and httpServer.
	mu         sync.RWMutex
	observer   Observer
	httpServer *http.Server
}

// NewServer builds a Server and registers its routes.
func NewServer(opts *Options) *Server {
	s := &Server{
		engine:    gin.New(),
		metrics:   newMetrics(),
		publicDir: filepath.Clean(opts.PublicDir),
		observer:  opts.Observer,
	}

	updatePath := opts.UpdatePath
	if updatePath == "" {
		updatePath = DefaultUpdatePath
	}

	bundlePath := opts.BundlePath
	if bundlePath == "" {
		bundlePath = DefaultBundlePath
	}

	s.engine.Use(gin.Recovery(), s.metrics.middleware())
	s.engine.GET(updatePath, s.serveFile(RouteUpdateDocument, artifact.UpdateDocumentFilename, ContentTypeUpdateDocument))
	s.engine.GET(bundlePath, s.serveFile(RouteBundle, artifact.BundleFilename, ContentTypeBundle))

	return s
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// MetricsHandler exposes the request metrics in the Prometheus text format.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.handler()
}

// SetObserver replaces the observer; nil disables notifications.
func (s *Server) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observer = o
}

// Serve accepts connections on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	httpServer := s.httpServer
	s.mu.RUnlock()

	if httpServer == nil {
		return nil
	}

	return httpServer.Shutdown(ctx)
}

func (s *Server) serveFile(route, filename, contentType string) gin.HandlerFunc {
	path := filepath.Join(s.publicDir, filename)

	return func(c *gin.Context) {
		started := time.Now()
		id := uuid.NewString()

		c.Set(routeKey, route)
		c.Header("X-Request-Id", id)
		c.Header("Content-Type", contentType)
		c.File(path)

		req := &Request{
			ID:         id,
			Route:      route,
			Method:     c.Request.Method,
			URL:        c.Request.RequestURI,
			RemoteAddr: c.Request.RemoteAddr,
			UserAgent:  c.Request.UserAgent(),
			Status:     c.Writer.Status(),
			Duration:   time.Since(started),
			Time:       started,
		}

		ctx := c.Request.Context()
		logger.DebugKV(ctx, "Served request", "route", route, "status", req.Status, "remote_addr", req.RemoteAddr)

		s.notify(ctx, req)
	}
}

func (s *Server) notify(ctx context.Context, req *Request) {
	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()

	if o != nil {
		o.ObserveRequest(ctx, req)
	}
}
