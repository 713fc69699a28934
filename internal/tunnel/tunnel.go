package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	// ProviderNgrok selects the ngrok agent.
	ProviderNgrok = "ngrok"
	// ProviderLocal selects the loopback provider.
	ProviderLocal = "local"
)

var (
	// ErrConnect wraps every failure to establish a tunnel.
	ErrConnect = errors.New("tunnel connect failed")
	// ErrUnknownProvider is returned by New for unsupported providers.
	ErrUnknownProvider = errors.New("unknown tunnel provider")
)

// Tunnel exposes a local port under a public URL.
type Tunnel interface {
	// Connect starts forwarding to port and returns the public base URL.
	// options are provider specific and passed through untouched.
	Connect(ctx context.Context, port int, options map[string]string) (string, error)
	// Disconnect closes the forwarding started by Connect.
	Disconnect(ctx context.Context) error
	// Shutdown releases every resource held by the provider.
	Shutdown(ctx context.Context) error
}

// New returns the Tunnel for provider.
//
//nolint:ireturn // Callers only depend on the interface.
func New(provider string) (Tunnel, error) {
	switch provider {
	case ProviderNgrok, "":
		return NewNgrok(), nil
	case ProviderLocal:
		return NewLocal(), nil
	default:
		return nil, fmt.Errorf("%q: %w", provider, ErrUnknownProvider)
	}
}

// Local forwards nothing and reports a loopback URL.
type Local struct{}

// NewLocal returns the loopback provider.
func NewLocal() *Local {
	return new(Local)
}

// Connect returns http://{host}:{port}; host defaults to 127.0.0.1.
func (*Local) Connect(_ context.Context, port int, options map[string]string) (string, error) {
	if port <= 0 {
		return "", fmt.Errorf("port %d: %w", port, ErrConnect)
	}

	host := options["host"]
	if host == "" {
		host = "127.0.0.1"
	}

	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Disconnect is a no-op.
func (*Local) Disconnect(context.Context) error {
	return nil
}

// Shutdown is a no-op.
func (*Local) Shutdown(context.Context) error {
	return nil
}
