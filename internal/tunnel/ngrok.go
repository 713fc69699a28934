package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/crx-server/internal/logger"
)

const (
	defaultNgrokBinary  = "ngrok"
	defaultNgrokAPIAddr = "127.0.0.1:4040"

	pollInterval = 250 * time.Millisecond
)

// ngrok option keys accepted by Connect.
const (
	OptionAuthtoken = "authtoken"
	OptionRegion    = "region"
	OptionDomain    = "domain"
	OptionBinary    = "binary"
	OptionAPIAddr   = "api_addr"
)

var (
	errAgentExited    = errors.New("ngrok agent exited")
	errAlreadyRunning = errors.New("ngrok tunnel already connected")
	errUnexpectedCode = errors.New("unexpected ngrok API status")
)

// Process is a launched agent.
type Process interface {
	Pid() int
	Kill() error
	Wait() error
}

// Launcher starts the agent binary.
type Launcher func(ctx context.Context, binary string, args, env []string) (Process, error)

// Ngrok drives a local ngrok agent.
type Ngrok struct {
	// launch starts the agent; replaced in tests.
	launch Launcher
	// client talks to the agent API.
	client *http.Client

	mu sync.Mutex
	// process is the running agent.
	process Process
	// exited is closed once the agent terminates.
	exited chan struct{}
	// binary is the agent executable used by Connect.
	binary string
	// apiBase is the agent API root, e.g. http://127.0.0.1:4040.
	apiBase string
	// tunnelName identifies the tunnel in the agent API.
	tunnelName string
}

// NgrokOption customises an Ngrok.
type NgrokOption func(*Ngrok)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) NgrokOption {
	return func(n *Ngrok) {
		n.launch = l
	}
}

// WithHTTPClient replaces the agent API client.
func WithHTTPClient(c *http.Client) NgrokOption {
	return func(n *Ngrok) {
		n.client = c
	}
}

// NewNgrok returns an idle ngrok provider.
func NewNgrok(opts ...NgrokOption) *Ngrok {
	n := &Ngrok{
		launch: execLauncher,
		client: &http.Client{Timeout: 5 * time.Second},
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Connect launches `ngrok http {port}` and waits until the agent API reports
// an https tunnel for the port.
func (n *Ngrok) Connect(ctx context.Context, port int, options map[string]string) (string, error) {
	ctx = logger.WithName(ctx, "ngrok")

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.process != nil {
		return "", errAlreadyRunning
	}

	n.binary = valueOr(options[OptionBinary], defaultNgrokBinary)
	n.apiBase = "http://" + valueOr(options[OptionAPIAddr], defaultNgrokAPIAddr)

	args, env := agentArgs(port, options)

	process, err := n.launch(ctx, n.binary, args, env)
	if err != nil {
		return "", fmt.Errorf("%w: start agent: %w", ErrConnect, err)
	}

	exited := make(chan struct{})

	go func() {
		_ = process.Wait()

		close(exited)
	}()

	n.process = process
	n.exited = exited

	logger.InfoKV(ctx, "Started ngrok agent", "pid", process.Pid(), "port", port)

	publicURL, name, err := n.waitForTunnel(ctx, port)
	if err != nil {
		n.stopLocked(ctx)

		return "", fmt.Errorf("%w: %w", ErrConnect, err)
	}

	n.tunnelName = name

	return publicURL, nil
}

// Disconnect removes the tunnel through the agent API.
func (n *Ngrok) Disconnect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tunnelName == "" {
		return nil
	}

	endpoint := n.apiBase + "/api/tunnels/" + url.PathEscape(n.tunnelName)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("disconnect tunnel: %w", err)
	}

	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("disconnect tunnel: %s: %w", resp.Status, errUnexpectedCode)
	}

	n.tunnelName = ""

	return nil
}

// Shutdown kills the agent and any ngrok agent this process spawned.
func (n *Ngrok) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopLocked(ctx)

	if n.binary == "" {
		return nil
	}

	return killChildren(filepath.Base(n.binary))
}

// stopLocked kills the tracked agent and waits for it to exit.
func (n *Ngrok) stopLocked(ctx context.Context) {
	if n.process == nil {
		return
	}

	if err := n.process.Kill(); err != nil {
		logger.DebugKV(ctx, "Kill ngrok agent", "error", err)
	}

	select {
	case <-n.exited:
	case <-ctx.Done():
	}

	n.process = nil
	n.exited = nil
	n.tunnelName = ""
}

// agentTunnels mirrors GET /api/tunnels.
type agentTunnels struct {
	Tunnels []struct {
		Name      string `json:"name"`
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
		Config    struct {
			Addr string `json:"addr"`
		} `json:"config"`
	} `json:"tunnels"`
}

func (n *Ngrok) waitForTunnel(ctx context.Context, port int) (publicURL, name string, err error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		publicURL, name, err = n.lookupTunnel(ctx, port)
		if err == nil && publicURL != "" {
			return publicURL, name, nil
		}

		if err != nil {
			logger.DebugKV(ctx, "Waiting for ngrok agent API", "error", err)
		}

		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-n.exited:
			return "", "", errAgentExited
		case <-ticker.C:
		}
	}
}

func (n *Ngrok) lookupTunnel(ctx context.Context, port int) (publicURL, name string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.apiBase+"/api/tunnels", http.NoBody)
	if err != nil {
		return "", "", err
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return "", "", err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("%s: %w", resp.Status, errUnexpectedCode)
	}

	var list agentTunnels
	if err = json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", "", fmt.Errorf("decode tunnels: %w", err)
	}

	suffix := ":" + strconv.Itoa(port)

	for _, t := range list.Tunnels {
		if strings.HasPrefix(t.PublicURL, "https://") && strings.HasSuffix(t.Config.Addr, suffix) {
			return t.PublicURL, t.Name, nil
		}
	}

	return "", "", nil
}

// agentArgs builds the command line and environment for the agent.
// The authtoken goes through the environment so it does not show up in process listings.
func agentArgs(port int, options map[string]string) (args, env []string) {
	args = []string{"http", strconv.Itoa(port), "--log", "stdout", "--log-format", "json"}

	if region := options[OptionRegion]; region != "" {
		args = append(args, "--region", region)
	}

	if domain := options[OptionDomain]; domain != "" {
		args = append(args, "--domain", domain)
	}

	env = os.Environ()
	if token := options[OptionAuthtoken]; token != "" {
		env = append(env, "NGROK_AUTHTOKEN="+token)
	}

	return args, env
}

// execProcess adapts *exec.Cmd to Process.
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

// execLauncher starts the agent detached from ctx so it outlives the connect call.
//
//nolint:ireturn // Launcher signature returns the interface.
func execLauncher(_ context.Context, binary string, args, env []string) (Process, error) {
	//nolint:gosec,noctx // The binary and arguments come from configuration; lifetime is managed by Shutdown.
	cmd := exec.Command(binary, args...)
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execProcess{cmd: cmd}, nil
}

// killChildren kills processes named executable whose parent is this process.
func killChildren(executable string) error {
	processes, err := ps.Processes()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	self := os.Getpid()

	var errs []error

	for _, p := range processes {
		if p.PPid() != self || p.Executable() != executable {
			continue
		}

		running, findErr := os.FindProcess(p.Pid())
		if findErr != nil {
			errs = append(errs, findErr)

			continue
		}

		if killErr := running.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			errs = append(errs, killErr)
		}
	}

	return errors.Join(errs...)
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}

	return value
}
