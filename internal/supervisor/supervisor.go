// Package supervisor implements the Requester Supervisor (C7): it holds
// the declarative set of Providers a Requester connects through and
// drives each one's connect/tunnel/route lifecycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/meshgate/meshtund/internal/admission"
	"github.com/meshgate/meshtund/internal/apiclient"
	"github.com/meshgate/meshtund/internal/config"
	"github.com/meshgate/meshtund/internal/handshake"
	"github.com/meshgate/meshtund/internal/keystore"
	"github.com/meshgate/meshtund/internal/routeannounce"
	"github.com/meshgate/meshtund/internal/wgdriver"
)

// ExitCodeStartFailure is the distinctive process exit code for an
// unrecoverable Requester start failure. The reconcile loop has no safe
// in-process recovery from it: a restart re-reads the declarative config
// and retries from scratch.
const ExitCodeStartFailure = 51

// ProviderVersionMinimum is the lowest Provider protocol version this
// Requester speaks to. Lower versions trigger the graceful-migration
// backoff instead of a hard failure.
const ProviderVersionMinimum = 2

// ErrCancelled is returned by startRequester when ctx is cancelled mid-probe.
// It is not treated as a fatal start failure.
var ErrCancelled = errors.New("supervisor: start cancelled")

type versionResponse struct {
	Version int `json:"version"`
}

// Supervisor drives the Requester side of the system: for every
// configured Provider, it probes availability, registers, brings the
// tunnel up, announces routes, and watches for silent failure.
type Supervisor struct {
	cfg     config.RequesterConfig
	driver  wgdriver.Controller
	keys    *keystore.Store
	routes  *routeannounce.Announcer
	watcher *handshake.Watcher
	logger  *slog.Logger
	exit    func(code int)

	mu     sync.Mutex
	active map[string]activeProvider
}

type activeProvider struct {
	provider   config.RequesterProvider
	configPath string
	iface      string
}

// New creates a Supervisor.
func New(cfg config.RequesterConfig, driver wgdriver.Controller, keys *keystore.Store, routes *routeannounce.Announcer, watcher *handshake.Watcher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		driver:  driver,
		keys:    keys,
		routes:  routes,
		watcher: watcher,
		logger:  logger.With("component", "supervisor"),
		exit:    os.Exit,
		active:  make(map[string]activeProvider),
	}
}

// Reconcile brings the active provider set in line with providers: it
// stops Providers no longer present, then starts newly-added ones. After
// both passes it ensures the handshake watcher is running iff at least
// one Provider is active.
func (s *Supervisor) Reconcile(ctx context.Context, providers []config.RequesterProvider) {
	wanted := make(map[string]config.RequesterProvider, len(providers))
	for _, p := range providers {
		wanted[p.Name] = p
	}

	s.mu.Lock()
	var toStop []string
	for name := range s.active {
		if _, ok := wanted[name]; !ok {
			toStop = append(toStop, name)
		}
	}
	var toStart []config.RequesterProvider
	for name, p := range wanted {
		if _, ok := s.active[name]; !ok {
			toStart = append(toStart, p)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range toStop {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.stopRequester(ctx, name)
		}(name)
	}
	wg.Wait()

	for _, p := range toStart {
		wg.Add(1)
		go func(p config.RequesterProvider) {
			defer wg.Done()
			s.startRequesterOrExit(ctx, p)
		}(p)
	}
	wg.Wait()

	s.mu.Lock()
	active := len(s.active)
	s.mu.Unlock()

	if active > 0 {
		s.watcher.StartWatching(ctx)
	} else {
		s.watcher.StopWatching()
	}
}

// startRequesterOrExit runs startRequester and, per the design's
// recovery model, terminates the process on any unhandled failure other
// than context cancellation.
func (s *Supervisor) startRequesterOrExit(ctx context.Context, p config.RequesterProvider) {
	err := s.startRequester(ctx, p)
	if err == nil || errors.Is(err, ErrCancelled) {
		return
	}
	s.logger.Error("requester start failed, exiting", "provider", p.Name, "error", err)
	s.exit(ExitCodeStartFailure)
}

func (s *Supervisor) startRequester(ctx context.Context, p config.RequesterProvider) error {
	conn, err := config.ParseProviderConnection(p.Provider)
	if err != nil {
		return fmt.Errorf("supervisor: provider %s: %w", p.Name, err)
	}

	client, err := apiclient.New(apiclient.Config{BaseURL: conn.BackendURL})
	if err != nil {
		return fmt.Errorf("supervisor: provider %s: %w", p.Name, err)
	}

	if err := s.waitForPing(ctx, p, client); err != nil {
		return err
	}
	if err := s.waitForCompatibleVersion(ctx, p, client); err != nil {
		return err
	}

	wgKeys, err := s.keys.GetOrGenerate(conn.BackendURL)
	if err != nil {
		return fmt.Errorf("supervisor: provider %s: key store: %w", p.Name, err)
	}

	var reg admission.RegisterResponse
	reqBody := admission.RegisterRequest{
		UserID:        conn.UserID,
		VPNPublicKey:  wgKeys.PublicKeyB64(),
		AuthToken:     conn.Signature,
		ClientVersion: ProviderVersionMinimum,
	}
	if err := client.PostJSON(ctx, "/api/register", reqBody, &reg); err != nil {
		return fmt.Errorf("supervisor: provider %s: register: %w", p.Name, err)
	}

	configPath := configPathFor(s.cfg.ConfigDir, p.Name)
	if err := writeTunnelConfig(configPath, wgKeys.PrivateKeyB64(), reg.WGConfig.WGInterface.Address, reg.WGConfig.Peers); err != nil {
		return fmt.Errorf("supervisor: provider %s: persist tunnel config: %w", p.Name, err)
	}

	// Down first tolerates leftover state from a prior crashed run.
	if err := s.driver.InterfaceDown(ctx, configPath); err != nil {
		s.logger.Warn("interface down failed (tolerated)", "provider", p.Name, "error", err)
	}
	if err := s.driver.InterfaceUp(ctx, configPath); err != nil {
		return fmt.Errorf("supervisor: provider %s: interface up: %w", p.Name, err)
	}

	s.probeConnectivity(ctx, p, reg.ServerIP)

	iface := interfaceNameFor(p.Name)
	params := routeannounce.Params{
		BackendURL: conn.BackendURL,
		UserID:     conn.UserID,
		Signature:  conn.Signature,
		RouteIP:    reg.RouteIP,
		RoutePort:  reg.RoutePort,
	}
	if err := s.routes.Register(ctx, params); err != nil {
		s.logger.Warn("route announce failed (tunnel still carries traffic)", "provider", p.Name, "error", err)
	} else {
		s.routes.StartRefreshLoop(p.Name, params)
	}

	s.watcher.Add(p.Name, iface)

	s.mu.Lock()
	s.active[p.Name] = activeProvider{provider: p, configPath: configPath, iface: iface}
	s.mu.Unlock()

	s.logger.Info("requester started", "provider", p.Name, "server_ip", reg.ServerIP)
	return nil
}

func (s *Supervisor) waitForPing(ctx context.Context, p config.RequesterProvider, client *apiclient.Client) error {
	for {
		if _, err := client.GetText(ctx, "/api/ping"); err == nil {
			return nil
		} else {
			s.logger.Debug("ping probe failed, retrying", "provider", p.Name, "error", err)
		}

		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}

func (s *Supervisor) waitForCompatibleVersion(ctx context.Context, p config.RequesterProvider, client *apiclient.Client) error {
	for {
		var resp versionResponse
		err := client.GetJSON(ctx, "/router/api/version", &resp)
		if err == nil && resp.Version >= ProviderVersionMinimum {
			return nil
		}
		if err != nil {
			s.logger.Debug("version probe failed, retrying", "provider", p.Name, "error", err)
		} else {
			s.logger.Info("provider speaks an older protocol, backing off", "provider", p.Name, "version", resp.Version)
		}

		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(providerRetryInterval):
		}
	}
}

// providerRetryInterval is the graceful-migration backoff used when a
// Provider advertises an incompatible protocol version.
const providerRetryInterval = 600 * time.Second

// probeConnectivity performs a one-shot ICMP echo to confirm the tunnel
// carries traffic. Failure is logged only; it never fails startRequester.
func (s *Supervisor) probeConnectivity(ctx context.Context, p config.RequesterProvider, serverIP string) {
	if serverIP == "" {
		return
	}
	cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", "1", serverIP)
	if err := cmd.Run(); err != nil {
		s.logger.Warn("connectivity probe failed", "provider", p.Name, "server_ip", serverIP, "error", err)
	}
}

// RestartProvider stops and restarts a single already-active Provider. It
// is the handshake watcher's restart callback: a silent tunnel is torn
// down and re-established from scratch.
func (s *Supervisor) RestartProvider(ctx context.Context, name string) {
	s.mu.Lock()
	ap, ok := s.active[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Warn("restarting provider", "provider", name)
	s.stopRequester(ctx, name)
	s.startRequesterOrExit(ctx, ap.provider)
}

func (s *Supervisor) stopRequester(ctx context.Context, name string) {
	s.mu.Lock()
	ap, ok := s.active[name]
	if ok {
		delete(s.active, name)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.routes.Stop(name)
	s.watcher.Remove(name)

	if err := s.driver.InterfaceDown(ctx, ap.configPath); err != nil {
		s.logger.Warn("interface down failed during stop (tolerated)", "provider", name, "error", err)
	}
	if err := os.Remove(ap.configPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove tunnel config failed (tolerated)", "provider", name, "error", err)
	}

	s.logger.Info("requester stopped", "provider", name)
}

// interfaceNameFor derives a Linux-legal interface name from a Provider's
// configured name. Interface names are capped at 15 characters.
func interfaceNameFor(name string) string {
	const maxLen = 15
	const prefix = "mt-"

	sanitized := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			sanitized = append(sanitized, c)
		case c >= 'A' && c <= 'Z':
			sanitized = append(sanitized, c-'A'+'a')
		default:
			sanitized = append(sanitized, '-')
		}
	}

	iface := prefix + string(sanitized)
	if len(iface) > maxLen {
		iface = iface[:maxLen]
	}
	return iface
}
