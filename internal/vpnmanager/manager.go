// Package vpnmanager orchestrates the IP Pool, Peer Table, and Tunnel
// Driver behind the Provider Admission Service: it assigns overlay IPs,
// rotates peer keys, persists peer records, and returns the tunnel
// configuration a Requester should install.
package vpnmanager

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshgate/meshtund/internal/ippool"
	"github.com/meshgate/meshtund/internal/peertable"
	"github.com/meshgate/meshtund/internal/wgdriver"
)

// PeerTemplate is the server's own peer entry, returned to a Requester so
// it can install it as the single peer in its own tunnel configuration.
type PeerTemplate struct {
	PublicKey           string   `json:"publicKey"`
	AllowedIPs          []string `json:"allowedIps"`
	Endpoint            string   `json:"endpoint"`
	PersistentKeepalive int      `json:"persistentKeepalive"`
}

// RegisterResult is returned by RegisterPeer.
type RegisterResult struct {
	Address []string       `json:"address"`
	Peers   []PeerTemplate `json:"peers"`
}

// Manager is the Provider VPN Manager (C6).
type Manager struct {
	cfg       Config
	pool      *ippool.Pool
	table     *peertable.Table
	driver    wgdriver.Controller
	serverPub []byte
	logger    *slog.Logger

	mu sync.Mutex // serializes RegisterPeer
}

// New creates and starts a Manager: it brings the overlay subnet's IP pool
// online, reuses or generates the server key pair, brings the tunnel
// interface up (toggling down-then-up to reset stale state), and loads the
// persisted peer table, leasing every peer's IP.
func New(ctx context.Context, driver wgdriver.Controller, cfg Config, logger *slog.Logger) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "vpnmanager")

	pool, err := ippool.New(cfg.CIDR)
	if err != nil {
		return nil, fmt.Errorf("vpnmanager: %w", err)
	}

	seed, err := seedFor(cfg, pool)
	if err != nil {
		return nil, err
	}

	table, err := peertable.Open(cfg.ConfigPath, cfg.InterfaceName, driver, seed, logger)
	if err != nil {
		return nil, fmt.Errorf("vpnmanager: open peer table: %w", err)
	}

	serverPriv, err := base64.StdEncoding.DecodeString(table.ServerPrivateKeyB64())
	if err != nil {
		return nil, fmt.Errorf("vpnmanager: decode server private key: %w", err)
	}
	serverPub, err := wgdriver.DerivePublicKey(serverPriv)
	if err != nil {
		return nil, fmt.Errorf("vpnmanager: derive server public key: %w", err)
	}

	// Toggle down-then-up to reset any stale interface state left by a
	// previous process.
	_ = driver.InterfaceDown(ctx, cfg.ConfigPath)
	if err := driver.InterfaceUp(ctx, cfg.ConfigPath); err != nil {
		return nil, fmt.Errorf("vpnmanager: bring interface up: %w", err)
	}

	for name, peer := range table.All() {
		if err := pool.Lease(peer.IP, true); err != nil {
			logger.Warn("failed to lease persisted peer IP", "name", name, "ip", peer.IP, "error", err)
		}
	}

	m := &Manager{
		cfg:       cfg,
		pool:      pool,
		table:     table,
		driver:    driver,
		serverPub: serverPub,
		logger:    logger,
	}

	logger.Info("vpn manager started",
		"interface", cfg.InterfaceName,
		"cidr", cfg.CIDR,
		"peer_count", len(table.All()),
	)

	return m, nil
}

// seedFor builds the [Interface] seed used only when the configuration
// file does not yet exist: the Provider's own reserved address and a
// freshly generated server key pair.
func seedFor(cfg Config, pool *ippool.Pool) (peertable.InterfaceConfig, error) {
	providerAddr := pool.Prefix().Addr().Next()

	priv, err := wgdriver.GeneratePrivateKey()
	if err != nil {
		return peertable.InterfaceConfig{}, fmt.Errorf("vpnmanager: generate server key: %w", err)
	}

	return peertable.InterfaceConfig{
		PrivateKeyB64: base64.StdEncoding.EncodeToString(priv),
		Address:       fmt.Sprintf("%s/%d", providerAddr, prefixBits(cfg.CIDR)),
		ListenPort:    cfg.ListenPort,
	}, nil
}

func prefixBits(cidr string) int {
	// Best-effort: the CIDR was already validated by ippool.New before this
	// is called, so this only extracts the bit-length for display purposes.
	for i := len(cidr) - 1; i >= 0; i-- {
		if cidr[i] == '/' {
			bits := 0
			fmt.Sscanf(cidr[i+1:], "%d", &bits)
			return bits
		}
	}
	return 32
}

// RegisterPeer implements the Provider state machine on a peer name:
// Absent -> Present(pk, ip), idempotent on repeated registration with the
// same key, rotating to a fresh IP when the key changes. Calls are
// serialized against each other.
func (m *Manager) RegisterPeer(ctx context.Context, publicKeyB64, name string) (RegisterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, rotating := m.table.Get(name)
	if rotating && existing.PublicKeyB64 == publicKeyB64 {
		return m.resultFor(existing), nil
	}

	// The fresh address is allocated while a rotated-out peer still holds
	// its old one, so rotation never hands the same IP back.
	addr, err := m.pool.Allocate()
	if err != nil {
		return RegisterResult{}, fmt.Errorf("vpnmanager: register %s: %w", name, err)
	}

	if rotating {
		// Key rotation: remove the old record and release its IP before the
		// new record is installed.
		if err := m.removePeer(ctx, name); err != nil {
			m.pool.Release(addr)
			return RegisterResult{}, fmt.Errorf("vpnmanager: rotate key for %s: %w", name, err)
		}
	}

	peer := peertable.Peer{Name: name, PublicKeyB64: publicKeyB64, IP: addr}
	if err := m.table.Add(ctx, peer); err != nil {
		m.pool.Release(addr)
		return RegisterResult{}, fmt.Errorf("vpnmanager: register %s: %w", name, err)
	}

	if n := len(m.table.All()); n%peerCountMilestone == 0 {
		m.logger.Info("peer table size milestone", "peer_count", n)
	}

	return m.resultFor(peer), nil
}

// peerCountMilestone is the peer-table size interval at which RegisterPeer
// logs the current peer count. Peer count is never limited.
const peerCountMilestone = 100

func (m *Manager) removePeer(ctx context.Context, name string) error {
	peer, ok := m.table.Get(name)
	if !ok {
		return nil
	}
	if err := m.table.Delete(ctx, name); err != nil {
		return err
	}
	m.pool.Release(peer.IP)
	return nil
}

func (m *Manager) resultFor(peer peertable.Peer) RegisterResult {
	return RegisterResult{
		Address: []string{peer.IP.String() + "/32"},
		Peers: []PeerTemplate{
			{
				PublicKey:           base64.StdEncoding.EncodeToString(m.serverPub),
				AllowedIPs:          []string{m.cfg.CIDR},
				Endpoint:            m.cfg.AnnounceEndpoint,
				PersistentKeepalive: m.cfg.PersistentKeepalive,
			},
		},
	}
}

// GetIPFromName is a pure read of the peer table.
func (m *Manager) GetIPFromName(name string) (string, bool) {
	peer, ok := m.table.Get(name)
	if !ok {
		return "", false
	}
	return peer.IP.String(), true
}

// ServerOverlayIP returns the Provider's own reserved overlay address
// (the lowest host address in the CIDR).
func (m *Manager) ServerOverlayIP() string {
	return m.pool.Prefix().Addr().Next().String()
}

// ConfigPath returns the path of the authoritative tunnel configuration
// file.
func (m *Manager) ConfigPath() string {
	return m.cfg.ConfigPath
}

// InterfaceName returns the tunnel interface name.
func (m *Manager) InterfaceName() string {
	return m.cfg.InterfaceName
}
