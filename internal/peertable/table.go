// Package peertable maintains the durable map of logical peer name to
// {public key, overlay IP} for a Provider's tunnel interface. The table is
// the sole writer of the tunnel configuration file: every mutation updates
// the in-memory map, mutates the live interface through the tunnel driver,
// and re-serializes the file atomically, all under one mutex. Add changes
// the live interface before the map; Delete changes the map first.
package peertable

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"github.com/meshgate/meshtund/internal/fsutil"
	"github.com/meshgate/meshtund/internal/wgdriver"
)

// ErrNotFound is returned by Delete when no peer with the given name
// exists.
var ErrNotFound = errors.New("peertable: not found")

// ErrDuplicateIP is returned by Add when the requested IP is already
// assigned to a different peer.
var ErrDuplicateIP = errors.New("peertable: duplicate ip")

// ErrDuplicateKey is returned by Add when the requested public key is
// already assigned to a different peer.
var ErrDuplicateKey = errors.New("peertable: duplicate public key")

// Peer is a single peer record as persisted inside the tunnel
// configuration file.
type Peer struct {
	Name         string
	PublicKeyB64 string
	IP           netip.Addr
}

// PublicKey decodes the peer's base64-encoded public key.
func (p Peer) PublicKey() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.PublicKeyB64)
}

// Table is the in-memory peer map backed by a tunnel configuration file.
type Table struct {
	mu     sync.Mutex
	path   string
	iface  string
	driver wgdriver.Controller
	logger *slog.Logger

	ifaceSection interfaceSection
	peers        map[string]Peer
}

// InterfaceConfig seeds the [Interface] stanza written to a fresh
// configuration file. It is ignored when the file already exists on disk.
type InterfaceConfig struct {
	PrivateKeyB64 string
	Address       string
	ListenPort    int
}

// Open loads (or initializes) the tunnel configuration file at path and
// returns the Table backed by it. ifaceName is the live interface the
// driver mutates on Add/Delete.
func Open(path, ifaceName string, driver wgdriver.Controller, seed InterfaceConfig, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Table{
		path:   path,
		iface:  ifaceName,
		driver: driver,
		logger: logger.With("component", "peertable"),
		peers:  make(map[string]Peer),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		parsed, perr := parseFile(data)
		if perr != nil {
			return nil, fmt.Errorf("peertable: parse %s: %w", path, perr)
		}
		t.ifaceSection = parsed.iface
		for _, p := range parsed.peers {
			t.peers[p.Name] = p
		}
	case os.IsNotExist(err):
		t.ifaceSection = interfaceSection{
			PrivateKey: seed.PrivateKeyB64,
			Address:    seed.Address,
			ListenPort: seed.ListenPort,
		}
		if werr := t.writeLocked(); werr != nil {
			return nil, werr
		}
	default:
		return nil, fmt.Errorf("peertable: read %s: %w", path, err)
	}

	return t, nil
}

// Get returns the peer with the given name.
func (t *Table) Get(name string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[name]
	return p, ok
}

// Has reports whether a peer with the given name exists.
func (t *Table) Has(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[name]
	return ok
}

// ServerPrivateKeyB64 returns the base64-encoded private key from the
// [Interface] stanza of the configuration file.
func (t *Table) ServerPrivateKeyB64() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ifaceSection.PrivateKey
}

// All returns a snapshot of every peer record, keyed by name.
func (t *Table) All() map[string]Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Peer, len(t.peers))
	for k, v := range t.peers {
		out[k] = v
	}
	return out
}

// Add inserts or replaces the peer record for name, mutates the live
// interface, and re-serializes the configuration file atomically. The ip
// and public key must not already be assigned to a different peer.
func (t *Table) Add(ctx context.Context, peer Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, existing := range t.peers {
		if name == peer.Name {
			continue
		}
		if existing.IP == peer.IP {
			return fmt.Errorf("%w: %s already holds %s", ErrDuplicateIP, name, peer.IP)
		}
		if existing.PublicKeyB64 == peer.PublicKeyB64 {
			return fmt.Errorf("%w: %s already holds this key", ErrDuplicateKey, name)
		}
	}

	pubKey, err := peer.PublicKey()
	if err != nil {
		return fmt.Errorf("peertable: decode public key for %s: %w", peer.Name, err)
	}
	if err := t.driver.AddPeer(ctx, t.iface, pubKey, []string{peer.IP.String() + "/32"}); err != nil {
		return fmt.Errorf("peertable: add peer %s to interface: %w", peer.Name, err)
	}

	previous, hadPrevious := t.peers[peer.Name]
	t.peers[peer.Name] = peer

	if err := t.writeLocked(); err != nil {
		if hadPrevious {
			t.peers[peer.Name] = previous
		} else {
			delete(t.peers, peer.Name)
		}
		if rerr := t.driver.RemovePeer(ctx, t.iface, pubKey); rerr != nil {
			t.logger.Warn("rollback: remove peer from interface failed", "name", peer.Name, "error", rerr)
		}
		return err
	}

	t.logger.Info("peer added", "name", peer.Name, "ip", peer.IP)
	return nil
}

// Delete removes the peer record for name, removes it from the live
// interface, and re-serializes the configuration file atomically. Deleting
// an unknown name is a no-op that still returns ErrNotFound so callers can
// distinguish it, but the table's state is left unchanged in that case.
func (t *Table) Delete(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer, ok := t.peers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	delete(t.peers, name)

	pubKey, err := peer.PublicKey()
	if err == nil {
		if rerr := t.driver.RemovePeer(ctx, t.iface, pubKey); rerr != nil {
			t.logger.Warn("remove peer from interface failed", "name", name, "error", rerr)
		}
	}

	if err := t.writeLocked(); err != nil {
		return err
	}

	t.logger.Info("peer deleted", "name", name)
	return nil
}

// writeLocked re-serializes the table to the configuration file. Callers
// must hold t.mu.
func (t *Table) writeLocked() error {
	peers := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}

	data := renderFile(t.ifaceSection, peers)
	dir := filepath.Dir(t.path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("peertable: create dir %s: %w", dir, err)
		}
	}
	if err := fsutil.WriteFileAtomic(dir, filepath.Base(t.path), data, 0600); err != nil {
		return fmt.Errorf("peertable: write %s: %w", t.path, err)
	}
	return nil
}
