package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshgate/meshtund/internal/fsutil"
	"github.com/meshgate/meshtund/internal/vpnmanager"
)

// configPathFor returns the tunnel configuration file path for a
// Requester's connection to a named Provider. The file is named after
// interfaceNameFor(providerName), because wg-quick names the interface
// after the config file's basename.
func configPathFor(configDir, providerName string) string {
	return filepath.Join(configDir, interfaceNameFor(providerName)+".conf")
}

// writeTunnelConfig renders and atomically writes a wg-quick-style
// configuration file for a Requester's side of a tunnel: its own private
// key and overlay address, and the Provider's peer entries as returned by
// registration.
func writeTunnelConfig(path string, privateKeyB64 string, addresses []string, peers []vpnmanager.PeerTemplate) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("supervisor: create config dir %s: %w", dir, err)
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", privateKeyB64)
	if len(addresses) > 0 {
		fmt.Fprintf(&b, "Address = %s\n", strings.Join(addresses, ", "))
	}

	for _, peer := range peers {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", peer.PublicKey)
		if len(peer.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(peer.AllowedIPs, ", "))
		}
		if peer.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", peer.Endpoint)
		}
		if peer.PersistentKeepalive != 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", peer.PersistentKeepalive)
		}
	}

	return fsutil.WriteFileAtomic(dir, filepath.Base(path), []byte(b.String()), 0o600)
}
