package vpnmanager

import "fmt"

// Config configures the Provider VPN Manager. ApplyDefaults must be called
// before Validate.
type Config struct {
	// CIDR is the overlay subnet, e.g. "10.0.0.0/24" (required).
	CIDR string

	// InterfaceName is the tunnel interface name. Default: "wg0".
	InterfaceName string

	// ConfigPath is the path to the tunnel configuration file, the
	// authoritative peer table. Default: "/etc/meshtund/wg0.conf".
	ConfigPath string

	// ListenPort is the WireGuard UDP listen port. Default: 51820.
	ListenPort int

	// AnnounceEndpoint is the public "host:port" peers use to reach this
	// Provider (required).
	AnnounceEndpoint string

	// PersistentKeepalive is the keepalive interval advertised to peers, in
	// seconds. Default: 60.
	PersistentKeepalive int
}

// DefaultInterfaceName is the default tunnel interface name.
const DefaultInterfaceName = "wg0"

// DefaultConfigPath is the default tunnel configuration file path.
const DefaultConfigPath = "/etc/meshtund/wg0.conf"

// DefaultListenPort is the default WireGuard UDP listen port.
const DefaultListenPort = 51820

// DefaultPersistentKeepalive is the default keepalive interval in seconds.
const DefaultPersistentKeepalive = 60

// ApplyDefaults fills zero-valued optional fields with their documented
// defaults.
func (c *Config) ApplyDefaults() {
	if c.InterfaceName == "" {
		c.InterfaceName = DefaultInterfaceName
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath
	}
	if c.ListenPort == 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.PersistentKeepalive == 0 {
		c.PersistentKeepalive = DefaultPersistentKeepalive
	}
}

// Validate checks that required fields are set. ApplyDefaults must be
// called first.
func (c *Config) Validate() error {
	if c.CIDR == "" {
		return fmt.Errorf("vpnmanager: config: CIDR is required")
	}
	if c.AnnounceEndpoint == "" {
		return fmt.Errorf("vpnmanager: config: AnnounceEndpoint is required")
	}
	return nil
}
