package admission

import "fmt"

// ProtocolVersion is the dual-scheme route model version this service
// implements. Requesters require >= 2.
const ProtocolVersion = 2

// Config configures the Provider Admission Service.
type Config struct {
	// ListenAddr is the "host:port" the HTTP server binds to. Default: ":8080".
	ListenAddr string

	// AnnouncedDomain is the public DNS suffix peers receive subdomains
	// under (required).
	AnnouncedDomain string

	// RouteIP is the Provider's internal gateway IP, returned to Requesters
	// as routeIp (required).
	RouteIP string

	// RoutePort is the port announced as routePort. Default: 80.
	RoutePort int

	// AuthAPIURL is the optional external auth backend base URL. When
	// empty, registrations are accepted without an external auth check.
	AuthAPIURL string

	// ShutdownTimeoutSeconds bounds graceful shutdown. Default: 10s.
	ShutdownTimeoutSeconds int
}

// DefaultListenAddr is the default HTTP listen address.
const DefaultListenAddr = ":8080"

// DefaultRoutePort is the default announced route port.
const DefaultRoutePort = 80

// DefaultShutdownTimeoutSeconds is the default graceful shutdown timeout.
const DefaultShutdownTimeoutSeconds = 10

// ApplyDefaults fills zero-valued optional fields with their documented
// defaults.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.RoutePort == 0 {
		c.RoutePort = DefaultRoutePort
	}
	if c.ShutdownTimeoutSeconds == 0 {
		c.ShutdownTimeoutSeconds = DefaultShutdownTimeoutSeconds
	}
}

// Validate checks that required fields are set. ApplyDefaults must be
// called first. A missing AnnouncedDomain is fatal at startup per the
// Provider VPN Manager's own startup contract.
func (c *Config) Validate() error {
	if c.AnnouncedDomain == "" {
		return fmt.Errorf("admission: config: AnnouncedDomain is required")
	}
	if c.RouteIP == "" {
		return fmt.Errorf("admission: config: RouteIP is required")
	}
	return nil
}
