package routeannounce

import "time"

// Config configures the Route Announcer.
type Config struct {
	// TargetHost is the Requester's local target host routes point at. Not
	// used directly by the Announcer (routeIp/routePort come from the
	// Provider's registration response) but retained for symmetry with the
	// declarative Requester configuration surface.
	TargetHost string

	// PortHTTP is the HTTP route port. Default: 80.
	PortHTTP int

	// PortHTTPS defaults to 443 but is not used by Register: the HTTPS
	// route takes its port from the Provider's routePort.
	PortHTTPS int

	// Priority is the priority announced on every route. Default: 2.
	Priority int

	// RefreshInterval is how often a registered route is re-announced.
	// Default: 300s.
	RefreshInterval time.Duration

	// HealthCheckPath and HealthCheckHost, when both set, are attached to
	// announced routes as a health-check descriptor.
	HealthCheckPath string
	HealthCheckHost string
}

// DefaultPortHTTP is the default HTTP route port.
const DefaultPortHTTP = 80

// DefaultPortHTTPS is the default HTTPS route port.
const DefaultPortHTTPS = 443

// DefaultPriority is the default route priority.
const DefaultPriority = 2

// DefaultRefreshInterval is the default periodic re-announcement interval.
const DefaultRefreshInterval = 300 * time.Second

// ApplyDefaults fills zero-valued optional fields with their documented
// defaults.
func (c *Config) ApplyDefaults() {
	if c.PortHTTP == 0 {
		c.PortHTTP = DefaultPortHTTP
	}
	if c.PortHTTPS == 0 {
		c.PortHTTPS = DefaultPortHTTPS
	}
	if c.Priority == 0 {
		c.Priority = DefaultPriority
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
}
