// Package config aggregates the top-level YAML configuration for the
// meshtund binary and dispatches it into the Provider and Requester
// component configs.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshgate/meshtund/internal/admission"
	"github.com/meshgate/meshtund/internal/handshake"
	"github.com/meshgate/meshtund/internal/routeannounce"
	"github.com/meshgate/meshtund/internal/vpnmanager"
)

// ErrConfigInvalid wraps every malformed-configuration failure: missing
// required fields, an unparseable provider connection string, an
// unrecognized role.
var ErrConfigInvalid = errors.New("config: invalid configuration")

// Role selects which half of the system a meshtund process runs as.
type Role string

const (
	RoleProvider  Role = "provider"
	RoleRequester Role = "requester"
)

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultLogFormat is the default log encoding.
const DefaultLogFormat = "text"

// DefaultDataDir is the default directory for persistent state.
const DefaultDataDir = "/var/lib/meshtund"

// DefaultShutdownTimeout is the default value of Config.ShutdownTimeout.
const DefaultShutdownTimeout = 10 * time.Second

// Config is the top-level meshtund configuration, populated from a YAML
// file via Parse.
type Config struct {
	// Role selects "provider" or "requester". Required.
	Role Role `yaml:"role"`

	// LogLevel is "debug", "info", "warn", or "error". Default: "info".
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json". Default: "text".
	LogFormat string `yaml:"log_format"`

	// DataDir is the directory for persistent state (keys, tunnel
	// configs). Default: /var/lib/meshtund.
	DataDir string `yaml:"data_dir"`

	// ShutdownTimeout is parsed and defaulted (Default: 10s), but no
	// shutdown path reads it: the process does not force exit after it
	// elapses. The Provider's admission server takes its shutdown bound
	// from admission.Config.ShutdownTimeoutSeconds instead.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Provider  ProviderConfig  `yaml:"provider"`
	Requester RequesterConfig `yaml:"requester"`
}

// ProviderConfig is the configuration surface for Role == provider.
type ProviderConfig struct {
	VPN       vpnmanager.Config `yaml:"vpn"`
	Admission admission.Config  `yaml:"admission"`
}

func (c *ProviderConfig) applyDefaults() {
	c.VPN.ApplyDefaults()
	c.Admission.ApplyDefaults()
}

func (c *ProviderConfig) validate() error {
	if err := c.VPN.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

// ProviderConnection is the parsed form of a Requester's connection
// string to a single Provider: "<backendUrl>,<userId>,<signature>".
// backendUrl is the Provider's admission API base URL and must carry an
// http or https scheme; userId identifies this Requester to the
// Provider (empty selects the root peer); signature authenticates
// userId to the Provider or its auth backend.
type ProviderConnection struct {
	BackendURL string
	UserID     string
	Signature  string
}

// ParseProviderConnection parses a comma-separated connection triple.
// All three fields must be present (two commas), and backendUrl must
// carry an http or https scheme.
func ParseProviderConnection(s string) (ProviderConnection, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return ProviderConnection{}, fmt.Errorf("%w: provider connection string must be \"backendUrl,userId,signature\", got %q", ErrConfigInvalid, s)
	}

	conn := ProviderConnection{BackendURL: parts[0], UserID: parts[1], Signature: parts[2]}

	u, err := url.Parse(conn.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ProviderConnection{}, fmt.Errorf("%w: provider connection backend url %q must have an http or https scheme", ErrConfigInvalid, conn.BackendURL)
	}
	return conn, nil
}

// Serialize renders the connection back into its comma-separated form.
func (c ProviderConnection) Serialize() string {
	return c.BackendURL + "," + c.UserID + "," + c.Signature
}

// RequesterProvider is one entry in a Requester's declarative list of
// Providers to tunnel through.
type RequesterProvider struct {
	// Name identifies this Provider in logs and in the tunnel config
	// file name. Required.
	Name string `yaml:"name"`

	// Provider is the connection triple "<backendUrl>,<userId>,<signature>".
	// Required.
	Provider string `yaml:"provider"`
}

func (p *RequesterProvider) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: requester provider: name is required", ErrConfigInvalid)
	}
	if _, err := ParseProviderConnection(p.Provider); err != nil {
		return fmt.Errorf("config: requester provider %s: %w", p.Name, err)
	}
	return nil
}

// RequesterConfig is the configuration surface for Role == requester.
type RequesterConfig struct {
	Providers []RequesterProvider `yaml:"providers"`

	// RetryInterval is how long a Requester's supervisor waits between
	// failed availability (ping) probes of a Provider. Register and
	// tunnel-up failures are not retried. Default: 30s.
	RetryInterval time.Duration `yaml:"retry_interval"`

	RouteAnnounce routeannounce.Config `yaml:"route_announce"`
	Handshake     handshake.Config     `yaml:"handshake"`

	// ConfigDir is where per-Provider tunnel config files are written.
	// Default: <DataDir>/tunnels.
	ConfigDir string `yaml:"config_dir"`
}

// DefaultRetryInterval is the default wait between failed connect attempts.
const DefaultRetryInterval = 30 * time.Second

func (c *RequesterConfig) applyDefaults(dataDir string) {
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.ConfigDir == "" {
		c.ConfigDir = dataDir + "/tunnels"
	}
	c.RouteAnnounce.ApplyDefaults()
	c.Handshake.ApplyDefaults()
}

func (c *RequesterConfig) validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		if err := c.Providers[i].validate(); err != nil {
			return err
		}
		if seen[c.Providers[i].Name] {
			return fmt.Errorf("%w: requester provider %s: duplicate name", ErrConfigInvalid, c.Providers[i].Name)
		}
		seen[c.Providers[i].Name] = true
	}
	return nil
}

// ApplyDefaults fills zero-valued optional fields with their documented
// defaults.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	c.Provider.applyDefaults()
	c.Requester.applyDefaults(c.DataDir)
}

// Validate checks that required fields are set and consistent.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleProvider:
		return c.Provider.validate()
	case RoleRequester:
		return c.Requester.validate()
	default:
		return fmt.Errorf("%w: invalid role %q (must be %q or %q)", ErrConfigInvalid, c.Role, RoleProvider, RoleRequester)
	}
}

// Parse reads a YAML configuration file, applies defaults, and validates
// the result.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
