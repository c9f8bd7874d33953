// Package routeannounce registers and periodically refreshes tunnel route
// records with an external routing backend. A registered route survives
// transient backend outages: failures in the periodic refresh are logged
// and the loop continues, since tearing down the tunnel over a flaky
// backend would be worse than a stale route.
package routeannounce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/meshgate/meshtund/internal/apiclient"
)

// HealthCheck is an optional health-check descriptor attached to a route.
type HealthCheck struct {
	Path string `json:"path"`
	Host string `json:"host,omitempty"`
}

// Route is a single route record published to the routing backend.
type Route struct {
	IP          string       `json:"ip"`
	Port        int          `json:"port"`
	Priority    int          `json:"priority"`
	Scheme      string       `json:"scheme,omitempty"`
	Source      string       `json:"source"`
	HealthCheck *HealthCheck `json:"healthCheck,omitempty"`
}

type routesRequest struct {
	Routes []Route `json:"routes"`
}

type routesResponse struct {
	Message string   `json:"message,omitempty"`
	Routes  []Route  `json:"routes,omitempty"`
	Domain  string   `json:"domain,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Params identifies one Provider's announcement target.
type Params struct {
	BackendURL string
	UserID     string
	Signature  string
	RouteIP    string
	RoutePort  int
}

// Announcer is the Route Announcer (C8).
type Announcer struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	loops  map[string]*loop
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Announcer. Config defaults are applied automatically.
func New(cfg Config, logger *slog.Logger) *Announcer {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		cfg:    cfg,
		logger: logger.With("component", "routeannounce"),
		loops:  make(map[string]*loop),
	}
}

// Register builds the dual-scheme route list and POSTs it to the routing
// backend. HTTP status >= 400 or a non-JSON body are surfaced as distinct
// failure reasons.
func (a *Announcer) Register(ctx context.Context, p Params) error {
	client, err := apiclient.New(apiclient.Config{BaseURL: p.BackendURL})
	if err != nil {
		return fmt.Errorf("routeannounce: %w", err)
	}

	routes := []Route{
		{IP: p.RouteIP, Port: p.RoutePort, Priority: a.cfg.Priority, Scheme: "https", Source: "tunnel", HealthCheck: a.healthCheck()},
		{IP: p.RouteIP, Port: a.cfg.PortHTTP, Priority: a.cfg.Priority, Scheme: "http", Source: "tunnel"},
	}

	path := "/router/api/routes/" + url.PathEscape(p.UserID) + "/" + url.PathEscape(p.Signature)

	var resp routesResponse
	if err := client.PostJSON(ctx, path, routesRequest{Routes: routes}, &resp); err != nil {
		var nonJSON *apiclient.ErrNonJSONResponse
		if errors.As(err, &nonJSON) {
			return fmt.Errorf("routeannounce: backend does not speak this API: %w", err)
		}
		return fmt.Errorf("routeannounce: register: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("routeannounce: backend rejected routes: %s", resp.Error)
	}

	return nil
}

func (a *Announcer) healthCheck() *HealthCheck {
	if a.cfg.HealthCheckPath == "" || a.cfg.HealthCheckHost == "" {
		return nil
	}
	return &HealthCheck{Path: a.cfg.HealthCheckPath, Host: a.cfg.HealthCheckHost}
}

// StartRefreshLoop schedules Register every cfg.RefreshInterval for the
// given provider key. Idempotent: a second call for an already-active key
// is a no-op.
func (a *Announcer) StartRefreshLoop(key string, p Params) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, active := a.loops[key]; active {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.loops[key] = &loop{cancel: cancel, done: done}

	go a.run(ctx, key, p, done)
}

func (a *Announcer) run(ctx context.Context, key string, p Params, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Register(ctx, p); err != nil {
				a.logger.Warn("route refresh failed", "provider", key, "error", err)
			}
		}
	}
}

// Stop cancels the refresh loop for key and waits for it to exit.
// Idempotent: stopping an inactive key is a no-op.
func (a *Announcer) Stop(key string) {
	a.mu.Lock()
	l, active := a.loops[key]
	if active {
		delete(a.loops, key)
	}
	a.mu.Unlock()

	if !active {
		return
	}
	l.cancel()
	<-l.done
}
