// Package handshake polls per-tunnel handshake timestamps and triggers a
// restart of the owning Requester flow when a tunnel appears dead. The
// staleness threshold and poll cadence are policy, not protocol: the
// contract is "detects a silent tunnel within a bounded, configured
// interval" (see DefaultThreshold's rationale in the design ledger).
package handshake

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is the default cadence at which every registered
// target is polled.
const DefaultPollInterval = 30 * time.Second

// DefaultThreshold is the default staleness threshold: three times
// WireGuard's own 60s persistent-keepalive interval.
const DefaultThreshold = 180 * time.Second

// Config configures the Handshake Watcher.
type Config struct {
	PollInterval time.Duration
	Threshold    time.Duration
}

// ApplyDefaults fills zero-valued optional fields with their documented
// defaults.
func (c *Config) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
}

// HandshakeReader reads per-peer last-handshake timestamps for an
// interface, keyed by the peer's base64-encoded public key.
type HandshakeReader interface {
	ReadHandshakes(ctx context.Context, iface string) (map[string]time.Time, error)
}

// RestartFunc is invoked when a registered Provider's tunnel appears dead.
// The Supervisor's implementation performs a stop-then-start cycle for
// exactly that Provider.
type RestartFunc func(ctx context.Context, providerKey string)

// Watcher is the Handshake Watcher (C9): a single background task polling
// every registered Provider's tunnel config on a fixed cadence.
type Watcher struct {
	cfg     Config
	reader  HandshakeReader
	restart RestartFunc
	logger  *slog.Logger

	mu      sync.Mutex
	targets map[string]string // providerKey -> interface name
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Watcher. Config defaults are applied automatically.
func New(cfg Config, reader HandshakeReader, restart RestartFunc, logger *slog.Logger) *Watcher {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		reader:  reader,
		restart: restart,
		logger:  logger.With("component", "handshake"),
		targets: make(map[string]string),
	}
}

// Add registers providerKey's interface for watching. Idempotent.
func (w *Watcher) Add(providerKey, iface string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.targets[providerKey] = iface
}

// Remove deregisters providerKey. Idempotent.
func (w *Watcher) Remove(providerKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.targets, providerKey)
}

// StartWatching starts the background poll loop if it is not already
// running. Idempotent.
func (w *Watcher) StartWatching(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(loopCtx)
}

// StopWatching cancels the poll loop and waits for it to exit. Idempotent.
func (w *Watcher) StopWatching() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	w.mu.Lock()
	targets := make(map[string]string, len(w.targets))
	for k, v := range w.targets {
		targets[k] = v
	}
	w.mu.Unlock()

	now := time.Now()
	for providerKey, iface := range targets {
		handshakes, err := w.reader.ReadHandshakes(ctx, iface)
		if err != nil {
			w.logger.Warn("read handshakes failed", "provider", providerKey, "interface", iface, "error", err)
			continue
		}

		if w.anyStale(now, handshakes) {
			w.logger.Warn("tunnel appears dead, triggering restart", "provider", providerKey)
			if w.restart != nil {
				w.restart(ctx, providerKey)
			}
		}
	}
}

func (w *Watcher) anyStale(now time.Time, handshakes map[string]time.Time) bool {
	if len(handshakes) == 0 {
		// No handshake observed yet at all: not yet actionable on its own
		// poll tick; a freshly brought-up tunnel needs time to handshake.
		return false
	}
	for _, last := range handshakes {
		if now.Sub(last) > w.cfg.Threshold {
			return true
		}
	}
	return false
}
