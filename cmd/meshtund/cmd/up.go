package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshgate/meshtund/internal/admission"
	"github.com/meshgate/meshtund/internal/config"
	"github.com/meshgate/meshtund/internal/handshake"
	"github.com/meshgate/meshtund/internal/keystore"
	"github.com/meshgate/meshtund/internal/routeannounce"
	"github.com/meshgate/meshtund/internal/supervisor"
	"github.com/meshgate/meshtund/internal/vpnmanager"
	"github.com/meshgate/meshtund/internal/wgdriver"
)

// reconcileInterval is how often a Requester re-reads its provider list
// and reconciles the active set against it.
const reconcileInterval = 60 * time.Second

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the meshtund daemon",
	Long:  "Start the meshtund daemon as either a Provider or a Requester, per its configured role.",
	RunE:  runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Parse(cfgFile)
	if err != nil {
		return fmt.Errorf("meshtund up: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting meshtund", "version", buildVersion, "role", cfg.Role)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	switch cfg.Role {
	case config.RoleProvider:
		return runProvider(ctx, cfg, logger)
	case config.RoleRequester:
		return runRequester(ctx, cfg, logger)
	default:
		return fmt.Errorf("meshtund up: unknown role %q", cfg.Role)
	}
}

func runProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	driver := wgdriver.NewExecController("", "")

	vpn, err := vpnmanager.New(ctx, driver, cfg.Provider.VPN, logger)
	if err != nil {
		return fmt.Errorf("meshtund up: vpn manager: %w", err)
	}

	var auth admission.AuthBackend
	if cfg.Provider.Admission.AuthAPIURL != "" {
		authClient, err := admission.NewAuthClient(cfg.Provider.Admission.AuthAPIURL)
		if err != nil {
			return fmt.Errorf("meshtund up: auth client: %w", err)
		}
		auth = authClient
	}

	handler := admission.NewHandler(cfg.Provider.Admission, vpn, auth, logger)
	srv := admission.NewServer(cfg.Provider.Admission, handler, logger)

	logger.Info("provider ready", "interface", vpn.InterfaceName(), "listen", cfg.Provider.Admission.ListenAddr)

	err = srv.Run(ctx)
	logger.Info("meshtund stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runRequester(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	driver := wgdriver.NewExecController("", "")
	keys := keystore.New(cfg.DataDir+"/keys", logger)
	routes := routeannounce.New(cfg.Requester.RouteAnnounce, logger)

	var sup *supervisor.Supervisor
	watcher := handshake.New(cfg.Requester.Handshake, driver, func(ctx context.Context, name string) {
		sup.RestartProvider(ctx, name)
	}, logger)
	sup = supervisor.New(cfg.Requester, driver, keys, routes, watcher, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runReconcileLoop(ctx, sup, cfg.Requester.Providers, logger)
	}()

	<-ctx.Done()
	logger.Info("shutting down", "reason", ctx.Err())

	sup.Reconcile(context.Background(), nil) // stop every active provider
	watcher.StopWatching()

	wg.Wait()
	logger.Info("meshtund stopped")
	return nil
}

// runReconcileLoop reconciles the Requester's active Provider set
// immediately, then on a fixed interval until ctx is cancelled. The
// declarative provider list does not currently change at runtime (it is
// read once at startup), but this loop keeps the reconcile path live so a
// future config-reload signal has a natural place to feed in.
func runReconcileLoop(ctx context.Context, sup *supervisor.Supervisor, providers []config.RequesterProvider, logger *slog.Logger) {
	sup.Reconcile(ctx, providers)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sup.Reconcile(ctx, providers)
		}
	}
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
