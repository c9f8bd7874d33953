package admission

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server runs the Admission Service's HTTP listener.
type Server struct {
	cfg     Config
	handler *Handler
	logger  *slog.Logger
}

// NewServer creates a Server. Config defaults are applied automatically.
func NewServer(cfg Config, handler *Handler, logger *slog.Logger) *Server {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, handler: handler, logger: logger.With("component", "admission")}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// performs a graceful shutdown bounded by the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("admission: listen %s: %w", s.cfg.ListenAddr, err)
	}

	httpServer := &http.Server{Handler: s.handler.Mux()}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.logger.Info("admission service started", "listen", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("graceful shutdown failed", "error", err)
		}
		<-errCh
		s.logger.Info("admission service stopped")
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
