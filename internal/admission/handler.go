// Package admission implements the Provider Admission Service: the
// authenticated peer registration endpoint, the name-resolution endpoint
// the edge proxy consults on every public request, and a liveness probe.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/meshgate/meshtund/internal/vpnmanager"
)

// VPNManager is the subset of the Provider VPN Manager the Admission
// Service depends on.
type VPNManager interface {
	RegisterPeer(ctx context.Context, publicKeyB64, name string) (vpnmanager.RegisterResult, error)
	GetIPFromName(name string) (string, bool)
	ServerOverlayIP() string
}

// AuthBackend is the external, optional authentication backend consulted
// during registration.
type AuthBackend interface {
	Authenticate(ctx context.Context, userID, authToken string) (serverDomain, domainName string, err error)
}

// Handler implements the Admission Service's HTTP endpoints.
type Handler struct {
	cfg    Config
	vpn    VPNManager
	auth   AuthBackend
	logger *slog.Logger
}

// NewHandler creates a Handler. auth may be nil, in which case
// registrations skip external authentication.
func NewHandler(cfg Config, vpn VPNManager, auth AuthBackend, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, vpn: vpn, auth: auth, logger: logger.With("component", "admission")}
}

// Mux returns the configured http.ServeMux.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ping", h.handlePing)
	mux.HandleFunc("GET /router/api/version", h.handleVersion)
	mux.HandleFunc("GET /api/get_ip/{host}", h.handleGetIP)
	mux.HandleFunc("POST /api/register", h.handleRegister)
	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, versionResponse{Version: ProtocolVersion})
}

func (h *Handler) handleGetIP(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")

	name, ok := peerNameFromHost(host, h.cfg.AnnouncedDomain)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ip, ok := h.vpn.GetIPFromName(name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("http://" + ip + ":80"))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	serverDomain, domainName, err := h.authenticate(r.Context(), req.UserID, req.AuthToken)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.logger.Error("authentication backend error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal error"))
		return
	}

	result, err := h.vpn.RegisterPeer(r.Context(), req.VPNPublicKey, domainName)
	if err != nil {
		h.logger.Error("register peer failed", "name", domainName, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal error"))
		return
	}

	domain := serverDomain
	if domainName != RootPeerName {
		domain = domainName + "." + serverDomain
	}

	resp := RegisterResponse{
		ServerIP:     h.vpn.ServerOverlayIP(),
		ServerDomain: serverDomain,
		DomainName:   domainName,
		Domain:       domain,
		RouteIP:      h.cfg.RouteIP,
		RoutePort:    h.cfg.RoutePort,
	}
	resp.WGConfig.WGInterface.Address = result.Address
	resp.WGConfig.Peers = result.Peers

	h.writeJSON(w, http.StatusOK, resp)
}

// authenticate resolves {serverDomain, domainName} either from the
// external auth backend, or, when none is configured, from the locally
// announced domain and the caller-supplied userId.
func (h *Handler) authenticate(ctx context.Context, userID, authToken string) (string, string, error) {
	if h.auth == nil {
		domainName := userID
		if domainName == "" {
			domainName = RootPeerName
		}
		return h.cfg.AnnouncedDomain, domainName, nil
	}

	serverDomain, domainName, err := h.auth.Authenticate(ctx, userID, authToken)
	if err != nil {
		return "", "", err
	}
	if serverDomain == "" || domainName == "" {
		return "", "", ErrUnauthorized
	}
	return serverDomain, domainName, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

// peerNameFromHost strips the dash-encoded announcement suffix from host
// and returns the leftmost remaining label as the peer name. An empty
// remainder maps to the root sentinel. A host that does not carry the
// announcement suffix does not resolve.
func peerNameFromHost(host, announcedDomain string) (string, bool) {
	suffix := strings.ReplaceAll(announcedDomain, ".", "-")

	if host == suffix {
		return RootPeerName, true
	}
	if strings.HasSuffix(host, "-"+suffix) {
		name := strings.TrimSuffix(host, "-"+suffix)
		if name == "" {
			return RootPeerName, true
		}
		return name, true
	}
	return "", false
}
