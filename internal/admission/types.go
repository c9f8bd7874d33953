package admission

import "github.com/meshgate/meshtund/internal/vpnmanager"

// RootPeerName is the sentinel peer name that serves the apex
// announcement domain.
const RootPeerName = "$root$"

// RegisterRequest is the body of POST /api/register.
type RegisterRequest struct {
	UserID        string `json:"userId"`
	VPNPublicKey  string `json:"vpnPublicKey"`
	AuthToken     string `json:"authToken"`
	ClientVersion int    `json:"clientVersion,omitempty"`
}

// wgConfigEnvelope mirrors the interface/peers shape of the tunnel
// configuration returned to a Requester.
type wgConfigEnvelope struct {
	WGInterface struct {
		Address []string `json:"address"`
	} `json:"wgInterface"`
	Peers []vpnmanager.PeerTemplate `json:"peers"`
}

// RegisterResponse is the body of a successful POST /api/register.
type RegisterResponse struct {
	WGConfig     wgConfigEnvelope `json:"wgConfig"`
	ServerIP     string           `json:"serverIp"`
	ServerDomain string           `json:"serverDomain"`
	DomainName   string           `json:"domainName"`
	Domain       string           `json:"domain"`
	RouteIP      string           `json:"routeIp"`
	RoutePort    int              `json:"routePort"`
}

// authBackendResponse is the expected body of the optional external auth
// backend's GET <authUrl>/{userId}/{authToken}.
type authBackendResponse struct {
	ServerDomain string `json:"serverDomain"`
	DomainName   string `json:"domainName"`
}

// versionResponse is the body of GET /router/api/version.
type versionResponse struct {
	Version int `json:"version"`
}
