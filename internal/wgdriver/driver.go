// Package wgdriver is a thin envelope over the host's WireGuard toolchain:
// bringing an interface up or down, adding and removing peers at runtime,
// and reading handshake timestamps. Runtime peer mutation and interface
// lifecycle go through the wg/wg-quick binaries as argument vectors so that
// failures surface as typed, exit-code-bearing errors; handshake
// introspection uses wgctrl's typed device model instead of parsing
// `wg show dump` text by hand.
package wgdriver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
)

// Controller is the capability facade required by the Peer Table and the
// Provider VPN Manager / Requester Supervisor. Implementations MUST NOT
// pass untrusted strings (peer names) into a shell; only keys and IPs,
// already validated by their callers, reach this layer.
type Controller interface {
	InterfaceUp(ctx context.Context, configPath string) error
	InterfaceDown(ctx context.Context, configPath string) error
	AddPeer(ctx context.Context, iface string, publicKey []byte, allowedIPs []string) error
	RemovePeer(ctx context.Context, iface string, publicKey []byte) error
	ReadHandshakes(ctx context.Context, iface string) (map[string]time.Time, error)
}

// ExecController implements Controller by invoking wg-quick and wg as
// argument vectors, never through a shell.
type ExecController struct {
	wgQuickPath string
	wgPath      string
}

// NewExecController creates an ExecController. Empty paths default to
// looking up "wg-quick" and "wg" on PATH.
func NewExecController(wgQuickPath, wgPath string) *ExecController {
	if wgQuickPath == "" {
		wgQuickPath = "wg-quick"
	}
	if wgPath == "" {
		wgPath = "wg"
	}
	return &ExecController{wgQuickPath: wgQuickPath, wgPath: wgPath}
}

func (c *ExecController) run(ctx context.Context, verb, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		exitCode = exitErr.ExitCode()
	}

	return &ExecError{Verb: verb, Args: args, ExitCode: exitCode, Stderr: string(out)}
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// InterfaceUp brings the tunnel interface described by configPath up.
func (c *ExecController) InterfaceUp(ctx context.Context, configPath string) error {
	return c.run(ctx, "up", c.wgQuickPath, "up", configPath)
}

// InterfaceDown brings the tunnel interface down. A failure here is
// idempotent from the caller's point of view: callers log and continue
// rather than treating it as fatal. If the interface named by configPath
// (wg-quick derives it from the config file's basename) isn't present in
// the kernel's link table, InterfaceDown is a no-op rather than shelling
// out to wg-quick just to have it fail on a missing interface.
func (c *ExecController) InterfaceDown(ctx context.Context, configPath string) error {
	if iface := interfaceNameFromConfigPath(configPath); iface != "" && !linkExists(iface) {
		return nil
	}
	return c.run(ctx, "down", c.wgQuickPath, "down", configPath)
}

// interfaceNameFromConfigPath mirrors wg-quick's own derivation of an
// interface name from a config file path: the basename with its
// extension stripped.
func interfaceNameFromConfigPath(configPath string) string {
	base := filepath.Base(configPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// linkExists reports whether iface is present in the kernel's link
// table. Only a netlink.LinkNotFoundError is treated as absence: a
// permissions failure or a netlink socket error here falls through to
// wg-quick and surfaces as a normal ExecError instead of silently
// skipping teardown.
func linkExists(iface string) bool {
	_, err := netlink.LinkByName(iface)
	var notFound netlink.LinkNotFoundError
	return !errors.As(err, &notFound)
}

// AddPeer adds or updates (upserts) a peer on a live interface.
func (c *ExecController) AddPeer(ctx context.Context, iface string, publicKey []byte, allowedIPs []string) error {
	args := []string{
		"set", iface,
		"peer", base64.StdEncoding.EncodeToString(publicKey),
		"allowed-ips", joinCommaList(allowedIPs),
	}
	return c.run(ctx, "add-peer", c.wgPath, args...)
}

// RemovePeer removes a peer from a live interface.
func (c *ExecController) RemovePeer(ctx context.Context, iface string, publicKey []byte) error {
	args := []string{
		"set", iface,
		"peer", base64.StdEncoding.EncodeToString(publicKey),
		"remove",
	}
	return c.run(ctx, "remove-peer", c.wgPath, args...)
}

// ReadHandshakes returns the last handshake time for every peer on iface,
// keyed by the peer's base64-encoded public key. Peers with no handshake
// yet are omitted.
func (c *ExecController) ReadHandshakes(ctx context.Context, iface string) (map[string]time.Time, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wgdriver: open wgctrl client: %w", err)
	}
	defer client.Close()

	device, err := client.Device(iface)
	if err != nil {
		return nil, fmt.Errorf("wgdriver: read device %s: %w", iface, err)
	}

	result := make(map[string]time.Time, len(device.Peers))
	for _, peer := range device.Peers {
		if peer.LastHandshakeTime.IsZero() {
			continue
		}
		result[base64.StdEncoding.EncodeToString(peer.PublicKey[:])] = peer.LastHandshakeTime
	}
	return result, nil
}

func joinCommaList(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}
