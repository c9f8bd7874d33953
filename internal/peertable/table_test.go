package peertable

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeDriver struct {
	added   map[string][]string
	removed [][]byte
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{added: make(map[string][]string)}
}

func (f *fakeDriver) InterfaceUp(context.Context, string) error   { return nil }
func (f *fakeDriver) InterfaceDown(context.Context, string) error { return nil }

func (f *fakeDriver) AddPeer(_ context.Context, _ string, publicKey []byte, allowedIPs []string) error {
	f.added[string(publicKey)] = allowedIPs
	return nil
}

func (f *fakeDriver) RemovePeer(_ context.Context, _ string, publicKey []byte) error {
	f.removed = append(f.removed, publicKey)
	return nil
}

func (f *fakeDriver) ReadHandshakes(context.Context, string) (map[string]time.Time, error) {
	return nil, nil
}

func mustPeer(name, pkB64, ip string) Peer {
	return Peer{Name: name, PublicKeyB64: pkB64, IP: netip.MustParseAddr(ip)}
}

func TestAddThenReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wg0.conf")
	driver := newFakeDriver()

	table, err := Open(path, "wg0", driver, InterfaceConfig{PrivateKeyB64: "serverpriv", Address: "10.0.0.1/24", ListenPort: 51820}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	if err := table.Add(ctx, mustPeer("alice", "pkA=", "10.0.0.2")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reloaded, err := Open(path, "wg0", driver, InterfaceConfig{}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	got, ok := reloaded.Get("alice")
	if !ok {
		t.Fatalf("expected peer alice to round-trip")
	}
	want := mustPeer("alice", "pkA=", "10.0.0.2")
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Fatalf("round-tripped peer mismatch (-want +got):\n%s", diff)
	}
}

func TestAddRejectsDuplicateIP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wg0.conf")
	driver := newFakeDriver()

	table, _ := Open(path, "wg0", driver, InterfaceConfig{}, nil)
	ctx := context.Background()

	if err := table.Add(ctx, mustPeer("alice", "pkA=", "10.0.0.2")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := table.Add(ctx, mustPeer("bob", "pkB=", "10.0.0.2"))
	if !errors.Is(err, ErrDuplicateIP) {
		t.Fatalf("expected ErrDuplicateIP, got %v", err)
	}
}

func TestDeleteRemovesFromInterfaceAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wg0.conf")
	driver := newFakeDriver()

	table, _ := Open(path, "wg0", driver, InterfaceConfig{}, nil)
	ctx := context.Background()
	table.Add(ctx, mustPeer("alice", "pkA=", "10.0.0.2"))

	if err := table.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if table.Has("alice") {
		t.Fatalf("expected alice to be removed")
	}
	if len(driver.removed) != 1 {
		t.Fatalf("expected driver.RemovePeer to be called once, got %d", len(driver.removed))
	}

	reloaded, _ := Open(path, "wg0", driver, InterfaceConfig{}, nil)
	if reloaded.Has("alice") {
		t.Fatalf("expected alice to be gone after reload")
	}
}

func TestDeleteUnknownReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wg0.conf")
	driver := newFakeDriver()
	table, _ := Open(path, "wg0", driver, InterfaceConfig{}, nil)

	if err := table.Delete(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
