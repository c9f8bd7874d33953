package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/meshgate/meshtund/internal/apiclient"
	"github.com/meshgate/meshtund/internal/config"
	"github.com/meshgate/meshtund/internal/handshake"
	"github.com/meshgate/meshtund/internal/keystore"
	"github.com/meshgate/meshtund/internal/routeannounce"
)

func providerConn(backendURL, userID, signature string) string {
	return config.ProviderConnection{BackendURL: backendURL, UserID: userID, Signature: signature}.Serialize()
}

func mustClient(t *testing.T, baseURL string) *apiclient.Client {
	t.Helper()
	c, err := apiclient.New(apiclient.Config{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	return c
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDriver struct {
	interfaceUpErr error
	upCalls        int
	downCalls      int
}

func (f *fakeDriver) InterfaceUp(context.Context, string) error {
	f.upCalls++
	return f.interfaceUpErr
}
func (f *fakeDriver) InterfaceDown(context.Context, string) error {
	f.downCalls++
	return nil
}
func (f *fakeDriver) AddPeer(context.Context, string, []byte, []string) error { return nil }
func (f *fakeDriver) RemovePeer(context.Context, string, []byte) error       { return nil }
func (f *fakeDriver) ReadHandshakes(context.Context, string) (map[string]time.Time, error) {
	return nil, nil
}

func newTestSupervisor(t *testing.T, driver *fakeDriver) *Supervisor {
	t.Helper()
	dir := t.TempDir()

	cfg := config.RequesterConfig{RetryInterval: 10 * time.Millisecond, ConfigDir: filepath.Join(dir, "tunnels")}
	keys := keystore.New(filepath.Join(dir, "keys"), nil)
	routes := routeannounce.New(routeannounce.Config{RefreshInterval: time.Hour}, nil)
	watcher := handshake.New(handshake.Config{PollInterval: time.Hour}, driver, nil, nil)

	sup := New(cfg, driver, keys, routes, watcher, nil)
	// Stop every provider started by the test, which also stops the
	// refresh loops and the watcher goroutine that goleak checks for.
	t.Cleanup(func() { sup.Reconcile(context.Background(), nil) })
	return sup
}

func newProviderServer(t *testing.T, version int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/router/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"version": version})
	})
	mux.HandleFunc("/api/register", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"wgConfig": {
				"wgInterface": {"address": ["10.0.0.2/32"]},
				"peers": [{"publicKey":"serverpub","allowedIps":["10.0.0.0/24"],"endpoint":"vpn.example.com:51820","persistentKeepalive":60}]
			},
			"serverIp": "10.0.0.1",
			"routeIp": "192.168.1.5",
			"routePort": 443
		}`))
	})
	mux.HandleFunc("/router/api/routes/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestReconcileStartsProviderAndPersistsTunnel(t *testing.T) {
	driver := &fakeDriver{}
	sup := newTestSupervisor(t, driver)
	srv := newProviderServer(t, 2)

	sup.Reconcile(context.Background(), []config.RequesterProvider{
		{Name: "home", Provider: providerConn(srv.URL, "alice", "tok")},
	})

	ap, ok := sup.active["home"]
	if !ok {
		t.Fatal("expected provider 'home' to be active")
	}
	if driver.upCalls == 0 {
		t.Fatal("expected InterfaceUp to be called")
	}
	if _, err := os.Stat(ap.configPath); err != nil {
		t.Fatalf("expected tunnel config file to exist: %v", err)
	}

	data, _ := os.ReadFile(ap.configPath)
	if !strings.Contains(string(data), "serverpub") {
		t.Fatalf("expected tunnel config to contain the server's public key, got:\n%s", data)
	}
}

func TestReconcileStopRemovesProvider(t *testing.T) {
	driver := &fakeDriver{}
	sup := newTestSupervisor(t, driver)
	srv := newProviderServer(t, 2)

	p := config.RequesterProvider{Name: "home", Provider: providerConn(srv.URL, "alice", "tok")}
	sup.Reconcile(context.Background(), []config.RequesterProvider{p})

	ap := sup.active["home"]

	sup.Reconcile(context.Background(), nil)

	if _, ok := sup.active["home"]; ok {
		t.Fatal("expected provider 'home' to be removed from the active set")
	}
	if _, err := os.Stat(ap.configPath); !os.IsNotExist(err) {
		t.Fatalf("expected tunnel config to be removed, stat err=%v", err)
	}
}

func TestReconcileIsIdempotentForUnchangedProviders(t *testing.T) {
	driver := &fakeDriver{}
	sup := newTestSupervisor(t, driver)
	srv := newProviderServer(t, 2)

	p := config.RequesterProvider{Name: "home", Provider: providerConn(srv.URL, "alice", "tok")}
	sup.Reconcile(context.Background(), []config.RequesterProvider{p})
	sup.Reconcile(context.Background(), []config.RequesterProvider{p})

	if driver.upCalls != 1 {
		t.Fatalf("expected exactly one InterfaceUp call across two reconciles, got %d", driver.upCalls)
	}
}

func TestStartRequesterExitsOnInterfaceUpFailure(t *testing.T) {
	driver := &fakeDriver{interfaceUpErr: os.ErrPermission}
	sup := newTestSupervisor(t, driver)
	srv := newProviderServer(t, 2)

	var exitCode int
	sup.exit = func(code int) { exitCode = code }

	sup.Reconcile(context.Background(), []config.RequesterProvider{
		{Name: "home", Provider: providerConn(srv.URL, "alice", "tok")},
	})

	if exitCode != ExitCodeStartFailure {
		t.Fatalf("expected exit code %d, got %d", ExitCodeStartFailure, exitCode)
	}
}

func TestReconcileStartsProvidersConcurrently(t *testing.T) {
	driver := &fakeDriver{}
	sup := newTestSupervisor(t, driver)
	sup.cfg.RetryInterval = 5 * time.Millisecond
	good := newProviderServer(t, 2)

	unreachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(unreachable.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sup.Reconcile(ctx, []config.RequesterProvider{
		{Name: "stuck", Provider: providerConn(unreachable.URL, "bob", "tok")},
		{Name: "good", Provider: providerConn(good.URL, "alice", "tok")},
	})

	if _, ok := sup.active["good"]; !ok {
		t.Fatal("expected 'good' provider to become active despite 'stuck' never answering /api/ping")
	}
	if _, ok := sup.active["stuck"]; ok {
		t.Fatal("expected 'stuck' provider to never become active")
	}
}

func TestWaitForCompatibleVersionBacksOffOnOldProvider(t *testing.T) {
	driver := &fakeDriver{}
	sup := newTestSupervisor(t, driver)
	sup.cfg.RetryInterval = 10 * time.Millisecond
	srv := newProviderServer(t, 1) // below ProviderVersionMinimum

	client := mustClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sup.waitForCompatibleVersion(ctx, config.RequesterProvider{Name: "home"}, client)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled once ctx deadline passed during backoff, got %v", err)
	}
}
