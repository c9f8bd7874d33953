package routeannounce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterDualScheme(t *testing.T) {
	var captured routesRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(routesResponse{Message: "ok"})
	}))
	defer srv.Close()

	a := New(Config{}, nil)
	err := a.Register(context.Background(), Params{
		BackendURL: srv.URL,
		UserID:     "alice",
		Signature:  "sig",
		RouteIP:    "192.168.1.5",
		RoutePort:  443,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if len(captured.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(captured.Routes))
	}
	if captured.Routes[0].Scheme != "https" || captured.Routes[0].Port != 443 {
		t.Fatalf("expected https route on 443 first, got %+v", captured.Routes[0])
	}
	if captured.Routes[1].Scheme != "http" || captured.Routes[1].Port != 80 {
		t.Fatalf("expected http route on 80 second, got %+v", captured.Routes[1])
	}
	for _, r := range captured.Routes {
		if r.Source != "tunnel" {
			t.Fatalf("expected source=tunnel, got %+v", r)
		}
	}
}

func TestRegisterNonJSONBodySurfacesDistinctError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an api"))
	}))
	defer srv.Close()

	a := New(Config{}, nil)
	err := a.Register(context.Background(), Params{BackendURL: srv.URL, UserID: "a", Signature: "s", RouteIP: "1.2.3.4", RoutePort: 443})
	if err == nil {
		t.Fatalf("expected error for non-JSON backend response")
	}
}

func TestRefreshLoopStartStopIdempotent(t *testing.T) {
	calls := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(routesResponse{})
	}))
	defer srv.Close()

	a := New(Config{RefreshInterval: 10 * time.Millisecond}, nil)
	params := Params{BackendURL: srv.URL, UserID: "a", Signature: "s", RouteIP: "1.2.3.4", RoutePort: 443}

	a.StartRefreshLoop("provider-a", params)
	a.StartRefreshLoop("provider-a", params) // idempotent, must not spawn a second loop

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected at least one refresh tick")
	}

	a.Stop("provider-a")
	a.Stop("provider-a") // idempotent
}
