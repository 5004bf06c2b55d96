package configclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/overmindtech/discovery-server/discovery"
)

var assetDiscovery = discovery.EngineDefinition{
	QualifiedName: "AssetDiscovery",
	Version:       "1",
	Bindings: []discovery.RequestTypeBinding{
		{
			RequestType: "small-files",
			Connector: discovery.ConnectorDescriptor{
				ServiceName:    "Small files",
				Implementation: "file-inventory",
			},
		},
	},
}

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *HTTPFetcher {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(srv.URL+"/", "mds1")
	f.Client.RetryMax = 0
	f.Client.RetryWaitMin = time.Millisecond
	f.Client.RetryWaitMax = 5 * time.Millisecond

	return f
}

func TestHTTPFetcherURL(t *testing.T) {
	f := NewHTTPFetcher("https://platform.example.com/", "my mds")

	got := f.definitionURL("server1", "Asset/Discovery")
	want := "https://platform.example.com/servers/my%20mds/discovery-servers/server1/engines/Asset%2FDiscovery"

	if got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestHTTPFetcherFetch(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %v", r.Method)
		}
		if r.URL.Path != "/servers/mds1/discovery-servers/server1/engines/AssetDiscovery" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(assetDiscovery)
	})

	definition, err := f.FetchEngineDefinition(context.Background(), "server1", "AssetDiscovery")
	if err != nil {
		t.Fatal(err)
	}

	if definition.QualifiedName != "AssetDiscovery" {
		t.Errorf("unexpected qualified name %v", definition.QualifiedName)
	}

	if len(definition.Bindings) != 1 || definition.Bindings[0].Connector.Implementation != "file-inventory" {
		t.Errorf("unexpected bindings %+v", definition.Bindings)
	}
}

func TestHTTPFetcherFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		Name    string
		Handler http.HandlerFunc
		Failure discovery.FetchFailure
	}{
		{
			Name: "not found",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			Failure: discovery.FetchNotFound,
		},
		{
			Name: "server error",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			Failure: discovery.FetchUnreachable,
		},
		{
			Name: "rate limited",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			Failure: discovery.FetchUnreachable,
		},
		{
			Name: "forbidden",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			Failure: discovery.FetchMalformed,
		},
		{
			Name: "invalid json",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"qualifiedName": `))
			},
			Failure: discovery.FetchMalformed,
		},
		{
			Name: "too large",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(strings.Repeat(" ", maxDefinitionBytes+10)))
			},
			Failure: discovery.FetchMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			t.Parallel()

			f := newTestFetcher(t, tt.Handler)

			_, err := f.FetchEngineDefinition(context.Background(), "server1", "AssetDiscovery")

			var fetchErr *discovery.FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("expected a *FetchError, got %T: %v", err, err)
			}

			if fetchErr.Failure != tt.Failure {
				t.Errorf("expected %v, got %v", tt.Failure, fetchErr.Failure)
			}

			if fetchErr.Engine != "AssetDiscovery" || fetchErr.Server != "server1" {
				t.Errorf("error is missing context: %v", fetchErr)
			}
		})
	}
}

func TestHTTPFetcherUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := NewHTTPFetcher(url, "mds1")
	f.Client.RetryMax = 0

	_, err := f.FetchEngineDefinition(context.Background(), "server1", "AssetDiscovery")

	var fetchErr *discovery.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected a *FetchError, got %T: %v", err, err)
	}

	if fetchErr.Failure != discovery.FetchUnreachable {
		t.Errorf("expected UNREACHABLE, got %v", fetchErr.Failure)
	}
}

func TestHTTPFetcherRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(assetDiscovery)
	})
	f.Client.RetryMax = 2

	definition, err := f.FetchEngineDefinition(context.Background(), "server1", "AssetDiscovery")
	if err != nil {
		t.Fatal(err)
	}

	if definition.Version != "1" {
		t.Errorf("unexpected version %v", definition.Version)
	}

	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %v", calls.Load())
	}
}

func TestHTTPFetcherCancelled(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.FetchEngineDefinition(ctx, "server1", "AssetDiscovery")

	var fetchErr *discovery.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Failure != discovery.FetchUnreachable {
		t.Errorf("expected an UNREACHABLE error, got %v", err)
	}
}
