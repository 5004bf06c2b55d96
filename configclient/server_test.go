package configclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/overmindtech/discovery-server/configclient"
	"github.com/overmindtech/discovery-server/discovery"
)

// metadataServer serves a single engine definition that can be changed
type metadataServer struct {
	mutex      sync.Mutex
	definition *discovery.EngineDefinition
}

func (m *metadataServer) set(d *discovery.EngineDefinition) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.definition = d
}

func (m *metadataServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mutex.Lock()
	d := m.definition
	m.mutex.Unlock()

	if d == nil || r.URL.Path != "/servers/mds1/discovery-servers/server1/engines/"+d.QualifiedName {
		http.NotFound(w, r)
		return
	}

	_ = json.NewEncoder(w).Encode(d)
}

func echoDefinition(version string) *discovery.EngineDefinition {
	return &discovery.EngineDefinition{
		QualifiedName: "AssetDiscovery",
		Version:       version,
		Bindings: []discovery.RequestTypeBinding{
			{
				RequestType: "echo",
				Connector: discovery.ConnectorDescriptor{
					ServiceName:    "Echo " + version,
					Implementation: "echo",
				},
			},
		},
	}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %v", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerWithMetadataServer(t *testing.T) {
	opts := test.DefaultTestOptions
	opts.Port = server.RANDOM_PORT
	ns := test.RunServer(&opts)
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("Could not start goroutine NATS server")
	}
	defer ns.Shutdown()

	mds := &metadataServer{}
	web := httptest.NewServer(mds)
	defer web.Close()

	config := &discovery.ServerConfig{
		ServerName:            "server1",
		MetadataServerURL:     web.URL,
		MetadataServerName:    "mds1",
		Engines:               []string{"AssetDiscovery"},
		NATSServers:           []string{ns.ClientURL()},
		NATSConnectionTimeout: time.Second,
		RetryInitialInterval:  10 * time.Millisecond,
		RetryMaxInterval:      50 * time.Millisecond,
		FetchTimeout:          time.Second,
		MaxRequestTimeout:     time.Second,
	}

	client, err := configclient.NewClient(context.Background(), config)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	client.Fetcher.(*configclient.HTTPFetcher).Client.RetryMax = 0

	loader := discovery.NewServiceLoader()
	err = loader.Register("echo", func(ctx context.Context, connector discovery.ConnectorDescriptor) (discovery.DiscoveryService, error) {
		return discovery.DiscoveryServiceFunc(func(ctx context.Context, req *discovery.DiscoveryRequest) (map[string]any, error) {
			return map[string]any{"service": connector.ServiceName}, nil
		}), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := discovery.NewServer(config, client, loader)
	if err != nil {
		t.Fatal(err)
	}

	// The metadata server doesn't know the engine yet
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := s.Stop(); err != nil {
			t.Error(err)
		}
	}()

	instance, err := s.Registry().Get("AssetDiscovery")
	if err != nil {
		t.Fatal(err)
	}

	if instance.Status() == discovery.StatusReady {
		t.Fatal("engine should not be ready before it has been defined")
	}

	// Once it is defined the background retry picks it up
	mds.set(echoDefinition("1"))
	waitFor(t, "engine to become ready", func() bool {
		return instance.Status() == discovery.StatusReady
	})

	result, err := s.Dispatch(context.Background(), &discovery.DiscoveryRequest{
		Engine:      "AssetDiscovery",
		RequestType: "echo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Payload["service"] != "Echo 1" {
		t.Errorf("unexpected payload %v", result.Payload)
	}

	// A change notification over NATS triggers a refresh
	waitFor(t, "listener to connect", func() bool {
		return s.ListenerReport().Connected
	})

	mds.set(echoDefinition("2"))

	publisher := client.Notifier.(*configclient.NATSNotifier)
	err = publisher.PublishChange(context.Background(), "server1", discovery.ChangeEvent{Engine: "AssetDiscovery", Version: "2"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "engine to be refreshed", func() bool {
		return instance.Report().Version == "2"
	})

	result, err = s.Dispatch(context.Background(), &discovery.DiscoveryRequest{
		Engine:      "AssetDiscovery",
		RequestType: "echo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Payload["service"] != "Echo 2" {
		t.Errorf("unexpected payload %v", result.Payload)
	}
}
