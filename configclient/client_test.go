package configclient

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/overmindtech/discovery-server/discovery"
)

func TestNewClient(t *testing.T) {
	t.Run("without a config document", func(t *testing.T) {
		_, err := NewClient(context.Background(), nil)

		if discovery.KindOf(err) != discovery.KindNoConfigDoc {
			t.Errorf("expected NO_CONFIG_DOC, got %v", err)
		}
	})

	t.Run("with an invalid URL", func(t *testing.T) {
		_, err := NewClient(context.Background(), &discovery.ServerConfig{
			ServerName:        "server1",
			MetadataServerURL: "not a url",
		})

		if discovery.KindOf(err) != discovery.KindNoMetadataServerURL {
			t.Errorf("expected NO_METADATA_SERVER_URL, got %v", err)
		}
	})

	t.Run("with a file URL in the home directory", func(t *testing.T) {
		home := t.TempDir()
		writeEngineFile(t, home, engineFile)

		t.Setenv("HOME", home)
		homedir.Reset()
		defer homedir.Reset()

		client, err := NewClient(context.Background(), &discovery.ServerConfig{
			MetadataServerURL: "file://~/engines.yaml",
		})
		if err != nil {
			t.Fatal(err)
		}
		defer client.Close()

		fc, ok := client.Fetcher.(*FileClient)
		if !ok {
			t.Fatalf("expected a *FileClient, got %T", client.Fetcher)
		}
		if fc.Path != filepath.Join(home, "engines.yaml") {
			t.Errorf("expected the path to be expanded, got %v", fc.Path)
		}
	})

	t.Run("with a file URL", func(t *testing.T) {
		path := writeEngineFile(t, t.TempDir(), engineFile)

		client, err := NewClient(context.Background(), &discovery.ServerConfig{
			MetadataServerURL: "file://" + path,
		})
		if err != nil {
			t.Fatal(err)
		}
		defer client.Close()

		if _, ok := client.Fetcher.(*FileClient); !ok {
			t.Errorf("expected a *FileClient, got %T", client.Fetcher)
		}

		if client.HeartbeatPublisher() != nil {
			t.Error("file clients can't publish heartbeats")
		}

		definition, err := client.FetchEngineDefinition(context.Background(), "server1", "AssetDiscovery")
		if err != nil {
			t.Fatal(err)
		}
		if definition.QualifiedName != "AssetDiscovery" {
			t.Errorf("unexpected definition %+v", definition)
		}
	})

	t.Run("with an empty file URL", func(t *testing.T) {
		_, err := NewClient(context.Background(), &discovery.ServerConfig{
			MetadataServerURL: "file://",
		})
		if err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("with HTTP and no NATS", func(t *testing.T) {
		client, err := NewClient(context.Background(), &discovery.ServerConfig{
			MetadataServerURL:  "https://platform.example.com",
			MetadataServerName: "mds1",
		})
		if err != nil {
			t.Fatal(err)
		}
		defer client.Close()

		fetcher, ok := client.Fetcher.(*HTTPFetcher)
		if !ok {
			t.Fatalf("expected a *HTTPFetcher, got %T", client.Fetcher)
		}
		if fetcher.MetadataServer != "mds1" {
			t.Errorf("unexpected metadata server %v", fetcher.MetadataServer)
		}

		if client.Notifier != nil {
			t.Errorf("expected no notifier, got %T", client.Notifier)
		}

		if client.HeartbeatPublisher() != nil {
			t.Error("expected no heartbeat publisher")
		}
	})

	t.Run("with HTTP and NATS", func(t *testing.T) {
		s := runNATSServer(t)

		client, err := NewClient(context.Background(), &discovery.ServerConfig{
			MetadataServerURL:     "https://platform.example.com",
			MetadataServerName:    "mds1",
			NATSServers:           []string{s.ClientURL()},
			NATSConnectionName:    "client-test",
			NATSConnectionTimeout: time.Second,
		})
		if err != nil {
			t.Fatal(err)
		}

		if _, ok := client.Notifier.(*NATSNotifier); !ok {
			t.Errorf("expected a *NATSNotifier, got %T", client.Notifier)
		}

		if client.HeartbeatPublisher() == nil {
			t.Error("expected a heartbeat publisher")
		}

		if err := client.Close(); err != nil {
			t.Error(err)
		}
	})
}

func TestIdleSubscription(t *testing.T) {
	t.Parallel()

	client := &Client{Fetcher: NewFileClient(filepath.Join(t.TempDir(), "engines.yaml"))}

	sub, err := client.Subscribe(context.Background(), "server1", func(e discovery.ChangeEvent) {
		t.Errorf("unexpected event %+v", e)
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-sub.Done():
		t.Fatal("an idle subscription should not be lost")
	case <-time.After(20 * time.Millisecond):
	}

	if err := sub.Close(); err != nil {
		t.Error(err)
	}
	if err := sub.Close(); err != nil {
		t.Error(err)
	}

	select {
	case <-sub.Done():
	default:
		t.Error("subscription should be done after Close")
	}
}

func TestClientFetchErrorsPassThrough(t *testing.T) {
	t.Parallel()

	client := &Client{Fetcher: NewFileClient(filepath.Join(t.TempDir(), "missing.yaml"))}

	_, err := client.FetchEngineDefinition(context.Background(), "server1", "AssetDiscovery")

	var fetchErr *discovery.FetchError
	if !errors.As(err, &fetchErr) || !fetchErr.Transient() {
		t.Errorf("expected a transient *FetchError, got %v", err)
	}
}
