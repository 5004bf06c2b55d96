// Package configclient implements discovery.ConfigClient. Definitions are
// fetched from the metadata server's REST API and change notifications arrive
// over NATS. A file:// URL serves definitions from a local YAML file instead
package configclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/nats-io/nats.go"
	"github.com/overmindtech/discovery-server/discovery"
	log "github.com/sirupsen/logrus"
)

// Fetcher retrieves engine definitions
type Fetcher interface {
	FetchEngineDefinition(ctx context.Context, serverName, engineName string) (*discovery.EngineDefinition, error)
}

// Notifier delivers change events
type Notifier interface {
	Subscribe(ctx context.Context, serverName string, onChange func(discovery.ChangeEvent)) (discovery.Subscription, error)
}

// idleSubscription never delivers anything and is only done once closed
type idleSubscription struct {
	done chan struct{}
	once sync.Once
}

func newIdleSubscription() *idleSubscription {
	return &idleSubscription{done: make(chan struct{})}
}

func (s *idleSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *idleSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	return nil
}

// Client combines a Fetcher with an optional Notifier. Without a notifier the
// server only sees changes when it is asked to refresh an engine
type Client struct {
	Fetcher  Fetcher
	Notifier Notifier

	conn *nats.Conn
}

func (c *Client) FetchEngineDefinition(ctx context.Context, serverName, engineName string) (*discovery.EngineDefinition, error) {
	return c.Fetcher.FetchEngineDefinition(ctx, serverName, engineName)
}

func (c *Client) Subscribe(ctx context.Context, serverName string, onChange func(discovery.ChangeEvent)) (discovery.Subscription, error) {
	if c.Notifier == nil {
		return newIdleSubscription(), nil
	}
	return c.Notifier.Subscribe(ctx, serverName, onChange)
}

// HeartbeatPublisher returns the publisher for heartbeats, or nil if the
// client has no NATS connection
func (c *Client) HeartbeatPublisher() discovery.HeartbeatPublisher {
	if p, ok := c.Notifier.(discovery.HeartbeatPublisher); ok {
		return p
	}
	return nil
}

// Close drains the NATS connection if the client opened one
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}

// NewClient builds the client described by the configuration document. A
// NATS connection is only made if NATS servers are configured
func NewClient(ctx context.Context, config *discovery.ServerConfig) (*Client, error) {
	if config == nil {
		return nil, &discovery.Error{Kind: discovery.KindNoConfigDoc}
	}

	if path, ok := strings.CutPrefix(config.MetadataServerURL, "file://"); ok {
		if path == "" {
			return nil, errors.New("file:// metadata server URL has no path")
		}
		path, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("expanding %v: %w", path, err)
		}
		fc := NewFileClient(path)
		return &Client{Fetcher: fc, Notifier: fc}, nil
	}

	if _, err := url.ParseRequestURI(config.MetadataServerURL); err != nil {
		return nil, &discovery.Error{Kind: discovery.KindNoMetadataServerURL, Server: config.ServerName, Cause: err}
	}

	fetcher := NewHTTPFetcher(config.MetadataServerURL, config.MetadataServerName)
	client := &Client{Fetcher: fetcher}

	if len(config.NATSServers) == 0 {
		log.Info("No NATS servers configured, engine changes will only be picked up by refresh requests")
		return client, nil
	}

	opts := NATSOptions{
		Servers:           config.NATSServers,
		ConnectionName:    config.NATSConnectionName,
		ConnectionTimeout: config.NATSConnectionTimeout,
		// The listener retries subscriptions itself, so there is no point
		// blocking startup for long
		NumRetries: 0,
		AdditionalOptions: []nats.Option{
			nats.RetryOnFailedConnect(true),
		},
	}

	conn, err := opts.Connect(ctx)
	if err != nil {
		return nil, err
	}

	client.conn = conn
	client.Notifier = &NATSNotifier{
		Conn:                conn,
		ReconnectionTimeout: config.RetryMaxInterval,
	}

	return client, nil
}
