package services

import (
	"context"
	"maps"

	"github.com/overmindtech/discovery-server/discovery"
)

// NewEcho creates a service that returns what it was given. It is useful for
// checking that an engine is bound and reachable without touching anything
func NewEcho(ctx context.Context, connector discovery.ConnectorDescriptor) (discovery.DiscoveryService, error) {
	parameters := maps.Clone(connector.Parameters)

	return discovery.DiscoveryServiceFunc(func(ctx context.Context, req *discovery.DiscoveryRequest) (map[string]any, error) {
		return map[string]any{
			"service":     connector.ServiceName,
			"engine":      req.Engine,
			"requestType": req.RequestType,
			"params":      req.Params,
			"parameters":  parameters,
		}, nil
	}), nil
}
