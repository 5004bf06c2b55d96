package discovery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DiscoveryService does the actual discovery work for a request type.
//
// Implementations must respect cancellation of `ctx`: the dispatcher applies
// the request timeout through it and will report a timed-out request as
// failed even if Discover eventually returns. A service that also implements
// io.Closer is closed once it has been retired and is no longer in use by any
// request.
type DiscoveryService interface {
	// Discover runs a single discovery request. The returned map is passed
	// to the caller verbatim as the result payload
	Discover(ctx context.Context, req *DiscoveryRequest) (map[string]any, error)
}

// DiscoveryServiceFunc adapts a function to the DiscoveryService interface
type DiscoveryServiceFunc func(ctx context.Context, req *DiscoveryRequest) (map[string]any, error)

func (f DiscoveryServiceFunc) Discover(ctx context.Context, req *DiscoveryRequest) (map[string]any, error) {
	return f(ctx, req)
}

// DiscoveryRequest is a single request to run discovery
type DiscoveryRequest struct {
	// ID is generated by the dispatcher if not provided
	ID          uuid.UUID      `json:"id"`
	Engine      string         `json:"engine"`
	RequestType string         `json:"requestType"`
	Params      map[string]any `json:"params,omitempty"`
	// Timeout for the request. Zero, or anything larger than the server's
	// maximum request timeout, is clamped to the maximum
	Timeout time.Duration `json:"timeout,omitempty"`
}

// StringParam returns a string parameter from the request, or the default if
// it is missing or not a string
func (r *DiscoveryRequest) StringParam(key, def string) string {
	if r == nil || r.Params == nil {
		return def
	}

	if s, ok := r.Params[key].(string); ok && s != "" {
		return s
	}

	return def
}
