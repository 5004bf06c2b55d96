//go:generate mockgen -destination=./mocks/mock_config_client.go -package=mocks -source=configclient.go

package discovery

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// FetchFailure classifies why an engine definition could not be fetched
type FetchFailure string

const (
	// The metadata server does not have a definition for this engine
	FetchNotFound FetchFailure = "NOT_FOUND"
	// The metadata server could not be reached, or timed out
	FetchUnreachable FetchFailure = "UNREACHABLE"
	// The metadata server returned a definition that could not be used
	FetchMalformed FetchFailure = "MALFORMED"
)

// FetchError is returned by a ConfigClient when a definition can't be
// retrieved
type FetchError struct {
	Failure FetchFailure
	Server  string
	Engine  string
	Err     error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetching definition of engine %v for server %v: %v", e.Engine, e.Server, e.Failure)
	if e.Err != nil {
		msg = fmt.Sprintf("%v: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure could resolve itself without the
// definition being changed on the metadata server
func (e *FetchError) Transient() bool {
	return e.Failure != FetchMalformed
}

// ChangeEvent is delivered when the metadata server reports that the
// definition of an engine has changed
type ChangeEvent struct {
	// Engine is the qualified name of the engine that changed
	Engine string `json:"engine"`
	// Version is the new version, if known
	Version string `json:"version,omitempty"`

	ReceivedAt time.Time `json:"-"`

	// SpanContext links the refresh to the trace that published the change
	SpanContext trace.SpanContext `json:"-"`
}

// Subscription is a live subscription to change events
type Subscription interface {
	// Done is closed when the subscription has been lost and will deliver no
	// more events
	Done() <-chan struct{}
	Close() error
}

// ConfigClient is the client API of the metadata server
type ConfigClient interface {
	// FetchEngineDefinition returns the current definition of an engine, or a
	// *FetchError
	FetchEngineDefinition(ctx context.Context, serverName, engineName string) (*EngineDefinition, error)

	// Subscribe delivers change events that are relevant to this server until
	// the subscription is closed or lost
	Subscribe(ctx context.Context, serverName string, onChange func(ChangeEvent)) (Subscription, error)
}
