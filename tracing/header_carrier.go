package tracing

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// HeaderCarrier adapts nats.Header to otel's TextMapCarrier so that trace
// context can travel with NATS messages
type HeaderCarrier struct {
	headers nats.Header
}

func NewNatsHeaderCarrier(h nats.Header) *HeaderCarrier {
	return &HeaderCarrier{
		headers: h,
	}
}

func (c *HeaderCarrier) Get(key string) string {
	return c.headers.Get(key)
}

func (c *HeaderCarrier) Set(key, value string) {
	c.headers.Set(key, value)
}

func (c *HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for key := range c.headers {
		keys = append(keys, key)
	}
	return keys
}

// InjectMsg writes the trace context of ctx into the headers of msg
func InjectMsg(ctx context.Context, msg *nats.Msg) {
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	otel.GetTextMapPropagator().Inject(ctx, NewNatsHeaderCarrier(msg.Header))
}

// ExtractMsg returns ctx with the remote trace context carried by msg, if any
func ExtractMsg(ctx context.Context, msg *nats.Msg) context.Context {
	if msg == nil || msg.Header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, NewNatsHeaderCarrier(msg.Header))
}
