package tracing

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LogRecoverToReturn recovers from a panic, reports it to the log, sentry and
// the current span, then lets the deferring function return normally. Does
// nothing when there is no panic. Must be called directly by defer
func LogRecoverToReturn(ctx context.Context, loc string) {
	err := recover()
	if err == nil {
		return
	}

	HandleError(ctx, loc, err, string(debug.Stack()))
}

// LogRecoverToExit is LogRecoverToReturn for goroutines that can't continue
// after a panic. It flushes tracing and exits the process
func LogRecoverToExit(ctx context.Context, loc string) {
	err := recover()
	if err == nil {
		return
	}

	HandleError(ctx, loc, err, string(debug.Stack()))

	// ensure that errors still get sent out
	ShutdownTracer(ctx)

	os.Exit(1)
}

// HandleError reports a recovered panic
func HandleError(ctx context.Context, loc string, err any, stack string) {
	msg := fmt.Sprintf("unhandled panic in %v: %v", loc, err)

	hub := sentry.CurrentHub()
	if hub != nil {
		hub.Recover(err)
	}

	// always log to stderr (no WithContext!)
	log.WithFields(log.Fields{"loc": loc, "stack": stack}).Error(msg)

	if ctx != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("ovm.panic.loc", loc),
			attribute.String("ovm.panic.stack", stack),
		)
		span.SetStatus(codes.Error, msg)
	}
}
