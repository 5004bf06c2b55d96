package discovery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/overmindtech/discovery-server/tracing"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultMaxRequestTimeout = 5 * time.Minute

// ResultStatus is the progress of a discovery request
type ResultStatus string

const (
	ResultAccepted  ResultStatus = "ACCEPTED"
	ResultRunning   ResultStatus = "RUNNING"
	ResultCompleted ResultStatus = "COMPLETED"
	ResultFailed    ResultStatus = "FAILED"
	ResultCancelled ResultStatus = "CANCELLED"
)

// DiscoveryResult is the envelope returned for every discovery request
type DiscoveryResult struct {
	RequestID   uuid.UUID      `json:"requestId"`
	Engine      string         `json:"engine"`
	RequestType string         `json:"requestType"`
	Status      ResultStatus   `json:"status"`
	Payload     map[string]any `json:"payload,omitempty"`
	ErrorKind   ErrorKind      `json:"errorKind,omitempty"`
	MessageID   string         `json:"messageId,omitempty"`
	ErrorDetail string         `json:"errorDetail,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt"`
}

// fail records a request-level error on the result
func (r *DiscoveryResult) fail(err error) {
	r.FinishedAt = time.Now()
	r.Status = ResultFailed

	var derr *Error
	if errors.As(err, &derr) {
		r.ErrorKind = derr.Kind
		r.MessageID = derr.MessageID()
		r.ErrorDetail = derr.Message()
		if errors.Is(derr.Cause, context.Canceled) {
			r.Status = ResultCancelled
		}
		return
	}

	r.ErrorDetail = err.Error()
}

// DispatcherOptions configure a Dispatcher
type DispatcherOptions struct {
	Server string
	// The maximum request timeout. Defaults to DefaultMaxRequestTimeout.
	// Requests without a timeout, or with a larger one, are clamped to this
	MaxRequestTimeout time.Duration
	// Maximum number of asynchronous requests running at once
	MaxParallelExecutions int
	// How long finished asynchronous requests are kept
	ResultRetention time.Duration
}

// Dispatcher routes discovery requests to the service bound to their request
// type and runs them
type Dispatcher struct {
	opts     DispatcherOptions
	registry *EngineRegistry
	tracker  *RequestTracker

	// Throttle for asynchronous requests
	executionPool *pool.Pool

	// Counts goroutines waiting to submit to the pool, since pool.Go blocks
	// once MaxParallelExecutions is reached
	submitting sync.WaitGroup
	closeMutex sync.RWMutex
	closed     bool
}

func NewDispatcher(registry *EngineRegistry, opts DispatcherOptions) *Dispatcher {
	if opts.MaxRequestTimeout <= 0 {
		opts.MaxRequestTimeout = DefaultMaxRequestTimeout
	}
	if opts.MaxParallelExecutions <= 0 {
		opts.MaxParallelExecutions = 1
	}

	return &Dispatcher{
		opts:          opts,
		registry:      registry,
		tracker:       NewRequestTracker(opts.ResultRetention),
		executionPool: pool.New().WithMaxGoroutines(opts.MaxParallelExecutions),
	}
}

// Tracker returns the tracker holding asynchronous requests
func (d *Dispatcher) Tracker() *RequestTracker {
	return d.tracker
}

// requestTimeout clamps the requested timeout to MaxRequestTimeout
func (d *Dispatcher) requestTimeout(requested time.Duration) (time.Duration, bool) {
	if requested <= 0 || requested > d.opts.MaxRequestTimeout {
		return d.opts.MaxRequestTimeout, true
	}

	return requested, false
}

// resolve looks up the engine and the slot bound to the request type in a
// single snapshot. The caller owns a reference to the returned slot
func (d *Dispatcher) resolve(req *DiscoveryRequest) (*serviceSlot, error) {
	instance, err := d.registry.Get(req.Engine)
	if err != nil {
		return nil, err
	}

	_, slot, err := instance.acquireSlot(req.RequestType)
	if err != nil {
		return nil, err
	}

	return slot, nil
}

// load returns the service held by the slot, loading it if required
func (d *Dispatcher) load(ctx context.Context, req *DiscoveryRequest, slot *serviceSlot) (DiscoveryService, error) {
	svc, err := slot.load(ctx)
	if err != nil {
		return nil, &Error{
			Kind:        KindInvalidDiscoveryService,
			Server:      d.opts.Server,
			Engine:      req.Engine,
			RequestType: req.RequestType,
			Service:     slot.connector.ServiceName,
			Cause:       err,
		}
	}

	if svc == nil {
		derr := &Error{
			Kind:        KindNullDiscoveryService,
			Server:      d.opts.Server,
			Engine:      req.Engine,
			RequestType: req.RequestType,
			Service:     slot.connector.ServiceName,
			Method:      "Discover",
		}
		sentry.CaptureException(derr)
		log.WithContext(ctx).WithError(derr).Error("Discovery service loader returned nil")

		return nil, derr
	}

	return svc, nil
}

type outcome struct {
	payload map[string]any
	err     error
}

// execute loads and invokes the service for a resolved request. The
// reference to the slot is released once the service returns, even if the
// request has already timed out
func (d *Dispatcher) execute(ctx context.Context, req *DiscoveryRequest, slot *serviceSlot, timeout time.Duration) (*DiscoveryResult, error) {
	result := &DiscoveryResult{
		RequestID:   req.ID,
		Engine:      req.Engine,
		RequestType: req.RequestType,
		Status:      ResultRunning,
		StartedAt:   time.Now(),
	}

	if ctx.Err() != nil {
		slot.release()
		err := d.serviceFailed(req, slot, ctx.Err())
		result.fail(err)
		return result, err
	}

	svc, err := d.load(ctx, req, slot)
	if err != nil {
		slot.release()
		result.fail(err)
		return result, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)

	go func() {
		defer slot.release()

		var o outcome
		defer func() { done <- o }()
		defer func() {
			if r := recover(); r != nil {
				tracing.HandleError(ctx, "Dispatcher.execute", r, string(debug.Stack()))
				o = outcome{err: fmt.Errorf("discovery service panicked: %v", r)}
			}
		}()

		o.payload, o.err = svc.Discover(ctx, req)
	}()

	before := tracing.ReadMemoryStats()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o = outcome{err: ctx.Err()}
	}

	tracing.SetMemoryDeltaAttributes(trace.SpanFromContext(ctx), "ovm.discovery", before, tracing.ReadMemoryStats())

	if o.err != nil {
		err := d.serviceFailed(req, slot, o.err)
		result.fail(err)
		return result, err
	}

	result.Payload = o.payload
	result.Status = ResultCompleted
	result.FinishedAt = time.Now()

	return result, nil
}

func (d *Dispatcher) serviceFailed(req *DiscoveryRequest, slot *serviceSlot, err error) error {
	return &Error{
		Kind:        KindDiscoveryServiceFailed,
		Server:      d.opts.Server,
		Engine:      req.Engine,
		RequestType: req.RequestType,
		Service:     slot.connector.ServiceName,
		Cause:       err,
	}
}

// Dispatch runs a discovery request and waits for the result. Errors that
// stop the request from running (unknown engine, engine not initialized,
// unknown request type, invalid or nil service) are returned as *Error with
// a nil result. If the service fails, both the FAILED result and the error
// are returned
func (d *Dispatcher) Dispatch(ctx context.Context, req *DiscoveryRequest) (*DiscoveryResult, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	timeout, overridden := d.requestTimeout(req.Timeout)

	ctx, span := tracer.Start(ctx, "Dispatch", trace.WithAttributes(
		attribute.String("ovm.discovery.requestID", req.ID.String()),
		attribute.String("ovm.discovery.engine", req.Engine),
		attribute.String("ovm.discovery.requestType", req.RequestType),
		attribute.String("ovm.discovery.timeout", timeout.String()),
		attribute.Bool("ovm.discovery.timeoutOverridden", overridden),
	))
	defer span.End()

	slot, err := d.resolve(req)
	if err != nil {
		recordDispatchError(ctx, span, err)
		return nil, err
	}

	result, err := d.execute(ctx, req, slot, timeout)
	if err != nil {
		recordDispatchError(ctx, span, err)
		if KindOf(err) != KindDiscoveryServiceFailed {
			return nil, err
		}
		return result, err
	}

	span.SetAttributes(attribute.Int("ovm.discovery.payloadSize", len(result.Payload)))

	return result, nil
}

func recordDispatchError(ctx context.Context, span trace.Span, err error) {
	kind := KindOf(err)

	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("ovm.discovery.errorKind", string(kind)))

	log.WithContext(ctx).WithError(err).WithField("ovm.discovery.errorKind", kind).Debug("Discovery request failed")
}

var ErrDispatcherClosed = errors.New("dispatcher is closed")

// DispatchAsync checks that the request can be routed, then runs it in the
// background and returns an ACCEPTED result immediately. Use RequestStatus
// to follow progress
func (d *Dispatcher) DispatchAsync(ctx context.Context, req *DiscoveryRequest) (*DiscoveryResult, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	timeout, _ := d.requestTimeout(req.Timeout)

	slot, err := d.resolve(req)
	if err != nil {
		return nil, err
	}

	d.closeMutex.RLock()
	if d.closed {
		d.closeMutex.RUnlock()
		slot.release()
		return nil, &Error{
			Kind:   KindEngineNotInitialized,
			Server: d.opts.Server,
			Engine: req.Engine,
			Cause:  ErrDispatcherClosed,
		}
	}
	d.submitting.Add(1)
	d.closeMutex.RUnlock()

	// Detach from the caller, the request outlives it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	accepted := DiscoveryResult{
		RequestID:   req.ID,
		Engine:      req.Engine,
		RequestType: req.RequestType,
		Status:      ResultAccepted,
	}
	d.tracker.Track(accepted, cancel)

	// push through a goroutine so that we don't block the caller, as
	// executionPool.Go() will block once the max parallelism is hit
	go func() {
		defer d.submitting.Done()
		defer tracing.LogRecoverToReturn(runCtx, "DispatchAsync outer")

		d.executionPool.Go(func() {
			defer cancel()
			defer tracing.LogRecoverToReturn(runCtx, "DispatchAsync inner")

			ctx, span := tracer.Start(runCtx, "DispatchAsync", trace.WithAttributes(
				attribute.String("ovm.discovery.requestID", req.ID.String()),
				attribute.String("ovm.discovery.engine", req.Engine),
				attribute.String("ovm.discovery.requestType", req.RequestType),
			))
			defer span.End()

			d.tracker.Running(req.ID)

			result, err := d.execute(ctx, req, slot, timeout)
			if err != nil {
				recordDispatchError(ctx, span, err)
			}

			d.tracker.Finish(*result)
		})
	}()

	return &accepted, nil
}

func (d *Dispatcher) unknownRequest(id uuid.UUID) error {
	return &Error{
		Kind:      KindUnknownRequest,
		Server:    d.opts.Server,
		RequestID: id.String(),
	}
}

// RequestStatus returns the current state of an asynchronous request
func (d *Dispatcher) RequestStatus(id uuid.UUID) (*DiscoveryResult, error) {
	result, ok := d.tracker.Get(id)
	if !ok {
		return nil, d.unknownRequest(id)
	}

	return &result, nil
}

// CancelRequest cancels a running asynchronous request
func (d *Dispatcher) CancelRequest(id uuid.UUID) error {
	if !d.tracker.Cancel(id) {
		return d.unknownRequest(id)
	}

	return nil
}

// Close cancels running asynchronous requests and waits for them to finish
func (d *Dispatcher) Close() {
	d.closeMutex.Lock()
	if d.closed {
		d.closeMutex.Unlock()
		return
	}
	d.closed = true
	d.closeMutex.Unlock()

	d.tracker.CancelAll()
	d.submitting.Wait()
	d.executionPool.Wait()
}
