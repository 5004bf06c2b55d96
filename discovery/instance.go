package discovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overmindtech/discovery-server/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const DefaultFetchTimeout = 30 * time.Second

// EngineStatus is the configuration state of an engine instance
type EngineStatus string

const (
	// No definition has been fetched, and the last failure was permanent
	StatusUninitialized EngineStatus = "UNINITIALIZED"
	// No definition has been fetched because the metadata server could not
	// provide one. A background retry is running
	StatusConfigUnavailable EngineStatus = "CONFIG_UNAVAILABLE"
	// A definition is available and requests can be served
	StatusReady EngineStatus = "READY"
)

// engineSnapshot is an immutable view of an engine instance. Requests resolve
// everything they need from a single snapshot so they never mix two
// definitions
type engineSnapshot struct {
	status     EngineStatus
	definition *EngineDefinition
	slots      map[string]*serviceSlot
	lastErr    error

	attempts    int
	lastAttempt time.Time
	lastSuccess time.Time
}

// InstanceOptions are shared by all engine instances of a server
type InstanceOptions struct {
	// The name of the discovery server hosting the engine
	Server string
	// The name of the metadata server, used in diagnostics
	MetadataServer string

	Client ConfigClient
	Loader Loader

	Retry RetryPolicy
	// Timeout for a single definition fetch. Defaults to DefaultFetchTimeout
	FetchTimeout time.Duration
}

// EngineInstance holds the configuration state of a single discovery engine
// and the discovery services that have been loaded for it. Methods are safe
// to call concurrently
type EngineInstance struct {
	name string
	opts InstanceOptions

	snapshot atomic.Pointer[engineSnapshot]

	// Serialises installing new snapshots
	writeMutex sync.Mutex

	// Coalesces concurrent fetches
	fetches singleflight.Group

	// Context for background work, cancelled by Close
	backgroundContext context.Context
	backgroundCancel  context.CancelFunc

	retryMutex  sync.Mutex
	retryCancel context.CancelFunc
	retryWG     sync.WaitGroup
	closed      bool
}

// NewEngineInstance creates an instance in the UNINITIALIZED state
func NewEngineInstance(name string, opts InstanceOptions) *EngineInstance {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}

	i := &EngineInstance{
		name: name,
		opts: opts,
	}
	i.backgroundContext, i.backgroundCancel = context.WithCancel(context.Background())
	i.snapshot.Store(&engineSnapshot{
		status: StatusUninitialized,
	})

	return i
}

// Name returns the qualified name of the engine
func (i *EngineInstance) Name() string {
	return i.name
}

// Status returns the current status of the engine
func (i *EngineInstance) Status() EngineStatus {
	return i.snapshot.Load().status
}

// Definition returns the current definition, or nil if the engine has never
// fetched one
func (i *EngineInstance) Definition() *EngineDefinition {
	return i.snapshot.Load().definition
}

// LastError returns the error from the most recent failed fetch, or nil if
// the most recent fetch succeeded
func (i *EngineInstance) LastError() error {
	return i.snapshot.Load().lastErr
}

// Initialize performs the first fetch of the definition. If this fails the
// failure is recorded and a background retry is started, the error is
// returned for diagnostics only
func (i *EngineInstance) Initialize(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "EngineInstance.Initialize", trace.WithAttributes(
		attribute.String("ovm.discovery.engine", i.name),
	))
	defer span.End()

	err := i.Refresh(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(attribute.String("ovm.discovery.status", string(i.Status())))

	return err
}

// Refresh fetches the definition again and, if successful, replaces the
// current one. Concurrent calls share a single fetch. If the fetch fails the
// existing definition is kept and a background retry is started
func (i *EngineInstance) Refresh(ctx context.Context) error {
	// The fetch runs under the instance's own context so that it is not
	// cancelled by one of several callers giving up
	parent := trace.SpanFromContext(ctx)

	ch := i.fetches.DoChan(i.name, func() (any, error) {
		fetchCtx := trace.ContextWithSpan(i.backgroundContext, parent)
		return nil, i.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *EngineInstance) fetch(ctx context.Context) (err error) {
	defer tracing.LogRecoverToReturn(ctx, "EngineInstance.fetch")

	ctx, span := tracer.Start(ctx, "EngineInstance.fetch", trace.WithAttributes(
		attribute.String("ovm.discovery.engine", i.name),
		attribute.String("ovm.discovery.server", i.opts.Server),
		attribute.String("ovm.discovery.metadataServer", i.opts.MetadataServer),
	))
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, i.opts.FetchTimeout)
	definition, fetchErr := i.opts.Client.FetchEngineDefinition(fetchCtx, i.opts.Server, i.name)
	cancel()

	if fetchErr == nil {
		fetchErr = i.validate(definition)
	}

	if fetchErr != nil {
		err = i.recordFailure(ctx, fetchErr)
		span.SetStatus(codes.Error, err.Error())
		i.startRetry()

		return err
	}

	i.install(ctx, definition)
	i.stopRetry()

	span.SetAttributes(
		attribute.String("ovm.discovery.version", definition.Version),
		attribute.Int("ovm.discovery.numBindings", len(definition.Bindings)),
	)

	return nil
}

func (i *EngineInstance) validate(definition *EngineDefinition) error {
	if definition == nil {
		return &FetchError{
			Failure: FetchMalformed,
			Server:  i.opts.Server,
			Engine:  i.name,
			Err:     errors.New("no definition returned"),
		}
	}

	if err := definition.Validate(i.name); err != nil {
		return &FetchError{
			Failure: FetchMalformed,
			Server:  i.opts.Server,
			Engine:  i.name,
			Err:     err,
		}
	}

	return nil
}

// asFetchError classifies errors returned by a ConfigClient that did not
// return a *FetchError. Anything unrecognised, including timeouts, is
// treated as the metadata server being unreachable
func (i *EngineInstance) asFetchError(err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}

	return &FetchError{
		Failure: FetchUnreachable,
		Server:  i.opts.Server,
		Engine:  i.name,
		Err:     err,
	}
}

func (i *EngineInstance) recordFailure(ctx context.Context, err error) error {
	fe := i.asFetchError(err)

	i.writeMutex.Lock()

	current := i.snapshot.Load()
	next := *current
	next.attempts++
	next.lastAttempt = time.Now()

	kind := KindUnknownEngineConfig
	if current.definition == nil {
		kind = KindUnknownEngineConfigAtStartup
	}

	derr := &Error{
		Kind:           kind,
		Server:         i.opts.Server,
		Engine:         i.name,
		MetadataServer: i.opts.MetadataServer,
		Cause:          fe,
	}
	next.lastErr = derr

	// A ready engine keeps serving with its last good definition
	if current.status != StatusReady {
		if fe.Transient() {
			next.status = StatusConfigUnavailable
		} else {
			next.status = StatusUninitialized
		}
	}

	i.snapshot.Store(&next)
	i.writeMutex.Unlock()

	log.WithContext(ctx).WithError(derr).WithFields(log.Fields{
		"ovm.discovery.engine":    i.name,
		"ovm.discovery.status":    next.status,
		"ovm.discovery.failure":   fe.Failure,
		"ovm.discovery.attempts":  next.attempts,
		"ovm.discovery.messageID": derr.MessageID(),
	}).Warn("Could not fetch discovery engine definition")

	return derr
}

// install replaces the current definition. Slots whose binding has not
// changed are carried over with their loaded services, the rest are retired
func (i *EngineInstance) install(ctx context.Context, definition *EngineDefinition) {
	i.writeMutex.Lock()

	if i.backgroundContext.Err() != nil {
		// Closed while the fetch was in flight
		i.writeMutex.Unlock()
		return
	}

	current := i.snapshot.Load()
	now := time.Now()

	slots := make(map[string]*serviceSlot, len(definition.Bindings))
	var kept int
	for _, b := range definition.Bindings {
		if existing, ok := current.slots[b.RequestType]; ok && existing.connector.Equal(b.Connector) {
			slots[b.RequestType] = existing
			kept++
			continue
		}
		slots[b.RequestType] = newServiceSlot(i.name, b.RequestType, b.Connector, i.opts.Loader)
	}

	var retired []*serviceSlot
	for requestType, slot := range current.slots {
		if slots[requestType] != slot {
			retired = append(retired, slot)
		}
	}

	i.snapshot.Store(&engineSnapshot{
		status:      StatusReady,
		definition:  definition,
		slots:       slots,
		attempts:    current.attempts + 1,
		lastAttempt: now,
		lastSuccess: now,
	})
	i.writeMutex.Unlock()

	// Retire only once the new snapshot is visible so that a request that
	// fails to acquire a retired slot finds the replacement
	for _, slot := range retired {
		slot.retire()
	}

	log.WithContext(ctx).WithFields(log.Fields{
		"ovm.discovery.engine":      i.name,
		"ovm.discovery.version":     definition.Version,
		"ovm.discovery.numBindings": len(definition.Bindings),
		"ovm.discovery.kept":        kept,
		"ovm.discovery.retired":     len(retired),
		"ovm.discovery.previous":    current.status,
	}).Info("Discovery engine definition installed")
}

// startRetry starts the background retry task if it is not already running
func (i *EngineInstance) startRetry() {
	i.retryMutex.Lock()
	defer i.retryMutex.Unlock()

	if i.closed || i.retryCancel != nil {
		return
	}

	var ctx context.Context
	ctx, i.retryCancel = context.WithCancel(i.backgroundContext)

	i.retryWG.Add(1)
	go i.retryLoop(ctx)
}

// stopRetry cancels the background retry task, if any
func (i *EngineInstance) stopRetry() {
	i.retryMutex.Lock()
	defer i.retryMutex.Unlock()

	if i.retryCancel != nil {
		i.retryCancel()
		i.retryCancel = nil
	}
}

// RetryScheduled returns whether a background retry is running
func (i *EngineInstance) RetryScheduled() bool {
	i.retryMutex.Lock()
	defer i.retryMutex.Unlock()

	return i.retryCancel != nil
}

// retryLoop keeps fetching with capped exponential backoff until a fetch
// succeeds or the instance is closed. A successful fetch from anywhere
// cancels the loop through stopRetry
func (i *EngineInstance) retryLoop(ctx context.Context) {
	defer i.retryWG.Done()
	defer tracing.LogRecoverToReturn(ctx, "EngineInstance.retryLoop")

	b := i.opts.Retry.NewBackOff()

	for waitBackOff(ctx, b) {
		log.WithFields(log.Fields{
			"ovm.discovery.engine": i.name,
			"ovm.discovery.status": i.Status(),
		}).Debug("Retrying discovery engine definition fetch")

		err := i.Refresh(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
	}
}

// acquireSlot resolves a request type against the current snapshot and takes
// a reference to its slot. A slot is only retired after its replacement
// snapshot is visible, so if acquiring fails the newest snapshot is tried
// until the engine is closed
func (i *EngineInstance) acquireSlot(requestType string) (*engineSnapshot, *serviceSlot, error) {
	for {
		if i.backgroundContext.Err() != nil {
			return nil, nil, &Error{
				Kind:   KindEngineNotInitialized,
				Server: i.opts.Server,
				Engine: i.name,
				Cause:  errors.New("the engine is shutting down"),
			}
		}

		snap := i.snapshot.Load()

		if snap.status != StatusReady {
			return snap, nil, i.notInitialized(snap)
		}

		slot, ok := snap.slots[requestType]
		if !ok {
			return snap, nil, &Error{
				Kind:        KindUnknownRequestType,
				Server:      i.opts.Server,
				Engine:      i.name,
				RequestType: requestType,
			}
		}

		if slot.acquire() {
			return snap, slot, nil
		}
	}
}

func (i *EngineInstance) notInitialized(snap *engineSnapshot) error {
	var cause error
	switch {
	case snap.lastErr != nil:
		cause = fmt.Errorf("engine status is %v: %w", snap.status, snap.lastErr)
	default:
		cause = fmt.Errorf("engine status is %v: no fetch has completed yet", snap.status)
	}

	return &Error{
		Kind:           KindEngineNotInitialized,
		Server:         i.opts.Server,
		Engine:         i.name,
		MetadataServer: i.opts.MetadataServer,
		Cause:          cause,
	}
}

// ResolveRequestType returns the connector bound to a request type in the
// current definition
func (i *EngineInstance) ResolveRequestType(requestType string) (ConnectorDescriptor, error) {
	snap := i.snapshot.Load()

	if snap.status != StatusReady {
		return ConnectorDescriptor{}, i.notInitialized(snap)
	}

	slot, ok := snap.slots[requestType]
	if !ok {
		return ConnectorDescriptor{}, &Error{
			Kind:        KindUnknownRequestType,
			Server:      i.opts.Server,
			Engine:      i.name,
			RequestType: requestType,
		}
	}

	return slot.connector, nil
}

// EngineReport is a diagnostic snapshot of an engine instance
type EngineReport struct {
	Engine         string       `json:"engine"`
	Status         EngineStatus `json:"status"`
	DisplayName    string       `json:"displayName,omitempty"`
	Description    string       `json:"description,omitempty"`
	Version        string       `json:"version,omitempty"`
	RequestTypes   []string     `json:"requestTypes,omitempty"`
	LoadedServices []string     `json:"loadedServices,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
	LastErrorKind  ErrorKind    `json:"lastErrorKind,omitempty"`
	Attempts       int          `json:"attempts"`
	LastAttempt    time.Time    `json:"lastAttempt"`
	LastSuccess    time.Time    `json:"lastSuccess"`
	RetryScheduled bool         `json:"retryScheduled"`
}

// Report returns a diagnostic snapshot of the instance
func (i *EngineInstance) Report() EngineReport {
	snap := i.snapshot.Load()

	report := EngineReport{
		Engine:         i.name,
		Status:         snap.status,
		Attempts:       snap.attempts,
		LastAttempt:    snap.lastAttempt,
		LastSuccess:    snap.lastSuccess,
		RetryScheduled: i.RetryScheduled(),
	}

	if d := snap.definition; d != nil {
		report.DisplayName = d.DisplayName
		report.Description = d.Description
		report.Version = d.Version
		report.RequestTypes = d.RequestTypes()
	}

	for requestType, slot := range snap.slots {
		if _, ok := slot.loaded(); ok {
			report.LoadedServices = append(report.LoadedServices, requestType)
		}
	}
	slices.Sort(report.LoadedServices)

	if snap.lastErr != nil {
		report.LastError = snap.lastErr.Error()
		report.LastErrorKind = KindOf(snap.lastErr)
	}

	return report
}

// Close stops the background retry and closes all loaded services once they
// are no longer in use. The instance can't be used after this
func (i *EngineInstance) Close() {
	i.retryMutex.Lock()
	i.closed = true
	if i.retryCancel != nil {
		i.retryCancel()
		i.retryCancel = nil
	}
	i.retryMutex.Unlock()

	i.backgroundCancel()
	i.retryWG.Wait()

	i.writeMutex.Lock()
	snap := i.snapshot.Load()
	i.writeMutex.Unlock()

	for _, slot := range snap.slots {
		slot.retire()
	}
}
