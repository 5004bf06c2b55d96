package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/overmindtech/discovery-server/tracing"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Server hosts a set of discovery engines. It fetches their definitions from
// the metadata server, keeps them up to date and dispatches discovery
// requests to them.
//
// An engine whose definition can't be fetched does not stop the server from
// starting, it is retried in the background while the other engines serve
// requests
type Server struct {
	Config *ServerConfig

	// The configuration for the heartbeat for this server. If this is nil the
	// server won't send heartbeats when started
	HeartbeatOptions *HeartbeatOptions

	client     ConfigClient
	registry   *EngineRegistry
	dispatcher *Dispatcher
	listener   *ConfigListener

	started atomic.Bool
	stopped atomic.Bool

	// Context for background jobs like purging and heartbeats. These will
	// stop when the context is cancelled
	backgroundJobContext context.Context
	backgroundJobCancel  context.CancelFunc
	backgroundJobs       sync.WaitGroup
	heartbeatCancel      context.CancelFunc
}

// NewServer validates the configuration document and builds the engine
// registry. Errors returned from here are fatal: the server must not start
func NewServer(config *ServerConfig, client ConfigClient, loader Loader) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if client == nil {
		return nil, errors.New("a config client is required")
	}

	if loader == nil {
		return nil, errors.New("a service loader is required")
	}

	retry := config.RetryPolicy()

	registry, err := NewEngineRegistry(config.Engines, InstanceOptions{
		Server:         config.ServerName,
		MetadataServer: config.MetadataServerName,
		Client:         client,
		Loader:         loader,
		Retry:          retry,
		FetchTimeout:   config.FetchTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		Config:   config,
		client:   client,
		registry: registry,
		dispatcher: NewDispatcher(registry, DispatcherOptions{
			Server:                config.ServerName,
			MaxRequestTimeout:     config.MaxRequestTimeout,
			MaxParallelExecutions: config.MaxParallelExecutions,
			ResultRetention:       config.ResultRetention,
		}),
		listener: NewConfigListener(ListenerOptions{
			Server:         config.ServerName,
			MetadataServer: config.MetadataServerName,
			Client:         client,
			Registry:       registry,
			Retry:          retry,
		}),
	}, nil
}

// Name returns the name of the discovery server
func (s *Server) Name() string {
	return s.Config.ServerName
}

// Registry returns the engine registry
func (s *Server) Registry() *EngineRegistry {
	return s.registry
}

// DefaultStartupGracePeriod is how long Start waits for the first fetch of
// every engine before carrying on without the slow ones
const DefaultStartupGracePeriod = 2 * time.Second

// Start fetches the definition of every engine in parallel, then starts the
// configuration listener and background jobs. It returns once every engine
// has made its first attempt or the startup grace period has passed,
// whichever is first. First attempts that are still running carry on in the
// background and engines that failed keep retrying, so one slow engine never
// holds up the others. Start never fails because of the metadata server
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}

	s.backgroundJobContext, s.backgroundJobCancel = context.WithCancel(context.WithoutCancel(ctx))

	ctx, span := tracer.Start(ctx, "Server.Start", trace.WithAttributes(
		attribute.String("ovm.discovery.server", s.Config.ServerName),
		attribute.Int("ovm.discovery.numEngines", len(s.registry.Names())),
	))
	defer span.End()

	log.WithFields(MapFromServerConfig(s.Config)).Info("Starting discovery server")

	grace := s.Config.StartupGracePeriod
	if grace <= 0 {
		grace = DefaultStartupGracePeriod
	}

	// The first attempts outlive Start if they are slow, so they run under
	// the background context rather than the caller's
	initContext := trace.ContextWithSpan(s.backgroundJobContext, span)
	initialized := make(chan struct{})

	s.backgroundJobs.Add(1)
	go func() {
		defer s.backgroundJobs.Done()
		defer close(initialized)
		defer tracing.LogRecoverToReturn(initContext, "Server.Start")

		p := pool.New().WithMaxGoroutines(len(s.registry.Names()))
		for _, instance := range s.registry.Instances() {
			p.Go(func() {
				// Failures are logged and retried by the instance
				_ = instance.Initialize(initContext)
			})
		}
		p.Wait()
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	waitedForAll := false
	select {
	case <-initialized:
		waitedForAll = true
	case <-timer.C:
	case <-ctx.Done():
	}

	span.SetAttributes(attribute.Bool("ovm.discovery.allFirstAttemptsDone", waitedForAll))

	var ready int
	for _, instance := range s.registry.Instances() {
		if instance.Status() == StatusReady {
			ready++
		}
	}

	span.SetAttributes(attribute.Int("ovm.discovery.numReady", ready))

	fields := log.Fields{
		"ovm.discovery.server":     s.Config.ServerName,
		"ovm.discovery.numEngines": len(s.registry.Names()),
		"ovm.discovery.numReady":   ready,
	}
	if !waitedForAll {
		log.WithFields(fields).WithField("ovm.discovery.startupGracePeriod", grace.String()).Warn("Some discovery engines are still fetching their definitions, continuing in the background")
	}

	if ready == 0 {
		log.WithFields(fields).Warn("No discovery engines are ready yet, retrying in the background")
	} else {
		log.WithFields(fields).Info("Discovery engines initialized")
	}

	s.listener.Start(s.backgroundJobContext)
	s.dispatcher.Tracker().StartPurger(s.backgroundJobContext, DefaultPurgeInterval, &s.backgroundJobs)
	s.StartSendingHeartbeats(s.backgroundJobContext)

	return nil
}

// Stop stops the listener, background jobs and retries, cancels running
// asynchronous requests and closes all loaded discovery services
func (s *Server) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	if s.backgroundJobCancel != nil {
		s.backgroundJobCancel()
	}
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
	}

	s.listener.Stop()
	s.backgroundJobs.Wait()
	s.dispatcher.Close()

	for _, instance := range s.registry.Instances() {
		instance.Close()
	}

	log.WithField("ovm.discovery.server", s.Config.ServerName).Info("Discovery server stopped")

	return nil
}

// Dispatch runs a discovery request and waits for its result
func (s *Server) Dispatch(ctx context.Context, req *DiscoveryRequest) (*DiscoveryResult, error) {
	return s.dispatcher.Dispatch(ctx, req)
}

// DispatchAsync starts a discovery request in the background
func (s *Server) DispatchAsync(ctx context.Context, req *DiscoveryRequest) (*DiscoveryResult, error) {
	return s.dispatcher.DispatchAsync(ctx, req)
}

// RequestStatus returns the state of an asynchronous request
func (s *Server) RequestStatus(id uuid.UUID) (*DiscoveryResult, error) {
	return s.dispatcher.RequestStatus(id)
}

// CancelRequest cancels an asynchronous request
func (s *Server) CancelRequest(id uuid.UUID) error {
	return s.dispatcher.CancelRequest(id)
}

// RefreshEngineConfig refreshes the definition of an engine. A nil return
// means the refresh was carried out, not that it succeeded: fetch failures
// are recorded on the engine and retried in the background. The only error
// is UNKNOWN_ENGINE
func (s *Server) RefreshEngineConfig(ctx context.Context, engineName string) error {
	instance, err := s.registry.Get(engineName)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "Server.RefreshEngineConfig", trace.WithAttributes(
		attribute.String("ovm.discovery.engine", engineName),
	))
	defer span.End()

	err = instance.Refresh(ctx)

	log.WithContext(ctx).WithFields(log.Fields{
		"ovm.discovery.engine":    engineName,
		"ovm.discovery.status":    instance.Status(),
		"ovm.discovery.refreshOK": err == nil,
	}).Info("Refreshed discovery engine definition on request")

	return nil
}

// EngineReports returns a report for every engine, sorted by name
func (s *Server) EngineReports() []EngineReport {
	instances := s.registry.Instances()
	reports := make([]EngineReport, 0, len(instances))

	for _, instance := range instances {
		reports = append(reports, instance.Report())
	}

	return reports
}

// ListenerReport returns the state of the configuration listener
func (s *Server) ListenerReport() ListenerReport {
	return s.listener.Report()
}

// Readiness returns an error unless at least one engine can serve requests
func (s *Server) Readiness(ctx context.Context) error {
	for _, instance := range s.registry.Instances() {
		if instance.Status() == StatusReady {
			return nil
		}
	}

	return fmt.Errorf("none of the %d discovery engines are ready", len(s.registry.Names()))
}

// HealthCheck returns an error if the server is not healthy. Call this inside
// an opentelemetry span to capture default metrics from the server
func (s *Server) HealthCheck(ctx context.Context) error {
	span := trace.SpanFromContext(ctx)

	var ready, unavailable, uninitialized int
	for _, instance := range s.registry.Instances() {
		switch instance.Status() {
		case StatusReady:
			ready++
		case StatusConfigUnavailable:
			unavailable++
		case StatusUninitialized:
			uninitialized++
		}
	}

	span.SetAttributes(
		attribute.String("ovm.discovery.server", s.Config.ServerName),
		attribute.Bool("ovm.discovery.listenerConnected", s.listener.Connected()),
		attribute.Int("ovm.discovery.engines.ready", ready),
		attribute.Int("ovm.discovery.engines.configUnavailable", unavailable),
		attribute.Int("ovm.discovery.engines.uninitialized", uninitialized),
		attribute.Int("ovm.discovery.trackedRequests", s.dispatcher.Tracker().Len()),
	)
	tracing.SetMemoryAttributes(span, "ovm.discovery", tracing.ReadMemoryStats())

	var errs []error
	if ready == 0 {
		errs = append(errs, s.Readiness(ctx))
	}
	if err := s.listener.LastError(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
