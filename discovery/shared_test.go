package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testRetry = RetryPolicy{
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     50 * time.Millisecond,
}

// fakeSubscription is closed by the fake client to simulate losing the
// connection
type fakeSubscription struct {
	done     chan struct{}
	once     sync.Once
	closeErr error
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{done: make(chan struct{})}
}

func (s *fakeSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.closeErr
}

// fakeConfigClient is an in-memory metadata server
type fakeConfigClient struct {
	mutex       sync.Mutex
	definitions map[string]*EngineDefinition
	failures    map[string]error
	fetches     map[string]int
	delay       time.Duration
	hanging     map[string]bool

	subscribeErr error
	closeErr     error
	subscribes   int
	onChange     func(ChangeEvent)
	sub          *fakeSubscription
}

func newFakeConfigClient(definitions ...*EngineDefinition) *fakeConfigClient {
	c := &fakeConfigClient{
		definitions: make(map[string]*EngineDefinition),
		failures:    make(map[string]error),
		fetches:     make(map[string]int),
		hanging:     make(map[string]bool),
	}
	for _, d := range definitions {
		c.definitions[d.QualifiedName] = d
	}
	return c
}

// Set replaces the definition of an engine and clears any failure
func (c *fakeConfigClient) Set(d *EngineDefinition) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.definitions[d.QualifiedName] = d
	delete(c.failures, d.QualifiedName)
}

// Fail makes every fetch of the engine return err
func (c *fakeConfigClient) Fail(engine string, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.failures[engine] = err
}

func (c *fakeConfigClient) Recover(engine string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.failures, engine)
}

func (c *fakeConfigClient) SetDelay(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.delay = d
}

// Hang makes fetches of the engine block until their context is done, then
// return the context's error unclassified
func (c *fakeConfigClient) Hang(engine string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.hanging[engine] = true
}

func (c *fakeConfigClient) FetchCount(engine string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.fetches[engine]
}

func (c *fakeConfigClient) FetchEngineDefinition(ctx context.Context, serverName, engineName string) (*EngineDefinition, error) {
	c.mutex.Lock()
	c.fetches[engineName]++
	delay := c.delay
	definition, ok := c.definitions[engineName]
	failure := c.failures[engineName]
	hanging := c.hanging[engineName]
	c.mutex.Unlock()

	if hanging {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &FetchError{Failure: FetchUnreachable, Server: serverName, Engine: engineName, Err: ctx.Err()}
		}
	}

	if failure != nil {
		return nil, failure
	}

	if !ok {
		return nil, &FetchError{Failure: FetchNotFound, Server: serverName, Engine: engineName}
	}

	return definition, nil
}

func (c *fakeConfigClient) SetSubscribeError(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.subscribeErr = err
}

// SetCloseError makes closing new subscriptions fail with err
func (c *fakeConfigClient) SetCloseError(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closeErr = err
}

func (c *fakeConfigClient) Subscribe(ctx context.Context, serverName string, onChange func(ChangeEvent)) (Subscription, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.subscribes++
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}

	c.onChange = onChange
	c.sub = newFakeSubscription()
	c.sub.closeErr = c.closeErr

	return c.sub, nil
}

func (c *fakeConfigClient) Subscribes() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.subscribes
}

// Publish delivers a change event to the current subscriber
func (c *fakeConfigClient) Publish(event ChangeEvent) bool {
	c.mutex.Lock()
	onChange := c.onChange
	c.mutex.Unlock()

	if onChange == nil {
		return false
	}
	onChange(event)
	return true
}

// DropSubscription simulates losing the connection to the metadata server
func (c *fakeConfigClient) DropSubscription() {
	c.mutex.Lock()
	sub := c.sub
	c.onChange = nil
	c.mutex.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

func unreachable(engine string) error {
	return &FetchError{Failure: FetchUnreachable, Engine: engine, Err: errors.New("connection refused")}
}

func malformed(engine string) error {
	return &FetchError{Failure: FetchMalformed, Engine: engine, Err: errors.New("unexpected end of JSON input")}
}

func binding(requestType, implementation string, params map[string]string) RequestTypeBinding {
	return RequestTypeBinding{
		RequestType: requestType,
		Connector: ConnectorDescriptor{
			ServiceName:    requestType + "-service",
			Implementation: implementation,
			Parameters:     params,
		},
	}
}

func definition(name, version string, bindings ...RequestTypeBinding) *EngineDefinition {
	return &EngineDefinition{
		QualifiedName: name,
		DisplayName:   name,
		Version:       version,
		Bindings:      bindings,
	}
}

// closingService records when it is closed
type closingService struct {
	DiscoveryServiceFunc
	closed atomic.Bool
}

func (s *closingService) Close() error {
	s.closed.Store(true)
	return nil
}

// testLoader counts loads and keeps every service it creates
type testLoader struct {
	*ServiceLoader

	mutex    sync.Mutex
	loads    map[string]int
	services map[string][]*closingService
}

func (l *testLoader) Load(ctx context.Context, engine, requestType string, connector ConnectorDescriptor) (DiscoveryService, error) {
	l.mutex.Lock()
	l.loads[engine+"/"+requestType]++
	l.mutex.Unlock()

	return l.ServiceLoader.Load(ctx, engine, requestType, connector)
}

func (l *testLoader) Loads(engine, requestType string) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.loads[engine+"/"+requestType]
}

func (l *testLoader) Services(implementation string) []*closingService {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]*closingService(nil), l.services[implementation]...)
}

func (l *testLoader) track(implementation string, svc *closingService) *closingService {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.services[implementation] = append(l.services[implementation], svc)
	return svc
}

// newTestLoader registers:
//
//	echo:   returns the connector parameters and request params
//	slow:   waits for the "sleep" param, honouring cancellation
//	fail:   the service returns an error
//	panic:  the service panics
//	nil:    the factory returns a nil service
//	broken: the factory fails
//	bad-config: the factory rejects its parameters
func newTestLoader(t *testing.T) *testLoader {
	t.Helper()

	l := &testLoader{
		ServiceLoader: NewServiceLoader(),
		loads:         make(map[string]int),
		services:      make(map[string][]*closingService),
	}

	register := func(impl string, factory ServiceFactory) {
		if err := l.Register(impl, factory); err != nil {
			t.Fatal(err)
		}
	}

	register("echo", func(ctx context.Context, connector ConnectorDescriptor) (DiscoveryService, error) {
		return l.track("echo", &closingService{DiscoveryServiceFunc: func(ctx context.Context, req *DiscoveryRequest) (map[string]any, error) {
			payload := map[string]any{
				"engine":      req.Engine,
				"requestType": req.RequestType,
			}
			for k, v := range connector.Parameters {
				payload[k] = v
			}
			for k, v := range req.Params {
				payload[k] = v
			}
			return payload, nil
		}}), nil
	})

	register("slow", func(ctx context.Context, connector ConnectorDescriptor) (DiscoveryService, error) {
		return l.track("slow", &closingService{DiscoveryServiceFunc: func(ctx context.Context, req *DiscoveryRequest) (map[string]any, error) {
			sleep, err := time.ParseDuration(req.StringParam("sleep", "10ms"))
			if err != nil {
				return nil, err
			}
			select {
			case <-time.After(sleep):
				return map[string]any{"slept": sleep.String()}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}}), nil
	})

	register("fail", func(ctx context.Context, connector ConnectorDescriptor) (DiscoveryService, error) {
		return DiscoveryServiceFunc(func(ctx context.Context, req *DiscoveryRequest) (map[string]any, error) {
			return nil, errors.New("permission denied")
		}), nil
	})

	register("panic", func(ctx context.Context, connector ConnectorDescriptor) (DiscoveryService, error) {
		return DiscoveryServiceFunc(func(ctx context.Context, req *DiscoveryRequest) (map[string]any, error) {
			panic("service exploded")
		}), nil
	})

	register("nil", func(ctx context.Context, connector ConnectorDescriptor) (DiscoveryService, error) {
		return nil, nil
	})

	register("broken", func(ctx context.Context, connector ConnectorDescriptor) (DiscoveryService, error) {
		return nil, errors.New("could not open database")
	})

	register("bad-config", func(ctx context.Context, connector ConnectorDescriptor) (DiscoveryService, error) {
		return nil, fmt.Errorf("%w: threshold must be a number", ErrIncompatibleConfiguration)
	})

	return l
}

func newTestInstance(name string, client ConfigClient, loader Loader) *EngineInstance {
	return NewEngineInstance(name, InstanceOptions{
		Server:         "test-server",
		MetadataServer: "test-metadata",
		Client:         client,
		Loader:         loader,
		Retry:          testRetry,
		FetchTimeout:   time.Second,
	})
}

func newTestRegistry(t *testing.T, client ConfigClient, loader Loader, engines ...string) *EngineRegistry {
	t.Helper()

	r, err := NewEngineRegistry(engines, InstanceOptions{
		Server:         "test-server",
		MetadataServer: "test-metadata",
		Client:         client,
		Loader:         loader,
		Retry:          testRetry,
		FetchTimeout:   time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		for _, i := range r.Instances() {
			i.Close()
		}
	})

	return r
}

func testConfig(engines ...string) *ServerConfig {
	return &ServerConfig{
		ServerName:            "test-server",
		Version:               "v0.0.0-test",
		MetadataServerURL:     "https://metadata.example.com",
		MetadataServerName:    "test-metadata",
		Engines:               engines,
		RetryInitialInterval:  testRetry.InitialInterval,
		RetryMaxInterval:      testRetry.MaxInterval,
		FetchTimeout:          time.Second,
		MaxRequestTimeout:     5 * time.Second,
		MaxParallelExecutions: 4,
	}
}

// eventually polls cond until it returns true or the timeout expires
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string, args ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf(msg, args...)
}
