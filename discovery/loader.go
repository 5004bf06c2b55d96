package discovery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LoadFailure classifies why a discovery service could not be loaded
type LoadFailure string

const (
	LoadMissingImplementation     LoadFailure = "MISSING_IMPLEMENTATION"
	LoadIncompatibleConfiguration LoadFailure = "INCOMPATIBLE_CONFIGURATION"
	LoadInitializationFailed      LoadFailure = "INITIALIZATION_FAILED"
)

// ErrIncompatibleConfiguration should be returned (or wrapped) by a
// ServiceFactory when the connector parameters can't be used
var ErrIncompatibleConfiguration = errors.New("incompatible connector configuration")

// LoadError is returned when a discovery service can't be loaded
type LoadError struct {
	Failure        LoadFailure
	Implementation string
	Err            error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("loading implementation %v: %v", e.Implementation, e.Failure)
	}
	return fmt.Sprintf("loading implementation %v: %v: %v", e.Implementation, e.Failure, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ServiceFactory creates a discovery service from its connector descriptor.
// Factories are called at most once per (engine, request type) binding, and
// again only if the binding changes or a previous load failed
type ServiceFactory func(ctx context.Context, connector ConnectorDescriptor) (DiscoveryService, error)

// Loader instantiates discovery services
type Loader interface {
	Load(ctx context.Context, engine, requestType string, connector ConnectorDescriptor) (DiscoveryService, error)
}

// ServiceLoader is a Loader backed by a registry of factories keyed by
// implementation identifier. Methods are safe to call concurrently
type ServiceLoader struct {
	factories map[string]ServiceFactory
	mutex     sync.RWMutex
}

func NewServiceLoader() *ServiceLoader {
	return &ServiceLoader{
		factories: make(map[string]ServiceFactory),
	}
}

var ErrImplementationAlreadyRegistered = errors.New("implementation already registered")

// Register adds a factory for an implementation identifier
func (l *ServiceLoader) Register(implementation string, factory ServiceFactory) error {
	if implementation == "" || factory == nil {
		return errors.New("implementation and factory must be set")
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, exists := l.factories[implementation]; exists {
		return fmt.Errorf("%w: %v", ErrImplementationAlreadyRegistered, implementation)
	}

	l.factories[implementation] = factory

	return nil
}

// Implementations returns the sorted list of registered implementations
func (l *ServiceLoader) Implementations() []string {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	impls := make([]string, 0, len(l.factories))
	for impl := range l.factories {
		impls = append(impls, impl)
	}
	slices.Sort(impls)

	return impls
}

// Load creates a new discovery service. Panics in the factory are recovered
// and returned as INITIALIZATION_FAILED
func (l *ServiceLoader) Load(ctx context.Context, engine, requestType string, connector ConnectorDescriptor) (svc DiscoveryService, err error) {
	l.mutex.RLock()
	factory, ok := l.factories[connector.Implementation]
	l.mutex.RUnlock()

	if !ok {
		return nil, &LoadError{
			Failure:        LoadMissingImplementation,
			Implementation: connector.Implementation,
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"ovm.discovery.engine":         engine,
				"ovm.discovery.requestType":    requestType,
				"ovm.discovery.implementation": connector.Implementation,
				"stack":                        string(debug.Stack()),
			}).Error("Discovery service factory panicked")

			svc = nil
			err = &LoadError{
				Failure:        LoadInitializationFailed,
				Implementation: connector.Implementation,
				Err:            fmt.Errorf("panic: %v", r),
			}
		}
	}()

	svc, err = factory(ctx, connector)
	if err != nil {
		failure := LoadInitializationFailed
		if errors.Is(err, ErrIncompatibleConfiguration) {
			failure = LoadIncompatibleConfiguration
		}

		return nil, &LoadError{
			Failure:        failure,
			Implementation: connector.Implementation,
			Err:            err,
		}
	}

	return svc, nil
}
