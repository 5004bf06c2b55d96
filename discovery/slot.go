package discovery

import (
	"context"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// serviceSlot holds the lazily loaded discovery service for one request type
// of one engine. A slot is shared between snapshots for as long as the
// binding is unchanged. Once retired, the service is closed when the last
// in-flight request releases it
type serviceSlot struct {
	engine      string
	requestType string
	connector   ConnectorDescriptor
	loader      Loader

	loads singleflight.Group

	mutex   sync.Mutex
	service DiscoveryService
	refs    int
	retired bool
	closed  bool
}

func newServiceSlot(engine, requestType string, connector ConnectorDescriptor, loader Loader) *serviceSlot {
	return &serviceSlot{
		engine:      engine,
		requestType: requestType,
		connector:   connector,
		loader:      loader,
	}
}

// acquire takes a reference to the slot. Returns false if the slot has been
// retired, in which case the caller must re-resolve against a newer snapshot
func (s *serviceSlot) acquire() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.retired {
		return false
	}

	s.refs++

	return true
}

// release drops a reference taken by acquire
func (s *serviceSlot) release() {
	s.mutex.Lock()
	s.refs--
	svc := s.takeForCloseLocked()
	s.mutex.Unlock()

	closeService(svc, s.engine, s.requestType)
}

// retire marks the slot as no longer part of the current definition
func (s *serviceSlot) retire() {
	s.mutex.Lock()
	s.retired = true
	svc := s.takeForCloseLocked()
	s.mutex.Unlock()

	closeService(svc, s.engine, s.requestType)
}

func (s *serviceSlot) takeForCloseLocked() DiscoveryService {
	if !s.retired || s.refs > 0 || s.closed {
		return nil
	}

	s.closed = true
	svc := s.service
	s.service = nil

	return svc
}

// loaded returns the service if it has already been loaded
func (s *serviceSlot) loaded() (DiscoveryService, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.service, s.service != nil
}

// load returns the service, loading it if required. Concurrent callers share
// a single load. Failed loads are not remembered so the next call tries
// again. The caller must hold a reference
func (s *serviceSlot) load(ctx context.Context) (DiscoveryService, error) {
	if svc, ok := s.loaded(); ok {
		return svc, nil
	}

	v, err, _ := s.loads.Do(s.requestType, func() (any, error) {
		if svc, ok := s.loaded(); ok {
			return svc, nil
		}

		svc, err := s.loader.Load(context.WithoutCancel(ctx), s.engine, s.requestType, s.connector)
		if err != nil || svc == nil {
			return nil, err
		}

		s.mutex.Lock()
		s.service = svc
		s.mutex.Unlock()

		log.WithFields(log.Fields{
			"ovm.discovery.engine":         s.engine,
			"ovm.discovery.requestType":    s.requestType,
			"ovm.discovery.implementation": s.connector.Implementation,
		}).Debug("Loaded discovery service")

		return svc, nil
	})
	if err != nil {
		return nil, err
	}

	svc, _ := v.(DiscoveryService)

	return svc, nil
}

func closeService(svc DiscoveryService, engine, requestType string) {
	c, ok := svc.(io.Closer)
	if !ok {
		return
	}

	err := c.Close()
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"ovm.discovery.engine":      engine,
			"ovm.discovery.requestType": requestType,
		}).Warn("Error closing retired discovery service")
	}
}
