package discovery

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/overmindtech/discovery-server/tracing"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultResultRetention = 10 * time.Minute
	DefaultPurgeInterval   = time.Minute
)

// trackedRequest is a single asynchronous request
type trackedRequest struct {
	mutex    sync.Mutex
	result   DiscoveryResult
	cancel   context.CancelFunc
	finished bool
}

// RequestTracker stores asynchronous requests so that their status can be
// looked up and they can be cancelled. Finished requests are kept for the
// retention period and then purged
type RequestTracker struct {
	// How long to keep finished requests. Defaults to DefaultResultRetention
	Retention time.Duration

	requests map[uuid.UUID]*trackedRequest
	mutex    sync.RWMutex
}

func NewRequestTracker(retention time.Duration) *RequestTracker {
	if retention <= 0 {
		retention = DefaultResultRetention
	}

	return &RequestTracker{
		Retention: retention,
		requests:  make(map[uuid.UUID]*trackedRequest),
	}
}

// Track starts tracking a request
func (t *RequestTracker) Track(result DiscoveryResult, cancel context.CancelFunc) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.requests[result.RequestID] = &trackedRequest{
		result: result,
		cancel: cancel,
	}
}

func (t *RequestTracker) lookup(id uuid.UUID) (*trackedRequest, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	tr, ok := t.requests[id]

	return tr, ok
}

// Running marks a tracked request as started
func (t *RequestTracker) Running(id uuid.UUID) {
	tr, ok := t.lookup(id)
	if !ok {
		return
	}

	tr.mutex.Lock()
	defer tr.mutex.Unlock()

	if !tr.finished {
		tr.result.Status = ResultRunning
		tr.result.StartedAt = time.Now()
	}
}

// Finish records the final result of a tracked request
func (t *RequestTracker) Finish(result DiscoveryResult) {
	tr, ok := t.lookup(result.RequestID)
	if !ok {
		return
	}

	tr.mutex.Lock()
	defer tr.mutex.Unlock()

	tr.result = result
	tr.finished = true
	if tr.result.FinishedAt.IsZero() {
		tr.result.FinishedAt = time.Now()
	}
}

// Get returns a copy of the current result of a request
func (t *RequestTracker) Get(id uuid.UUID) (DiscoveryResult, bool) {
	tr, ok := t.lookup(id)
	if !ok {
		return DiscoveryResult{}, false
	}

	tr.mutex.Lock()
	defer tr.mutex.Unlock()

	result := tr.result
	result.Payload = maps.Clone(tr.result.Payload)

	return result, true
}

// Cancel cancels a request. Returns false if the request is not tracked.
// Cancelling a request that has already finished has no effect
func (t *RequestTracker) Cancel(id uuid.UUID) bool {
	tr, ok := t.lookup(id)
	if !ok {
		return false
	}

	if tr.cancel != nil {
		log.WithFields(log.Fields{
			"ovm.discovery.requestID": id.String(),
		}).Debug("Cancelling request")
		tr.cancel()
	}

	return true
}

// CancelAll cancels every request that is still running
func (t *RequestTracker) CancelAll() {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	for _, tr := range t.requests {
		if tr.cancel != nil {
			tr.cancel()
		}
	}
}

// Purge removes requests that finished more than Retention ago. Returns the
// number of requests removed
func (t *RequestTracker) Purge(now time.Time) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var purged int
	for id, tr := range t.requests {
		tr.mutex.Lock()
		expired := tr.finished && now.Sub(tr.result.FinishedAt) > t.Retention
		tr.mutex.Unlock()

		if expired {
			delete(t.requests, id)
			purged++
		}
	}

	return purged
}

// Len returns the number of tracked requests
func (t *RequestTracker) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return len(t.requests)
}

// StartPurger purges finished requests at the given interval until the
// context is cancelled
func (t *RequestTracker) StartPurger(ctx context.Context, interval time.Duration, wg *sync.WaitGroup) {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer tracing.LogRecoverToReturn(ctx, "RequestTracker.StartPurger")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := t.Purge(now); n > 0 {
					log.WithField("ovm.discovery.purged", n).Debug("Purged finished requests")
				}
			}
		}
	}()
}
