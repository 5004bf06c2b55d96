package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

const DefaultConnectionWatchInterval = 3 * time.Second

// WatchableConnection Is ususally a *nats.Conn, we are using an interface here
// to allow easier testing
type WatchableConnection interface {
	Status() nats.Status
	Stats() nats.Statistics
	LastError() error
}

// NATSWatcher polls a NATS connection and calls FailureHandler once the
// connection has failed. A failed connection is not watched any further, so
// the handler is called at most once
type NATSWatcher struct {
	// Connection The NATS connection to watch
	Connection WatchableConnection

	// FailureHandler will be called when the connection has been closed and is
	// no longer trying to reconnect, or has been reconnecting for longer than
	// ReconnectionTimeout. It must not call Stop synchronously
	FailureHandler func()

	// ReconnectionTimeout is how long the connection may stay disconnected
	// before it is treated as failed. Zero waits until it is closed
	ReconnectionTimeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	mutex  sync.Mutex
}

func (w *NATSWatcher) Start(checkInterval time.Duration) {
	if w == nil || w.Connection == nil {
		return
	}

	if checkInterval <= 0 {
		checkInterval = DefaultConnectionWatchInterval
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.cancel != nil {
		return
	}

	var ctx context.Context
	ctx, w.cancel = context.WithCancel(context.Background())
	w.done = make(chan struct{})

	go func(ctx context.Context, done chan struct{}) {
		defer close(done)

		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		var disconnectedSince time.Time

		for {
			select {
			case <-ticker.C:
				status := w.Connection.Status()
				if status == nats.CONNECTED {
					disconnectedSince = time.Time{}
					continue
				}

				if disconnectedSince.IsZero() {
					disconnectedSince = time.Now()
				}

				stats := w.Connection.Stats()
				log.WithFields(log.Fields{
					"status":     status.String(),
					"inBytes":    stats.InBytes,
					"outBytes":   stats.OutBytes,
					"reconnects": stats.Reconnects,
					"lastError":  w.Connection.LastError(),
				}).Warn("NATS not connected")

				timedOut := w.ReconnectionTimeout > 0 && time.Since(disconnectedSince) > w.ReconnectionTimeout

				if status == nats.CLOSED || timedOut {
					if w.FailureHandler != nil {
						w.FailureHandler()
					}

					return
				}
			case <-ctx.Done():
				return
			}
		}
	}(ctx, w.done)
}

// Stop stops watching and waits for the watcher to exit
func (w *NATSWatcher) Stop() {
	w.mutex.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
