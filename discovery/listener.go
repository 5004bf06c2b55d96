package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overmindtech/discovery-server/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultListenerQueueSize = 16

// ListenerOptions configure a ConfigListener
type ListenerOptions struct {
	Server         string
	MetadataServer string
	Client         ConfigClient
	Registry       *EngineRegistry
	Retry          RetryPolicy
	// Number of events that can be waiting for each engine. When full,
	// further events are dropped since a refresh is already pending
	QueueSize int
}

// ListenerReport is a diagnostic snapshot of the configuration listener
type ListenerReport struct {
	Connected      bool   `json:"connected"`
	Subscriptions  int64  `json:"subscriptions"`
	EventsReceived int64  `json:"eventsReceived"`
	EventsIgnored  int64  `json:"eventsIgnored"`
	EventsDropped  int64  `json:"eventsDropped"`
	LastError      string `json:"lastError,omitempty"`
}

// ConfigListener keeps a subscription to change events open and refreshes
// engines when their definition changes. Events for one engine are applied in
// the order they were received, events for different engines are applied
// concurrently
type ConfigListener struct {
	opts   ListenerOptions
	queues map[string]chan ChangeEvent

	connected      atomic.Bool
	subscriptions  atomic.Int64
	eventsReceived atomic.Int64
	eventsIgnored  atomic.Int64
	eventsDropped  atomic.Int64

	lastErrMutex sync.Mutex
	lastErr      error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConfigListener(opts ListenerOptions) *ConfigListener {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultListenerQueueSize
	}

	l := &ConfigListener{
		opts:   opts,
		queues: make(map[string]chan ChangeEvent),
	}

	for _, name := range opts.Registry.Names() {
		l.queues[name] = make(chan ChangeEvent, opts.QueueSize)
	}

	return l
}

// Start subscribes in the background. It returns immediately, if the
// subscription can't be established it is retried until Stop is called
func (l *ConfigListener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	for name, queue := range l.queues {
		l.wg.Add(1)
		go l.drain(ctx, name, queue)
	}

	l.wg.Add(1)
	go l.run(ctx)
}

// Stop closes the subscription and waits for all background work to finish
func (l *ConfigListener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Connected returns whether a subscription is currently open
func (l *ConfigListener) Connected() bool {
	return l.connected.Load()
}

// LastError returns the last subscription failure, nil once subscribed
func (l *ConfigListener) LastError() error {
	l.lastErrMutex.Lock()
	defer l.lastErrMutex.Unlock()

	return l.lastErr
}

func (l *ConfigListener) setLastError(err error) {
	l.lastErrMutex.Lock()
	defer l.lastErrMutex.Unlock()

	l.lastErr = err
}

// Report returns a diagnostic snapshot of the listener
func (l *ConfigListener) Report() ListenerReport {
	r := ListenerReport{
		Connected:      l.connected.Load(),
		Subscriptions:  l.subscriptions.Load(),
		EventsReceived: l.eventsReceived.Load(),
		EventsIgnored:  l.eventsIgnored.Load(),
		EventsDropped:  l.eventsDropped.Load(),
	}

	if err := l.LastError(); err != nil {
		r.LastError = err.Error()
	}

	return r
}

func (l *ConfigListener) run(ctx context.Context) {
	defer l.wg.Done()
	defer tracing.LogRecoverToReturn(ctx, "ConfigListener.run")

	b := l.opts.Retry.NewBackOff()

	for {
		sub, err := l.opts.Client.Subscribe(ctx, l.opts.Server, l.HandleChange)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			derr := &Error{
				Kind:           KindConfigurationListenerFailure,
				Server:         l.opts.Server,
				MetadataServer: l.opts.MetadataServer,
				Cause:          err,
			}
			l.setLastError(derr)

			log.WithError(derr).WithFields(log.Fields{
				"ovm.discovery.server":    l.opts.Server,
				"ovm.discovery.messageID": derr.MessageID(),
			}).Warn("Configuration listener could not subscribe, will retry")

			if !waitBackOff(ctx, b) {
				return
			}

			continue
		}

		b.Reset()
		l.setLastError(nil)
		l.connected.Store(true)
		l.subscriptions.Add(1)

		log.WithField("ovm.discovery.server", l.opts.Server).Info("Configuration listener subscribed")

		// Pick up anything that changed while we were not subscribed
		l.refreshAll()

		select {
		case <-ctx.Done():
			l.connected.Store(false)
			if err := sub.Close(); err != nil {
				log.WithError(err).Warn("Error closing configuration subscription")
			}

			return
		case <-sub.Done():
			l.connected.Store(false)
			if err := sub.Close(); err != nil {
				log.WithError(err).Warn("Error closing lost configuration subscription")
			}

			log.WithField("ovm.discovery.server", l.opts.Server).Warn("Configuration subscription lost, resubscribing")

			if !waitBackOff(ctx, b) {
				return
			}
		}
	}
}

// refreshAll queues a refresh of every engine
func (l *ConfigListener) refreshAll() {
	for name := range l.queues {
		l.enqueue(ChangeEvent{
			Engine:     name,
			ReceivedAt: time.Now(),
		})
	}
}

// HandleChange is called by the ConfigClient for each change event
func (l *ConfigListener) HandleChange(event ChangeEvent) {
	defer tracing.LogRecoverToReturn(context.Background(), "ConfigListener.HandleChange")

	l.eventsReceived.Add(1)

	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}

	if _, ok := l.queues[event.Engine]; !ok {
		l.eventsIgnored.Add(1)
		log.WithFields(log.Fields{
			"ovm.discovery.server": l.opts.Server,
			"ovm.discovery.engine": event.Engine,
		}).Info("Ignoring change event for an engine that this server does not host")

		return
	}

	l.enqueue(event)
}

func (l *ConfigListener) enqueue(event ChangeEvent) {
	select {
	case l.queues[event.Engine] <- event:
	default:
		// The queue already holds a refresh that will run after this event
		// arrived, so nothing is lost
		l.eventsDropped.Add(1)
		log.WithField("ovm.discovery.engine", event.Engine).Debug("Change event queue full, dropping event")
	}
}

func (l *ConfigListener) drain(ctx context.Context, engine string, queue <-chan ChangeEvent) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-queue:
			l.apply(ctx, engine, event)
		}
	}
}

func (l *ConfigListener) apply(ctx context.Context, engine string, event ChangeEvent) {
	defer tracing.LogRecoverToReturn(ctx, "ConfigListener.apply")

	instance, err := l.opts.Registry.Get(engine)
	if err != nil {
		return
	}

	opts := []trace.SpanStartOption{
		trace.WithAttributes(
			attribute.String("ovm.discovery.engine", engine),
			attribute.String("ovm.discovery.version", event.Version),
			attribute.String("ovm.discovery.queued", time.Since(event.ReceivedAt).String()),
		),
	}
	if event.SpanContext.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: event.SpanContext}))
	}

	ctx, span := tracer.Start(ctx, "ConfigListener.apply", opts...)
	defer span.End()

	// Failures are recorded on the instance and retried there
	_ = instance.Refresh(ctx)
}
