package configclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/overmindtech/discovery-server/discovery"
	"github.com/overmindtech/discovery-server/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChangeSubject is the subject that change notifications for a server are
// published on
func ChangeSubject(serverName string) string {
	return fmt.Sprintf("discovery.config.%v", serverName)
}

// HeartbeatSubject is the subject that a server's heartbeats are published on
func HeartbeatSubject(serverName string) string {
	return fmt.Sprintf("discovery.heartbeat.%v", serverName)
}

var ErrNotConnected = errors.New("not connected to NATS")

// NATSNotifier receives change notifications and publishes heartbeats over an
// existing NATS connection
type NATSNotifier struct {
	Conn *nats.Conn

	// How long the connection may be reconnecting before subscriptions are
	// reported as lost
	ReconnectionTimeout time.Duration
	// How often the connection is checked, defaults to
	// discovery.DefaultConnectionWatchInterval
	WatchInterval time.Duration
}

// natsSubscription is lost when the connection it was made on fails
type natsSubscription struct {
	sub     *nats.Subscription
	watcher *discovery.NATSWatcher

	done      chan struct{}
	closeDone sync.Once
	closeOnce sync.Once
	closeErr  error
}

func (s *natsSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *natsSubscription) lost() {
	s.closeDone.Do(func() {
		close(s.done)
	})
}

func (s *natsSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.watcher.Stop()
		s.lost()
		if s.sub.IsValid() {
			s.closeErr = s.sub.Unsubscribe()
		}
	})
	return s.closeErr
}

func (n *NATSNotifier) connected() bool {
	return n != nil && n.Conn != nil && n.Conn.IsConnected()
}

// Subscribe delivers every change notification published for serverName.
// Notifications that can't be decoded are logged and dropped
func (n *NATSNotifier) Subscribe(ctx context.Context, serverName string, onChange func(discovery.ChangeEvent)) (discovery.Subscription, error) {
	if !n.connected() {
		return nil, &discovery.FetchError{
			Failure: discovery.FetchUnreachable,
			Server:  serverName,
			Err:     ErrNotConnected,
		}
	}

	subject := ChangeSubject(serverName)

	sub, err := n.Conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx := tracing.ExtractMsg(context.Background(), msg)

		var event discovery.ChangeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil || event.Engine == "" {
			log.WithContext(msgCtx).WithError(err).WithFields(log.Fields{
				"ovm.nats.subject": msg.Subject,
			}).Error("Dropping malformed change notification")
			return
		}

		event.ReceivedAt = time.Now()
		event.SpanContext = trace.SpanContextFromContext(msgCtx)

		onChange(event)
	})
	if err != nil {
		return nil, &discovery.FetchError{
			Failure: discovery.FetchUnreachable,
			Server:  serverName,
			Err:     fmt.Errorf("subscribing to %v: %w", subject, err),
		}
	}

	s := &natsSubscription{
		sub:  sub,
		done: make(chan struct{}),
	}
	s.watcher = &discovery.NATSWatcher{
		Connection:          n.Conn,
		ReconnectionTimeout: n.ReconnectionTimeout,
		FailureHandler: func() {
			log.WithField("ovm.nats.subject", subject).Warn("NATS connection failed, change subscription lost")
			s.lost()
		},
	}
	s.watcher.Start(n.WatchInterval)

	log.WithContext(ctx).WithField("ovm.nats.subject", subject).Info("Subscribed to change notifications")

	return s, nil
}

func (n *NATSNotifier) publishJSON(ctx context.Context, subject string, v any) error {
	if !n.connected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message for %v: %w", subject, err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
	}
	tracing.InjectMsg(ctx, msg)

	return n.Conn.PublishMsg(msg)
}

// PublishHeartbeat implements discovery.HeartbeatPublisher
func (n *NATSNotifier) PublishHeartbeat(ctx context.Context, heartbeat *discovery.Heartbeat) error {
	ctx, span := tracing.Tracer().Start(ctx, "PublishHeartbeat", trace.WithAttributes(
		attribute.String("ovm.discovery.server", heartbeat.Server),
	))
	defer span.End()

	return n.publishJSON(ctx, HeartbeatSubject(heartbeat.Server), heartbeat)
}

// PublishChange tells a server that the definition of one of its engines has
// changed. This is what the metadata server does, it is exposed for admin
// tooling and tests
func (n *NATSNotifier) PublishChange(ctx context.Context, serverName string, event discovery.ChangeEvent) error {
	return n.publishJSON(ctx, ChangeSubject(serverName), event)
}
