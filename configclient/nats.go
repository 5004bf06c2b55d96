package configclient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Defaults
const (
	MaxReconnectsDefault     = -1
	ReconnectWaitDefault     = 1 * time.Second
	ReconnectJitterDefault   = 5 * time.Second
	ConnectionTimeoutDefault = 10 * time.Second
)

var ErrMaxRetries = errors.New("maximum retries reached")

func fieldsFromConn(c *nats.Conn) log.Fields {
	fields := log.Fields{}

	if c != nil {
		fields["ovm.nats.address"] = c.ConnectedAddr()
		fields["ovm.nats.reconnects"] = c.Reconnects
		fields["ovm.nats.serverId"] = c.ConnectedServerId()
		fields["ovm.nats.url"] = c.ConnectedUrl()

		if c.LastError() != nil {
			fields["ovm.nats.lastError"] = c.LastError()
		}
	}

	return fields
}

func disconnectErrHandler(c *nats.Conn, err error) {
	fields := fieldsFromConn(c)

	if err != nil {
		log.WithError(err).WithFields(fields).Error("NATS disconnected")
	} else {
		log.WithFields(fields).Debug("NATS disconnected")
	}
}

func connHandler(msg string) nats.ConnHandler {
	return func(c *nats.Conn) {
		log.WithFields(fieldsFromConn(c)).Debug(msg)
	}
}

func errorHandler(c *nats.Conn, s *nats.Subscription, err error) {
	fields := fieldsFromConn(c)

	if s != nil {
		fields["ovm.nats.subject"] = s.Subject
		fields["ovm.nats.queue"] = s.Queue
	}

	log.WithFields(fields).WithError(err).Error("NATS error")
}

// NATSOptions describe how to connect to the NATS servers that carry change
// notifications and heartbeats
type NATSOptions struct {
	Servers           []string      // List of server to connect to
	ConnectionName    string        // The client name
	Token             string        // Optional auth token
	MaxReconnects     int           // The maximum number of reconnect attempts
	ConnectionTimeout time.Duration // The timeout for Dial on a connection
	ReconnectWait     time.Duration // Wait time between reconnect attempts
	ReconnectJitter   time.Duration // The upper bound of a random delay added ReconnectWait
	AdditionalOptions []nats.Option // Addition options to pass to the connection
	NumRetries        int           // How many times to retry connecting initially, use -1 to retry indefinitely
	RetryDelay        time.Duration // Delay between connection attempts
}

// ToNatsOptions Converts the struct to connection string and a set of NATS
// options
func (o NATSOptions) ToNatsOptions() (string, []nats.Option) {
	serverString := strings.Join(o.Servers, ",")
	options := []nats.Option{
		nats.ConnectHandler(connHandler("NATS connected")),
		nats.DisconnectErrHandler(disconnectErrHandler),
		nats.ReconnectHandler(connHandler("NATS reconnected")),
		nats.ClosedHandler(connHandler("NATS connection closed")),
		nats.LameDuckModeHandler(connHandler("NATS server has entered lame duck mode")),
		nats.ErrorHandler(errorHandler),
	}

	if o.ConnectionName != "" {
		options = append(options, nats.Name(o.ConnectionName))
	}

	if o.Token != "" {
		options = append(options, nats.Token(o.Token))
	}

	maxReconnects := o.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = MaxReconnectsDefault
	}
	options = append(options, nats.MaxReconnects(maxReconnects))

	timeout := o.ConnectionTimeout
	if timeout == 0 {
		timeout = ConnectionTimeoutDefault
	}
	options = append(options, nats.Timeout(timeout))

	wait := o.ReconnectWait
	if wait == 0 {
		wait = ReconnectWaitDefault
	}
	options = append(options, nats.ReconnectWait(wait))

	jitter := o.ReconnectJitter
	if jitter == 0 {
		jitter = ReconnectJitterDefault
	}
	options = append(options, nats.ReconnectJitter(jitter, jitter))

	options = append(options, o.AdditionalOptions...)

	return serverString, options
}

// Connect connects to NATS, retrying NumRetries times if the servers are
// unavailable
func (o NATSOptions) Connect(ctx context.Context) (*nats.Conn, error) {
	servers, opts := o.ToNatsOptions()

	var triesLeft int
	if o.NumRetries >= 0 {
		triesLeft = o.NumRetries + 1
	} else {
		triesLeft = -1
	}

	var nc *nats.Conn
	var err error

	for triesLeft != 0 {
		triesLeft--
		lf := log.Fields{
			"servers":   servers,
			"triesLeft": triesLeft,
		}
		log.WithFields(lf).Info("NATS connecting")

		nc, err = nats.Connect(servers, opts...)
		if err == nil {
			log.WithFields(lf).Info("NATS connected")
			return nc, nil
		}

		if triesLeft == 0 {
			break
		}

		log.WithError(err).WithFields(lf).Error("Error connecting to NATS")

		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(o.RetryDelay):
		}
	}

	return nil, errors.Join(err, ErrMaxRetries)
}
