package discovery

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrNoHeartbeatPublisher = errors.New("no heartbeat publisher defined")

// Heartbeat is published periodically so that operators can see which
// engines a server is hosting and whether they are ready
type Heartbeat struct {
	Server   string         `json:"server"`
	Version  string         `json:"version"`
	Engines  []EngineReport `json:"engines"`
	Listener ListenerReport `json:"listener"`
	// Error is set if the server's health check failed
	Error string `json:"error,omitempty"`
	// The latest time that the next heartbeat should be expected
	NextHeartbeatMax time.Duration `json:"nextHeartbeatMax"`
	SentAt           time.Time     `json:"sentAt"`
}

// HeartbeatPublisher sends heartbeats, usually over NATS
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, heartbeat *Heartbeat) error
}

type HeartbeatOptions struct {
	// The publisher that will be used to send heartbeats
	Publisher HeartbeatPublisher

	// The function that should be run to check if the server is healthy. It
	// will be executed each time a heartbeat is sent. Defaults to
	// Server.HealthCheck
	HealthCheck func(context.Context) error

	// How frequently to send a heartbeat
	Frequency time.Duration
}

// SendHeartbeat sends a heartbeat immediately
func (s *Server) SendHeartbeat(ctx context.Context) error {
	opts := s.HeartbeatOptions
	if opts == nil || opts.Publisher == nil {
		return ErrNoHeartbeatPublisher
	}

	healthCheck := opts.HealthCheck
	if healthCheck == nil {
		healthCheck = s.HealthCheck
	}

	heartbeat := &Heartbeat{
		Server:   s.Config.ServerName,
		Version:  s.Config.Version,
		Engines:  s.EngineReports(),
		Listener: s.ListenerReport(),
		// Give the receiver some leeway before it considers us gone
		NextHeartbeatMax: time.Duration(float64(opts.Frequency) * 2.5),
		SentAt:           time.Now(),
	}

	if err := healthCheck(ctx); err != nil {
		heartbeat.Error = err.Error()
	}

	return opts.Publisher.PublishHeartbeat(ctx, heartbeat)
}

// StartSendingHeartbeats sends one heartbeat now and then keeps sending them
// at the configured frequency in the background until the server is stopped.
// Calling this more than once has no effect
func (s *Server) StartSendingHeartbeats(ctx context.Context) {
	opts := s.HeartbeatOptions
	if opts == nil || opts.Publisher == nil || opts.Frequency <= 0 || s.heartbeatCancel != nil {
		return
	}

	var heartbeatContext context.Context
	heartbeatContext, s.heartbeatCancel = context.WithCancel(ctx)

	err := s.SendHeartbeat(heartbeatContext)
	if err != nil {
		log.WithError(err).Error("Failed to send heartbeat")
	}

	s.backgroundJobs.Add(1)
	go func() {
		defer s.backgroundJobs.Done()

		ticker := time.NewTicker(opts.Frequency)
		defer ticker.Stop()

		for {
			select {
			case <-heartbeatContext.Done():
				return
			case <-ticker.C:
				err := s.SendHeartbeat(heartbeatContext)
				if err != nil {
					log.WithError(err).Error("Failed to send heartbeat")
				}
			}
		}
	}()
}
