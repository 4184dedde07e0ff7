// Package events provides the in-process pub/sub bus the camera server uses
// to fan out activity (motion, recordings, stills) to the push layer, built
// on an embedded NATS server.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published by the camera manager.
const (
	SubjectMotionDetected    = "camera.motion.detected"
	SubjectRecordingStarted  = "camera.recording.started"
	SubjectRecordingFinished = "camera.recording.finished"
	SubjectStillCaptured     = "camera.still.captured"
	SubjectFleetAction       = "fleet.action.completed"

	// SubjectCameraAll matches every camera subject.
	SubjectCameraAll = "camera.>"
)

// MotionEvent is published when the detector declares motion, whether or not
// the triggered clip was accepted.
type MotionEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	ClipAccepted bool      `json:"clip_accepted"`
}

// ClipEvent is published at the start and end of a clip recording.
type ClipEvent struct {
	SessionID       string    `json:"session_id"`
	Path            string    `json:"path"`
	DurationSeconds int       `json:"duration_seconds"`
	Trigger         string    `json:"trigger"` // "manual" or "motion"
	Timestamp       time.Time `json:"timestamp"`
	Error           string    `json:"error,omitempty"`
}

// StillEvent is published after a successful still capture.
type StillEvent struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures the embedded bus.
type Config struct {
	// Host for the NATS listener (default 127.0.0.1).
	Host string
	// Port for the NATS listener; 0 picks a random free port.
	Port int
}

// Bus wraps an embedded NATS server plus a client connection to it.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// NewBus starts the embedded server and connects to it.
func NewBus(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = server.RANDOM_PORT
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	bus := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
	}

	bus.logger.Info("Event bus started", "url", ns.ClientURL())
	return bus, nil
}

// Publish marshals data as JSON and publishes it to a subject.
func (b *Bus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe registers a handler for a subject (wildcards allowed).
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) error {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return err
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	return nil
}

// HealthCheck verifies the client connection is alive.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}
	return nil
}

// Stop drains the connection and shuts down the embedded server.
func (b *Bus) Stop() {
	b.subsMu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.subsMu.Unlock()

	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}
