// Package camera provides the manager that multiplexes the single camera
// pipeline across live preview, still capture, clip recording and motion
// detection.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wildlifecam/camserver/internal/device"
	"github.com/wildlifecam/camserver/internal/events"
	"github.com/wildlifecam/camserver/internal/motion"
)

// Clip triggers.
const (
	TriggerManual = "manual"
	TriggerMotion = "motion"
)

const (
	mediaTimeFormat   = "20060102_150405"
	captureRetryDelay = 100 * time.Millisecond
)

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(subject string, data any) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) error { return nil }

// Config holds manager settings.
type Config struct {
	// MediaDir is where stills and clips are written.
	MediaDir string
	// Profile is the single pipeline profile used for preview and recording.
	Profile device.Profile
	// StreamInterval paces each live-stream consumer.
	StreamInterval time.Duration
	// DefaultClipSeconds is the clip length used when a request carries none.
	DefaultClipSeconds int
	// MotionInterval paces the motion detection worker.
	MotionInterval time.Duration
	// MotionCooldown is the minimum time between motion-triggered clips.
	MotionCooldown time.Duration
	// MotionClipSeconds is the length of motion-triggered clips.
	MotionClipSeconds int
	// Detector is the frame-differencing tuning.
	Detector motion.Config
}

// Status is the cheap read-only snapshot exposed for status queries.
type Status struct {
	Ready         bool   `json:"ready"`
	Recording     bool   `json:"recording"`
	MotionEnabled bool   `json:"motion_enabled"`
	MediaDir      string `json:"media_dir"`
}

// Manager composes the device, the preview loop, still capture, the clip
// recorder and the motion detector. It owns three independent locks
// (deviceMu for every device call, frameMu for the latest-frame slot,
// recordMu for the recording flag) and never holds two at once.
type Manager struct {
	dev    device.Device
	cfg    Config
	pub    Publisher
	logger *slog.Logger

	// newSink builds the recording sink for a clip; replaced in tests.
	newSink func(path string, framerate int) (device.Sink, error)

	deviceMu sync.Mutex

	frameMu sync.Mutex
	latest  *device.Frame

	recordMu  sync.Mutex
	recording bool

	motionMu      sync.Mutex
	motionEnabled bool
	motionRunning bool

	ready    atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager. A nil publisher disables event publishing.
func NewManager(dev device.Device, cfg Config, pub Publisher) *Manager {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 33 * time.Millisecond
	}
	if cfg.DefaultClipSeconds <= 0 {
		cfg.DefaultClipSeconds = 30
	}
	if cfg.MotionInterval <= 0 {
		cfg.MotionInterval = 100 * time.Millisecond
	}
	if cfg.MotionCooldown <= 0 {
		cfg.MotionCooldown = 40 * time.Second
	}
	if cfg.MotionClipSeconds <= 0 {
		cfg.MotionClipSeconds = cfg.DefaultClipSeconds
	}
	if pub == nil {
		pub = noopPublisher{}
	}

	return &Manager{
		dev:    dev,
		cfg:    cfg,
		pub:    pub,
		logger: slog.Default().With("component", "camera-manager"),
		newSink: func(path string, framerate int) (device.Sink, error) {
			return device.NewMP4Sink(path, framerate)
		},
		stop: make(chan struct{}),
	}
}

// Start configures and starts the device, then launches the preview loop.
// The loop runs until the context is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.MediaDir, 0755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}

	m.deviceMu.Lock()
	err := m.dev.Configure(m.cfg.Profile)
	if err == nil {
		err = m.dev.Start()
	}
	m.deviceMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to start camera pipeline: %w", err)
	}

	go m.previewLoop(ctx)

	m.ready.Store(true)
	m.logger.Info("Camera manager started", "media_dir", m.cfg.MediaDir)
	return nil
}

// Stop signals all workers and halts the device.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.SetMotion(false)

	m.deviceMu.Lock()
	if err := m.dev.Stop(); err != nil {
		m.logger.Debug("Device stop during shutdown", "error", err)
	}
	m.deviceMu.Unlock()

	m.ready.Store(false)
	m.logger.Info("Camera manager stopped")
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.recordMu.Lock()
	recording := m.recording
	m.recordMu.Unlock()

	m.motionMu.Lock()
	motionEnabled := m.motionEnabled
	m.motionMu.Unlock()

	return Status{
		Ready:         m.ready.Load(),
		Recording:     recording,
		MotionEnabled: motionEnabled,
		MediaDir:      m.cfg.MediaDir,
	}
}

// MediaDir returns the media directory path.
func (m *Manager) MediaDir() string {
	return m.cfg.MediaDir
}

// previewLoop continuously pulls frames into the shared slot. It never
// terminates on error; a failed pull backs off briefly and runs the restart
// sequence, because preview is always on for the process lifetime.
func (m *Manager) previewLoop(ctx context.Context) {
	m.logger.Info("Preview loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		default:
		}

		m.deviceMu.Lock()
		frame, err := m.dev.CaptureFrame(ctx)
		m.deviceMu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Frame capture failed", "error", err)
			time.Sleep(captureRetryDelay)
			m.restartPipeline()
			continue
		}

		m.frameMu.Lock()
		m.latest = frame
		m.frameMu.Unlock()
	}
}

// restartPipeline is the unconditional recovery sequence: best-effort
// stop-recording and stop (expected to fail when the device is already
// idle), then reconfigure and start in the standard profile. It runs after
// every completed recording and after any failed frame pull.
func (m *Manager) restartPipeline() {
	m.deviceMu.Lock()
	defer m.deviceMu.Unlock()

	if err := m.dev.StopRecording(); err != nil {
		m.logger.Debug("Stop recording during restart", "error", err)
	}
	if err := m.dev.Stop(); err != nil {
		m.logger.Debug("Device stop during restart", "error", err)
	}
	if err := m.dev.Configure(m.cfg.Profile); err != nil {
		m.logger.Error("Failed to reconfigure device", "error", err)
		return
	}
	if err := m.dev.Start(); err != nil {
		m.logger.Error("Failed to restart device", "error", err)
	}
}

// LatestFrame returns the most recently published frame, or nil before the
// first successful pull.
func (m *Manager) LatestFrame() *device.Frame {
	m.frameMu.Lock()
	defer m.frameMu.Unlock()
	return m.latest
}

// StreamFrames returns a per-consumer sequence of JPEG frames read from the
// shared slot at the configured pacing interval. Each consumer gets its own
// goroutine, so a slow consumer never stalls the producer or its peers.
func (m *Manager) StreamFrames(ctx context.Context) <-chan []byte {
	out := make(chan []byte)

	go func() {
		defer close(out)
		ticker := time.NewTicker(m.cfg.StreamInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
			}

			frame := m.LatestFrame()
			if frame == nil {
				continue
			}

			select {
			case out <- frame.Data:
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()

	return out
}

// CaptureStill writes the most recent preview frame to a timestamped file
// and returns its path. It only touches the device when no frame has been
// published yet. Encoding or write failures are returned without retry.
func (m *Manager) CaptureStill(ctx context.Context) (string, error) {
	frame := m.LatestFrame()

	if frame == nil {
		// First call before preview has published anything.
		m.deviceMu.Lock()
		f, err := m.dev.CaptureFrame(ctx)
		m.deviceMu.Unlock()
		if err != nil {
			return "", fmt.Errorf("failed to capture frame: %w", err)
		}
		frame = f
	}

	path := filepath.Join(m.cfg.MediaDir, "still_"+time.Now().Format(mediaTimeFormat)+".jpg")
	if err := os.WriteFile(path, frame.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write still: %w", err)
	}

	m.publish(events.SubjectStillCaptured, events.StillEvent{
		Path:      path,
		Timestamp: time.Now(),
	})

	m.logger.Info("Still captured", "path", path)
	return path, nil
}

// StartClip requests an asynchronous clip recording of the given duration.
// It returns false immediately when a recording is already active; busy is a
// normal outcome, not an error. The caller does not wait for completion.
func (m *Manager) StartClip(durationSeconds int) bool {
	return m.startClip(durationSeconds, TriggerManual)
}

func (m *Manager) startClip(durationSeconds int, trigger string) bool {
	m.recordMu.Lock()
	if m.recording {
		m.recordMu.Unlock()
		return false
	}
	m.recording = true
	m.recordMu.Unlock()

	go m.recordClip(durationSeconds, trigger)
	return true
}

// recordClip performs one recording attempt. Exactly one instance runs at a
// time, guaranteed by the recording flag. The sink is closed and the flag
// cleared on every exit path, so a failed attempt self-heals to idle.
func (m *Manager) recordClip(durationSeconds int, trigger string) {
	if durationSeconds < 1 {
		durationSeconds = 1
	}

	sessionID := uuid.NewString()
	path := filepath.Join(m.cfg.MediaDir, "clip_"+time.Now().Format(mediaTimeFormat)+".mp4")
	logger := m.logger.With("session", sessionID, "trigger", trigger)

	var sink device.Sink
	defer func() {
		if sink != nil {
			if err := sink.Close(); err != nil {
				logger.Warn("Failed to close recording sink", "error", err)
			}
		}
		m.recordMu.Lock()
		m.recording = false
		m.recordMu.Unlock()
	}()

	fail := func(stage string, err error) {
		logger.Error("Clip recording failed", "stage", stage, "error", err)
		m.publish(events.SubjectRecordingFinished, events.ClipEvent{
			SessionID:       sessionID,
			Path:            path,
			DurationSeconds: durationSeconds,
			Trigger:         trigger,
			Timestamp:       time.Now(),
			Error:           err.Error(),
		})
	}

	m.publish(events.SubjectRecordingStarted, events.ClipEvent{
		SessionID:       sessionID,
		Path:            path,
		DurationSeconds: durationSeconds,
		Trigger:         trigger,
		Timestamp:       time.Now(),
	})
	logger.Info("Clip recording started", "path", path, "seconds", durationSeconds)

	sink, err := m.newSink(path, m.cfg.Profile.Framerate)
	if err != nil {
		fail("create-sink", err)
		return
	}

	m.deviceMu.Lock()
	err = m.dev.StartRecording(sink)
	m.deviceMu.Unlock()
	if err != nil {
		fail("start-recording", err)
		return
	}

	time.Sleep(time.Duration(durationSeconds) * time.Second)

	m.deviceMu.Lock()
	err = m.dev.StopRecording()
	m.deviceMu.Unlock()
	if err != nil {
		fail("stop-recording", err)
		return
	}

	// Guarantee preview resumes in the standard profile even when the
	// driver leaves the pipeline in an inconsistent mode.
	m.restartPipeline()

	m.publish(events.SubjectRecordingFinished, events.ClipEvent{
		SessionID:       sessionID,
		Path:            path,
		DurationSeconds: durationSeconds,
		Trigger:         trigger,
		Timestamp:       time.Now(),
	})
	logger.Info("Clip recording completed", "path", path)
}

// SetMotion enables or disables motion detection. Enabling while the worker
// is alive is a no-op; a dead worker is restarted. Disabling is best-effort:
// the worker notices on its next iteration.
func (m *Manager) SetMotion(enabled bool) {
	m.motionMu.Lock()
	m.motionEnabled = enabled
	start := enabled && !m.motionRunning
	if start {
		m.motionRunning = true
	}
	m.motionMu.Unlock()

	if start {
		go m.motionLoop()
	}
}

// motionLoop compares successive frames and, subject to the cooldown,
// triggers motion clips. The previous-frame baseline is fresh for every
// worker, so each enable starts clean.
func (m *Manager) motionLoop() {
	defer func() {
		m.motionMu.Lock()
		m.motionRunning = false
		m.motionMu.Unlock()
	}()

	detector := motion.NewDetector(m.cfg.Detector)
	var cooldownUntil time.Time

	ticker := time.NewTicker(m.cfg.MotionInterval)
	defer ticker.Stop()

	m.logger.Info("Motion detection started")

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		m.motionMu.Lock()
		enabled := m.motionEnabled
		m.motionMu.Unlock()
		if !enabled {
			m.logger.Info("Motion detection stopped")
			return
		}

		frame := m.LatestFrame()
		if frame == nil {
			continue
		}

		img, err := frame.Decode()
		if err != nil {
			m.logger.Warn("Failed to decode frame for motion detection", "error", err)
			continue
		}

		if !detector.Detect(img) {
			continue
		}

		now := time.Now()
		if now.Before(cooldownUntil) {
			continue
		}

		accepted := m.startClip(m.cfg.MotionClipSeconds, TriggerMotion)

		// The cooldown advances whether or not the clip was accepted,
		// suppressing repeated triggers during an in-progress recording.
		cooldownUntil = now.Add(m.cfg.MotionCooldown)

		m.publish(events.SubjectMotionDetected, events.MotionEvent{
			Timestamp:    now,
			ClipAccepted: accepted,
		})
		m.logger.Info("Motion detected", "clip_accepted", accepted)
	}
}

func (m *Manager) publish(subject string, data any) {
	if err := m.pub.Publish(subject, data); err != nil {
		m.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}
