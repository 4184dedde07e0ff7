package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wildlifecam/camserver/internal/device"
	"github.com/wildlifecam/camserver/internal/events"
	"github.com/wildlifecam/camserver/internal/motion"
)

// fakeDevice is a scripted camera pipeline that records every call.
type fakeDevice struct {
	mu           sync.Mutex
	configures   int
	starts       int
	stops        int
	stopRecs     int
	captureCalls int

	captureErr  error
	startRecErr error
	sink        device.Sink
	frameData   []byte
}

func newFakeDevice(frameData []byte) *fakeDevice {
	return &fakeDevice{frameData: frameData}
}

func (d *fakeDevice) Configure(p device.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configures++
	return nil
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDevice) StartRecording(sink device.Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startRecErr != nil {
		return d.startRecErr
	}
	d.sink = sink
	return nil
}

func (d *fakeDevice) StopRecording() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopRecs++
	if d.sink == nil {
		return fmt.Errorf("no recording active")
	}
	d.sink = nil
	return nil
}

func (d *fakeDevice) CaptureFrame(ctx context.Context) (*device.Frame, error) {
	d.mu.Lock()
	err := d.captureErr
	data := d.frameData
	d.captureCalls++
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	// Pace the preview loop so tests don't spin hot.
	time.Sleep(2 * time.Millisecond)
	return &device.Frame{Data: data, Timestamp: time.Now()}, nil
}

func (d *fakeDevice) setCaptureErr(err error) {
	d.mu.Lock()
	d.captureErr = err
	d.mu.Unlock()
}

func (d *fakeDevice) counts() (configures, starts, stops, stopRecs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configures, d.starts, d.stops, d.stopRecs
}

// fakeSink is an in-memory recording target.
type fakeSink struct {
	mu     sync.Mutex
	path   string
	buf    bytes.Buffer
	closed bool
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *fakeSink) Path() string { return s.path }

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	subject string
	data    any
}

func (p *fakePublisher) Publish(subject string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{subject, data})
	return nil
}

func (p *fakePublisher) bySubject(subject string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, ev := range p.events {
		if ev.subject == subject {
			out = append(out, ev)
		}
	}
	return out
}

func encodeTestJPEG(t *testing.T, bright bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 160, 120))
	if bright {
		for y := 20; y < 100; y++ {
			for x := 20; x < 140; x++ {
				img.SetGray(x, y, color.Gray{Y: 250})
			}
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode test frame: %v", err)
	}
	return buf.Bytes()
}

func testManager(t *testing.T, dev device.Device) (*Manager, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	m := NewManager(dev, Config{
		MediaDir:           t.TempDir(),
		Profile:            device.Profile{Width: 160, Height: 120, Framerate: 30},
		StreamInterval:     5 * time.Millisecond,
		DefaultClipSeconds: 1,
		MotionInterval:     10 * time.Millisecond,
		MotionCooldown:     10 * time.Second,
		MotionClipSeconds:  1,
		Detector:           motion.DefaultConfig(),
	}, pub)
	return m, pub
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestManagerStartPublishesFrames(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	m, _ := testManager(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	if !waitFor(t, 2*time.Second, func() bool { return m.LatestFrame() != nil }) {
		t.Fatal("Preview loop never published a frame")
	}

	configures, starts, _, _ := dev.counts()
	if configures != 1 || starts != 1 {
		t.Errorf("Expected one configure and one start, got %d/%d", configures, starts)
	}

	if !m.Status().Ready {
		t.Error("Manager should report ready after Start")
	}
}

func TestManagerPreviewRecovery(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	m, _ := testManager(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	waitFor(t, 2*time.Second, func() bool { return m.LatestFrame() != nil })

	// Break the device; the preview loop must run the restart sequence.
	dev.setCaptureErr(fmt.Errorf("device wedged"))

	recovered := waitFor(t, 2*time.Second, func() bool {
		configures, starts, stops, _ := dev.counts()
		return configures >= 2 && starts >= 2 && stops >= 1
	})
	if !recovered {
		t.Fatal("Preview loop never ran the restart sequence")
	}

	// Heal the device; frames flow again.
	dev.setCaptureErr(nil)
	m.frameMu.Lock()
	m.latest = nil
	m.frameMu.Unlock()

	if !waitFor(t, 2*time.Second, func() bool { return m.LatestFrame() != nil }) {
		t.Fatal("Preview loop did not resume after recovery")
	}
}

func TestCaptureStillUsesLatestFrame(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	m, pub := testManager(t, dev)

	// Seed the slot directly; the device must not be touched.
	frameData := encodeTestJPEG(t, true)
	m.frameMu.Lock()
	m.latest = &device.Frame{Data: frameData, Timestamp: time.Now()}
	m.frameMu.Unlock()

	if err := os.MkdirAll(m.cfg.MediaDir, 0755); err != nil {
		t.Fatal(err)
	}

	path, err := m.CaptureStill(context.Background())
	if err != nil {
		t.Fatalf("CaptureStill failed: %v", err)
	}

	if !strings.HasPrefix(filepath.Base(path), "still_") || !strings.HasSuffix(path, ".jpg") {
		t.Errorf("Unexpected still filename: %s", path)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Still file missing: %v", err)
	}
	if !bytes.Equal(written, frameData) {
		t.Error("Still file should contain the latest frame bytes")
	}

	if dev.captureCalls != 0 {
		t.Errorf("Device should not be used when a frame is available, got %d calls", dev.captureCalls)
	}

	if len(pub.bySubject(events.SubjectStillCaptured)) != 1 {
		t.Error("Expected one still-captured event")
	}
}

func TestCaptureStillFallsBackToDevice(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	m, _ := testManager(t, dev)

	if err := os.MkdirAll(m.cfg.MediaDir, 0755); err != nil {
		t.Fatal(err)
	}

	// No frame published yet; the manager must pull one itself.
	path, err := m.CaptureStill(context.Background())
	if err != nil {
		t.Fatalf("CaptureStill failed: %v", err)
	}
	if dev.captureCalls != 1 {
		t.Errorf("Expected one direct device capture, got %d", dev.captureCalls)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Still file missing: %v", err)
	}
}

func TestCaptureStillDeviceError(t *testing.T) {
	dev := newFakeDevice(nil)
	dev.setCaptureErr(fmt.Errorf("no device"))
	m, _ := testManager(t, dev)

	if _, err := m.CaptureStill(context.Background()); err == nil {
		t.Error("Expected error when device capture fails with no cached frame")
	}
}

func TestStartClipSingleSlot(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	m, pub := testManager(t, dev)

	var sink fakeSink
	m.newSink = func(path string, framerate int) (device.Sink, error) {
		sink.path = path
		return &sink, nil
	}

	if !m.StartClip(1) {
		t.Fatal("First clip request should be accepted")
	}

	// The slot is taken for the duration of the recording.
	if m.StartClip(1) {
		t.Error("Second clip request should be rejected while recording")
	}
	if !m.Status().Recording {
		t.Error("Status should report recording")
	}

	// Wait for the 1-second recording to finish.
	done := waitFor(t, 3*time.Second, func() bool { return !m.Status().Recording })
	if !done {
		t.Fatal("Recording never finished")
	}

	if !sink.isClosed() {
		t.Error("Sink must be closed when the recording completes")
	}
	if !strings.Contains(filepath.Base(sink.path), "clip_") || !strings.HasSuffix(sink.path, ".mp4") {
		t.Errorf("Unexpected clip path: %s", sink.path)
	}

	// The restart sequence runs after a completed clip.
	configures, starts, stops, stopRecs := dev.counts()
	if configures < 1 || starts < 1 || stops < 1 || stopRecs < 1 {
		t.Errorf("Expected restart sequence after clip, got configure=%d start=%d stop=%d stopRec=%d",
			configures, starts, stops, stopRecs)
	}

	started := pub.bySubject(events.SubjectRecordingStarted)
	finished := pub.bySubject(events.SubjectRecordingFinished)
	if len(started) != 1 || len(finished) != 1 {
		t.Fatalf("Expected one started and one finished event, got %d/%d", len(started), len(finished))
	}
	if ev := finished[0].data.(events.ClipEvent); ev.Error != "" {
		t.Errorf("Completed clip should carry no error, got %q", ev.Error)
	}

	// The slot is free again.
	if !m.StartClip(1) {
		t.Error("Clip request should be accepted after completion")
	}
	waitFor(t, 3*time.Second, func() bool { return !m.Status().Recording })
}

func TestRecordClipStartFailureClearsSlot(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	dev.startRecErr = fmt.Errorf("pipeline busy")
	m, pub := testManager(t, dev)

	var sink fakeSink
	m.newSink = func(path string, framerate int) (device.Sink, error) {
		sink.path = path
		return &sink, nil
	}

	if !m.StartClip(1) {
		t.Fatal("Clip request should be accepted")
	}

	cleared := waitFor(t, 2*time.Second, func() bool { return !m.Status().Recording })
	if !cleared {
		t.Fatal("Recording flag must clear after a failed attempt")
	}
	if !sink.isClosed() {
		t.Error("Sink must be closed on the failure path")
	}

	finished := pub.bySubject(events.SubjectRecordingFinished)
	if len(finished) != 1 {
		t.Fatalf("Expected one finished event, got %d", len(finished))
	}
	if ev := finished[0].data.(events.ClipEvent); ev.Error == "" {
		t.Error("Failed clip event should carry the error")
	}
}

func TestRecordClipSinkFailureClearsSlot(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	m, _ := testManager(t, dev)

	m.newSink = func(path string, framerate int) (device.Sink, error) {
		return nil, fmt.Errorf("encoder unavailable")
	}

	if !m.StartClip(1) {
		t.Fatal("Clip request should be accepted")
	}

	if !waitFor(t, 2*time.Second, func() bool { return !m.Status().Recording }) {
		t.Fatal("Recording flag must clear when the sink cannot be created")
	}
}

func TestStreamFramesPacing(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	m, _ := testManager(t, dev)

	frameData := encodeTestJPEG(t, false)
	m.frameMu.Lock()
	m.latest = &device.Frame{Data: frameData, Timestamp: time.Now()}
	m.frameMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	count := 0
	for data := range m.StreamFrames(ctx) {
		if !bytes.Equal(data, frameData) {
			t.Fatal("Stream should carry the latest frame bytes")
		}
		count++
	}

	// 100ms at a 5ms interval: allow generous scheduling slack.
	if count < 3 {
		t.Errorf("Expected several paced frames, got %d", count)
	}
}

func TestMotionTriggersSingleClip(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	m, pub := testManager(t, dev)

	var sinkMu sync.Mutex
	var sinks []*fakeSink
	m.newSink = func(path string, framerate int) (device.Sink, error) {
		s := &fakeSink{path: path}
		sinkMu.Lock()
		sinks = append(sinks, s)
		sinkMu.Unlock()
		return s, nil
	}

	dark := encodeTestJPEG(t, false)
	bright := encodeTestJPEG(t, true)

	// Alternate frames so the detector keeps seeing large changes.
	stopFeed := make(chan struct{})
	defer close(stopFeed)
	go func() {
		flip := false
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopFeed:
				return
			case <-ticker.C:
			}
			data := dark
			if flip {
				data = bright
			}
			flip = !flip
			m.frameMu.Lock()
			m.latest = &device.Frame{Data: data, Timestamp: time.Now()}
			m.frameMu.Unlock()
		}
	}()

	m.SetMotion(true)
	defer m.SetMotion(false)

	if !m.Status().MotionEnabled {
		t.Fatal("Status should report motion enabled")
	}

	triggered := waitFor(t, 3*time.Second, func() bool {
		return len(pub.bySubject(events.SubjectMotionDetected)) >= 1
	})
	if !triggered {
		t.Fatal("Motion was never detected")
	}

	// The cooldown suppresses further triggers even though frames keep
	// changing.
	time.Sleep(300 * time.Millisecond)
	if n := len(pub.bySubject(events.SubjectMotionDetected)); n != 1 {
		t.Errorf("Expected exactly one motion event under cooldown, got %d", n)
	}

	ev := pub.bySubject(events.SubjectMotionDetected)[0].data.(events.MotionEvent)
	if !ev.ClipAccepted {
		t.Error("Motion clip should have been accepted")
	}
}

func TestSetMotionDisableStopsWorker(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	m, _ := testManager(t, dev)

	m.SetMotion(true)
	if !waitFor(t, time.Second, func() bool {
		m.motionMu.Lock()
		defer m.motionMu.Unlock()
		return m.motionRunning
	}) {
		t.Fatal("Motion worker never started")
	}

	m.SetMotion(false)
	stopped := waitFor(t, time.Second, func() bool {
		m.motionMu.Lock()
		defer m.motionMu.Unlock()
		return !m.motionRunning
	})
	if !stopped {
		t.Error("Motion worker did not stop after disable")
	}
	if m.Status().MotionEnabled {
		t.Error("Status should report motion disabled")
	}
}

func TestSetMotionEnableIsIdempotent(t *testing.T) {
	dev := newFakeDevice(encodeTestJPEG(t, false))
	m, _ := testManager(t, dev)

	m.SetMotion(true)
	m.SetMotion(true)
	defer m.SetMotion(false)

	waitFor(t, time.Second, func() bool {
		m.motionMu.Lock()
		defer m.motionMu.Unlock()
		return m.motionRunning
	})

	// Only one worker may hold the running flag; a second enable must not
	// have spawned another.
	m.motionMu.Lock()
	running := m.motionRunning
	m.motionMu.Unlock()
	if !running {
		t.Error("Worker should still be running")
	}
}
