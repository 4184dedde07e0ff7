package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const ffmpegBinary = "ffmpeg"

// FFmpegDevice drives a V4L2 camera through an ffmpeg child process that
// emits an MJPEG byte stream on stdout. A pump goroutine splits the stream
// into frames; while a recording sink is attached, every frame is also
// written to the sink.
type FFmpegDevice struct {
	devicePath string
	binary     string
	logger     *slog.Logger

	mu         sync.Mutex
	profile    Profile
	configured bool
	cmd        *exec.Cmd
	frames     chan *Frame
	done       chan struct{}

	sinkMu sync.Mutex
	sink   Sink
}

// NewFFmpegDevice creates a device for the given V4L2 path (e.g. /dev/video0).
func NewFFmpegDevice(devicePath string) *FFmpegDevice {
	return &FFmpegDevice{
		devicePath: devicePath,
		binary:     ffmpegBinary,
		logger:     slog.Default().With("component", "device", "path", devicePath),
	}
}

// Configure sets the pipeline profile. Safe to call repeatedly with the same
// profile; rejected while the pipeline is running.
func (d *FFmpegDevice) Configure(p Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return fmt.Errorf("cannot configure while pipeline is running")
	}
	d.profile = p
	d.configured = true
	return nil
}

// Start launches the capture process and the frame pump.
func (d *FFmpegDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.configured {
		return fmt.Errorf("device not configured")
	}
	if d.cmd != nil {
		return fmt.Errorf("device already started")
	}

	cmd := exec.Command(d.binary, d.captureArgs()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start capture process: %w", err)
	}

	d.cmd = cmd
	d.frames = make(chan *Frame, 1)
	d.done = make(chan struct{})

	go d.pump(stdout, cmd, d.frames, d.done)

	d.logger.Info("Capture pipeline started",
		"pid", cmd.Process.Pid,
		"size", fmt.Sprintf("%dx%d", d.profile.Width, d.profile.Height),
		"framerate", d.profile.Framerate)

	return nil
}

// Stop kills the capture process. The pump goroutine exits on the resulting
// read error and signals done.
func (d *FFmpegDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return fmt.Errorf("device not started")
	}

	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	done := d.done
	d.cmd = nil
	d.frames = nil
	d.done = nil

	// Bounded wait for the pump to drain; the process is already dead.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		d.logger.Warn("Frame pump did not exit in time")
	}

	d.logger.Info("Capture pipeline stopped")
	return nil
}

// StartRecording attaches a sink. Fails if one is already attached.
func (d *FFmpegDevice) StartRecording(sink Sink) error {
	d.sinkMu.Lock()
	defer d.sinkMu.Unlock()

	if d.sink != nil {
		return fmt.Errorf("recording already active")
	}
	d.sink = sink
	d.logger.Info("Recording sink attached", "path", sink.Path())
	return nil
}

// StopRecording detaches the active sink. The caller remains responsible for
// closing it.
func (d *FFmpegDevice) StopRecording() error {
	d.sinkMu.Lock()
	defer d.sinkMu.Unlock()

	if d.sink == nil {
		return fmt.Errorf("no recording active")
	}
	d.logger.Info("Recording sink detached", "path", d.sink.Path())
	d.sink = nil
	return nil
}

// CaptureFrame blocks until the pump publishes the next frame.
func (d *FFmpegDevice) CaptureFrame(ctx context.Context) (*Frame, error) {
	d.mu.Lock()
	frames := d.frames
	done := d.done
	d.mu.Unlock()

	if frames == nil {
		return nil, fmt.Errorf("device not started")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, fmt.Errorf("capture pipeline ended")
	case frame := <-frames:
		return frame, nil
	}
}

// captureArgs builds the MJPEG capture command line. Caller holds d.mu.
func (d *FFmpegDevice) captureArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-framerate", strconv.Itoa(d.profile.Framerate),
		"-video_size", fmt.Sprintf("%dx%d", d.profile.Width, d.profile.Height),
		"-i", d.devicePath,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "4",
		"-",
	}
}

// pump reads the MJPEG stream, publishing each frame to the latest-frame
// channel (dropping the stale one when nobody consumed it) and copying it to
// the recording sink when attached.
func (d *FFmpegDevice) pump(stdout io.ReadCloser, cmd *exec.Cmd, frames chan *Frame, done chan struct{}) {
	defer close(done)
	defer func() { _ = cmd.Wait() }()

	scanner := newJPEGScanner(stdout)
	for {
		data, err := scanner.Next()
		if err != nil {
			if err != io.EOF {
				d.logger.Warn("Frame pump stopped", "error", err)
			}
			return
		}

		frame := &Frame{Data: data, Timestamp: time.Now()}

		select {
		case frames <- frame:
		default:
			// Nobody consumed the previous frame; replace it.
			select {
			case <-frames:
			default:
			}
			select {
			case frames <- frame:
			default:
			}
		}

		d.sinkMu.Lock()
		sink := d.sink
		d.sinkMu.Unlock()
		if sink != nil {
			if _, err := sink.Write(frame.Data); err != nil {
				d.logger.Warn("Failed to write frame to recording sink", "error", err)
			}
		}
	}
}
