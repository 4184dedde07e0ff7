package device

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// MP4Sink encodes a stream of JPEG frames into an H.264 MP4 file through an
// ffmpeg child process. Close finalizes the container; it is safe to call
// more than once.
type MP4Sink struct {
	path  string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	closeOnce sync.Once
	closeErr  error
}

// NewMP4Sink starts the encoder for the given output path.
func NewMP4Sink(path string, framerate int) (*MP4Sink, error) {
	if framerate <= 0 {
		framerate = 30
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(framerate),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		path,
	}

	cmd := exec.Command(ffmpegBinary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	slog.Default().With("component", "mp4-sink").Info("Encoder started", "path", path, "pid", cmd.Process.Pid)

	return &MP4Sink{path: path, cmd: cmd, stdin: stdin}, nil
}

// Write sends one JPEG frame to the encoder.
func (s *MP4Sink) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Path returns the output file path.
func (s *MP4Sink) Path() string {
	return s.path
}

// Close stops the encoder input and waits for the container to be finalized.
func (s *MP4Sink) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stdin.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close encoder input: %w", err)
		}
		if err := s.cmd.Wait(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("encoder exited with error: %w", err)
		}
	})
	return s.closeErr
}
