// Package device owns the physical camera pipeline: configuration, the
// start/stop lifecycle, frame capture and encoded clip output. It contains
// no cross-operation locking of its own; the camera manager serializes all
// state-changing calls.
package device

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"time"
)

// Profile describes the single pipeline configuration shared by preview and
// recording. One profile is chosen at startup and reused for the process
// lifetime so the device never has to switch modes between activities.
type Profile struct {
	Width     int
	Height    int
	Framerate int
}

// Validate checks that the profile is usable.
func (p Profile) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", p.Width, p.Height)
	}
	if p.Framerate <= 0 {
		return fmt.Errorf("invalid framerate %d", p.Framerate)
	}
	return nil
}

// Frame is one captured image, JPEG-encoded. A frame is immutable once
// published; consumers that need pixels decode their own copy.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// Decode returns the decoded pixels of the frame.
func (f *Frame) Decode() (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// Sink receives the encoded output of a recording. It must be closed on
// every exit path of a recording, success or failure, to finalize the
// container and release the encoder.
type Sink interface {
	io.WriteCloser
	Path() string
}

// Device is the camera pipeline contract. All operations may fail (device
// busy, driver error); failures are reported to the caller. Frame production
// continues while a recording sink is attached.
type Device interface {
	// Configure sets the pipeline profile. Idempotent; must be called
	// before Start.
	Configure(Profile) error
	// Start begins continuous frame production.
	Start() error
	// Stop halts frame production.
	Stop() error
	// StartRecording routes encoded output to the sink while frame
	// production continues.
	StartRecording(Sink) error
	// StopRecording detaches the active sink without closing it.
	StopRecording() error
	// CaptureFrame blocks until the next frame is available.
	CaptureFrame(ctx context.Context) (*Frame, error)
}
