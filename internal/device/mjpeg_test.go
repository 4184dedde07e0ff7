package device

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"
	"testing"
	"time"
)

func jpegFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode test frame: %v", err)
	}
	return buf.Bytes()
}

func TestJPEGScannerSplitsFrames(t *testing.T) {
	f1 := jpegFrame(t, 32, 24)
	f2 := jpegFrame(t, 64, 48)

	stream := append(append([]byte{}, f1...), f2...)
	scanner := newJPEGScanner(bytes.NewReader(stream))

	got1, err := scanner.Next()
	if err != nil {
		t.Fatalf("First Next failed: %v", err)
	}
	if !bytes.Equal(got1, f1) {
		t.Errorf("First frame mismatch: got %d bytes, want %d", len(got1), len(f1))
	}

	got2, err := scanner.Next()
	if err != nil {
		t.Fatalf("Second Next failed: %v", err)
	}
	if !bytes.Equal(got2, f2) {
		t.Errorf("Second frame mismatch: got %d bytes, want %d", len(got2), len(f2))
	}

	if _, err := scanner.Next(); err != io.EOF {
		t.Errorf("Expected io.EOF at stream end, got %v", err)
	}
}

func TestJPEGScannerSkipsLeadingGarbage(t *testing.T) {
	frame := jpegFrame(t, 16, 16)

	stream := append([]byte{0x00, 0x01, 0x02, 0xFF, 0x00}, frame...)
	scanner := newJPEGScanner(bytes.NewReader(stream))

	got, err := scanner.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("Scanner should drop bytes before the start marker")
	}
}

func TestJPEGScannerPartialReads(t *testing.T) {
	frame := jpegFrame(t, 32, 32)

	// Feed the stream one byte at a time.
	scanner := newJPEGScanner(&oneByteReader{data: frame})

	got, err := scanner.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("Scanner should assemble a frame across partial reads")
	}
}

// oneByteReader yields one byte per Read call.
type oneByteReader struct {
	data []byte
	pos  int
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestJPEGScannerTruncatedStream(t *testing.T) {
	frame := jpegFrame(t, 16, 16)
	truncated := frame[:len(frame)-2] // drop the end marker

	scanner := newJPEGScanner(bytes.NewReader(truncated))
	if _, err := scanner.Next(); err == nil {
		t.Error("Expected error for a stream with no end marker")
	}
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{"valid", Profile{Width: 1280, Height: 720, Framerate: 30}, false},
		{"zero width", Profile{Width: 0, Height: 720, Framerate: 30}, true},
		{"negative height", Profile{Width: 1280, Height: -1, Framerate: 30}, true},
		{"zero framerate", Profile{Width: 1280, Height: 720, Framerate: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFrameDecode(t *testing.T) {
	frame := &Frame{Data: jpegFrame(t, 40, 30), Timestamp: time.Now()}

	img, err := frame.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if img.Bounds().Dx() != 40 || img.Bounds().Dy() != 30 {
		t.Errorf("Unexpected bounds: %v", img.Bounds())
	}

	bad := &Frame{Data: []byte{0x01, 0x02, 0x03}}
	if _, err := bad.Decode(); err == nil {
		t.Error("Expected error decoding garbage")
	}
}
