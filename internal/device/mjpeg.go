package device

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// JPEG stream markers.
var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxFrameSize caps a single frame's buffer so a corrupt stream with a
// missing end marker cannot grow without bound.
const maxFrameSize = 16 << 20

// jpegScanner splits a concatenated MJPEG byte stream into individual JPEG
// images delimited by SOI/EOI markers.
type jpegScanner struct {
	r   *bufio.Reader
	buf []byte
}

func newJPEGScanner(r io.Reader) *jpegScanner {
	return &jpegScanner{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next complete JPEG image from the stream. The returned
// slice is owned by the caller. Returns io.EOF when the stream ends.
func (s *jpegScanner) Next() ([]byte, error) {
	chunk := make([]byte, 32<<10)

	for {
		// Drop any leading garbage before the start marker.
		if start := bytes.Index(s.buf, jpegSOI); start > 0 {
			s.buf = s.buf[start:]
		} else if start == -1 && len(s.buf) > 1 {
			s.buf = s.buf[len(s.buf)-1:]
		}

		// A complete frame needs a start marker followed by an end marker.
		if bytes.HasPrefix(s.buf, jpegSOI) {
			if end := bytes.Index(s.buf[2:], jpegEOI); end != -1 {
				frameLen := end + 2 + len(jpegEOI)
				frame := make([]byte, frameLen)
				copy(frame, s.buf[:frameLen])
				s.buf = append(s.buf[:0], s.buf[frameLen:]...)
				return frame, nil
			}
		}

		if len(s.buf) > maxFrameSize {
			s.buf = s.buf[:0]
			return nil, fmt.Errorf("frame exceeds %d bytes without end marker", maxFrameSize)
		}

		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}
