// Package motion implements frame-differencing motion detection: successive
// frames are smoothed to grayscale, differenced, thresholded to a binary
// mask, dilated, and scanned for connected regions large enough to count as
// motion.
package motion

import (
	"image"
)

// Config holds detector tuning.
type Config struct {
	// DiffThreshold is the per-pixel absolute difference above which a
	// pixel is considered changed.
	DiffThreshold uint8
	// MinArea is the minimum connected-region area, in pixels, that
	// counts as motion.
	MinArea int
	// DilateIterations is how many 3x3 dilation passes are applied to the
	// binary mask before region extraction.
	DilateIterations int
	// BlurRadius is the box-blur radius used to suppress sensor noise.
	BlurRadius int
}

// DefaultConfig returns the tuning used by the camera server.
func DefaultConfig() Config {
	return Config{
		DiffThreshold:    25,
		MinArea:          1500,
		DilateIterations: 2,
		BlurRadius:       10,
	}
}

// Detector compares successive frames. Not safe for concurrent use; the
// motion worker is its only caller.
type Detector struct {
	cfg  Config
	prev *image.Gray
}

// NewDetector creates a detector with the given tuning.
func NewDetector(cfg Config) *Detector {
	if cfg.DiffThreshold == 0 {
		cfg.DiffThreshold = 25
	}
	if cfg.MinArea <= 0 {
		cfg.MinArea = 1500
	}
	if cfg.BlurRadius <= 0 {
		cfg.BlurRadius = 10
	}
	return &Detector{cfg: cfg}
}

// Reset clears the stored previous frame. Called whenever detection is
// (re-)enabled so a stale baseline cannot trigger a false positive.
func (d *Detector) Reset() {
	d.prev = nil
}

// Detect reports whether the frame shows motion relative to the previous
// one. The first frame after a reset only seeds the baseline.
func (d *Detector) Detect(img image.Image) bool {
	gray := boxBlur(toGray(img), d.cfg.BlurRadius)

	prev := d.prev
	d.prev = gray

	if prev == nil || !prev.Rect.Eq(gray.Rect) {
		return false
	}

	mask := diffMask(prev, gray, d.cfg.DiffThreshold)
	for i := 0; i < d.cfg.DilateIterations; i++ {
		mask = dilate(mask)
	}

	return largestRegionArea(mask) > d.cfg.MinArea
}

// toGray converts an image to grayscale anchored at the origin. The common
// JPEG case (YCbCr) copies the luma plane directly.
func toGray(img image.Image) *image.Gray {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	gray := image.NewGray(image.Rect(0, 0, w, h))

	if src, ok := img.(*image.YCbCr); ok {
		for y := 0; y < h; y++ {
			srcRow := src.YOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+w], src.Y[srcRow:srcRow+w])
		}
		return gray
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// ITU-R BT.601 luma.
			lum := (299*r + 587*g + 114*b) / 1000
			gray.Pix[y*gray.Stride+x] = uint8(lum >> 8)
		}
	}
	return gray
}

// boxBlur applies a separable box blur of the given radius.
func boxBlur(src *image.Gray, radius int) *image.Gray {
	if radius <= 0 {
		return src
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	window := 2*radius + 1

	tmp := image.NewGray(src.Rect)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w]
		out := tmp.Pix[y*tmp.Stride : y*tmp.Stride+w]
		var sum int
		for x := -radius; x <= radius; x++ {
			sum += int(row[clamp(x, w)])
		}
		for x := 0; x < w; x++ {
			out[x] = uint8(sum / window)
			sum += int(row[clamp(x+radius+1, w)]) - int(row[clamp(x-radius, w)])
		}
	}

	dst := image.NewGray(src.Rect)
	for x := 0; x < w; x++ {
		var sum int
		for y := -radius; y <= radius; y++ {
			sum += int(tmp.Pix[clamp(y, h)*tmp.Stride+x])
		}
		for y := 0; y < h; y++ {
			dst.Pix[y*dst.Stride+x] = uint8(sum / window)
			sum += int(tmp.Pix[clamp(y+radius+1, h)*tmp.Stride+x]) - int(tmp.Pix[clamp(y-radius, h)*tmp.Stride+x])
		}
	}
	return dst
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// diffMask thresholds the absolute difference of two equal-size frames into
// a binary mask (0 or 255).
func diffMask(a, b *image.Gray, threshold uint8) *image.Gray {
	w, h := a.Rect.Dx(), a.Rect.Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		pa := a.Pix[y*a.Stride : y*a.Stride+w]
		pb := b.Pix[y*b.Stride : y*b.Stride+w]
		pm := mask.Pix[y*mask.Stride : y*mask.Stride+w]
		for x := 0; x < w; x++ {
			d := int(pa[x]) - int(pb[x])
			if d < 0 {
				d = -d
			}
			if d > int(threshold) {
				pm[x] = 255
			}
		}
	}
	return mask
}

// dilate grows the mask by one pixel in each direction (3x3 max filter).
func dilate(mask *image.Gray) *image.Gray {
	w, h := mask.Rect.Dx(), mask.Rect.Dy()
	out := image.NewGray(mask.Rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask.Pix[y*mask.Stride+x] == 0 {
				continue
			}
			for dy := -1; dy <= 1; dy++ {
				yy := clamp(y+dy, h)
				for dx := -1; dx <= 1; dx++ {
					out.Pix[yy*out.Stride+clamp(x+dx, w)] = 255
				}
			}
		}
	}
	return out
}

// largestRegionArea returns the pixel area of the largest 8-connected region
// of set pixels in the mask.
func largestRegionArea(mask *image.Gray) int {
	w, h := mask.Rect.Dx(), mask.Rect.Dy()
	visited := make([]bool, w*h)
	var stack []int

	largest := 0
	for start := 0; start < w*h; start++ {
		if visited[start] || mask.Pix[(start/w)*mask.Stride+start%w] == 0 {
			continue
		}

		area := 0
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++

			x, y := idx%w, idx/w
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					xx, yy := x+dx, y+dy
					if xx < 0 || xx >= w || yy < 0 || yy >= h {
						continue
					}
					nidx := yy*w + xx
					if visited[nidx] || mask.Pix[yy*mask.Stride+xx] == 0 {
						continue
					}
					visited[nidx] = true
					stack = append(stack, nidx)
				}
			}
		}

		if area > largest {
			largest = area
		}
	}
	return largest
}
