package service

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/disintegration/imaging"
	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"
)

// DecodeImage decodes any registered raster format. The header is checked
// first so an image declaring more than maxPixels is never allocated; zero
// disables the check.
func DecodeImage(data []byte, maxPixels int64) (image.Image, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: ErrEmptyImage}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Err: ErrEmptyImage}
	}
	return img, nil
}

// Preprocess resizes the shortest side to size, center-crops to size x size
// and returns CLIP-normalized CHW floats. Alpha is dropped, not composited.
func Preprocess(img image.Image, size int) []float32 {
	if size <= 0 {
		size = DefaultImageSize
	}
	rgba := imaging.Fill(img, size, size, imaging.Center, imaging.CatmullRom)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := range size {
		row := rgba.Pix[y*rgba.Stride:]
		for x := range size {
			px := row[x*4 : x*4+3]
			i := y*size + x
			for ch := range 3 {
				v := float32(px[ch]) / 255.0
				out[ch*plane+i] = (v - ClipMean[ch]) / ClipStd[ch]
			}
		}
	}
	return out
}

func Dot(a, b []float32) float64 {
	var sum float64
	for i := range min(len(a), len(b)) {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// L2Normalize returns a unit-length copy of v. A zero vector is returned as is.
func L2Normalize(v []float32) []float32 {
	norm := math.Sqrt(Dot(v, v))
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Softmax is shifted by the max logit so large scores do not overflow.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		maxLogit = max(maxLogit, l)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the first index of the largest value, or -1 for empty input.
func Argmax(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for i, v := range values[1:] {
		if v > values[best] {
			best = i + 1
		}
	}
	return best
}
