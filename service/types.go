package service

import (
	"errors"
	"fmt"
)

const DefaultImageSize = 224

var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

var (
	ErrDecode        = errors.New("image decode failed")
	ErrEmptyImage    = errors.New("image is empty")
	ErrTooManyPixels = errors.New("image dimensions too large")
)

// DecodeError reports bytes that could not be turned into an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Encoder is the frozen image and text towers of a CLIP checkpoint.
// Implementations must be safe for concurrent EncodeImage calls.
type Encoder interface {
	// EncodeImage embeds one preprocessed CHW image.
	EncodeImage(pixels []float32) ([]float32, error)
	// EncodeText embeds a batch of token rows.
	EncodeText(tokens [][]int64) ([][]float32, error)
	ImageSize() int
	Close() error
}

type Result struct {
	Category      string             `json:"detected_category"`
	Confidence    float32            `json:"confidence"`
	Probabilities map[string]float32 `json:"-"`
}
