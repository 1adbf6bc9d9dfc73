package service

import (
	"errors"
	"fmt"
	"image"
	"slices"
)

type HandleOptions struct {
	// Normalize L2-normalizes both embeddings before the dot product.
	Normalize bool
	// LogitScale multiplies similarities before the softmax. Zero means 1.
	LogitScale float64
}

// Handle is a loaded checkpoint bound to a category vocabulary. The text side
// is encoded once here since the vocabulary never changes.
type Handle struct {
	encoder        Encoder
	tokenizer      *Tokenizer
	categories     []string
	textEmbeddings [][]float32
	opts           HandleOptions
}

func NewHandle(encoder Encoder, tokenizer *Tokenizer, categories []string, opts HandleOptions) (*Handle, error) {
	if encoder == nil || tokenizer == nil {
		return nil, errors.New("encoder and tokenizer are required")
	}
	if len(categories) == 0 {
		return nil, errors.New("empty category vocabulary")
	}
	if opts.LogitScale == 0 {
		opts.LogitScale = 1
	}
	categories = slices.Clone(categories)

	embeddings, err := encoder.EncodeText(tokenizer.Tokenize(categories))
	if err != nil {
		return nil, fmt.Errorf("encode categories: %w", err)
	}
	if len(embeddings) != len(categories) {
		return nil, fmt.Errorf("text encoder returned %d embeddings for %d categories", len(embeddings), len(categories))
	}
	if opts.Normalize {
		for i, e := range embeddings {
			embeddings[i] = L2Normalize(e)
		}
	}
	return &Handle{
		encoder:        encoder,
		tokenizer:      tokenizer,
		categories:     categories,
		textEmbeddings: embeddings,
		opts:           opts,
	}, nil
}

func (h *Handle) Categories() []string {
	return slices.Clone(h.categories)
}

// Predict runs the image tower and scores it against every category.
func (h *Handle) Predict(img image.Image) (*Result, error) {
	embedding, err := h.encoder.EncodeImage(Preprocess(img, h.encoder.ImageSize()))
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	if h.opts.Normalize {
		embedding = L2Normalize(embedding)
	}

	logits := make([]float64, len(h.categories))
	for i, text := range h.textEmbeddings {
		if len(text) != len(embedding) {
			return nil, fmt.Errorf("embedding size mismatch: image %d, text %d", len(embedding), len(text))
		}
		logits[i] = h.opts.LogitScale * Dot(embedding, text)
	}
	probs := Softmax(logits)
	best := Argmax(probs)

	scores := make(map[string]float32, len(probs))
	for i, p := range probs {
		scores[h.categories[i]] = float32(p)
	}
	return &Result{
		Category:      h.categories[best],
		Confidence:    float32(probs[best]),
		Probabilities: scores,
	}, nil
}

func (h *Handle) Close() error {
	return h.encoder.Close()
}
