package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// Classifier maps raw image bytes to one category of the loaded vocabulary.
type Classifier struct {
	loader    *Loader
	cache     *expirable.LRU[string, Result]
	maxPixels int64
	logger    *zap.Logger
}

type ClassifierOption func(*Classifier)

// WithCache memoizes results by image digest. Inference is deterministic, so
// a hit is indistinguishable from a fresh prediction.
func WithCache(size int, ttl time.Duration) ClassifierOption {
	return func(c *Classifier) {
		if size <= 0 || ttl <= 0 {
			return
		}
		c.cache = expirable.NewLRU[string, Result](size, nil, ttl)
	}
}

// WithMaxPixels rejects images whose declared width times height exceeds n.
func WithMaxPixels(n int64) ClassifierOption {
	return func(c *Classifier) {
		c.maxPixels = n
	}
}

func NewClassifier(loader *Loader, logger *zap.Logger, opts ...ClassifierOption) *Classifier {
	c := &Classifier{loader: loader, logger: logger.Named("classifier")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Classifier) Classify(ctx context.Context, data []byte) (*Result, error) {
	var key string
	if c.cache != nil && len(data) > 0 {
		sum := sha256.Sum256(data)
		key = hex.EncodeToString(sum[:])
		if cached, ok := c.cache.Get(key); ok {
			c.logger.Debug("result cache hit", zap.String("digest", key))
			return cloneResult(cached), nil
		}
	}

	img, err := DecodeImage(data, c.maxPixels)
	if err != nil {
		return nil, err
	}
	handle, err := c.loader.Get(ctx)
	if err != nil {
		return nil, err
	}
	res, err := handle.Predict(img)
	if err != nil {
		return nil, err
	}
	if key != "" {
		c.cache.Add(key, *cloneResult(*res))
	}
	return res, nil
}

func (c *Classifier) Loaded() bool {
	return c.loader.Loaded()
}

func cloneResult(r Result) *Result {
	r.Probabilities = maps.Clone(r.Probabilities)
	return &r
}
