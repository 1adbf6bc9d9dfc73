package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type LoadFunc func(ctx context.Context) (*Handle, error)

// Loader builds the process-wide Handle on first use. Concurrent first
// callers share a single load; a failed load is not remembered.
type Loader struct {
	load   LoadFunc
	logger *zap.Logger

	mu     sync.Mutex
	handle atomic.Pointer[Handle]
	closed bool
}

func NewLoader(load LoadFunc, logger *zap.Logger) *Loader {
	return &Loader{load: load, logger: logger.Named("loader")}
}

var (
	ErrLoaderClosed = errors.New("model loader closed")
	errNoHandle     = errors.New("model load returned no handle")
)

func (l *Loader) Get(ctx context.Context) (*Handle, error) {
	if h := l.handle.Load(); h != nil {
		return h, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if h := l.handle.Load(); h != nil {
		return h, nil
	}
	if l.closed {
		return nil, ErrLoaderClosed
	}

	l.logger.Info("loading model")
	h, err := l.load(ctx)
	if err == nil && h == nil {
		err = errNoHandle
	}
	if err != nil {
		l.logger.Error("model load failed", zap.Error(err))
		return nil, err
	}
	l.handle.Store(h)
	l.logger.Info("model loaded", zap.Strings("categories", h.categories))
	return h, nil
}

func (l *Loader) Loaded() bool {
	return l.handle.Load() != nil
}

func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	h := l.handle.Swap(nil)
	if h == nil {
		return nil
	}
	return h.Close()
}
