package onnx

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var defaultLibPaths = map[string][]string{
	"linux": {
		"onnxlibs/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
	},
	"darwin": {
		"onnxlibs/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	},
	"windows": {
		"onnxlibs/onnxruntime.dll",
		"onnxruntime.dll",
	},
}

// LibPath picks the ONNX Runtime shared library: the configured path if set,
// otherwise the first platform default that exists.
func LibPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	candidates, ok := defaultLibPaths[runtime.GOOS]
	if !ok {
		return "", fmt.Errorf("no default ONNX Runtime library for %s, set libonnx", runtime.GOOS)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("ONNX Runtime library not found in %v, set libonnx", candidates)
}

// InitEnvironment loads the shared library once per process.
func InitEnvironment(configured string, logger *zap.Logger) error {
	if ort.IsInitialized() {
		return nil
	}
	path, err := LibPath(configured)
	if err != nil {
		return err
	}
	logger.Info("using ONNX Runtime library", zap.String("path", path))
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize ONNX Runtime environment: %w", err)
	}
	return nil
}

func DestroyEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

var errNoOutputs = errors.New("model declares no inputs or outputs")
