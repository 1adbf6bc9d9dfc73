package onnx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/krau/dishtagger/config"
)

// Fetch makes sure every checkpoint file is on disk, downloading missing
// ones from base_url/<checkpoint>/<file>. No retries: a failed fetch is fatal.
func Fetch(ctx context.Context, client *http.Client, m config.ModelConfig, logger *zap.Logger) error {
	if err := os.MkdirAll(m.CheckpointDir(), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	for _, name := range []string{m.VisualFileName, m.TextualFileName, m.VocabFileName} {
		path := filepath.Join(m.CheckpointDir(), name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if m.BaseURL == "" {
			return fmt.Errorf("checkpoint file %s is missing and model.base_url is not set", path)
		}
		url := strings.TrimSuffix(m.BaseURL, "/") + "/" + m.Checkpoint() + "/" + name
		logger.Info("downloading checkpoint file", zap.String("url", url), zap.String("path", path))
		if err := download(ctx, client, url, path); err != nil {
			return fmt.Errorf("download %s: %w", name, err)
		}
	}
	return nil
}

func download(ctx context.Context, client *http.Client, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
