package onnx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/krau/dishtagger/config"
)

func testModelConfig(t *testing.T, baseURL string) config.ModelConfig {
	t.Helper()
	m := config.Default().Model
	m.Dir = t.TempDir()
	m.BaseURL = baseURL
	return m
}

func TestFetchDownloadsMissingFiles(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("payload:" + r.URL.Path))
	}))
	defer srv.Close()

	m := testModelConfig(t, srv.URL+"/")
	require.NoError(t, os.MkdirAll(m.CheckpointDir(), 0o755))
	require.NoError(t, os.WriteFile(m.VocabPath(), []byte("local"), 0o644))

	require.NoError(t, Fetch(context.Background(), srv.Client(), m, zap.NewNop()))
	require.Equal(t, int32(2), hits.Load())

	data, err := os.ReadFile(m.VisualPath())
	require.NoError(t, err)
	require.Equal(t, "payload:/ViT-B-32-laion2b_s34b_b79k/visual.onnx", string(data))

	data, err = os.ReadFile(m.VocabPath())
	require.NoError(t, err)
	require.Equal(t, "local", string(data))

	require.NoError(t, Fetch(context.Background(), srv.Client(), m, zap.NewNop()))
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchFailsWithoutBaseURL(t *testing.T) {
	m := testModelConfig(t, "")
	err := Fetch(context.Background(), http.DefaultClient, m, zap.NewNop())
	require.ErrorContains(t, err, "base_url")
}

func TestFetchLeavesNoPartialFileOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	m := testModelConfig(t, srv.URL)
	err := Fetch(context.Background(), srv.Client(), m, zap.NewNop())
	require.ErrorContains(t, err, "404")

	entries, err := os.ReadDir(m.CheckpointDir())
	require.NoError(t, err)
	require.Empty(t, entries)
	_, err = os.Stat(filepath.Join(m.CheckpointDir(), m.VisualFileName))
	require.True(t, os.IsNotExist(err))
}

func TestLibPathPrefersConfigured(t *testing.T) {
	path, err := LibPath("/opt/ort/libonnxruntime.so")
	require.NoError(t, err)
	require.Equal(t, "/opt/ort/libonnxruntime.so", path)
}
