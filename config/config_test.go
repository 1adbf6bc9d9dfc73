package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("config.toml")
	require.NoError(t, err)
	require.Equal(t, []string{"burger", "pizza", "tacos", "sandwich", "pasta", "salad"}, cfg.Categories)
	require.Equal(t, "0.0.0.0:8000", cfg.Addr())
	require.Equal(t, "ViT-B-32-laion2b_s34b_b79k", cfg.Model.Checkpoint())
	require.Equal(t, filepath.Join("models", "ViT-B-32-laion2b_s34b_b79k", "visual.onnx"), cfg.Model.VisualPath())
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.toml", `
port = "9000"
categories = ["ramen", " sushi "]

[model]
pretrained = "openai"
pool_size = 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, []string{"ramen", "sushi"}, cfg.Categories)
	require.Equal(t, "ViT-B-32-openai", cfg.Model.Checkpoint())
	require.Equal(t, 1, cfg.Model.PoolSize)
	require.Equal(t, 224, cfg.Model.ImageSize)
}

func TestLoadCategoriesFile(t *testing.T) {
	categories := writeFile(t, "categories.txt", "curry\n\n  dumplings \n")
	path := writeFile(t, "config.toml", "categories_file = '"+categories+"'\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"curry", "dumplings"}, cfg.Categories)
}

func TestValidateRejectsBadVocabulary(t *testing.T) {
	cfg := Default()
	cfg.Categories = nil
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Categories = []string{"pizza", "pizza"}
	require.ErrorContains(t, cfg.Validate(), "duplicate")

	cfg = Default()
	cfg.Categories = []string{"pizza", "  "}
	require.ErrorContains(t, cfg.Validate(), "blank")
}

func TestValidateRejectsNonPositiveLimits(t *testing.T) {
	cfg := Default()
	require.Equal(t, int64(50_000_000), cfg.MaxImagePixels)
	cfg.MaxImagePixels = 0
	require.ErrorContains(t, cfg.Validate(), "max_image_pixels")

	cfg = Default()
	cfg.MaxUploadMB = -1
	require.ErrorContains(t, cfg.Validate(), "max_upload_mb")
}
