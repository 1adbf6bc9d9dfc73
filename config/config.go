package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token    string `toml:"token"`
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	Libonnx  string `toml:"libonnx"`
	LogLevel string `toml:"log_level"`
	LogDev   bool   `toml:"log_dev"`

	Categories     []string `toml:"categories"`
	CategoriesFile string   `toml:"categories_file"`

	MaxUploadMB            int64    `toml:"max_upload_mb"`
	MaxImagePixels         int64    `toml:"max_image_pixels"`
	CacheSize              int      `toml:"cache_size"`
	CacheTTLSeconds        int      `toml:"cache_ttl_seconds"`
	ShutdownTimeoutSeconds int      `toml:"shutdown_timeout_seconds"`
	AllowOrigins           []string `toml:"allow_origins"`
	Gzip                   bool     `toml:"gzip"`

	Model ModelConfig `toml:"model"`
}

type ModelConfig struct {
	Dir        string `toml:"dir"`
	Arch       string `toml:"arch"`
	Pretrained string `toml:"pretrained"`
	BaseURL    string `toml:"base_url"`

	VisualFileName  string `toml:"visual_file_name"`
	TextualFileName string `toml:"textual_file_name"`
	VocabFileName   string `toml:"vocab_file_name"`

	ImageSize     int     `toml:"image_size"`
	ContextLength int     `toml:"context_length"`
	EmbedDim      int     `toml:"embed_dim"`
	PoolSize      int     `toml:"pool_size"`
	Threads       int     `toml:"threads"`
	Preload       bool    `toml:"preload"`
	Normalize     bool    `toml:"normalize_embeddings"`
	LogitScale    float64 `toml:"logit_scale"`
}

// Checkpoint names the pretrained weights, e.g. "ViT-B-32-laion2b_s34b_b79k".
func (m ModelConfig) Checkpoint() string {
	return m.Arch + "-" + m.Pretrained
}

func (m ModelConfig) CheckpointDir() string {
	return filepath.Join(m.Dir, m.Checkpoint())
}

func (m ModelConfig) VisualPath() string {
	return filepath.Join(m.CheckpointDir(), m.VisualFileName)
}

func (m ModelConfig) TextualPath() string {
	return filepath.Join(m.CheckpointDir(), m.TextualFileName)
}

func (m ModelConfig) VocabPath() string {
	return filepath.Join(m.CheckpointDir(), m.VocabFileName)
}

func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func Default() *Config {
	return &Config{
		Host:                   "0.0.0.0",
		Port:                   "8000",
		LogLevel:               "info",
		Categories:             []string{"burger", "pizza", "tacos", "sandwich", "pasta", "salad"},
		MaxUploadMB:            10,
		MaxImagePixels:         50_000_000,
		CacheSize:              256,
		CacheTTLSeconds:        600,
		ShutdownTimeoutSeconds: 15,
		AllowOrigins:           []string{"http://localhost:3000", "http://localhost:8080"},
		Gzip:                   true,
		Model: ModelConfig{
			Dir:             "models",
			Arch:            "ViT-B-32",
			Pretrained:      "laion2b_s34b_b79k",
			VisualFileName:  "visual.onnx",
			TextualFileName: "textual.onnx",
			VocabFileName:   "bpe_simple_vocab_16e6.txt.gz",
			ImageSize:       224,
			ContextLength:   77,
			EmbedDim:        512,
			PoolSize:        2,
			Preload:         true,
			LogitScale:      1,
		},
	}
}

// Load reads path over the defaults. A missing file at the default
// location is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == "config.toml":
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if cfg.CategoriesFile != "" {
		categories, err := ReadLines(cfg.CategoriesFile)
		if err != nil {
			return nil, fmt.Errorf("read categories: %w", err)
		}
		cfg.Categories = categories
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Categories) == 0 {
		return errors.New("categories must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Categories))
	for i, category := range c.Categories {
		category = strings.TrimSpace(category)
		if category == "" {
			return fmt.Errorf("categories[%d] is blank", i)
		}
		if _, ok := seen[category]; ok {
			return fmt.Errorf("duplicate category %q", category)
		}
		seen[category] = struct{}{}
		c.Categories[i] = category
	}
	if c.Model.ImageSize <= 0 {
		return errors.New("model.image_size must be positive")
	}
	if c.Model.ContextLength < 2 {
		return errors.New("model.context_length must be at least 2")
	}
	if c.Model.PoolSize <= 0 {
		c.Model.PoolSize = 1
	}
	if c.Model.LogitScale == 0 {
		c.Model.LogitScale = 1
	}
	if c.MaxUploadMB <= 0 {
		return errors.New("max_upload_mb must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return errors.New("max_image_pixels must be positive")
	}
	return nil
}

// ReadLines returns the non-blank, trimmed lines of path.
func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}
