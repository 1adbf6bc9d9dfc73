package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/krau/dishtagger/config"
	"github.com/krau/dishtagger/logging"
	"github.com/krau/dishtagger/onnx"
	"github.com/krau/dishtagger/server"
	"github.com/krau/dishtagger/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "dishtagger",
		Short:         "zero-shot food category detection with CLIP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to config.toml")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "run the HTTP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), configPath, runServe)
			},
		},
		&cobra.Command{
			Use:   "classify <image>...",
			Short: "classify image files and print the results as JSON",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app) error {
					return runClassify(ctx, a, args)
				})
			},
		},
		&cobra.Command{
			Use:   "fetch",
			Short: "download missing checkpoint files",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := setup(configPath)
				if err != nil {
					return err
				}
				defer logger.Sync() //nolint:errcheck
				return onnx.Fetch(cmd.Context(), http.DefaultClient, cfg.Model, logger)
			},
		},
	)
	return rootCmd
}

type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	loader     *service.Loader
	classifier *service.Classifier
}

func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func withApp(ctx context.Context, configPath string, run func(context.Context, *app) error) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := onnx.InitEnvironment(cfg.Libonnx, logger); err != nil {
		return err
	}
	defer onnx.DestroyEnvironment() //nolint:errcheck

	loader := service.NewLoader(newModelLoader(cfg, logger), logger)
	defer loader.Close() //nolint:errcheck

	classifier := service.NewClassifier(loader, logger,
		service.WithCache(cfg.CacheSize, time.Duration(cfg.CacheTTLSeconds)*time.Second),
		service.WithMaxPixels(cfg.MaxImagePixels),
	)
	return run(ctx, &app{cfg: cfg, logger: logger, loader: loader, classifier: classifier})
}

func newModelLoader(cfg *config.Config, logger *zap.Logger) service.LoadFunc {
	return func(ctx context.Context) (*service.Handle, error) {
		m := cfg.Model
		if err := onnx.Fetch(ctx, http.DefaultClient, m, logger); err != nil {
			return nil, logging.NewOperationError("model.fetch", "", err)
		}
		tokenizer, err := service.LoadTokenizer(m.VocabPath(), m.ContextLength)
		if err != nil {
			return nil, logging.NewOperationError("model.tokenizer", "", err)
		}
		encoder, err := onnx.NewEncoder(m)
		if err != nil {
			return nil, logging.NewOperationError("model.encoder", "", err)
		}
		handle, err := service.NewHandle(encoder, tokenizer, cfg.Categories, service.HandleOptions{
			Normalize:  m.Normalize,
			LogitScale: m.LogitScale,
		})
		if err != nil {
			encoder.Close()
			return nil, logging.NewOperationError("model.handle", "", err)
		}
		logger.Info("checkpoint ready",
			zap.String("checkpoint", m.Checkpoint()),
			zap.Int("pool_size", m.PoolSize),
		)
		return handle, nil
	}
}

func runServe(ctx context.Context, a *app) error {
	if a.cfg.Model.Preload {
		if _, err := a.loader.Get(ctx); err != nil {
			return fmt.Errorf("load model: %w", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	handler := server.NewHandler(a.classifier, a.cfg.MaxUploadMB<<20, a.logger)
	router := server.NewRouter(handler, server.Options{
		Token:        a.cfg.Token,
		AllowOrigins: a.cfg.AllowOrigins,
		Gzip:         a.cfg.Gzip,
	}, a.logger)

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Info("listening", zap.String("address", srv.Addr))
	return server.Serve(srv, time.Duration(a.cfg.ShutdownTimeoutSeconds)*time.Second, a.logger)
}

func runClassify(ctx context.Context, a *app, paths []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		res, err := a.classifier.Classify(ctx, data)
		if err != nil {
			return fmt.Errorf("classify %s: %w", path, err)
		}
		if err := enc.Encode(struct {
			File string `json:"file"`
			*service.Result
			Scores map[string]float32 `json:"scores"`
		}{File: path, Result: res, Scores: res.Probabilities}); err != nil {
			return err
		}
	}
	return nil
}
