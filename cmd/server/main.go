package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/detect-api/internal/config"
	"github.com/Brownie44l1/detect-api/internal/engine"
	"github.com/Brownie44l1/detect-api/internal/handlers"
	"github.com/Brownie44l1/detect-api/internal/imaging"
	"github.com/Brownie44l1/detect-api/internal/logging"
	"github.com/Brownie44l1/detect-api/internal/model"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, envErr := config.Load()

	cmd := &cobra.Command{
		Use:   "detect-api",
		Short: "Object detection over HTTP",
		Long: `detect-api loads a YOLO model exported to ONNX once at startup and serves
object detection over HTTP.

Endpoints:
  GET  /        liveness probe
  GET  /health  {"status":"healthy","model_loaded":bool}
  POST /detect  multipart upload, image in the "file" field

Examples:
  detect-api --model models/yolo11n.onnx
  detect-api -m best.onnx --metadata best.json --instances 2 --port 9000
  curl -F "file=@street.jpg" http://localhost:8080/detect`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("invalid environment: %w", envErr)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Init(cfg.LogLevel, cfg.LogPretty)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("model", cfg.ModelPath).Int("instances", cfg.EngineInstances).Msg("Loading model")

	start := time.Now()
	defer model.DestroyRuntime()
	handle, err := buildEngine(ctx, cfg)
	if err != nil {
		// Keep serving: /health reports model_loaded=false and /detect
		// fails fast until the process is restarted.
		log.Error().Err(err).Msg("Detection engine unavailable")
	} else {
		defer handle.Close()
	}

	adapter := engine.NewAdapter(handle, cfg.EngineWait)
	decoder := imaging.NewDecoder(cfg.MaxUploadBytes, cfg.MaxImagePixels)
	h := handlers.NewHandler(adapter, decoder, cfg.MaxUploadBytes)

	logging.NewStartupLogger("detect-api").
		Version(version).
		Engine("model", cfg.ModelPath).
		Engine("metadata", cfg.MetadataPath).
		Engine("instances", strconv.Itoa(cfg.EngineInstances)).
		Engine("conf", strconv.FormatFloat(cfg.ConfThreshold, 'f', -1, 64)).
		Engine("iou", strconv.FormatFloat(cfg.IoUThreshold, 'f', -1, 64)).
		Limit("engineWait", cfg.EngineWait.String()).
		Limit("maxUploadBytes", strconv.FormatInt(cfg.MaxUploadBytes, 10)).
		Limit("maxImagePixels", strconv.Itoa(cfg.MaxImagePixels)).
		Feature("modelLoaded", adapter.Loaded()).
		Feature("warmup", cfg.Warmup).
		InitDuration(time.Since(start)).
		Log()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handlers.NewRouter(h, cfg.CORSOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildEngine loads the onnxruntime library and builds the engine pool.
// It runs once, before the server accepts requests.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Handle, error) {
	if err := model.InitRuntime(cfg.ORTLibPath); err != nil {
		return nil, err
	}

	meta, err := model.LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}

	opts := model.Options{
		ConfThreshold:  float32(cfg.ConfThreshold),
		IoUThreshold:   float32(cfg.IoUThreshold),
		MaxDetections:  cfg.MaxDetections,
		IntraOpThreads: cfg.IntraOpThreads,
		InterOpThreads: 1,
	}

	handle, err := engine.NewHandle(cfg.EngineInstances, func(i int) (engine.Engine, error) {
		y, err := model.NewYOLO(cfg.ModelPath, meta, opts)
		if err != nil {
			return nil, err
		}
		return y, nil
	})
	if err != nil {
		return nil, err
	}

	if cfg.Warmup {
		if err := handle.Warmup(ctx, meta.ImageSize, meta.ImageSize); err != nil {
			handle.Close()
			return nil, fmt.Errorf("warmup failed: %w", err)
		}
	}

	log.Info().Int("classes", len(meta.Classes)).Int("imageSize", meta.ImageSize).Msg("Model loaded")
	return handle, nil
}
