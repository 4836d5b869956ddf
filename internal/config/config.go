// Package config resolves server settings from defaults, environment
// variables and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	Port         int
	ModelPath    string
	MetadataPath string
	ORTLibPath   string

	EngineInstances int
	EngineWait      time.Duration
	Warmup          bool

	ConfThreshold  float64
	IoUThreshold   float64
	MaxDetections  int
	IntraOpThreads int

	MaxUploadBytes int64
	MaxImagePixels int

	CORSOrigins []string
	LogLevel    string
	LogPretty   bool

	ShutdownTimeout time.Duration
}

func Default() *Config {
	return &Config{
		Port:            8080,
		ModelPath:       "models/yolo11n.onnx",
		EngineInstances: 1,
		EngineWait:      10 * time.Second,
		Warmup:          true,
		ConfThreshold:   0.25,
		IoUThreshold:    0.7,
		MaxDetections:   300,
		IntraOpThreads:  1,
		MaxUploadBytes:  32 << 20,
		MaxImagePixels:  40_000_000,
		CORSOrigins:     []string{"*"},
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load returns the defaults overridden by any set environment variables.
func Load() (*Config, error) {
	c := Default()
	var errs []error

	c.Port = envInt("PORT", c.Port, &errs)
	c.ModelPath = envString("MODEL_PATH", c.ModelPath)
	c.MetadataPath = envString("MODEL_METADATA", c.MetadataPath)
	c.ORTLibPath = envString("ORT_LIB_PATH", c.ORTLibPath)
	c.EngineInstances = envInt("ENGINE_INSTANCES", c.EngineInstances, &errs)
	c.EngineWait = envDuration("ENGINE_WAIT", c.EngineWait, &errs)
	c.ConfThreshold = envFloat("CONF_THRESHOLD", c.ConfThreshold, &errs)
	c.IoUThreshold = envFloat("IOU_THRESHOLD", c.IoUThreshold, &errs)
	c.MaxUploadBytes = int64(envInt("MAX_UPLOAD_BYTES", int(c.MaxUploadBytes), &errs))
	c.MaxImagePixels = envInt("MAX_IMAGE_PIXELS", c.MaxImagePixels, &errs)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}

	return c, errors.Join(errs...)
}

// BindFlags registers flags that write straight into c, so values already
// loaded from the environment become the flag defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "Port to listen on")
	fs.StringVarP(&c.ModelPath, "model", "m", c.ModelPath, "Path to the YOLO .onnx model")
	fs.StringVar(&c.MetadataPath, "metadata", c.MetadataPath, "Path to model metadata JSON (defaults to YOLO11n/COCO)")
	fs.StringVar(&c.ORTLibPath, "ort-lib", c.ORTLibPath, "Path to the onnxruntime shared library")
	fs.IntVarP(&c.EngineInstances, "instances", "n", c.EngineInstances, "Number of engine instances (concurrent inferences)")
	fs.DurationVar(&c.EngineWait, "engine-wait", c.EngineWait, "How long a request may wait for a free engine instance")
	fs.BoolVar(&c.Warmup, "warmup", c.Warmup, "Run one inference per instance before serving")
	fs.Float64Var(&c.ConfThreshold, "conf", c.ConfThreshold, "Engine confidence threshold")
	fs.Float64Var(&c.IoUThreshold, "iou", c.IoUThreshold, "Engine NMS IoU threshold")
	fs.IntVar(&c.MaxDetections, "max-det", c.MaxDetections, "Maximum detections per image")
	fs.IntVar(&c.IntraOpThreads, "threads", c.IntraOpThreads, "onnxruntime intra-op threads per instance")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload", c.MaxUploadBytes, "Maximum upload size in bytes")
	fs.IntVar(&c.MaxImagePixels, "max-pixels", c.MaxImagePixels, "Maximum decoded image size in pixels")
	fs.StringSliceVar(&c.CORSOrigins, "cors-origin", c.CORSOrigins, "Allowed CORS origins")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&c.LogPretty, "log-pretty", c.LogPretty, "Human-readable console logs instead of JSON")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Graceful shutdown timeout")
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model path is required"))
	}
	if c.EngineInstances < 1 {
		errs = append(errs, fmt.Errorf("instances must be at least 1, got %d", c.EngineInstances))
	}
	if c.EngineWait <= 0 {
		errs = append(errs, fmt.Errorf("engine wait must be positive, got %s", c.EngineWait))
	}
	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence threshold %v not in [0, 1]", c.ConfThreshold))
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		errs = append(errs, fmt.Errorf("IoU threshold %v not in [0, 1]", c.IoUThreshold))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max upload must be positive, got %d", c.MaxUploadBytes))
	}
	if c.MaxImagePixels <= 0 {
		errs = append(errs, fmt.Errorf("max pixels must be positive, got %d", c.MaxImagePixels))
	}
	return errors.Join(errs...)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func envFloat(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
