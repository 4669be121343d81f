package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Detector backends.
const (
	BackendExec = "exec"
	BackendGRPC = "grpc"
)

// DefaultConfidence is the score below which the detector drops detections.
const DefaultConfidence = 0.25

// Config carries the runtime settings of the service.
type Config struct {
	Addr           string
	LogLevel       string
	ModelPath      string
	Backend        string
	YoloBin        string
	ClassNames     []string
	DetectorAddr   string
	Confidence     float64
	MaxConcurrent  int64
	DetectTimeout  time.Duration
	ScratchDir     string
	MaxUploadBytes int64
	DatabaseDSN    string
	RedisAddr      string
	JWTSecret      string
	JWTAudience    string
}

// StartupError reports a precondition that keeps the process from serving.
type StartupError struct {
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("startup: %s: %v", e.Reason, e.Err)
	}
	return "startup: " + e.Reason
}

func (e *StartupError) Unwrap() error { return e.Err }

// ErrModelMissing is wrapped by the StartupError returned when the model
// artifact cannot be found.
var ErrModelMissing = errors.New("model artifact not found")

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:          getEnv("ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		ModelPath:     getEnv("MODEL_PATH", "best.pt"),
		Backend:       strings.ToLower(getEnv("DETECTOR_BACKEND", BackendExec)),
		YoloBin:       getEnv("YOLO_BIN", "yolo"),
		ClassNames:    splitList(os.Getenv("DETECT_CLASSES")),
		DetectorAddr:  getEnv("DETECTOR_ADDR", "localhost:50051"),
		ScratchDir:    os.Getenv("SCRATCH_DIR"),
		DatabaseDSN:   os.Getenv("DATABASE_DSN"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTAudience:   os.Getenv("JWT_AUDIENCE"),
		Confidence:    DefaultConfidence,
		MaxConcurrent: 1,
	}

	var err error
	if cfg.Confidence, err = getFloat("DETECT_CONFIDENCE", DefaultConfidence); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrent, err = getInt("DETECT_MAX_CONCURRENT", 1); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes, err = getInt("MAX_UPLOAD_BYTES", 20<<20); err != nil {
		return nil, err
	}
	if raw := os.Getenv("DETECT_TIMEOUT"); raw != "" {
		if cfg.DetectTimeout, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("parse DETECT_TIMEOUT: %w", err)
		}
	}

	if cfg.Confidence < 0 || cfg.Confidence > 1 {
		return nil, fmt.Errorf("DETECT_CONFIDENCE must be within [0,1], got %v", cfg.Confidence)
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("DETECT_MAX_CONCURRENT must be positive, got %d", cfg.MaxConcurrent)
	}
	switch cfg.Backend {
	case BackendExec, BackendGRPC:
	default:
		return nil, fmt.Errorf("unsupported DETECTOR_BACKEND %q", cfg.Backend)
	}
	return cfg, nil
}

// CheckModel verifies the model artifact is present. Only the exec backend
// loads the artifact locally; remote backends own their weights.
func (c *Config) CheckModel() error {
	if c.Backend != BackendExec {
		return nil
	}
	info, err := os.Stat(c.ModelPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &StartupError{Reason: fmt.Sprintf("model file %q not found", c.ModelPath), Err: ErrModelMissing}
		}
		return &StartupError{Reason: fmt.Sprintf("stat model file %q", c.ModelPath), Err: err}
	}
	if info.IsDir() {
		return &StartupError{Reason: fmt.Sprintf("model path %q is a directory", c.ModelPath), Err: ErrModelMissing}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

// splitList parses a comma separated list, trimming blanks around items.
func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
