package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Ingest   IngestConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Detector DetectorConfig
	Overlay  OverlayConfig
	Capture  CaptureConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int // 0 disables the write deadline (required for long-lived event streams)
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// IngestConfig holds chunk ingest settings.
type IngestConfig struct {
	Token           string // operator ingest token; when set every session gets its own credential
	MaxBytes        int64  // per-chunk ceiling
	DetectorWorkers int    // concurrent in-process detector calls
	DispatchBuffer  int    // in-process job bus buffer
	DataDir         string // local chunk store root (used when S3 is not configured)
}

// DatabaseConfig holds PostgreSQL connection settings. Empty URL disables scan history.
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds Redis connection settings. Empty Addr keeps detection in-process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the chunk bucket. Empty bucket uses the local disk store.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ChunksBucket    string
}

// DetectorConfig selects and configures the detector.
type DetectorConfig struct {
	Kind     string // "stub" | "vision"
	APIURL   string
	APIKey   string
	Model    string
	MinConf  float64
	TimeoutS int
}

// OverlayConfig holds client overlay tuning served to scanners.
type OverlayConfig struct {
	PreviewDetector string // "none" | "tfjs"
	PreviewFPS      int
	EMAAlpha        float64
	ServerMatchIoU  float64
	PruneFrames     int
}

// CaptureConfig holds producer-side settings.
type CaptureConfig struct {
	ChunkMS        int
	QueueThreshold int
}

// LogConfig holds logging settings.
type LogConfig struct {
	File  string // optional rotated JSON log file
	Level string
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 0),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Ingest: IngestConfig{
			Token:           getEnv("INGEST_TOKEN", ""),
			MaxBytes:        int64(getEnvInt("INGEST_MAX_BYTES", 10*1024*1024)),
			DetectorWorkers: getEnvInt("DETECTOR_WORKERS", 2),
			DispatchBuffer:  getEnvInt("DISPATCH_BUFFER", 32),
			DataDir:         getEnv("DATA_DIR", "./data"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ChunksBucket:    getEnv("AWS_S3_CHUNKS_BUCKET", ""),
		},
		Detector: DetectorConfig{
			Kind:     getEnv("DETECTOR_KIND", "stub"),
			APIURL:   getEnv("VISION_API_URL", "https://api.openai.com/v1/chat/completions"),
			APIKey:   getEnv("VISION_API_KEY", ""),
			Model:    getEnv("VISION_MODEL", "gpt-4o-mini"),
			MinConf:  getEnvFloat("DETECTION_MIN_CONF", 0.35),
			TimeoutS: getEnvInt("VISION_TIMEOUT_SEC", 30),
		},
		Overlay: OverlayConfig{
			PreviewDetector: getEnv("PREVIEW_DETECTOR", "tfjs"),
			PreviewFPS:      getEnvInt("PREVIEW_FPS", 3),
			EMAAlpha:        getEnvFloat("EMA_ALPHA", 0.5),
			ServerMatchIoU:  getEnvFloat("SERVER_MATCH_IOU", 0.5),
			PruneFrames:     getEnvInt("PREVIEW_PRUNE_FRAMES", 15),
		},
		Capture: CaptureConfig{
			ChunkMS:        getEnvInt("CHUNK_MS", 500),
			QueueThreshold: getEnvInt("QUEUE_THRESHOLD", 5),
		},
		Log: LogConfig{
			File:  getEnv("LOG_FILE", ""),
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the overlay and ingest path cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Ingest.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("INGEST_MAX_BYTES must be positive, got %d", c.Ingest.MaxBytes))
	}
	if c.Ingest.DetectorWorkers <= 0 {
		errs = append(errs, fmt.Errorf("DETECTOR_WORKERS must be positive, got %d", c.Ingest.DetectorWorkers))
	}
	if c.Overlay.EMAAlpha <= 0 || c.Overlay.EMAAlpha > 1 {
		errs = append(errs, fmt.Errorf("EMA_ALPHA must be in (0,1], got %g", c.Overlay.EMAAlpha))
	}
	if c.Overlay.ServerMatchIoU <= 0 || c.Overlay.ServerMatchIoU > 1 {
		errs = append(errs, fmt.Errorf("SERVER_MATCH_IOU must be in (0,1], got %g", c.Overlay.ServerMatchIoU))
	}
	if c.Overlay.PruneFrames <= 0 {
		errs = append(errs, fmt.Errorf("PREVIEW_PRUNE_FRAMES must be positive, got %d", c.Overlay.PruneFrames))
	}
	if c.Capture.ChunkMS <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_MS must be positive, got %d", c.Capture.ChunkMS))
	}
	if c.Capture.QueueThreshold < 0 {
		errs = append(errs, fmt.Errorf("QUEUE_THRESHOLD must not be negative, got %d", c.Capture.QueueThreshold))
	}
	switch c.Detector.Kind {
	case "stub", "vision":
	default:
		errs = append(errs, fmt.Errorf("DETECTOR_KIND must be stub or vision, got %q", c.Detector.Kind))
	}
	return errors.Join(errs...)
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
