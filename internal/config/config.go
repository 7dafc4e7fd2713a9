package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"serialdispatch/internal/log"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds all runtime settings for the dispatch core, read from the
// environment at startup. Field names mirror the table in spec.md section 6.
type Config struct {
	QueueBackendURL string
	WorkerID        string

	MaxRetries             int
	LeaseTTL               time.Duration
	DispatcherScanInterval time.Duration
	BaseBackoff            time.Duration
	MaxBackoff             time.Duration

	MinTypingSpeed       float64
	MaxTypingSpeed       float64
	RandomOffsetMin      time.Duration
	RandomOffsetMax      time.Duration
	MaxDelay             time.Duration
	TypingInterval       time.Duration
	TypingPulseThreshold time.Duration
	TransportTimeout     time.Duration

	WALDir           string
	WALRetention     time.Duration
	WALCleanupPeriod time.Duration

	AdminAddr   string
	MetricsAddr string
	JWTSecret   string
}

func Load() (*Config, error) {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Log error but continue, as .env file is optional if variables are set elsewhere
		logger := log.NewLogger()
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	logger := log.NewLogger()
	cfg := &Config{
		QueueBackendURL: os.Getenv("QUEUE_BACKEND_URL"),
		WorkerID:        os.Getenv("WORKER_ID"),

		MaxRetries:             envInt("MAX_RETRIES", 3),
		LeaseTTL:               envFloatSeconds("LEASE_TTL_SECONDS", 30*time.Second),
		DispatcherScanInterval: envFloatSeconds("DISPATCHER_SCAN_INTERVAL", 100*time.Millisecond),
		BaseBackoff:            envFloatSeconds("BASE_BACKOFF_SECONDS", time.Second),
		MaxBackoff:             envFloatSeconds("MAX_BACKOFF_SECONDS", 30*time.Second),

		MinTypingSpeed:       envFloat("MIN_TYPING_SPEED", 10),
		MaxTypingSpeed:       envFloat("MAX_TYPING_SPEED", 30),
		RandomOffsetMin:      envFloatSeconds("RANDOM_OFFSET_MIN", 100*time.Millisecond),
		RandomOffsetMax:      envFloatSeconds("RANDOM_OFFSET_MAX", 500*time.Millisecond),
		MaxDelay:             envFloatSeconds("MAX_DELAY", 5*time.Second),
		TypingInterval:       envFloatSeconds("TYPING_INTERVAL", 3*time.Second),
		TypingPulseThreshold: envFloatSeconds("TYPING_PULSE_THRESHOLD", 700*time.Millisecond),
		TransportTimeout:     envFloatSeconds("TRANSPORT_TIMEOUT", 10*time.Second),

		WALDir:           os.Getenv("WAL_DIR"),
		WALRetention:     envFloatSeconds("WAL_RETENTION_SECONDS", 24*time.Hour),
		WALCleanupPeriod: envFloatSeconds("WAL_CLEANUP_INTERVAL_SECONDS", time.Hour),

		AdminAddr:   envOr("ADMIN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":2112"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
	}

	if cfg.QueueBackendURL == "" {
		logger.Error("QUEUE_BACKEND_URL is required")
		return nil, fmt.Errorf("QUEUE_BACKEND_URL is required")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
		logger.Info("Using generated WorkerID", zap.String("worker_id", cfg.WorkerID))
	}
	if cfg.WALDir == "" {
		cfg.WALDir = os.TempDir() + "/serialdispatch-wal"
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, admin server mutating routes are unauthenticated")
	}

	minWorkUnit := cfg.MaxDelay + cfg.TransportTimeout
	if cfg.LeaseTTL <= minWorkUnit {
		logger.Warn("LEASE_TTL_SECONDS is not comfortably larger than MaxDelay+TransportTimeout; renewal cadence must cover this",
			zap.Duration("lease_ttl", cfg.LeaseTTL), zap.Duration("max_delay_plus_timeout", minWorkUnit))
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envFloatSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return time.Duration(f * float64(time.Second))
}
