package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Logging
	AppEnv   string
	LogLevel string

	// Database
	DatabaseURL string

	// Redis (task queue and job events)
	RedisURL string

	// Artifact storage: "supabase" or "s3"
	StorageBackend string

	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	S3Endpoint        string // Empty for AWS; set for R2/MinIO
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PublicURL       string

	// Gemini / Veo (video generation, extension and face analysis)
	GeminiKey    string
	GeminiModel  string
	VeoModel     string
	VeoFastModel string

	// OpenAI (prompt enhancement)
	OpenAIKey   string
	OpenAIModel string

	// Worker
	VideoConcurrency   int
	FaceConcurrency    int
	DefaultConcurrency int
	QueueMaxDepth      int
	JobMaxRetries      int
	PollInterval       time.Duration
	PollMaxWait        time.Duration
	StaleJobAfter      time.Duration
	ReconcileInterval  time.Duration

	// Media assembly
	MediaWorkDir string
	FFmpegPath   string
	FFprobePath  string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		AppEnv:                getEnv("APP_ENV", "production"),
		LogLevel:              getEnv("LOG_LEVEL", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		StorageBackend:        getEnv("STORAGE_BACKEND", "supabase"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "reelforge-videos"),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3Region:              getEnv("S3_REGION", "auto"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3AccessKeyID:         getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:     getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3PublicURL:           getEnv("S3_PUBLIC_URL", ""),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		GeminiModel:           getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		VeoFastModel:          getEnv("VEO_FAST_MODEL", "veo-3.1-fast-generate-preview"),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-5-mini"),
		VideoConcurrency:      getEnvInt("VIDEO_CONCURRENCY", 2),
		FaceConcurrency:       getEnvInt("FACE_CONCURRENCY", 4),
		DefaultConcurrency:    getEnvInt("DEFAULT_CONCURRENCY", 4),
		QueueMaxDepth:         getEnvInt("QUEUE_MAX_DEPTH", 500),
		JobMaxRetries:         getEnvInt("JOB_MAX_RETRIES", 3),
		PollInterval:          getEnvDuration("POLL_INTERVAL", 10*time.Second),
		PollMaxWait:           getEnvDuration("POLL_MAX_WAIT", 360*time.Second),
		StaleJobAfter:         getEnvDuration("STALE_JOB_AFTER", time.Hour),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		MediaWorkDir:          getEnv("MEDIA_WORK_DIR", os.TempDir()),
		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings. Provider keys are only needed when this
// process runs workers.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.PollInterval <= 0 || c.PollMaxWait < c.PollInterval {
		return fmt.Errorf("POLL_MAX_WAIT (%v) must be at least POLL_INTERVAL (%v)", c.PollMaxWait, c.PollInterval)
	}

	if c.StaleJobAfter > 0 && c.StaleJobAfter <= c.PollMaxWait {
		return fmt.Errorf("STALE_JOB_AFTER (%v) must exceed POLL_MAX_WAIT (%v)", c.StaleJobAfter, c.PollMaxWait)
	}

	if c.VideoConcurrency < 1 || c.FaceConcurrency < 1 || c.DefaultConcurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1")
	}

	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	case "s3":
		if c.S3Bucket == "" || c.S3AccessKeyID == "" || c.S3SecretAccessKey == "" {
			return fmt.Errorf("S3_BUCKET, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	if c.WorkerEnabled {
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when the worker is enabled")
		}
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when the worker is enabled")
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
