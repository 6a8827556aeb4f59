package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultSafetyPositivePrompt = "safe for work, fully clothed, family friendly, wholesome"
	DefaultSafetyNegativePrompt = "nsfw, nudity, naked, nude, sexual, explicit, erotic, gore, blood, violence, disturbing"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv   string
	Port     string
	BotToken string

	FooocusBaseURL       string
	SafetyPositivePrompt string
	SafetyNegativePrompt string
	PerformanceSelection string
	AspectRatio          string
	StyleSelections      []string
	Sharpness            float64
	GuidanceScale        float64

	PollInterval  time.Duration
	JobTimeout    time.Duration
	SyncTimeout   time.Duration
	MaxImageCount int

	DatabaseURL         string
	StoragePath         string
	HealthCheckSchedule string
	AllowedOrigins      []string
	GenerationRateLimit int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// A .env file in the working directory is honoured when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:               getEnv("APP_ENV", "development"),
		Port:                 getEnv("PORT", "8080"),
		BotToken:             strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		FooocusBaseURL:       getEnv("FOOOCUS_BASE_URL", fmt.Sprintf("http://%s:%s", getEnv("FOOOCUS_IP", "127.0.0.1"), getEnv("FOOOCUS_PORT", "8888"))),
		SafetyPositivePrompt: getEnv("SAFETY_POSITIVE_PROMPT", DefaultSafetyPositivePrompt),
		SafetyNegativePrompt: getEnv("SAFETY_NEGATIVE_PROMPT", DefaultSafetyNegativePrompt),
		PerformanceSelection: getEnv("PERFORMANCE_SELECTION", "Speed"),
		AspectRatio:          getEnv("ASPECT_RATIO", "1152*896"),
		StyleSelections:      getEnvList("STYLE_SELECTIONS"),
		Sharpness:            getEnvFloat("SHARPNESS", 2.0),
		GuidanceScale:        getEnvFloat("GUIDANCE_SCALE", 4.0),
		PollInterval:         time.Millisecond * time.Duration(getEnvInt("POLL_INTERVAL_MS", 1000)),
		JobTimeout:           time.Second * time.Duration(getEnvInt("JOB_TIMEOUT_SECONDS", 600)),
		SyncTimeout:          time.Second * time.Duration(getEnvInt("SYNC_TIMEOUT_SECONDS", 300)),
		MaxImageCount:        getEnvInt("MAX_IMAGE_COUNT", 10),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		StoragePath:          strings.TrimSpace(os.Getenv("STORAGE_PATH")),
		HealthCheckSchedule:  getEnv("HEALTH_CHECK_SCHEDULE", "@every 1m"),
		AllowedOrigins:       getEnvList("ALLOWED_ORIGINS"),
		GenerationRateLimit:  getEnvInt("GENERATION_RATE_LIMIT_PER_MINUTE", 0),
		HTTPReadTimeout:      time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:     time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:      time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	parsed, err := url.Parse(cfg.FooocusBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("FOOOCUS_BASE_URL %q is not an absolute url", cfg.FooocusBaseURL)
	}
	cfg.FooocusBaseURL = strings.TrimRight(cfg.FooocusBaseURL, "/")

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if cfg.JobTimeout < 0 {
		return nil, fmt.Errorf("JOB_TIMEOUT_SECONDS must not be negative")
	}
	if cfg.GenerationRateLimit < 0 {
		return nil, fmt.Errorf("GENERATION_RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if cfg.MaxImageCount < 1 || cfg.MaxImageCount > 10 {
		return nil, fmt.Errorf("MAX_IMAGE_COUNT must be between 1 and 10")
	}

	return cfg, nil
}

// RequireBotToken is checked by the Telegram worker only; the API runs without one.
func (c *Config) RequireBotToken() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
