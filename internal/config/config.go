// Package config loads service settings once at startup from the
// environment, an optional .env file and an optional YAML thresholds file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/photo-check/internal/face"
	"github.com/example/photo-check/internal/hand"
	"github.com/example/photo-check/internal/quality"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds the whole service configuration.
type Config struct {
	Server     ServerConfig
	Vision     VisionConfig
	Moderation ModerationConfig
	Redis      RedisConfig
	Audit      AuditConfig
	Thresholds Thresholds
}

type ServerConfig struct {
	Addr            string
	LogLevel        string
	ShutdownTimeout time.Duration
}

// VisionConfig locates the face and hand detector backends.
type VisionConfig struct {
	SidecarAddr      string
	FaceCascadePath  string
	HandSkinFallback bool
	LenientFace      bool
}

type ModerationConfig struct {
	Enabled       bool
	Provider      string
	Model         string
	Timeout       time.Duration
	OpenAIKey     string
	OpenAIBaseURL string
	GeminiKey     string
	CacheTTL      time.Duration
}

// APIKey returns the key for the selected provider.
func (m ModerationConfig) APIKey() string {
	if m.Provider == ProviderGemini {
		return m.GeminiKey
	}
	return m.OpenAIKey
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuditConfig struct {
	DatabaseDSN string
}

// Thresholds are the calibrated detector settings; they may come from THRESHOLDS_FILE.
type Thresholds struct {
	Quality quality.Thresholds `yaml:"quality"`
	Face    face.Config        `yaml:"face"`
	Hand    hand.Config        `yaml:"hand"`
}

func defaultThresholds() Thresholds {
	return Thresholds{
		Quality: quality.DefaultThresholds(),
		Face:    face.DefaultConfig(),
		Hand:    hand.DefaultConfig(),
	}
}

// Load reads .env (if present), then THRESHOLDS_FILE (if set), then
// environment variables. Later sources win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	th := defaultThresholds()
	if path := os.Getenv("THRESHOLDS_FILE"); path != "" {
		if err := loadThresholds(path, &th); err != nil {
			return nil, err
		}
	}

	env := &envReader{}
	provider := strings.ToLower(getEnv("MODERATION_PROVIDER", ProviderOpenAI))
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			ShutdownTimeout: env.durationVar("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Vision: VisionConfig{
			SidecarAddr:      os.Getenv("VISION_SIDECAR_ADDR"),
			FaceCascadePath:  os.Getenv("FACE_CASCADE_PATH"),
			HandSkinFallback: env.boolVar("HAND_SKIN_FALLBACK", true),
			LenientFace:      env.boolVar("LENIENT_FACE_CHECK", false),
		},
		Moderation: ModerationConfig{
			Enabled:       env.boolVar("MODERATION_ENABLED", true),
			Provider:      provider,
			Model:         getEnv("MODERATION_MODEL", defaultModel(provider)),
			Timeout:       env.durationVar("MODERATION_TIMEOUT", 15*time.Second),
			OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
			GeminiKey:     os.Getenv("GEMINI_API_KEY"),
			CacheTTL:      env.durationVar("MODERATION_CACHE_TTL", 24*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       env.intVar("REDIS_DB", 0),
		},
		Audit: AuditConfig{
			DatabaseDSN: os.Getenv("AUDIT_DATABASE_DSN"),
		},
	}

	th.Quality.MinResolution = env.intVar("MIN_RESOLUTION", th.Quality.MinResolution)
	th.Quality.BlurThreshold = env.floatVar("BLUR_THRESHOLD", th.Quality.BlurThreshold)
	th.Quality.BrightnessMin = env.floatVar("BRIGHTNESS_MIN", th.Quality.BrightnessMin)
	th.Quality.BrightnessMax = env.floatVar("BRIGHTNESS_MAX", th.Quality.BrightnessMax)
	th.Quality.ContrastMin = env.floatVar("CONTRAST_MIN", th.Quality.ContrastMin)
	th.Face.MinConfidence = env.floatVar("FACE_MIN_CONFIDENCE", th.Face.MinConfidence)
	th.Face.MinFaceSize = env.intVar("FACE_MIN_SIZE", th.Face.MinFaceSize)
	th.Hand.Margin = env.floatVar("HAND_PROXIMITY_MARGIN", th.Hand.Margin)
	th.Hand.MinSkinAreaRatio = env.floatVar("HAND_MIN_SKIN_AREA", th.Hand.MinSkinAreaRatio)
	cfg.Thresholds = th

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Moderation.Provider != ProviderOpenAI && c.Moderation.Provider != ProviderGemini {
		errs = append(errs, fmt.Errorf("MODERATION_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderGemini, c.Moderation.Provider))
	}
	if c.Moderation.Timeout <= 0 {
		errs = append(errs, errors.New("MODERATION_TIMEOUT must be positive"))
	}
	q := c.Thresholds.Quality
	if q.BrightnessMin >= q.BrightnessMax {
		errs = append(errs, fmt.Errorf("brightness band is empty: %.1f..%.1f", q.BrightnessMin, q.BrightnessMax))
	}
	if q.MinResolution < 0 || q.BlurThreshold < 0 || q.BrightnessMin < 0 || q.ContrastMin < 0 {
		errs = append(errs, errors.New("quality thresholds must not be negative"))
	}
	if c.Thresholds.Hand.Margin < 0 {
		errs = append(errs, errors.New("HAND_PROXIMITY_MARGIN must not be negative"))
	}
	return errors.Join(errs...)
}

func defaultModel(provider string) string {
	if provider == ProviderGemini {
		return "gemini-1.5-flash"
	}
	return "gpt-4o-mini"
}

func loadThresholds(path string, th *Thresholds) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read thresholds file: %w", err)
	}
	if err := yaml.Unmarshal(data, th); err != nil {
		return fmt.Errorf("parse thresholds file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envReader parses typed variables and collects every parse error.
type envReader struct {
	errs []error
}

func (r *envReader) err() error { return errors.Join(r.errs...) }

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) intVar(key string, fallback int) int {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (r *envReader) floatVar(key string, fallback float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func (r *envReader) boolVar(key string, fallback bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func (r *envReader) durationVar(key string, fallback time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
