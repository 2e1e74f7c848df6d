package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/joelkehle/foodguide-autopost/internal/autopost"
)

// Config captures runtime configuration for the autopost services.
type Config struct {
	ListenAddr  string
	LogMode     string
	DatabaseURL string

	AnthropicAPIKey string
	LLMModel        string
	LLMTemperature  float64

	OpenAIAPIKey  string
	OpenAIBaseURL string
	ImageModel    string
	ImageSize     string

	GCSBucket       string
	CDNDomain       string
	GCSCredentials  string
	GCSEmulatorHost string

	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	OperatorEmail     string

	TriggerSecret string
	AllowInternal bool
	RunTimeout    time.Duration

	MaxAttempts    int
	ScoreThreshold int

	MarketsFile  string
	CalendarFile string
	Markets      []autopost.Market
	// DefaultMarket is used when a trigger names no market.
	DefaultMarket string
	Calendar      *autopost.Calendar

	OTLPEndpoint string
	TracesStdout bool
}

// FromEnv loads .env (if present) and builds a Config from the environment.
// Missing credentials the pipeline cannot run without are a config error.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:        getEnv("AUTOPOST_LISTEN_ADDR", ":8080"),
		LogMode:           getEnv("LOG_MODE", "dev"),
		DatabaseURL:       getEnv("DATABASE_URL", "sqlite:autopost.db"),
		AnthropicAPIKey:   strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		LLMModel:          getEnv("AUTOPOST_LLM_MODEL", autopost.DefaultLLMModel),
		LLMTemperature:    0.7,
		OpenAIAPIKey:      strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:     strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		ImageModel:        getEnv("AUTOPOST_IMAGE_MODEL", "dall-e-3"),
		ImageSize:         getEnv("AUTOPOST_IMAGE_SIZE", "1792x1024"),
		GCSBucket:         strings.TrimSpace(os.Getenv("AUTOPOST_GCS_BUCKET")),
		CDNDomain:         strings.TrimSpace(os.Getenv("AUTOPOST_CDN_DOMAIN")),
		GCSCredentials:    getEnv("GOOGLE_APPLICATION_CREDENTIALS_JSON", os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		GCSEmulatorHost:   strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")),
		SendGridAPIKey:    strings.TrimSpace(os.Getenv("SENDGRID_API_KEY")),
		SendGridFromEmail: strings.TrimSpace(os.Getenv("SENDGRID_FROM_EMAIL")),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Food Guide Autopost"),
		OperatorEmail:     strings.TrimSpace(os.Getenv("AUTOPOST_OPERATOR_EMAIL")),
		TriggerSecret:     strings.TrimSpace(os.Getenv("AUTOPOST_TRIGGER_SECRET")),
		AllowInternal:     isTrue(os.Getenv("AUTOPOST_ALLOW_INTERNAL")),
		RunTimeout:        10 * time.Minute,
		MaxAttempts:       autopost.DefaultMaxAttempts,
		ScoreThreshold:    autopost.DefaultScoreThreshold,
		MarketsFile:       strings.TrimSpace(os.Getenv("AUTOPOST_MARKETS_FILE")),
		CalendarFile:      strings.TrimSpace(os.Getenv("AUTOPOST_CALENDAR_FILE")),
		DefaultMarket:     strings.TrimSpace(os.Getenv("AUTOPOST_DEFAULT_MARKET")),
		OTLPEndpoint:      strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		TracesStdout:      isTrue(os.Getenv("OTEL_TRACES_STDOUT")),
	}

	if cfg.AnthropicAPIKey == "" {
		return Config{}, autopost.ConfigError(errors.New("missing required env var ANTHROPIC_API_KEY"))
	}
	if v := os.Getenv("AUTOPOST_LLM_TEMPERATURE"); v != "" {
		if _, err := fmt.Sscanf(v, "%f", &cfg.LLMTemperature); err != nil {
			return Config{}, autopost.ConfigError(fmt.Errorf("parse AUTOPOST_LLM_TEMPERATURE: %w", err))
		}
	}
	if v := os.Getenv("AUTOPOST_MAX_ATTEMPTS"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &cfg.MaxAttempts); err != nil || cfg.MaxAttempts < 1 {
			return Config{}, autopost.ConfigError(fmt.Errorf("parse AUTOPOST_MAX_ATTEMPTS: want a positive integer, got %q", v))
		}
	}
	if v := os.Getenv("AUTOPOST_SCORE_THRESHOLD"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &cfg.ScoreThreshold); err != nil || cfg.ScoreThreshold < 1 || cfg.ScoreThreshold > 10 {
			return Config{}, autopost.ConfigError(fmt.Errorf("parse AUTOPOST_SCORE_THRESHOLD: want 1-10, got %q", v))
		}
	}
	if v := os.Getenv("AUTOPOST_RUN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, autopost.ConfigError(fmt.Errorf("parse AUTOPOST_RUN_TIMEOUT: %q", v))
		}
		cfg.RunTimeout = d
	}

	markets, err := loadMarkets(cfg.MarketsFile)
	if err != nil {
		return Config{}, autopost.ConfigError(err)
	}
	for i := range markets {
		if markets[i].OperatorEmail == "" {
			markets[i].OperatorEmail = cfg.OperatorEmail
		}
	}
	cfg.Markets = markets
	if cfg.DefaultMarket == "" {
		cfg.DefaultMarket = markets[0].ID
	}

	cal := autopost.DefaultCalendar()
	if cfg.CalendarFile != "" {
		cal, err = autopost.LoadCalendar(cfg.CalendarFile)
		if err != nil {
			return Config{}, autopost.ConfigError(err)
		}
	}
	cfg.Calendar = cal

	return cfg, nil
}

type marketsFile struct {
	Markets []autopost.Market `yaml:"markets"`
}

// loadMarkets reads the YAML market list. With no file the single market
// is described by AUTOPOST_MARKET_* variables.
func loadMarkets(path string) ([]autopost.Market, error) {
	if path == "" {
		m := autopost.Market{
			ID:          getEnv("AUTOPOST_MARKET_ID", "cumberland"),
			Name:        getEnv("AUTOPOST_MARKET_NAME", "Cumberland"),
			Region:      getEnv("AUTOPOST_MARKET_REGION", "Allegany County, MD"),
			Timezone:    getEnv("AUTOPOST_MARKET_TIMEZONE", "America/New_York"),
			PublishTime: getEnv("AUTOPOST_PUBLISH_TIME", "09:00"),
			SiteURL:     strings.TrimSpace(os.Getenv("AUTOPOST_SITE_URL")),
			AdminURL:    strings.TrimSpace(os.Getenv("AUTOPOST_ADMIN_URL")),
		}
		if err := validateMarket(m); err != nil {
			return nil, err
		}
		return []autopost.Market{m}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	var f marketsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode markets file: %w", err)
	}
	if len(f.Markets) == 0 {
		return nil, fmt.Errorf("markets file %s lists no markets", path)
	}
	seen := map[string]bool{}
	for i, m := range f.Markets {
		if m.PublishTime == "" {
			f.Markets[i].PublishTime = "09:00"
			m.PublishTime = "09:00"
		}
		if err := validateMarket(m); err != nil {
			return nil, err
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate market id %q", m.ID)
		}
		seen[m.ID] = true
	}
	return f.Markets, nil
}

func validateMarket(m autopost.Market) error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("market id is required")
	}
	if _, err := time.LoadLocation(m.Timezone); err != nil || m.Timezone == "" {
		return fmt.Errorf("market %s: invalid timezone %q", m.ID, m.Timezone)
	}
	if _, err := time.Parse("15:04", m.PublishTime); err != nil {
		return fmt.Errorf("market %s: invalid publish_time %q", m.ID, m.PublishTime)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
