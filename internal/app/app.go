package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/joelkehle/foodguide-autopost/internal/autopost"
	"github.com/joelkehle/foodguide-autopost/internal/config"
	"github.com/joelkehle/foodguide-autopost/internal/imagegen"
	"github.com/joelkehle/foodguide-autopost/internal/logger"
	"github.com/joelkehle/foodguide-autopost/internal/notify"
	"github.com/joelkehle/foodguide-autopost/internal/objectstore"
	"github.com/joelkehle/foodguide-autopost/internal/store"
)

// App holds the wired pipeline shared by the server and the CLI.
type App struct {
	Cfg          config.Config
	Log          *logger.Logger
	Store        *store.Store
	Orchestrator *autopost.Orchestrator

	closers []func() error
}

func New(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, autopost.ConfigError(fmt.Errorf("open store: %w", err))
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	caller, err := autopost.NewAnthropicCaller(autopost.AnthropicConfig{
		APIKey:      cfg.AnthropicAPIKey,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	// The reviewer scores deterministically; only the writer is creative.
	reviewer, err := autopost.NewAnthropicCaller(autopost.AnthropicConfig{
		APIKey:    cfg.AnthropicAPIKey,
		Model:     cfg.LLMModel,
		MaxTokens: 1024,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	fallback, err := a.wireFallback(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	orch, err := autopost.NewOrchestrator(autopost.Deps{
		Source:        st,
		Store:         st,
		Writer:        caller,
		Reviewer:      reviewer,
		Fallback:      fallback,
		Notifier:      a.wireNotifier(),
		Calendar:      cfg.Calendar,
		Markets:       cfg.Markets,
		DefaultMarket: cfg.DefaultMarket,
		Log:           log,
	}, autopost.Config{
		MaxAttempts:    cfg.MaxAttempts,
		ScoreThreshold: cfg.ScoreThreshold,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Orchestrator = orch
	calVersion := "embedded"
	if cfg.Calendar != nil {
		calVersion = cfg.Calendar.Version
	}
	log.Info("autopost wired",
		"markets", len(cfg.Markets),
		"default_market", cfg.DefaultMarket,
		"model", caller.ModelName(),
		"fallback_images", fallback != nil,
		"calendar", calVersion,
	)
	return a, nil
}

// wireFallback returns nil when image generation or storage is not
// configured; runs then publish without a generated cover.
func (a *App) wireFallback(ctx context.Context) (*autopost.FallbackImageGenerator, error) {
	cfg := a.Cfg
	if cfg.OpenAIAPIKey == "" || cfg.GCSBucket == "" {
		a.Log.Warn("fallback cover generation disabled", "openai_configured", cfg.OpenAIAPIKey != "", "bucket_configured", cfg.GCSBucket != "")
		return nil, nil
	}
	images, err := imagegen.NewOpenAI(imagegen.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.ImageModel,
		Size:    cfg.ImageSize,
	})
	if err != nil {
		return nil, autopost.ConfigError(err)
	}
	bucket, err := objectstore.New(ctx, objectstore.Config{
		Bucket:       cfg.GCSBucket,
		CDNDomain:    cfg.CDNDomain,
		EmulatorHost: cfg.GCSEmulatorHost,
		Credentials:  cfg.GCSCredentials,
	}, a.Log)
	if err != nil {
		return nil, autopost.ConfigError(err)
	}
	a.closers = append(a.closers, bucket.Close)
	return autopost.NewFallbackImageGenerator(images, bucket, a.Log), nil
}

func (a *App) wireNotifier() autopost.Notifier {
	cfg := a.Cfg
	if cfg.SendGridAPIKey == "" {
		a.Log.Warn("SENDGRID_API_KEY not set; operator notices go to the log only")
		return notify.NewLogNotifier(a.Log)
	}
	sg, err := notify.NewSendGrid(notify.Config{
		APIKey:     cfg.SendGridAPIKey,
		FromEmail:  cfg.SendGridFromEmail,
		FromName:   cfg.SendGridFromName,
		MaxRetries: 2,
	}, a.Log)
	if err != nil {
		a.Log.Warn("sendgrid disabled", "error", err.Error())
		return notify.NewLogNotifier(a.Log)
	}
	return notify.NewEmailNotifier(sg, a.Log)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
