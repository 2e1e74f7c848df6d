package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joelkehle/foodguide-autopost/internal/app"
	"github.com/joelkehle/foodguide-autopost/internal/config"
	"github.com/joelkehle/foodguide-autopost/internal/httpapi"
	"github.com/joelkehle/foodguide-autopost/internal/logger"
	"github.com/joelkehle/foodguide-autopost/internal/observability"
)

var version = "dev"

func main() {
	addrFlag := flag.String("addr", "", "listen address (overrides AUTOPOST_LISTEN_ADDR)")
	seedFlag := flag.String("seed", "", "YAML seed file to load into the store before serving")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	if *addrFlag != "" {
		cfg.ListenAddr = *addrFlag
	}
	if port := os.Getenv("PORT"); port != "" && *addrFlag == "" {
		cfg.ListenAddr = ":" + port
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()
	if cfg.LogMode == "prod" || cfg.LogMode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.Setup(ctx, lg, observability.Config{
		ServiceName: "autopost-server",
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
		Stdout:      cfg.TracesStdout,
	})
	if err != nil {
		lg.Fatal("init tracing", "error", err)
	}

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("wire autopost", "error", err)
	}
	defer a.Close()

	if *seedFlag != "" {
		if err := a.Store.LoadSeed(ctx, *seedFlag); err != nil {
			lg.Fatal("load seed", "path", *seedFlag, "error", err)
		}
		lg.Info("seed loaded", "path", *seedFlag)
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.NewServer(a.Orchestrator, httpapi.Config{
			TriggerSecret: cfg.TriggerSecret,
			AllowInternal: cfg.AllowInternal,
			RunTimeout:    cfg.RunTimeout,
			DefaultMarket: cfg.DefaultMarket,
			Failures:      a.Store,
			ServiceName:   "autopost-server",
		}, lg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		lg.Info("autopost-server listening", "addr", cfg.ListenAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("http server stopped", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		lg.Warn("tracing shutdown", "error", err)
	}
}
