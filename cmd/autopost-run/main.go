package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joelkehle/foodguide-autopost/internal/app"
	"github.com/joelkehle/foodguide-autopost/internal/autopost"
	"github.com/joelkehle/foodguide-autopost/internal/config"
	"github.com/joelkehle/foodguide-autopost/internal/logger"
	"github.com/joelkehle/foodguide-autopost/internal/observability"
)

func main() {
	market := flag.String("market", "", "market id (defaults to the configured default market)")
	seed := flag.String("seed", "", "YAML seed file to load before running")
	nowFlag := flag.String("now", "", "RFC 3339 clock override for backfills")
	jsonOut := flag.Bool("json", false, "print the run result as JSON")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	req := autopost.RunRequest{MarketID: *market}
	if *nowFlag != "" {
		now, err := time.Parse(time.RFC3339, *nowFlag)
		if err != nil {
			log.Fatalf("invalid -now: %v", err)
		}
		req.Now = now
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.Setup(ctx, lg, observability.Config{
		ServiceName: "autopost-run",
		Endpoint:    cfg.OTLPEndpoint,
		Stdout:      cfg.TracesStdout,
	})
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	if *seed != "" {
		if err := a.Store.LoadSeed(ctx, *seed); err != nil {
			log.Fatalf("load seed: %v", err)
		}
	}

	res, err := a.Orchestrator.RunWithProgress(ctx, req, func(state autopost.RunState, msg string) {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", state, msg)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		a.Close()
		os.Exit(1)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}
	switch {
	case res.Skipped:
		fmt.Printf("skipped: %s already has a post for this window (%s)\n", res.Record.Market, res.Record.Slug)
	case res.Record.Status == autopost.StatusScheduled:
		fmt.Printf("scheduled %q as /%s for %s after %d attempt(s)\n", res.Record.Document.Title, res.Record.Slug, res.Record.ScheduledFor.Format(time.RFC3339), res.Record.Attempts)
	default:
		fmt.Printf("held %q as draft /%s after %d attempt(s): %s\n", res.Record.Document.Title, res.Record.Slug, res.Record.Attempts, res.Record.FailureReason)
	}
}
