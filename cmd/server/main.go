package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osvaldoandrade/historia/internal/providers"
	"github.com/osvaldoandrade/historia/pkg/app"
	"github.com/osvaldoandrade/historia/pkg/config"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfgPath := getenv("HISTORIA_CONFIG_PATH", "")

	cfg, err := config.LoadConfigOptional(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] invalid config:", err)
		os.Exit(1)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] init app:", err)
		os.Exit(1)
	}
	if application.Redis != nil {
		if err := providers.PingRedis(context.Background(), application.Redis, 3*time.Second); err != nil {
			application.Logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "err", err)
		}
	}
	app.SetupMappings(application)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           application.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		application.Logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, "[ERROR] http server:", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// Open research streams hand off to polling once the budget runs out, so
	// the grace period covers one full stream budget.
	grace := time.Duration(cfg.StreamBudgetSeconds+5) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	_ = srv.Shutdown(ctx)

	// Pending completion callbacks are drained before the store closes.
	if err := application.Close(); err != nil {
		application.Logger.Warn("close store", "err", err)
	}

	// Best-effort flush of trace exporter (if enabled).
	if application.TracingShutdown != nil {
		_ = application.TracingShutdown(ctx)
	}
}
