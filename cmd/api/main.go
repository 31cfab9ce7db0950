package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpadapter "github.com/kirillkom/energy-data-assistant/internal/adapters/http"
	"github.com/kirillkom/energy-data-assistant/internal/bootstrap"
	"github.com/kirillkom/energy-data-assistant/internal/config"
	"github.com/kirillkom/energy-data-assistant/internal/core/ports"
	"github.com/kirillkom/energy-data-assistant/internal/observability/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.NewJSONLogger("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, config.RoleAPI, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	var jobs ports.JobSubmitter
	if app.DelegateUC != nil {
		jobs = app.DelegateUC
	}
	router := httpadapter.NewRouter(app.AnswerUC, jobs, app.HTTPMetrics, logger, httpadapter.Options{
		ServiceName:      "api",
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
		MaxInFlight:      cfg.MaxInFlight,
		BackpressureWait: cfg.BackpressureWait,
	}).Handler()

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.AnswerTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
