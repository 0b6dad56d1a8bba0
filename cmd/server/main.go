// Command server runs the recurring-donation engine: the HTTP API for
// agreement commands, the cron-driven due-cycle sweep, and the payment
// gateway adapter selected by configuration.
//
// @title           Donation Engine API
// @version         1.0
// @description     Recurring donation agreements, due-cycle sweeps, and donation history.
// @BasePath        /api/v1
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

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/giveflow/go-donation-backend/internal/config"
	"github.com/giveflow/go-donation-backend/internal/domain"
	"github.com/giveflow/go-donation-backend/internal/events"
	"github.com/giveflow/go-donation-backend/internal/gateway"
	"github.com/giveflow/go-donation-backend/internal/gateway/mockpay"
	"github.com/giveflow/go-donation-backend/internal/gateway/restpay"
	httpapi "github.com/giveflow/go-donation-backend/internal/http"
	"github.com/giveflow/go-donation-backend/internal/observability"
	"github.com/giveflow/go-donation-backend/internal/repo"
	"github.com/giveflow/go-donation-backend/internal/scheduler"
	"github.com/giveflow/go-donation-backend/internal/sweep"
	"github.com/giveflow/go-donation-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx := context.Background()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open agreement store failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate agreement store failed")
	}

	gw, err := buildGateway(cfg.Gateway)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.Gateway.Provider).Msg("gateway setup failed")
	}

	sink := events.NewAsyncSink(
		events.LogSink{Logger: log.With().Str("component", "events").Logger()},
		cfg.EventBuffer,
		log.With().Str("component", "events").Logger(),
	)

	processor := &sweep.Processor{
		DB:      db,
		Gateway: gw,
		Events:  sink,
		Retry: domain.RetryPolicy{
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			MaxRetries: cfg.Retry.MaxRetries,
			MaxJitter:  cfg.Retry.MaxJitter,
		},
		Concurrency:    cfg.Sweep.Concurrency,
		CaptureTimeout: cfg.Sweep.CaptureTimeout,
		BatchLimit:     cfg.Sweep.BatchLimit,
		Logger:         log.With().Str("component", "sweep").Logger(),
	}

	sched := scheduler.NewSweepScheduler(
		processor,
		cfg.Sweep.Cron,
		cfg.Sweep.RunTimeout,
		log.With().Str("component", "scheduler").Logger(),
	)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Str("cron", cfg.Sweep.Cron).Msg("scheduler start failed")
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	httpapi.RegisterRoutes(r, db, processor, cfg)
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	// Stop taking scheduled work first, then drain HTTP, then flush events.
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	sink.Close()

	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}

	log.Info().Msg("stopped")
}

// buildGateway selects the capture adapter from configuration.
func buildGateway(cfg config.GatewayConfig) (gateway.Client, error) {
	switch cfg.Provider {
	case "mock":
		return &mockpay.Client{}, nil
	case "rest":
		return restpay.NewClient(restpay.Config{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}
}
