package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/domain/bar"
	"github.com/ehr/hl7bridge/internal/domain/convert"
	"github.com/ehr/hl7bridge/internal/domain/identity"
	"github.com/ehr/hl7bridge/internal/domain/ingest"
	"github.com/ehr/hl7bridge/internal/domain/mapping"
	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/bootstrap"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/internal/platform/metrics"
	"github.com/ehr/hl7bridge/internal/platform/middleware"
	"github.com/ehr/hl7bridge/internal/platform/poller"
	"github.com/ehr/hl7bridge/internal/processor"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hl7-bridge",
		Short: "Bidirectional HL7v2 / FHIR integration bridge",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(bootstrapCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge: MLLP listener, HTTP API and pollers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Install custom resource definitions and search parameters in the FHIR store",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			client, err := newFHIRClient(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			return bootstrap.Apply(ctx, client, logger)
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func newFHIRClient(cfg *config.Config) (*fhir.Client, error) {
	var tokens fhir.TokenSource
	if cfg.FHIRTokenURL != "" {
		ts, err := fhir.NewBackendServicesTokenSource(cfg.FHIRTokenURL, cfg.FHIRClientID, cfg.FHIRPrivateKey, cfg.FHIRScopes)
		if err != nil {
			return nil, err
		}
		tokens = ts
	}
	return fhir.NewClient(cfg.FHIRBaseURL, tokens), nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	pipeline, err := config.InitPipeline(cfg.PipelinePath, identity.KnownPreprocessors())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PipelinePath).Msg("failed to load pipeline config")
	}

	client, err := newFHIRClient(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build fhir client")
	}

	m := metrics.New()
	repo := message.NewRepo(client)
	resolver := mapping.NewResolver(client)
	coordinator := mapping.NewCoordinator(client, repo, m, logger)

	// Inbound processing poller.
	proc := processor.New(repo, client, convert.Deps{
		Resolver: resolver,
		Pipeline: pipeline,
		Logger:   logger,
	}, m, logger)
	procPoller := poller.New("processor", proc.Tick, logger, poller.WithInterval(cfg.PollInterval()))
	procPoller.Start()
	defer procPoller.Stop()

	// Outbound billing pollers.
	endpoints := bar.Endpoints{
		SendingApp:   cfg.FHIRApp,
		SendingFac:   cfg.FHIRFac,
		ReceivingApp: cfg.BillingApp,
		ReceivingFac: cfg.BillingFac,
	}
	builder := bar.NewBuilder(client, repo, endpoints, cfg.BarMaxRetries, m, logger)
	builderPoller := poller.New("bar-builder", builder.Tick, logger, poller.WithInterval(cfg.PollInterval()))
	builderPoller.Start()
	defer builderPoller.Stop()

	sender := bar.NewSender(repo, repo, m, logger)
	senderPoller := poller.New("bar-sender", sender.Tick, logger, poller.WithInterval(cfg.PollInterval()))
	senderPoller.Start()
	defer senderPoller.Stop()

	// Ingest surfaces.
	ingestSvc := ingest.NewService(repo, m, logger)

	mllp := hl7v2.NewListener(":"+cfg.MLLPPort, ingest.NewMLLPReceiver(ingestSvc), logger)
	if err := mllp.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start mllp listener")
	}
	defer mllp.Stop()

	// HTTP API.
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	apiV1 := e.Group("/api/v1")
	handler := ingest.NewHandler(ingestSvc, repo, coordinator, client)
	handler.RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.HTTPPort
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
