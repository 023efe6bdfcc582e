package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhircandle/candle/internal/auth"
	"github.com/fhircandle/candle/internal/config"
	"github.com/fhircandle/candle/internal/dispatch"
	"github.com/fhircandle/candle/internal/platform/ws"
	"github.com/fhircandle/candle/internal/server"
	"github.com/fhircandle/candle/internal/store"
	"github.com/fhircandle/candle/internal/subscriptions"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "candle",
		Short: "In-memory multi-tenant FHIR server with subscription fan-out",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to config file")
	return cmd
}

func runServer(configFile string) error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	tenantCfgs, err := cfg.StoreConfigs()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid tenant configuration")
	}

	registry := store.NewRegistry(logger)
	defer registry.Close()
	for _, tc := range tenantCfgs {
		if _, err := registry.Add(tc); err != nil {
			logger.Fatal().Err(err).Str("tenant", tc.Name).Msg("failed to create tenant")
		}
		logger.Info().
			Str("tenant", tc.Name).
			Str("release", string(tc.Release)).
			Str("base_url", tc.BaseURL).
			Msg("tenant ready")
	}

	smart := auth.NewManager(logger)
	hub := ws.NewHub(logger)
	dispatcher := dispatch.New(logger, dispatch.WithSocket(hub))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engines := make([]*subscriptions.Engine, 0, len(tenantCfgs))
	for _, ts := range registry.All() {
		engine := subscriptions.NewEngine(ts, dispatcher, logger)
		engines = append(engines, engine)
		go engine.Run(ctx)
	}

	heartbeats := dispatch.NewHeartbeatScheduler(engines, logger)
	go heartbeats.Run(ctx)

	srv := server.New(logger, registry, smart, hub)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(":" + cfg.Port)
	}()
	logger.Info().Str("port", cfg.Port).Msg("listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}
	return nil
}
