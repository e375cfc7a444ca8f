// flowd runs the configured data interfaces: one source adapter feeding its
// destination adapters through the selected broker backend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsubapi "cloud.google.com/go/pubsub/v2/apiv1"
	"github.com/illmade-knight/go-interflow/pkg/adapter"
	"github.com/illmade-knight/go-interflow/pkg/broker"
	"github.com/illmade-knight/go-interflow/pkg/flowconfig"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/flowservice"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "interflow.yaml", "path to the interface configuration file")
	flag.Parse()

	cfg, err := flowconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service exited with error")
	}
}

func run(cfg *flowconfig.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mb, cleanup, err := buildBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	svc, err := flowservice.New(cfg, mb, adapter.NewFactory(mb, logger), logger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info().
		Str("broker", cfg.Broker.Kind).
		Int("interfaces", len(cfg.Interfaces)).
		Str("http_port", svc.GetHTTPPort()).
		Msg("flowd is running")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return svc.Shutdown(shutdownCtx)
}

// buildBroker selects the backend from configuration and returns it together
// with a cleanup closing the backend's connections.
func buildBroker(ctx context.Context, cfg *flowconfig.Config, logger zerolog.Logger) (broker.MessageBroker, func(), error) {
	switch cfg.Broker.Kind {
	case "pubsub":
		publisher, err := pubsubapi.NewTopicAdminClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		subscriber, err := pubsubapi.NewSubscriptionAdminClient(ctx)
		if err != nil {
			_ = publisher.Close()
			return nil, nil, err
		}
		brokerCfg := broker.NewPubsubBrokerDefaults(cfg.Broker.ProjectID)
		if cfg.Broker.LeaseSeconds > 0 {
			brokerCfg.LeaseSeconds = int32(cfg.Broker.LeaseSeconds)
		}
		mb, err := broker.NewPubsubBroker(brokerCfg, publisher, subscriber, logger)
		if err != nil {
			_ = publisher.Close()
			_ = subscriber.Close()
			return nil, nil, err
		}
		cleanup := func() {
			_ = publisher.Close()
			_ = subscriber.Close()
		}
		return mb, cleanup, nil

	case "staging":
		pool, err := pgxpool.New(ctx, cfg.Broker.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		brokerCfg := broker.NewStagingBrokerDefaults()
		if cfg.Broker.LeaseSeconds > 0 {
			brokerCfg.LeaseDuration = time.Duration(cfg.Broker.LeaseSeconds) * time.Second
		}
		mb, err := broker.NewStagingBroker(ctx, brokerCfg, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return mb, pool.Close, nil
	}
	// Unreachable after validation, kept for direct callers.
	return nil, nil, flowerr.Newf(flowerr.KindConfiguration, "main.buildBroker", "unknown broker kind %q", cfg.Broker.Kind)
}
