package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/config"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/events"
)

func newConsumeCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume order and payment events from the Redis streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConsume(ctx, cfg, newLogger(cfg.LogFormat))
		},
	}
}

func runConsume(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Broker.Kind != config.BrokerRedis {
		return errors.New("consume requires BROKER=redis")
	}
	shutdown, err := withTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	a := newApp(cfg, logger)
	defer a.Close()

	client, err := a.redisClient(ctx)
	if err != nil {
		return err
	}
	guard, err := a.guard(ctx)
	if err != nil {
		return err
	}

	registry := events.NewRegistry()
	a.receipts().Register(registry)

	consumer := events.NewConsumer(client, registry, guard, events.ConsumerOptions{
		Group:    cfg.Broker.ConsumerGroup,
		Name:     cfg.Broker.ConsumerName,
		Streams:  a.streams(),
		Logger:   logger,
		DedupeNS: cfg.Broker.ConsumerGroup,
		MinIdle:  cfg.Broker.ConsumerMinIdle,
	})
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
