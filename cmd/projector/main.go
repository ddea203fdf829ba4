package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/johanlelan/entitysource/config"
	"github.com/johanlelan/entitysource/observability"
	"github.com/johanlelan/entitysource/projection"
	"github.com/johanlelan/entitysource/transport"
)

func main() {
	var cfg config.Projector
	if err := config.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, "entitysource-projector")
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Error("tracing shutdown failed")
		}
	}()

	consumer, err := transport.NewQueueConsumer(cfg.StorageConnStr, cfg.QueuePrefix, cfg.Channels)
	if err != nil {
		log.Fatalf("queue consumer: %v", err)
	}
	index, err := projection.NewTableIndex(cfg.StorageConnStr, cfg.IndexTable)
	if err != nil {
		log.Fatalf("index: %v", err)
	}

	var cache *projection.Cache
	if cfg.RedisConnStr != "" {
		redisOpts, err := config.ParseRedis(cfg.RedisConnStr)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		cache = projection.NewCache(index, redis.NewClient(redisOpts), cfg.CacheTTL)
	}

	log.WithField("channels", cfg.Channels).Info("projector started")
	proj := projection.NewProjector(consumer, index, cache)
	if err := proj.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("projector: %v", err)
	}
	log.Info("projector stopped")
}
