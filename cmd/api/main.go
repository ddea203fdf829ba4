package main

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/johanlelan/entitysource/api"
	"github.com/johanlelan/entitysource/commands"
	"github.com/johanlelan/entitysource/config"
	"github.com/johanlelan/entitysource/eventlog"
	"github.com/johanlelan/entitysource/observability"
	"github.com/johanlelan/entitysource/outbox"
	"github.com/johanlelan/entitysource/projection"
	"github.com/johanlelan/entitysource/transport"
)

func main() {
	var cfg config.API
	if err := config.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx := context.Background()
	shutdownTracing, err := observability.Setup(ctx, "entitysource-api")
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(ctx); err != nil {
			log.WithError(err).Error("tracing shutdown failed")
		}
	}()

	elog, err := eventlog.NewTableLog(cfg.StorageConnStr, cfg.EventsTable)
	if err != nil {
		log.Fatalf("event log: %v", err)
	}
	index, err := projection.NewTableIndex(cfg.StorageConnStr, cfg.IndexTable)
	if err != nil {
		log.Fatalf("index: %v", err)
	}

	logger := log.New()
	pub := transport.NewQueuePublisher(cfg.StorageConnStr, cfg.QueuePrefix)
	ob := outbox.New(outbox.DefaultConfig(), pub, logger)
	ob.Start()
	defer ob.Shutdown()

	cmds := commands.NewService(elog, ob, cfg.Origin, logger)
	users := commands.NewUserService(cmds, projection.Checker{Index: index})

	var cache *projection.Cache
	if cfg.RedisConnStr != "" {
		redisOpts, err := config.ParseRedis(cfg.RedisConnStr)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		cache = projection.NewCache(index, redis.NewClient(redisOpts), cfg.CacheTTL)
	}
	query := projection.Query{Index: index, Cache: cache}

	var auth api.Authenticator
	if cfg.AuthTestMode {
		if cfg.AuthTestSecret == "" {
			log.Fatal("TEST_JWT_SECRET must be set when AUTH_TEST_MODE is enabled")
		}
		auth = api.NewTestAuth([]byte(cfg.AuthTestSecret))
	} else {
		if cfg.AuthDomain == "" {
			log.Fatal("missing auth config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, cfg.AuthAudience, "https://"+cfg.AuthDomain+"/")
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, cmds, users, query, auth, ob, logger)

	e.Logger.Fatal(e.Start(cfg.ListenAddr))
}
