// Package config loads service configuration from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// API configures the command ingress and query service.
type API struct {
	Debug      bool   `env:"DEBUG"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	Origin     string `env:"SERVICE_ORIGIN" envDefault:"entitysource-api"`

	StorageConnStr string `env:"STORAGE_CONNECTION_STRING,required"`
	EventsTable    string `env:"EVENTS_TABLE" envDefault:"events"`
	IndexTable     string `env:"INDEX_TABLE" envDefault:"entityindex"`
	QueuePrefix    string `env:"EVENTS_QUEUE_PREFIX" envDefault:"events"`

	RedisConnStr string        `env:"REDIS_CONNECTION_STRING"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"12h"`

	AuthAudience   string `env:"AUTH_AUDIENCE"`
	AuthDomain     string `env:"AUTH_DOMAIN"`
	AuthTestMode   bool   `env:"AUTH_TEST_MODE"`
	AuthTestSecret string `env:"TEST_JWT_SECRET"`
}

// Projector configures the projection worker.
type Projector struct {
	Debug  bool   `env:"DEBUG"`
	Origin string `env:"SERVICE_ORIGIN" envDefault:"entitysource-projector"`

	StorageConnStr string   `env:"STORAGE_CONNECTION_STRING,required"`
	IndexTable     string   `env:"INDEX_TABLE" envDefault:"entityindex"`
	QueuePrefix    string   `env:"EVENTS_QUEUE_PREFIX" envDefault:"events"`
	Channels       []string `env:"EVENT_CHANNELS" envDefault:"items,user"`

	RedisConnStr string        `env:"REDIS_CONNECTION_STRING"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"12h"`
}

// StorageInit configures the table/queue provisioning tool.
type StorageInit struct {
	Debug          bool     `env:"DEBUG"`
	StorageConnStr string   `env:"STORAGE_CONNECTION_STRING,required"`
	EventsTable    string   `env:"EVENTS_TABLE" envDefault:"events"`
	IndexTable     string   `env:"INDEX_TABLE" envDefault:"entityindex"`
	QueuePrefix    string   `env:"EVENTS_QUEUE_PREFIX" envDefault:"events"`
	Channels       []string `env:"EVENT_CHANNELS" envDefault:"items,user"`
}

// Parse loads configuration from environment variables.
func Parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseRedis accepts either a redis URL or the "host:port,password=..,ssl=true"
// connection-string form used by managed caches.
func ParseRedis(connStr string) (*redis.Options, error) {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(connStr, ",")
	if parts[0] == "" {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
