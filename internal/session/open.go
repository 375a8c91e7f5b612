package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config selects and configures a Store backend.
type Config struct {
	Driver      string        `yaml:"driver"`
	DSN         string        `yaml:"dsn"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
	TTL         time.Duration `yaml:"ttl"`
	Window      int           `yaml:"window"`
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the configured Store. The returned Closer releases its
// connections.
func Open(ctx context.Context, cfg Config) (Store, io.Closer, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(cfg.Window), nopCloser{}, nil

	case "redis":
		if cfg.RedisAddr == "" {
			return nil, nil, fmt.Errorf("redis session store: empty address")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis session store: ping %s: %w", cfg.RedisAddr, err)
		}
		client := NewGoRedisClient(rdb)
		opts := []RedisStoreOption{WithWindow(cfg.Window)}
		if cfg.RedisPrefix != "" {
			opts = append(opts, WithPrefix(cfg.RedisPrefix))
		}
		if cfg.TTL > 0 {
			opts = append(opts, WithTTL(cfg.TTL))
		}
		return NewRedisStore(client, opts...), client, nil

	case "sqlite":
		s, err := NewSQLiteStore(cfg.DSN, cfg.Window)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case "postgres":
		s, err := NewPostgresStore(ctx, cfg.DSN, cfg.Window)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	default:
		return nil, nil, fmt.Errorf("unknown session store driver %q", cfg.Driver)
	}
}
