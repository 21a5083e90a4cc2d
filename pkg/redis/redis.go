package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/synochat-relay/server/internal/core/error"
)

// Config is bound from REDIS_* variables. An empty URL leaves Redis off.
type Config struct {
	URL          string `split_words:"true"`
	ReadTimeout  int    `split_words:"true" default:"3"`
	WriteTimeout int    `split_words:"true" default:"3"`
	DialTimeout  int    `split_words:"true" default:"5"`
	KeyPrefix    string `split_words:"true" default:"synochat-relay"`
}

func (r *Config) Enabled() bool {
	return r != nil && r.URL != ""
}

// New parses the URL, applies the timeouts and pings the server once.
func (r *Config) New(ctx context.Context) (*redis.Client, error) {
	opts, err := redis.ParseURL(r.URL)
	if err != nil {
		return nil, errx.WrapRedis(err)
	}

	opts.ReadTimeout = time.Duration(r.ReadTimeout) * time.Second
	opts.WriteTimeout = time.Duration(r.WriteTimeout) * time.Second
	opts.DialTimeout = time.Duration(r.DialTimeout) * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errx.WrapRedis(err)
	}

	return client, nil
}
