// Package redisx wraps the go-redis client with the connection policy the
// edge wants: URL-driven construction, verified connectivity at startup,
// and a health probe for readiness. Redis is optional; a nil *Client means
// "not configured" and the admission layer falls back to its in-process
// store.
package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loveledger/edge/internal/xerrors"
)

// Client wraps the go-redis client with a health probe.
type Client struct {
	*redis.Client
}

type Options struct {
	// URL in redis:// form. Empty means redis is not configured.
	URL string

	// Pool knobs; zero values defer to go-redis defaults.
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New parses the URL and verifies the connection with a bounded ping. An
// empty URL returns (nil, nil). A configured-but-unreachable redis is a
// startup error: better to fail the deploy than to silently run every
// instance on its own private counters.
func New(ctx context.Context, o Options) (*Client, error) {
	if o.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, xerrors.Wrap(err, "redisx: parse url")
	}
	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}
	if o.MinIdleConns > 0 {
		opts.MinIdleConns = o.MinIdleConns
	}
	if o.DialTimeout > 0 {
		opts.DialTimeout = o.DialTimeout
	}
	if o.ReadTimeout > 0 {
		opts.ReadTimeout = o.ReadTimeout
	}
	if o.WriteTimeout > 0 {
		opts.WriteTimeout = o.WriteTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(err, "redisx: ping")
	}

	return &Client{Client: client}, nil
}

// Health reports connection health, shaped for a readiness CheckFunc.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}
