package store

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"
)

type RedisOptions struct {
	Host     string
	Port     int
	Password string
	// Prefix namespaces the agent's keys in a shared instance.
	Prefix string
}

// Redis stores keys in a Redis server.
type Redis struct {
	client rueidis.Client
	prefix string
}

func NewRedis(opts RedisOptions) (*Redis, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Password:    opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Redis{client: client, prefix: opts.Prefix}, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(r.key(key)).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return resp.ToString()
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.Do(ctx, r.client.B().Set().Key(r.key(key)).Value(value).Build()).Error()
}

func (r *Redis) Close() error {
	r.client.Close()
	return nil
}
