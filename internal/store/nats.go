package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type NATSOptions struct {
	URL    string
	Bucket string
}

const defaultBucket = "proximity"

// NATS stores keys in a JetStream key-value bucket.
type NATS struct {
	conn *nats.Conn
	kv   jetstream.KeyValue
}

func NewNATS(ctx context.Context, opts NATSOptions) (*NATS, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Bucket == "" {
		opts.Bucket = defaultBucket
	}

	conn, err := nats.Connect(opts.URL, nats.Name("proximity-agent"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, opts.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      opts.Bucket,
			Description: "proximity agent state",
			History:     1,
		})
		if err == nil {
			log.Info().Str("bucket", opts.Bucket).Msg("created kv bucket")
		}
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("kv bucket %s: %w", opts.Bucket, err)
	}
	return &NATS{conn: conn, kv: kv}, nil
}

func (n *NATS) Get(ctx context.Context, key string) (string, error) {
	entry, err := n.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(entry.Value()), nil
}

func (n *NATS) Set(ctx context.Context, key, value string) error {
	_, err := n.kv.PutString(ctx, key, value)
	return err
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
