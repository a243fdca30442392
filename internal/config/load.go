package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/etive/proximity/internal/dispatch"
	"github.com/etive/proximity/internal/eddystone"
	"github.com/etive/proximity/internal/presence"
	"github.com/etive/proximity/internal/repository"
	"github.com/etive/proximity/internal/store"
	"github.com/etive/proximity/internal/transport"
)

// Validate checks values the env parser cannot.
func (c *AppConfig) Validate() error {
	var errs []error
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL %q is not an absolute url", c.BaseURL))
	}
	if _, err := eddystone.ParseNamespace(c.Namespace); err != nil {
		errs = append(errs, fmt.Errorf("BEACON_NAMESPACE: %w", err))
	}
	if _, err := presence.ParseStopPolicy(c.StopPolicy); err != nil {
		errs = append(errs, fmt.Errorf("BEACON_STOP_POLICY: %w", err))
	}
	if c.RSSIFloor > 0 {
		errs = append(errs, fmt.Errorf("BEACON_RSSI_FLOOR must not be positive, got %d", c.RSSIFloor))
	}
	switch strings.ToLower(c.StoreBackend) {
	case store.BackendFile, store.BackendRedis, store.BackendNATS:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q is not one of file, redis, nats", c.StoreBackend))
	}
	return errors.Join(errs...)
}

func (c *AppConfig) TransportConfig() transport.Config {
	return transport.Config{
		Timeout: c.TxTimeout,
		Zstd:    c.Zstd,
		HTTP2:   c.HTTP2,
	}
}

func (c *AppConfig) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		MaxQueueLength: c.MaxQueue,
		TxTimeout:      c.TxTimeout,
		QueueTimeout:   c.QueueTimeout,
		SuspendPeriod:  c.SuspendPeriod,
		RetryBackoff:   c.RetryBackoff,
	}
}

func (c *AppConfig) PresenceConfig() (presence.Config, error) {
	ns, err := eddystone.ParseNamespace(c.Namespace)
	if err != nil {
		return presence.Config{}, err
	}
	policy, err := presence.ParseStopPolicy(c.StopPolicy)
	if err != nil {
		return presence.Config{}, err
	}
	return presence.Config{
		Namespace:       ns,
		RSSIFloor:       c.RSSIFloor,
		WaitTime:        c.WaitTime,
		LostFactor:      c.LostFactor,
		TidyInterval:    c.TidyInterval,
		RestartInterval: c.RestartInterval,
		StopPolicy:      policy,
	}, nil
}

func (c *AppConfig) RepositoryConfig(deviceUUID string) repository.Config {
	return repository.Config{
		BaseURL: c.BaseURL,
		APIKey:  c.APIKey,
		Device: repository.Device{
			UUID:      deviceUUID,
			OS:        c.OS,
			OSVersion: c.OSVersion,
			Model:     c.Model,
		},
		HeartbeatInterval: c.HeartbeatInterval,
		RegionInterval:    c.RegionInterval,
	}
}

func (c *AppConfig) StoreOptions() store.Options {
	return store.Options{
		Backend: c.StoreBackend,
		Path:    c.StorePath,
		Redis: store.RedisOptions{
			Host:     c.RedisHost,
			Port:     c.RedisPort,
			Password: c.RedisPassword,
			Prefix:   c.RedisPrefix,
		},
		NATS: store.NATSOptions{
			URL:    c.NATSURL,
			Bucket: c.NATSBucket,
		},
	}
}

// EchoURL is the reachability probe for this device.
func (c *AppConfig) EchoURL(deviceUUID string) string {
	return dispatch.EchoURL(c.BaseURL, deviceUUID)
}
