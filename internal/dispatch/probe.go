package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/etive/proximity/internal/eventloop"
	"github.com/etive/proximity/internal/transport"
)

// Prober checks that the network path to the API is usable. Probe must not
// block; done runs on the dispatcher's loop with nil on success.
type Prober interface {
	Probe(done func(error))
}

// EchoURL is the reachability endpoint for a device.
func EchoURL(baseURL, deviceID string) string {
	return strings.TrimSuffix(baseURL, "/") + "/device/" + deviceID
}

// TransportProber sends the echo request through a Transport, bounding it
// with a loop timer.
type TransportProber struct {
	Sched     eventloop.Scheduler
	Transport transport.Transport
	URL       string
	Timeout   time.Duration
}

func (p *TransportProber) Probe(done func(error)) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTxTimeout
	}

	finished := false
	ctx, cancel := context.WithCancel(context.Background())
	finish := func(err error) {
		if finished {
			return
		}
		finished = true
		cancel()
		done(err)
	}

	timer := p.Sched.AfterFunc(timeout, func() { finish(ErrTimeout) })
	p.Transport.Send(ctx, &transport.Call{Method: http.MethodGet, URL: p.URL}, func(res transport.Result) {
		timer.Stop()
		switch {
		case res.Err != nil:
			finish(res.Err)
		case res.Status != http.StatusOK:
			finish(fmt.Errorf("echo request returned status %d", res.Status))
		default:
			finish(nil)
		}
	})
}

// HTTPProber sends the echo request with go-retryablehttp so a single
// dropped packet does not cost a whole suspend period.
type HTTPProber struct {
	client *retryablehttp.Client
	post   func(func())
	url    string
}

// ProberConfig configures an HTTPProber.
type ProberConfig struct {
	URL      string
	Timeout  time.Duration
	RetryMax int
	// Logger receives retryablehttp's leveled logs; nil disables them.
	Logger retryablehttp.LeveledLogger
}

// NewHTTPProber creates a prober whose completions are handed to post.
func NewHTTPProber(cfg ProberConfig, post func(func())) (*HTTPProber, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if post == nil {
		return nil, fmt.Errorf("post function cannot be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTxTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	if cfg.Logger != nil {
		client.Logger = cfg.Logger
	}

	log.Info().
		Str("url", cfg.URL).
		Int("retry_max", client.RetryMax).
		Str("timeout", client.HTTPClient.Timeout.String()).
		Msg("echo prober initialized")

	return &HTTPProber{client: client, post: post, url: cfg.URL}, nil
}

func (p *HTTPProber) Probe(done func(error)) {
	go func() {
		err := p.probe()
		p.post(func() { done(err) })
	}()
}

func (p *HTTPProber) probe() error {
	req, err := retryablehttp.NewRequest(http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create echo request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("echo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("echo request returned status %d", resp.StatusCode)
	}
	return nil
}
