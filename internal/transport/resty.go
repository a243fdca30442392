package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

const (
	// DefaultTimeout bounds a call at the HTTP client level. The dispatcher
	// runs its own, shorter transmission timeout on top.
	DefaultTimeout = 60 * time.Second

	zstdEncoding = "zstd"
)

// Config configures the resty backed transport.
type Config struct {
	Timeout time.Duration
	// Zstd compresses request bodies and advertises zstd responses.
	Zstd bool
	// HTTP2 enables HTTP/2 on TLS connections.
	HTTP2 bool
	// UserAgent is sent on every call when set.
	UserAgent string
}

// Resty is the production Transport.
type Resty struct {
	client  *resty.Client
	post    func(func())
	cfg     Config
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewResty creates a transport whose completions are handed to post, which
// is usually an event loop's Post method.
func NewResty(cfg Config, post func(func())) (*Resty, error) {
	if post == nil {
		return nil, fmt.Errorf("post function cannot be nil")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpTransport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.HTTP2 {
		if err := http2.ConfigureTransport(httpTransport); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}

	client := resty.NewWithClient(&http.Client{Transport: httpTransport}).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	r := &Resty{
		client: client,
		post:   post,
		cfg:    cfg,
	}

	if cfg.Zstd {
		client.SetHeader("Accept-Encoding", zstdEncoding)

		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			encoder.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		r.encoder = encoder
		r.decoder = decoder
	}

	log.Info().
		Str("timeout", cfg.Timeout.String()).
		Bool("zstd", cfg.Zstd).
		Bool("http2", cfg.HTTP2).
		Msg("http transport initialized")

	return r, nil
}

// Close releases compression resources.
func (r *Resty) Close() {
	if r.encoder != nil {
		r.encoder.Close()
	}
	if r.decoder != nil {
		r.decoder.Close()
	}
}

// Send performs the call on its own goroutine.
func (r *Resty) Send(ctx context.Context, call *Call, done func(Result)) {
	go func() {
		res := r.do(ctx, call)
		r.post(func() { done(res) })
	}()
}

func (r *Resty) do(ctx context.Context, call *Call) Result {
	req := r.client.R().
		SetContext(ctx).
		SetHeaders(call.Header)

	if len(call.Body) > 0 {
		body := call.Body
		if r.encoder != nil {
			body = r.encoder.EncodeAll(call.Body, nil)
			req.SetHeader("Content-Encoding", zstdEncoding)
		}
		req.SetBody(body)
	}

	log.Trace().
		Uint64("id", call.ID).
		Str("method", call.Method).
		Str("url", call.URL).
		Int("body_size", len(call.Body)).
		Msg("sending call")

	resp, err := req.Execute(call.Method, call.URL)
	if err != nil {
		log.Debug().Err(err).Uint64("id", call.ID).Str("url", call.URL).Msg("call failed below http")
		return NetworkFailure(err)
	}

	data := resp.Body()
	if r.decoder != nil && strings.Contains(strings.ToLower(resp.Header().Get("Content-Encoding")), zstdEncoding) {
		out, err := r.decoder.DecodeAll(data, nil)
		if err != nil {
			return NetworkFailure(fmt.Errorf("zstd: failed to decompress response: %w", err))
		}
		data = out
	}

	return Result{
		Status: resp.StatusCode(),
		Header: resp.Header(),
		Body:   data,
	}
}
