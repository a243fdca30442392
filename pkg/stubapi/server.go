// Package stubapi serves an in-memory version of the proximity API for
// local runs and integration tests.
package stubapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"
)

// LoadConfig reads the server config from the environment.
func LoadConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("process stub api environment: %w", err)
	}
	return &cfg, nil
}

// NewServer creates the stub server with its routes registered.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{
			Host:      DefaultServerHost,
			Port:      DefaultServerPort,
			BodyLimit: DefaultBodyLimit,
		}
	}
	if cfg.BodyLimit == 0 {
		cfg.BodyLimit = DefaultBodyLimit
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("body_limit", cfg.BodyLimit).
		Bool("api_key_required", cfg.APIKey != "").
		Msg("Stub API configuration loaded")

	app := fiber.New(fiber.Config{
		Prefork:               false,
		DisableStartupMessage: true,
		ErrorHandler:          fiberErrHandler,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		BodyLimit:             cfg.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	app.Use(ZstdMiddleware([]string{"/health"}))

	s := &Server{
		App:     app,
		config:  cfg,
		tokens:  make(map[string]string),
		devices: make(map[string]Device),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(Reply{Message: "ok"})
	})
	s.App.Get("/receiver/:email", s.authorize)
	s.App.Post("/device", s.registerDevice)
	s.App.Get("/device/:id", s.echo)
	s.App.Put("/device/:id", s.heartbeat)
	s.App.Post("/proximity", s.proximity)
	s.App.Post("/track", s.track)
	s.App.Get("/region", s.region)
}

func fiberErrHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	log.Error().
		Err(err).
		Int("status_code", code).
		Str("path", ctx.Path()).
		Str("method", ctx.Method()).
		Msg("Fiber error handler triggered")

	return ctx.Status(code).JSON(Reply{Message: err.Error()})
}

func (s *Server) authorize(c *fiber.Ctx) error {
	email, err := url.PathUnescape(c.Params("email"))
	if err != nil || email == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing email")
	}
	if s.config.APIKey != "" && c.Query("key") != s.config.APIKey {
		return c.Status(fiber.StatusUnauthorized).JSON(Reply{Message: "invalid api key"})
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = email
	s.mu.Unlock()

	log.Info().Str("email", email).Msg("issued token")
	return c.JSON(Reply{Token: token})
}

func (s *Server) registerDevice(c *fiber.Ctx) error {
	var dev Device
	if err := c.BodyParser(&dev); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if dev.UUID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing device uuid")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownToken(c, dev.Token) {
		return c.Status(fiber.StatusUnauthorized).JSON(Reply{Message: "unknown token"})
	}
	dev.LastSeen = time.Now().UnixMilli()
	s.devices[dev.UUID] = dev

	log.Info().Str("uuid", dev.UUID).Str("model", dev.Model).Msg("registered device")
	return c.Status(fiber.StatusCreated).JSON(Reply{Message: "registered"})
}

func (s *Server) echo(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"uuid": c.Params("id")})
}

func (s *Server) heartbeat(c *fiber.Ctx) error {
	var body struct {
		Timestamp int64  `json:"timestamp"`
		Token     string `json:"token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownToken(c, body.Token) {
		return c.Status(fiber.StatusUnauthorized).JSON(Reply{Message: "unknown token"})
	}
	dev, ok := s.devices[c.Params("id")]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(Reply{Message: "unknown device"})
	}
	dev.LastSeen = time.Now().UnixMilli()
	s.devices[dev.UUID] = dev
	return c.JSON(Reply{Message: "ok"})
}

func (s *Server) proximity(c *fiber.Ctx) error {
	var ev Event
	if err := c.BodyParser(&ev); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if ev.EventType != "found" && ev.EventType != "lost" {
		return fiber.NewError(fiber.StatusBadRequest, "unknown event type "+strconv.Quote(ev.EventType))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownToken(c, ev.Token) {
		return c.Status(fiber.StatusUnauthorized).JSON(Reply{Message: "unknown token"})
	}
	s.events = append(s.events, ev)

	log.Info().Str("event", ev.EventType).Str("beacon", ev.BeaconID).Int("rssi", ev.RSSI).Msg("proximity event")
	return c.Status(fiber.StatusCreated).JSON(Reply{Message: "recorded"})
}

func (s *Server) track(c *fiber.Ctx) error {
	var t Track
	if err := c.BodyParser(&t); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownToken(c, t.Token) {
		return c.Status(fiber.StatusUnauthorized).JSON(Reply{Message: "unknown token"})
	}
	s.tracks = append(s.tracks, t)
	return c.Status(fiber.StatusCreated).JSON(Reply{Message: "recorded"})
}

func (s *Server) region(c *fiber.Ctx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownToken(c, "") {
		return c.Status(fiber.StatusUnauthorized).JSON(Reply{Message: "unknown token"})
	}
	if raw := c.Query("stamp"); raw != "" {
		stamp, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "bad stamp")
		}
		if stamp >= s.regions.Changed {
			return c.SendStatus(fiber.StatusNotModified)
		}
	}
	return c.JSON(s.regions)
}

// knownToken accepts either the bearer header or the token carried in the
// body. Callers hold s.mu.
func (s *Server) knownToken(c *fiber.Ctx, bodyToken string) bool {
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if token == "" {
		token = bodyToken
	}
	_, ok := s.tokens[token]
	return ok
}

// SetRegions replaces the region snapshot served by GET /region.
func (s *Server) SetRegions(r Regions) {
	s.mu.Lock()
	s.regions = r
	s.mu.Unlock()
}

// Events returns the proximity events received so far.
func (s *Server) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Tracks returns the track reports received so far.
func (s *Server) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

// Device looks up a registered device.
func (s *Server) Device(id string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	return d, ok
}

// Start listens until the app is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	log.Info().Str("addr", addr).Msg("Stub API listening")
	return s.App.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.App.ShutdownWithContext(ctx)
}
