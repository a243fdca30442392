package stubapi

import (
	"sync"

	"github.com/gofiber/fiber/v2"
)

const (
	DefaultServerHost = "0.0.0.0"
	DefaultServerPort = 8080
	DefaultBodyLimit  = 4 * 1024 * 1024 // 4MB
)

// Config is read from STUB_* environment variables.
type Config struct {
	Host      string `env:"STUB_HOST, default=0.0.0.0"`
	Port      int    `env:"STUB_PORT, default=8080"`
	BodyLimit int    `env:"STUB_BODY_LIMIT, default=4194304"`
	// APIKey, when set, is required on receiver lookups.
	APIKey string `env:"STUB_API_KEY"`
}

// Server is an in-memory stand-in for the proximity API.
type Server struct {
	App    *fiber.App
	config *Config

	mu      sync.Mutex
	tokens  map[string]string // token -> email
	devices map[string]Device
	events  []Event
	tracks  []Track
	regions Regions
}

// Reply is the body of every non-region response.
type Reply struct {
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

type Device struct {
	OS        string `json:"os"`
	OSVersion string `json:"osVersion"`
	Model     string `json:"model"`
	Timestamp int64  `json:"timestamp"`
	UUID      string `json:"uuid"`
	Token     string `json:"token"`
	// LastSeen is the stub's receive time of the latest registration or heartbeat.
	LastSeen int64 `json:"-"`
}

type Event struct {
	EventType string `json:"eventType"`
	Timestamp int64  `json:"timestamp"`
	BeaconID  string `json:"beaconId"`
	RSSI      int    `json:"rssi"`
	TxPower   *int   `json:"txPower,omitempty"`
	RSSIMax   *int   `json:"rssiMax,omitempty"`
	UUID      string `json:"uuid"`
	Token     string `json:"token"`
}

type Track struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
	UUID      string  `json:"uuid"`
	Token     string  `json:"token"`
}

type Region struct {
	Name   string  `json:"name"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Radius float64 `json:"radius"`
}

type Regions struct {
	Changed int64    `json:"changed"`
	Regions []Region `json:"regions"`
}
