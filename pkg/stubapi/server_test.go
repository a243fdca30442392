package stubapi

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func do(t *testing.T, s *Server, method, target string, body any, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := sonic.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.App.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func authorize(t *testing.T, s *Server) string {
	t.Helper()
	resp, body := do(t, s, http.MethodGet, "/receiver/ops@example.com?key=secret", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply Reply
	require.NoError(t, sonic.Unmarshal(body, &reply))
	require.NotEmpty(t, reply.Token)
	return reply.Token
}

func newTestServer() *Server {
	return NewServer(&Config{Host: "127.0.0.1", Port: 0, APIKey: "secret"})
}

func TestNewServer_Defaults(t *testing.T) {
	s := NewServer(nil)
	require.NotNil(t, s.App)
	assert.Equal(t, DefaultServerHost, s.config.Host)
	assert.Equal(t, DefaultServerPort, s.config.Port)
	assert.Equal(t, DefaultBodyLimit, s.config.BodyLimit)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("STUB_PORT", "9091")
	t.Setenv("STUB_API_KEY", "k")
	cfg, err := LoadConfig(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 9091, cfg.Port)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, DefaultServerHost, cfg.Host)
	assert.Equal(t, DefaultBodyLimit, cfg.BodyLimit)
}

func TestHealth(t *testing.T) {
	resp, _ := do(t, newTestServer(), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthorize_BadKey(t *testing.T) {
	resp, body := do(t, newTestServer(), http.MethodGet, "/receiver/ops@example.com?key=wrong", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "invalid api key")
}

func TestRegisterAndHeartbeat(t *testing.T) {
	s := newTestServer()
	token := authorize(t, s)

	dev := Device{OS: "linux", Model: "pi", UUID: "dev-1", Token: token}
	resp, _ := do(t, s, http.MethodPost, "/device", dev, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got, ok := s.Device("dev-1")
	require.True(t, ok)
	assert.Equal(t, "pi", got.Model)

	resp, _ = do(t, s, http.MethodPut, "/device/dev-1", map[string]any{"timestamp": 1}, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, s, http.MethodPut, "/device/nope", map[string]any{"token": token}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegister_UnknownToken(t *testing.T) {
	s := newTestServer()
	resp, _ := do(t, s, http.MethodPost, "/device", Device{UUID: "dev-1", Token: "forged"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_, ok := s.Device("dev-1")
	assert.False(t, ok)
}

func TestEcho(t *testing.T) {
	resp, body := do(t, newTestServer(), http.MethodGet, "/device/dev-9", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dev-9")
}

func TestProximity(t *testing.T) {
	s := newTestServer()
	token := authorize(t, s)
	tx := -59

	resp, _ := do(t, s, http.MethodPost, "/proximity", Event{EventType: "found", BeaconID: "abc", RSSI: -70, TxPower: &tx, Token: token}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, s, http.MethodPost, "/proximity", Event{EventType: "moved", Token: token}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "abc", events[0].BeaconID)
	require.NotNil(t, events[0].TxPower)
	assert.Equal(t, -59, *events[0].TxPower)
}

func TestTrack(t *testing.T) {
	s := newTestServer()
	token := authorize(t, s)
	resp, _ := do(t, s, http.MethodPost, "/track", Track{Lat: 51.5, Lng: -0.12, Token: token}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, s.Tracks(), 1)
	assert.InDelta(t, 51.5, s.Tracks()[0].Lat, 1e-9)
}

func TestRegion(t *testing.T) {
	s := newTestServer()
	token := authorize(t, s)
	auth := map[string]string{"Authorization": "Bearer " + token}
	s.SetRegions(Regions{Changed: 10, Regions: []Region{{Name: "depot", Lat: 1, Lng: 2, Radius: 50}}})

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"no stamp", "/region", http.StatusOK},
		{"older stamp", "/region?stamp=9", http.StatusOK},
		{"same stamp", "/region?stamp=10", http.StatusNotModified},
		{"bad stamp", "/region?stamp=x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, s, http.MethodGet, tt.target, nil, auth)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	resp, body := do(t, s, http.MethodGet, "/region", nil, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got Regions
	require.NoError(t, sonic.Unmarshal(body, &got))
	assert.Equal(t, int64(10), got.Changed)
	assert.Equal(t, "depot", got.Regions[0].Name)

	resp, _ = do(t, s, http.MethodGet, "/region", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestZstdMiddleware(t *testing.T) {
	s := newTestServer()
	token := authorize(t, s)

	raw, err := sonic.Marshal(Event{EventType: "lost", BeaconID: "abc", Token: token})
	require.NoError(t, err)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(raw, nil)
	require.NoError(t, enc.Close())

	req := httptest.NewRequest(http.MethodPost, "/proximity", bytes.NewReader(compressed))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "zstd")
	req.Header.Set("Accept-Encoding", "zstd")
	resp, err := s.App.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "zstd", resp.Header.Get("Content-Encoding"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(body, nil)
	require.NoError(t, err)
	assert.Contains(t, string(plain), "recorded")

	require.Len(t, s.Events(), 1)
	assert.Equal(t, "lost", s.Events()[0].EventType)
}

func TestZstdMiddleware_BadBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/proximity", bytes.NewReader([]byte("not zstd")))
	req.Header.Set("Content-Encoding", "zstd")
	resp, err := newTestServer().App.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
