package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inline(fn func()) { fn() }

func send(t *testing.T, tr Transport, call *Call) Result {
	t.Helper()
	ch := make(chan Result, 1)
	tr.Send(context.Background(), call, func(r Result) { ch <- r })
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("call did not complete")
		return Result{}
	}
}

func TestNewResty_NilPost(t *testing.T) {
	_, err := NewResty(Config{}, nil)
	require.Error(t, err)
}

func TestResty_SendsMethodHeadersAndBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/proximity" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))
	defer ts.Close()

	tr, err := NewResty(Config{Timeout: 2 * time.Second}, inline)
	require.NoError(t, err)
	defer tr.Close()

	res := send(t, tr, &Call{
		ID:     1,
		Method: http.MethodPost,
		URL:    ts.URL + "/proximity",
		Header: map[string]string{"Authorization": "Bearer tok", "Content-Type": "application/json"},
		Body:   []byte(`{"rssi":-70}`),
	})
	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.JSONEq(t, `{"rssi":-70}`, string(res.Body))
}

func TestResty_NonSuccessStatusIsNotANetworkError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad"))
	}))
	defer ts.Close()

	tr, err := NewResty(Config{}, inline)
	require.NoError(t, err)

	res := send(t, tr, &Call{Method: http.MethodGet, URL: ts.URL})
	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusBadRequest, res.Status)
}

func TestResty_UnreachableHostIsNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	tr, err := NewResty(Config{Timeout: time.Second}, inline)
	require.NoError(t, err)

	res := send(t, tr, &Call{Method: http.MethodGet, URL: url})
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrNetwork)
	assert.Zero(t, res.Status)
}

func TestResty_ZstdBodies(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "zstd" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		dec, err := zstd.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer dec.Close()
		plain, err := io.ReadAll(dec)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		enc, _ := zstd.NewWriter(nil)
		defer enc.Close()
		w.Header().Set("Content-Encoding", "zstd")
		w.WriteHeader(http.StatusOK)
		w.Write(enc.EncodeAll(plain, nil))
	}))
	defer ts.Close()

	tr, err := NewResty(Config{Zstd: true}, inline)
	require.NoError(t, err)
	defer tr.Close()

	res := send(t, tr, &Call{Method: http.MethodPut, URL: ts.URL, Body: []byte(`{"token":"abc"}`)})
	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"token":"abc"}`, string(res.Body))
}

func TestNetworkFailure_WrapsErrNetwork(t *testing.T) {
	res := NetworkFailure(nil)
	assert.ErrorIs(t, res.Err, ErrNetwork)

	res = NetworkFailure(io.ErrUnexpectedEOF)
	assert.ErrorIs(t, res.Err, ErrNetwork)
	assert.ErrorIs(t, res.Err, io.ErrUnexpectedEOF)
}
