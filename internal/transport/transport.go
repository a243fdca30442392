// Package transport sends single HTTP calls without blocking the caller.
// Completions are delivered through a callback, normally posted back onto the
// event loop that owns the caller's state.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNetwork marks a failure below HTTP: no response was received.
var ErrNetwork = errors.New("network error")

// Call is one physical transmission of a request.
type Call struct {
	ID     uint64
	Method string
	URL    string
	Header map[string]string
	Body   []byte
}

func (c *Call) String() string {
	return fmt.Sprintf("%s %s (%d)", c.Method, c.URL, c.ID)
}

// Result is the outcome of a Call. Err is set only when no HTTP response
// arrived, in which case Status is zero.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
	Err    error
}

// NetworkFailure builds a Result for an error below HTTP.
func NetworkFailure(err error) Result {
	if err == nil {
		err = ErrNetwork
	}
	if !errors.Is(err, ErrNetwork) {
		err = fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return Result{Err: err}
}

// Transport sends calls. Send must not block; done is invoked exactly once
// unless the call is lost entirely, which callers guard with their own
// transmission timeout.
type Transport interface {
	Send(ctx context.Context, call *Call, done func(Result))
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, call *Call, done func(Result))

func (f Func) Send(ctx context.Context, call *Call, done func(Result)) {
	f(ctx, call, done)
}
