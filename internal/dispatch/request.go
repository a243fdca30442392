package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"

	"github.com/etive/proximity/internal/eventloop"
	"github.com/etive/proximity/internal/transport"
)

// Callback receives the outcome of a request. body is nil unless the status
// was expected, not 204, and the payload was valid JSON.
type Callback func(status int, body []byte)

// Options describe one logical request.
type Options struct {
	Method string
	URL    string
	// Body is marshalled to JSON once, when the request is created. A
	// []byte is sent as is.
	Body any
	// Expected defaults to ExpectedStatuses(Method).
	Expected []int
	// Timeout opts the request into queue-residency timeouts. Such requests
	// also fail, rather than retry, on a transmission timeout.
	Timeout bool
	// Token is sent as a bearer token when set.
	Token    string
	Callback Callback
}

type requestState int

const (
	statePending requestState = iota
	stateQueued
	stateBackoff
	stateSent
	stateDone
	stateTerminated
)

func (s requestState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateQueued:
		return "queued"
	case stateBackoff:
		return "backoff"
	case stateSent:
		return "sent"
	case stateDone:
		return "done"
	case stateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Request is one outbound call under dispatcher control. All methods must
// be called on the dispatcher's event loop.
type Request struct {
	id       uint64
	method   string
	url      string
	body     []byte
	header   map[string]string
	expected []int
	timeout  bool
	callback Callback

	tries      int
	state      requestState
	generation uint64
	cancel     context.CancelFunc

	queueTimer eventloop.Timer
	txTimer    eventloop.Timer
	retryTimer eventloop.Timer
	dispatcher *Dispatcher
	// pass is the dispatcher pump pass that last sent this request.
	pass uint64
}

func newRequest(opts Options) (*Request, error) {
	if opts.URL == "" {
		return nil, ErrNoURL
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}

	r := &Request{
		method:   opts.Method,
		url:      opts.URL,
		expected: opts.Expected,
		timeout:  opts.Timeout,
		callback: opts.Callback,
		header:   map[string]string{},
	}
	if len(r.expected) == 0 {
		r.expected = ExpectedStatuses(opts.Method)
	}
	if opts.Token != "" {
		r.header["Authorization"] = "Bearer " + opts.Token
	}

	if opts.Body != nil {
		switch b := opts.Body.(type) {
		case []byte:
			r.body = b
		default:
			data, err := sonic.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("marshal %s %s body: %w", opts.Method, opts.URL, err)
			}
			r.body = data
		}
		r.header["Content-Type"] = "application/json"
	}
	return r, nil
}

// ID is assigned on enqueue and is zero before.
func (r *Request) ID() uint64 { return r.id }

func (r *Request) Method() string { return r.method }

func (r *Request) URL() string { return r.url }

// Body returns the JSON payload sent with the request.
func (r *Request) Body() []byte { return r.body }

// Timeout reports whether the request opted into timeouts.
func (r *Request) Timeout() bool { return r.timeout }

// Retries is the number of sends after the first.
func (r *Request) Retries() int {
	if r.tries > 0 {
		return r.tries - 1
	}
	return 0
}

// Queued reports whether the request is waiting on the dispatcher queue.
func (r *Request) Queued() bool { return r.state == stateQueued }

// Finished reports whether the callback has been delivered or the request
// was terminated.
func (r *Request) Finished() bool {
	return r.state == stateDone || r.state == stateTerminated
}

func (r *Request) String() string {
	return fmt.Sprintf("%s request (%d) to %s", r.method, r.id, r.url)
}

// Terminate removes the request from the queue if it has not been
// transmitted yet, or cancels a pending resend. It returns false when the
// request is in flight or already finished; in-flight sends cannot be
// cancelled.
func (r *Request) Terminate() bool {
	log.Debug().Uint64("id", r.id).Str("state", r.state.String()).Msg("attempting to terminate request")
	if r.dispatcher == nil {
		return false
	}
	switch r.state {
	case stateQueued:
		return r.dispatcher.Dequeue(r)
	case stateBackoff:
		r.stopRetryTimer()
		r.stopQueueTimer()
		r.state = stateTerminated
		return true
	}
	return false
}

// send transmits the current attempt. done is bound to this attempt's
// generation by the caller.
func (r *Request) send(tr transport.Transport, done func(transport.Result)) {
	r.tries++
	r.state = stateSent

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	header := make(map[string]string, len(r.header))
	for k, v := range r.header {
		header[k] = v
	}

	log.Debug().
		Uint64("id", r.id).
		Str("method", r.method).
		Str("url", r.url).
		Int("try", r.tries).
		Msg("sending request")

	tr.Send(ctx, &transport.Call{
		ID:     r.id,
		Method: r.method,
		URL:    r.url,
		Header: header,
		Body:   r.body,
	}, done)
}

// resetForRetry abandons the current attempt and prepares a fresh one. The
// id, verb, url and body are kept; completions of the old attempt are
// ignored from now on.
func (r *Request) resetForRetry() {
	log.Debug().Uint64("id", r.id).Str("method", r.method).Str("url", r.url).Msg("resetting request")
	r.stopTxTimer()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.generation++
	r.state = statePending
}

// complete delivers an HTTP response to the callback.
func (r *Request) complete(status int, body []byte) {
	unexpected := !slices.Contains(r.expected, status)
	log.Info().
		Uint64("id", r.id).
		Str("method", r.method).
		Str("url", r.url).
		Int("status", status).
		Msg("request returned")

	var content []byte
	if status != http.StatusNoContent && !unexpected && len(body) > 0 {
		if sonic.Valid(body) {
			content = body
		} else {
			log.Warn().Uint64("id", r.id).Int("status", status).Msg("response body is not valid json, dropping it")
		}
	}
	r.finish(status, content)
}

// finish delivers the terminal callback once.
func (r *Request) finish(status int, body []byte) {
	if r.Finished() {
		return
	}
	r.state = stateDone
	r.stopQueueTimer()
	r.stopTxTimer()
	r.stopRetryTimer()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.callback != nil {
		r.callback(status, body)
	}
}

func (r *Request) stopQueueTimer() {
	if r.queueTimer != nil {
		r.queueTimer.Stop()
		r.queueTimer = nil
	}
}

func (r *Request) stopTxTimer() {
	if r.txTimer != nil {
		r.txTimer.Stop()
		r.txTimer = nil
	}
}

func (r *Request) stopRetryTimer() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}
