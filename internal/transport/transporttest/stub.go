// Package transporttest provides a scriptable in-memory Transport. Calls are
// held until the test completes them, which lets tests observe queue and
// timeout behaviour step by step.
package transporttest

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/etive/proximity/internal/transport"
)

type response struct {
	status int
	body   []byte
}

// Pending is a call that has been sent but not completed.
type Pending struct {
	Call *transport.Call
	Ctx  context.Context
	done func(transport.Result)
}

// Complete delivers res for this call.
func (p *Pending) Complete(res transport.Result) {
	p.done(res)
}

// Stub records every call and answers with canned responses on demand.
type Stub struct {
	mu      sync.Mutex
	routes  map[string]response
	pending []*Pending
	sent    []*transport.Call

	// LoseWhen, when set, silently drops matching calls so they never
	// complete.
	LoseWhen func(*transport.Call) bool
	// AutoRespond completes calls synchronously inside Send.
	AutoRespond bool
}

// New returns an empty stub.
func New() *Stub {
	return &Stub{routes: make(map[string]response)}
}

func key(method, url string) string {
	return method + " " + url
}

// RespondWith sets the canned answer for method and url.
func (s *Stub) RespondWith(method, url string, status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[key(method, url)] = response{status: status, body: body}
}

func (s *Stub) Send(ctx context.Context, call *transport.Call, done func(transport.Result)) {
	s.mu.Lock()
	s.sent = append(s.sent, call)
	lose := s.LoseWhen != nil && s.LoseWhen(call)
	p := &Pending{Call: call, Ctx: ctx, done: done}
	if !lose && !s.AutoRespond {
		s.pending = append(s.pending, p)
	}
	auto := s.AutoRespond && !lose
	s.mu.Unlock()

	if auto {
		done(s.resultFor(call))
	}
}

func (s *Stub) resultFor(call *transport.Call) transport.Result {
	s.mu.Lock()
	r, ok := s.routes[key(call.Method, call.URL)]
	s.mu.Unlock()
	if !ok {
		return transport.Result{Status: http.StatusNotFound}
	}
	return transport.Result{Status: r.status, Body: r.body}
}

func (s *Stub) takePending() []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

// Respond completes every pending call with its canned response, or 404 when
// none is configured. It returns the number of calls completed.
func (s *Stub) Respond() int {
	pending := s.takePending()
	for _, p := range pending {
		p.Complete(s.resultFor(p.Call))
	}
	return len(pending)
}

// FailNetwork completes every pending call with a network error.
func (s *Stub) FailNetwork() int {
	pending := s.takePending()
	for _, p := range pending {
		p.Complete(transport.NetworkFailure(errors.New("connection refused")))
	}
	return len(pending)
}

// Pending returns the calls awaiting completion.
func (s *Stub) Pending() []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Pending(nil), s.pending...)
}

// Next removes and returns the oldest pending call, or nil.
func (s *Stub) Next() *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p
}

// Requests returns every call handed to Send, including lost ones.
func (s *Stub) Requests() []*transport.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Call(nil), s.sent...)
}

// Reset forgets recorded calls and pending completions but keeps routes.
func (s *Stub) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
	s.pending = nil
}
