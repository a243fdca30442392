// Package dispatch delivers outbound API requests in order, holding them
// while the network is unusable and retrying transmissions that fail below
// HTTP.
//
// A Dispatcher and its Requests are confined to one event loop: every method
// must run on the loop goroutine. Transport completions and timers are posted
// back onto the same loop, so no locking is needed.
package dispatch

import (
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/etive/proximity/internal/eventloop"
	"github.com/etive/proximity/internal/transport"
)

const (
	DefaultMaxQueueLength = 500
	DefaultTxTimeout      = 15 * time.Second
	DefaultQueueTimeout   = 15 * time.Second
	DefaultSuspendPeriod  = time.Minute
	DefaultRetryBackoff   = 500 * time.Millisecond
)

// Config holds the dispatcher limits.
type Config struct {
	MaxQueueLength int
	// TxTimeout bounds the wait for a response once a request is sent.
	TxTimeout time.Duration
	// QueueTimeout bounds how long a timeout-enabled request may sit unsent.
	QueueTimeout time.Duration
	// SuspendPeriod is the backoff between failed reachability probes.
	SuspendPeriod time.Duration
	// RetryBackoff is the wait before the first resend after a network
	// error. It doubles with each further retry, capped at SuspendPeriod.
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxQueueLength: DefaultMaxQueueLength,
		TxTimeout:      DefaultTxTimeout,
		QueueTimeout:   DefaultQueueTimeout,
		SuspendPeriod:  DefaultSuspendPeriod,
		RetryBackoff:   DefaultRetryBackoff,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = def.MaxQueueLength
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = def.TxTimeout
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = def.QueueTimeout
	}
	if c.SuspendPeriod <= 0 {
		c.SuspendPeriod = def.SuspendPeriod
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	return c
}

// NetworkStatus reports whether the host believes a network is available.
type NetworkStatus interface {
	Online() bool
}

// NetworkState is a NetworkStatus toggled by the host's connectivity
// signals. The zero value reports online.
type NetworkState struct {
	offline atomic.Bool
}

func (n *NetworkState) Online() bool { return !n.offline.Load() }

func (n *NetworkState) Set(online bool) { n.offline.Store(!online) }

// Dispatcher is the ordered request queue.
type Dispatcher struct {
	sched     eventloop.Scheduler
	transport transport.Transport
	network   NetworkStatus
	prober    Prober
	metrics   *Metrics
	cfg       Config

	queue     []*Request
	lastID    uint64
	suspended bool
	pumping   bool
	pass      uint64
	probing   bool
	// probeGen invalidates the outcome of a probe overtaken by Offline.
	probeGen uint64
	reprobe  eventloop.Timer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg.withDefaults() }
}

func WithNetworkStatus(n NetworkStatus) Option {
	return func(d *Dispatcher) { d.network = n }
}

// WithProber validates reachability before dispatch resumes after an
// online signal.
func WithProber(p Prober) Option {
	return func(d *Dispatcher) { d.prober = p }
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher bound to sched.
func New(sched eventloop.Scheduler, tr transport.Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sched:     sched,
		transport: tr,
		network:   &NetworkState{},
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Config() Config { return d.cfg }

// Now is the dispatcher's clock.
func (d *Dispatcher) Now() time.Time { return d.sched.Now() }

// Scheduler is the loop the dispatcher is confined to.
func (d *Dispatcher) Scheduler() eventloop.Scheduler { return d.sched }

func (d *Dispatcher) QueueLength() int { return len(d.queue) }

func (d *Dispatcher) QueueEmpty() bool { return len(d.queue) == 0 }

func (d *Dispatcher) Suspended() bool { return d.suspended }

// QueuedIDs returns the ids of queued requests in queue order.
func (d *Dispatcher) QueuedIDs() []uint64 {
	ids := make([]uint64, len(d.queue))
	for i, r := range d.queue {
		ids[i] = r.id
	}
	return ids
}

// Do builds a request from opts and enqueues it. The error is non-nil when
// the options are invalid or the queue is full; in the latter case the
// callback has already been invoked with StatusQueueFull.
func (d *Dispatcher) Do(opts Options) (*Request, error) {
	r, err := newRequest(opts)
	if err != nil {
		log.Error().Err(err).Str("method", opts.Method).Str("url", opts.URL).Msg("invalid request")
		return nil, err
	}
	if !d.Enqueue(r) {
		return nil, ErrQueueFull
	}
	return r, nil
}

func (d *Dispatcher) Get(url string, timeout bool, cb Callback) (*Request, error) {
	return d.Do(Options{Method: http.MethodGet, URL: url, Timeout: timeout, Callback: cb})
}

func (d *Dispatcher) Post(url string, body any, timeout bool, cb Callback) (*Request, error) {
	return d.Do(Options{Method: http.MethodPost, URL: url, Body: body, Timeout: timeout, Callback: cb})
}

func (d *Dispatcher) Put(url string, body any, timeout bool, cb Callback) (*Request, error) {
	return d.Do(Options{Method: http.MethodPut, URL: url, Body: body, Timeout: timeout, Callback: cb})
}

func (d *Dispatcher) Delete(url string, timeout bool, cb Callback) (*Request, error) {
	return d.Do(Options{Method: http.MethodDelete, URL: url, Timeout: timeout, Callback: cb})
}

// Enqueue assigns the request an id and queues it. When the queue is full
// the callback is invoked synchronously with StatusQueueFull and false is
// returned.
func (d *Dispatcher) Enqueue(r *Request) bool {
	r.id = d.nextID()

	if len(d.queue) >= d.cfg.MaxQueueLength {
		log.Warn().
			Uint64("id", r.id).
			Int("queue_length", len(d.queue)).
			Msg("dispatch queue too long, rejecting request")
		d.metrics.rejected()
		r.finish(StatusQueueFull, nil)
		return false
	}

	r.dispatcher = d
	r.state = stateQueued
	d.queue = append(d.queue, r)
	d.armQueueTimeout(r)
	d.metrics.enqueued(len(d.queue))

	log.Debug().Str("request", r.String()).Msg("request given to the dispatcher")
	d.dispatch()
	return true
}

// Dequeue removes a still-queued request so it is never sent and its
// callback never runs. It reports whether the request was found.
func (d *Dispatcher) Dequeue(r *Request) bool {
	if !d.remove(r) {
		return false
	}
	r.state = stateTerminated
	return true
}

// DequeueID removes a still-queued request by id.
func (d *Dispatcher) DequeueID(id uint64) bool {
	i, ok := d.indexOf(id)
	if !ok {
		return false
	}
	return d.Dequeue(d.queue[i])
}

func (d *Dispatcher) remove(r *Request) bool {
	i, ok := d.indexOf(r.id)
	if !ok || d.queue[i] != r {
		return false
	}
	log.Debug().Uint64("id", r.id).Msg("removing request from the dispatcher queue")
	r.stopQueueTimer()
	d.queue = append(d.queue[:i], d.queue[i+1:]...)
	d.metrics.queueLength(len(d.queue))
	return true
}

// Offline suspends dispatch. Requests already in flight are unaffected, but
// an echo probe still in flight no longer resumes dispatch.
func (d *Dispatcher) Offline() {
	log.Info().Bool("probing", d.probing).Msg("offline event received")
	d.suspended = true
	d.probeGen++
	d.probing = false
	if d.reprobe != nil {
		d.reprobe.Stop()
		d.reprobe = nil
	}
}

// Online resumes dispatch once the network path is confirmed usable. A
// failed probe is repeated every SuspendPeriod until one succeeds.
func (d *Dispatcher) Online() {
	log.Info().Bool("suspended", d.suspended).Msg("online event received")
	if d.reprobe != nil {
		d.reprobe.Stop()
		d.reprobe = nil
	}

	if !d.suspended {
		d.dispatch()
		return
	}
	if !d.network.Online() {
		log.Info().Msg("network still reported offline, dispatch stays suspended")
		return
	}
	if d.prober == nil {
		d.resume()
		return
	}
	if d.probing {
		return
	}

	d.probing = true
	gen := d.probeGen
	log.Info().Msg("sending echo request")
	d.prober.Probe(func(err error) {
		if gen != d.probeGen {
			log.Info().Err(err).Msg("ignoring echo result received after going offline")
			return
		}
		d.probing = false
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", d.cfg.SuspendPeriod).Msg("echo request failed")
			d.reprobe = d.sched.AfterFunc(d.cfg.SuspendPeriod, d.Online)
			return
		}
		log.Info().Msg("echo request succeeded")
		d.resume()
	})
}

func (d *Dispatcher) resume() {
	if !d.suspended {
		return
	}
	log.Info().Int("queue_length", len(d.queue)).Msg("resuming dispatch")
	d.suspended = false
	d.dispatch()
}

// dispatch is the pump: it sends queued requests in order until the queue is
// empty or dispatch is suspended. Calls made while it runs are absorbed by
// the running pass.
func (d *Dispatcher) dispatch() {
	if d.pumping {
		return
	}
	d.pumping = true
	defer func() { d.pumping = false }()

	d.suspended = d.suspended || !d.network.Online()
	if d.suspended {
		log.Debug().Int("queue_length", len(d.queue)).Msg("dispatch suspended, cannot dispatch")
		return
	}

	d.pass++
	for !d.suspended && len(d.queue) > 0 {
		r := d.queue[0]
		// a request sent earlier in this pass and already back at the head
		// waits for the next pass
		if r.pass == d.pass {
			d.sched.AfterFunc(0, d.dispatch)
			break
		}
		d.queue[0] = nil
		d.queue = d.queue[1:]
		r.stopQueueTimer()
		d.send(r)
	}
	d.metrics.queueLength(len(d.queue))
}

func (d *Dispatcher) send(r *Request) {
	r.pass = d.pass
	gen := r.generation
	r.txTimer = d.sched.AfterFunc(d.cfg.TxTimeout, func() { d.onTxTimeout(r, gen) })
	d.metrics.sent()
	r.send(d.transport, func(res transport.Result) { d.onResult(r, gen, res) })
}

func (d *Dispatcher) onResult(r *Request, gen uint64, res transport.Result) {
	if gen != r.generation || r.state != stateSent {
		log.Trace().Uint64("id", r.id).Msg("ignoring completion of an abandoned attempt")
		return
	}
	r.stopTxTimer()

	if res.Err != nil {
		log.Warn().Err(res.Err).Uint64("id", r.id).Msg("network error sending request")
		d.backoff(r)
		return
	}
	r.complete(res.Status, res.Body)
}

// onTxTimeout fires when a sent request has not completed in time.
func (d *Dispatcher) onTxTimeout(r *Request, gen uint64) {
	if gen != r.generation || r.state != stateSent {
		return
	}
	r.txTimer = nil
	log.Warn().Uint64("id", r.id).Bool("timeout", r.timeout).Msg("transmission timeout")
	if r.timeout {
		d.metrics.timedOut()
		r.finish(StatusTimeout, nil)
		return
	}
	d.retry(r)
}

// onQueueTimeout fires when a request has waited unsent for too long.
func (d *Dispatcher) onQueueTimeout(r *Request) {
	switch r.state {
	case stateQueued:
		d.remove(r)
	case stateBackoff:
		r.stopRetryTimer()
	default:
		return
	}
	r.queueTimer = nil
	log.Warn().Uint64("id", r.id).Msg("queue timeout, ending request")
	d.metrics.timedOut()
	r.finish(StatusTimeout, nil)
}

// retry puts a failed request straight back on the queue.
func (d *Dispatcher) retry(r *Request) {
	r.resetForRetry()
	d.requeue(r)
}

// backoff holds a request that hit a network error off the queue for
// retryDelay before requeueing it. A timeout-enabled request can still
// time out while it waits.
func (d *Dispatcher) backoff(r *Request) {
	r.resetForRetry()
	r.state = stateBackoff
	delay := d.retryDelay(r.Retries())
	log.Info().Uint64("id", r.id).Dur("delay", delay).Msg("backing off before resending request")
	d.armQueueTimeout(r)
	r.retryTimer = d.sched.AfterFunc(delay, func() {
		r.retryTimer = nil
		if r.state != stateBackoff {
			return
		}
		d.requeue(r)
	})
}

// retryDelay doubles RetryBackoff per earlier retry, capped at SuspendPeriod.
func (d *Dispatcher) retryDelay(retries int) time.Duration {
	delay := d.cfg.RetryBackoff
	for i := 0; i < retries && delay < d.cfg.SuspendPeriod; i++ {
		delay *= 2
	}
	return min(delay, d.cfg.SuspendPeriod)
}

// requeue inserts r ahead of the first queued request with a greater id,
// keeping the queue sorted by id.
func (d *Dispatcher) requeue(r *Request) {
	i := sort.Search(len(d.queue), func(i int) bool { return d.queue[i].id > r.id })
	d.queue = append(d.queue, nil)
	copy(d.queue[i+1:], d.queue[i:])
	d.queue[i] = r
	r.state = stateQueued

	log.Info().Uint64("id", r.id).Int("position", i).Msg("putting request back on the dispatcher queue")
	d.metrics.retried(len(d.queue))
	if r.queueTimer == nil {
		d.armQueueTimeout(r)
	}
	d.dispatch()
}

func (d *Dispatcher) armQueueTimeout(r *Request) {
	if !r.timeout {
		return
	}
	r.stopQueueTimer()
	r.queueTimer = d.sched.AfterFunc(d.cfg.QueueTimeout, func() { d.onQueueTimeout(r) })
}

func (d *Dispatcher) indexOf(id uint64) (int, bool) {
	i := sort.Search(len(d.queue), func(i int) bool { return d.queue[i].id >= id })
	if i < len(d.queue) && d.queue[i].id == id {
		return i, true
	}
	return 0, false
}

// nextID hands out ids in ascending order; they are never reused.
func (d *Dispatcher) nextID() uint64 {
	d.lastID++
	return d.lastID
}
