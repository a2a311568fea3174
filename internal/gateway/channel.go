package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/emeraldrp/beacon-gateway/internal/metrics"
	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type StateEvent struct {
	ServerID beacon.ServerID
	From     State
	To       State
	Err      error
	At       time.Time
}

type StateNotifier interface {
	NotifyStateChanged(StateEvent)
}

type ChannelStatus struct {
	State       State
	ConnectedAt time.Time
	LastError   error
	LastErrorAt time.Time
	Pending     int
	Attempt     uint
}

type callOptions struct {
	timeout  time.Duration
	deadline time.Time
}

type CallOption func(*callOptions)

func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func WithCallDeadline(t time.Time) CallOption {
	return func(o *callOptions) { o.deadline = t }
}

var errConnectionLost = errors.New("connection lost")

// Channel owns the single persistent connection to one beacon. A driver
// goroutine runs the connect/reconnect/heartbeat lifecycle; Call only
// touches the correlator and the calls queue, so any number of callers can
// issue requests concurrently.
//
// Calls issued while the channel is not connected queue until the
// connection is up, bounded by their own deadline. Unresolved requests are
// re-sent after a reconnect under their original correlation id, which
// keeps short outages invisible to callers.
type Channel struct {
	cfg     beacon.EndpointConfig
	dialer  Dialer
	backoff BackoffPolicy
	mt      metrics.Metrics
	notify  StateNotifier
	limiter *rate.Limiter

	heartbeatInterval time.Duration

	corr *correlator

	mu          sync.Mutex
	state       State
	lastErr     error
	lastErrAt   time.Time
	connectedAt time.Time
	attempt     uint
	closeCause  error

	calls     chan *pendingCall
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	runCtx    context.Context
	runCancel context.CancelFunc
}

type channelDeps struct {
	dialer            Dialer
	backoff           BackoffPolicy
	mt                metrics.Metrics
	notify            StateNotifier
	heartbeatInterval time.Duration
	callBuffer        int
}

func newChannel(cfg beacon.EndpointConfig, deps channelDeps) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:               cfg,
		dialer:            deps.dialer,
		backoff:           deps.backoff,
		mt:                deps.mt,
		notify:            deps.notify,
		heartbeatInterval: deps.heartbeatInterval,
		corr:              newCorrelator(),
		state:             StateIdle,
		calls:             make(chan *pendingCall, deps.callBuffer),
		wake:              make(chan struct{}, 1),
		closed:            make(chan struct{}),
		runCtx:            ctx,
		runCancel:         cancel,
	}
	if cfg.MaxCallRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxCallRate), 1)
	}
	go c.run()
	return c
}

func (c *Channel) ServerID() beacon.ServerID {
	return c.cfg.ServerID
}

// Call sends event with payload to the beacon and waits for the correlated
// response, the deadline, context cancellation or channel teardown,
// whichever happens first. The returned error is always a classified
// *beacon.Error except for payload encoding failures.
func (c *Channel) Call(ctx context.Context, event beacon.Event, payload any, opts ...CallOption) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, beacon.NewError(beacon.ClosedError, event, c.closeReason())
	default:
	}

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		data = raw
	}

	o := callOptions{timeout: c.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	deadline := time.Now().Add(o.timeout)
	if !o.deadline.IsZero() {
		deadline = o.deadline
	}

	start := time.Now()
	p := c.corr.register(event, data, deadline)
	// teardown may have drained the correlator between the closed-check
	// above and register; a call registered after the drain would wait out
	// its whole deadline for nothing
	if c.isClosed() {
		c.abort(p, beacon.ClosedError, c.closeReason())
		return c.settle(p, start)
	}

	wait := time.NewTimer(time.Until(deadline))
	defer wait.Stop()

	select {
	case c.calls <- p:
	case <-c.closed:
		c.abort(p, beacon.ClosedError, c.closeReason())
		return c.settle(p, start)
	case <-wait.C:
		c.abort(p, beacon.TimeoutError, nil)
		return c.settle(p, start)
	case <-ctx.Done():
		c.abort(p, cancelKind(ctx), context.Cause(ctx))
		return c.settle(p, start)
	}

	select {
	case <-p.done:
	case <-wait.C:
		c.abort(p, beacon.TimeoutError, nil)
	case <-ctx.Done():
		c.abort(p, cancelKind(ctx), context.Cause(ctx))
	}
	return c.settle(p, start)
}

// EnsureConnected nudges an idle channel into dialing without issuing a
// call.
func (c *Channel) EnsureConnected() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ChannelStatus{
		State:       c.state,
		ConnectedAt: c.connectedAt,
		LastError:   c.lastErr,
		LastErrorAt: c.lastErrAt,
		Pending:     c.corr.len(),
		Attempt:     c.attempt,
	}
}

// Close is idempotent, fails every pending call with a closed
// classification and stops the driver. The pool is the only caller.
func (c *Channel) Close() {
	c.closeWith(nil)
}

func (c *Channel) closeWith(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCause = cause
		c.mu.Unlock()

		close(c.closed)
		c.runCancel()
		c.setState(StateClosed, cause)

		failed := 0
		for _, p := range c.corr.drain() {
			p.finish(nil, beacon.NewError(beacon.ClosedError, p.event, cause))
			failed++
		}
		if failed > 0 {
			log.Warn().Msgf("beacon %s: channel closed, failed %d pending calls", c.cfg.ServerID, failed)
		}
	})
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Channel) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCause
}

func (c *Channel) abort(p *pendingCall, kind beacon.ErrorKind, cause error) {
	if q, ok := c.corr.take(p.id); ok {
		q.finish(nil, beacon.NewError(kind, p.event, cause))
	}
}

func (c *Channel) settle(p *pendingCall, start time.Time) (json.RawMessage, error) {
	<-p.done
	if p.err != nil {
		if kind, ok := beacon.KindOf(p.err); ok {
			c.mt.Increment("call.error." + kind.String())
		}
		return nil, p.err
	}
	c.mt.Increment("call.ok")
	c.mt.Duration("call.duration", time.Since(start))
	return p.result, nil
}

func cancelKind(ctx context.Context) beacon.ErrorKind {
	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return beacon.TimeoutError
	}
	return beacon.ClosedError
}

// run is the channel driver: it owns the transport handle for the whole
// channel lifetime and is the only goroutine that writes to it.
func (c *Channel) run() {
	// connect on demand: stay idle until the first call or an explicit
	// EnsureConnected
	select {
	case <-c.wake:
	case <-c.calls:
	case <-c.closed:
		return
	}
	c.setState(StateConnecting, nil)

	for {
		conn, err := c.dialer.Dial(c.runCtx, c.cfg.Address)
		if err != nil {
			if c.isClosed() {
				return
			}
			c.mt.Increment("connect.fail")
			attempt := c.bumpAttempt(err)
			if c.cfg.MaxRetries > 0 && attempt >= c.cfg.MaxRetries {
				log.Error().Err(err).Msgf(
					"beacon %s: giving up after %d connect attempts",
					c.cfg.ServerID, attempt,
				)
				c.closeWith(fmt.Errorf("beacon unreachable after %d attempts: %w", attempt, err))
				return
			}
			delay := c.backoff.Delay(attempt - 1)
			log.Info().Msgf(
				"beacon %s: connect attempt %d failed, next in %s: %v",
				c.cfg.ServerID, attempt, delay, err,
			)
			if !c.sleep(delay) {
				return
			}
			continue
		}

		c.setState(StateConnected, nil)
		log.Info().Msgf("beacon %s: connected to %s", c.cfg.ServerID, c.cfg.Address)

		err = c.serve(conn)
		if c.isClosed() {
			return
		}
		c.mt.Increment("reconnect")
		c.setState(StateReconnecting, err)
		log.Warn().Err(err).Msgf("beacon %s: connection lost, reconnecting", c.cfg.ServerID)
	}
}

// serve drives one established connection until it fails or the channel
// closes. Pending calls survive serve returning with an error: they stay
// registered and are re-sent on the next connection.
func (c *Channel) serve(conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	inbound := make(chan Frame, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := conn.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- f:
			case <-done:
				return
			}
		}
	}()

	// re-send every unresolved request; heartbeats never survive a
	// reconnect, their answer belongs to the dead connection
	for _, p := range c.corr.inflight() {
		if p.event == beacon.PingEvent {
			c.corr.fail(p.id, beacon.NewError(beacon.NetworkError, p.event, errConnectionLost))
			continue
		}
		if d := c.reserveSend(); d > 0 {
			if !c.pause(d) {
				return nil
			}
		}
		if err := c.sendCall(conn, p); err != nil {
			return err
		}
	}

	hb := time.NewTicker(c.heartbeatInterval)
	defer hb.Stop()
	var lastPing *pendingCall

	// a call held back by the rate limiter; while one is parked the calls
	// queue stays untouched so submission order survives pacing
	var paced *pendingCall
	var pacedReady <-chan time.Time

	for {
		callsC := c.calls
		if paced != nil {
			callsC = nil
		}
		select {
		case <-c.closed:
			return nil
		case p := <-callsC:
			if p.sent || !c.corr.live(p.id) {
				continue
			}
			if d := c.reserveSend(); d > 0 {
				paced = p
				pacedReady = time.After(d)
				continue
			}
			if err := c.sendCall(conn, p); err != nil {
				return err
			}
		case <-pacedReady:
			p := paced
			paced, pacedReady = nil, nil
			if !c.corr.live(p.id) {
				continue
			}
			if err := c.sendCall(conn, p); err != nil {
				return err
			}
		case f := <-inbound:
			c.handleFrame(f)
		case err := <-readErr:
			return err
		case <-hb.C:
			// an ack may be sitting in the inbound buffer behind a
			// paced send; drain before passing a verdict
			for drained := false; !drained; {
				select {
				case f := <-inbound:
					c.handleFrame(f)
				default:
					drained = true
				}
			}
			if lastPing != nil && c.corr.live(lastPing.id) {
				c.corr.fail(lastPing.id, beacon.NewError(beacon.TimeoutError, beacon.PingEvent, nil))
				return fmt.Errorf("heartbeat unanswered within %s", c.heartbeatInterval)
			}
			c.mt.Gauge("pending", c.corr.len())
			lastPing = c.corr.register(beacon.PingEvent, nil, time.Now().Add(c.heartbeatInterval))
			lastPing.sent = true
			if err := conn.Send(Frame{ID: lastPing.id, Event: beacon.PingEvent, Key: c.cfg.AuthKey}); err != nil {
				c.corr.fail(lastPing.id, beacon.NewError(beacon.NetworkError, beacon.PingEvent, err))
				return err
			}
		}
	}
}

// reserveSend charges the rate limiter for one business frame and reports
// how long the send must be held back. Heartbeats never pass through here.
func (c *Channel) reserveSend() time.Duration {
	if c.limiter == nil {
		return 0
	}
	return c.limiter.Reserve().Delay()
}

// pause waits out a pacing delay during the resend flush, false when the
// channel closed underneath it.
func (c *Channel) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Channel) sendCall(conn Conn, p *pendingCall) error {
	p.sent = true
	return conn.Send(Frame{
		ID:    p.id,
		Event: p.event,
		Key:   c.cfg.AuthKey,
		Data:  p.data,
	})
}

func (c *Channel) handleFrame(f Frame) {
	if f.OK == nil || *f.OK {
		if !c.corr.resolve(f.ID, f.Data) {
			log.Debug().Msgf(
				"beacon %s: dropped response with unknown correlation id %d",
				c.cfg.ServerID, f.ID,
			)
		}
		return
	}

	p, ok := c.corr.take(f.ID)
	if !ok {
		log.Debug().Msgf(
			"beacon %s: dropped error response with unknown correlation id %d",
			c.cfg.ServerID, f.ID,
		)
		return
	}
	code, message := "", ""
	if f.Error != nil {
		code, message = f.Error.Code, f.Error.Message
	}
	if code == wireAuthErrorCode {
		p.finish(nil, beacon.NewError(beacon.AuthError, p.event, fmt.Errorf("beacon rejected auth key: %s", message)))
		return
	}
	p.finish(nil, beacon.NewApplicationError(p.event, code, message))
}

// sleep waits out a backoff delay while keeping the calls queue drained;
// queued calls stay registered in the correlator and go out on connect.
func (c *Channel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return true
		case <-c.calls:
		case <-c.wake:
		case <-c.closed:
			return false
		}
	}
}

func (c *Channel) bumpAttempt(err error) uint {
	c.mu.Lock()
	c.attempt++
	n := c.attempt
	c.mu.Unlock()
	c.setState(StateReconnecting, err)
	return n
}

func (c *Channel) setState(to State, err error) {
	c.mu.Lock()
	from := c.state
	if from == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = to
	if err != nil {
		c.lastErr = err
		c.lastErrAt = time.Now()
	}
	if to == StateConnected {
		c.connectedAt = time.Now()
		c.attempt = 0
	}
	c.mu.Unlock()

	if from == to {
		return
	}
	if c.notify != nil {
		c.notify.NotifyStateChanged(StateEvent{
			ServerID: c.cfg.ServerID,
			From:     from,
			To:       to,
			Err:      err,
			At:       time.Now(),
		})
	}
}
