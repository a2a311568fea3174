package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emeraldrp/beacon-gateway/internal/metrics"
	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

type dialerFunc func(ctx context.Context, address string) (Conn, error)

func (f dialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}

var errConnRefused = errors.New("connection refused")

type fakeConn struct {
	in     chan Frame
	out    chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Frame, 32),
		out:    make(chan Frame, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(f Frame) error {
	select {
	case c.in <- f:
		return nil
	case <-c.closed:
		return errors.New("send on closed conn")
	}
}

func (c *fakeConn) Receive() (Frame, error) {
	select {
	case f := <-c.out:
		return f, nil
	case <-c.closed:
		return Frame{}, errors.New("receive on closed conn")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// respond runs a scripted beacon side over the fake conn.
func (c *fakeConn) respond(handler func(Frame) (Frame, bool)) {
	go func() {
		for {
			select {
			case f := <-c.in:
				resp, ok := handler(f)
				if !ok {
					continue
				}
				select {
				case c.out <- resp:
				case <-c.closed:
					return
				}
			case <-c.closed:
				return
			}
		}
	}()
}

func okFrame(id uint64, data string) Frame {
	ok := true
	return Frame{ID: id, OK: &ok, Data: json.RawMessage(data)}
}

func errFrame(id uint64, code, message string) Frame {
	notOK := false
	return Frame{ID: id, OK: &notOK, Error: &WireError{Code: code, Message: message}}
}

func echoBeacon(f Frame) (Frame, bool) {
	return okFrame(f.ID, fmt.Sprintf(`{"event":%q}`, f.Event)), true
}

func testEndpoint() beacon.EndpointConfig {
	return beacon.EndpointConfig{
		ServerID:       "srv-1",
		Address:        "127.0.0.1:9999",
		AuthKey:        "secret",
		DefaultTimeout: 2 * time.Second,
	}
}

func testDeps(d Dialer) channelDeps {
	return channelDeps{
		dialer:            d,
		backoff:           BackoffPolicy{Base: 10 * time.Millisecond, Cap: 20 * time.Millisecond},
		mt:                metrics.Noop{},
		heartbeatInterval: time.Minute,
		callBuffer:        defaultCallBuffer,
	}
}

func TestCallTimesOutWhileNeverConnected(t *testing.T) {
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		return nil, errConnRefused
	})
	ch := newChannel(testEndpoint(), testDeps(dialer))
	defer ch.Close()

	start := time.Now()
	_, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil, WithCallTimeout(50*time.Millisecond))
	elapsed := time.Since(start)

	require.True(t, beacon.IsKind(err, beacon.TimeoutError), "got %v", err)
	require.Less(t, elapsed, time.Second, "queued call must fail at its own deadline, not hang")
}

func TestOutOfOrderResponses(t *testing.T) {
	conn := newFakeConn()
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		return conn, nil
	})
	ch := newChannel(testEndpoint(), testDeps(dialer))
	defer ch.Close()

	// hold both requests, then answer in reverse submission order
	go func() {
		first := <-conn.in
		second := <-conn.in
		conn.out <- okFrame(second.ID, fmt.Sprintf(`{"event":%q}`, second.Event))
		conn.out <- okFrame(first.ID, fmt.Sprintf(`{"event":%q}`, first.Event))
	}()

	results := make(chan string, 2)
	errs := make(chan error, 2)
	call := func(event beacon.Event) {
		raw, err := ch.Call(context.Background(), event, nil)
		if err != nil {
			errs <- err
			return
		}
		got := struct {
			Event string `json:"event"`
		}{}
		errs <- json.Unmarshal(raw, &got)
		results <- got.Event
	}
	go call(beacon.GetStatusEvent)
	// the fake beacon reads frames in order, so make submission order
	// deterministic
	time.Sleep(20 * time.Millisecond)
	go call(beacon.ForceRescanEvent)

	events := map[string]bool{}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
		events[<-results] = true
	}
	require.True(t, events[string(beacon.GetStatusEvent)])
	require.True(t, events[string(beacon.ForceRescanEvent)])
}

func TestReconnectResendsPendingCall(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	second.respond(echoBeacon)

	var dials atomic.Int32
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		switch dials.Add(1) {
		case 1:
			return first, nil
		default:
			return second, nil
		}
	})
	ch := newChannel(testEndpoint(), testDeps(dialer))
	defer ch.Close()

	// swallow the request, then drop the connection under the pending call
	go func() {
		f := <-first.in
		_ = f
		first.Close()
	}()

	raw, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil, WithCallTimeout(3*time.Second))
	require.NoError(t, err, "caller must not notice a disconnect inside its deadline")
	require.JSONEq(t, fmt.Sprintf(`{"event":%q}`, beacon.GetStatusEvent), string(raw))
	require.GreaterOrEqual(t, dials.Load(), int32(2))
}

func TestDisconnectOutlivingDeadlineIsTimeout(t *testing.T) {
	first := newFakeConn()
	var dials atomic.Int32
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return nil, errConnRefused
	})
	ch := newChannel(testEndpoint(), testDeps(dialer))
	defer ch.Close()

	go func() {
		<-first.in
		first.Close()
	}()

	_, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil, WithCallTimeout(80*time.Millisecond))
	require.True(t, beacon.IsKind(err, beacon.TimeoutError), "got %v", err)
}

func TestCloseFailsAllPending(t *testing.T) {
	conn := newFakeConn()
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		return conn, nil
	})
	ch := newChannel(testEndpoint(), testDeps(dialer))

	const callers = 3
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := ch.Call(context.Background(), beacon.GetLogsEvent, beacon.LogFilter{Page: 1})
			errs <- err
		}()
	}
	// wait until all three frames reached the wire
	for i := 0; i < callers; i++ {
		<-conn.in
	}

	ch.Close()

	for i := 0; i < callers; i++ {
		err := <-errs
		require.True(t, beacon.IsKind(err, beacon.ClosedError), "got %v", err)
	}
	require.Equal(t, 0, ch.corr.len(), "teardown must not leak pending calls")

	_, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil)
	require.True(t, beacon.IsKind(err, beacon.ClosedError), "calls after close fail fast")
}

func TestLateResponseIsDroppedWithoutSideEffects(t *testing.T) {
	conn := newFakeConn()
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		return conn, nil
	})
	ch := newChannel(testEndpoint(), testDeps(dialer))
	defer ch.Close()

	frames := make(chan Frame, 2)
	go func() {
		for {
			select {
			case f := <-conn.in:
				frames <- f
			case <-conn.closed:
				return
			}
		}
	}()

	_, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil, WithCallTimeout(40*time.Millisecond))
	require.True(t, beacon.IsKind(err, beacon.TimeoutError))
	timedOut := <-frames

	// a second call is in flight while the stale response arrives
	done := make(chan struct{})
	go func() {
		defer close(done)
		raw, err := ch.Call(context.Background(), beacon.ForceRescanEvent, nil)
		require.NoError(t, err)
		require.JSONEq(t, `{"accepted":true}`, string(raw))
	}()
	live := <-frames

	conn.out <- okFrame(timedOut.ID, `{"stale":true}`)
	conn.out <- okFrame(live.ID, `{"accepted":true}`)
	<-done
}

func TestAuthRejectionClassification(t *testing.T) {
	conn := newFakeConn()
	conn.respond(func(f Frame) (Frame, bool) {
		return errFrame(f.ID, "unauthorized", "bad key"), true
	})
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		return conn, nil
	})
	ch := newChannel(testEndpoint(), testDeps(dialer))
	defer ch.Close()

	_, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil)
	require.True(t, beacon.IsKind(err, beacon.AuthError), "got %v", err)
}

func TestApplicationErrorPassesThrough(t *testing.T) {
	conn := newFakeConn()
	conn.respond(func(f Frame) (Frame, bool) {
		return errFrame(f.ID, "player_not_found", "no such player"), true
	})
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		return conn, nil
	})
	ch := newChannel(testEndpoint(), testDeps(dialer))
	defer ch.Close()

	_, err := ch.Call(context.Background(), beacon.GetPlayerEvent, beacon.PlayerRef{Name: "ghost"})
	var be *beacon.Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, beacon.ApplicationError, be.Kind)
	require.Equal(t, "player_not_found", be.Code)
	require.Equal(t, "no such player", be.Message)
}

func TestHeartbeatFailureTriggersReconnect(t *testing.T) {
	var dials atomic.Int32
	answerPings := atomic.Bool{}
	answerPings.Store(true)

	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		dials.Add(1)
		conn := newFakeConn()
		conn.respond(func(f Frame) (Frame, bool) {
			if f.Event == beacon.PingEvent && !answerPings.Load() {
				return Frame{}, false
			}
			return okFrame(f.ID, `{}`), true
		})
		return conn, nil
	})

	deps := testDeps(dialer)
	deps.heartbeatInterval = 25 * time.Millisecond
	ch := newChannel(testEndpoint(), deps)
	defer ch.Close()
	ch.EnsureConnected()

	require.Eventually(t, func() bool {
		return ch.Status().State == StateConnected
	}, time.Second, 5*time.Millisecond)

	// healthy pings keep the connection up
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), dials.Load())

	answerPings.Store(false)
	require.Eventually(t, func() bool {
		return dials.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond, "missed heartbeat must force a reconnect")
}

func TestGiveUpAfterMaxRetries(t *testing.T) {
	var dials atomic.Int32
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		dials.Add(1)
		return nil, errConnRefused
	})

	cfg := testEndpoint()
	cfg.MaxRetries = 2
	ch := newChannel(cfg, testDeps(dialer))
	defer ch.Close()
	ch.EnsureConnected()

	require.Eventually(t, func() bool {
		return ch.Status().State == StateClosed
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), dials.Load())

	_, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil)
	require.True(t, beacon.IsKind(err, beacon.ClosedError), "got %v", err)
	require.ErrorIs(t, err, errConnRefused)
}

func TestContextCancellationReleasesPendingCall(t *testing.T) {
	conn := newFakeConn()
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		return conn, nil
	})
	ch := newChannel(testEndpoint(), testDeps(dialer))
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := ch.Call(ctx, beacon.GetStatusEvent, nil)
		errs <- err
	}()
	<-conn.in
	cancel()

	err := <-errs
	require.True(t, beacon.IsKind(err, beacon.ClosedError), "got %v", err)
	require.Equal(t, 0, ch.corr.len(), "abandoned call must not leak")
}

func TestPacedCallsDoNotTripHeartbeat(t *testing.T) {
	var dials atomic.Int32
	var pings atomic.Int32
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		dials.Add(1)
		conn := newFakeConn()
		conn.respond(func(f Frame) (Frame, bool) {
			if f.Event == beacon.PingEvent {
				pings.Add(1)
			}
			return okFrame(f.ID, `{}`), true
		})
		return conn, nil
	})

	cfg := testEndpoint()
	cfg.MaxCallRate = 4
	deps := testDeps(dialer)
	deps.heartbeatInterval = 40 * time.Millisecond
	ch := newChannel(cfg, deps)
	defer ch.Close()

	const callers = 4
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil, WithCallTimeout(5*time.Second))
			errs <- err
		}()
	}
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	require.EqualValues(t, 1, dials.Load(), "responsive beacon must not be declared heartbeat-dead under pacing")
	require.GreaterOrEqual(t, pings.Load(), int32(5), "heartbeats must bypass call pacing")
}

func TestBusinessFramesArePaced(t *testing.T) {
	conn := newFakeConn()
	conn.respond(echoBeacon)
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		return conn, nil
	})

	cfg := testEndpoint()
	cfg.MaxCallRate = 20 // 50ms between business frames
	ch := newChannel(cfg, testDeps(dialer))
	defer ch.Close()

	start := time.Now()
	const calls = 3
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			_, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil)
			errs <- err
		}()
	}
	for i := 0; i < calls; i++ {
		require.NoError(t, <-errs)
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond,
		"three frames at 20/s must spread over at least two pacing intervals")
}

func TestCloseRacingCallNeverTimesOut(t *testing.T) {
	ch := newChannel(testEndpoint(), testDeps(blockingDialer()))

	const callers = 20
	errs := make(chan error, callers)
	start := time.Now()
	for i := 0; i < callers; i++ {
		go func() {
			_, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil, WithCallTimeout(5*time.Second))
			errs <- err
		}()
	}
	ch.Close()

	for i := 0; i < callers; i++ {
		err := <-errs
		require.True(t, beacon.IsKind(err, beacon.ClosedError), "got %v", err)
	}
	require.Less(t, time.Since(start), 2*time.Second,
		"calls racing teardown must fail closed, not wait out their deadline")
}

func TestChannelStartsIdleAndConnectsOnDemand(t *testing.T) {
	var dials atomic.Int32
	dialer := dialerFunc(func(ctx context.Context, address string) (Conn, error) {
		dials.Add(1)
		conn := newFakeConn()
		conn.respond(echoBeacon)
		return conn, nil
	})
	ch := newChannel(testEndpoint(), testDeps(dialer))
	defer ch.Close()

	require.Equal(t, StateIdle, ch.Status().State)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), dials.Load(), "no dialing before first use")

	_, err := ch.Call(context.Background(), beacon.GetStatusEvent, nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, StateConnected, ch.Status().State)
}
