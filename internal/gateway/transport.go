package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

// Frame is one JSON message of the beacon socket protocol. Requests carry
// event, key and data; responses carry ok plus data or error for the same
// correlation id.
type Frame struct {
	ID    uint64          `json:"id"`
	Event beacon.Event    `json:"event,omitempty"`
	Key   string          `json:"key,omitempty"`
	OK    *bool           `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wireAuthErrorCode is the code a beacon answers with when the shared key
// does not match.
const wireAuthErrorCode = "unauthorized"

// Conn is one established bidirectional connection to a beacon. Receive
// blocks; both unblock with an error once Close is called.
type Conn interface {
	Send(Frame) error
	Receive() (Frame, error)
	Close() error
}

// Dialer opens connections to beacon endpoints. The channel driver is the
// only caller; no other component touches the transport.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

type TCPDialer struct {
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	nc, err := (&net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial beacon at %s: %w", address, err)
	}
	return NewJSONConn(nc), nil
}

// jsonConn speaks newline-delimited JSON frames over a stream connection.
type jsonConn struct {
	nc  net.Conn
	enc *json.Encoder
	dec *json.Decoder

	wmu sync.Mutex
}

func NewJSONConn(nc net.Conn) Conn {
	return &jsonConn{
		nc:  nc,
		enc: json.NewEncoder(nc),
		dec: json.NewDecoder(nc),
	}
}

func (c *jsonConn) Send(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.enc.Encode(f); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *jsonConn) Receive() (Frame, error) {
	f := Frame{}
	if err := c.dec.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame: %w", err)
	}
	return f, nil
}

func (c *jsonConn) Close() error {
	return c.nc.Close()
}
