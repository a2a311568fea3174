package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emeraldrp/beacon-gateway/internal/metrics"
	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

const (
	defaultDialTimeout       = 5 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultCallBuffer        = 64
)

type PoolConfig struct {
	Dialer            Dialer
	Backoff           BackoffPolicy
	Metrics           metrics.Metrics
	Notifier          StateNotifier
	HeartbeatInterval time.Duration
	CallBuffer        int
}

// Pool is the process-wide serverID -> Channel registry. It upholds the
// single invariant everything else leans on: at most one live channel per
// server id.
type Pool struct {
	cfg PoolConfig

	mu       sync.Mutex
	channels map[beacon.ServerID]*Channel
	closed   bool
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Dialer == nil {
		cfg.Dialer = TCPDialer{Timeout: defaultDialTimeout}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.CallBuffer <= 0 {
		cfg.CallBuffer = defaultCallBuffer
	}
	return &Pool{
		cfg:      cfg,
		channels: make(map[beacon.ServerID]*Channel),
	}
}

// GetOrCreate returns the live channel for the endpoint, creating it if
// none exists or the previous one has reached its terminal state. The new
// channel starts idle and dials on first use.
func (p *Pool) GetOrCreate(cfg beacon.EndpointConfig) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoint config: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("gateway pool is shut down")
	}
	if ch, ok := p.channels[cfg.ServerID]; ok && !ch.isClosed() {
		return ch, nil
	}
	ch := newChannel(cfg, channelDeps{
		dialer:            p.cfg.Dialer,
		backoff:           p.cfg.Backoff,
		mt:                p.cfg.Metrics,
		notify:            p.cfg.Notifier,
		heartbeatInterval: p.cfg.HeartbeatInterval,
		callBuffer:        p.cfg.CallBuffer,
	})
	p.channels[cfg.ServerID] = ch

	log.Info().Msgf("created beacon channel for server %s at %s", cfg.ServerID, cfg.Address)
	return ch, nil
}

// Get is the non-creating lookup for callers that only act on servers with
// an existing channel.
func (p *Pool) Get(serverID beacon.ServerID) (*Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.channels[serverID]
	return ch, ok
}

// Remove tears the channel for serverID down, failing all its pending
// calls. Idempotent. The registry entry goes away before teardown starts,
// so a racing GetOrCreate builds a fresh channel instead of resurrecting
// the dying one.
func (p *Pool) Remove(serverID beacon.ServerID) {
	p.mu.Lock()
	ch, ok := p.channels[serverID]
	delete(p.channels, serverID)
	p.mu.Unlock()

	if !ok {
		return
	}
	ch.Close()
	log.Info().Msgf("removed beacon channel for server %s", serverID)
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

// Shutdown closes every channel and refuses further creation. Used on
// daemon exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	channels := make([]*Channel, 0, len(p.channels))
	for id, ch := range p.channels {
		channels = append(channels, ch)
		delete(p.channels, id)
	}
	p.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
