package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emeraldrp/beacon-gateway/internal/metrics"
	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

type StatusClient interface {
	Status(ctx context.Context, serverID beacon.ServerID) (*beacon.StatusInfo, error)
}

type EndpointSource interface {
	GetEnabledEndpoints(ctx context.Context) ([]beacon.EndpointConfig, error)
}

// Poller walks every enabled server on a timer and pulls get_status
// through the gateway. Besides the exported gauges this doubles as the
// keepalive that makes channels dial before the first portal request
// lands on them.
type Poller struct {
	client      StatusClient
	source      EndpointSource
	mt          metrics.Metrics
	interval    time.Duration
	concurrency uint16

	tasks chan beacon.ServerID
}

func New(
	client StatusClient,
	source EndpointSource,
	mt metrics.Metrics,
	interval time.Duration,
	concurrency uint16,
) *Poller {
	if concurrency == 0 {
		concurrency = 4
	}
	return &Poller{
		client:      client,
		source:      source,
		mt:          mt,
		interval:    interval,
		concurrency: concurrency,
		tasks:       make(chan beacon.ServerID, 2*concurrency),
	}
}

func (p *Poller) Run(ctx context.Context) {
	wg := sync.WaitGroup{}
	for i := uint16(0); i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().Msgf("status poller started with %d workers", p.concurrency)
	p.enqueueAll(ctx)
	for {
		select {
		case <-ctx.Done():
			close(p.tasks)
			wg.Wait()
			return
		case <-ticker.C:
			p.enqueueAll(ctx)
		}
	}
}

func (p *Poller) enqueueAll(ctx context.Context) {
	endpoints, err := p.source.GetEnabledEndpoints(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list enabled servers")
		p.mt.Increment("poll.list_error")
		return
	}
	for _, cfg := range endpoints {
		select {
		case p.tasks <- cfg.ServerID:
		case <-ctx.Done():
			return
		default:
			// Workers have not drained the previous round yet, the
			// next tick will pick this server up again.
			log.Warn().Msgf("poll queue is full, skipping server %s", cfg.ServerID)
			p.mt.Increment("poll.skipped")
		}
	}
}

func (p *Poller) worker(ctx context.Context) {
	for serverID := range p.tasks {
		p.pollOne(ctx, serverID)
	}
}

func (p *Poller) pollOne(ctx context.Context, serverID beacon.ServerID) {
	start := time.Now()
	status, err := p.client.Status(ctx, serverID)
	if err != nil {
		log.Error().Err(err).Msgf("failed to poll server %s", serverID)
		kind, _ := beacon.KindOf(err)
		p.mt.Increment(fmt.Sprintf("poll.error.%s", kind))
		p.mt.Gauge(fmt.Sprintf("beacon.%s.reachable", serverID), 0)
		return
	}
	p.mt.Duration("poll.duration", time.Since(start))
	p.mt.Gauge(fmt.Sprintf("beacon.%s.reachable", serverID), 1)
	p.mt.Gauge(fmt.Sprintf("beacon.%s.online_players", serverID), status.OnlinePlayers)
	p.mt.Gauge(fmt.Sprintf("beacon.%s.tick_time_ms", serverID), int(status.TickTimeMs))
}
