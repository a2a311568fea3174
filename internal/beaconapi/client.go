package beaconapi

import (
	"context"
	"encoding/json"
	"fmt"

	retry "github.com/avast/retry-go/v4"

	"github.com/emeraldrp/beacon-gateway/internal/gateway"
	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

// ConfigSource supplies endpoint configuration. The portal owns the
// records; the gateway only reads them.
type ConfigSource interface {
	GetEndpoint(ctx context.Context, id beacon.ServerID) (beacon.EndpointConfig, error)
}

type Pool interface {
	GetOrCreate(cfg beacon.EndpointConfig) (*gateway.Channel, error)
}

// Client is the typed caller surface over the gateway pool: one method per
// catalogue event. Retryable failures (network, timeout) get a bounded
// retry with backoff; auth, application and closed failures pass straight
// through so a caller can map them to its own responses.
type Client struct {
	pool    Pool
	configs ConfigSource
}

func NewClient(pool Pool, configs ConfigSource) *Client {
	return &Client{
		pool:    pool,
		configs: configs,
	}
}

const callAttempts = 3

func (c *Client) call(ctx context.Context, serverID beacon.ServerID, event beacon.Event, payload any, out any) error {
	cfg, err := c.configs.GetEndpoint(ctx, serverID)
	if err != nil {
		return fmt.Errorf("failed to resolve endpoint for server %s: %w", serverID, err)
	}

	var raw json.RawMessage
	err = retry.Do(
		func() error {
			ch, err := c.pool.GetOrCreate(cfg)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			raw, err = ch.Call(ctx, event, payload)
			return err
		},
		retry.Attempts(callAttempts),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(beacon.Retryable),
	)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return beacon.NewError(beacon.ApplicationError, event,
			fmt.Errorf("failed to decode %s response: %w", event, err))
	}
	return nil
}

func (c *Client) Status(ctx context.Context, serverID beacon.ServerID) (*beacon.StatusInfo, error) {
	out := &beacon.StatusInfo{}
	if err := c.call(ctx, serverID, beacon.GetStatusEvent, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Logs(ctx context.Context, serverID beacon.ServerID, filter beacon.LogFilter) (*beacon.LogPage, error) {
	out := &beacon.LogPage{}
	if err := c.call(ctx, serverID, beacon.GetLogsEvent, filter, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Player(ctx context.Context, serverID beacon.ServerID, ref beacon.PlayerRef) (*beacon.PlayerIdentity, error) {
	out := &beacon.PlayerIdentity{}
	if err := c.call(ctx, serverID, beacon.GetPlayerEvent, ref, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PlayerStats(ctx context.Context, serverID beacon.ServerID, playerID string) (*beacon.PlayerStats, error) {
	out := &beacon.PlayerStats{}
	ref := beacon.PlayerRef{ID: playerID}
	if err := c.call(ctx, serverID, beacon.GetPlayerStatsEvent, ref, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PlayerAchievements(ctx context.Context, serverID beacon.ServerID, playerID string) ([]beacon.Achievement, error) {
	out := []beacon.Achievement{}
	ref := beacon.PlayerRef{ID: playerID}
	if err := c.call(ctx, serverID, beacon.GetPlayerAchievesEvent, ref, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PlayerSessions(ctx context.Context, serverID beacon.ServerID, filter beacon.SessionFilter) (*beacon.SessionPage, error) {
	out := &beacon.SessionPage{}
	if err := c.call(ctx, serverID, beacon.GetPlayerSessionsEvent, filter, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PlayerRawState(ctx context.Context, serverID beacon.ServerID, playerID string) (json.RawMessage, error) {
	out := json.RawMessage{}
	ref := beacon.PlayerRef{ID: playerID}
	if err := c.call(ctx, serverID, beacon.GetPlayerRawStateEvent, ref, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ForceRescan(ctx context.Context, serverID beacon.ServerID) (*beacon.RescanResult, error) {
	out := &beacon.RescanResult{}
	if err := c.call(ctx, serverID, beacon.ForceRescanEvent, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}
