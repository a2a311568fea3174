package adminwatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/emeraldrp/beacon-gateway/internal/gateway"
	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

// Pool is the subset of the channel pool the watcher drives.
type Pool interface {
	GetOrCreate(cfg beacon.EndpointConfig) (*gateway.Channel, error)
	Remove(id beacon.ServerID)
}

// ServerWatcher consumes the game_servers CDC topic and keeps the channel
// pool in sync with what admins configure in the portal.
type ServerWatcher struct {
	msgReader *kafka.Reader
	pool      Pool
}

func NewServerWatcher(groupID, kafkaAddr, topic string, pool Pool) *ServerWatcher {
	return &ServerWatcher{
		msgReader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     []string{kafkaAddr},
			GroupID:     groupID,
			Topic:       topic,
			StartOffset: kafka.LastOffset,
		}),
		pool: pool,
	}
}

func (w *ServerWatcher) Run(ctx context.Context) error {
	log.Info().Msg("server watcher started")
	for {
		msg, err := w.msgReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err = w.handleValue(msg.Value); err != nil {
			log.Error().Err(err).Msg("failed to apply server change")
		}

		if err = w.msgReader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

func (w *ServerWatcher) handleValue(raw []byte) error {
	value := Value[ServerDto]{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("failed to unmarshal server change: %w", err)
	}

	switch value.Op {
	case "c", "r":
		if value.After == nil {
			return fmt.Errorf("got %s operation without after state", value.Op)
		}
		if !value.After.Enabled {
			return nil
		}
		return w.warm(*value.After)
	case "u":
		if value.After == nil {
			return errors.New("got update operation without after state")
		}
		// Address or key may have changed, so the old connection is
		// recycled either way.
		w.pool.Remove(beacon.ServerID(value.After.ID))
		if !value.After.Enabled {
			log.Info().Msgf("server %s disabled, channel removed", value.After.ID)
			return nil
		}
		return w.warm(*value.After)
	case "d":
		if value.Before == nil {
			return errors.New("got delete operation without before state")
		}
		w.pool.Remove(beacon.ServerID(value.Before.ID))
		log.Info().Msgf("server %s deleted, channel removed", value.Before.ID)
		return nil
	default:
		return fmt.Errorf("unknown operation type: %s", value.Op)
	}
}

func (w *ServerWatcher) warm(dto ServerDto) error {
	ch, err := w.pool.GetOrCreate(dto.toEndpointConfig())
	if err != nil {
		return fmt.Errorf("failed to create channel for server %s: %w", dto.ID, err)
	}
	ch.EnsureConnected()
	log.Info().Msgf("channel for server %s is warming up", dto.ID)
	return nil
}

func (w *ServerWatcher) Close() error {
	return w.msgReader.Close()
}
