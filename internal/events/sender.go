package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/emeraldrp/beacon-gateway/internal/gateway"
)

const resendInterval = 15 * time.Second

// Message is what lands on the channel-state topic. The portal uses it to
// paint server connectivity in the admin UI.
type Message struct {
	ServerID string `json:"server_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Error    string `json:"error,omitempty"`
	AtMs     int64  `json:"at_ms"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSender drains channel state events into kafka. Events that cannot
// be delivered are parked and retried on a timer so a broker hiccup does
// not lose transitions.
type KafkaSender struct {
	writer messageWriter
	events <-chan gateway.StateEvent

	unsent []kafka.Message
}

func NewKafkaSender(kafkaAddr, topic string, events <-chan gateway.StateEvent) *KafkaSender {
	return &KafkaSender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(kafkaAddr),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		events: events,
	}
}

func (s *KafkaSender) Close() error {
	if w, ok := s.writer.(*kafka.Writer); ok {
		return w.Close()
	}
	return nil
}

func (s *KafkaSender) Run(ctx context.Context) {
	ticker := time.NewTicker(resendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx))
			return
		case ev, ok := <-s.events:
			if !ok {
				s.flush(context.WithoutCancel(ctx))
				return
			}
			msg, err := toKafkaMessage(ev)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode state event")
				continue
			}
			if err = s.send(ctx, msg); err != nil {
				log.Error().Err(err).Msgf("failed to send state event for server %s, parked", ev.ServerID)
				s.unsent = append(s.unsent, msg)
			}
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *KafkaSender) send(ctx context.Context, msgs ...kafka.Message) error {
	return retry.Do(
		func() error {
			return s.writer.WriteMessages(ctx, msgs...)
		},
		retry.Attempts(3),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (s *KafkaSender) flush(ctx context.Context) {
	if len(s.unsent) == 0 {
		return
	}
	if err := s.send(ctx, s.unsent...); err != nil {
		log.Error().Err(err).Msgf("failed to flush %d parked state events", len(s.unsent))
		return
	}
	log.Info().Msgf("flushed %d parked state events", len(s.unsent))
	s.unsent = nil
}

func toKafkaMessage(ev gateway.StateEvent) (kafka.Message, error) {
	msg := Message{
		ServerID: string(ev.ServerID),
		From:     ev.From.String(),
		To:       ev.To.String(),
		AtMs:     ev.At.UnixMilli(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal state event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.ServerID),
		Value: raw,
	}, nil
}
