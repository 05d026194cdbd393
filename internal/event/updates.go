package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// UpdatesTopic is the watermill topic carrying session updates.
const UpdatesTopic = "session.update"

// Updates is the session-update side channel: runs publish status and
// resume-token changes, the persistence layer consumes them.
//
// Publishing blocks until every subscriber has acked, which keeps updates
// for a session in order. With no subscriber, updates are dropped.
type Updates struct {
	pubsub *gochannel.GoChannel
	log    zerolog.Logger
}

// NewUpdates creates a side channel backed by a watermill gochannel.
func NewUpdates() *Updates {
	log := logging.For("updates")
	return &Updates{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            64,
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: true,
			},
			watermillLogger{log: log},
		),
		log: log,
	}
}

// Publish sends an update to all consumers.
func (u *Updates) Publish(update types.SessionUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal session update: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("sessionID", update.SessionID)
	return u.pubsub.Publish(UpdatesTopic, msg)
}

// Consume subscribes fn to the side channel. The subscription is active
// when Consume returns; the returned channel closes once ctx is done and
// the consumer has drained.
//
// A failing fn is logged and the update acked; redelivering a write that
// already failed would only stall the publisher.
func (u *Updates) Consume(ctx context.Context, fn func(types.SessionUpdate) error) (<-chan struct{}, error) {
	msgs, err := u.pubsub.Subscribe(ctx, UpdatesTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", UpdatesTopic, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			var update types.SessionUpdate
			if err := json.Unmarshal(msg.Payload, &update); err != nil {
				u.log.Error().Err(err).Str("uuid", msg.UUID).Msg("Dropping malformed session update")
				msg.Ack()
				continue
			}
			if err := fn(update); err != nil {
				u.log.Error().Err(err).
					Str("sessionID", update.SessionID).
					Uint64("seq", update.Seq).
					Msg("Session update consumer failed")
			}
			msg.Ack()
		}
	}()
	return done, nil
}

// Close shuts the side channel down.
func (u *Updates) Close() error {
	return u.pubsub.Close()
}

// watermillLogger adapts zerolog to watermill's logger interface.
type watermillLogger struct {
	log zerolog.Logger
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.log.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.log.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.log.Trace().Fields(map[string]any(fields)).Msg(msg)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.log.Trace().Fields(map[string]any(fields)).Msg(msg)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{log: l.log.With().Fields(map[string]any(fields)).Logger()}
}
