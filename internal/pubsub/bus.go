// Package pubsub fans engine events out to redis subscribers, the replay
// stream and the operator websocket hub.
package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OperatorChannel carries every event operators may care about.
const OperatorChannel = "operator"

type Bus struct {
	rdb     *redis.Client
	log     *zap.Logger
	timeout time.Duration
	wsHub   WSHub
	streams *Streams
}

type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	return &Bus{
		rdb:     rdb,
		log:     log,
		timeout: 2 * time.Second,
		streams: NewStreams(rdb, log),
	}
}

// SetWSHub sets the WebSocket hub for event broadcasting
func (b *Bus) SetWSHub(hub WSHub) {
	b.wsHub = hub
}

// GetStreams returns the streams provider
func (b *Bus) GetStreams() *Streams {
	return b.streams
}

// SessionChannel names the per-session channel.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// PublishSession publishes to the session channel and mirrors the event onto
// the operator channel.
func (b *Bus) PublishSession(sessionID string, event map[string]interface{}) error {
	err := b.Publish(SessionChannel(sessionID), event)
	if opErr := b.Publish(OperatorChannel, event); err == nil {
		err = opErr
	}
	return err
}

// PublishOperator publishes to the operator channel only.
func (b *Bus) PublishOperator(event map[string]interface{}) error {
	return b.Publish(OperatorChannel, event)
}

// Publish publishes an event to a channel. The websocket hub still receives
// the event when redis is unavailable.
func (b *Bus) Publish(channel string, event map[string]interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	pubErr := b.rdb.Publish(ctx, channel, data).Err()
	if pubErr != nil {
		b.log.Error("Failed to publish event", zap.String("channel", channel), zap.Error(pubErr))
	}

	seq, err := b.streams.PublishEvent(ctx, channel, event)
	if err != nil {
		b.log.Warn("Failed to publish to stream", zap.String("channel", channel), zap.Error(err))
	}

	eventWithSeq := make(map[string]interface{}, len(event)+2)
	for k, v := range event {
		eventWithSeq[k] = v
	}
	eventWithSeq["seq"] = seq
	eventWithSeq["channel"] = channel

	if b.wsHub != nil {
		b.wsHub.Publish(channel, eventWithSeq)
	}

	b.log.Debug("Published event", zap.String("channel", channel), zap.Int64("seq", seq), zap.ByteString("event", data))
	return pubErr
}
