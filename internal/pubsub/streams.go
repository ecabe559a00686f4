package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamEvent is one replayable event of a channel.
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// Streams keeps a bounded redis stream per channel so operator clients can
// replay what they missed. Entry ids are "0-<seq>" so a sequence number maps
// directly onto a stream position.
type Streams struct {
	rdb    *redis.Client
	log    *zap.Logger
	maxLen int64
	ackTTL time.Duration
}

func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{
		rdb:    rdb,
		log:    log,
		maxLen: 10000,
		ackTTL: 7 * 24 * time.Hour,
	}
}

func streamKey(channel string) string { return "chatflow:stream:" + channel }
func seqKey(channel string) string    { return "chatflow:seq:" + channel }
func ackKey(channel, connectionID string) string {
	return "chatflow:ack:" + channel + ":" + connectionID
}

// PublishEvent appends the event and returns its sequence number.
func (s *Streams) PublishEvent(ctx context.Context, channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(ctx, seqKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		ID:     fmt.Sprintf("0-%d", seq),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
			"ts":   time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}
	return seq, nil
}

// GetLastSequence gets the last acknowledged sequence for a channel and connection
func (s *Streams) GetLastSequence(ctx context.Context, channel, connectionID string) (int64, error) {
	seq, err := s.rdb.Get(ctx, ackKey(channel, connectionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	return seq, nil
}

// AcknowledgeSequence records an acknowledgment for a sequence number
func (s *Streams) AcknowledgeSequence(ctx context.Context, channel, connectionID string, sequence int64) error {
	if err := s.rdb.Set(ctx, ackKey(channel, connectionID), sequence, s.ackTTL).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	return nil
}

// ReplayEvents returns up to limit events after sinceSeq, oldest first.
func (s *Streams) ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]StreamEvent, error) {
	msgs, err := s.rdb.XRangeN(ctx, streamKey(channel), fmt.Sprintf("(0-%d", sinceSeq), "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := make([]StreamEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeStreamMessage(channel, msg)
		if err != nil {
			s.log.Warn("Skipping undecodable stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeStreamMessage(channel string, msg redis.XMessage) (StreamEvent, error) {
	seq, err := parseStreamID(msg.ID)
	if err != nil {
		return StreamEvent{}, err
	}
	data, ok := msg.Values["data"].(string)
	if !ok {
		return StreamEvent{}, fmt.Errorf("entry %s has no data", msg.ID)
	}
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return StreamEvent{}, err
	}
	ts, _ := msg.Values["ts"].(string)
	timestamp, _ := time.Parse(time.RFC3339Nano, ts)
	return StreamEvent{Channel: channel, Sequence: seq, Event: event, Timestamp: timestamp}, nil
}

// parseStreamID returns the sequence part of a "ms-seq" stream id.
func parseStreamID(id string) (int64, error) {
	for i := len(id) - 1; i > 0; i-- {
		if id[i] == '-' {
			return strconv.ParseInt(id[i+1:], 10, 64)
		}
	}
	return 0, fmt.Errorf("invalid stream id %q", id)
}
