package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisStreamConfig 描述消费的 Redis stream 与消费组
type RedisStreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
}

// RedisStreamSource reads domain events from a Redis stream consumer group
// and publishes them on the event bus. A message is acked once it has been
// accepted by the bus or found undecodable.
type RedisStreamSource struct {
	client    *redis.Client
	cfg       RedisStreamConfig
	publisher EventPublisher
	logger    *logrus.Logger
}

func NewRedisStreamSource(client *redis.Client, cfg RedisStreamConfig, publisher EventPublisher, logger *logrus.Logger) *RedisStreamSource {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisStreamSource{client: client, cfg: cfg, publisher: publisher, logger: logger}
}

func (s *RedisStreamSource) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Run consumes until ctx is cancelled. Messages left pending by a previous
// run of this consumer are processed first.
func (s *RedisStreamSource) Run(ctx context.Context) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"stream": s.cfg.Stream, "group": s.cfg.Group}).Info("redis stream: consuming")

	cursor := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, last, err := s.readOnce(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.WithError(err).Warn("redis stream: read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		// walk our pending list once, then switch to new messages
		if cursor != ">" {
			if n == 0 {
				cursor = ">"
			} else {
				cursor = last
			}
		}
	}
}

func (s *RedisStreamSource) readOnce(ctx context.Context, cursor string) (int, string, error) {
	args := &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, cursor},
		Count:    s.cfg.BatchSize,
	}
	if cursor == ">" {
		args.Block = s.cfg.Block
	}
	streams, err := s.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("xreadgroup: %w", err)
	}
	n, last := 0, ""
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			n++
			last = msg.ID
			s.handle(ctx, msg)
		}
	}
	return n, last, nil
}

func (s *RedisStreamSource) handle(ctx context.Context, msg redis.XMessage) {
	log := s.logger.WithField("message_id", msg.ID)
	evt, err := DecodeStreamEvent(msg.Values)
	if err != nil {
		log.WithError(err).Error("redis stream: dropping undecodable message")
		s.ack(ctx, msg.ID)
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			log.WithError(err).Error("redis stream: dropping invalid event")
			s.ack(ctx, msg.ID)
			return
		}
		// left pending; picked up again on the next start
		log.WithError(err).Warn("redis stream: event not accepted")
		return
	}
	s.ack(ctx, msg.ID)
}

func (s *RedisStreamSource) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		s.logger.WithError(err).WithField("message_id", id).Warn("redis stream: ack failed")
	}
}

// DecodeStreamEvent accepts either a single "data" field holding the event
// as JSON, or the flat field layout other platform services publish
// (metadata_source, metadata_version, metadata_additional_data).
func DecodeStreamEvent(values map[string]interface{}) (*DomainEvent, error) {
	str := func(key string) string {
		switch v := values[key].(type) {
		case string:
			return v
		case []byte:
			return string(v)
		case nil:
			return ""
		default:
			return fmt.Sprint(v)
		}
	}

	if data := str("data"); data != "" {
		var evt DomainEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return nil, fmt.Errorf("decode data field: %w", err)
		}
		return &evt, nil
	}

	evt := &DomainEvent{
		EventID:    str("event_id"),
		EventType:  str("event_type"),
		EntityType: str("entity_type"),
		EntityID:   str("entity_id"),
		TenantID:   str("tenant_id"),
		UserID:     str("user_id"),
		Metadata:   map[string]interface{}{},
	}
	if evt.EventID == "" || evt.EventType == "" {
		return nil, errors.New("event_id and event_type are required")
	}
	if ts := str("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			// isoformat() without a zone
			t, err = time.Parse("2006-01-02T15:04:05.999999", ts)
		}
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		evt.Timestamp = t.UTC()
	}
	if raw := str("metadata_additional_data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata_additional_data: %w", err)
		}
		if evt.Metadata == nil {
			evt.Metadata = map[string]interface{}{}
		}
	}
	if src := str("metadata_source"); src != "" {
		if _, taken := evt.Metadata["source"]; !taken {
			evt.Metadata["source"] = src
		}
	}
	if ver := str("metadata_version"); ver != "" {
		if _, taken := evt.Metadata["version"]; !taken {
			evt.Metadata["version"] = ver
		}
	}
	return evt, nil
}

// RedisActivityRecorder forwards create_activity results to a Redis stream
// for the activities module to consume.
type RedisActivityRecorder struct {
	client *redis.Client
	stream string
}

func NewRedisActivityRecorder(client *redis.Client, stream string) *RedisActivityRecorder {
	return &RedisActivityRecorder{client: client, stream: stream}
}

func (r *RedisActivityRecorder) RecordActivity(ctx context.Context, a *Activity) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode activity metadata: %w", err)
	}
	fields := map[string]interface{}{
		"tenant_id":       a.TenantID,
		"activity_type":   a.ActivityType,
		"description":     a.Description,
		"entity_type":     a.EntityType,
		"entity_id":       a.EntityID,
		"user_id":         a.UserID,
		"source_event_id": a.SourceEventID,
		"metadata":        string(metadata),
		"created_at":      a.CreatedAt.Format(time.RFC3339Nano),
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: r.stream, Values: fields}).Err(); err != nil {
		return fmt.Errorf("xadd activity (stream=%s): %w", r.stream, err)
	}
	return nil
}
