package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/deriv/fraud-triage/configs"
)

// Record is one raw entry read from the inbound stream. Values carries the
// record fields as delivered; parsing event_data is the pipeline's job so
// that poison records can be counted and eventually acked.
type Record struct {
	ID         string
	Values     map[string]interface{}
	Deliveries int64
}

// EventData returns the event_data field, or false when it is missing or
// not a string.
func (r Record) EventData() (string, bool) {
	raw, ok := r.Values["event_data"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// StreamConsumer reads transaction records from the inbound Redis stream
// with consumer-group semantics: per-group offset, per-consumer pending
// list, explicit ack.
type StreamConsumer struct {
	client        *redis.Client
	streamName    string
	consumerGroup string
	claimMinIdle  time.Duration
}

// NewStreamConsumer connects to Redis and ensures the consumer group
// exists. The group starts at the latest entry; a group that already
// exists is not an error.
func NewStreamConsumer(cfg configs.RedisConfig, claimMinIdle time.Duration) (*StreamConsumer, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	sc := &StreamConsumer{
		client:        client,
		streamName:    cfg.StreamName,
		consumerGroup: cfg.ConsumerGroup,
		claimMinIdle:  claimMinIdle,
	}

	if err := sc.ensureGroup(ctx); err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	log.Info().
		Str("stream", sc.streamName).
		Str("group", sc.consumerGroup).
		Msg("Stream consumer initialized")
	return sc, nil
}

// ensureGroup creates the consumer group at the latest offset. MKSTREAM
// creates the stream if it does not exist yet; BUSYGROUP is swallowed.
func (s *StreamConsumer) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.streamName, s.consumerGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Read returns a batch of at most count records for the named consumer.
// Abandoned pending records (idle past the claim threshold) are claimed
// first, carrying their true delivery count; otherwise new records are
// read, each on its first delivery. An empty read returns a nil slice.
func (s *StreamConsumer) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Record, error) {
	claimed, err := s.claimAbandoned(ctx, consumer, count)
	if err != nil {
		log.Warn().Err(err).Str("consumer", consumer).Msg("Failed to claim pending records")
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.consumerGroup,
		Consumer: consumer,
		Streams:  []string{s.streamName, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var records []Record
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			records = append(records, Record{ID: msg.ID, Values: msg.Values, Deliveries: 1})
		}
	}
	return records, nil
}

// claimAbandoned claims records whose idle time exceeds the threshold,
// preserving their delivery counts from the pending entry list.
func (s *StreamConsumer) claimAbandoned(ctx context.Context, consumer string, count int64) ([]Record, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.streamName,
		Group:  s.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	deliveries := make(map[string]int64, len(pending))
	var ids []string
	for _, p := range pending {
		if p.Idle >= s.claimMinIdle {
			ids = append(ids, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.streamName,
		Group:    s.consumerGroup,
		Consumer: consumer,
		MinIdle:  s.claimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(claimed))
	for _, msg := range claimed {
		records = append(records, Record{
			ID:         msg.ID,
			Values:     msg.Values,
			Deliveries: deliveries[msg.ID],
		})
	}
	return records, nil
}

// Ack removes records from the consumer group's pending list.
func (s *StreamConsumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.streamName, s.consumerGroup, ids...).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge records: %w", err)
	}
	return nil
}

// PendingCount returns the number of records awaiting ack for the group.
func (s *StreamConsumer) PendingCount(ctx context.Context) (int64, error) {
	pending, err := s.client.XPending(ctx, s.streamName, s.consumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// Close closes the Redis client.
func (s *StreamConsumer) Close() error {
	return s.client.Close()
}

// Escalation is one entry written to the AI investigation stream.
type Escalation struct {
	CaseID    string
	UserID    string
	EventData string
}

// InvestigationQueue produces escalation records onto the durable stream
// consumed by the external AI investigator.
type InvestigationQueue struct {
	client *redis.Client
	stream string
}

// NewInvestigationQueue connects a producer for the AI queue stream.
func NewInvestigationQueue(cfg configs.RedisConfig) (*InvestigationQueue, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &InvestigationQueue{client: client, stream: cfg.InvestigationStream}, nil
}

// Enqueue appends one escalation record. Fields are flat strings; the
// event_data value is the re-serialized JSON of the original event.
func (q *InvestigationQueue) Enqueue(ctx context.Context, esc *Escalation) error {
	msgID, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			"case_id":    esc.CaseID,
			"user_id":    esc.UserID,
			"event_data": esc.EventData,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue escalation: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("case_id", esc.CaseID).
		Msg("Escalation queued for AI investigation")
	return nil
}

// Close closes the Redis client.
func (q *InvestigationQueue) Close() error {
	return q.client.Close()
}
