package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deriv/fraud-triage/configs"
	"github.com/deriv/fraud-triage/internal/queue"
)

// =============================================================================
// Kafka CDC Audit Pipeline
// =============================================================================
// This worker does NOT triage transactions (the Redis Stream pipeline
// handles that). It captures every change to the fraud_cases table for:
//   - Audit trail / compliance logging
//   - Case lifecycle analytics
//   - Event replay capabilities
//   - Data warehouse sync
// =============================================================================

// DebeziumMessage represents a CDC event from Debezium
type DebeziumMessage struct {
	Before      json.RawMessage `json:"before"`
	After       json.RawMessage `json:"after"`
	Source      DebeziumSource  `json:"source"`
	Op          string          `json:"op"` // c=create, u=update, d=delete, r=read (snapshot)
	TsMs        int64           `json:"ts_ms"`
	Transaction json.RawMessage `json:"transaction"`
}

// DebeziumSource contains metadata about the change
type DebeziumSource struct {
	Version   string `json:"version"`
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Snapshot  string `json:"snapshot"`
	DB        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxID      int64  `json:"txId"`
	LSN       int64  `json:"lsn"`
}

// FraudCaseCDC represents a fraud_cases row from CDC
type FraudCaseCDC struct {
	CaseID               string      `json:"case_id"`
	UserID               string      `json:"user_id"`
	Status               string      `json:"status"`
	TriggeredBy          string      `json:"triggered_by"`
	TriggerTransactionID string      `json:"trigger_transaction_id"`
	FraudProbability     interface{} `json:"fraud_probability"`
	ConfidenceScore      interface{} `json:"confidence_score"`
	HumanDecision        *string     `json:"human_decision"`
	CreatedAt            string      `json:"created_at"`
	UpdatedAt            string      `json:"updated_at"`
	ResolvedAt           *string     `json:"resolved_at"`
}

// AuditEvent represents a processed case-lifecycle event
type AuditEvent struct {
	EventType     string                 `json:"event_type"`
	CaseID        string                 `json:"case_id"`
	UserID        string                 `json:"user_id"`
	Status        string                 `json:"status"`
	PrevStatus    string                 `json:"prev_status,omitempty"`
	TriggeredBy   string                 `json:"triggered_by"`
	HumanDecision string                 `json:"human_decision,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CDCTimestamp  int64                  `json:"cdc_timestamp_ms"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// CaseMetrics tracks live case-lifecycle metrics
type CaseMetrics struct {
	mu                sync.RWMutex
	CasesOpened       int64
	AutoApproved      int64
	AutoBlocked       int64
	Escalated         int64
	Resolved          int64
	StatusTransitions map[string]int64
	LastEventTime     time.Time
	EventsPerSecond   float64
	windowStart       time.Time
	windowCount       int64
}

func NewCaseMetrics() *CaseMetrics {
	return &CaseMetrics{
		StatusTransitions: make(map[string]int64),
		windowStart:       time.Now(),
	}
}

func (m *CaseMetrics) RecordEvent(event *AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LastEventTime = time.Now()
	m.windowCount++

	// Calculate events per second
	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed > 0 {
		m.EventsPerSecond = float64(m.windowCount) / elapsed
	}

	// Reset window every minute
	if elapsed > 60 {
		m.windowStart = time.Now()
		m.windowCount = 0
	}

	switch event.EventType {
	case "case_opened":
		m.CasesOpened++
		switch event.Status {
		case "AUTO_APPROVED":
			m.AutoApproved++
		case "AUTO_BLOCKED":
			m.AutoBlocked++
		}
	case "case_updated":
		transition := event.PrevStatus + "->" + event.Status
		m.StatusTransitions[transition]++

		switch event.Status {
		case "AUTO_APPROVED":
			m.AutoApproved++
		case "AUTO_BLOCKED":
			m.AutoBlocked++
		case "ESCALATED":
			m.Escalated++
		case "RESOLVED":
			m.Resolved++
		}
	}
}

func (m *CaseMetrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"cases_opened":       m.CasesOpened,
		"auto_approved":      m.AutoApproved,
		"auto_blocked":       m.AutoBlocked,
		"escalated":          m.Escalated,
		"resolved":           m.Resolved,
		"events_per_second":  m.EventsPerSecond,
		"status_transitions": m.StatusTransitions,
		"last_event_time":    m.LastEventTime,
	}
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENVIRONMENT") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Msg("🔄 Starting Fraud Case CDC Audit Pipeline")
	log.Info().Msg("This pipeline captures fraud_cases changes for audit & analytics.")
	log.Info().Msg("Triage is handled by the Redis Stream pipeline (fast path).")

	// Load configuration
	cfg := configs.Load()

	brokers := strings.Split(cfg.Kafka.Brokers, ",")
	topics := strings.Split(cfg.Kafka.Topics, ",")

	// Connect to Redis (for publishing recent audit events)
	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	// Initialize real-time metrics
	metrics := NewCaseMetrics()

	// Create Kafka consumer
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Retry connecting to Kafka
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(brokers, cfg.Kafka.GroupID, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	// Create consumer handler
	handler := &AuditPipelineHandler{
		metrics:     metrics,
		cacheClient: cacheClient,
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping audit pipeline...")
		cancel()
	}()

	// Start metrics reporter (logs every 30 seconds)
	go handler.startMetricsReporter(ctx)

	// Start consuming
	log.Info().
		Strs("brokers", brokers).
		Strs("topics", topics).
		Str("group_id", cfg.Kafka.GroupID).
		Msg("📊 Audit pipeline started - consuming CDC events")

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down audit pipeline")
			return
		}
	}
}

// AuditPipelineHandler processes fraud_cases CDC events
type AuditPipelineHandler struct {
	metrics     *CaseMetrics
	cacheClient *queue.CacheClient
}

func (h *AuditPipelineHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Audit pipeline session started")
	return nil
}

func (h *AuditPipelineHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Audit pipeline session ended")
	return nil
}

func (h *AuditPipelineHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			h.processMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *AuditPipelineHandler) processMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	// Parse Debezium message
	var debeziumMsg DebeziumMessage
	if err := json.Unmarshal(message.Value, &debeziumMsg); err != nil {
		log.Error().Err(err).Msg("Failed to parse Debezium message")
		return
	}

	// Parse the case row
	var row FraudCaseCDC
	var prevRow *FraudCaseCDC

	if debeziumMsg.After != nil {
		if err := json.Unmarshal(debeziumMsg.After, &row); err != nil {
			log.Error().Err(err).Msg("Failed to parse case from CDC payload")
			return
		}
	}

	if debeziumMsg.Before != nil {
		prevRow = &FraudCaseCDC{}
		if err := json.Unmarshal(debeziumMsg.Before, prevRow); err != nil {
			prevRow = nil // Ignore parse errors for 'before'
		}
	}

	// Create audit event
	event := h.createAuditEvent(&debeziumMsg, &row, prevRow)

	// Record in real-time metrics
	h.metrics.RecordEvent(event)

	// Log the event with appropriate level
	h.logEvent(event)

	// Store in audit trail
	h.storeAuditEvent(ctx, event)
}

func (h *AuditPipelineHandler) createAuditEvent(msg *DebeziumMessage, row *FraudCaseCDC, prevRow *FraudCaseCDC) *AuditEvent {
	eventType := "unknown"
	switch msg.Op {
	case "c":
		eventType = "case_opened"
	case "u":
		eventType = "case_updated"
	case "d":
		eventType = "case_deleted"
	case "r":
		eventType = "case_snapshot"
	}

	event := &AuditEvent{
		EventType:    eventType,
		CaseID:       row.CaseID,
		UserID:       row.UserID,
		Status:       row.Status,
		TriggeredBy:  row.TriggeredBy,
		Timestamp:    time.Now(),
		CDCTimestamp: msg.TsMs,
		Metadata: map[string]interface{}{
			"table":     msg.Source.Table,
			"lsn":       msg.Source.LSN,
			"txId":      msg.Source.TxID,
			"connector": msg.Source.Connector,
		},
	}

	if row.HumanDecision != nil {
		event.HumanDecision = *row.HumanDecision
	}
	if prevRow != nil {
		event.PrevStatus = prevRow.Status
	}

	return event
}

func (h *AuditPipelineHandler) logEvent(event *AuditEvent) {
	switch event.EventType {
	case "case_opened":
		log.Info().
			Str("event", "📥 OPEN").
			Str("case_id", event.CaseID).
			Str("user_id", event.UserID).
			Str("status", event.Status).
			Msg("Case captured")

	case "case_updated":
		icon := "📝"
		switch event.Status {
		case "AUTO_BLOCKED":
			icon = "🛑"
		case "AUTO_APPROVED":
			icon = "✅"
		case "RESOLVED":
			icon = "🏁"
		}

		log.Info().
			Str("event", icon+" UPDATE").
			Str("case_id", event.CaseID).
			Str("status", event.PrevStatus+"→"+event.Status).
			Msg("Case status changed")

	case "case_deleted":
		log.Warn().
			Str("event", "🗑️ DELETE").
			Str("case_id", event.CaseID).
			Msg("Case deleted")
	}
}

func (h *AuditPipelineHandler) storeAuditEvent(ctx context.Context, event *AuditEvent) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return
	}

	// Keep the latest events in Redis for dashboard access
	key := "audit:recent_case_events"
	h.cacheClient.LPush(ctx, key, string(eventJSON))
	h.cacheClient.LTrim(ctx, key, 0, 999) // Keep last 1000 events
}

func (h *AuditPipelineHandler) startMetricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := h.metrics.GetSnapshot()
			log.Info().
				Int64("opened", snapshot["cases_opened"].(int64)).
				Int64("auto_approved", snapshot["auto_approved"].(int64)).
				Int64("auto_blocked", snapshot["auto_blocked"].(int64)).
				Int64("escalated", snapshot["escalated"].(int64)).
				Int64("resolved", snapshot["resolved"].(int64)).
				Float64("events_per_sec", snapshot["events_per_second"].(float64)).
				Msg("📊 Audit Pipeline Metrics")

		case <-ctx.Done():
			return
		}
	}
}
