package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deriv/fraud-triage/configs"
	"github.com/deriv/fraud-triage/internal/metrics"
	"github.com/deriv/fraud-triage/internal/models"
	"github.com/deriv/fraud-triage/internal/queue"
	"github.com/deriv/fraud-triage/internal/repositories"
	"github.com/deriv/fraud-triage/internal/rules"
)

// opTimeout bounds each external call made while triaging one record so a
// stalled dependency cannot wedge a worker.
const opTimeout = 1 * time.Second

// Source is the inbound stream the pipeline drains.
type Source interface {
	Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]queue.Record, error)
	Ack(ctx context.Context, ids ...string) error
}

// CaseStore is the subset of the case repository the pipeline needs.
type CaseStore interface {
	Create(ctx context.Context, c *models.FraudCase) (*models.FraudCase, error)
	GetByTriggerTransaction(ctx context.Context, transactionID string) (*models.FraudCase, error)
}

// Escalator hands gray-area cases to the AI investigation queue.
type Escalator interface {
	Enqueue(ctx context.Context, esc *queue.Escalation) error
}

// Publisher pushes persisted cases to live dashboard subscribers. Publish
// must not block; a slow subscriber is the bus's problem, not ours.
type Publisher interface {
	PublishCase(c *models.FraudCase)
}

// Pipeline drives the triage loop: read a batch, evaluate each record
// against the rule engine, persist a case, escalate the gray area, ack.
type Pipeline struct {
	cfg          configs.TriageConfig
	consumerName string
	source       Source
	engine       *rules.Engine
	store        CaseStore
	escalator    Escalator
	publisher    Publisher
	meter        *TrafficMeter
	ids          *CaseIDGenerator
}

// NewPipeline assembles a pipeline from its collaborators. consumerName is
// the base name for stream consumers; each worker appends its index.
func NewPipeline(cfg configs.TriageConfig, consumerName string, source Source, engine *rules.Engine, store CaseStore, escalator Escalator, publisher Publisher, meter *TrafficMeter) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		consumerName: consumerName,
		source:       source,
		engine:       engine,
		store:        store,
		escalator:    escalator,
		publisher:    publisher,
		meter:        meter,
		ids:          NewCaseIDGenerator(),
	}
}

// Run starts the configured number of workers and blocks until ctx is
// cancelled and all workers have drained their current batch.
func (p *Pipeline) Run(ctx context.Context) {
	workers := p.cfg.Concurrency
	if workers < 1 {
		workers = 1
	}

	log.Info().
		Int("workers", workers).
		Int("batch_size", p.cfg.BatchSize).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("Triage pipeline starting")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d", p.consumerName, i+1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, consumer)
		}()
	}
	wg.Wait()

	log.Info().Msg("Triage pipeline stopped")
}

func (p *Pipeline) workerLoop(ctx context.Context, consumer string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processBatch(ctx, consumer)
		}
	}
}

// processBatch drains one read from the stream. Records are isolated from
// each other: one bad record never stops the rest of the batch.
func (p *Pipeline) processBatch(ctx context.Context, consumer string) {
	records, err := p.source.Read(ctx, consumer, int64(p.cfg.BatchSize), p.cfg.BlockTimeout)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("consumer", consumer).Msg("Failed to read from stream")
		}
		return
	}
	if len(records) == 0 {
		return
	}

	p.meter.Add(int64(len(records)))

	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		p.processRecord(ctx, rec)
	}
}

// processRecord triages a single stream record end to end. The record is
// acked only after its case is durably persisted, so a crash mid-triage
// redelivers instead of losing the event.
func (p *Pipeline) processRecord(ctx context.Context, rec queue.Record) {
	start := time.Now()
	defer func() {
		metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())
	}()
	metrics.EventsProcessed.Inc()

	data, ok := rec.EventData()
	if !ok {
		p.handlePoison(ctx, rec, "missing event_data field")
		return
	}

	var event models.TransactionEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		p.handlePoison(ctx, rec, err.Error())
		return
	}

	caseID := p.ids.Next()
	result := p.engine.Evaluate(&event)
	fraudCase := buildCase(caseID, &event, result)

	created, err := p.persistCase(ctx, fraudCase)
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicateTrigger) {
			// Redelivery of an already-triaged event. The case exists;
			// re-ack without a second escalation or broadcast.
			metrics.DuplicateTriggers.Inc()
			log.Debug().
				Str("transaction_id", event.TransactionID).
				Msg("Duplicate trigger transaction, re-acking")
			p.ack(ctx, rec.ID)
			return
		}
		// Store unavailable. Leave the record pending so the claim path
		// redelivers it once the store recovers.
		log.Error().Err(err).
			Str("record_id", rec.ID).
			Str("transaction_id", event.TransactionID).
			Msg("Failed to persist case, leaving record pending")
		return
	}

	metrics.CasesCreated.WithLabelValues(string(created.Status)).Inc()

	if !result.IsDefinitive() {
		p.escalate(ctx, created, &event)
	}

	p.publisher.PublishCase(created)
	p.ack(ctx, rec.ID)

	log.Info().
		Str("case_id", created.CaseID).
		Str("status", string(created.Status)).
		Str("transaction_id", event.TransactionID).
		Msg("Transaction triaged")
}

func (p *Pipeline) persistCase(ctx context.Context, c *models.FraudCase) (*models.FraudCase, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return p.store.Create(opCtx, c)
}

// escalate hands the case to the AI queue. Enqueue failure is logged and
// swallowed: the case is already persisted as UNDER_INVESTIGATION and the
// dashboard queue surfaces it either way.
func (p *Pipeline) escalate(ctx context.Context, c *models.FraudCase, event *models.TransactionEvent) {
	event.CaseID = c.CaseID
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("case_id", c.CaseID).Msg("Failed to serialize escalation payload")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.escalator.Enqueue(opCtx, &queue.Escalation{
		CaseID:    c.CaseID,
		UserID:    c.UserID,
		EventData: string(payload),
	}); err != nil {
		log.Error().Err(err).Str("case_id", c.CaseID).Msg("Failed to enqueue case for AI investigation")
		return
	}
	metrics.EscalationsQueued.Inc()
}

// handlePoison deals with records whose event_data cannot be parsed. The
// record stays pending until its delivery count passes the threshold;
// after that a synthetic review case is written and the record is acked
// so it stops poisoning the stream.
func (p *Pipeline) handlePoison(ctx context.Context, rec queue.Record, reason string) {
	if rec.Deliveries <= p.cfg.PoisonThreshold {
		log.Warn().
			Str("record_id", rec.ID).
			Int64("deliveries", rec.Deliveries).
			Str("reason", reason).
			Msg("Unparseable record, leaving pending for retry")
		return
	}

	now := time.Now().UTC()
	poison := &models.FraudCase{
		CaseID:               p.ids.Next(),
		Status:               models.StatusUnderInvestigation,
		TriggeredBy:          models.TriggeredByRuleEngine,
		TriggerTransactionID: "stream:" + rec.ID,
		CreatedAt:            now,
		DetectionSignals: models.JSONB{
			"poison":     true,
			"record_id":  rec.ID,
			"reason":     reason,
			"deliveries": rec.Deliveries,
		},
		InvestigationLayers: []string{models.LayerRuleBased},
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	created, err := p.store.Create(opCtx, poison)
	switch {
	case err == nil:
		metrics.PoisonRecords.Inc()
		p.publisher.PublishCase(created)
		log.Error().
			Str("record_id", rec.ID).
			Str("case_id", created.CaseID).
			Msg("Poison record quarantined as review case")
	case errors.Is(err, repositories.ErrDuplicateTrigger):
		// A previous attempt already quarantined this record id.
	default:
		log.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to persist poison case, leaving record pending")
		return
	}

	p.ack(ctx, rec.ID)
}

func (p *Pipeline) ack(ctx context.Context, id string) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.source.Ack(opCtx, id); err != nil {
		log.Warn().Err(err).Str("record_id", id).Msg("Failed to ack record")
	}
}

// buildCase materializes a fraud case from an evaluated event. Evidence
// maps use the same field names as the inbound payload so the dashboard
// renders them verbatim.
func buildCase(caseID string, event *models.TransactionEvent, result *models.RuleResult) *models.FraudCase {
	c := &models.FraudCase{
		CaseID:               caseID,
		UserID:               event.UserID,
		CreatedAt:            time.Now().UTC(),
		TriggeredBy:          models.TriggeredByRuleEngine,
		TriggerTransactionID: event.TransactionID,
		TransactionSummary:   event.Summary(),
		IdentityFlags:        event.UserProfile.EvidenceMap(),
		NetworkFlags:         event.IPProfile.EvidenceMap(),
		BehavioralFlags:      event.Flags.EvidenceMap(),
		DetectionSignals:     result.Signals,
		InvestigationLayers:  []string{models.LayerRuleBased},
	}

	if result.IsDefinitive() {
		c.Status = result.Decision
		prob := models.Clamp01(result.Confidence)
		c.FraudProbability = &prob
	} else {
		c.Status = models.StatusUnderInvestigation
		prob := models.Clamp01(result.RiskScore)
		c.FraudProbability = &prob
		c.AIReasoning = "Rule engine identified high-risk patterns. Escalating for multi-layer AI analysis."
	}
	return c
}
