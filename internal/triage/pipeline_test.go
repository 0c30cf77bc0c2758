package triage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deriv/fraud-triage/configs"
	"github.com/deriv/fraud-triage/internal/models"
	"github.com/deriv/fraud-triage/internal/queue"
	"github.com/deriv/fraud-triage/internal/repositories"
	"github.com/deriv/fraud-triage/internal/rules"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]queue.Record
	acked   []string
}

func (f *fakeSource) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]queue.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeSource) Ack(ctx context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeSource) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type fakeEscalator struct {
	mu          sync.Mutex
	err         error
	escalations []*queue.Escalation
}

func (f *fakeEscalator) Enqueue(ctx context.Context, esc *queue.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.escalations = append(f.escalations, esc)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*models.FraudCase
}

func (f *fakePublisher) PublishCase(c *models.FraudCase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, c)
}

type failingStore struct{}

func (failingStore) Create(ctx context.Context, c *models.FraudCase) (*models.FraudCase, error) {
	return nil, errors.New("store unavailable")
}

func (failingStore) GetByTriggerTransaction(ctx context.Context, transactionID string) (*models.FraudCase, error) {
	return nil, errors.New("store unavailable")
}

func testConfig() configs.TriageConfig {
	return configs.TriageConfig{
		Concurrency:     1,
		BatchSize:       100,
		PollInterval:    10 * time.Millisecond,
		BlockTimeout:    time.Millisecond,
		PoisonThreshold: 5,
	}
}

func record(t *testing.T, id string, event *models.TransactionEvent) queue.Record {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return queue.Record{
		ID:         id,
		Values:     map[string]interface{}{"event_data": string(data)},
		Deliveries: 1,
	}
}

func testPipeline(source Source, store CaseStore, escalator Escalator, publisher Publisher) *Pipeline {
	engine := rules.NewEngine(rules.NewVelocityTracker(rules.DefaultChurnWindow))
	return NewPipeline(testConfig(), "test", source, engine, store, escalator, publisher, NewTrafficMeter())
}

func blockedEvent(txID string) *models.TransactionEvent {
	return &models.TransactionEvent{
		TransactionID:   txID,
		UserID:          "u1",
		TransactionType: models.TransactionTypeDeposit,
		Amount:          500,
		IPProfile:       &models.IPProfile{SanctionedCountry: true},
		Timestamp:       time.Now(),
	}
}

func grayEvent(txID string) *models.TransactionEvent {
	return &models.TransactionEvent{
		TransactionID:   txID,
		UserID:          "u1",
		TransactionType: models.TransactionTypeDeposit,
		Amount:          500,
		IPProfile:       &models.IPProfile{VPN: true, HighRiskCountry: true},
		Timestamp:       time.Now(),
	}
}

func TestDefinitiveDecisionCreatesCaseAndAcks(t *testing.T) {
	source := &fakeSource{}
	store := repositories.NewMemoryCaseStore()
	escalator := &fakeEscalator{}
	publisher := &fakePublisher{}
	p := testPipeline(source, store, escalator, publisher)

	p.processRecord(context.Background(), record(t, "1-0", blockedEvent("tx-1")))

	created, err := store.GetByTriggerTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAutoBlocked, created.Status)
	require.NotNil(t, created.FraudProbability)
	assert.Equal(t, 1.0, *created.FraudProbability)
	assert.Equal(t, models.TriggeredByRuleEngine, created.TriggeredBy)
	assert.Equal(t, []string{models.LayerRuleBased}, created.InvestigationLayers)
	assert.Contains(t, created.DetectionSignals, "sanctions_match")
	assert.Equal(t, "tx-1", created.TransactionSummary["transactionId"])

	assert.Empty(t, escalator.escalations)
	assert.Len(t, publisher.published, 1)
	assert.Equal(t, []string{"1-0"}, source.ackedIDs())
}

func TestGrayAreaEscalatesToAIQueue(t *testing.T) {
	source := &fakeSource{}
	store := repositories.NewMemoryCaseStore()
	escalator := &fakeEscalator{}
	publisher := &fakePublisher{}
	p := testPipeline(source, store, escalator, publisher)

	p.processRecord(context.Background(), record(t, "1-0", grayEvent("tx-1")))

	created, err := store.GetByTriggerTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderInvestigation, created.Status)
	require.NotNil(t, created.FraudProbability)
	assert.InDelta(t, 0.25, *created.FraudProbability, 1e-9)
	assert.NotEmpty(t, created.AIReasoning)

	require.Len(t, escalator.escalations, 1)
	esc := escalator.escalations[0]
	assert.Equal(t, created.CaseID, esc.CaseID)
	assert.Equal(t, "u1", esc.UserID)

	var payload models.TransactionEvent
	require.NoError(t, json.Unmarshal([]byte(esc.EventData), &payload))
	assert.Equal(t, created.CaseID, payload.CaseID)
	assert.Equal(t, "tx-1", payload.TransactionID)

	assert.Equal(t, []string{"1-0"}, source.ackedIDs())
}

func TestRedeliveredRecordIsReackedWithoutSecondCase(t *testing.T) {
	source := &fakeSource{}
	store := repositories.NewMemoryCaseStore()
	escalator := &fakeEscalator{}
	publisher := &fakePublisher{}
	p := testPipeline(source, store, escalator, publisher)

	rec := record(t, "1-0", grayEvent("tx-1"))
	p.processRecord(context.Background(), rec)

	redelivered := record(t, "1-0", grayEvent("tx-1"))
	redelivered.Deliveries = 2
	p.processRecord(context.Background(), redelivered)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.StatusUnderInvestigation])

	// No second escalation, no second broadcast, but a second ack.
	assert.Len(t, escalator.escalations, 1)
	assert.Len(t, publisher.published, 1)
	assert.Equal(t, []string{"1-0", "1-0"}, source.ackedIDs())
}

func TestUnavailableStoreLeavesRecordPending(t *testing.T) {
	source := &fakeSource{}
	escalator := &fakeEscalator{}
	publisher := &fakePublisher{}
	p := testPipeline(source, failingStore{}, escalator, publisher)

	p.processRecord(context.Background(), record(t, "1-0", grayEvent("tx-1")))

	assert.Empty(t, source.ackedIDs())
	assert.Empty(t, escalator.escalations)
	assert.Empty(t, publisher.published)
}

func TestEscalatorFailureStillAcks(t *testing.T) {
	source := &fakeSource{}
	store := repositories.NewMemoryCaseStore()
	escalator := &fakeEscalator{err: errors.New("queue down")}
	publisher := &fakePublisher{}
	p := testPipeline(source, store, escalator, publisher)

	p.processRecord(context.Background(), record(t, "1-0", grayEvent("tx-1")))

	// The case is persisted and visible on the dashboard even though the
	// AI queue rejected it.
	created, err := store.GetByTriggerTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderInvestigation, created.Status)
	assert.Len(t, publisher.published, 1)
	assert.Equal(t, []string{"1-0"}, source.ackedIDs())
}

func TestPoisonRecordWaitsForRetries(t *testing.T) {
	source := &fakeSource{}
	store := repositories.NewMemoryCaseStore()
	escalator := &fakeEscalator{}
	publisher := &fakePublisher{}
	p := testPipeline(source, store, escalator, publisher)

	rec := queue.Record{
		ID:         "1-0",
		Values:     map[string]interface{}{"event_data": "{not json"},
		Deliveries: 3,
	}
	p.processRecord(context.Background(), rec)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats)
	assert.Empty(t, source.ackedIDs())
}

func TestPoisonRecordQuarantinedAfterThreshold(t *testing.T) {
	source := &fakeSource{}
	store := repositories.NewMemoryCaseStore()
	escalator := &fakeEscalator{}
	publisher := &fakePublisher{}
	p := testPipeline(source, store, escalator, publisher)

	rec := queue.Record{
		ID:         "1-0",
		Values:     map[string]interface{}{"other": "field"},
		Deliveries: 6,
	}
	p.processRecord(context.Background(), rec)

	created, err := store.GetByTriggerTransaction(context.Background(), "stream:1-0")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderInvestigation, created.Status)
	assert.Equal(t, true, created.DetectionSignals["poison"])
	assert.Empty(t, escalator.escalations)
	assert.Equal(t, []string{"1-0"}, source.ackedIDs())
}

func TestPoisonQuarantineIsIdempotent(t *testing.T) {
	source := &fakeSource{}
	store := repositories.NewMemoryCaseStore()
	escalator := &fakeEscalator{}
	publisher := &fakePublisher{}
	p := testPipeline(source, store, escalator, publisher)

	rec := queue.Record{
		ID:         "1-0",
		Values:     map[string]interface{}{},
		Deliveries: 6,
	}
	p.processRecord(context.Background(), rec)
	rec.Deliveries = 7
	p.processRecord(context.Background(), rec)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.StatusUnderInvestigation])
	assert.Equal(t, []string{"1-0", "1-0"}, source.ackedIDs())
}

func TestProcessBatchCountsTraffic(t *testing.T) {
	source := &fakeSource{batches: [][]queue.Record{{
		record(t, "1-0", blockedEvent("tx-1")),
		record(t, "1-1", grayEvent("tx-2")),
	}}}
	store := repositories.NewMemoryCaseStore()
	escalator := &fakeEscalator{}
	publisher := &fakePublisher{}
	p := testPipeline(source, store, escalator, publisher)

	p.processBatch(context.Background(), "test-0")

	assert.Equal(t, int64(2), p.meter.GetAndReset())
	assert.ElementsMatch(t, []string{"1-0", "1-1"}, source.ackedIDs())
}
