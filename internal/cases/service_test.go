package cases

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deriv/fraud-triage/internal/models"
	"github.com/deriv/fraud-triage/internal/repositories"
)

type fakePublisher struct {
	mu     sync.Mutex
	cases  []*models.FraudCase
	frames []*models.StatsFrame
}

func (f *fakePublisher) PublishCase(c *models.FraudCase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cases = append(f.cases, c)
}

func (f *fakePublisher) PublishStats(frame *models.StatsFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func seedCase(t *testing.T, store *repositories.MemoryCaseStore, caseID string, status models.CaseStatus) *models.FraudCase {
	t.Helper()
	created, err := store.Create(context.Background(), &models.FraudCase{
		CaseID:               caseID,
		UserID:               "u1",
		Status:               status,
		TriggeredBy:          models.TriggeredByRuleEngine,
		TriggerTransactionID: "tx-" + caseID,
		InvestigationLayers:  []string{models.LayerRuleBased},
	})
	require.NoError(t, err)
	return created
}

func newTestService(store *repositories.MemoryCaseStore) (*Service, *fakePublisher) {
	publisher := &fakePublisher{}
	return NewService(store, nil, publisher), publisher
}

func TestProcessAIUpdateMergesEvidence(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, publisher := newTestService(store)
	seedCase(t, store, "CASE-1-0", models.StatusUnderInvestigation)

	conf := 0.82
	updated, err := service.ProcessAIUpdate(context.Background(), &AIUpdate{
		CaseID:              "CASE-1-0",
		ConfidenceScore:     &conf,
		AISignals:           models.JSONB{"device_cluster": 3},
		AIReasoning:         "Shared device graph",
		InvestigationLayers: []string{models.LayerMLModels},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusUnderInvestigation, updated.Status)
	assert.Equal(t, 0.82, *updated.ConfidenceScore)
	assert.Equal(t, "Shared device graph", updated.AIReasoning)
	assert.Equal(t, []string{models.LayerRuleBased, models.LayerMLModels}, updated.InvestigationLayers)
	assert.Len(t, publisher.cases, 1)
}

func TestProcessAIUpdateIsIdempotent(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, _ := newTestService(store)
	seedCase(t, store, "CASE-1-0", models.StatusUnderInvestigation)

	upd := &AIUpdate{
		CaseID:              "CASE-1-0",
		AIReasoning:         "ring overlap",
		InvestigationLayers: []string{models.LayerLLMReasoning},
	}

	first, err := service.ProcessAIUpdate(context.Background(), upd)
	require.NoError(t, err)
	second, err := service.ProcessAIUpdate(context.Background(), upd)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.InvestigationLayers, second.InvestigationLayers)
	assert.Equal(t, first.AIReasoning, second.AIReasoning)
}

func TestProcessAIUpdateDecisionCoercion(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, _ := newTestService(store)
	seedCase(t, store, "CASE-1-0", models.StatusUnderInvestigation)
	seedCase(t, store, "CASE-1-1", models.StatusUnderInvestigation)

	// A non-auto decision keeps the case with the humans.
	updated, err := service.ProcessAIUpdate(context.Background(), &AIUpdate{
		CaseID:   "CASE-1-0",
		Decision: "ESCALATED",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderInvestigation, updated.Status)

	// An auto verdict is applied directly.
	updated, err = service.ProcessAIUpdate(context.Background(), &AIUpdate{
		CaseID:   "CASE-1-1",
		Decision: "AUTO_BLOCKED",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAutoBlocked, updated.Status)
}

func TestProcessAIUpdateRejectsBadPayloads(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, _ := newTestService(store)
	seedCase(t, store, "CASE-1-0", models.StatusUnderInvestigation)

	_, err := service.ProcessAIUpdate(context.Background(), &AIUpdate{})
	assert.ErrorIs(t, err, ErrBadPayload)

	over := 1.5
	_, err = service.ProcessAIUpdate(context.Background(), &AIUpdate{
		CaseID:          "CASE-1-0",
		ConfidenceScore: &over,
	})
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = service.ProcessAIUpdate(context.Background(), &AIUpdate{
		CaseID:   "CASE-1-0",
		Decision: "MAYBE_FRAUD",
	})
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestProcessAIUpdateUnknownCase(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, _ := newTestService(store)

	_, err := service.ProcessAIUpdate(context.Background(), &AIUpdate{CaseID: "CASE-404"})
	assert.ErrorIs(t, err, repositories.ErrCaseNotFound)
}

func TestProcessAIUpdateOnResolvedCaseFails(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, _ := newTestService(store)
	seedCase(t, store, "CASE-1-0", models.StatusResolved)

	_, err := service.ProcessAIUpdate(context.Background(), &AIUpdate{
		CaseID:      "CASE-1-0",
		AIReasoning: "late verdict",
	})
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
}

func TestResolveCase(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, publisher := newTestService(store)
	seedCase(t, store, "CASE-1-0", models.StatusUnderInvestigation)

	resolved, err := service.Resolve(context.Background(), "CASE-1-0", "CONFIRMED_FRAUD", "ring confirmed by analyst")
	require.NoError(t, err)

	assert.Equal(t, models.StatusResolved, resolved.Status)
	assert.Equal(t, "CONFIRMED_FRAUD", resolved.HumanDecision)
	assert.Equal(t, "ring confirmed by analyst", resolved.ResolutionNotes)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Len(t, publisher.cases, 1)
}

func TestResolveIsTerminal(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, _ := newTestService(store)
	seedCase(t, store, "CASE-1-0", models.StatusUnderInvestigation)

	_, err := service.Resolve(context.Background(), "CASE-1-0", "FALSE_POSITIVE", "")
	require.NoError(t, err)

	_, err = service.Resolve(context.Background(), "CASE-1-0", "CONFIRMED_FRAUD", "")
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
}

func TestResolveRequiresDecision(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, _ := newTestService(store)
	seedCase(t, store, "CASE-1-0", models.StatusUnderInvestigation)

	_, err := service.Resolve(context.Background(), "CASE-1-0", "", "notes only")
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestReviewQueueOrdering(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, _ := newTestService(store)
	seedCase(t, store, "CASE-1-0", models.StatusAutoApproved)
	seedCase(t, store, "CASE-1-1", models.StatusUnderInvestigation)
	seedCase(t, store, "CASE-1-2", models.StatusEscalated)

	reviewQueue, err := service.ReviewQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, reviewQueue, 2)
	for _, c := range reviewQueue {
		assert.Contains(t, []models.CaseStatus{
			models.StatusUnderInvestigation,
			models.StatusEscalated,
		}, c.Status)
	}
}

func TestComputeStats(t *testing.T) {
	store := repositories.NewMemoryCaseStore()
	service, _ := newTestService(store)
	seedCase(t, store, "CASE-1-0", models.StatusAutoApproved)
	seedCase(t, store, "CASE-1-1", models.StatusAutoApproved)
	seedCase(t, store, "CASE-1-2", models.StatusAutoBlocked)
	seedCase(t, store, "CASE-1-3", models.StatusUnderInvestigation)
	seedCase(t, store, "CASE-1-4", models.StatusEscalated)
	service.setTPS(42)

	frame, err := service.ComputeStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(5), frame.TotalCases)
	assert.Equal(t, int64(2), frame.AutoApproved)
	assert.Equal(t, int64(1), frame.AutoBlocked)
	assert.Equal(t, int64(2), frame.ManualCases)
	assert.Equal(t, 42, frame.TPS)
}
