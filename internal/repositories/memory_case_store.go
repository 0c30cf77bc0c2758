package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deriv/fraud-triage/internal/models"
)

// MemoryCaseStore is an in-memory case store with the same semantics as
// FraudCaseRepository: unique trigger transaction, transactional update
// with transition enforcement. It backs the unit tests and local runs
// without Postgres.
type MemoryCaseStore struct {
	mu        sync.Mutex
	nextID    int64
	byCaseID  map[string]*models.FraudCase
	byTrigger map[string]*models.FraudCase
}

// NewMemoryCaseStore creates an empty in-memory store.
func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{
		byCaseID:  make(map[string]*models.FraudCase),
		byTrigger: make(map[string]*models.FraudCase),
	}
}

// Create inserts a new case, enforcing trigger-transaction uniqueness.
func (s *MemoryCaseStore) Create(ctx context.Context, c *models.FraudCase) (*models.FraudCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byTrigger[c.TriggerTransactionID]; exists && c.TriggerTransactionID != "" {
		return nil, ErrDuplicateTrigger
	}
	if _, exists := s.byCaseID[c.CaseID]; exists {
		return nil, ErrDuplicateTrigger
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	clampScores(c)

	s.nextID++
	c.ID = s.nextID

	stored := c.Clone()
	s.byCaseID[c.CaseID] = stored
	if c.TriggerTransactionID != "" {
		s.byTrigger[c.TriggerTransactionID] = stored
	}
	return stored.Clone(), nil
}

// GetByCaseID retrieves a case by its case id.
func (s *MemoryCaseStore) GetByCaseID(ctx context.Context, caseID string) (*models.FraudCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byCaseID[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return c.Clone(), nil
}

// GetByTriggerTransaction retrieves the case created for a transaction.
func (s *MemoryCaseStore) GetByTriggerTransaction(ctx context.Context, transactionID string) (*models.FraudCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byTrigger[transactionID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return c.Clone(), nil
}

// ListByUser retrieves all cases for a user, newest first.
func (s *MemoryCaseStore) ListByUser(ctx context.Context, userID string) ([]*models.FraudCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.FraudCase
	for _, c := range s.byCaseID {
		if c.UserID == userID {
			out = append(out, c.Clone())
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

// ListByStatus retrieves all cases in any of the given statuses.
func (s *MemoryCaseStore) ListByStatus(ctx context.Context, statuses []models.CaseStatus) ([]*models.FraudCase, error) {
	return s.listByStatus(statuses, false)
}

// ListByStatusDescCreated is the dashboard queue ordering: newest first.
func (s *MemoryCaseStore) ListByStatusDescCreated(ctx context.Context, statuses []models.CaseStatus) ([]*models.FraudCase, error) {
	return s.listByStatus(statuses, true)
}

func (s *MemoryCaseStore) listByStatus(statuses []models.CaseStatus, ordered bool) ([]*models.FraudCase, error) {
	wanted := make(map[models.CaseStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.FraudCase
	for _, c := range s.byCaseID {
		if wanted[c.Status] {
			out = append(out, c.Clone())
		}
	}
	if ordered {
		sortByCreatedDesc(out)
	}
	return out, nil
}

// UpdateCase applies mutate under the store lock, enforcing the status
// transition table and touching updated_at.
func (s *MemoryCaseStore) UpdateCase(ctx context.Context, caseID string, mutate func(*models.FraudCase) error) (*models.FraudCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byCaseID[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}

	working := stored.Clone()
	prev := working.Status
	if err := mutate(working); err != nil {
		return nil, err
	}
	if !prev.CanTransitionTo(working.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, prev, working.Status)
	}

	working.UpdatedAt = time.Now().UTC()
	clampScores(working)

	s.byCaseID[caseID] = working
	if working.TriggerTransactionID != "" {
		s.byTrigger[working.TriggerTransactionID] = working
	}
	return working.Clone(), nil
}

// Stats returns the case count per status.
func (s *MemoryCaseStore) Stats(ctx context.Context) (map[models.CaseStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[models.CaseStatus]int64)
	for _, c := range s.byCaseID {
		stats[c.Status]++
	}
	return stats, nil
}

func sortByCreatedDesc(cases []*models.FraudCase) {
	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].CreatedAt.After(cases[j].CreatedAt)
	})
}
