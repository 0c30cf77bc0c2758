package cases

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deriv/fraud-triage/internal/models"
)

// ErrBadPayload marks a request whose body is structurally valid JSON but
// semantically unusable. The HTTP layer maps it to 400.
var ErrBadPayload = errors.New("bad payload")

// statsCacheKey and statsCacheTTL bound how stale the REST stats read may
// be. The broadcaster refreshes the cache once per interval anyway.
const (
	statsCacheKey = "dashboard:stats"
	statsCacheTTL = time.Second
)

// Store is the case persistence surface the service needs.
type Store interface {
	GetByCaseID(ctx context.Context, caseID string) (*models.FraudCase, error)
	ListByStatusDescCreated(ctx context.Context, statuses []models.CaseStatus) ([]*models.FraudCase, error)
	UpdateCase(ctx context.Context, caseID string, mutate func(*models.FraudCase) error) (*models.FraudCase, error)
	Stats(ctx context.Context) (map[models.CaseStatus]int64, error)
}

// Cache is the optional stats cache. A nil Cache disables caching.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Publisher pushes case mutations and stats to dashboard subscribers.
type Publisher interface {
	PublishCase(c *models.FraudCase)
	PublishStats(frame *models.StatsFrame)
}

// AIUpdate is the asynchronous verdict posted back by the external AI
// investigator. Every field except CaseID is optional; absent fields leave
// the stored case untouched.
type AIUpdate struct {
	CaseID              string       `json:"caseId" binding:"required"`
	Decision            string       `json:"decision"`
	ConfidenceScore     *float64     `json:"confidenceScore"`
	DetectionSignals    models.JSONB `json:"detectionSignals"`
	AISignals           models.JSONB `json:"aiSignals"`
	AIReasoning         string       `json:"aiReasoning"`
	AIRecommendations   string       `json:"aiRecommendations"`
	RelatedAccounts     []string     `json:"relatedAccounts"`
	FraudRingID         string       `json:"fraudRingId"`
	InvestigationLayers []string     `json:"investigationLayers"`
}

// Service owns case reads and mutations after triage: AI updates, human
// resolution, the review queue and dashboard aggregates.
type Service struct {
	store     Store
	cache     Cache
	publisher Publisher
	lastTPS   atomic.Int64
}

// NewService assembles a case service. cache may be nil.
func NewService(store Store, cache Cache, publisher Publisher) *Service {
	return &Service{store: store, cache: cache, publisher: publisher}
}

// GetCase retrieves one case by its case id.
func (s *Service) GetCase(ctx context.Context, caseID string) (*models.FraudCase, error) {
	return s.store.GetByCaseID(ctx, caseID)
}

// ReviewQueue returns the cases awaiting a human, newest first.
func (s *Service) ReviewQueue(ctx context.Context) ([]*models.FraudCase, error) {
	return s.store.ListByStatusDescCreated(ctx, []models.CaseStatus{
		models.StatusUnderInvestigation,
		models.StatusEscalated,
	})
}

// ProcessAIUpdate merges an AI verdict into the case. Merge semantics are
// additive: absent fields stay untouched, investigation layers are
// unioned, and any decision other than an auto verdict keeps the case
// UNDER_INVESTIGATION. Applying the same update twice converges to the
// same stored case.
func (s *Service) ProcessAIUpdate(ctx context.Context, upd *AIUpdate) (*models.FraudCase, error) {
	if upd.CaseID == "" {
		return nil, fmt.Errorf("%w: caseId is required", ErrBadPayload)
	}
	if upd.ConfidenceScore != nil && (*upd.ConfidenceScore < 0 || *upd.ConfidenceScore > 1) {
		return nil, fmt.Errorf("%w: confidenceScore %v outside [0,1]", ErrBadPayload, *upd.ConfidenceScore)
	}

	var target models.CaseStatus
	if upd.Decision != "" {
		parsed, err := models.ParseCaseStatus(upd.Decision)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		switch parsed {
		case models.StatusAutoApproved, models.StatusAutoBlocked:
			target = parsed
		default:
			// The AI cannot escalate or resolve on its own; anything short
			// of an auto verdict keeps the case with the humans.
			target = models.StatusUnderInvestigation
		}
	}

	updated, err := s.store.UpdateCase(ctx, upd.CaseID, func(c *models.FraudCase) error {
		if upd.ConfidenceScore != nil {
			v := models.Clamp01(*upd.ConfidenceScore)
			c.ConfidenceScore = &v
		}
		if upd.DetectionSignals != nil {
			c.DetectionSignals = upd.DetectionSignals
		}
		if upd.AISignals != nil {
			c.AISignals = upd.AISignals
		}
		if upd.AIReasoning != "" {
			c.AIReasoning = upd.AIReasoning
		}
		if upd.AIRecommendations != "" {
			c.AIRecommendations = upd.AIRecommendations
		}
		if upd.RelatedAccounts != nil {
			c.RelatedAccounts = upd.RelatedAccounts
		}
		if upd.FraudRingID != "" {
			c.FraudRingID = upd.FraudRingID
		}
		c.AddLayers(upd.InvestigationLayers...)
		if target != "" {
			c.Status = target
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("case_id", updated.CaseID).
		Str("status", string(updated.Status)).
		Strs("layers", updated.InvestigationLayers).
		Msg("AI update merged into case")

	s.publisher.PublishCase(updated)
	return updated, nil
}

// Resolve closes a case with a human decision. RESOLVED is terminal;
// resolving an already-resolved case fails with an illegal transition.
func (s *Service) Resolve(ctx context.Context, caseID, decision, notes string) (*models.FraudCase, error) {
	if decision == "" {
		return nil, fmt.Errorf("%w: decision is required", ErrBadPayload)
	}

	resolved, err := s.store.UpdateCase(ctx, caseID, func(c *models.FraudCase) error {
		now := time.Now().UTC()
		c.Status = models.StatusResolved
		c.ResolvedAt = &now
		c.HumanDecision = decision
		c.ResolutionNotes = notes
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("case_id", resolved.CaseID).
		Str("decision", decision).
		Msg("Case resolved")

	s.publisher.PublishCase(resolved)
	return resolved, nil
}

// GetStats returns the dashboard aggregate, served from cache when fresh.
func (s *Service) GetStats(ctx context.Context) (*models.StatsFrame, error) {
	if s.cache != nil {
		var cached models.StatsFrame
		if err := s.cache.Get(ctx, statsCacheKey, &cached); err == nil {
			return &cached, nil
		}
	}
	return s.ComputeStats(ctx)
}

// ComputeStats counts cases per status and attaches the latest TPS
// reading. The result is written through to the cache.
func (s *Service) ComputeStats(ctx context.Context) (*models.StatsFrame, error) {
	counts, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	frame := &models.StatsFrame{
		AutoApproved: counts[models.StatusAutoApproved],
		AutoBlocked:  counts[models.StatusAutoBlocked],
		ManualCases:  counts[models.StatusUnderInvestigation] + counts[models.StatusEscalated],
		TPS:          int(s.lastTPS.Load()),
	}
	for _, n := range counts {
		frame.TotalCases += n
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, statsCacheKey, frame, statsCacheTTL); err != nil {
			log.Debug().Err(err).Msg("Failed to cache dashboard stats")
		}
	}
	return frame, nil
}

func (s *Service) setTPS(tps int) {
	s.lastTPS.Store(int64(tps))
}
