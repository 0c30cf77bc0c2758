package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/deriv/fraud-triage/internal/models"
)

var (
	ErrCaseNotFound     = errors.New("fraud case not found")
	ErrDuplicateTrigger = errors.New("case already exists for trigger transaction")
)

const caseColumns = `
	id, case_id, user_id, created_at, updated_at, status,
	confidence_score, fraud_probability, triggered_by, trigger_transaction_id,
	detection_signals, transaction_summary, identity_flags, behavioral_flags,
	network_flags, assigned_to, human_decision, resolved_at, resolution_notes,
	ai_signals, ai_reasoning, ai_recommendations, related_accounts,
	fraud_ring_id, investigation_layers`

// FraudCaseRepository is the authoritative store of case records. Every
// mutation goes through UpdateCase, which takes a row lock and enforces
// the status transition table.
type FraudCaseRepository struct {
	db *Database
}

// NewFraudCaseRepository creates a new fraud case repository
func NewFraudCaseRepository(db *Database) *FraudCaseRepository {
	return &FraudCaseRepository{db: db}
}

// Create inserts a new case. The unique constraint on
// trigger_transaction_id surfaces as ErrDuplicateTrigger so redeliveries
// can be treated as success.
func (r *FraudCaseRepository) Create(ctx context.Context, c *models.FraudCase) (*models.FraudCase, error) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	clampScores(c)

	query := `
		INSERT INTO fraud_cases (
			case_id, user_id, created_at, updated_at, status,
			confidence_score, fraud_probability, triggered_by, trigger_transaction_id,
			detection_signals, transaction_summary, identity_flags, behavioral_flags,
			network_flags, assigned_to, human_decision, resolved_at, resolution_notes,
			ai_signals, ai_reasoning, ai_recommendations, related_accounts,
			fraud_ring_id, investigation_layers
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		) RETURNING id
	`

	detectionSignals, _ := c.DetectionSignals.Value()
	transactionSummary, _ := c.TransactionSummary.Value()
	identityFlags, _ := c.IdentityFlags.Value()
	behavioralFlags, _ := c.BehavioralFlags.Value()
	networkFlags, _ := c.NetworkFlags.Value()
	aiSignals, _ := c.AISignals.Value()

	err := r.db.Pool.QueryRow(ctx, query,
		c.CaseID,
		c.UserID,
		c.CreatedAt,
		c.UpdatedAt,
		c.Status,
		c.ConfidenceScore,
		c.FraudProbability,
		c.TriggeredBy,
		c.TriggerTransactionID,
		detectionSignals,
		transactionSummary,
		identityFlags,
		behavioralFlags,
		networkFlags,
		nullable(c.AssignedTo),
		nullable(c.HumanDecision),
		c.ResolvedAt,
		nullable(c.ResolutionNotes),
		aiSignals,
		nullable(c.AIReasoning),
		nullable(c.AIRecommendations),
		pq.Array(c.RelatedAccounts),
		nullable(c.FraudRingID),
		pq.Array(c.InvestigationLayers),
	).Scan(&c.ID)

	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateTrigger
		}
		return nil, err
	}

	return c, nil
}

// GetByCaseID retrieves a case by its case id.
func (r *FraudCaseRepository) GetByCaseID(ctx context.Context, caseID string) (*models.FraudCase, error) {
	query := `SELECT ` + caseColumns + ` FROM fraud_cases WHERE case_id = $1`
	return r.queryOne(ctx, r.db.Pool, query, caseID)
}

// GetByTriggerTransaction retrieves the case created for a transaction.
func (r *FraudCaseRepository) GetByTriggerTransaction(ctx context.Context, transactionID string) (*models.FraudCase, error) {
	query := `SELECT ` + caseColumns + ` FROM fraud_cases WHERE trigger_transaction_id = $1`
	return r.queryOne(ctx, r.db.Pool, query, transactionID)
}

// ListByUser retrieves all cases for a user, newest first.
func (r *FraudCaseRepository) ListByUser(ctx context.Context, userID string) ([]*models.FraudCase, error) {
	query := `SELECT ` + caseColumns + ` FROM fraud_cases WHERE user_id = $1 ORDER BY created_at DESC`
	return r.queryMany(ctx, query, userID)
}

// ListByStatus retrieves all cases in any of the given statuses.
func (r *FraudCaseRepository) ListByStatus(ctx context.Context, statuses []models.CaseStatus) ([]*models.FraudCase, error) {
	query := `SELECT ` + caseColumns + ` FROM fraud_cases WHERE status = ANY($1)`
	return r.queryMany(ctx, query, statusStrings(statuses))
}

// ListByStatusDescCreated is the dashboard queue ordering: newest first.
func (r *FraudCaseRepository) ListByStatusDescCreated(ctx context.Context, statuses []models.CaseStatus) ([]*models.FraudCase, error) {
	query := `SELECT ` + caseColumns + ` FROM fraud_cases WHERE status = ANY($1) ORDER BY created_at DESC`
	return r.queryMany(ctx, query, statusStrings(statuses))
}

// UpdateCase applies mutate to the case inside a transaction, holding a
// row lock for the duration. The status transition table is enforced
// against the locked row's status; updated_at is always touched.
func (r *FraudCaseRepository) UpdateCase(ctx context.Context, caseID string, mutate func(*models.FraudCase) error) (*models.FraudCase, error) {
	var updated *models.FraudCase

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + caseColumns + ` FROM fraud_cases WHERE case_id = $1 FOR UPDATE`
		c, err := r.queryOne(ctx, tx, query, caseID)
		if err != nil {
			return err
		}

		prev := c.Status
		if err := mutate(c); err != nil {
			return err
		}
		if !prev.CanTransitionTo(c.Status) {
			return fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, prev, c.Status)
		}

		c.UpdatedAt = time.Now().UTC()
		clampScores(c)

		detectionSignals, _ := c.DetectionSignals.Value()
		transactionSummary, _ := c.TransactionSummary.Value()
		identityFlags, _ := c.IdentityFlags.Value()
		behavioralFlags, _ := c.BehavioralFlags.Value()
		networkFlags, _ := c.NetworkFlags.Value()
		aiSignals, _ := c.AISignals.Value()

		updateQuery := `
			UPDATE fraud_cases SET
				updated_at = $2, status = $3, confidence_score = $4,
				fraud_probability = $5, detection_signals = $6,
				transaction_summary = $7, identity_flags = $8,
				behavioral_flags = $9, network_flags = $10, assigned_to = $11,
				human_decision = $12, resolved_at = $13, resolution_notes = $14,
				ai_signals = $15, ai_reasoning = $16, ai_recommendations = $17,
				related_accounts = $18, fraud_ring_id = $19,
				investigation_layers = $20
			WHERE case_id = $1
		`
		_, err = tx.Exec(ctx, updateQuery,
			c.CaseID,
			c.UpdatedAt,
			c.Status,
			c.ConfidenceScore,
			c.FraudProbability,
			detectionSignals,
			transactionSummary,
			identityFlags,
			behavioralFlags,
			networkFlags,
			nullable(c.AssignedTo),
			nullable(c.HumanDecision),
			c.ResolvedAt,
			nullable(c.ResolutionNotes),
			aiSignals,
			nullable(c.AIReasoning),
			nullable(c.AIRecommendations),
			pq.Array(c.RelatedAccounts),
			nullable(c.FraudRingID),
			pq.Array(c.InvestigationLayers),
		)
		if err != nil {
			return err
		}

		updated = c
		return nil
	})

	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Stats returns the case count per status.
func (r *FraudCaseRepository) Stats(ctx context.Context) (map[models.CaseStatus]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT status, COUNT(*) FROM fraud_cases GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[models.CaseStatus]int64)
	for rows.Next() {
		var status models.CaseStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *FraudCaseRepository) queryOne(ctx context.Context, q queryer, query string, args ...any) (*models.FraudCase, error) {
	c, err := scanCase(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *FraudCaseRepository) queryMany(ctx context.Context, query string, args ...any) ([]*models.FraudCase, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*models.FraudCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func scanCase(row pgx.Row) (*models.FraudCase, error) {
	c := &models.FraudCase{}
	var (
		detectionSignals, transactionSummary, identityFlags []byte
		behavioralFlags, networkFlags, aiSignals            []byte
		assignedTo, humanDecision, resolutionNotes          *string
		aiReasoning, aiRecommendations, fraudRingID         *string
	)

	err := row.Scan(
		&c.ID,
		&c.CaseID,
		&c.UserID,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.Status,
		&c.ConfidenceScore,
		&c.FraudProbability,
		&c.TriggeredBy,
		&c.TriggerTransactionID,
		&detectionSignals,
		&transactionSummary,
		&identityFlags,
		&behavioralFlags,
		&networkFlags,
		&assignedTo,
		&humanDecision,
		&c.ResolvedAt,
		&resolutionNotes,
		&aiSignals,
		&aiReasoning,
		&aiRecommendations,
		&c.RelatedAccounts,
		&fraudRingID,
		&c.InvestigationLayers,
	)
	if err != nil {
		return nil, err
	}

	_ = c.DetectionSignals.Scan(detectionSignals)
	_ = c.TransactionSummary.Scan(transactionSummary)
	_ = c.IdentityFlags.Scan(identityFlags)
	_ = c.BehavioralFlags.Scan(behavioralFlags)
	_ = c.NetworkFlags.Scan(networkFlags)
	_ = c.AISignals.Scan(aiSignals)

	c.AssignedTo = deref(assignedTo)
	c.HumanDecision = deref(humanDecision)
	c.ResolutionNotes = deref(resolutionNotes)
	c.AIReasoning = deref(aiReasoning)
	c.AIRecommendations = deref(aiRecommendations)
	c.FraudRingID = deref(fraudRingID)

	return c, nil
}

func clampScores(c *models.FraudCase) {
	if c.ConfidenceScore != nil {
		v := models.Clamp01(*c.ConfidenceScore)
		c.ConfidenceScore = &v
	}
	if c.FraudProbability != nil {
		v := models.Clamp01(*c.FraudProbability)
		c.FraudProbability = &v
	}
}

func statusStrings(statuses []models.CaseStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
