package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CaseStatus is the lifecycle state of a fraud case.
type CaseStatus string

const (
	StatusAutoApproved       CaseStatus = "AUTO_APPROVED"
	StatusAutoBlocked        CaseStatus = "AUTO_BLOCKED"
	StatusUnderInvestigation CaseStatus = "UNDER_INVESTIGATION"
	StatusEscalated          CaseStatus = "ESCALATED"
	StatusResolved           CaseStatus = "RESOLVED"
)

// TriggeredBy enum values
const (
	TriggeredByRuleEngine   = "RULE_ENGINE"
	TriggeredByMLModel      = "ML_MODEL"
	TriggeredByPatternMatch = "PATTERN_MATCH"
	TriggeredByManualFlag   = "MANUAL_FLAG"
)

// Investigation layer names
const (
	LayerRuleBased    = "RULE_BASED"
	LayerMLModels     = "ML_MODELS"
	LayerLLMReasoning = "LLM_REASONING"
)

var ErrIllegalTransition = errors.New("illegal case status transition")

// ParseCaseStatus coerces a status string, case-insensitively.
func ParseCaseStatus(s string) (CaseStatus, error) {
	switch CaseStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusAutoApproved:
		return StatusAutoApproved, nil
	case StatusAutoBlocked:
		return StatusAutoBlocked, nil
	case StatusUnderInvestigation:
		return StatusUnderInvestigation, nil
	case StatusEscalated:
		return StatusEscalated, nil
	case StatusResolved:
		return StatusResolved, nil
	default:
		return "", fmt.Errorf("unknown case status %q", s)
	}
}

// CanTransitionTo reports whether the status machine allows moving from s
// to next. RESOLVED is terminal. UNDER_INVESTIGATION permits a
// self-transition so AI updates can merge evidence without changing state.
func (s CaseStatus) CanTransitionTo(next CaseStatus) bool {
	switch s {
	case StatusUnderInvestigation:
		switch next {
		case StatusAutoApproved, StatusAutoBlocked, StatusUnderInvestigation,
			StatusEscalated, StatusResolved:
			return true
		}
	case StatusAutoApproved, StatusAutoBlocked, StatusEscalated:
		return next == StatusResolved
	case StatusResolved:
		return false
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s CaseStatus) IsTerminal() bool {
	return s == StatusResolved
}

// FraudCase is the persistent record of one triage outcome. The case store
// owns every instance; all mutation goes through its transactional update.
type FraudCase struct {
	ID     int64  `json:"-"`
	CaseID string `json:"caseId"`
	UserID string `json:"userId"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Status           CaseStatus `json:"status"`
	ConfidenceScore  *float64   `json:"confidenceScore,omitempty"`
	FraudProbability *float64   `json:"fraudProbability,omitempty"`

	TriggeredBy          string `json:"triggeredBy"`
	TriggerTransactionID string `json:"triggerTransactionId"`

	DetectionSignals   JSONB `json:"detectionSignals,omitempty"`
	TransactionSummary JSONB `json:"transactionSummary,omitempty"`
	IdentityFlags      JSONB `json:"identityFlags,omitempty"`
	BehavioralFlags    JSONB `json:"behavioralFlags,omitempty"`
	NetworkFlags       JSONB `json:"networkFlags,omitempty"`

	AssignedTo      string     `json:"assignedTo,omitempty"`
	HumanDecision   string     `json:"humanDecision,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`

	AISignals         JSONB  `json:"aiSignals,omitempty"`
	AIReasoning       string `json:"aiReasoning,omitempty"`
	AIRecommendations string `json:"aiRecommendations,omitempty"`

	RelatedAccounts []string `json:"relatedAccounts,omitempty"`
	FraudRingID     string   `json:"fraudRingId,omitempty"`

	InvestigationLayers []string `json:"investigationLayers,omitempty"`
}

// Transition moves the case to next, enforcing the status machine.
func (c *FraudCase) Transition(next CaseStatus) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.Status, next)
	}
	c.Status = next
	return nil
}

// AddLayers unions layers into InvestigationLayers, preserving the
// first-seen order. An absent layer list is treated as the empty set.
func (c *FraudCase) AddLayers(layers ...string) {
	for _, layer := range layers {
		seen := false
		for _, existing := range c.InvestigationLayers {
			if existing == layer {
				seen = true
				break
			}
		}
		if !seen {
			c.InvestigationLayers = append(c.InvestigationLayers, layer)
		}
	}
}

// Clone returns a deep copy so callers can hand cases to subscribers
// without racing the store.
func (c *FraudCase) Clone() *FraudCase {
	out := *c
	out.DetectionSignals = cloneJSONB(c.DetectionSignals)
	out.TransactionSummary = cloneJSONB(c.TransactionSummary)
	out.IdentityFlags = cloneJSONB(c.IdentityFlags)
	out.BehavioralFlags = cloneJSONB(c.BehavioralFlags)
	out.NetworkFlags = cloneJSONB(c.NetworkFlags)
	out.AISignals = cloneJSONB(c.AISignals)
	if c.ConfidenceScore != nil {
		v := *c.ConfidenceScore
		out.ConfidenceScore = &v
	}
	if c.FraudProbability != nil {
		v := *c.FraudProbability
		out.FraudProbability = &v
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	out.RelatedAccounts = append([]string(nil), c.RelatedAccounts...)
	out.InvestigationLayers = append([]string(nil), c.InvestigationLayers...)
	return &out
}

func cloneJSONB(m JSONB) JSONB {
	if m == nil {
		return nil
	}
	out := make(JSONB, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
