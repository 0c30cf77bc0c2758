package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from    CaseStatus
		to      CaseStatus
		allowed bool
	}{
		{StatusUnderInvestigation, StatusAutoApproved, true},
		{StatusUnderInvestigation, StatusAutoBlocked, true},
		{StatusUnderInvestigation, StatusUnderInvestigation, true},
		{StatusUnderInvestigation, StatusEscalated, true},
		{StatusUnderInvestigation, StatusResolved, true},

		{StatusAutoApproved, StatusResolved, true},
		{StatusAutoApproved, StatusAutoBlocked, false},
		{StatusAutoApproved, StatusUnderInvestigation, false},
		{StatusAutoApproved, StatusAutoApproved, false},

		{StatusAutoBlocked, StatusResolved, true},
		{StatusAutoBlocked, StatusAutoApproved, false},

		{StatusEscalated, StatusResolved, true},
		{StatusEscalated, StatusUnderInvestigation, false},

		{StatusResolved, StatusResolved, false},
		{StatusResolved, StatusUnderInvestigation, false},
		{StatusResolved, StatusAutoApproved, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionEnforcesMachine(t *testing.T) {
	c := &FraudCase{Status: StatusAutoApproved}

	require.NoError(t, c.Transition(StatusResolved))
	assert.Equal(t, StatusResolved, c.Status)

	err := c.Transition(StatusUnderInvestigation)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StatusResolved, c.Status)
}

func TestResolvedIsTerminal(t *testing.T) {
	assert.True(t, StatusResolved.IsTerminal())
	assert.False(t, StatusUnderInvestigation.IsTerminal())
	assert.False(t, StatusEscalated.IsTerminal())
}

func TestParseCaseStatus(t *testing.T) {
	status, err := ParseCaseStatus("auto_blocked")
	require.NoError(t, err)
	assert.Equal(t, StatusAutoBlocked, status)

	status, err = ParseCaseStatus("  RESOLVED ")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, status)

	_, err = ParseCaseStatus("MAYBE_FRAUD")
	assert.Error(t, err)
}

func TestAddLayersUnionsInOrder(t *testing.T) {
	c := &FraudCase{InvestigationLayers: []string{LayerRuleBased}}

	c.AddLayers(LayerMLModels, LayerRuleBased, LayerLLMReasoning, LayerMLModels)

	assert.Equal(t, []string{LayerRuleBased, LayerMLModels, LayerLLMReasoning}, c.InvestigationLayers)
}

func TestAddLayersFromEmpty(t *testing.T) {
	c := &FraudCase{}

	c.AddLayers()
	assert.Empty(t, c.InvestigationLayers)

	c.AddLayers(LayerRuleBased)
	assert.Equal(t, []string{LayerRuleBased}, c.InvestigationLayers)
}

func TestCloneIsolatesMutations(t *testing.T) {
	score := 0.8
	c := &FraudCase{
		CaseID:              "CASE-1-0",
		Status:              StatusUnderInvestigation,
		ConfidenceScore:     &score,
		DetectionSignals:    JSONB{"vpn_detected": true},
		InvestigationLayers: []string{LayerRuleBased},
	}

	clone := c.Clone()
	clone.DetectionSignals["extra"] = 1
	clone.InvestigationLayers[0] = "changed"
	*clone.ConfidenceScore = 0.1

	assert.NotContains(t, c.DetectionSignals, "extra")
	assert.Equal(t, []string{LayerRuleBased}, c.InvestigationLayers)
	assert.Equal(t, 0.8, *c.ConfidenceScore)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 1.0, Clamp01(1.5))
	assert.Equal(t, 0.42, Clamp01(0.42))
}
