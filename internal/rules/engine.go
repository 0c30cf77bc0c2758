package rules

import (
	"fmt"

	"github.com/deriv/fraud-triage/internal/models"
)

// Decision thresholds on the additive risk score.
const (
	approveBelow = 0.15
	blockAbove   = 0.75
)

// Engine evaluates a transaction event in two phases: definitive rules
// first (short-circuit, in order), then an additive risk score with
// thresholding. Evaluation is deterministic given the event and the
// velocity tracker's window.
type Engine struct {
	velocity *VelocityTracker
}

// NewEngine creates a rule engine with the given velocity tracker. A nil
// tracker disables the rapid-churn contribution.
func NewEngine(velocity *VelocityTracker) *Engine {
	return &Engine{velocity: velocity}
}

// Evaluate applies the rule set to one event.
func (e *Engine) Evaluate(event *models.TransactionEvent) *models.RuleResult {
	result := &models.RuleResult{Signals: models.JSONB{}}

	user := event.UserProfile
	device := event.DeviceProfile
	ip := event.IPProfile
	doc := event.DocumentProfile

	// Phase A: definitive rules. First match wins.
	if ip != nil && ip.SanctionedCountry {
		result.Decision = models.StatusAutoBlocked
		result.Confidence = 1.00
		result.AddSignal("sanctions_match", "Accessing from sanctioned country")
		return result
	}

	if user != nil && user.DeclaredMonthlyIncome > 0 && event.Amount > user.DeclaredMonthlyIncome*15 {
		result.Decision = models.StatusAutoBlocked
		result.Confidence = 0.98
		result.AddSignal("income_mismatch", fmt.Sprintf(
			"Deposit %.2f > 1500%% of declared income %.2f",
			event.Amount, user.DeclaredMonthlyIncome))
		return result
	}

	// Phase B: additive risk score.
	riskScore := 0.0

	if ip != nil && ip.VPN && ip.HighRiskCountry {
		riskScore += 0.25
		result.AddSignal("vpn_detected", true)
	}

	if device != nil && device.TotalUsersCount > 5 {
		riskScore += 0.15
		result.AddSignal("multiple_devices", device.TotalUsersCount)
	}

	if e.velocity != nil && e.velocity.ObserveAndCheck(event) {
		riskScore += 0.30
		result.AddSignal("rapid_churn", true)
	}

	if doc != nil && doc.ConfidenceScore != nil && *doc.ConfidenceScore < 0.70 {
		riskScore += 0.20
		result.AddSignal("document_issues", *doc.ConfidenceScore)
	}

	result.RiskScore = riskScore

	switch {
	case riskScore < approveBelow:
		result.Decision = models.StatusAutoApproved
		result.Confidence = 0.95
	case riskScore > blockAbove:
		result.Decision = models.StatusAutoBlocked
		result.Confidence = 0.96
	default:
		result.Decision = models.StatusUnderInvestigation
		result.Confidence = 0.50
	}

	return result
}
