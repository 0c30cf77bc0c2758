package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/deriv/fraud-triage/internal/models"
)

func velocityEvent(user, txType string, at time.Time) *models.TransactionEvent {
	return &models.TransactionEvent{
		UserID:          user,
		TransactionType: txType,
		Timestamp:       at,
	}
}

func TestDepositThenWithdrawalMatches(t *testing.T) {
	tracker := NewVelocityTracker(5 * time.Minute)
	now := time.Now()

	assert.False(t, tracker.ObserveAndCheck(velocityEvent("u1", models.TransactionTypeDeposit, now)))
	assert.True(t, tracker.ObserveAndCheck(velocityEvent("u1", models.TransactionTypeWithdrawal, now.Add(2*time.Minute))))
}

func TestSameDirectionDoesNotMatch(t *testing.T) {
	tracker := NewVelocityTracker(5 * time.Minute)
	now := time.Now()

	assert.False(t, tracker.ObserveAndCheck(velocityEvent("u1", models.TransactionTypeDeposit, now)))
	assert.False(t, tracker.ObserveAndCheck(velocityEvent("u1", models.TransactionTypeDeposit, now.Add(time.Minute))))
}

func TestExpiredObservationsDoNotMatch(t *testing.T) {
	tracker := NewVelocityTracker(5 * time.Minute)
	now := time.Now()

	assert.False(t, tracker.ObserveAndCheck(velocityEvent("u1", models.TransactionTypeDeposit, now)))
	assert.False(t, tracker.ObserveAndCheck(velocityEvent("u1", models.TransactionTypeWithdrawal, now.Add(6*time.Minute))))
}

func TestTradesNeverPair(t *testing.T) {
	tracker := NewVelocityTracker(5 * time.Minute)
	now := time.Now()

	assert.False(t, tracker.ObserveAndCheck(velocityEvent("u1", models.TransactionTypeTrade, now)))
	assert.False(t, tracker.ObserveAndCheck(velocityEvent("u1", models.TransactionTypeTrade, now.Add(time.Minute))))
}

func TestUsersAreIsolated(t *testing.T) {
	tracker := NewVelocityTracker(5 * time.Minute)
	now := time.Now()

	assert.False(t, tracker.ObserveAndCheck(velocityEvent("u1", models.TransactionTypeDeposit, now)))
	assert.False(t, tracker.ObserveAndCheck(velocityEvent("u2", models.TransactionTypeWithdrawal, now.Add(time.Minute))))
}
