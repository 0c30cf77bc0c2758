package rules

import (
	"sync"
	"time"

	"github.com/deriv/fraud-triage/internal/models"
)

// DefaultChurnWindow is the sliding window for the rapid
// deposit-withdrawal check.
const DefaultChurnWindow = 5 * time.Minute

type observation struct {
	txType string
	at     time.Time
}

// VelocityTracker keeps a short per-user history of observed transactions
// so the engine can detect rapid deposit+withdrawal churn. Entries older
// than the window are pruned on access.
type VelocityTracker struct {
	mu     sync.Mutex
	window time.Duration
	byUser map[string][]observation
}

// NewVelocityTracker creates a tracker with the given sliding window.
func NewVelocityTracker(window time.Duration) *VelocityTracker {
	if window <= 0 {
		window = DefaultChurnWindow
	}
	return &VelocityTracker{
		window: window,
		byUser: make(map[string][]observation),
	}
}

// ObserveAndCheck records the event and reports whether the same user has
// a transaction of the opposite direction (DEPOSIT vs WITHDRAWAL) inside
// the window. TRADE events are recorded but never pair.
func (t *VelocityTracker) ObserveAndCheck(event *models.TransactionEvent) bool {
	at := event.Timestamp
	if at.IsZero() {
		at = event.CreatedAt
	}
	if at.IsZero() {
		at = time.Now()
	}

	opposite := oppositeType(event.TransactionType)

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := at.Add(-t.window)
	kept := t.byUser[event.UserID][:0]
	matched := false
	for _, obs := range t.byUser[event.UserID] {
		if obs.at.Before(cutoff) {
			continue
		}
		kept = append(kept, obs)
		if opposite != "" && obs.txType == opposite {
			matched = true
		}
	}
	kept = append(kept, observation{txType: event.TransactionType, at: at})
	t.byUser[event.UserID] = kept

	return matched
}

func oppositeType(txType string) string {
	switch txType {
	case models.TransactionTypeDeposit:
		return models.TransactionTypeWithdrawal
	case models.TransactionTypeWithdrawal:
		return models.TransactionTypeDeposit
	default:
		return ""
	}
}
