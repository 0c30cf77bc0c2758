package triage

import (
	"fmt"
	"sync"
	"time"
)

// CaseIDGenerator produces ids of the form CASE-<unix-millis>-<seq>. The
// sequence disambiguates ids generated within the same millisecond, so a
// single generator shared by all workers in a process never collides.
type CaseIDGenerator struct {
	mu         sync.Mutex
	lastMillis int64
	seq        int64
}

// NewCaseIDGenerator creates a new generator.
func NewCaseIDGenerator() *CaseIDGenerator {
	return &CaseIDGenerator{}
}

// Next returns a fresh case id.
func (g *CaseIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := time.Now().UnixMilli()
	if millis == g.lastMillis {
		g.seq++
	} else {
		g.lastMillis = millis
		g.seq = 0
	}
	return fmt.Sprintf("CASE-%d-%d", millis, g.seq)
}
