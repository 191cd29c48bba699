// Package health maintains closed-loop delivery scores per SMTP account.
// The selector prefers accounts with high success EWMAs, low latency EWMAs
// and short failure streaks.
package health

import (
	"sync"
	"time"
)

// Default EWMA smoothing factor. Higher alpha reacts faster to recent sends.
const defaultAlpha = 0.2

// Score is a snapshot of one account's delivery health.
type Score struct {
	EWMASuccess   float64 // 0..1
	EWMALatency   float64 // seconds
	FailureStreak int
	LastUpdated   time.Time
}

// Composite collapses the score into one sortable number using the
// configured weights.
func (s Score) Composite(w Weights) float64 {
	return w.Success*s.EWMASuccess - w.Latency*s.EWMALatency - w.Failures*float64(s.FailureStreak)
}

// Weights are the composite-score coefficients.
type Weights struct {
	Success  float64
	Latency  float64
	Failures float64
}

// DefaultWeights favors success rate, then latency, then streaks.
var DefaultWeights = Weights{Success: 1.0, Latency: 0.1, Failures: 0.25}

// Book tracks scores keyed by account id.
type Book struct {
	mu     sync.RWMutex
	alpha  float64
	scores map[string]*Score
	now    func() time.Time
}

// NewBook creates an empty score book.
func NewBook() *Book {
	return &Book{
		alpha:  defaultAlpha,
		scores: make(map[string]*Score),
		now:    time.Now,
	}
}

// Adjust folds one send outcome into the account's EWMAs.
func (b *Book) Adjust(accountID string, success bool, responseTime time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.scores[accountID]
	if !ok {
		// Optimistic prior so new accounts are not starved.
		s = &Score{EWMASuccess: 1.0}
		b.scores[accountID] = s
	}

	outcome := 0.0
	if success {
		outcome = 1.0
		s.FailureStreak = 0
	} else {
		s.FailureStreak++
	}
	s.EWMASuccess = b.alpha*outcome + (1-b.alpha)*s.EWMASuccess
	s.EWMALatency = b.alpha*responseTime.Seconds() + (1-b.alpha)*s.EWMALatency
	s.LastUpdated = b.now()
}

// Get returns the score snapshot for an account. Unknown accounts report the
// optimistic prior.
func (b *Book) Get(accountID string) Score {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.scores[accountID]; ok {
		return *s
	}
	return Score{EWMASuccess: 1.0}
}

// Snapshot returns all tracked scores. Used for opportunistic persistence.
func (b *Book) Snapshot() map[string]Score {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Score, len(b.scores))
	for id, s := range b.scores {
		out[id] = *s
	}
	return out
}

// Healthy reports whether an account's streak is below the cutoff.
func (b *Book) Healthy(accountID string, maxStreak int) bool {
	if maxStreak <= 0 {
		return true
	}
	return b.Get(accountID).FailureStreak < maxStreak
}
