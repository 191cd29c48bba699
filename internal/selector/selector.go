// Package selector chooses the next eligible SMTP account for a send,
// honoring warm-up allowance, rate windows and closed-loop health scores.
package selector

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/health"
)

// WarmupGate reports whether an account has daily allowance left.
type WarmupGate interface {
	CanSend(accountID string) bool
}

// RateGate reports whether an account has an immediate rate slot. Peeking
// only; the dispatcher path acquires the slot for real.
type RateGate interface {
	HasSlot(key string) bool
}

// Selector picks accounts for sends.
type Selector struct {
	warmup WarmupGate
	rate   RateGate
	scores *health.Book

	healthSelection bool
	weights         health.Weights

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Selector.
type Option func(*Selector)

// WithHealthSelection enables score-ordered selection instead of uniform
// random sampling.
func WithHealthSelection(w health.Weights) Option {
	return func(s *Selector) {
		s.healthSelection = true
		s.weights = w
	}
}

// WithSeed fixes the random source. Used by tests.
func WithSeed(seed int64) Option {
	return func(s *Selector) {
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a selector. warmupGate and rateGate may be nil to disable the
// corresponding filter.
func New(warmupGate WarmupGate, rateGate RateGate, scores *health.Book, opts ...Option) *Selector {
	s := &Selector{
		warmup: warmupGate,
		rate:   rateGate,
		scores: scores,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return s
}

// Pick returns the next account to send from, or nil when none is eligible.
// The caller treats nil as a rate/warm-up deferral, not a failure.
func (s *Selector) Pick(accounts []*domain.SMTPAccount) *domain.SMTPAccount {
	return s.PickFrom(s.Eligible(accounts))
}

// PickFrom selects among accounts already filtered by Eligible.
func (s *Selector) PickFrom(eligible []*domain.SMTPAccount) *domain.SMTPAccount {
	if len(eligible) == 0 {
		return nil
	}

	if s.healthSelection {
		sort.SliceStable(eligible, func(i, j int) bool {
			return s.scores.Get(eligible[i].ID).Composite(s.weights) >
				s.scores.Get(eligible[j].ID).Composite(s.weights)
		})
		return eligible[0]
	}

	s.mu.Lock()
	idx := s.rng.Intn(len(eligible))
	s.mu.Unlock()
	return eligible[idx]
}

// Eligible filters accounts by status, activity, warm-up allowance and
// momentary rate headroom.
func (s *Selector) Eligible(accounts []*domain.SMTPAccount) []*domain.SMTPAccount {
	var out []*domain.SMTPAccount
	for _, a := range accounts {
		if !a.Sendable() {
			continue
		}
		if s.warmup != nil && !s.warmup.CanSend(a.ID) {
			continue
		}
		if s.rate != nil && !s.rate.HasSlot(a.ID) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// HasAllowance reports whether any account is sendable with warm-up
// allowance left, ignoring momentary rate headroom. False means the day's
// capacity is gone, not that a window is full.
func (s *Selector) HasAllowance(accounts []*domain.SMTPAccount) bool {
	for _, a := range accounts {
		if !a.Sendable() {
			continue
		}
		if s.warmup != nil && !s.warmup.CanSend(a.ID) {
			continue
		}
		return true
	}
	return false
}

// Adjust feeds a send outcome back into the health scores.
func (s *Selector) Adjust(accountID string, success bool, responseTime time.Duration) {
	if s.scores == nil {
		return
	}
	s.scores.Adjust(accountID, success, responseTime)
}
