package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/mailplane/internal/config"
	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/pkg/distlock"
	"github.com/ignite/mailplane/internal/pkg/logger"
)

// Manager is the job-control surface: it owns one orchestrator per running
// campaign and exposes start/pause/stop/progress/mock-test.
type Manager struct {
	deps      Deps
	cfg       config.Config
	preflight *Preflight

	lockFor func(campaignID string) distlock.Lock

	mu   sync.Mutex
	runs map[string]*run
}

// PreflightError carries the full ordered finding list when Start refuses a
// campaign.
type PreflightError struct {
	Findings []StepError
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("pre-flight failed: %s", e.Findings[0].Error())
}

type run struct {
	orch    *Orchestrator
	total   int64
	started time.Time
	done    chan struct{}
	err     error
}

// NewManager creates a job-control manager. preflight may be nil to skip
// pre-flight validation on Start (tests).
func NewManager(deps Deps, cfg config.Config, preflight *Preflight) *Manager {
	return &Manager{
		deps:      deps,
		cfg:       cfg,
		preflight: preflight,
		runs:      make(map[string]*run),
	}
}

// UseLocks guards each campaign run with a distributed lock so only one
// process drives a given campaign at a time.
func (m *Manager) UseLocks(factory func(campaignID string) distlock.Lock) {
	m.lockFor = factory
}

// Start validates and launches a campaign. The run continues in the
// background; cancel it with Stop or wait for it with Wait. Starting a
// campaign that is already running is a no-op: the existing run keeps going
// and Progress keeps reporting it.
func (m *Manager) Start(ctx context.Context, c *domain.Campaign, accounts []*domain.SMTPAccount, recipients []domain.Recipient) error {
	if r, ok := m.get(c.ID); ok {
		select {
		case <-r.done:
		default:
			return nil
		}
	}

	if m.preflight != nil {
		if errs := m.preflight.Run(ctx, c, accounts); len(errs) > 0 {
			return &PreflightError{Findings: errs}
		}
	}

	var lock distlock.Lock
	if m.lockFor != nil {
		lock = m.lockFor(c.ID)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquiring run lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("campaign %s is locked by another process", c.ID)
		}
	}

	m.mu.Lock()
	if r, ok := m.runs[c.ID]; ok {
		select {
		case <-r.done:
			// previous run finished, replace it
		default:
			m.mu.Unlock()
			if lock != nil {
				_ = lock.Release(context.Background())
			}
			return nil
		}
	}
	orch := NewOrchestrator(m.deps, m.cfg)
	r := &run{
		orch:    orch,
		total:   int64(len(recipients)),
		started: time.Now(),
		done:    make(chan struct{}),
	}
	m.runs[c.ID] = r
	m.mu.Unlock()

	go func() {
		defer close(r.done)
		if lock != nil {
			defer func() {
				if err := lock.Release(context.Background()); err != nil {
					logger.Warn("releasing run lock", "campaign", c.ID, "error", err.Error())
				}
			}()
		}
		// Detached from the caller's context: Start returns immediately and
		// the run outlives the request that launched it.
		r.err = orch.Run(context.Background(), c, accounts, recipients)
		if r.err != nil {
			logger.Error("campaign run failed", "campaign", c.ID, "error", r.err.Error())
		}
	}()
	return nil
}

// Pause suspends recipient pickups for a running campaign.
func (m *Manager) Pause(ctx context.Context, campaignID string) error {
	r, ok := m.get(campaignID)
	if !ok {
		return fmt.Errorf("campaign %s is not running", campaignID)
	}
	return r.orch.Pause(ctx, campaignID)
}

// Resume restarts recipient pickups for a paused campaign.
func (m *Manager) Resume(ctx context.Context, campaignID string) error {
	r, ok := m.get(campaignID)
	if !ok {
		return fmt.Errorf("campaign %s is not running", campaignID)
	}
	return r.orch.Resume(ctx, campaignID)
}

// Stop cancels a running campaign and waits for its workers to drain.
func (m *Manager) Stop(campaignID string) error {
	r, ok := m.get(campaignID)
	if !ok {
		return fmt.Errorf("campaign %s is not running", campaignID)
	}
	r.orch.Stop()
	<-r.done
	return r.err
}

// Wait blocks until the campaign run finishes and returns its error.
func (m *Manager) Wait(campaignID string) error {
	r, ok := m.get(campaignID)
	if !ok {
		return fmt.Errorf("campaign %s is not running", campaignID)
	}
	<-r.done
	return r.err
}

// Progress returns the live snapshot for a campaign, or ok=false when it is
// not tracked.
func (m *Manager) Progress(campaignID string) (Progress, bool) {
	r, ok := m.get(campaignID)
	if !ok {
		return Progress{}, false
	}
	snap := r.orch.Counters()
	return computeProgress(campaignID, snap.Sent, r.total, r.started, time.Now()), true
}

// MockTest runs the pre-flight checks without sending anything.
func (m *Manager) MockTest(ctx context.Context, c *domain.Campaign, accounts []*domain.SMTPAccount) []StepError {
	if m.preflight == nil {
		return nil
	}
	return m.preflight.Run(ctx, c, accounts)
}

// Running reports whether a campaign currently has an active run.
func (m *Manager) Running(campaignID string) bool {
	r, ok := m.get(campaignID)
	if !ok {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (m *Manager) get(campaignID string) (*run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[campaignID]
	return r, ok
}
