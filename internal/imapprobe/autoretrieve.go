package imapprobe

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/pkg/logger"
)

// ProbeFunc is one retrieval pass for an account. The retriever owns the
// schedule; the caller owns what a pass does (typically INBOX summaries).
type ProbeFunc func(ctx context.Context, account *domain.IMAPAccount) error

// Retriever runs periodic retrieval loops per account.
type Retriever struct {
	probe ProbeFunc

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewRetriever creates a retriever calling probe on each tick.
func NewRetriever(probe ProbeFunc) *Retriever {
	return &Retriever{
		probe: probe,
		loops: make(map[string]context.CancelFunc),
	}
}

// Start begins a loop for the account. An existing loop for the same account
// is replaced. The first pass runs immediately.
func (r *Retriever) Start(ctx context.Context, account *domain.IMAPAccount, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	r.mu.Lock()
	if cancel, ok := r.loops[account.ID]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.loops[account.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Info("auto-retrieve started", "account_email", account.Email, "interval", interval.String())
		for {
			if err := r.probe(loopCtx, account); err != nil && loopCtx.Err() == nil {
				logger.Warn("auto-retrieve pass failed", "account_email", account.Email, "error", err.Error())
			}
			select {
			case <-loopCtx.Done():
				logger.Info("auto-retrieve stopped", "account_email", account.Email)
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the loop for one account. Unknown accounts are a no-op.
func (r *Retriever) Stop(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.loops[accountID]; ok {
		cancel()
		delete(r.loops, accountID)
	}
}

// StopAll cancels every loop and waits for them to exit.
func (r *Retriever) StopAll() {
	r.mu.Lock()
	for id, cancel := range r.loops {
		cancel()
		delete(r.loops, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Running reports whether an account has an active loop.
func (r *Retriever) Running(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[accountID]
	return ok
}
