// Package campaign runs bulk send jobs: worker pools over recipient batches,
// retry with pair failover, dead-lettering, progress publication and the
// mock pre-flight.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailplane/internal/config"
	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/metrics"
	"github.com/ignite/mailplane/internal/pkg/logger"
	"github.com/ignite/mailplane/internal/proxypool"
	"github.com/ignite/mailplane/internal/rate"
	"github.com/ignite/mailplane/internal/selector"
	"github.com/ignite/mailplane/internal/smtpout"
	"github.com/ignite/mailplane/internal/warmup"
)

var (
	// ErrNoWorkingProxies aborts a start under proxy enforcement before any
	// state transition or attempt record.
	ErrNoWorkingProxies = errors.New("proxy enforcement is on but no working proxy exists")

	// ErrNoSendableAccounts aborts a start when no account can send.
	ErrNoSendableAccounts = errors.New("no sendable smtp account")

	// ErrAccountsExhausted surfaces a hard stop when warm-up allowances run
	// out mid-campaign and hard_stop_on_exhaust is configured.
	ErrAccountsExhausted = errors.New("all accounts exhausted for the day")
)

// CampaignStore is the persistence slice the orchestrator mutates.
type CampaignStore interface {
	TransitionCampaign(ctx context.Context, id string, from, to domain.CampaignStatus) error
	SaveCampaignCounters(ctx context.Context, id string, counters domain.CampaignCounters) error
	AppendAttempt(ctx context.Context, a *domain.SendAttempt) error
	AppendDeadLetter(ctx context.Context, d *domain.DeadLetter) error
}

// Sender delivers one message through one (account, proxy) pair.
type Sender interface {
	Send(ctx context.Context, account *domain.SMTPAccount, proxy *domain.Proxy, msg *smtpout.Message) (*smtpout.SendResult, *smtpout.SendError)
}

// ProxyProvider hands out working proxies.
type ProxyProvider interface {
	GetWorking(ctx context.Context, sessionID string, strategy proxypool.Strategy) (*domain.Proxy, error)
	ListWorking(ctx context.Context, sessionID string) ([]*domain.Proxy, error)
}

// Orchestrator drives one campaign from start to a terminal state.
type Orchestrator struct {
	store    CampaignStore
	sender   Sender
	proxies  ProxyProvider
	selector *selector.Selector
	warmup   *warmup.Controller
	accGov   *rate.Governor
	domGov   *rate.Governor
	hourly   *rate.HourlyLimiter
	pub      Publisher
	cfg      config.Config

	strategy proxypool.Strategy
	now      func() time.Time

	counters Counters
	paused   atomic.Bool
	stopped  atomic.Bool
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// Deps bundles the orchestrator collaborators.
type Deps struct {
	Store    CampaignStore
	Sender   Sender
	Proxies  ProxyProvider
	Selector *selector.Selector
	Warmup   *warmup.Controller // nil disables warm-up pacing
	AccGov   *rate.Governor     // per-account sliding window
	DomGov   *rate.Governor     // per-sender-domain sliding window
	Hourly   *rate.HourlyLimiter
	Pub      Publisher // nil falls back to NopPublisher
	Strategy proxypool.Strategy
}

// NewOrchestrator wires an orchestrator for one campaign run.
func NewOrchestrator(deps Deps, cfg config.Config) *Orchestrator {
	pub := deps.Pub
	if pub == nil {
		pub = NopPublisher{}
	}
	strategy := deps.Strategy
	if strategy == "" {
		strategy = proxypool.StrategyRandom
	}
	return &Orchestrator{
		store:    deps.Store,
		sender:   deps.Sender,
		proxies:  deps.Proxies,
		selector: deps.Selector,
		warmup:   deps.Warmup,
		accGov:   deps.AccGov,
		domGov:   deps.DomGov,
		hourly:   deps.Hourly,
		pub:      pub,
		cfg:      cfg,
		strategy: strategy,
		now:      time.Now,
	}
}

// Counters exposes a snapshot of the run counters.
func (o *Orchestrator) Counters() domain.CampaignCounters { return o.counters.Snapshot() }

// Pause stops new recipient pickups; in-flight sends finish.
func (o *Orchestrator) Pause(ctx context.Context, campaignID string) error {
	if o.paused.Swap(true) {
		return nil
	}
	return o.store.TransitionCampaign(ctx, campaignID, domain.CampaignRunning, domain.CampaignPaused)
}

// Resume lets workers pick recipients again.
func (o *Orchestrator) Resume(ctx context.Context, campaignID string) error {
	if !o.paused.Swap(false) {
		return nil
	}
	return o.store.TransitionCampaign(ctx, campaignID, domain.CampaignPaused, domain.CampaignRunning)
}

// Stop cancels in-flight sends and marks the campaign stopped.
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
	o.paused.Store(false)
	o.cancelMu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.cancelMu.Unlock()
}

// Run executes the campaign to a terminal state. Recipients are the full
// target set; batching and the worker pool are internal.
func (o *Orchestrator) Run(ctx context.Context, c *domain.Campaign, accounts []*domain.SMTPAccount, recipients []domain.Recipient) error {
	filter, err := CompileFilter(c.RecipientFilter)
	if err != nil {
		return err
	}
	recipients = filter.Apply(recipients)

	sendable := 0
	for _, a := range accounts {
		if a.Sendable() {
			sendable++
		}
	}
	if sendable == 0 {
		return ErrNoSendableAccounts
	}

	// Under enforcement a campaign with no working proxies must not leave
	// draft and must not record a single attempt.
	if o.cfg.SMTP.ProxyForce {
		working, err := o.proxies.ListWorking(ctx, c.SessionID)
		if err != nil {
			return fmt.Errorf("listing working proxies: %w", err)
		}
		if len(working) == 0 {
			return ErrNoWorkingProxies
		}
	}

	from := c.Status
	if from == "" {
		from = domain.CampaignDraft
	}
	if err := o.store.TransitionCampaign(ctx, c.ID, from, domain.CampaignRunning); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancelMu.Lock()
	o.cancel = cancel
	o.cancelMu.Unlock()
	defer cancel()

	o.counters.Restore(c.Counters)
	started := o.now()
	total := int64(len(recipients))
	threads := clampThreads(c.ThreadCount, o.cfg.Campaign)
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = o.cfg.Campaign.DefaultBatchSize
	}

	logger.Info("campaign starting",
		"campaign", c.ID, "recipients", total, "threads", threads, "batch_size", batchSize)

	feed := make(chan domain.Recipient, batchSize)
	loaderDone := make(chan struct{})
	go func() {
		defer close(feed)
		defer close(loaderDone)
		for start := 0; start < len(recipients); start += batchSize {
			end := start + batchSize
			if end > len(recipients) {
				end = len(recipients)
			}
			for _, r := range recipients[start:end] {
				select {
				case feed <- r:
				case <-ctx.Done():
					return
				}
			}
			if end < len(recipients) && c.BatchDelay > 0 {
				select {
				case <-time.After(c.BatchDelay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var hardStop atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()
			for r := range feed {
				if !o.waitWhilePaused(ctx) {
					return
				}
				if err := o.deliver(ctx, c, accounts, r); err != nil {
					if errors.Is(err, ErrAccountsExhausted) {
						hardStop.Store(true)
						o.Stop()
					}
					return
				}
			}
		}()
	}

	progressDone := make(chan struct{})
	go o.progressLoop(ctx, c.ID, total, started, progressDone)

	wg.Wait()
	cancel()
	<-loaderDone
	close(progressDone)

	snap := o.counters.Snapshot()
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	if err := o.store.SaveCampaignCounters(saveCtx, c.ID, snap); err != nil {
		logger.Error("saving final counters", "campaign", c.ID, "error", err.Error())
	}
	_ = o.pub.Publish(saveCtx, computeProgress(c.ID, snap.Sent, total, started, o.now()))

	switch {
	case hardStop.Load():
		o.transitionTerminal(saveCtx, c.ID, domain.CampaignFailed)
		return ErrAccountsExhausted
	case o.stopped.Load():
		o.transitionTerminal(saveCtx, c.ID, domain.CampaignStopped)
	default:
		o.transitionTerminal(saveCtx, c.ID, domain.CampaignCompleted)
	}

	logger.Info("campaign finished",
		"campaign", c.ID, "sent", snap.Sent, "success", snap.Success,
		"failed", snap.Failed, "retries", snap.Retries, "deferred", snap.Deferred)
	return nil
}

// transitionTerminal tries the running origin first, then paused; a stop can
// land while the campaign sits paused.
func (o *Orchestrator) transitionTerminal(ctx context.Context, id string, to domain.CampaignStatus) {
	if err := o.store.TransitionCampaign(ctx, id, domain.CampaignRunning, to); err == nil {
		return
	}
	if err := o.store.TransitionCampaign(ctx, id, domain.CampaignPaused, to); err != nil {
		logger.Error("campaign terminal transition", "campaign", id, "to", string(to), "error", err.Error())
	}
}

// waitWhilePaused blocks while paused; returns false when the run was
// cancelled.
func (o *Orchestrator) waitWhilePaused(ctx context.Context) bool {
	for o.paused.Load() {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return ctx.Err() == nil
}

// deliver runs the attempt/retry loop for one recipient. A non-nil return
// aborts the worker (hard stop); per-recipient failures are absorbed into
// counters and the dead-letter log.
func (o *Orchestrator) deliver(ctx context.Context, c *domain.Campaign, accounts []*domain.SMTPAccount, r domain.Recipient) error {
	retryLimit := c.RetryLimit
	if retryLimit <= 0 {
		retryLimit = o.cfg.Campaign.DefaultRetryLimit
	}
	maxAttempts := retryLimit + 1

	rot := NewPairRotation()
	var trace []domain.SendAttempt
	var lastAccount, lastProxy string

	for attempt := 0; attempt < maxAttempts; attempt++ {
		account, proxy, err := o.pickPair(ctx, c, accounts, rot, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return nil // cancelled mid-pick; recipient stays unaccounted
			}
			if errors.Is(err, ErrAccountsExhausted) {
				if o.cfg.Campaign.HardStopOnExhaust {
					return ErrAccountsExhausted
				}
				o.counters.Deferred()
				metrics.SendsTotal.WithLabelValues("deferred").Inc()
				o.appendAttempt(c.ID, r.Email, "", "", o.now(), o.now(),
					domain.OutcomeDeferred, err.Error())
				return nil
			}
			// No untried pair left: final failure with whatever trace exists.
			break
		}
		proxyID := ""
		if proxy != nil {
			proxyID = proxy.ID
		}
		rot.Mark(account.ID, proxyID)
		if attempt > 0 {
			o.counters.Retry()
			metrics.RetriesTotal.Inc()
			if account.ID != lastAccount || proxyID != lastProxy {
				o.counters.Failover()
			}
		}
		lastAccount, lastProxy = account.ID, proxyID

		if err := o.acquireSlots(ctx, account); err != nil {
			return nil // cancelled mid-acquire; recipient stays unaccounted
		}

		msg := o.buildMessage(c, r, attempt, account)
		startedAt := o.now()
		res, sendErr := o.sender.Send(ctx, account, proxy, msg)
		endedAt := o.now()

		if sendErr == nil {
			note := ""
			if res.SPFMismatch {
				note = fmt.Sprintf("spf: egress ip %s not authorized for %s", res.EgressIP, account.Domain())
				logger.Warn("delivered with SPF mismatch",
					"account", account.Email, "egress_ip", res.EgressIP)
			}
			o.appendAttempt(c.ID, r.Email, account.ID, proxyID, startedAt, endedAt,
				domain.OutcomeSuccess, note)
			o.counters.Sent()
			o.counters.Success()
			metrics.SendsTotal.WithLabelValues("success").Inc()
			if o.warmup != nil {
				o.warmup.OnSend(account.ID)
			}
			o.selector.Adjust(account.ID, true, res.ResponseTime)
			return nil
		}

		if ctx.Err() != nil {
			o.appendAttempt(c.ID, r.Email, account.ID, proxyID, startedAt, endedAt,
				domain.OutcomeStopped, sendErr.Error())
			return nil
		}

		attemptRec := o.appendAttempt(c.ID, r.Email, account.ID, proxyID, startedAt, endedAt,
			domain.OutcomeFailed, sendErr.Error())
		trace = append(trace, attemptRec)
		o.attribute(sendErr, account, proxy)
		o.selector.Adjust(account.ID, false, endedAt.Sub(startedAt))

		if !sendErr.Retryable() {
			logger.Warn("non-retryable send failure",
				"campaign", c.ID, "account", account.Email, "kind", string(sendErr.Kind))
			break
		}
		if attempt < maxAttempts-1 {
			backoff := Backoff(attempt,
				time.Duration(o.cfg.Campaign.BackoffBaseMillis)*time.Millisecond,
				time.Duration(o.cfg.Campaign.BackoffCapSecs)*time.Second)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
		}
	}

	o.counters.Sent()
	o.counters.Failed()
	metrics.SendsTotal.WithLabelValues("failed").Inc()
	o.deadLetter(c.ID, r.Email, trace)
	return nil
}

// ratePollInterval paces eligibility re-checks while every account sits on a
// full rate window.
const ratePollInterval = 200 * time.Millisecond

// pickPair selects the (account, proxy) pair for one attempt. First attempts
// go through the selector; retries rotate through untried pairs.
func (o *Orchestrator) pickPair(ctx context.Context, c *domain.Campaign, accounts []*domain.SMTPAccount, rot *PairRotation, attempt int) (*domain.SMTPAccount, *domain.Proxy, error) {
	eligible, err := o.eligibleAccounts(ctx, accounts)
	if err != nil {
		return nil, nil, err
	}

	if attempt == 0 {
		account := o.selector.PickFrom(eligible)
		proxy, err := o.proxyFor(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		return account, proxy, nil
	}

	proxies, err := o.proxyCandidates(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	account, proxy, ok := rot.Next(eligible, proxies)
	if !ok {
		return nil, nil, fmt.Errorf("no untried account/proxy pair for retry")
	}
	return account, proxy, nil
}

// eligibleAccounts returns the current eligible set. An empty set with daily
// allowance still left somewhere is a momentary rate-window deferral: count
// it, wait, re-check. Only an empty set with no allowance anywhere is
// ErrAccountsExhausted.
func (o *Orchestrator) eligibleAccounts(ctx context.Context, accounts []*domain.SMTPAccount) ([]*domain.SMTPAccount, error) {
	counted := false
	for {
		if eligible := o.selector.Eligible(accounts); len(eligible) > 0 {
			return eligible, nil
		}
		if !o.selector.HasAllowance(accounts) {
			return nil, ErrAccountsExhausted
		}
		if !counted {
			counted = true
			o.counters.RateLimited()
			metrics.RateLimitWaits.Inc()
		}
		select {
		case <-time.After(ratePollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// proxyFor resolves the proxy for a first attempt: the campaign's explicit
// proxy when configured, otherwise one from the pool per strategy. Without
// enforcement an empty pool means direct egress (still subject to leak
// prevention at the socket layer).
func (o *Orchestrator) proxyFor(ctx context.Context, c *domain.Campaign) (*domain.Proxy, error) {
	if c.ProxyHost != "" {
		return campaignProxy(c), nil
	}
	proxy, err := o.proxies.GetWorking(ctx, c.SessionID, o.strategy)
	if err != nil {
		if errors.Is(err, proxypool.ErrProxyUnavailable) && !o.cfg.SMTP.ProxyForce {
			return nil, nil
		}
		return nil, err
	}
	return proxy, nil
}

func (o *Orchestrator) proxyCandidates(ctx context.Context, c *domain.Campaign) ([]*domain.Proxy, error) {
	if c.ProxyHost != "" {
		return []*domain.Proxy{campaignProxy(c)}, nil
	}
	proxies, err := o.proxies.ListWorking(ctx, c.SessionID)
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 && o.cfg.SMTP.ProxyForce {
		return nil, proxypool.ErrProxyUnavailable
	}
	return proxies, nil
}

// campaignProxy synthesizes a proxy entity from the campaign's explicit
// host/port override.
func campaignProxy(c *domain.Campaign) *domain.Proxy {
	return &domain.Proxy{
		ID:        "campaign:" + c.ID,
		SessionID: c.SessionID,
		Kind:      domain.ProxySOCKS5,
		Host:      c.ProxyHost,
		Port:      c.ProxyPort,
		Status:    domain.ProxyValid,
		IsActive:  true,
	}
}

// acquireSlots takes the per-account and per-domain sliding-window slots and
// waits out the distributed hourly limit.
func (o *Orchestrator) acquireSlots(ctx context.Context, account *domain.SMTPAccount) error {
	if o.accGov != nil {
		if err := o.accGov.Acquire(ctx, account.ID); err != nil {
			return err
		}
	}
	if o.domGov != nil {
		if err := o.domGov.Acquire(ctx, account.Domain()); err != nil {
			return err
		}
	}
	if o.hourly == nil {
		return nil
	}
	for {
		allowed, wait, err := o.hourly.Allow(ctx, account.ID)
		if err != nil {
			// Redis being down must not stall the campaign; the in-memory
			// windows still pace it.
			logger.Warn("hourly limiter unavailable", "account", account.Email, "error", err.Error())
			return nil
		}
		if allowed {
			return nil
		}
		o.counters.RateLimited()
		metrics.RateLimitWaits.Inc()
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// buildMessage renders the message for one attempt, rotating through the
// subject pool so failovers vary content.
func (o *Orchestrator) buildMessage(c *domain.Campaign, r domain.Recipient, attempt int, account *domain.SMTPAccount) *smtpout.Message {
	subject := ""
	if len(c.Subjects) > 0 {
		subject = c.Subjects[attempt%len(c.Subjects)]
	}
	msg := &smtpout.Message{
		From:       account.Email,
		FromName:   c.FromName,
		To:         r.Email,
		Subject:    subject,
		HTML:       c.HTMLTemplate,
		Text:       c.TextTemplate,
		CampaignID: c.ID,
	}
	msg.ApplyMacros(r, o.now())
	return msg
}

// attribute buckets a send failure into the campaign counters.
func (o *Orchestrator) attribute(sendErr *smtpout.SendError, account *domain.SMTPAccount, proxy *domain.Proxy) {
	metrics.SendFailures.WithLabelValues(string(sendErr.Kind)).Inc()
	switch sendErr.Kind {
	case smtpout.KindAuth:
		if account.Credential.Kind == domain.CredentialOAuth {
			o.counters.OAuthError()
			return
		}
		o.counters.SMTPError()
	case smtpout.KindConnect, smtpout.KindTimeout:
		if proxy != nil {
			o.counters.ProxyError()
			return
		}
		o.counters.SMTPError()
	default:
		o.counters.SMTPError()
	}
}

func (o *Orchestrator) appendAttempt(campaignID, email, accountID, proxyID string, startedAt, endedAt time.Time, outcome domain.AttemptOutcome, errText string) domain.SendAttempt {
	rec := domain.SendAttempt{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		Email:      email,
		AccountID:  accountID,
		ProxyID:    proxyID,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		Outcome:    outcome,
		Error:      errText,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.AppendAttempt(ctx, &rec); err != nil {
		logger.Error("appending attempt", "campaign", campaignID, "email", email, "error", err.Error())
	}
	return rec
}

func (o *Orchestrator) deadLetter(campaignID, email string, trace []domain.SendAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := &domain.DeadLetter{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		Email:      email,
		Attempts:   trace,
		CreatedAt:  o.now(),
	}
	if err := o.store.AppendDeadLetter(ctx, d); err != nil {
		logger.Error("appending dead letter", "campaign", campaignID, "email", email, "error", err.Error())
	}
}

func (o *Orchestrator) progressLoop(ctx context.Context, campaignID string, total int64, started time.Time, done <-chan struct{}) {
	interval := time.Duration(o.cfg.Campaign.ProgressIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := o.counters.Snapshot()
			_ = o.pub.Publish(ctx, computeProgress(campaignID, snap.Sent, total, started, o.now()))
			if err := o.store.SaveCampaignCounters(ctx, campaignID, snap); err != nil && ctx.Err() == nil {
				logger.Debug("saving counters", "campaign", campaignID, "error", err.Error())
			}
		}
	}
}

func clampThreads(n int, cfg config.CampaignConfig) int {
	if n <= 0 {
		n = cfg.DefaultThreads
	}
	if n > cfg.MaxThreads {
		n = cfg.MaxThreads
	}
	if n < 1 {
		n = 1
	}
	return n
}
