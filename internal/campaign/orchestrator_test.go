package campaign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailplane/internal/config"
	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/health"
	"github.com/ignite/mailplane/internal/proxypool"
	"github.com/ignite/mailplane/internal/rate"
	"github.com/ignite/mailplane/internal/selector"
	"github.com/ignite/mailplane/internal/smtpout"
	"github.com/ignite/mailplane/internal/warmup"
)

type memStore struct {
	mu          sync.Mutex
	transitions []string
	attempts    []domain.SendAttempt
	dead        []domain.DeadLetter
	counters    domain.CampaignCounters
}

func (s *memStore) TransitionCampaign(_ context.Context, id string, from, to domain.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !from.CanTransition(to) {
		return fmt.Errorf("campaign %s cannot move %s -> %s", id, from, to)
	}
	s.transitions = append(s.transitions, string(from)+"->"+string(to))
	return nil
}

func (s *memStore) SaveCampaignCounters(_ context.Context, _ string, c domain.CampaignCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = c
	return nil
}

func (s *memStore) AppendAttempt(_ context.Context, a *domain.SendAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *memStore) AppendDeadLetter(_ context.Context, d *domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, *d)
	return nil
}

func (s *memStore) attemptsFor(email string) []domain.SendAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SendAttempt
	for _, a := range s.attempts {
		if a.Email == email {
			out = append(out, a)
		}
	}
	return out
}

func (s *memStore) transitionList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transitions...)
}

// fakeSender scripts outcomes per recipient: the first N entries of the
// script are consumed in order, then sends succeed.
type fakeSender struct {
	mu     sync.Mutex
	script map[string][]*smtpout.SendError
	sends  []sendRecord
}

type sendRecord struct {
	email     string
	accountID string
	proxyID   string
}

func (f *fakeSender) Send(_ context.Context, account *domain.SMTPAccount, proxy *domain.Proxy, msg *smtpout.Message) (*smtpout.SendResult, *smtpout.SendError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	proxyID := ""
	if proxy != nil {
		proxyID = proxy.ID
	}
	f.sends = append(f.sends, sendRecord{email: msg.To, accountID: account.ID, proxyID: proxyID})
	if errs := f.script[msg.To]; len(errs) > 0 {
		next := errs[0]
		f.script[msg.To] = errs[1:]
		if next != nil {
			return nil, next
		}
	}
	return &smtpout.SendResult{MessageID: "<id@x>", Host: "mx.test", ResponseTime: 5 * time.Millisecond}, nil
}

func (f *fakeSender) records() []sendRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendRecord(nil), f.sends...)
}

type fakeProxies struct {
	mu   sync.Mutex
	list []*domain.Proxy
	idx  int
}

func (f *fakeProxies) GetWorking(_ context.Context, _ string, _ proxypool.Strategy) (*domain.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.list) == 0 {
		return nil, proxypool.ErrProxyUnavailable
	}
	p := f.list[f.idx%len(f.list)]
	f.idx++
	return p, nil
}

func (f *fakeProxies) ListWorking(context.Context, string) ([]*domain.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Proxy(nil), f.list...), nil
}

func testConfig() config.Config {
	cfg := *config.Default()
	cfg.Campaign.BackoffBaseMillis = 1
	cfg.Campaign.BackoffCapSecs = 1
	cfg.Campaign.ProgressIntervalMS = 50
	return cfg
}

func testDeps(store *memStore, sender Sender, proxies ProxyProvider) Deps {
	return Deps{
		Store:    store,
		Sender:   sender,
		Proxies:  proxies,
		Selector: selector.New(nil, nil, health.NewBook(), selector.WithSeed(7)),
	}
}

func testAccounts(n int) []*domain.SMTPAccount {
	var out []*domain.SMTPAccount
	for i := 0; i < n; i++ {
		out = append(out, &domain.SMTPAccount{
			ID:       fmt.Sprintf("a%d", i+1),
			Email:    fmt.Sprintf("sender%d@example.com", i+1),
			Status:   domain.AccountValid,
			IsActive: true,
		})
	}
	return out
}

func testRecipients(n int) []domain.Recipient {
	var out []domain.Recipient
	for i := 0; i < n; i++ {
		out = append(out, domain.Recipient{
			Email:     fmt.Sprintf("r%d@example.com", i+1),
			FirstName: fmt.Sprintf("R%d", i+1),
		})
	}
	return out
}

func runCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:           "c1",
		SessionID:    "s1",
		Name:         "launch",
		Subjects:     []string{"Hello %%FIRST_NAME%%", "Hi %%FIRST_NAME%%"},
		HTMLTemplate: "<p>Hi %%FIRST_NAME%%</p>",
		BatchSize:    2,
		ThreadCount:  2,
		RetryLimit:   1,
		Status:       domain.CampaignDraft,
	}
}

func TestRunDeliversAllRecipientsThroughProxy(t *testing.T) {
	store := &memStore{}
	sender := &fakeSender{}
	proxies := &fakeProxies{list: []*domain.Proxy{{ID: "p1", Status: domain.ProxyValid, IsActive: true}}}

	o := NewOrchestrator(testDeps(store, sender, proxies), testConfig())
	err := o.Run(context.Background(), runCampaign(), testAccounts(2), testRecipients(5))
	require.NoError(t, err)

	snap := o.Counters()
	assert.Equal(t, int64(5), snap.Sent)
	assert.Equal(t, int64(5), snap.Success)
	assert.Equal(t, int64(0), snap.Failed)
	assert.Equal(t, snap.Sent, snap.Success+snap.Failed)

	for _, rec := range sender.records() {
		assert.Equal(t, "p1", rec.proxyID, "every send must egress via the proxy")
	}

	transitions := store.transitionList()
	assert.Equal(t, "draft->running", transitions[0])
	assert.Equal(t, "running->completed", transitions[len(transitions)-1])
	assert.Len(t, store.attempts, 5)
}

func TestRateWindowSaturationPacesInsteadOfDropping(t *testing.T) {
	store := &memStore{}
	sender := &fakeSender{}
	proxies := &fakeProxies{list: []*domain.Proxy{{ID: "p1", Status: domain.ProxyValid, IsActive: true}}}

	// Wire the per-account governor as both the acquire path and the
	// selector's rate gate, the way the CLI builds the engine. One send per
	// account per window forces every worker into the saturated-window path.
	gov, err := rate.NewGovernor(1, 150*time.Millisecond)
	require.NoError(t, err)
	deps := testDeps(store, sender, proxies)
	deps.AccGov = gov
	deps.Selector = selector.New(nil, gov, health.NewBook(), selector.WithSeed(7))

	o := NewOrchestrator(deps, testConfig())
	require.NoError(t, o.Run(context.Background(), runCampaign(), testAccounts(2), testRecipients(5)))

	snap := o.Counters()
	assert.Equal(t, int64(5), snap.Sent)
	assert.Equal(t, int64(5), snap.Success)
	assert.Equal(t, int64(0), snap.Failed)
	assert.Equal(t, int64(0), snap.Deferred, "a full window must pace, not shed recipients")
	assert.Greater(t, snap.RateLimited, int64(0))
	assert.Len(t, sender.records(), 5)
}

func TestWarmupExhaustionDefersRemainder(t *testing.T) {
	store := &memStore{}
	sender := &fakeSender{}
	proxies := &fakeProxies{list: []*domain.Proxy{{ID: "p1", Status: domain.ProxyValid, IsActive: true}}}

	wu := warmup.NewController(true)
	wu.Restore("a1", 1, 48) // day-1 cap 50, two sends left today

	deps := testDeps(store, sender, proxies)
	deps.Warmup = wu
	deps.Selector = selector.New(wu, nil, health.NewBook(), selector.WithSeed(7))

	c := runCampaign()
	c.ThreadCount = 1
	o := NewOrchestrator(deps, testConfig())
	require.NoError(t, o.Run(context.Background(), c, testAccounts(1), testRecipients(5)))

	snap := o.Counters()
	assert.Equal(t, int64(2), snap.Sent)
	assert.Equal(t, int64(2), snap.Success)
	assert.Equal(t, int64(0), snap.Failed)
	assert.Equal(t, int64(3), snap.Deferred)

	deferred := 0
	for _, a := range store.attempts {
		if a.Outcome == domain.OutcomeDeferred {
			deferred++
			assert.Empty(t, a.AccountID, "deferred attempts never selected an account")
		}
	}
	assert.Equal(t, 3, deferred)
}

func TestRunRefusesToStartWithoutProxiesUnderEnforcement(t *testing.T) {
	store := &memStore{}
	sender := &fakeSender{}
	cfg := testConfig()
	cfg.SMTP.ProxyForce = true

	o := NewOrchestrator(testDeps(store, sender, &fakeProxies{}), cfg)
	err := o.Run(context.Background(), runCampaign(), testAccounts(1), testRecipients(3))
	require.ErrorIs(t, err, ErrNoWorkingProxies)

	// Status stays draft, nothing was attempted.
	assert.Empty(t, store.transitionList())
	assert.Empty(t, store.attempts)
	assert.Empty(t, sender.records())
}

func TestRunRefusesToStartWithoutAccounts(t *testing.T) {
	store := &memStore{}
	o := NewOrchestrator(testDeps(store, &fakeSender{}, &fakeProxies{}), testConfig())

	err := o.Run(context.Background(), runCampaign(), nil, testRecipients(1))
	require.ErrorIs(t, err, ErrNoSendableAccounts)
	assert.Empty(t, store.transitionList())
}

func TestRetryFailsOverToDistinctPair(t *testing.T) {
	store := &memStore{}
	sender := &fakeSender{script: map[string][]*smtpout.SendError{
		"r1@example.com": {smtpout.Classify(fmt.Errorf("connection refused"))},
	}}
	proxies := &fakeProxies{list: []*domain.Proxy{
		{ID: "p1", Status: domain.ProxyValid, IsActive: true},
		{ID: "p2", Status: domain.ProxyValid, IsActive: true},
	}}

	c := runCampaign()
	c.ThreadCount = 1
	o := NewOrchestrator(testDeps(store, sender, proxies), testConfig())
	err := o.Run(context.Background(), c, testAccounts(2), testRecipients(1))
	require.NoError(t, err)

	recs := sender.records()
	require.Len(t, recs, 2)
	first := [2]string{recs[0].accountID, recs[0].proxyID}
	second := [2]string{recs[1].accountID, recs[1].proxyID}
	assert.NotEqual(t, first, second, "retry must use an untried (account, proxy) pair")

	snap := o.Counters()
	assert.Equal(t, int64(1), snap.Success)
	assert.Equal(t, int64(1), snap.Retries)
	assert.Equal(t, int64(1), snap.Failovers)
	assert.Equal(t, snap.Sent, snap.Success+snap.Failed)
}

func TestNonRetryableFailureSkipsRetry(t *testing.T) {
	store := &memStore{}
	sender := &fakeSender{script: map[string][]*smtpout.SendError{
		"r1@example.com": {smtpout.Classify(fmt.Errorf("535 authentication failed"))},
	}}

	c := runCampaign()
	c.ThreadCount = 1
	o := NewOrchestrator(testDeps(store, sender, &fakeProxies{}), testConfig())
	err := o.Run(context.Background(), c, testAccounts(2), testRecipients(1))
	require.NoError(t, err)

	assert.Len(t, sender.records(), 1, "auth failures must not be retried")

	snap := o.Counters()
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(0), snap.Retries)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.dead, 1)
	assert.Equal(t, "r1@example.com", store.dead[0].Email)
	require.Len(t, store.dead[0].Attempts, 1)
	assert.Equal(t, domain.OutcomeFailed, store.dead[0].Attempts[0].Outcome)
}

func TestExhaustedRetriesDeadLetterWithFullTrace(t *testing.T) {
	store := &memStore{}
	connRefused := func() *smtpout.SendError { return smtpout.Classify(fmt.Errorf("connection refused")) }
	sender := &fakeSender{script: map[string][]*smtpout.SendError{
		"r1@example.com": {connRefused(), connRefused(), connRefused()},
	}}

	c := runCampaign()
	c.ThreadCount = 1
	c.RetryLimit = 2
	o := NewOrchestrator(testDeps(store, sender, &fakeProxies{list: []*domain.Proxy{{ID: "p1"}}}), testConfig())
	err := o.Run(context.Background(), c, testAccounts(3), testRecipients(1))
	require.NoError(t, err)

	assert.Len(t, sender.records(), 3)

	snap := o.Counters()
	assert.Equal(t, int64(1), snap.Sent)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(2), snap.Retries)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.dead, 1)
	assert.Len(t, store.dead[0].Attempts, 3)
}

func TestRecipientFilterSkipsWithoutFailing(t *testing.T) {
	store := &memStore{}
	sender := &fakeSender{}

	c := runCampaign()
	c.RecipientFilter = `email != "r2@example.com"`
	o := NewOrchestrator(testDeps(store, sender, &fakeProxies{}), testConfig())
	err := o.Run(context.Background(), c, testAccounts(1), testRecipients(3))
	require.NoError(t, err)

	snap := o.Counters()
	assert.Equal(t, int64(2), snap.Sent)
	assert.Equal(t, int64(0), snap.Failed)
	assert.Empty(t, store.attemptsFor("r2@example.com"))
}

func TestStopCancelsRun(t *testing.T) {
	store := &memStore{}
	release := make(chan struct{})
	sender := &blockingSender{release: release}
	proxies := &fakeProxies{}

	c := runCampaign()
	c.ThreadCount = 1
	c.BatchSize = 1
	o := NewOrchestrator(testDeps(store, sender, proxies), testConfig())

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), c, testAccounts(1), testRecipients(50)) }()

	// Let the first send start, then stop.
	select {
	case <-sender.started():
	case <-time.After(2 * time.Second):
		t.Fatal("first send never started")
	}
	o.Stop()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	transitions := store.transitionList()
	assert.Equal(t, "running->stopped", transitions[len(transitions)-1])
	snap := o.Counters()
	assert.Less(t, snap.Sent, int64(50))
}

// blockingSender parks the first send until released so tests can observe an
// in-flight campaign.
type blockingSender struct {
	once      sync.Once
	startedCh chan struct{}
	release   chan struct{}
}

func (b *blockingSender) started() chan struct{} {
	b.once.Do(func() { b.startedCh = make(chan struct{}) })
	return b.startedCh
}

func (b *blockingSender) Send(ctx context.Context, _ *domain.SMTPAccount, _ *domain.Proxy, _ *smtpout.Message) (*smtpout.SendResult, *smtpout.SendError) {
	select {
	case b.started() <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, smtpout.Classify(ctx.Err())
	}
	return &smtpout.SendResult{}, nil
}
