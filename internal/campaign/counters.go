package campaign

import (
	"sync/atomic"

	"github.com/ignite/mailplane/internal/domain"
)

// Counters aggregates campaign outcomes with atomic updates. Snapshots are
// eventually consistent and monotonically non-decreasing.
type Counters struct {
	sent        atomic.Int64
	success     atomic.Int64
	failed      atomic.Int64
	retries     atomic.Int64
	failovers   atomic.Int64
	deferred    atomic.Int64
	rateLimited atomic.Int64
	oauthErrors atomic.Int64
	proxyErrors atomic.Int64
	smtpErrors  atomic.Int64
}

func (c *Counters) Sent()        { c.sent.Add(1) }
func (c *Counters) Success()     { c.success.Add(1) }
func (c *Counters) Failed()      { c.failed.Add(1) }
func (c *Counters) Retry()       { c.retries.Add(1) }
func (c *Counters) Failover()    { c.failovers.Add(1) }
func (c *Counters) Deferred()    { c.deferred.Add(1) }
func (c *Counters) RateLimited() { c.rateLimited.Add(1) }
func (c *Counters) OAuthError()  { c.oauthErrors.Add(1) }
func (c *Counters) ProxyError()  { c.proxyErrors.Add(1) }
func (c *Counters) SMTPError()   { c.smtpErrors.Add(1) }

// Snapshot copies the counters into the persistence shape.
func (c *Counters) Snapshot() domain.CampaignCounters {
	return domain.CampaignCounters{
		Sent:        c.sent.Load(),
		Success:     c.success.Load(),
		Failed:      c.failed.Load(),
		Retries:     c.retries.Load(),
		Failovers:   c.failovers.Load(),
		Deferred:    c.deferred.Load(),
		RateLimited: c.rateLimited.Load(),
		OAuthErrors: c.oauthErrors.Load(),
		ProxyErrors: c.proxyErrors.Load(),
		SMTPErrors:  c.smtpErrors.Load(),
	}
}

// Restore seeds the counters from a persisted snapshot.
func (c *Counters) Restore(s domain.CampaignCounters) {
	c.sent.Store(s.Sent)
	c.success.Store(s.Success)
	c.failed.Store(s.Failed)
	c.retries.Store(s.Retries)
	c.failovers.Store(s.Failovers)
	c.deferred.Store(s.Deferred)
	c.rateLimited.Store(s.RateLimited)
	c.oauthErrors.Store(s.OAuthErrors)
	c.proxyErrors.Store(s.ProxyErrors)
	c.smtpErrors.Store(s.SMTPErrors)
}
