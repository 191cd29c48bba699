package campaign

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ignite/mailplane/internal/config"
	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/smtpout"
)

// Pre-flight step keys, reported in this order.
const (
	StepSettings        = "campaign_settings"
	StepTemplate        = "template"
	StepSMTP            = "smtp"
	StepProxy           = "proxy"
	StepRedirectDomains = "redirect_domains"
	StepRandomHTML      = "random_html"
)

// StepError is one pre-flight finding keyed by its step.
type StepError struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

func (e StepError) Error() string { return fmt.Sprintf("%s: %s", e.Step, e.Message) }

// ConnectionChecker validates one SMTP account with a direct
// EHLO+STARTTLS+AUTH+QUIT exchange.
type ConnectionChecker interface {
	CheckConnection(ctx context.Context, account *domain.SMTPAccount) (time.Duration, error)
}

// ProxySource lists the currently working proxies for a session.
type ProxySource interface {
	ListWorking(ctx context.Context, sessionID string) ([]*domain.Proxy, error)
}

// hostResolver is the slice of net.Resolver the redirect-domain check needs.
type hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Preflight runs the mock-test validation pipeline: every check a campaign
// must pass before Start, without sending a single message.
type Preflight struct {
	checker  ConnectionChecker
	proxies  ProxySource
	cfg      config.Config
	resolver hostResolver

	// dialTimeout is swappable in tests; defaults to net.DialTimeout.
	dialTimeout func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewPreflight wires the pre-flight checks. checker and proxies may be nil
// when the corresponding step should be skipped (settings-only validation).
func NewPreflight(checker ConnectionChecker, proxies ProxySource, cfg config.Config) *Preflight {
	return &Preflight{
		checker:     checker,
		proxies:     proxies,
		cfg:         cfg,
		resolver:    net.DefaultResolver,
		dialTimeout: net.DialTimeout,
	}
}

// dummyRecipient exercises every personalization macro during rendering.
func dummyRecipient() domain.Recipient {
	return domain.Recipient{
		Email:     "test@example.com",
		FirstName: "Test",
		LastName:  "User",
	}
}

// Run executes all pre-flight steps against the campaign and reports findings
// in step order. An empty slice means the campaign may start.
func (p *Preflight) Run(ctx context.Context, c *domain.Campaign, accounts []*domain.SMTPAccount) []StepError {
	var errs []StepError

	errs = append(errs, p.checkSettings(c)...)
	errs = append(errs, p.checkTemplate(c)...)
	errs = append(errs, p.checkSMTP(ctx, accounts)...)
	errs = append(errs, p.checkProxy(ctx, c)...)
	errs = append(errs, p.checkRedirectDomains(ctx, c)...)
	errs = append(errs, p.checkContentPool(c)...)

	return errs
}

func (p *Preflight) checkSettings(c *domain.Campaign) []StepError {
	var errs []StepError
	fail := func(format string, args ...interface{}) {
		errs = append(errs, StepError{Step: StepSettings, Message: fmt.Sprintf(format, args...)})
	}

	if c.Name == "" {
		fail("campaign has no name")
	}
	if len(c.Subjects) == 0 {
		fail("subject pool is empty")
	}
	if c.HTMLTemplate == "" && c.TextTemplate == "" {
		fail("campaign has neither an HTML nor a text template")
	}
	if c.BatchSize < 0 {
		fail("batch_size %d is negative", c.BatchSize)
	}
	if c.ThreadCount < 0 || c.ThreadCount > p.cfg.Campaign.MaxThreads {
		fail("thread_count %d outside 0-%d", c.ThreadCount, p.cfg.Campaign.MaxThreads)
	}
	if c.RetryLimit < 0 {
		fail("retry_limit %d is negative", c.RetryLimit)
	}
	if c.RecipientFilter != "" {
		if _, err := CompileFilter(c.RecipientFilter); err != nil {
			fail("recipient filter: %v", err)
		}
	}
	return errs
}

func (p *Preflight) checkTemplate(c *domain.Campaign) []StepError {
	var errs []StepError
	r := dummyRecipient()

	subject := ""
	if len(c.Subjects) > 0 {
		subject = c.Subjects[0]
	}
	msg := &smtpout.Message{
		To:         r.Email,
		Subject:    subject,
		HTML:       c.HTMLTemplate,
		Text:       c.TextTemplate,
		CampaignID: c.ID,
	}
	msg.ApplyMacros(r, time.Now())
	for _, field := range []struct{ name, text string }{
		{"subject", msg.Subject},
		{"html", msg.HTML},
		{"text", msg.Text},
	} {
		if left := smtpout.UnresolvedMacros(field.text); len(left) > 0 {
			errs = append(errs, StepError{
				Step:    StepTemplate,
				Message: fmt.Sprintf("%s has unresolved macros: %v", field.name, left),
			})
		}
	}
	return errs
}

func (p *Preflight) checkSMTP(ctx context.Context, accounts []*domain.SMTPAccount) []StepError {
	var sendable []*domain.SMTPAccount
	for _, a := range accounts {
		if a.Sendable() {
			sendable = append(sendable, a)
		}
	}
	if len(sendable) == 0 {
		return []StepError{{Step: StepSMTP, Message: "no checked SMTP account available"}}
	}
	if p.checker == nil {
		return nil
	}
	if _, err := p.checker.CheckConnection(ctx, sendable[0]); err != nil {
		return []StepError{{
			Step:    StepSMTP,
			Message: fmt.Sprintf("connection check failed for %s: %v", sendable[0].Email, err),
		}}
	}
	return nil
}

func (p *Preflight) checkProxy(ctx context.Context, c *domain.Campaign) []StepError {
	var errs []StepError

	if p.cfg.SMTP.ProxyForce && p.proxies != nil {
		working, err := p.proxies.ListWorking(ctx, c.SessionID)
		if err != nil {
			errs = append(errs, StepError{Step: StepProxy, Message: fmt.Sprintf("listing proxies: %v", err)})
		} else if len(working) == 0 {
			errs = append(errs, StepError{Step: StepProxy, Message: "proxy enforcement is on but no working proxy exists"})
		}
	}

	// Explicit campaign proxy must be reachable within 5s.
	if c.ProxyHost != "" {
		addr := fmt.Sprintf("%s:%d", c.ProxyHost, c.ProxyPort)
		conn, err := p.dialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			errs = append(errs, StepError{Step: StepProxy, Message: fmt.Sprintf("campaign proxy %s unreachable: %v", addr, err)})
		} else {
			conn.Close()
		}
	}
	return errs
}

func (p *Preflight) checkRedirectDomains(ctx context.Context, c *domain.Campaign) []StepError {
	var errs []StepError
	for _, d := range c.RedirectDomains {
		if d == "" {
			continue
		}
		if _, err := p.resolver.LookupHost(ctx, d); err != nil {
			errs = append(errs, StepError{
				Step:    StepRedirectDomains,
				Message: fmt.Sprintf("redirect domain %s does not resolve: %v", d, err),
			})
		}
	}
	return errs
}

// checkContentPool renders every subject variant and scores the HTML body so
// obviously spammy content is flagged before any send.
func (p *Preflight) checkContentPool(c *domain.Campaign) []StepError {
	var errs []StepError
	r := dummyRecipient()

	for i, subject := range c.Subjects {
		msg := &smtpout.Message{To: r.Email, Subject: subject, HTML: c.HTMLTemplate, Text: c.TextTemplate, CampaignID: c.ID}
		msg.ApplyMacros(r, time.Now())
		if left := smtpout.UnresolvedMacros(msg.Subject); len(left) > 0 {
			errs = append(errs, StepError{
				Step:    StepRandomHTML,
				Message: fmt.Sprintf("subject variant %d has unresolved macros: %v", i+1, left),
			})
		}
		if score := smtpout.SpamScore(msg.Subject, msg.HTML, msg.Text); score >= p.cfg.SMTP.SpamScoreThreshold {
			errs = append(errs, StepError{
				Step:    StepRandomHTML,
				Message: fmt.Sprintf("subject variant %d scores %.1f, above the %.1f spam threshold", i+1, score, p.cfg.SMTP.SpamScoreThreshold),
			})
		}
	}
	return errs
}
