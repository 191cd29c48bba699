package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCampaignStatusTransitions(t *testing.T) {
	assert.True(t, CampaignDraft.CanTransition(CampaignRunning))
	assert.True(t, CampaignRunning.CanTransition(CampaignPaused))
	assert.True(t, CampaignPaused.CanTransition(CampaignRunning))
	assert.True(t, CampaignRunning.CanTransition(CampaignStopped))
	assert.True(t, CampaignRunning.CanTransition(CampaignCompleted))

	// Terminal states never go back to running.
	for _, s := range []CampaignStatus{CampaignCompleted, CampaignStopped, CampaignFailed} {
		assert.True(t, s.IsTerminal())
		assert.False(t, s.CanTransition(CampaignRunning), "terminal %s must not resume", s)
	}

	assert.False(t, CampaignDraft.CanTransition(CampaignPaused))
	assert.False(t, CampaignDraft.CanTransition(CampaignCompleted))
}

func TestAccountSendable(t *testing.T) {
	a := &SMTPAccount{Status: AccountValid, IsActive: true}
	assert.True(t, a.Sendable())

	a.Status = AccountChecked
	assert.True(t, a.Sendable())

	a.IsActive = false
	assert.False(t, a.Sendable())

	a.IsActive = true
	a.Status = AccountInvalid
	assert.False(t, a.Sendable())
}

func TestDomainExtraction(t *testing.T) {
	a := &SMTPAccount{Email: "Ops@Example.COM"}
	assert.Equal(t, "example.com", a.Domain())

	r := Recipient{Email: "user@mail.example.org"}
	assert.Equal(t, "mail.example.org", r.Domain())
	assert.Equal(t, "", Recipient{Email: "bogus"}.Domain())
}

func TestProxyUsable(t *testing.T) {
	p := &Proxy{Status: ProxyValid, IsActive: true}
	assert.True(t, p.Usable())

	p.IsBlacklisted = true
	assert.False(t, p.Usable())

	p.IsBlacklisted = false
	p.Status = ProxyDead
	assert.False(t, p.Usable())
}
