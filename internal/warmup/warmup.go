// Package warmup caps daily sends per SMTP account along a ramp schedule so
// new sending identities build reputation gradually.
package warmup

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule maps warm-up day to the planned daily volume. Days beyond the
// table are capped at the graduation volume.
var Schedule = []struct {
	Day int
	Cap int
}{
	{1, 50}, {2, 50}, {3, 100}, {4, 100},
	{5, 250}, {6, 250}, {7, 250},
	{8, 500}, {9, 500}, {10, 500},
	{11, 1000}, {12, 1000}, {13, 1000}, {14, 1000},
	{15, 2500}, {16, 2500}, {17, 2500}, {18, 2500},
	{19, 5000}, {20, 5000}, {21, 5000}, {22, 5000},
	{23, 10000}, {24, 10000}, {25, 10000}, {26, 10000},
	{27, 25000}, {28, 25000}, {29, 25000}, {30, 25000},
}

const graduatedCap = 50000

// CapForDay returns the allowed daily volume for a warm-up day.
func CapForDay(day int) int {
	if day > 30 {
		return graduatedCap
	}
	for _, entry := range Schedule {
		if entry.Day == day {
			return entry.Cap
		}
	}
	return Schedule[0].Cap
}

// plan is the mutable per-account warm-up state.
type plan struct {
	day       int
	dailyCap  int
	dailySent int
}

// Persister receives the day-boundary reset so counters survive restarts.
type Persister interface {
	ResetDailyCounters(ctx context.Context, sessionID string) error
}

// Controller tracks warm-up state per account id.
type Controller struct {
	mu    sync.Mutex
	plans map[string]*plan

	enabled   bool
	sessionID string
	persister Persister
	cron      *cron.Cron
}

// NewController creates a controller. When disabled, CanSend always allows.
func NewController(enabled bool) *Controller {
	return &Controller{
		enabled: enabled,
		plans:   make(map[string]*plan),
	}
}

// SetPlan (re)initializes warm-up state for an account starting at startDay.
func (c *Controller) SetPlan(accountID string, startDay int) {
	if startDay < 1 {
		startDay = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[accountID] = &plan{day: startDay, dailyCap: CapForDay(startDay)}
}

// Restore seeds state from persisted counters (used at startup).
func (c *Controller) Restore(accountID string, day, dailySent int) {
	if day < 1 {
		day = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[accountID] = &plan{day: day, dailyCap: CapForDay(day), dailySent: dailySent}
}

// CanSend reports whether the account still has daily allowance.
// Accounts without a plan are not in warm-up and always allowed.
func (c *Controller) CanSend(accountID string) bool {
	if !c.enabled {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[accountID]
	if !ok {
		return true
	}
	return p.dailySent < p.dailyCap
}

// OnSend records a successful send against the daily allowance.
func (c *Controller) OnSend(accountID string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.plans[accountID]; ok {
		p.dailySent++
	}
}

// Day returns the current warm-up day for an account (0 when not in warm-up).
func (c *Controller) Day(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.plans[accountID]; ok {
		return p.day
	}
	return 0
}

// Remaining returns the allowance left today (and the cap) for an account.
func (c *Controller) Remaining(accountID string) (remaining, cap int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[accountID]
	if !ok {
		return -1, 0
	}
	left := p.dailyCap - p.dailySent
	if left < 0 {
		left = 0
	}
	return left, p.dailyCap
}

// Advance moves every plan to the next day and zeroes daily counters.
// Exposed for tests; production calls it from the cron boundary.
func (c *Controller) Advance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.plans {
		p.day++
		p.dailyCap = CapForDay(p.day)
		p.dailySent = 0
	}
}

// StartDailyReset schedules the day-boundary advance at local midnight in tz
// and mirrors the reset into the persister. Returns an error for unknown
// timezones.
func (c *Controller) StartDailyReset(sessionID, tz string, persister Persister) error {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("warmup timezone: %w", err)
	}
	c.sessionID = sessionID
	c.persister = persister
	c.cron = cron.New(cron.WithLocation(loc))
	_, err = c.cron.AddFunc("0 0 * * *", c.boundary)
	if err != nil {
		return err
	}
	c.cron.Start()
	log.Printf("[Warmup] Daily reset scheduled at midnight %s", tz)
	return nil
}

// Stop halts the reset schedule.
func (c *Controller) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

func (c *Controller) boundary() {
	c.Advance()
	if c.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.persister.ResetDailyCounters(ctx, c.sessionID); err != nil {
			log.Printf("[Warmup] Failed to persist daily reset: %v", err)
		}
	}
	log.Printf("[Warmup] Advanced all plans to next day")
}
