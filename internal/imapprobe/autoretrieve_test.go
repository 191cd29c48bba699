package imapprobe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/mailplane/internal/domain"
)

func TestRetrieverRunsAndStops(t *testing.T) {
	var passes atomic.Int32
	r := NewRetriever(func(ctx context.Context, _ *domain.IMAPAccount) error {
		passes.Add(1)
		return nil
	})

	acct := &domain.IMAPAccount{ID: "i1", Email: "probe@example.com"}
	r.Start(context.Background(), acct, 10*time.Millisecond)
	assert.True(t, r.Running("i1"))

	assert.Eventually(t, func() bool { return passes.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	r.Stop("i1")
	assert.False(t, r.Running("i1"))

	r.StopAll() // idempotent
}

func TestRetrieverRestartReplacesLoop(t *testing.T) {
	var passes atomic.Int32
	r := NewRetriever(func(ctx context.Context, _ *domain.IMAPAccount) error {
		passes.Add(1)
		return nil
	})
	defer r.StopAll()

	acct := &domain.IMAPAccount{ID: "i1", Email: "probe@example.com"}
	r.Start(context.Background(), acct, time.Hour)
	r.Start(context.Background(), acct, time.Hour)

	// Each Start runs one immediate pass; the first loop was cancelled.
	assert.Eventually(t, func() bool { return passes.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Running("i1"))
}
