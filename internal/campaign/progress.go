package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Progress is a periodic campaign snapshot for external consumers.
type Progress struct {
	CampaignID          string    `json:"campaign_id"`
	Sent                int64     `json:"sent"`
	Total               int64     `json:"total"`
	RatePerSecond       float64   `json:"rate_per_second"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
}

// Publisher receives progress snapshots. The transport layer (WebSocket,
// notifications) is a collaborator behind this interface.
type Publisher interface {
	Publish(ctx context.Context, p Progress) error
}

// NopPublisher discards snapshots.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Progress) error { return nil }

// RedisPublisher mirrors snapshots into a per-campaign Redis hash so other
// processes can poll progress without touching Postgres.
type RedisPublisher struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisPublisher wraps an existing Redis client.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, ttl: 24 * time.Hour}
}

func progressKey(campaignID string) string {
	return fmt.Sprintf("campaign:%s:progress", campaignID)
}

// Publish writes the snapshot hash and refreshes its TTL.
func (rp *RedisPublisher) Publish(ctx context.Context, p Progress) error {
	key := progressKey(p.CampaignID)
	pipe := rp.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"sent":                 p.Sent,
		"total":                p.Total,
		"rate_per_second":      fmt.Sprintf("%.2f", p.RatePerSecond),
		"estimated_completion": p.EstimatedCompletion.UTC().Format(time.RFC3339),
		"updated_at":           time.Now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, key, rp.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Read fetches the last published snapshot for a campaign.
func (rp *RedisPublisher) Read(ctx context.Context, campaignID string) (map[string]string, error) {
	return rp.rdb.HGetAll(ctx, progressKey(campaignID)).Result()
}

// computeProgress derives rate and ETA from elapsed time and counts.
func computeProgress(campaignID string, sent, total int64, started time.Time, now time.Time) Progress {
	p := Progress{CampaignID: campaignID, Sent: sent, Total: total}
	elapsed := now.Sub(started).Seconds()
	if elapsed > 0 && sent > 0 {
		p.RatePerSecond = float64(sent) / elapsed
		remaining := total - sent
		if remaining > 0 && p.RatePerSecond > 0 {
			p.EstimatedCompletion = now.Add(time.Duration(float64(remaining)/p.RatePerSecond) * time.Second)
		} else {
			p.EstimatedCompletion = now
		}
	}
	return p
}
