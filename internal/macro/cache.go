package macro

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// sentimentKey is shared across all analyses so one macro fetch serves
// every symbol for the TTL window
const sentimentKey = "market_sentiment"

// SentimentCache stores the composite macro snapshot in Redis
type SentimentCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSentimentCache creates the shared macro cache. A nil client yields a
// nil cache, which every method treats as a permanent miss.
func NewSentimentCache(client *redis.Client, ttl time.Duration) *SentimentCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 6 * time.Hour
	}
	return &SentimentCache{client: client, ttl: ttl}
}

// Get returns the cached snapshot and true on a hit
func (c *SentimentCache) Get(ctx context.Context) (*Snapshot, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, sentimentKey).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("Macro cache get error, treating as miss")
		}
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(cached), &snap); err != nil {
		log.Warn().Err(err).Msg("Failed to unmarshal cached macro snapshot")
		return nil, false
	}
	return &snap, true
}

// Set stores the snapshot under the shared key with the configured TTL
func (c *SentimentCache) Set(ctx context.Context, snap *Snapshot) error {
	if c == nil || c.client == nil {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	return c.client.Set(cacheCtx, sentimentKey, data, c.ttl).Err()
}
