package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kauschie/knewit/internal/domain"
	"github.com/redis/go-redis/v9"
)

// LeaderboardCache mirrors session standings into a Redis ZSET so other processes can read them.
// It implements app.LeaderboardSink.
type LeaderboardCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLeaderboardCache(client *redis.Client, ttl time.Duration) *LeaderboardCache {
	return &LeaderboardCache{client: client, ttl: ttl}
}

func (c *LeaderboardCache) key(sessionID string) string {
	return fmt.Sprintf("session:%s:leaderboard", sessionID)
}

func (c *LeaderboardCache) namesKey(sessionID string) string {
	return fmt.Sprintf("session:%s:names", sessionID)
}

// PublishLeaderboard replaces the mirrored standings for lb.SessionID.
func (c *LeaderboardCache) PublishLeaderboard(ctx context.Context, lb domain.Leaderboard) error {
	key, names := c.key(lb.SessionID), c.namesKey(lb.SessionID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key, names)
		for _, entry := range lb.Entries {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(entry.Score), Member: entry.ParticipantID})
			pipe.HSet(ctx, names, entry.ParticipantID, entry.DisplayName)
		}
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
			pipe.Expire(ctx, names, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish leaderboard: %w", err)
	}
	return nil
}

// Top returns the highest limit entries.
func (c *LeaderboardCache) Top(ctx context.Context, sessionID string, limit int) ([]domain.LeaderboardEntry, error) {
	results, err := c.client.ZRevRangeWithScores(ctx, c.key(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	names, err := c.client.HGetAll(ctx, c.namesKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, z := range results {
		id := z.Member.(string)
		entries[i] = domain.LeaderboardEntry{
			Rank:          i + 1,
			ParticipantID: id,
			DisplayName:   names[id],
			Score:         int(z.Score),
		}
	}
	return entries, nil
}

// Rank returns the 1-indexed rank of a participant, or -1 when absent.
func (c *LeaderboardCache) Rank(ctx context.Context, sessionID, participantID string) (int64, error) {
	rank, err := c.client.ZRevRank(ctx, c.key(sessionID), participantID).Result()
	if err == redis.Nil {
		return -1, nil
	}
	return rank + 1, err
}
