package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	rdb *redis.Client
}

func New(dsn string) (*Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 5
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.ConnMaxLifetime = 30 * time.Minute

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb}, nil
}

// NewFromRDB wraps an existing go-redis client. Used by tests with miniredis.
func NewFromRDB(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) RDB() *redis.Client {
	return c.rdb
}

// Turn reply cache: the final reply for a processed (chat, platform message id)
// pair is kept so a redelivered update returns the original text instead of
// re-running the extraction.

const replyTTL = 24 * time.Hour

func replyKey(externalChatID string, platformMessageID int64) string {
	return fmt.Sprintf("turnreply:%s:%d", externalChatID, platformMessageID)
}

func (c *Client) CacheTurnReply(ctx context.Context, externalChatID string, platformMessageID int64, reply string) error {
	return c.rdb.Set(ctx, replyKey(externalChatID, platformMessageID), reply, replyTTL).Err()
}

func (c *Client) CachedTurnReply(ctx context.Context, externalChatID string, platformMessageID int64) (string, bool) {
	v, err := c.rdb.Get(ctx, replyKey(externalChatID, platformMessageID)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// In-flight turn markers distinguish a redelivery racing a live turn (stay
// silent) from a redelivery of an interrupted turn (resume it). The TTL
// covers worker crashes that never clear the marker.

func inFlightKey(externalChatID string, platformMessageID int64) string {
	return fmt.Sprintf("turninflight:%s:%d", externalChatID, platformMessageID)
}

func (c *Client) MarkTurnInFlight(ctx context.Context, externalChatID string, platformMessageID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, inFlightKey(externalChatID, platformMessageID), 1, ttl).Err()
}

func (c *Client) ClearTurnInFlight(ctx context.Context, externalChatID string, platformMessageID int64) error {
	return c.rdb.Del(ctx, inFlightKey(externalChatID, platformMessageID)).Err()
}

func (c *Client) TurnInFlight(ctx context.Context, externalChatID string, platformMessageID int64) bool {
	n, err := c.rdb.Exists(ctx, inFlightKey(externalChatID, platformMessageID)).Result()
	return err == nil && n > 0
}

// Album buffer: Telegram delivers a multi-photo album as separate updates
// sharing a media_group_id. Parts are collected in a list until the group is
// flushed as one turn.

func albumKey(mediaGroupID string) string {
	return "album:" + mediaGroupID
}

func (c *Client) AppendAlbumPart(ctx context.Context, mediaGroupID, payload string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	llen := pipe.RPush(ctx, albumKey(mediaGroupID), payload)
	pipe.Expire(ctx, albumKey(mediaGroupID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return llen.Val(), nil
}

func (c *Client) DrainAlbum(ctx context.Context, mediaGroupID string) ([]string, error) {
	key := albumKey(mediaGroupID)
	pipe := c.rdb.TxPipeline()
	parts := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return parts.Val(), nil
}

// OAuth state nonces, consumed exactly once by the callback.

func stateKey(state string) string {
	return "oauthstate:" + state
}

func (c *Client) SaveOAuthState(ctx context.Context, state string, userID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, stateKey(state), userID, ttl).Err()
}

func (c *Client) ConsumeOAuthState(ctx context.Context, state string) (int64, error) {
	pipe := c.rdb.TxPipeline()
	get := pipe.Get(ctx, stateKey(state))
	pipe.Del(ctx, stateKey(state))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return get.Int64()
}

// Dead letter queue for failed turns.

const dlqKey = "turns:dlq"

func (c *Client) PushDeadLetter(ctx context.Context, payload string) error {
	return c.rdb.RPush(ctx, dlqKey, payload).Err()
}

func (c *Client) DeadLetterCount(ctx context.Context) (int64, error) {
	return c.rdb.LLen(ctx, dlqKey).Result()
}

// PopDeadLetter blocks up to timeout for the next dead-lettered turn.
// Returns redis.Nil when the queue stays empty.
func (c *Client) PopDeadLetter(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := c.rdb.BLPop(ctx, timeout, dlqKey).Result()
	if err != nil {
		return "", err
	}
	// BLPOP returns [key, value]
	return res[1], nil
}
