// Package cache keeps rendered loan and wallet-activity lists in Redis and
// drops them when a domain event says they changed.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/events"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const LoansKey = "loans_list"

func WalletActivitiesKey(walletID uuid.UUID) string {
	return "wallet_activities:" + walletID.String()
}

// Connect opens a Redis client and checks it answers.
func Connect(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// ListCache is a read-through cache. Redis failures are logged and fall
// back to the loader; they never fail the request.
type ListCache struct {
	client  redis.Cmdable
	ttl     time.Duration
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewListCache(client redis.Cmdable, ttl time.Duration, log logrus.FieldLogger) *ListCache {
	return &ListCache{client: client, ttl: ttl, timeout: 2 * time.Second, log: log}
}

// Loans returns the cached loan list, calling load on a miss.
func (c *ListCache) Loans(ctx context.Context, load func() ([]*models.Loan, error)) ([]*models.Loan, error) {
	return readThrough(ctx, c, LoansKey, load)
}

// WalletActivities returns the cached activity log of a wallet, calling load on a miss.
func (c *ListCache) WalletActivities(ctx context.Context, walletID uuid.UUID, load func() ([]*models.WalletActivity, error)) ([]*models.WalletActivity, error) {
	return readThrough(ctx, c, WalletActivitiesKey(walletID), load)
}

func readThrough[T any](ctx context.Context, c *ListCache, key string, load func() (T, error)) (T, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		c.log.WithField("key", key).Warn("discarding undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		c.log.WithField("key", key).WithError(err).Warn("cache read failed")
	}

	value, err := load()
	if err != nil {
		return value, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value, nil
	}
	if err := c.client.Set(ctx, key, string(data), c.ttl).Err(); err != nil {
		c.log.WithField("key", key).WithError(err).Warn("cache write failed")
	}
	return value, nil
}

// Invalidate deletes keys.
func (c *ListCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Handle is an events.Handler that drops the lists an event made stale.
func (c *ListCache) Handle(e events.Event) {
	keys := staleKeys(e)
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.Invalidate(ctx, keys...); err != nil {
		c.log.WithFields(logrus.Fields{"event": e.Type, "keys": keys}).WithError(err).Warn("cache invalidation failed")
	}
}

func staleKeys(e events.Event) []string {
	var keys []string
	if e.LoanID != uuid.Nil || e.Type == events.LoanCreated {
		keys = append(keys, LoansKey)
	}
	switch e.Type {
	case events.WalletCredited, events.WalletDebited:
		keys = append(keys, WalletActivitiesKey(e.WalletID))
	}
	return keys
}
