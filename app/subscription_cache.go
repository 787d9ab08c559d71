package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/redis/go-redis/v9"
	"github.com/sweater-ventures/relay/config"
	"github.com/sweater-ventures/relay/db"
)

const (
	cacheKeyPrefix        = "subscription:"
	cacheVersionPrefix    = "subscription:version:"
	cacheGlobalVersionKey = "subscription:global_version"
	cacheUpdatesChannel   = "subscription:updates"
)

// cachedSubscription is the JSON document stored in Redis. The version stamp
// is written into the document itself and compared against the live version
// counter on every read, so a stale entry can never be served even when a
// DEL is lost.
type cachedSubscription struct {
	ID           string    `json:"id"`
	TargetUrl    string    `json:"target_url"`
	Secret       *string   `json:"secret"`
	EventTypes   []string  `json:"event_types"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	CacheVersion int64     `json:"_cache_version"`
}

type invalidationMessage struct {
	Action         string `json:"action"`
	SubscriptionID string `json:"subscription_id"`
	Timestamp      int64  `json:"timestamp"`
}

// SubscriptionCache is a Redis read-through cache over the subscriptions
// table. Misses and any Redis failure fall back to the database; the cache
// only ever makes reads cheaper, never authoritative.
type SubscriptionCache struct {
	db  db.Querier
	rdb *redis.Client
	ttl time.Duration
}

func NewSubscriptionCache(querier db.Querier, rdb *redis.Client, config *config.AppConfig) *SubscriptionCache {
	return &SubscriptionCache{
		db:  querier,
		rdb: rdb,
		ttl: time.Duration(config.SubscriptionCacheTTL) * time.Second,
	}
}

// Resolve returns the subscription for id, reading through to the database
// on a cache miss. Database errors (including pgx.ErrNoRows) pass through
// unchanged.
func (c *SubscriptionCache) Resolve(ctx context.Context, id pgtype.UUID) (db.Subscription, error) {
	if sub, ok := c.get(ctx, id); ok {
		return sub, nil
	}

	sub, err := c.db.GetSubscriptionByID(ctx, id)
	if err != nil {
		return db.Subscription{}, err
	}
	c.put(ctx, sub)
	return sub, nil
}

func (c *SubscriptionCache) get(ctx context.Context, id pgtype.UUID) (db.Subscription, bool) {
	key := cacheKeyPrefix + UuidToString(id)

	// Fetch the entry and its version counter in one round trip.
	pipe := c.rdb.Pipeline()
	dataCmd := pipe.Get(ctx, key)
	versionCmd := pipe.Get(ctx, cacheVersionPrefix+UuidToString(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		log(ctx).Warn("Subscription cache read failed", "error", err)
		return db.Subscription{}, false
	}

	raw, err := dataCmd.Bytes()
	if err != nil {
		return db.Subscription{}, false
	}

	var cached cachedSubscription
	if err := json.Unmarshal(raw, &cached); err != nil {
		log(ctx).Warn("Dropping undecodable cache entry", "key", key, "error", err)
		c.rdb.Del(ctx, key)
		return db.Subscription{}, false
	}

	version, err := versionCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return db.Subscription{}, false
	}
	if cached.CacheVersion != version {
		log(ctx).Debug("Dropping stale subscription cache entry",
			"subscription_id", cached.ID,
			"cached_version", cached.CacheVersion,
			"current_version", version,
		)
		c.rdb.Del(ctx, key)
		return db.Subscription{}, false
	}

	sub := db.Subscription{
		ID:         id,
		TargetUrl:  cached.TargetUrl,
		EventTypes: cached.EventTypes,
		CreatedAt:  pgtype.Timestamptz{Time: cached.CreatedAt, Valid: true},
		UpdatedAt:  pgtype.Timestamptz{Time: cached.UpdatedAt, Valid: true},
	}
	if cached.Secret != nil {
		sub.Secret = pgtype.Text{String: *cached.Secret, Valid: true}
	}
	return sub, true
}

func (c *SubscriptionCache) put(ctx context.Context, sub db.Subscription) {
	id := UuidToString(sub.ID)

	version, err := c.rdb.Incr(ctx, cacheVersionPrefix+id).Result()
	if err != nil {
		log(ctx).Warn("Subscription cache write skipped", "subscription_id", id, "error", err)
		return
	}

	cached := cachedSubscription{
		ID:           id,
		TargetUrl:    sub.TargetUrl,
		EventTypes:   sub.EventTypes,
		CreatedAt:    sub.CreatedAt.Time,
		UpdatedAt:    sub.UpdatedAt.Time,
		CacheVersion: version,
	}
	if sub.Secret.Valid {
		cached.Secret = &sub.Secret.String
	}

	raw, err := json.Marshal(cached)
	if err != nil {
		return
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, cacheKeyPrefix+id, raw, c.ttl)
	// Version keys outlive their data keys so a re-cached entry never
	// collides with an expired version counter.
	pipe.Expire(ctx, cacheVersionPrefix+id, 2*c.ttl)
	pipe.Incr(ctx, cacheGlobalVersionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		log(ctx).Warn("Subscription cache write failed", "subscription_id", id, "error", err)
	}
}

// Invalidate drops the cached entry for id, bumps its version and the global
// version, and notifies other instances over pub/sub. Called after every
// subscription mutation.
func (c *SubscriptionCache) Invalidate(ctx context.Context, id pgtype.UUID) {
	key := UuidToString(id)

	pipe := c.rdb.Pipeline()
	pipe.Incr(ctx, cacheVersionPrefix+key)
	pipe.Del(ctx, cacheKeyPrefix+key)
	pipe.Incr(ctx, cacheGlobalVersionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		log(ctx).Warn("Subscription cache invalidation failed", "subscription_id", key, "error", err)
	}

	msg, _ := json.Marshal(invalidationMessage{
		Action:         "invalidate",
		SubscriptionID: key,
		Timestamp:      time.Now().Unix(),
	})
	if err := c.rdb.Publish(ctx, cacheUpdatesChannel, msg).Err(); err != nil {
		log(ctx).Warn("Subscription cache invalidation publish failed", "subscription_id", key, "error", err)
	}
}

// GlobalVersion returns the cluster-wide cache generation counter.
func (c *SubscriptionCache) GlobalVersion(ctx context.Context) int64 {
	version, err := c.rdb.Get(ctx, cacheGlobalVersionKey).Int64()
	if err != nil {
		return 0
	}
	return version
}

// StartListener subscribes to the invalidation channel and drops cached
// entries named by messages from other instances. It reconnects until ctx is
// cancelled.
func (c *SubscriptionCache) StartListener(ctx context.Context) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			c.listen(ctx)

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

func (c *SubscriptionCache) listen(ctx context.Context) {
	pubsub := c.rdb.Subscribe(ctx, cacheUpdatesChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log(ctx).Warn("Subscription update listener failed to subscribe", "error", err)
		return
	}
	log(ctx).Debug("Subscription update listener started", "channel", cacheUpdatesChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var update invalidationMessage
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				log(ctx).Warn("Ignoring malformed subscription update", "payload", msg.Payload)
				continue
			}
			if update.Action != "invalidate" || update.SubscriptionID == "" {
				continue
			}
			c.rdb.Del(ctx, cacheKeyPrefix+update.SubscriptionID)
			log(ctx).Debug("Dropped cache entry on remote invalidation",
				"subscription_id", update.SubscriptionID)
		}
	}
}

// SubscriptionNotFound reports whether err is the database's not-found error.
func SubscriptionNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
