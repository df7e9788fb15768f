// Package rediscache provides an optional Redis-backed cache in front of
// a durable Store for the hot token → Session lookup path. It is a
// cache, not a system of record: a cache miss always falls through to
// Store.GetSessionByToken, and a Redis outage degrades to that fallback
// rather than failing requests. Entries are keyed by the session token
// itself, since that's what the read path (validating an
// Authorization header) looks sessions up by.
package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/types"
)

const (
	defaultNamespace = "cluster"
	defaultTTL       = 30 * time.Minute
)

// Option configures a Cache.
type Option func(*Cache)

// WithNamespace sets the Redis key prefix.
func WithNamespace(ns string) Option {
	return func(c *Cache) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithTTL sets how long a cached session entry survives.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// Cache is a Redis-backed session cache.
type Cache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// New connects to redisURL (e.g. "redis://localhost:6379/0") and verifies
// connectivity before returning.
func New(redisURL string, opts ...Option) (*Cache, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, clustererr.BackendUnavailablef("invalid redis URL: %v", err)
	}

	c := &Cache{
		client:    redis.NewClient(redisOpts),
		namespace: defaultNamespace,
		ttl:       defaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		_ = c.client.Close()
		return nil, clustererr.BackendUnavailablef("redis ping: %v", err)
	}
	return c, nil
}

func (c *Cache) key(token string) string {
	return c.namespace + ":session:" + token
}

// cachedSession is the Redis wire shape for a Session. Unlike
// types.Session, whose Token field is json:"-" so operator-facing API
// responses never leak it, the cache is a trusted internal store keyed
// by the token itself — it has to round-trip the token to be useful as
// a token → Session lookup, so it marshals its own copy rather than
// reusing types.Session's JSON tags.
type cachedSession struct {
	ID         string            `json:"id"`
	OperatorID string            `json:"operator_id"`
	Type       types.SessionType `json:"type"`
	Token      string            `json:"token"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Scopes     []string          `json:"scopes"`
}

func toCached(sess *types.Session) cachedSession {
	return cachedSession{
		ID:         sess.ID.String(),
		OperatorID: sess.OperatorID,
		Type:       sess.Type,
		Token:      sess.Token,
		ExpiresAt:  sess.ExpiresAt,
		Scopes:     sess.Scopes,
	}
}

func (c cachedSession) toSession() (*types.Session, error) {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return nil, err
	}
	return &types.Session{
		ID:         id,
		OperatorID: c.OperatorID,
		Type:       c.Type,
		Token:      c.Token,
		ExpiresAt:  c.ExpiresAt,
		Scopes:     c.Scopes,
	}, nil
}

// clampTTL never caches a session longer than it's actually valid for: if
// expiresAt arrives sooner than configuredTTL, the shorter duration wins.
// A non-positive remaining lifetime still gets a tiny positive TTL, since
// go-redis treats a 0 expiration as "no expiry" and the entry would
// otherwise outlive the session.
func clampTTL(configuredTTL time.Duration, expiresAt, now time.Time) time.Duration {
	until := expiresAt.Sub(now)
	if until <= 0 {
		return time.Second
	}
	if until < configuredTTL {
		return until
	}
	return configuredTTL
}

// Get returns the cached Session for token. The bool is false on a cache
// miss (including a Redis error or a malformed entry, both treated as a
// miss so callers always fall through to Store.GetSessionByToken).
func (c *Cache) Get(ctx context.Context, token string) (*types.Session, bool) {
	data, err := c.client.Get(ctx, c.key(token)).Bytes()
	if err != nil {
		return nil, false
	}
	var cached cachedSession
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false
	}
	sess, err := cached.toSession()
	if err != nil {
		return nil, false
	}
	return sess, true
}

// Put caches sess, keyed by its token, until its TTL or ExpiresAt,
// whichever is sooner.
func (c *Cache) Put(ctx context.Context, sess *types.Session) error {
	if sess.Token == "" {
		return clustererr.ProtocolViolationf("cannot cache a session with no token")
	}
	data, err := json.Marshal(toCached(sess))
	if err != nil {
		return clustererr.Wrap(clustererr.KindBackendUnavailable, err)
	}

	ttl := clampTTL(c.ttl, sess.ExpiresAt, time.Now())
	if err := c.client.Set(ctx, c.key(sess.Token), data, ttl).Err(); err != nil {
		return clustererr.Wrap(clustererr.KindBackendUnavailable, err)
	}
	return nil
}

// Invalidate evicts a cached session by token, e.g. on explicit logout.
func (c *Cache) Invalidate(ctx context.Context, token string) error {
	if err := c.client.Del(ctx, c.key(token)).Err(); err != nil {
		return clustererr.Wrap(clustererr.KindBackendUnavailable, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
