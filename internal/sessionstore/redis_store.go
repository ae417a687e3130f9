// Package sessionstore keeps registration sessions in Redis, either as the
// primary store or as a read-through cache in front of Postgres.
package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"memberhub/internal/registration/session"
)

const defaultKeyPrefix = "registration:session:"

// RedisStore stores each session as one JSON value with a TTL.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore constructs a Redis-backed session store.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) key(id string) string {
	return r.keyPrefix + id
}

// Get loads a session. Expired keys are gone, so they read as not found.
func (r *RedisStore) Get(ctx context.Context, id string) (session.Session, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	return session.Unmarshal(raw)
}

// Save writes s if the stored version still equals s.Version. The check and
// the write run under WATCH so a concurrent writer aborts the transaction.
func (r *RedisStore) Save(ctx context.Context, s session.Session, ttl time.Duration) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	key := r.key(s.ID)
	next := s
	next.Version = s.Version + 1
	raw, err := session.Marshal(next)
	if err != nil {
		return session.Session{}, err
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if s.Version != 0 {
				return session.ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			stored, err := session.Unmarshal(current)
			if err != nil {
				return err
			}
			if stored.Version != s.Version {
				return session.ErrVersionConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return session.Session{}, session.ErrVersionConflict
	}
	if err != nil {
		return session.Session{}, err
	}
	return next, nil
}

// Put overwrites the cached copy without a version check.
func (r *RedisStore) Put(ctx context.Context, s session.Session, ttl time.Duration) error {
	raw, err := session.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(s.ID), raw, ttl).Err()
}

// Delete removes a session.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}
