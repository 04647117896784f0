package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"handshakegate/gate-service/internal/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

const createdField = "_created"

// RedisStore keeps each session as one Redis hash with a sliding TTL, so
// several gate instances can share sessions.
type RedisStore struct {
	redis   redis.UniversalClient
	prefix  string
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

// NewRedisStore wraps a Redis client. breaker may be nil.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration, breaker *circuitbreaker.CircuitBreaker) *RedisStore {
	return &RedisStore{redis: client, prefix: prefix, ttl: ttl, breaker: breaker}
}

func (s *RedisStore) key(sid string) string {
	return s.prefix + sid
}

// do runs fn through the breaker and maps failures to ErrUnavailable.
// redis.Nil passes through untouched.
func (s *RedisStore) do(fn func() error) error {
	isNil := func(err error) bool { return errors.Is(err, redis.Nil) }
	var err error
	if s.breaker != nil {
		err = s.breaker.Do(fn, isNil)
	} else {
		err = fn()
	}
	if err == nil || isNil(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, sid, key string) ([]byte, bool, error) {
	var val []byte
	err := s.do(func() error {
		var err error
		val, err = s.redis.HGet(ctx, s.key(sid), key).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Put(ctx context.Context, sid, key string, value []byte) error {
	return s.do(func() error {
		_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, s.key(sid), key, value)
			p.Expire(ctx, s.key(sid), s.ttl)
			return nil
		})
		return err
	})
}

func (s *RedisStore) Forget(ctx context.Context, sid, key string) error {
	return s.do(func() error {
		return s.redis.HDel(ctx, s.key(sid), key).Err()
	})
}

func (s *RedisStore) Exists(ctx context.Context, sid string) (bool, error) {
	var n int64
	err := s.do(func() error {
		var err error
		n, err = s.redis.Exists(ctx, s.key(sid)).Result()
		return err
	})
	return n > 0, err
}

func (s *RedisStore) Touch(ctx context.Context, sid string) error {
	return s.do(func() error {
		_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSetNX(ctx, s.key(sid), createdField, strconv.FormatInt(time.Now().Unix(), 10))
			p.Expire(ctx, s.key(sid), s.ttl)
			return nil
		})
		return err
	})
}

func (s *RedisStore) Destroy(ctx context.Context, sid string) error {
	return s.do(func() error {
		return s.redis.Del(ctx, s.key(sid)).Err()
	})
}

// Ping checks backend reachability for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.do(func() error {
		return s.redis.Ping(ctx).Err()
	})
}
