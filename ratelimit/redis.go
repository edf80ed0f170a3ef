package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

// RedisStore counts consumptions in a sorted set per (class, key) scored by
// consumption time, which gives a true sliding window shared by every
// process. Lockouts live in a separate block key with PX expiry.
type RedisStore struct {
	logger    types.Logger
	client    redis.UniversalClient
	keyPrefix string
	running   int32
	now       func() time.Time
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: 3 * time.Second,
	})

	store := NewRedisStoreWithClient(logger, client, config.KeyPrefix)

	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, types.Errorf(types.ErrCacheConnectionFailed, "%v", err)
	}

	return store, nil
}

func NewRedisStoreWithClient(logger types.Logger, client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		logger:    logger,
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (rs *RedisStore) Kind() string {
	return "redis"
}

func (rs *RedisStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return rs.client.Ping(pingCtx).Err()
}

func (rs *RedisStore) Consume(ctx context.Context, class, key string, points int, quota types.Quota) (types.RateLimitResult, error) {
	windowKey := rs.windowKey(class, key)
	blockKey := rs.blockKey(class, key)

	blockedFor, err := rs.client.PTTL(ctx, blockKey).Result()
	if err != nil {
		return types.RateLimitResult{}, err
	}
	if blockedFor > 0 {
		return types.RateLimitResult{
			Allowed:      false,
			MsBeforeNext: blockedFor.Milliseconds(),
		}, nil
	}

	now := rs.now().UnixMilli()
	windowMs := quota.Duration.Milliseconds()

	members := make([]redis.Z, points)
	names := make([]interface{}, points)
	for i := range members {
		name := strconv.FormatInt(now, 10) + ":" + uuid.NewString()
		members[i] = redis.Z{Score: float64(now), Member: name}
		names[i] = name
	}

	var count *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, windowKey, "-inf", strconv.FormatInt(now-windowMs, 10))
		pipe.ZAdd(ctx, windowKey, members...)
		count = pipe.ZCard(ctx, windowKey)
		oldest = pipe.ZRangeWithScores(ctx, windowKey, 0, 0)
		pipe.PExpire(ctx, windowKey, quota.Duration)
		return nil
	})
	if err != nil {
		return types.RateLimitResult{}, err
	}

	consumed := int(count.Val())
	msBeforeNext := windowMs
	if first := oldest.Val(); len(first) > 0 {
		msBeforeNext = int64(first[0].Score) + windowMs - now
	}

	if consumed <= quota.Points {
		return types.RateLimitResult{
			Allowed:         true,
			RemainingPoints: quota.Points - consumed,
			MsBeforeNext:    msBeforeNext,
			ConsumedPoints:  consumed,
		}, nil
	}

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, windowKey, names...)
		if quota.BlockDuration > 0 {
			pipe.Set(ctx, blockKey, consumed, quota.BlockDuration)
		}
		return nil
	})
	if err != nil {
		rs.logger.Warn("Failed to record rate limit rejection", zap.String("class", class), zap.Error(err))
	}

	if quota.BlockDuration > 0 {
		msBeforeNext = quota.BlockDuration.Milliseconds()
	}

	return types.RateLimitResult{
		Allowed:        false,
		MsBeforeNext:   msBeforeNext,
		ConsumedPoints: consumed,
	}, nil
}

func (rs *RedisStore) Reset(ctx context.Context, class, key string) error {
	return rs.client.Del(ctx, rs.windowKey(class, key), rs.blockKey(class, key)).Err()
}

func (rs *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&rs.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (rs *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&rs.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	return rs.client.Close()
}

func (rs *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&rs.running) == 1
}

func (rs *RedisStore) windowKey(class, key string) string {
	return rs.keyPrefix + ":" + class + ":" + key
}

func (rs *RedisStore) blockKey(class, key string) string {
	return rs.keyPrefix + ":block:" + class + ":" + key
}
