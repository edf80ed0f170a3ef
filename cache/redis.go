package cache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

type RedisConfig struct {
	Addr               string `json:"addr"`
	Password           string `json:"password"`
	DB                 int    `json:"db"`
	PoolSize           int    `json:"pool_size"`
	MinIdleConnections int    `json:"min_idle_connections"`
	DialTimeout        string `json:"dial_timeout"`
	ReadTimeout        string `json:"read_timeout"`
	WriteTimeout       string `json:"write_timeout"`
	KeyPrefix          string `json:"key_prefix"`
	ProbeInterval      string `json:"probe_interval"`
}

func parseRedisConfig(config interface{}) (*RedisConfig, error) {
	var redisConfig = &RedisConfig{
		Addr:               "localhost:6379",
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        "5s",
		ReadTimeout:        "3s",
		WriteTimeout:       "3s",
		KeyPrefix:          "drafter:cache",
		ProbeInterval:      "30s",
	}

	if config != nil {
		if err := utils.UnmarshalConfig(config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	return redisConfig, nil
}

// RedisBackend keeps each entry as JSON under <prefix>:key:<key> with native
// expiry and a set of logical keys under <prefix>:tag:<tag>.
type RedisBackend struct {
	logger  types.Logger
	config  *RedisConfig
	client  redis.UniversalClient
	started int32
	now     func() time.Time

	// plainExpire is set once the server rejects EXPIRE NX/GT (before 7.0).
	plainExpire atomic.Bool
}

func NewRedisBackend(ctx context.Context, logger types.Logger, config *RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConnections,
		DialTimeout:  parseDuration(config.DialTimeout, 5*time.Second),
		ReadTimeout:  parseDuration(config.ReadTimeout, 3*time.Second),
		WriteTimeout: parseDuration(config.WriteTimeout, 3*time.Second),
	})

	backend := NewRedisBackendWithClient(logger, client, config.KeyPrefix)

	if err := backend.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, types.Errorf(types.ErrCacheConnectionFailed, "%v", err)
	}

	return backend, nil
}

func NewRedisBackendWithClient(logger types.Logger, client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{
		logger: logger,
		config: &RedisConfig{KeyPrefix: keyPrefix},
		client: client,
		now:    time.Now,
	}
}

func (r *RedisBackend) Kind() BackendKind {
	return BackendRedis
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(pingCtx).Err()
}

func (r *RedisBackend) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	result, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(result, &entry); err != nil {
		r.client.Del(ctx, r.entryKey(key))
		return nil, false, types.Errorf(types.ErrCacheEntryMalformed, "key %s: %v", key, err)
	}

	if !entry.IsValid(r.now()) {
		return nil, false, nil
	}

	return &entry, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, entry *types.CacheEntry) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache entry")
	}

	ttl := time.Duration(entry.TTLSeconds) * time.Second
	if ttl <= 0 {
		return types.Errorf(types.ErrInvalidParameter, "ttl must be positive for key %s", key)
	}

	previousTags := r.readTags(ctx, key)

	err = r.writeEntry(ctx, key, data, ttl, previousTags, entry.Tags)
	if err != nil && len(entry.Tags) > 0 && !r.plainExpire.Load() && isExpireOptionRejected(err) {
		r.plainExpire.Store(true)
		r.logger.Warn("Redis rejects EXPIRE options, extending tag sets with plain EXPIRE",
			zap.Error(err))
		err = r.writeEntry(ctx, key, data, ttl, previousTags, entry.Tags)
	}

	return err
}

func (r *RedisBackend) writeEntry(ctx context.Context, key string, data []byte, ttl time.Duration, previousTags, tags []string) error {
	var tagTTLs map[string]time.Duration
	if r.plainExpire.Load() {
		tagTTLs = r.extendedTagTTLs(ctx, tags, ttl)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, tag := range previousTags {
			pipe.SRem(ctx, r.tagKey(tag), key)
		}
		pipe.Set(ctx, r.entryKey(key), data, ttl)
		for _, tag := range tags {
			tagKey := r.tagKey(tag)
			pipe.SAdd(ctx, tagKey, key)
			if tagTTLs != nil {
				pipe.Expire(ctx, tagKey, tagTTLs[tag])
				continue
			}
			// NX covers a freshly created set, GT only ever extends it.
			pipe.ExpireNX(ctx, tagKey, ttl)
			pipe.ExpireGT(ctx, tagKey, ttl)
		}
		return nil
	})

	return err
}

// extendedTagTTLs returns, per tag, the larger of ttl and the tag set's
// remaining lifetime. The read is not atomic with the write that follows.
func (r *RedisBackend) extendedTagTTLs(ctx context.Context, tags []string, ttl time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(tags))
	cmds := make(map[string]*redis.DurationCmd, len(tags))

	_, _ = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, tag := range tags {
			cmds[tag] = pipe.PTTL(ctx, r.tagKey(tag))
		}
		return nil
	})

	for _, tag := range tags {
		out[tag] = ttl
		if remaining, err := cmds[tag].Result(); err == nil && remaining > ttl {
			out[tag] = remaining
		}
	}
	return out
}

// isExpireOptionRejected matches the server errors older Redis versions
// return for EXPIRE with NX or GT inside MULTI.
func isExpireOptionRejected(err error) bool {
	var serverErr redis.Error
	if !errors.As(err, &serverErr) || IsConnectivityError(err) {
		return false
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "expire") || strings.Contains(msg, "execabort")
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	tags := r.readTags(ctx, key)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entryKey(key))
		for _, tag := range tags {
			pipe.SRem(ctx, r.tagKey(tag), key)
		}
		return nil
	})

	return err
}

func (r *RedisBackend) DeleteByTag(ctx context.Context, tag string) error {
	tagKey := r.tagKey(tag)

	members, err := r.client.SMembers(ctx, tagKey).Result()
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, member := range members {
			pipe.Del(ctx, r.entryKey(member))
		}
		pipe.Del(ctx, tagKey)
		return nil
	})

	return err
}

func (r *RedisBackend) Has(ctx context.Context, key string) (bool, error) {
	count, err := r.client.Exists(ctx, r.entryKey(key)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RedisBackend) Size(ctx context.Context, namespace string) (int, error) {
	count := 0
	err := r.scan(ctx, r.entryKey(escapeGlob(namespace))+"*", func(keys []string) error {
		count += len(keys)
		return nil
	})
	return count, err
}

func (r *RedisBackend) Clear(ctx context.Context, namespace string) error {
	patterns := []string{
		r.entryKey(escapeGlob(namespace)) + "*",
		r.tagKey(escapeGlob(namespace)) + "*",
	}

	for _, pattern := range patterns {
		err := r.scan(ctx, pattern, func(keys []string) error {
			return r.client.Del(ctx, keys...).Err()
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *RedisBackend) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	r.logger.Info("Redis cache started")
	return nil
}

func (r *RedisBackend) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis cache closed successfully")
	return nil
}

func (r *RedisBackend) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisBackend) readTags(ctx context.Context, key string) []string {
	result, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if err != nil {
		return nil
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(result, &entry); err != nil {
		return nil
	}
	return entry.Tags
}

func (r *RedisBackend) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}

		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisBackend) entryKey(key string) string {
	return r.config.KeyPrefix + ":key:" + key
}

func (r *RedisBackend) tagKey(tag string) string {
	return r.config.KeyPrefix + ":tag:" + tag
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(value string) string {
	return globEscaper.Replace(value)
}
